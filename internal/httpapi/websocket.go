package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridref.org/internal/audit"
	"gridref.org/internal/auth"
	"gridref.org/internal/obs"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 1 << 10,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

// wsSocket serializes writes; the hub, the heartbeat and the read loop all
// write to the same underlying connection.
type wsSocket struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (s *wsSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.c.WriteMessage(messageType, data)
}

func (s *wsSocket) Close() error { return s.c.Close() }

type wsClientMessage struct {
	Action         string `json:"action"`
	NotificationID int64  `json:"notification_id"`
}

// handleWebSocket is the live notification channel. The token rides in the
// query string because browser WebSocket clients cannot set headers; it is
// validated before the upgrade so a bad token costs a plain 401, and a token
// revoked mid-session surfaces as a heartbeat drop.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "missing token")
		return
	}
	if a.tokens != nil && a.tokens.IsBlacklisted(r.Context(), token) {
		writeError(w, r, http.StatusUnauthorized, "token revoked")
		return
	}
	claims, err := auth.ParseAndValidate(token, auth.TokenTypeAccess)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}
	id := claims.Identity()

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}
	sock := &wsSocket{c: raw}

	conn := a.hub.Connect(sock, id.UserID)
	ctx := auth.ContextWithIdentity(r.Context(), id)
	_ = audit.LogEvent(ctx, audit.EventSocketConnected, map[string]any{
		"connection_id": conn.ID,
	})

	unread := a.notify.Unread(ctx, id.UserID)
	a.wsSend(sock, map[string]any{
		"type":   "connected",
		"unread": len(unread),
	})

	hbCtx, cancel := context.WithCancel(context.Background())
	go a.hub.Heartbeat(hbCtx, conn)

	defer func() {
		cancel()
		a.hub.Disconnect(conn)
		_ = audit.LogEvent(ctx, audit.EventSocketDisconnect, map[string]any{
			"connection_id": conn.ID,
		})
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.wsSend(sock, map[string]any{"type": "error", "error": "malformed message"})
			continue
		}

		switch msg.Action {
		case "ping":
			a.wsSend(sock, map[string]any{"type": "pong"})
		case "mark_read":
			removed := a.notify.MarkRead(ctx, id.UserID, msg.NotificationID)
			a.wsSend(sock, map[string]any{
				"type":            "ack",
				"action":          "mark_read",
				"notification_id": msg.NotificationID,
				"removed":         removed,
			})
		default:
			obs.Warn("unknown websocket action", map[string]any{
				"action": msg.Action, "user_id": id.UserID,
			})
		}
	}
}

func (a *API) wsSend(sock *wsSocket, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = sock.WriteMessage(websocket.TextMessage, payload)
}
