package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsServerMessage struct {
	Type           string `json:"type"`
	Action         string `json:"action"`
	NotificationID int64  `json:"notification_id"`
	Removed        bool   `json:"removed"`
	Unread         int    `json:"unread"`
	Title          string `json:"title"`
}

func (c *apiClient) dialWS(token string) (*websocket.Conn, *http.Response, error) {
	c.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") +
		"/ws/notifications?token=" + url.QueryEscape(token)
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func readWS(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg wsServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return msg
}

func writeWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	c, _ := newTestAPI(t)

	_, resp, err := c.dialWS("not-a-jwt")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 pre-upgrade, got %+v", resp)
	}

	_, resp, err = c.dialWS("")
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %+v", resp)
	}
}

func TestWebSocketLifecycle(t *testing.T) {
	c, _ := newTestAPI(t)
	pair := c.obtainToken("jdupont", "user", "HCAU")

	conn, _, err := c.dialWS(pair.AccessToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readWS(t, conn)
	if hello.Type != "connected" || hello.Unread != 0 {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	writeWS(t, conn, map[string]any{"action": "ping"})
	if msg := readWS(t, conn); msg.Type != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}

	writeWS(t, conn, map[string]any{"action": "mark_read", "notification_id": 42})
	ack := readWS(t, conn)
	if ack.Type != "ack" || ack.Action != "mark_read" || ack.NotificationID != 42 || ack.Removed {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestWebSocketReceivesDirectSend(t *testing.T) {
	c, _ := newTestAPI(t)
	recipient := c.obtainToken("jdupont", "user", "HCAU")
	admin := c.obtainToken("chef", "admin", "HCAU")

	conn, _, err := c.dialWS(recipient.AccessToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if hello := readWS(t, conn); hello.Type != "connected" {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	resp := c.post("/v1/notifications/send", map[string]any{
		"user_id": "jdupont",
		"title":   "Affectation",
		"message": "Nouvel ordre de travail",
	}, bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	msg := readWS(t, conn)
	if msg.Title != "Affectation" {
		t.Fatalf("expected live delivery, got %+v", msg)
	}
}

func TestWebSocketBroadcastExcludesSender(t *testing.T) {
	c, _ := newTestAPI(t)
	listener := c.obtainToken("jdupont", "user", "HCAU")
	admin := c.obtainToken("chef", "admin", "HCAU")

	listenConn, _, err := c.dialWS(listener.AccessToken)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer listenConn.Close()
	readWS(t, listenConn) // hello

	senderConn, _, err := c.dialWS(admin.AccessToken)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	defer senderConn.Close()
	readWS(t, senderConn) // hello

	resp := c.post("/v1/notifications/send", map[string]any{
		"title":     "Référentiel mis à jour",
		"broadcast": true,
	}, bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("broadcast status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	if msg := readWS(t, listenConn); msg.Title != "Référentiel mis à jour" {
		t.Fatalf("listener missed broadcast: %+v", msg)
	}

	// The sender's own connection must stay silent.
	_ = senderConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, payload, err := senderConn.ReadMessage(); err == nil {
		t.Fatalf("sender received own broadcast: %s", payload)
	}
}
