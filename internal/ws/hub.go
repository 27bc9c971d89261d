// Package ws keeps the process-local registry of live WebSocket
// connections, keyed by user id. The registry only does bookkeeping: socket
// lifecycle belongs to the transport layer, and a user may hold several
// connections at once (one per device).
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridref.org/internal/ids"
	"gridref.org/internal/obs"
)

// HeartbeatInterval is how often the hub pings each connection. Heartbeat
// failure is the only detector for half-open connections.
const HeartbeatInterval = 30 * time.Second

// Socket is the transport contract the hub needs from a connection.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one registered connection handle.
type Conn struct {
	ID     string
	UserID string
	sock   Socket
}

// Hub fan-outs messages to the live connections of each user.
type Hub struct {
	mu    sync.Mutex
	conns map[string][]*Conn
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{conns: make(map[string][]*Conn)}
}

// Connect registers a socket under userID and returns its handle.
func (h *Hub) Connect(sock Socket, userID string) *Conn {
	conn := &Conn{ID: ids.New(), UserID: userID, sock: sock}

	h.mu.Lock()
	h.conns[userID] = append(h.conns[userID], conn)
	total := len(h.conns[userID])
	h.mu.Unlock()

	obs.WSConnInc()
	obs.Info("websocket connected", map[string]any{"user_id": userID, "connections": total})
	return conn
}

// Disconnect removes the handle from its user's list, dropping the user
// entry when the list empties. Disconnecting an already-removed handle is a
// no-op.
func (h *Hub) Disconnect(conn *Conn) {
	h.mu.Lock()
	list, ok := h.conns[conn.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	removed := false
	for i, c := range list {
		if c == conn {
			h.conns[conn.UserID] = append(list[:i:i], list[i+1:]...)
			removed = true
			break
		}
	}
	if removed && len(h.conns[conn.UserID]) == 0 {
		delete(h.conns, conn.UserID)
	}
	h.mu.Unlock()

	if removed {
		obs.WSConnDec()
		obs.Info("websocket disconnected", map[string]any{"user_id": conn.UserID})
	}
}

// SendToUser delivers message to every live handle of userID, in handle
// order. Handles whose send fails are pruned after the delivery pass.
// Returns the number of successful deliveries; an unknown user yields zero,
// which is not an error: the producer is expected to have queued the message
// durably already.
func (h *Hub) SendToUser(message any, userID string) int {
	payload, err := json.Marshal(message)
	if err != nil {
		obs.Error("websocket payload marshal failed", map[string]any{"user_id": userID, "error": err.Error()})
		return 0
	}

	h.mu.Lock()
	list, ok := h.conns[userID]
	if !ok {
		h.mu.Unlock()
		obs.Warn("no live connections for user", map[string]any{"user_id": userID})
		return 0
	}
	snapshot := make([]*Conn, len(list))
	copy(snapshot, list)
	h.mu.Unlock()

	var dead []*Conn
	delivered := 0
	for _, conn := range snapshot {
		if err := conn.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
			obs.Error("websocket send failed", map[string]any{
				"user_id": userID, "conn_id": conn.ID, "error": err.Error(),
			})
			dead = append(dead, conn)
			continue
		}
		delivered++
	}
	for _, conn := range dead {
		h.Disconnect(conn)
	}
	return delivered
}

// Broadcast delivers message to every registered user except excludeUserID,
// typically the originator of the action. Delivery order across users is
// unspecified.
func (h *Hub) Broadcast(message any, excludeUserID string) int {
	h.mu.Lock()
	users := make([]string, 0, len(h.conns))
	for userID := range h.conns {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		users = append(users, userID)
	}
	h.mu.Unlock()

	delivered := 0
	for _, userID := range users {
		delivered += h.SendToUser(message, userID)
	}
	return delivered
}

// Heartbeat pushes a ping every HeartbeatInterval until the context ends or
// a send fails, which disconnects the handle.
func (h *Hub) Heartbeat(ctx context.Context, conn *Conn) {
	h.heartbeat(ctx, conn, HeartbeatInterval)
}

func (h *Hub) heartbeat(ctx context.Context, conn *Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.sock.WriteMessage(websocket.TextMessage, ping); err != nil {
				h.Disconnect(conn)
				return
			}
		}
	}
}

// Connections reports how many live handles userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// Users returns the ids of all users with at least one live connection.
func (h *Hub) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.conns))
	for userID := range h.conns {
		users = append(users, userID)
	}
	return users
}
