// Package notify produces notifications with at-least-once persistence and
// best-effort live delivery. Every direct notification lands in the
// recipient's durable cache-resident queue before any socket is tried;
// broadcasts are live-only and never persisted.
package notify

import (
	"context"
	"hash/fnv"
	"time"

	"gridref.org/internal/audit"
	"gridref.org/internal/cache"
	"gridref.org/internal/obs"
)

// QueueTTL bounds how long an undrained per-user queue survives.
const QueueTTL = 7 * 24 * time.Hour

// Recipient sentinel for broadcast notifications.
const RecipientAll = "all"

// Notification types understood by clients.
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeError   = "error"
)

// Notification is the wire and queue shape of one notification.
type Notification struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	IsRead    bool   `json:"is_read"`
	Broadcast bool   `json:"broadcast"`
}

// Input describes one notification to produce.
type Input struct {
	UserID    string
	Title     string
	Message   string
	Type      string
	Broadcast bool
	// SenderID is excluded from broadcast delivery so an actor does not
	// get its own action echoed back.
	SenderID string
}

// Store is the durable queue backend. Satisfied by *cache.Cache, so queue
// persistence inherits the cache's fail-open behavior.
type Store interface {
	GetJSON(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	ClearPattern(ctx context.Context, pattern string) int
}

// Deliverer pushes messages to live connections. Satisfied by *ws.Hub.
type Deliverer interface {
	SendToUser(message any, userID string) int
	Broadcast(message any, excludeUserID string) int
}

// Service owns the per-user queues and the delivery path.
type Service struct {
	store Store
	hub   Deliverer
	now   func() time.Time
}

// New builds the notification service.
func New(store Store, hub Deliverer) *Service {
	return &Service{store: store, hub: hub, now: time.Now}
}

// Send produces a notification. Direct notifications are appended to the
// recipient's durable queue unconditionally, then pushed to any live
// sockets; delivery failure never loses the notification. Broadcasts go to
// every connected user except the sender and are not persisted.
func (s *Service) Send(ctx context.Context, in Input) Notification {
	now := s.now().UTC()
	n := Notification{
		ID:        newID(now, in.UserID),
		UserID:    in.UserID,
		Title:     in.Title,
		Message:   in.Message,
		Type:      orDefault(in.Type, TypeInfo),
		Timestamp: now.Format(time.RFC3339),
		Broadcast: in.Broadcast,
	}

	if in.Broadcast {
		delivered := s.hub.Broadcast(n, in.SenderID)
		obs.Notification("broadcast")
		_ = audit.LogEvent(ctx, audit.EventNotificationSent, map[string]any{
			"recipient": RecipientAll, "title": n.Title, "delivered": delivered,
		})
		return n
	}

	s.appendToQueue(ctx, n)

	delivered := s.hub.SendToUser(n, in.UserID)
	if delivered > 0 {
		obs.Notification("delivered")
	} else {
		obs.Notification("queued")
	}
	_ = audit.LogEvent(ctx, audit.EventNotificationSent, map[string]any{
		"recipient": in.UserID, "title": n.Title, "delivered": delivered,
	})
	return n
}

// Unread returns the recipient's durable queue, oldest first. Entries from
// older writers may lack an id; those are backfilled so clients can always
// acknowledge.
func (s *Service) Unread(ctx context.Context, userID string) []Notification {
	queue := s.loadQueue(ctx, userID)
	now := s.now().UTC()
	for i := range queue {
		if queue[i].ID == 0 {
			queue[i].ID = newID(now.Add(time.Duration(i)*time.Millisecond), userID)
		}
	}
	return queue
}

// MarkRead removes one notification from the queue and reports whether
// anything was actually removed. False means the id was not present.
func (s *Service) MarkRead(ctx context.Context, userID string, id int64) bool {
	queue := s.loadQueue(ctx, userID)
	kept := queue[:0]
	for _, n := range queue {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(queue) {
		return false
	}
	s.store.Set(ctx, queueKey(userID), kept, QueueTTL)
	_ = audit.LogEvent(ctx, audit.EventNotificationRead, map[string]any{
		"recipient": userID, "notification_id": id,
	})
	return true
}

// MarkAllRead drops the whole queue.
func (s *Service) MarkAllRead(ctx context.Context, userID string) {
	s.store.Delete(ctx, queueKey(userID))
	_ = audit.LogEvent(ctx, audit.EventNotificationRead, map[string]any{
		"recipient": userID, "notification_id": RecipientAll,
	})
}

// appendToQueue is a read-modify-write of the full queue. It is not
// protected by a distributed lock: concurrent producers for the same user
// can race and the last writer wins on the whole list.
func (s *Service) appendToQueue(ctx context.Context, n Notification) {
	queue := s.loadQueue(ctx, n.UserID)
	queue = append(queue, n)
	if !s.store.Set(ctx, queueKey(n.UserID), queue, QueueTTL) {
		obs.Warn("notification queue persistence unavailable", map[string]any{
			"user_id": n.UserID, "notification_id": n.ID,
		})
	}
}

func (s *Service) loadQueue(ctx context.Context, userID string) []Notification {
	var queue []Notification
	s.store.GetJSON(ctx, queueKey(userID), &queue)
	return queue
}

func queueKey(userID string) string {
	return cache.Key("notifications", userID, nil)
}

// newID derives a queue-unique id from the creation time and recipient.
// Collision-tolerant within the TTL window, not globally unique.
func newID(now time.Time, userID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return now.UnixMilli()*1000 + int64(h.Sum32()%1000)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
