package httpapi

import (
	"net/http"
	"strings"

	"gridref.org/internal/audit"
	"gridref.org/internal/auth"
	"gridref.org/internal/notify"
)

type sendNotificationRequest struct {
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Broadcast bool   `json:"broadcast"`
}

type readNotificationRequest struct {
	NotificationID int64 `json:"notification_id"`
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

func (a *API) handleNotificationsUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	unread := a.notify.Unread(r.Context(), userID)
	if unread == nil {
		unread = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": unread,
		"count":         len(unread),
	})
}

func (a *API) handleNotificationSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sender, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req sendNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}
	if req.Broadcast && !a.requireRole(w, r, "admin") {
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = sender.UserID
	}
	if req.Broadcast {
		userID = notify.RecipientAll
	}

	n := a.notify.Send(r.Context(), notify.Input{
		UserID:    userID,
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Broadcast: req.Broadcast,
		SenderID:  sender.UserID,
	})
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req readNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.NotificationID == 0 {
		writeError(w, r, http.StatusBadRequest, "notification_id is required")
		return
	}

	if !a.notify.MarkRead(r.Context(), userID, req.NotificationID) {
		writeError(w, r, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "read"})
}

func (a *API) handleNotificationReadAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	a.notify.MarkAllRead(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "read_all"})
}

// handleCacheInvalidate wipes a key namespace. Admin only: a pattern can
// take out every cached closure and reference list at once.
func (a *API) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, "admin") {
		return
	}

	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pattern := strings.TrimSpace(req.Pattern)
	if pattern == "" || pattern == "*" {
		writeError(w, r, http.StatusBadRequest, "pattern must name a key namespace")
		return
	}

	removed := a.cache.ClearPattern(r.Context(), pattern)
	_ = audit.LogEvent(r.Context(), audit.EventCacheInvalidated, map[string]any{
		"pattern": pattern, "removed": removed,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"removed": removed,
	})
}
