package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"gridref.org/internal/audit"
	"gridref.org/internal/auth"
	"gridref.org/internal/users"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	if a.users == nil {
		writeError(w, r, http.StatusServiceUnavailable, "user store unavailable")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, r, http.StatusBadRequest, "username is required")
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "password is required")
		return
	}

	// Role and entity come from the matched account, never from the request.
	acct, err := a.users.Authenticate(r.Context(), username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrBadCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "authentication unavailable")
		return
	}

	id := auth.Identity{
		UserID:   acct.Username,
		Username: acct.Username,
		Role:     acct.Role(),
		Entity:   acct.Entity,
	}
	a.issueTokenPair(w, r, id)
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	if a.tokens != nil && a.tokens.IsBlacklisted(r.Context(), token) {
		writeError(w, r, http.StatusUnauthorized, "token revoked")
		return
	}

	claims, err := auth.ParseAndValidate(token, auth.TokenTypeRefresh)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	id := claims.Identity()
	// Reject a refresh token that was superseded by a later issuance. A
	// missing record means the store is unavailable or expired; the signed
	// token alone decides then.
	if a.tokens != nil {
		if active, ok := a.tokens.ActiveRefresh(r.Context(), id.Username); ok && active != token {
			writeError(w, r, http.StatusUnauthorized, "refresh token superseded")
			return
		}
		a.tokens.Blacklist(r.Context(), token, a.refreshTTL)
	}
	a.issueTokenPair(w, r, id)
}

func (a *API) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}

	if a.tokens != nil {
		if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
			a.tokens.Blacklist(r.Context(), token, a.accessTTL)
		}
		a.tokens.DropRefresh(r.Context(), id.Username)
	}
	// Presence flag follows the session; a failed update does not block
	// the logout.
	if a.users != nil {
		_ = a.users.SetAbsent(r.Context(), id.Username, true)
	}

	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"username": id.Username})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) issueTokenPair(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	access, err := auth.GenerateToken(id, auth.TokenTypeAccess, a.accessTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	refresh, err := auth.GenerateToken(id, auth.TokenTypeRefresh, a.refreshTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	// Best effort: with the cache degraded the pair is still usable, only
	// supersession tracking is lost.
	if a.tokens != nil {
		a.tokens.StoreRefresh(r.Context(), id.Username, refresh)
	}

	expiresAt := time.Now().UTC().Add(a.accessTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"username":   id.Username,
		"role":       id.Role,
		"entity":     id.Entity,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
	})
}
