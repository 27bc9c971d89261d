package auth

import (
	"context"
	"time"

	"gridref.org/internal/cache"
)

// TokenStore keeps refresh tokens and the revocation blacklist in the cache
// store. Everything here inherits the cache's fail-open behavior: with the
// backend down, refresh tokens cannot be stored and blacklist lookups miss.
type TokenStore struct {
	cache      *cache.Cache
	refreshTTL time.Duration
}

// NewTokenStore builds a TokenStore bound to the shared cache facade.
func NewTokenStore(c *cache.Cache, refreshTTL time.Duration) *TokenStore {
	return &TokenStore{cache: c, refreshTTL: refreshTTL}
}

// StoreRefresh records the active refresh token for a user. Issuing a new
// refresh token overwrites the previous one.
func (s *TokenStore) StoreRefresh(ctx context.Context, username, token string) bool {
	return s.cache.Set(ctx, cache.Key("refresh", username, nil), token, s.refreshTTL)
}

// ActiveRefresh returns the stored refresh token for a user, if any.
func (s *TokenStore) ActiveRefresh(ctx context.Context, username string) (string, bool) {
	var token string
	if !s.cache.GetJSON(ctx, cache.Key("refresh", username, nil), &token) {
		return "", false
	}
	return token, token != ""
}

// DropRefresh removes the stored refresh token, e.g. on logout.
func (s *TokenStore) DropRefresh(ctx context.Context, username string) bool {
	return s.cache.Delete(ctx, cache.Key("refresh", username, nil))
}

// Blacklist marks a token revoked for ttl. Used on logout so the access
// token cannot be replayed for its remaining lifetime.
func (s *TokenStore) Blacklist(ctx context.Context, token string, ttl time.Duration) bool {
	return s.cache.Set(ctx, cache.Key("blacklist", token, nil), true, ttl)
}

// IsBlacklisted reports whether the token was revoked.
func (s *TokenStore) IsBlacklisted(ctx context.Context, token string) bool {
	return s.cache.Exists(ctx, cache.Key("blacklist", token, nil))
}
