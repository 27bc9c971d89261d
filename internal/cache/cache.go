// Package cache wraps the Redis backend behind a fail-open facade.
//
// Caching is an optimization, never a correctness dependency: when the
// backend is unreachable every read degrades to a miss and every write
// reports failure without raising. The availability probe runs once at
// construction; an unreachable backend marks the facade unavailable for
// the process lifetime.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gridref.org/internal/obs"
)

// TTLNone and TTLMissing mirror the backend TTL sentinel values.
const (
	TTLNone    int64 = -1
	TTLMissing int64 = -2
)

const probeTimeout = 5 * time.Second

// Config selects the backend instance.
type Config struct {
	Addr string
	DB   int
}

// Cache is the fail-open key-value facade. The zero value is unusable;
// construct with New and share the single instance.
type Cache struct {
	rdb       *redis.Client
	available bool
}

// envelope wraps every stored value with provenance metadata.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	CachedAt string          `json:"cached_at"`
	TTL      int64           `json:"ttl"`
}

// New connects to the backend and probes it once. On probe failure the
// returned facade is permanently unavailable and every operation is a no-op.
func New(cfg Config) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		DialTimeout:  probeTimeout,
		ReadTimeout:  probeTimeout,
		WriteTimeout: probeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		obs.Warn("cache backend unavailable, running without cache", map[string]any{
			"addr": cfg.Addr, "error": err.Error(),
		})
		_ = rdb.Close()
		return &Cache{available: false}
	}

	obs.Info("cache backend connected", map[string]any{"addr": cfg.Addr})
	return &Cache{rdb: rdb, available: true}
}

// Available reports whether the construction probe succeeded.
func (c *Cache) Available() bool { return c.available }

// Close releases the backend connection pool.
func (c *Cache) Close() error {
	if !c.available {
		return nil
	}
	return c.rdb.Close()
}

// Get returns the inner payload stored under key. A corrupt envelope is
// deleted and reported as a miss. Backend errors are misses.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if !c.available {
		obs.CacheOp("get", "skip")
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		obs.CacheOp("get", "miss")
		return nil, false
	}
	if err != nil {
		obs.CacheOp("get", "error")
		obs.Error("cache get failed", map[string]any{"key": key, "error": err.Error()})
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Data == nil {
		obs.CacheOp("get", "corrupt")
		obs.Error("cache envelope corrupt, dropping key", map[string]any{"key": key})
		c.Delete(ctx, key)
		return nil, false
	}
	obs.CacheOp("get", "hit")
	return env.Data, true
}

// GetJSON unmarshals the payload stored under key into dest.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		obs.Error("cache payload unmarshal failed, dropping key", map[string]any{
			"key": key, "error": err.Error(),
		})
		c.Delete(ctx, key)
		return false
	}
	return true
}

// Set stores value under key with the given TTL. Returns false on any
// failure, including an unavailable backend.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.available {
		obs.CacheOp("set", "skip")
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		obs.CacheOp("set", "error")
		obs.Error("cache value marshal failed", map[string]any{"key": key, "error": err.Error()})
		return false
	}
	env := envelope{
		Data:     data,
		CachedAt: time.Now().UTC().Format(time.RFC3339),
		TTL:      int64(ttl / time.Second),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		obs.CacheOp("set", "error")
		return false
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		obs.CacheOp("set", "error")
		obs.Error("cache set failed", map[string]any{"key": key, "error": err.Error()})
		return false
	}
	obs.CacheOp("set", "ok")
	return true
}

// Delete removes key. Returns false when nothing was removed.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	if !c.available {
		obs.CacheOp("delete", "skip")
		return false
	}
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		obs.CacheOp("delete", "error")
		return false
	}
	return n > 0
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if !c.available {
		return false
	}
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime of key in seconds, TTLNone for a key
// without expiry and TTLMissing for an absent key or unavailable backend.
func (c *Cache) TTL(ctx context.Context, key string) int64 {
	if !c.available {
		return TTLMissing
	}
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return TTLMissing
	}
	if d < 0 {
		return int64(d)
	}
	return int64(d / time.Second)
}

// ClearPattern deletes every key matching the glob pattern and returns the
// number removed. Used for domain-wide invalidation such as "equipment:*".
func (c *Cache) ClearPattern(ctx context.Context, pattern string) int {
	if !c.available {
		return 0
	}
	var removed int
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		obs.Error("cache pattern scan failed", map[string]any{"pattern": pattern, "error": err.Error()})
	}
	if removed > 0 {
		obs.Info("cache pattern cleared", map[string]any{"pattern": pattern, "removed": removed})
	}
	return removed
}

// Key builds a deterministic composite cache key:
// prefix:identifier:k1:v1_k2:v2 with params sorted by name. Params with
// empty values are omitted so the same filter set always yields the same key.
func Key(prefix, identifier string, params map[string]string) string {
	parts := []string{prefix}
	if identifier != "" {
		parts = append(parts, identifier)
	}
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name, value := range params {
			if value == "" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, name+":"+params[name])
		}
		if len(pairs) > 0 {
			parts = append(parts, strings.Join(pairs, "_"))
		}
	}
	return strings.Join(parts, ":")
}
