// Package hierarchy resolves the organizational closure of an entity code.
// The closure is the full set of entity codes reachable through the
// parent/child relation; every reference-data query is scoped to it, so a
// resolution failure is a hard error here, never a silent fallback to an
// unrestricted query.
package hierarchy

import (
	"context"
	"fmt"
	"time"

	"gridref.org/internal/cache"
	"gridref.org/internal/obs"
	"gridref.org/internal/store"
)

// closureQuery delegates to the backend-side table function. Its internal
// traversal is opaque; the contract is an ordered list of entity codes.
const closureQuery = `SELECT entity_code FROM sn_hierarchy($1)`

// Closure provenance tags.
const (
	SourceFunction = "function"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Closure is the resolved ancestor/descendant set for one entity code.
type Closure struct {
	EntityCode string   `json:"entity_code"`
	Hierarchy  []string `json:"hierarchy"`
	Count      int      `json:"count"`
	Source     string   `json:"source"`
}

// Resolver computes and caches entity closures.
type Resolver struct {
	db    store.Querier
	cache *cache.Cache
	ttl   time.Duration
}

// New builds a Resolver over the main store.
func New(db store.Querier, c *cache.Cache, ttl time.Duration) *Resolver {
	return &Resolver{db: db, cache: c, ttl: ttl}
}

// Resolve returns the closure for entityCode, cache-first. A backend error
// propagates. An empty result degrades to the singleton closure with a
// warning: scope = self only, never scope = everything.
func (r *Resolver) Resolve(ctx context.Context, entityCode string) (Closure, error) {
	key := cache.Key("hierarchy", entityCode, nil)

	var cached Closure
	if r.cache.GetJSON(ctx, key, &cached) && cached.Count > 0 {
		cached.Source = SourceCache
		return cached, nil
	}

	rows, err := r.db.QueryContext(ctx, closureQuery, entityCode)
	if err != nil {
		return Closure{}, fmt.Errorf("hierarchy query for %s: %w", entityCode, err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return Closure{}, fmt.Errorf("hierarchy row for %s: %w", entityCode, err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return Closure{}, fmt.Errorf("hierarchy rows for %s: %w", entityCode, err)
	}

	if len(codes) == 0 {
		obs.Warn("empty hierarchy, scoping to entity itself", map[string]any{"entity": entityCode})
		return Closure{
			EntityCode: entityCode,
			Hierarchy:  []string{entityCode},
			Count:      1,
			Source:     SourceFallback,
		}, nil
	}

	closure := Closure{
		EntityCode: entityCode,
		Hierarchy:  codes,
		Count:      len(codes),
		Source:     SourceFunction,
	}
	r.cache.Set(ctx, key, closure, r.ttl)
	return closure, nil
}
