// Package stats aggregates dashboard counters across the main and staging
// stores. Results are cached briefly; equipment mutations invalidate the
// dashboard_stats:* pattern.
package stats

import (
	"context"
	"fmt"
	"time"

	"gridref.org/internal/cache"
	"gridref.org/internal/store"
)

// GroupCount is one bucket of a grouped breakdown.
type GroupCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// UserActivity splits one submitter's staged rows into new and updated.
type UserActivity struct {
	Username    string `json:"username"`
	NewCount    int    `json:"new_count"`
	UpdateCount int    `json:"update_count"`
}

// Dashboard is the cockpit payload. Approved rows leave the staging store,
// so the approved figure is the main-store total.
type Dashboard struct {
	TotalApproved int       `json:"total_approved"`
	TotalStaged   int       `json:"total_staged"`
	NewStaged     int       `json:"new_staged"`
	UpdatedStaged int       `json:"updated_staged"`
	LastUpdated   time.Time `json:"last_updated"`

	ByEntity []GroupCount   `json:"by_entity,omitempty"`
	ByFamily []GroupCount   `json:"by_family,omitempty"`
	ByUser   []UserActivity `json:"by_user,omitempty"`
}

// Service reads counters from both stores.
type Service struct {
	main  *store.Store
	temp  *store.Store
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func New(main, temp *store.Store, c *cache.Cache, ttl time.Duration) *Service {
	return &Service{main: main, temp: temp, cache: c, ttl: ttl, now: time.Now}
}

const mainCountQuery = `SELECT COUNT(*) FROM coswin.t_equipment`

const stagedCountQuery = `SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN is_update = 1 THEN 1 ELSE 0 END), 0)
FROM staging.equipment`

const byEntityQuery = `SELECT COALESCE(entity, 'N/A'), COUNT(*)
FROM staging.equipment
GROUP BY entity
ORDER BY COUNT(*) DESC`

const byFamilyQuery = `SELECT COALESCE(category, 'N/A'), COUNT(*)
FROM staging.equipment
GROUP BY category
ORDER BY COUNT(*) DESC
LIMIT 10`

const byUserQuery = `SELECT submitted_by,
       SUM(CASE WHEN is_update = 0 THEN 1 ELSE 0 END),
       SUM(CASE WHEN is_update = 1 THEN 1 ELSE 0 END)
FROM staging.equipment
WHERE submitted_by IS NOT NULL
GROUP BY submitted_by
ORDER BY submitted_by`

// Cockpit returns the dashboard counters, cache-first. Detailed adds the
// per-entity, per-family and per-user breakdowns of the staging store.
func (s *Service) Cockpit(ctx context.Context, detailed bool) (Dashboard, error) {
	key := cache.Key("dashboard_stats", "", map[string]string{
		"detailed": fmt.Sprint(detailed),
	})
	var cached Dashboard
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	var d Dashboard
	if err := s.main.DB().QueryRowContext(ctx, mainCountQuery).Scan(&d.TotalApproved); err != nil {
		return Dashboard{}, fmt.Errorf("stats main count: %w", err)
	}
	if err := s.temp.DB().QueryRowContext(ctx, stagedCountQuery).
		Scan(&d.TotalStaged, &d.UpdatedStaged); err != nil {
		return Dashboard{}, fmt.Errorf("stats staged count: %w", err)
	}
	d.NewStaged = d.TotalStaged - d.UpdatedStaged

	if detailed {
		var err error
		if d.ByEntity, err = s.groupCounts(ctx, byEntityQuery); err != nil {
			return Dashboard{}, fmt.Errorf("stats by entity: %w", err)
		}
		if d.ByFamily, err = s.groupCounts(ctx, byFamilyQuery); err != nil {
			return Dashboard{}, fmt.Errorf("stats by family: %w", err)
		}
		if d.ByUser, err = s.userActivity(ctx); err != nil {
			return Dashboard{}, fmt.Errorf("stats by user: %w", err)
		}
	}

	d.LastUpdated = s.now().UTC()
	s.cache.Set(ctx, key, d, s.ttl)
	return d, nil
}

func (s *Service) groupCounts(ctx context.Context, query string) ([]GroupCount, error) {
	rows, err := s.temp.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		var g GroupCount
		if err := rows.Scan(&g.Key, &g.Count); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Service) userActivity(ctx context.Context) ([]UserActivity, error) {
	rows, err := s.temp.DB().QueryContext(ctx, byUserQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserActivity
	for rows.Next() {
		var u UserActivity
		if err := rows.Scan(&u.Username, &u.NewCount, &u.UpdateCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
