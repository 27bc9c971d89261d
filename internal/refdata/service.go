package refdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridref.org/internal/cache"
	"gridref.org/internal/hierarchy"
	"gridref.org/internal/obs"
	"gridref.org/internal/store"
)

// SharedEntity owns reference rows visible to the whole organization.
// Family lookups always include it in the scope.
const SharedEntity = "INFO_PARTAGEE"

// Resolver yields the hierarchy closure used to scope queries.
type Resolver interface {
	Resolve(ctx context.Context, entityCode string) (hierarchy.Closure, error)
}

// Service answers the per-domain reference lookups. All lookups follow the
// same protocol: cache-first, hierarchy-scoped query, positional row
// mapping, cache the result.
type Service struct {
	db       store.Querier
	cache    *cache.Cache
	resolver Resolver
	ttl      time.Duration
}

// New builds the reference-data service over the main store.
func New(db store.Querier, c *cache.Cache, r Resolver, ttl time.Duration) *Service {
	return &Service{db: db, cache: c, resolver: r, ttl: ttl}
}

const (
	zoneQuery = `SELECT pk_zone, mdzo_code, mdzo_description, mdzo_entity
FROM coswin.zone`
	familyQuery = `SELECT pk_category, mdct_code, mdct_description, mdct_parent_category,
       mdct_system_category, mdct_level, mdct_entity
FROM coswin.category`
	unitQuery = `SELECT pk_function_, mdfn_code, mdfn_description, mdfn_entity,
       mdfn_parent_function, mdfn_system_function
FROM coswin.function_`
	costCentreQuery = `SELECT pk_costcentre, mdcc_code, mdcc_description, mdcc_entity
FROM coswin.costcentre`
	entityQuery = `SELECT pk_entity, chen_code, chen_description, chen_entity_type,
       chen_level, chen_parent_entity, chen_system_entity
FROM coswin.entity`
)

// Zones lists the zones visible from entityCode's hierarchy.
func (s *Service) Zones(ctx context.Context, entityCode string) (List[Zone], error) {
	return listScoped(ctx, s, scopedQuery{
		domain:   "zones",
		entity:   entityCode,
		base:     zoneQuery,
		scopeCol: "mdzo_entity",
		orderBy:  "mdzo_entity, mdzo_code",
	}, scanZone)
}

// Families lists equipment categories. The shared entity is always part of
// the scope so organization-wide categories stay visible.
func (s *Service) Families(ctx context.Context, entityCode string) (List[Family], error) {
	return listScoped(ctx, s, scopedQuery{
		domain:       "families",
		entity:       entityCode,
		base:         familyQuery,
		scopeCol:     "mdct_entity",
		orderBy:      "mdct_level, mdct_code",
		extraEntries: []string{SharedEntity},
	}, scanFamily)
}

// Units lists organizational functions visible from entityCode's hierarchy.
func (s *Service) Units(ctx context.Context, entityCode string) (List[Unit], error) {
	return listScoped(ctx, s, scopedQuery{
		domain:   "units",
		entity:   entityCode,
		base:     unitQuery,
		scopeCol: "mdfn_entity",
		orderBy:  "mdfn_entity, mdfn_code",
	}, scanUnit)
}

// CostCentres lists cost centres visible from entityCode's hierarchy.
func (s *Service) CostCentres(ctx context.Context, entityCode string) (List[CostCentre], error) {
	return listScoped(ctx, s, scopedQuery{
		domain:   "costcentres",
		entity:   entityCode,
		base:     costCentreQuery,
		scopeCol: "mdcc_entity",
		orderBy:  "mdcc_entity, mdcc_code",
	}, scanCostCentre)
}

// Entities lists the entity nodes inside entityCode's hierarchy.
func (s *Service) Entities(ctx context.Context, entityCode string) (List[Entity], error) {
	return listScoped(ctx, s, scopedQuery{
		domain:   "entities",
		entity:   entityCode,
		base:     entityQuery,
		scopeCol: "chen_code",
		orderBy:  "chen_level, chen_code",
	}, scanEntity)
}

type scopedQuery struct {
	domain       string
	entity       string
	base         string
	scopeCol     string
	orderBy      string
	extraEntries []string
}

// closureFor resolves the scope for one lookup. Reference lookups favor
// availability: a resolver failure degrades to the singleton scope for this
// call only, and the degraded result is not cached.
func (s *Service) closureFor(ctx context.Context, entityCode string) (codes []string, degraded bool) {
	closure, err := s.resolver.Resolve(ctx, entityCode)
	if err != nil {
		obs.Warn("hierarchy resolution failed, scoping to entity itself", map[string]any{
			"entity": entityCode, "error": err.Error(),
		})
		return []string{entityCode}, true
	}
	return closure.Hierarchy, false
}

func listScoped[T any](ctx context.Context, s *Service, q scopedQuery, scan func(*sql.Rows) (T, error)) (List[T], error) {
	key := cache.Key(q.domain, q.entity, nil)

	var cached List[T]
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	codes, degraded := s.closureFor(ctx, q.entity)
	scope := make([]string, 0, len(codes)+len(q.extraEntries))
	scope = append(scope, codes...)
	scope = append(scope, q.extraEntries...)

	query, args := scopeClause(q.base, q.scopeCol, q.orderBy, scope)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return List[T]{}, fmt.Errorf("%s query for %s: %w", q.domain, q.entity, err)
	}
	defer rows.Close()

	list := List[T]{Records: []T{}}
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			if errors.Is(err, ErrRowShape) {
				obs.Error("skipping malformed row", map[string]any{
					"domain": q.domain, "entity": q.entity, "error": err.Error(),
				})
				continue
			}
			return List[T]{}, err
		}
		list.Records = append(list.Records, record)
	}
	if err := rows.Err(); err != nil {
		return List[T]{}, fmt.Errorf("%s rows for %s: %w", q.domain, q.entity, err)
	}
	list.Count = len(list.Records)

	if !degraded {
		s.cache.Set(ctx, key, list, s.ttl)
	}
	return list, nil
}

// scopeClause appends the hierarchy IN filter and stable ordering to a base
// query.
func scopeClause(base, column, orderBy string, scope []string) (string, []any) {
	placeholders := make([]string, len(scope))
	args := make([]any, len(scope))
	for i, code := range scope {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = code
	}
	query := fmt.Sprintf("%s\nWHERE %s IN (%s)\nORDER BY %s",
		base, column, strings.Join(placeholders, ","), orderBy)
	return query, args
}
