// Package equipment reads approved equipment from the main store and runs
// the staging workflow: records are created and edited in the temp store and
// only reach the main store through approval.
package equipment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridref.org/internal/cache"
	"gridref.org/internal/notify"
	"gridref.org/internal/obs"
	"gridref.org/internal/store"
)

var (
	ErrNotFound = errors.New("equipment: not found")
	ErrBadQuery = errors.New("equipment: invalid query")
)

// MaxLimit caps flat list queries; the main table is large. Paginated
// reads use the tighter page-size bounds.
const (
	MaxLimit        = 1000
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Record is one equipment row, approved or staged.
type Record struct {
	ID          int64   `json:"id,omitempty"`
	Code        string  `json:"code"`
	ParentCode  string  `json:"parent_code,omitempty"`
	Family      string  `json:"family"`
	Zone        string  `json:"zone"`
	Entity      string  `json:"entity"`
	Unit        string  `json:"unit"`
	CostCentre  string  `json:"cost_centre"`
	Description string  `json:"description"`
	Longitude   float64 `json:"longitude,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	SubmittedBy string  `json:"submitted_by,omitempty"`
}

// Input is the request shape for staging and updating records.
type Input struct {
	Code        string  `json:"code"`
	ParentCode  string  `json:"parent_code"`
	Family      string  `json:"family"`
	Zone        string  `json:"zone"`
	Entity      string  `json:"entity"`
	Unit        string  `json:"unit"`
	CostCentre  string  `json:"cost_centre"`
	Description string  `json:"description"`
	Longitude   float64 `json:"longitude"`
	Latitude    float64 `json:"latitude"`
}

// List is the shape flat equipment listings return.
type List struct {
	Records []Record `json:"records"`
	Count   int      `json:"count"`
}

// Filter narrows a paginated listing. Zero-value fields are ignored.
type Filter struct {
	Page     int
	PageSize int
	Zone     string
	Family   string
	Entity   string
	Search   string
}

// Page is one page of a filtered listing plus its pagination metadata.
type Page struct {
	Records    []Record `json:"records"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalCount int      `json:"total_count"`
	TotalPages int      `json:"total_pages"`
	HasNext    bool     `json:"has_next"`
	HasPrev    bool     `json:"has_prev"`
}

// Service mediates between the two stores.
type Service struct {
	main   *store.Store
	temp   *store.Store
	cache  *cache.Cache
	events *notify.Service
	ttl    time.Duration
}

func New(main, temp *store.Store, c *cache.Cache, events *notify.Service, ttl time.Duration) *Service {
	return &Service{main: main, temp: temp, cache: c, events: events, ttl: ttl}
}

const listQuery = `SELECT pk_equipment, ereq_code, ereq_parent_equipment, ereq_category,
       ereq_zone, ereq_entity, ereq_function, ereq_costcentre,
       ereq_description, ereq_longitude, ereq_latitude
FROM coswin.t_equipment
ORDER BY pk_equipment
LIMIT $1`

const byCodeQuery = `SELECT pk_equipment, ereq_code, ereq_parent_equipment, ereq_category,
       ereq_zone, ereq_entity, ereq_function, ereq_costcentre,
       ereq_description, ereq_longitude, ereq_latitude
FROM coswin.t_equipment
WHERE ereq_code = $1`

const stageInsert = `INSERT INTO staging.equipment
  (code, parent_code, category, zone, entity, function_, costcentre,
   description, longitude, latitude, submitted_by, submitted_at, is_update)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0)`

const stageUpdate = `UPDATE staging.equipment
SET parent_code = $2, category = $3, zone = $4, entity = $5, function_ = $6,
    costcentre = $7, description = $8, longitude = $9, latitude = $10,
    submitted_by = $11, submitted_at = $12, is_update = 1
WHERE code = $1`

const stageSelect = `SELECT code, parent_code, category, zone, entity, function_,
       costcentre, description, longitude, latitude, submitted_by
FROM staging.equipment
WHERE code = $1`

const stageDelete = `DELETE FROM staging.equipment WHERE code = $1`

const approveInsert = `INSERT INTO coswin.t_equipment
  (ereq_code, ereq_parent_equipment, ereq_category, ereq_zone, ereq_entity,
   ereq_function, ereq_costcentre, ereq_description, ereq_longitude, ereq_latitude)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// ListApproved returns up to limit approved records, cache-first.
func (s *Service) ListApproved(ctx context.Context, limit int) (List, error) {
	if limit < 1 || limit > MaxLimit {
		return List{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrBadQuery, MaxLimit)
	}
	key := cache.Key("equipment_list", "all", map[string]string{"limit": fmt.Sprint(limit)})
	var cached List
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	rows, err := s.main.DB().QueryContext(ctx, listQuery, limit)
	if err != nil {
		return List{}, fmt.Errorf("equipment list: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			obs.Warn("skipping malformed equipment row", map[string]any{"error": err.Error()})
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return List{}, fmt.Errorf("equipment list: %w", err)
	}

	list := List{Records: records, Count: len(records)}
	s.cache.Set(ctx, key, list, s.ttl)
	return list, nil
}

// ListFiltered returns one page of approved records matching the filter,
// cache-first. The total count is taken before the page so the pagination
// metadata stays consistent with the filter.
func (s *Service) ListFiltered(ctx context.Context, f Filter) (Page, error) {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = DefaultPageSize
	}
	if f.Page < 1 {
		return Page{}, fmt.Errorf("%w: page must be positive", ErrBadQuery)
	}
	if f.PageSize < 1 || f.PageSize > MaxPageSize {
		return Page{}, fmt.Errorf("%w: page_size must be between 1 and %d", ErrBadQuery, MaxPageSize)
	}

	key := cache.Key("equipment_page", "", map[string]string{
		"page":   fmt.Sprint(f.Page),
		"size":   fmt.Sprint(f.PageSize),
		"zone":   f.Zone,
		"family": f.Family,
		"entity": f.Entity,
		"search": f.Search,
	})
	var cached Page
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	where, args := filterClause(f)

	var total int
	row := s.main.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM coswin.t_equipment"+where, args...)
	if err := row.Scan(&total); err != nil {
		return Page{}, fmt.Errorf("equipment page count: %w", err)
	}

	query := fmt.Sprintf(`SELECT pk_equipment, ereq_code, ereq_parent_equipment, ereq_category,
       ereq_zone, ereq_entity, ereq_function, ereq_costcentre,
       ereq_description, ereq_longitude, ereq_latitude
FROM coswin.t_equipment%s
ORDER BY pk_equipment
LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.main.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("equipment page: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, f.PageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			obs.Warn("skipping malformed equipment row", map[string]any{"error": err.Error()})
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("equipment page: %w", err)
	}

	totalPages := (total + f.PageSize - 1) / f.PageSize
	page := Page{
		Records:    records,
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalCount: total,
		TotalPages: totalPages,
		HasNext:    f.Page < totalPages,
		HasPrev:    f.Page > 1 && total > 0,
	}
	s.cache.Set(ctx, key, page, s.ttl/2)
	return page, nil
}

// filterClause builds the WHERE fragment and positional args for a filter.
func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Zone != "" {
		add("ereq_zone = $%d", f.Zone)
	}
	if f.Family != "" {
		add("ereq_category = $%d", f.Family)
	}
	if f.Entity != "" {
		add("ereq_entity = $%d", f.Entity)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf(
			"(LOWER(ereq_code) LIKE LOWER($%d) OR LOWER(ereq_description) LIKE LOWER($%d))",
			len(args), len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ByCode returns one approved record, cache-first.
func (s *Service) ByCode(ctx context.Context, code string) (Record, error) {
	key := cache.Key("equipment", code, nil)
	var cached Record
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	rows, err := s.main.DB().QueryContext(ctx, byCodeQuery, code)
	if err != nil {
		return Record{}, fmt.Errorf("equipment %s: %w", code, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("equipment %s: %w", code, err)
		}
		return Record{}, ErrNotFound
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return Record{}, err
	}
	s.cache.Set(ctx, key, rec, s.ttl)
	return rec, nil
}

// Stage writes a new record to the temp store and notifies the submitter.
func (s *Service) Stage(ctx context.Context, in Input, submitter string) error {
	err := s.temp.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stageInsert,
			in.Code, nullable(in.ParentCode), in.Family, in.Zone, in.Entity,
			in.Unit, in.CostCentre, in.Description, in.Longitude, in.Latitude,
			submitter, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("stage equipment %s: %w", in.Code, err)
	}
	s.events.EquipmentCreated(ctx, submitter, in.Code)
	return nil
}

// UpdateStaged rewrites a staged record in place.
func (s *Service) UpdateStaged(ctx context.Context, in Input, submitter string) error {
	var updated int64
	err := s.temp.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stageUpdate,
			in.Code, nullable(in.ParentCode), in.Family, in.Zone, in.Entity,
			in.Unit, in.CostCentre, in.Description, in.Longitude, in.Latitude,
			submitter, time.Now().UTC())
		if err != nil {
			return err
		}
		updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update staged equipment %s: %w", in.Code, err)
	}
	if updated == 0 {
		return ErrNotFound
	}
	s.events.EquipmentUpdated(ctx, submitter, in.Code)
	return nil
}

// Approve moves a staged record into the main store. The copy into main and
// the staging delete are separate transactions on separate databases; a
// crash between them leaves a stale staged row, which re-approval clears.
func (s *Service) Approve(ctx context.Context, code, approver string) error {
	staged, err := s.readStaged(ctx, code)
	if err != nil {
		return err
	}

	err = s.main.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, approveInsert,
			staged.Code, nullable(staged.ParentCode), staged.Family, staged.Zone,
			staged.Entity, staged.Unit, staged.CostCentre, staged.Description,
			staged.Longitude, staged.Latitude)
		return err
	})
	if err != nil {
		return fmt.Errorf("approve equipment %s: %w", code, err)
	}

	err = s.temp.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stageDelete, code)
		return err
	})
	if err != nil {
		obs.Error("staged row left behind after approval", map[string]any{
			"code": code, "error": err.Error(),
		})
	}

	s.events.EquipmentApproved(ctx, staged.SubmittedBy, approver, code)
	return nil
}

func (s *Service) readStaged(ctx context.Context, code string) (Record, error) {
	rows, err := s.temp.DB().QueryContext(ctx, stageSelect, code)
	if err != nil {
		return Record{}, fmt.Errorf("read staged equipment %s: %w", code, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("read staged equipment %s: %w", code, err)
		}
		return Record{}, ErrNotFound
	}

	var (
		rec       Record
		parent    sql.NullString
		desc      sql.NullString
		lon, lat  sql.NullFloat64
		submitter sql.NullString
	)
	if err := rows.Scan(&rec.Code, &parent, &rec.Family, &rec.Zone, &rec.Entity,
		&rec.Unit, &rec.CostCentre, &desc, &lon, &lat, &submitter); err != nil {
		return Record{}, fmt.Errorf("read staged equipment %s: %w", code, err)
	}
	rec.ParentCode = parent.String
	rec.Description = desc.String
	rec.Longitude = lon.Float64
	rec.Latitude = lat.Float64
	rec.SubmittedBy = submitter.String
	return rec, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec      Record
		parent   sql.NullString
		desc     sql.NullString
		lon, lat sql.NullFloat64
	)
	if err := rows.Scan(&rec.ID, &rec.Code, &parent, &rec.Family, &rec.Zone,
		&rec.Entity, &rec.Unit, &rec.CostCentre, &desc, &lon, &lat); err != nil {
		return Record{}, err
	}
	rec.ParentCode = parent.String
	rec.Description = desc.String
	rec.Longitude = lon.Float64
	rec.Latitude = lat.Float64
	return rec, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
