// Package refdata serves the lookup lists (zones, families, units, cost
// centres, entities) scoped to the caller's entity hierarchy.
package refdata

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrRowShape indicates a result row did not match the expected column
// layout. Row shape is a contract with the query text; a change in column
// order is a breaking change, not something the mapper repairs.
var ErrRowShape = errors.New("refdata: unexpected row shape")

// Zone is a geographical zone owned by an entity.
type Zone struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Entity      string `json:"entity"`
}

// Family is an equipment category. Families owned by the shared entity are
// visible organization-wide.
type Family struct {
	ID             int64  `json:"id"`
	Code           string `json:"code"`
	Description    string `json:"description"`
	ParentCategory string `json:"parent_category,omitempty"`
	SystemCategory string `json:"system_category,omitempty"`
	Level          int64  `json:"level"`
	Entity         string `json:"entity"`
}

// Unit is an organizational function owned by an entity.
type Unit struct {
	ID             int64  `json:"id"`
	Code           string `json:"code"`
	Description    string `json:"description"`
	Entity         string `json:"entity"`
	ParentFunction string `json:"parent_function,omitempty"`
	SystemFunction string `json:"system_function,omitempty"`
}

// CostCentre is a cost accounting bucket owned by an entity.
type CostCentre struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Entity      string `json:"entity"`
}

// Entity is one node of the organizational tree.
type Entity struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	Description  string `json:"description"`
	EntityType   string `json:"entity_type,omitempty"`
	Level        int64  `json:"level"`
	ParentEntity string `json:"parent_entity,omitempty"`
	SystemEntity string `json:"system_entity,omitempty"`
}

// List is the shape every reference lookup returns.
type List[T any] struct {
	Records []T `json:"records"`
	Count   int `json:"count"`
}

func scanZone(rows *sql.Rows) (Zone, error) {
	var (
		z    Zone
		desc sql.NullString
	)
	if err := rows.Scan(&z.ID, &z.Code, &desc, &z.Entity); err != nil {
		return Zone{}, fmt.Errorf("%w: zone: %v", ErrRowShape, err)
	}
	z.Description = desc.String
	return z, nil
}

func scanFamily(rows *sql.Rows) (Family, error) {
	var (
		f              Family
		desc, par, sys sql.NullString
		level          sql.NullInt64
	)
	if err := rows.Scan(&f.ID, &f.Code, &desc, &par, &sys, &level, &f.Entity); err != nil {
		return Family{}, fmt.Errorf("%w: family: %v", ErrRowShape, err)
	}
	f.Description = desc.String
	f.ParentCategory = par.String
	f.SystemCategory = sys.String
	f.Level = level.Int64
	return f, nil
}

func scanUnit(rows *sql.Rows) (Unit, error) {
	var (
		u              Unit
		desc, par, sys sql.NullString
	)
	if err := rows.Scan(&u.ID, &u.Code, &desc, &u.Entity, &par, &sys); err != nil {
		return Unit{}, fmt.Errorf("%w: unit: %v", ErrRowShape, err)
	}
	u.Description = desc.String
	u.ParentFunction = par.String
	u.SystemFunction = sys.String
	return u, nil
}

func scanCostCentre(rows *sql.Rows) (CostCentre, error) {
	var (
		c    CostCentre
		desc sql.NullString
	)
	if err := rows.Scan(&c.ID, &c.Code, &desc, &c.Entity); err != nil {
		return CostCentre{}, fmt.Errorf("%w: cost centre: %v", ErrRowShape, err)
	}
	c.Description = desc.String
	return c, nil
}

func scanEntity(rows *sql.Rows) (Entity, error) {
	var (
		e              Entity
		desc, typ      sql.NullString
		parent, system sql.NullString
		level          sql.NullInt64
	)
	if err := rows.Scan(&e.ID, &e.Code, &desc, &typ, &level, &parent, &system); err != nil {
		return Entity{}, fmt.Errorf("%w: entity: %v", ErrRowShape, err)
	}
	e.Description = desc.String
	e.EntityType = typ.String
	e.Level = level.Int64
	e.ParentEntity = parent.String
	e.SystemEntity = system.String
	return e, nil
}
