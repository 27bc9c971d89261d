package refdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"gridref.org/internal/cache"
	"gridref.org/internal/hierarchy"
)

type stubResolver struct {
	closure hierarchy.Closure
	err     error
}

func (s stubResolver) Resolve(_ context.Context, _ string) (hierarchy.Closure, error) {
	return s.closure, s.err
}

func offlineCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Config{Addr: "127.0.0.1:1"})
	require.False(t, c.Available())
	return c
}

func hcauResolver() stubResolver {
	return stubResolver{closure: hierarchy.Closure{
		EntityCode: "HCAU",
		Hierarchy:  []string{"HCAU", "HCAU-1", "HCAU-2"},
		Count:      3,
		Source:     hierarchy.SourceFunction,
	}}
}

func TestZonesScopedToClosure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT pk_zone.*WHERE mdzo_entity IN \(\$1,\$2,\$3\)`).
		WithArgs("HCAU", "HCAU-1", "HCAU-2").
		WillReturnRows(sqlmock.NewRows([]string{"pk_zone", "mdzo_code", "mdzo_description", "mdzo_entity"}).
			AddRow(int64(1), "Z-NORD", "Zone nord", "HCAU").
			AddRow(int64(2), "Z-SUD", "Zone sud", "HCAU-1"))

	svc := New(db, offlineCache(t), hcauResolver(), 5*time.Minute)
	list, err := svc.Zones(context.Background(), "HCAU")
	require.NoError(t, err)

	require.Equal(t, 2, list.Count)
	require.Equal(t, "Z-NORD", list.Records[0].Code)
	require.Equal(t, "HCAU-1", list.Records[1].Entity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFamiliesIncludeSharedEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT pk_category.*WHERE mdct_entity IN \(\$1,\$2,\$3,\$4\)`).
		WithArgs("HCAU", "HCAU-1", "HCAU-2", SharedEntity).
		WillReturnRows(sqlmock.NewRows([]string{
			"pk_category", "mdct_code", "mdct_description", "mdct_parent_category",
			"mdct_system_category", "mdct_level", "mdct_entity",
		}).
			AddRow(int64(10), "DEPART30KV", "Feeder 30kV", nil, nil, int64(1), SharedEntity))

	svc := New(db, offlineCache(t), hcauResolver(), 5*time.Minute)
	list, err := svc.Families(context.Background(), "HCAU")
	require.NoError(t, err)

	require.Equal(t, 1, list.Count)
	require.Equal(t, "DEPART30KV", list.Records[0].Code)
	require.Equal(t, SharedEntity, list.Records[0].Entity)
	require.Empty(t, list.Records[0].ParentCategory)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolverFailureDegradesToSingletonScope(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT pk_costcentre.*WHERE mdcc_entity IN \(\$1\)`).
		WithArgs("HCAU").
		WillReturnRows(sqlmock.NewRows([]string{"pk_costcentre", "mdcc_code", "mdcc_description", "mdcc_entity"}).
			AddRow(int64(5), "CC-01", "Maintenance", "HCAU"))

	svc := New(db, offlineCache(t), stubResolver{err: errors.New("hierarchy down")}, 5*time.Minute)
	list, err := svc.CostCentres(context.Background(), "HCAU")
	require.NoError(t, err)

	require.Equal(t, 1, list.Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMalformedRowIsSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT pk_zone.*WHERE mdzo_entity IN`).
		WillReturnRows(sqlmock.NewRows([]string{"pk_zone", "mdzo_code", "mdzo_description", "mdzo_entity"}).
			AddRow("not-a-number", "Z-BAD", "corrupt id", "HCAU").
			AddRow(int64(2), "Z-OK", "valid", "HCAU"))

	svc := New(db, offlineCache(t), hcauResolver(), 5*time.Minute)
	list, err := svc.Zones(context.Background(), "HCAU")
	require.NoError(t, err)

	require.Equal(t, 1, list.Count)
	require.Equal(t, "Z-OK", list.Records[0].Code)
}

func TestQueryFailurePropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT pk_entity`).
		WillReturnError(errors.New("connection reset"))

	svc := New(db, offlineCache(t), hcauResolver(), 5*time.Minute)
	_, err = svc.Entities(context.Background(), "HCAU")
	require.Error(t, err)
	require.Contains(t, err.Error(), "entities query")
}

func TestUnitsEmptyResultIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT pk_function_`).
		WillReturnRows(sqlmock.NewRows([]string{
			"pk_function_", "mdfn_code", "mdfn_description", "mdfn_entity",
			"mdfn_parent_function", "mdfn_system_function",
		}))

	svc := New(db, offlineCache(t), hcauResolver(), 5*time.Minute)
	list, err := svc.Units(context.Background(), "HCAU")
	require.NoError(t, err)
	require.Equal(t, 0, list.Count)
	require.NotNil(t, list.Records)
}
