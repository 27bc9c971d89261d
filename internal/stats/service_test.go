package stats

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridref.org/internal/cache"
	"gridref.org/internal/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	mainDB, mainMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mainDB.Close() })

	tempDB, tempMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { tempDB.Close() })

	c := cache.New(cache.Config{Addr: "127.0.0.1:1"})
	svc := New(store.FromDB(mainDB), store.FromDB(tempDB), c, 5*time.Minute)
	return svc, mainMock, tempMock
}

func TestCockpitSummary(t *testing.T) {
	svc, mainMock, tempMock := newTestService(t)

	mainMock.ExpectQuery(`SELECT COUNT\(\*\) FROM coswin\.t_equipment`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1200))
	tempMock.ExpectQuery(`(?s)SELECT COUNT\(\*\),.*FROM staging\.equipment`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "updated"}).AddRow(9, 4))

	d, err := svc.Cockpit(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1200, d.TotalApproved)
	assert.Equal(t, 9, d.TotalStaged)
	assert.Equal(t, 5, d.NewStaged)
	assert.Equal(t, 4, d.UpdatedStaged)
	assert.Nil(t, d.ByEntity)
	assert.False(t, d.LastUpdated.IsZero())
	assert.NoError(t, mainMock.ExpectationsWereMet())
	assert.NoError(t, tempMock.ExpectationsWereMet())
}

func TestCockpitDetailed(t *testing.T) {
	svc, mainMock, tempMock := newTestService(t)

	mainMock.ExpectQuery(`SELECT COUNT\(\*\) FROM coswin\.t_equipment`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(40))
	tempMock.ExpectQuery(`(?s)SELECT COUNT\(\*\),.*FROM staging\.equipment`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "updated"}).AddRow(3, 1))
	tempMock.ExpectQuery(`(?s)SELECT COALESCE\(entity, 'N/A'\), COUNT\(\*\).*GROUP BY entity`).
		WillReturnRows(sqlmock.NewRows([]string{"entity", "count"}).
			AddRow("HCAU", 2).AddRow("HCAU-1", 1))
	tempMock.ExpectQuery(`(?s)SELECT COALESCE\(category, 'N/A'\), COUNT\(\*\).*GROUP BY category`).
		WillReturnRows(sqlmock.NewRows([]string{"category", "count"}).
			AddRow("TRANSFO", 3))
	tempMock.ExpectQuery(`(?s)SELECT submitted_by,.*GROUP BY submitted_by`).
		WillReturnRows(sqlmock.NewRows([]string{"submitted_by", "new", "updated"}).
			AddRow("jdupont", 2, 1))

	d, err := svc.Cockpit(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, d.ByEntity, 2)
	assert.Equal(t, GroupCount{Key: "HCAU", Count: 2}, d.ByEntity[0])
	require.Len(t, d.ByFamily, 1)
	require.Len(t, d.ByUser, 1)
	assert.Equal(t, UserActivity{Username: "jdupont", NewCount: 2, UpdateCount: 1}, d.ByUser[0])
	assert.NoError(t, tempMock.ExpectationsWereMet())
}

func TestCockpitBackendFailure(t *testing.T) {
	svc, mainMock, _ := newTestService(t)

	mainMock.ExpectQuery(`SELECT COUNT\(\*\) FROM coswin\.t_equipment`).
		WillReturnError(assert.AnError)

	_, err := svc.Cockpit(context.Background(), false)
	assert.Error(t, err)
}
