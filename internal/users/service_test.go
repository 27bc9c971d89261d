package users

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"gridref.org/internal/store"
)

var accountColumns = []string{
	"pk_coswin_user", "cwcu_code", "cwcu_signature",
	"cwcu_email", "cwcu_entity", "cwcu_preferred_group",
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.FromDB(db)), mock
}

func TestAuthenticateSuccess(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`(?s)SELECT pk_coswin_user.*FROM coswin\.coswin_user`).
		WithArgs("jdupont", "s3cret").
		WillReturnRows(sqlmock.NewRows(accountColumns).
			AddRow(int64(7), "JD", "jdupont", "jdupont@example.dz", "HCAU", "ADMIN"))
	mock.ExpectExec(`(?s)UPDATE coswin\.coswin_user.*SET cwcu_is_absent`).
		WithArgs("jdupont", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acct, err := svc.Authenticate(context.Background(), "jdupont", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if acct.Username != "jdupont" || acct.Entity != "HCAU" {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.Role() != "admin" {
		t.Fatalf("ADMIN group should map to admin role, got %q", acct.Role())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`(?s)SELECT pk_coswin_user.*FROM coswin\.coswin_user`).
		WithArgs("jdupont", "wrong").
		WillReturnRows(sqlmock.NewRows(accountColumns))

	_, err := svc.Authenticate(context.Background(), "jdupont", "wrong")
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("got %v, want ErrBadCredentials", err)
	}
}

func TestAuthenticateEmptyInput(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Authenticate(context.Background(), "", "x"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("empty login: got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "jdupont", ""); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("empty password: got %v", err)
	}
}

func TestAuthenticateDefaultRole(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`(?s)SELECT pk_coswin_user.*FROM coswin\.coswin_user`).
		WithArgs("amine", "pass").
		WillReturnRows(sqlmock.NewRows(accountColumns).
			AddRow(int64(8), "AM", "amine", nil, "HCAU-1", "EXPLOITATION"))
	mock.ExpectExec(`(?s)UPDATE coswin\.coswin_user.*SET cwcu_is_absent`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acct, err := svc.Authenticate(context.Background(), "amine", "pass")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if acct.Role() != "user" {
		t.Fatalf("non-admin group should map to user role, got %q", acct.Role())
	}
	if acct.Email != "" {
		t.Fatalf("NULL email should scan empty, got %q", acct.Email)
	}
}

func TestSetAbsent(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec(`(?s)UPDATE coswin\.coswin_user.*SET cwcu_is_absent`).
		WithArgs("jdupont", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.SetAbsent(context.Background(), "jdupont", true); err != nil {
		t.Fatalf("set absent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
