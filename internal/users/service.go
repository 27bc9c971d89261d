// Package users authenticates API callers against the GMAO user table.
// Role and entity always come from the stored account, never from the
// request.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gridref.org/internal/obs"
	"gridref.org/internal/store"
)

// ErrBadCredentials covers unknown logins, wrong passwords and absent
// accounts alike, so the caller cannot distinguish them.
var ErrBadCredentials = errors.New("users: invalid credentials")

// Account is one row of coswin.coswin_user, minus the password.
type Account struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Entity   string `json:"entity"`
	Group    string `json:"group"`
}

// Role maps the preferred group onto the API role model.
func (a Account) Role() string {
	if strings.EqualFold(a.Group, "admin") {
		return "admin"
	}
	return "user"
}

// Service reads accounts from the main store.
type Service struct {
	main *store.Store
}

func New(main *store.Store) *Service {
	return &Service{main: main}
}

const authenticateQuery = `SELECT pk_coswin_user, cwcu_code, cwcu_signature, cwcu_email,
       cwcu_entity, cwcu_preferred_group
FROM coswin.coswin_user
WHERE (cwcu_signature = $1 OR cwcu_email = $1)
  AND cwcu_password = $2
  AND cwcu_is_absent = 0
LIMIT 1`

const setAbsentStmt = `UPDATE coswin.coswin_user
SET cwcu_is_absent = $2
WHERE cwcu_signature = $1 OR cwcu_email = $1`

// Authenticate matches login (signature or email) and password against the
// user table. Absent accounts never match. A successful login marks the
// account present.
func (s *Service) Authenticate(ctx context.Context, login, password string) (Account, error) {
	if login == "" || password == "" {
		return Account{}, ErrBadCredentials
	}

	rows, err := s.main.DB().QueryContext(ctx, authenticateQuery, login, password)
	if err != nil {
		return Account{}, fmt.Errorf("authenticate %s: %w", login, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Account{}, fmt.Errorf("authenticate %s: %w", login, err)
		}
		obs.Warn("authentication failed", map[string]any{"login": login})
		return Account{}, ErrBadCredentials
	}

	var (
		acct  Account
		email sql.NullString
		group sql.NullString
	)
	if err := rows.Scan(&acct.ID, &acct.Code, &acct.Username, &email, &acct.Entity, &group); err != nil {
		return Account{}, fmt.Errorf("authenticate %s: %w", login, err)
	}
	acct.Email = email.String
	acct.Group = group.String

	// Best effort; a failed flag update does not fail the login.
	if err := s.SetAbsent(ctx, login, false); err != nil {
		obs.Warn("presence flag update failed", map[string]any{"login": login, "error": err.Error()})
	}
	return acct, nil
}

// SetAbsent flips the presence flag the way the logout flow expects.
func (s *Service) SetAbsent(ctx context.Context, login string, absent bool) error {
	flag := 0
	if absent {
		flag = 1
	}
	if _, err := s.main.DB().ExecContext(ctx, setAbsentStmt, login, flag); err != nil {
		return fmt.Errorf("set absent %s: %w", login, err)
	}
	return nil
}
