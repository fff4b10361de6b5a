package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"aegis.dev/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func checkMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var userCols = []string{"id", "name", "email", "password_hash", "role_id", "extra", "status",
	"failed_attempts", "lock_until", "last_login_at", "created_at", "updated_at"}

func TestNilDB(t *testing.T) {
	s := &Store{}
	if _, err := s.GetUser(context.Background(), "x"); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
	if err := s.AppendAudit(context.Background(), auth.AuditRecord{}); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
}

func TestGetUserScansAdditionalRoles(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lock := now.Add(time.Hour)
	mock.ExpectQuery(`from users u where u.id = \$1`).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("usr_1", "Ann", "ann@example.com", "hash", "rol_user", "rol_a,rol_b", "active", 3, lock, nil, now, now))

	u, err := s.GetUser(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.AdditionalRoleIDs) != 2 || u.AdditionalRoleIDs[1] != "rol_b" {
		t.Fatalf("unexpected additional roles: %v", u.AdditionalRoleIDs)
	}
	if u.LockUntil == nil || !u.LockUntil.Equal(lock) || u.LastLoginAt != nil {
		t.Fatalf("unexpected lock state: %+v", u)
	}
	if u.FailedAttempts != 3 || u.Status != auth.StatusActive {
		t.Fatalf("unexpected user: %+v", u)
	}
	checkMock(t, mock)
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`where u.email = lower\(\$1\)`).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows(userCols))

	if _, err := s.GetUserByEmail(context.Background(), " nobody@example.com "); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestIncrementFailedAttemptsIsRelative(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`set failed_attempts = failed_attempts \+ 1`).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(4))

	n, err := s.IncrementFailedAttempts(context.Background(), "usr_1")
	if err != nil || n != 4 {
		t.Fatalf("expected 4, got %d, %v", n, err)
	}
	checkMock(t, mock)
}

func TestRestartFailureCycleConditional(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`lock_until is not null and lock_until <= \$2`).
		WithArgs("usr_1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.RestartFailureCycle(context.Background(), "usr_1", now)
	if err != nil || !ok {
		t.Fatalf("expected restart, got %v, %v", ok, err)
	}

	// Someone else already restarted the cycle.
	mock.ExpectExec(`lock_until is not null and lock_until <= \$2`).
		WithArgs("usr_1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists \(select 1 from users where id = \$1\)`).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err = s.RestartFailureCycle(context.Background(), "usr_1", now)
	if err != nil || ok {
		t.Fatalf("expected no restart, got %v, %v", ok, err)
	}

	mock.ExpectExec(`lock_until is not null`).
		WithArgs("usr_404", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists`).
		WithArgs("usr_404").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if _, err := s.RestartFailureCycle(context.Background(), "usr_404", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestUpdateProfileBuildsClauses(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	email := "New@Example.com"

	mock.ExpectExec(`update users set email = lower\(\$1\), updated_at = now\(\) where id = \$2`).
		WithArgs(email, "usr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`from users u where u.id = \$1`).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("usr_1", "Ann", "new@example.com", "hash", "rol_user", "", "active", 0, nil, nil, now, now))

	u, err := s.UpdateProfile(context.Background(), "usr_1", auth.UserUpdate{Email: &email})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if u.Email != "new@example.com" || len(u.AdditionalRoleIDs) != 0 {
		t.Fatalf("unexpected user: %+v", u)
	}
	checkMock(t, mock)
}

func TestUpdateProfileDuplicateEmail(t *testing.T) {
	s, mock := newMock(t)
	email := "taken@example.com"
	mock.ExpectExec(`update users set email`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	if _, err := s.UpdateProfile(context.Background(), "usr_1", auth.UserUpdate{Email: &email}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	checkMock(t, mock)
}

func TestAddAdditionalRoleErrors(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into user_roles`).
		WithArgs("usr_1", "rol_a").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.AddAdditionalRole(context.Background(), "usr_1", "rol_a"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec(`insert into user_roles`).
		WithArgs("usr_1", "rol_missing").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if _, err := s.AddAdditionalRole(context.Background(), "usr_1", "rol_missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestDeleteRoleInUse(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`delete from roles where id = \$1`).
		WithArgs("rol_a").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := s.DeleteRole(context.Background(), "rol_a"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	mock.ExpectExec(`delete from roles where id = \$1`).
		WithArgs("rol_gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.DeleteRole(context.Background(), "rol_gone"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestSetRolePermissionsReplaces(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`select id from roles where id = \$1 for update`).
		WithArgs("rol_a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rol_a"))
	mock.ExpectExec(`delete from role_permissions where role_id = \$1`).
		WithArgs("rol_a").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs("rol_a", "users:read").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update roles set updated_at = now\(\)`).
		WithArgs("rol_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`from roles r where r.id = \$1`).
		WithArgs("rol_a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "level", "perms", "is_system", "is_active", "created_at", "updated_at"}).
			AddRow("rol_a", "auditor", "", 40, "users:read", false, true, now, now))

	r, err := s.SetRolePermissions(context.Background(), "rol_a", []string{"users:read"})
	if err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if len(r.Permissions) != 1 || r.Permissions[0] != "users:read" {
		t.Fatalf("unexpected permissions: %v", r.Permissions)
	}
	checkMock(t, mock)
}

func TestGetRoleHidesInactivePermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`rp\.role_id = r\.id and not exists \(select 1 from permissions p where p\.name = rp\.permission_name and not p\.is_active\)`).
		WithArgs("rol_a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "level", "perms", "is_system", "is_active", "created_at", "updated_at"}).
			AddRow("rol_a", "auditor", "", 40, "audit:read", false, true, now, now))

	r, err := s.GetRole(context.Background(), "rol_a")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if len(r.Permissions) != 1 || r.Permissions[0] != "audit:read" {
		t.Fatalf("unexpected permissions: %v", r.Permissions)
	}
	checkMock(t, mock)
}

func TestSetRolePermissionsUnknownPermission(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).
		WithArgs("rol_a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rol_a"))
	mock.ExpectExec(`delete from role_permissions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs("rol_a", "nope:read").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	if _, err := s.SetRolePermissions(context.Background(), "rol_a", []string{"nope:read"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	checkMock(t, mock)
}

func TestInsertRevocationDuplicate(t *testing.T) {
	s, mock := newMock(t)
	exp := time.Now().Add(time.Hour).UTC()
	mock.ExpectExec(`insert into revoked_tokens`).
		WithArgs("tok", "usr_1", "logout", "", "", sqlmock.AnyArg(), exp).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.InsertRevocation(context.Background(), auth.Revocation{
		Token: "tok", UserID: "usr_1", Reason: auth.ReasonLogout, ExpiresAt: exp,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	checkMock(t, mock)
}

func TestRevocationExistsAndPrune(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`select exists \(select 1 from revoked_tokens where token = \$1\)`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`delete from revoked_tokens where expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	ok, err := s.RevocationExists(context.Background(), "tok")
	if err != nil || !ok {
		t.Fatalf("expected revoked, got %v, %v", ok, err)
	}
	n, err := s.DeleteExpiredRevocations(context.Background(), now)
	if err != nil || n != 7 {
		t.Fatalf("expected 7 pruned, got %d, %v", n, err)
	}
	checkMock(t, mock)
}

func TestListAuditFilters(t *testing.T) {
	s, mock := newMock(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created := since.Add(time.Hour)

	mock.ExpectQuery(`from audit_log where user_id = \$1 and outcome = \$2 and created_at >= \$3 order by created_at desc, id desc limit \$4 offset \$5`).
		WithArgs("usr_1", "failure", since, 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource", "details", "ip_address", "user_agent", "outcome", "severity", "created_at"}).
			AddRow("aud_1", "usr_1", "failed_login", "auth", []byte(`{"email":"a@b.c"}`), "10.0.0.1", "curl", "failure", "medium", created))

	recs, err := s.ListAudit(context.Background(), auth.AuditFilter{
		UserID: "usr_1", Outcome: auth.OutcomeFailure, Since: since, Limit: 10,
	})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != auth.AuditFailedLogin || recs[0].Details["email"] != "a@b.c" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	checkMock(t, mock)
}

func TestAppendAuditEncodesDetails(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into audit_log`).
		WithArgs(sqlmock.AnyArg(), "usr_1", "login", "auth", []byte(`{"method":"password"}`),
			"", "", "success", "low", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendAudit(context.Background(), auth.AuditRecord{
		UserID: "usr_1", Action: auth.AuditLogin, Resource: auth.ResourceAuth,
		Details: map[string]any{"method": "password"},
		Outcome: auth.OutcomeSuccess, Severity: auth.SeverityLow,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	checkMock(t, mock)
}
