package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
)

const userColumns = `
	u.id, u.name, u.email, u.password_hash, u.role_id,
	coalesce((select string_agg(ur.role_id, ',' order by ur.seq) from user_roles ur where ur.user_id = u.id), ''),
	u.status, u.failed_attempts, u.lock_until, u.last_login_at, u.created_at, u.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u         auth.User
		extra     string
		status    string
		lockUntil sql.NullTime
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.RoleID, &extra,
		&status, &u.FailedAttempts, &lockUntil, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	u.AdditionalRoleIDs = splitCSV(extra)
	u.Status = auth.Status(status)
	u.LockUntil = nullTime(lockUntil)
	u.LastLoginAt = nullTime(lastLogin)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.NewPrefixed(ids.User)
	}
	if u.Status == "" {
		u.Status = auth.StatusActive
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users (id, name, email, password_hash, role_id, status)
		values ($1, $2, lower($3), $4, $5, $6)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.RoleID, string(u.Status)); err != nil {
		return auth.User{}, mapWriteErr(err, auth.ErrNotFound)
	}
	for _, roleID := range u.AdditionalRoleIDs {
		if _, err := tx.ExecContext(ctx, `insert into user_roles (user_id, role_id) values ($1, $2)`, u.ID, roleID); err != nil {
			return auth.User{}, mapWriteErr(err, auth.ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users u where u.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users u where u.email = lower($1)`, strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, filter auth.UserFilter) ([]auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users u
		where ($1 = '' or u.role_id = $1 or exists (select 1 from user_roles ur where ur.user_id = u.id and ur.role_id = $1))
		  and ($2 = '' or u.status = $2)
		order by u.created_at, u.id
		limit $3 offset $4
	`, filter.RoleID, string(filter.Status), limitArg(filter.Limit), filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Email != nil {
		setClauses = append(setClauses, fmt.Sprintf("email = lower($%d)", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.User{}, mapWriteErr(err, auth.ErrNotFound)
		}
		if err := expectOne(res); err != nil {
			return auth.User{}, err
		}
	}
	return s.GetUser(ctx, id)
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) SetStatus(ctx context.Context, id string, status auth.Status) (auth.User, error) {
	return s.updateAndGet(ctx, id, `update users set status = $2, updated_at = now() where id = $1`, string(status))
}

func (s *Store) SetPrimaryRole(ctx context.Context, id, roleID string) (auth.User, error) {
	return s.updateAndGet(ctx, id, `update users set role_id = $2, updated_at = now() where id = $1`, roleID)
}

func (s *Store) updateAndGet(ctx context.Context, id, query string, value any) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, id, value)
	if err != nil {
		return auth.User{}, mapWriteErr(err, auth.ErrNotFound)
	}
	if err := expectOne(res); err != nil {
		return auth.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) AddAdditionalRole(ctx context.Context, id, roleID string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if _, err := s.db.ExecContext(ctx, `insert into user_roles (user_id, role_id) values ($1, $2)`, id, roleID); err != nil {
		return auth.User{}, mapWriteErr(err, auth.ErrNotFound)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) RemoveAdditionalRole(ctx context.Context, id, roleID string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, id, roleID)
	if err != nil {
		return auth.User{}, err
	}
	if err := expectOne(res); err != nil {
		return auth.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) CountUsersWithRole(ctx context.Context, roleID string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from users u
		where u.role_id = $1
		   or exists (select 1 from user_roles ur where ur.user_id = u.id and ur.role_id = $1)
	`, roleID).Scan(&n)
	return n, err
}

// IncrementFailedAttempts is a relative update so concurrent failures are
// never lost.
func (s *Store) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		update users set failed_attempts = failed_attempts + 1
		where id = $1
		returning failed_attempts
	`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	return n, err
}

func (s *Store) SetLockUntil(ctx context.Context, id string, until time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set lock_until = $2 where id = $1`, id, until.UTC())
	if err != nil {
		return err
	}
	return expectOne(res)
}

// RestartFailureCycle only fires while the stored lock has lapsed, so two
// racing failures cannot both restart the cycle.
func (s *Store) RestartFailureCycle(ctx context.Context, id string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set failed_attempts = 1, lock_until = null
		where id = $1 and lock_until is not null and lock_until <= $2
	`, id, now.UTC())
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists (select 1 from users where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, auth.ErrNotFound
	}
	return false, nil
}

func (s *Store) ClearFailures(ctx context.Context, id string, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set failed_attempts = 0, lock_until = null, last_login_at = $2
		where id = $1
	`, id, now.UTC())
	if err != nil {
		return err
	}
	return expectOne(res)
}
