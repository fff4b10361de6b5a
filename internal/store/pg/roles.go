package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
)

const roleColumns = `
	r.id, r.name, r.description, r.level,
	coalesce((select string_agg(rp.permission_name, ',' order by rp.permission_name) from role_permissions rp
		where rp.role_id = r.id and not exists (select 1 from permissions p where p.name = rp.permission_name and not p.is_active)), ''),
	r.is_system, r.is_active, r.created_at, r.updated_at`

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r     auth.Role
		perms string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Level, &perms, &r.IsSystem, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return auth.Role{}, err
	}
	r.Permissions = splitCSV(perms)
	return r, nil
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	if r.ID == "" {
		r.ID = ids.NewPrefixed(ids.Role)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name, description, level, is_system, is_active)
		values ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.Name, r.Description, r.Level, r.IsSystem, r.IsActive); err != nil {
		return auth.Role{}, mapWriteErr(err, auth.ErrNotFound)
	}
	if err := insertRolePermissions(ctx, tx, r.ID, r.Permissions); err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return s.GetRole(ctx, r.ID)
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, names []string) error {
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_name) values ($1, $2)
			on conflict do nothing
		`, roleID, name); err != nil {
			return mapWriteErr(err, fmt.Errorf("%w: unknown permission %s", auth.ErrInvalidInput, name))
		}
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles r where r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, err
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles r where lower(r.name) = lower($1)`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, err
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles r order by r.level desc, r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
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
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if upd.Level != nil {
		setClauses = append(setClauses, fmt.Sprintf("level = $%d", idx))
		args = append(args, *upd.Level)
		idx++
	}
	if upd.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.Role{}, mapWriteErr(err, auth.ErrNotFound)
		}
		if err := expectOne(res); err != nil {
			return auth.Role{}, err
		}
	}
	return s.GetRole(ctx, id)
}

// SetRolePermissions replaces the role's permission set in one transaction.
func (s *Store) SetRolePermissions(ctx context.Context, id string, names []string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, id).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Role{}, auth.ErrNotFound
		}
		return auth.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, id); err != nil {
		return auth.Role{}, err
	}
	if err := insertRolePermissions(ctx, tx, id, names); err != nil {
		return auth.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, id); err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return s.GetRole(ctx, id)
}

// DeleteRole relies on foreign keys: a referenced role yields ErrConflict.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return mapWriteErr(err, auth.ErrConflict)
	}
	return expectOne(res)
}

const permissionColumns = `id, name, description, category, resource, action, is_active, created_at`

func scanPermission(row rowScanner) (auth.Permission, error) {
	var (
		p      auth.Permission
		action string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Resource, &action, &p.IsActive, &p.CreatedAt); err != nil {
		return auth.Permission{}, err
	}
	p.Action = auth.Action(action)
	return p, nil
}

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	if p.ID == "" {
		p.ID = ids.NewPrefixed(ids.Permission)
	}
	created, err := scanPermission(s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, description, category, resource, action, is_active)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+permissionColumns,
		p.ID, p.Name, p.Description, p.Category, p.Resource, string(p.Action), p.IsActive))
	if err != nil {
		return auth.Permission{}, mapWriteErr(err, auth.ErrNotFound)
	}
	return created, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	return s.getPermission(ctx, `select `+permissionColumns+` from permissions where id = $1`, id)
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	return s.getPermission(ctx, `select `+permissionColumns+` from permissions where name = $1`, name)
}

func (s *Store) getPermission(ctx context.Context, query, arg string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions order by category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) UpdatePermission(ctx context.Context, id string, upd auth.PermissionUpdate) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if upd.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if len(setClauses) > 0 {
		query := fmt.Sprintf(`update permissions set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.Permission{}, err
		}
		if err := expectOne(res); err != nil {
			return auth.Permission{}, err
		}
	}
	return s.GetPermission(ctx, id)
}
