package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BootstrapAdmin is an optional first account created with the super_admin role.
type BootstrapAdmin struct {
	Name     string
	Email    string
	Password string
}

// Bootstrap seeds the permission catalog and system roles, and the first
// super administrator when admin carries an email. It is idempotent.
func Bootstrap(ctx context.Context, perms PermissionStore, roles RoleStore, users CredentialStore, hasher PasswordHasher, admin BootstrapAdmin) error {
	for _, p := range BuiltinPermissions {
		if _, err := perms.GetPermissionByName(ctx, p.Name); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("bootstrap permission %s: %w", p.Name, err)
		}
		p.IsActive = true
		if _, err := perms.CreatePermission(ctx, p); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("bootstrap permission %s: %w", p.Name, err)
		}
	}

	var superAdmin Role
	for _, r := range BuiltinRoles {
		existing, err := roles.GetRoleByName(ctx, r.Name)
		switch {
		case err == nil:
			existing, err = roles.SetRolePermissions(ctx, existing.ID, r.Permissions)
			if err != nil {
				return fmt.Errorf("bootstrap role %s: %w", r.Name, err)
			}
		case errors.Is(err, ErrNotFound):
			r.IsSystem = true
			r.IsActive = true
			existing, err = roles.CreateRole(ctx, r)
			if err != nil {
				return fmt.Errorf("bootstrap role %s: %w", r.Name, err)
			}
		default:
			return fmt.Errorf("bootstrap role %s: %w", r.Name, err)
		}
		if r.Name == RoleSuperAdmin {
			superAdmin = existing
		}
	}

	email := normalizeEmail(admin.Email)
	if email == "" {
		return nil
	}
	if _, err := users.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if len(admin.Password) < MinPasswordLength {
		return fmt.Errorf("%w: bootstrap admin password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	hash, err := hasher.Hash(admin.Password)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(admin.Name)
	if name == "" {
		name = "Administrator"
	}
	_, err = users.CreateUser(ctx, User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		RoleID:       superAdmin.ID,
		Status:       StatusActive,
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}
