package auth

import (
	"context"
	"time"
)

// CredentialStore persists principals together with their failure counter and lock state.
// Implementations must apply IncrementFailedAttempts as a relative update and
// RestartFailureCycle as a conditional one so concurrent failures are not lost.
type CredentialStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, error)
	UpdateProfile(ctx context.Context, id string, upd UserUpdate) (User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetStatus(ctx context.Context, id string, status Status) (User, error)
	SetPrimaryRole(ctx context.Context, id, roleID string) (User, error)
	AddAdditionalRole(ctx context.Context, id, roleID string) (User, error)
	RemoveAdditionalRole(ctx context.Context, id, roleID string) (User, error)
	DeleteUser(ctx context.Context, id string) error
	// CountUsersWithRole counts principals referencing roleID as primary or additional role.
	CountUsersWithRole(ctx context.Context, roleID string) (int, error)

	// IncrementFailedAttempts adds one to the counter and returns the stored value.
	IncrementFailedAttempts(ctx context.Context, id string) (int, error)
	SetLockUntil(ctx context.Context, id string, until time.Time) error
	// RestartFailureCycle sets the counter to 1 and clears the lock only when the
	// lock has passed at now. It reports whether the row was updated.
	RestartFailureCycle(ctx context.Context, id string, now time.Time) (bool, error)
	// ClearFailures resets counter and lock and stamps the last login.
	ClearFailures(ctx context.Context, id string, now time.Time) error
}

// RoleStore manages roles and their permission assignments (by permission name).
type RoleStore interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	SetRolePermissions(ctx context.Context, id string, names []string) (Role, error)
	DeleteRole(ctx context.Context, id string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error)
}

// RevocationStore holds blacklisted tokens. InsertRevocation returns ErrConflict
// when the token is already present.
type RevocationStore interface {
	InsertRevocation(ctx context.Context, r Revocation) error
	RevocationExists(ctx context.Context, token string) (bool, error)
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore appends immutable audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PermissionUpdate carries optional permission changes.
type PermissionUpdate struct {
	Description *string
	IsActive    *bool
}
