package auth

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a user account.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// User is an account able to authenticate. It owns its failure counter and lock state.
type User struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	PasswordHash      string     `json:"-"`
	RoleID            string     `json:"role_id"`
	AdditionalRoleIDs []string   `json:"additional_role_ids"`
	Status            Status     `json:"status"`
	FailedAttempts    int        `json:"failed_attempts"`
	LockUntil         *time.Time `json:"lock_until,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RoleIDs returns the primary role followed by additional roles.
func (u User) RoleIDs() []string {
	ids := make([]string, 0, 1+len(u.AdditionalRoleIDs))
	if u.RoleID != "" {
		ids = append(ids, u.RoleID)
	}
	return append(ids, u.AdditionalRoleIDs...)
}

// HasRole reports whether roleID is the primary role or one of the additional roles.
func (u User) HasRole(roleID string) bool {
	if u.RoleID == roleID {
		return true
	}
	for _, id := range u.AdditionalRoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// Role groups permissions under a privilege level.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	Permissions []string  `json:"permissions"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	MinRoleLevel = 1
	MaxRoleLevel = 100
	// SuperAdminLevel is the privilege level required by RequireSuperAdmin.
	SuperAdminLevel = 90
)

// Action is the verb half of a permission.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
	ActionView   Action = "view"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage, ActionView:
		return true
	}
	return false
}

// Permission is an atomic capability identified by resource and action.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Resource    string    `json:"resource"`
	Action      Action    `json:"action"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// PermissionName derives the canonical "resource:action" name.
func PermissionName(resource string, action Action) string {
	return strings.ToLower(strings.TrimSpace(resource)) + ":" + strings.ToLower(strings.TrimSpace(string(action)))
}

// RevocationReason explains why a token was blacklisted.
type RevocationReason string

const (
	ReasonLogout         RevocationReason = "logout"
	ReasonForcedLogout   RevocationReason = "forced-logout"
	ReasonSecurityBreach RevocationReason = "security-breach"
	ReasonPasswordChange RevocationReason = "password-change"
)

func (r RevocationReason) Valid() bool {
	switch r {
	case ReasonLogout, ReasonForcedLogout, ReasonSecurityBreach, ReasonPasswordChange:
		return true
	}
	return false
}

// Revocation is a blacklist entry keyed by the exact token.
type Revocation struct {
	Token     string           `json:"-"`
	UserID    string           `json:"user_id"`
	Reason    RevocationReason `json:"reason"`
	IPAddress string           `json:"ip_address,omitempty"`
	UserAgent string           `json:"user_agent,omitempty"`
	RevokedAt time.Time        `json:"revoked_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Origin describes where a request came from and which endpoint it hit.
type Origin struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

func (o Origin) IsZero() bool {
	return o.IPAddress == "" && o.UserAgent == "" && o.Endpoint == ""
}

// UserUpdate carries optional profile changes.
type UserUpdate struct {
	Name  *string
	Email *string
}

// RoleUpdate carries optional role changes.
type RoleUpdate struct {
	Name        *string
	Description *string
	Level       *int
	IsActive    *bool
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	RoleID string
	Status Status
	Limit  int
	Offset int
}
