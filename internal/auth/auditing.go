package auth

import (
	"context"
	"time"
)

// AuditAction is the closed set of audited actions.
type AuditAction string

const (
	AuditLogin            AuditAction = "login"
	AuditLogout           AuditAction = "logout"
	AuditFailedLogin      AuditAction = "failed_login"
	AuditAccountLocked    AuditAction = "account_locked"
	AuditRegister         AuditAction = "register"
	AuditPasswordChange   AuditAction = "password_change"
	AuditProfileUpdate    AuditAction = "profile_update"
	AuditRoleChange       AuditAction = "role_change"
	AuditRoleAdded        AuditAction = "role_added"
	AuditRoleRemoved      AuditAction = "role_removed"
	AuditUserCreate       AuditAction = "user_create"
	AuditUserDelete       AuditAction = "user_delete"
	AuditStatusChange     AuditAction = "status_change"
	AuditRoleCreate       AuditAction = "role_create"
	AuditRoleUpdate       AuditAction = "role_update"
	AuditRoleDelete       AuditAction = "role_delete"
	AuditPermissionCreate AuditAction = "permission_create"
	AuditPermissionChange AuditAction = "permission_change"
	AuditTokenRevoked     AuditAction = "token_revoked"
	AuditAccessGranted    AuditAction = "access_granted"
	AuditAccessDenied     AuditAction = "access_denied"
)

var auditActions = map[AuditAction]struct{}{
	AuditLogin: {}, AuditLogout: {}, AuditFailedLogin: {}, AuditAccountLocked: {},
	AuditRegister: {}, AuditPasswordChange: {}, AuditProfileUpdate: {}, AuditRoleChange: {},
	AuditRoleAdded: {}, AuditRoleRemoved: {}, AuditUserCreate: {}, AuditUserDelete: {},
	AuditStatusChange: {}, AuditRoleCreate: {}, AuditRoleUpdate: {}, AuditRoleDelete: {},
	AuditPermissionCreate: {}, AuditPermissionChange: {}, AuditTokenRevoked: {},
	AuditAccessGranted: {}, AuditAccessDenied: {},
}

func (a AuditAction) Valid() bool {
	_, ok := auditActions[a]
	return ok
}

// AuditResource is the category an audited action touched.
type AuditResource string

const (
	ResourceAuth       AuditResource = "auth"
	ResourceUser       AuditResource = "user"
	ResourceRole       AuditResource = "role"
	ResourcePermission AuditResource = "permission"
	ResourceSystem     AuditResource = "system"
)

func (r AuditResource) Valid() bool {
	switch r {
	case ResourceAuth, ResourceUser, ResourceRole, ResourcePermission, ResourceSystem:
		return true
	}
	return false
}

type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeWarning AuditOutcome = "warning"
)

type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEvent is what callers hand to an Auditor. Empty outcome and severity
// default to success and low; an empty Origin is filled from the context.
type AuditEvent struct {
	UserID   string
	Action   AuditAction
	Resource AuditResource
	Outcome  AuditOutcome
	Severity AuditSeverity
	Details  map[string]any
	Origin   Origin
}

// AuditRecord is the persisted, immutable form of an AuditEvent.
type AuditRecord struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Action    AuditAction    `json:"action"`
	Resource  AuditResource  `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Outcome   AuditOutcome   `json:"outcome"`
	Severity  AuditSeverity  `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	UserID   string
	Action   AuditAction
	Resource AuditResource
	Outcome  AuditOutcome
	Severity AuditSeverity
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Auditor accepts audit events. Record must not block the caller and never fails it.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) {}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(ctx context.Context, ev AuditEvent)

func (f AuditorFunc) Record(ctx context.Context, ev AuditEvent) { f(ctx, ev) }
