package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"aegis.dev/internal/obs"
)

// Principal is an authenticated user together with the claims its token carried.
type Principal struct {
	User User `json:"user"`
	// Role is the primary role name frozen into the token.
	Role string `json:"role"`
	// RoleLevel is loaded only for requirements that compare levels.
	RoleLevel   int           `json:"role_level,omitempty"`
	Permissions PermissionSet `json:"-"`
	TokenID     string        `json:"token_id"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// HasPermission reports whether the token snapshot grants name.
func (p Principal) HasPermission(name string) bool {
	return p.Permissions.Has(name)
}

// Gate runs the fail-closed authorization pipeline shared by every transport.
type Gate struct {
	codec    *Codec
	ledger   *Ledger
	users    CredentialStore
	roles    RoleStore
	lockout  *LockoutGuard
	resolver *Resolver
	auditor  Auditor
	now      func() time.Time
}

type GateOption func(*Gate)

// WithGateAuditor sets where access decisions are recorded.
func WithGateAuditor(a Auditor) GateOption {
	return func(g *Gate) {
		if a != nil {
			g.auditor = a
		}
	}
}

func WithGateLockout(l *LockoutGuard) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.lockout = l
		}
	}
}

func WithGateClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewGate(codec *Codec, ledger *Ledger, users CredentialStore, roles RoleStore, opts ...GateOption) (*Gate, error) {
	if codec == nil || ledger == nil || users == nil || roles == nil {
		return nil, errors.New("auth: gate requires codec, ledger, credential and role stores")
	}
	g := &Gate{
		codec:    codec,
		ledger:   ledger,
		users:    users,
		roles:    roles,
		resolver: NewResolver(users, roles),
		auditor:  nopAuditor{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lockout == nil {
		g.lockout = NewLockoutGuard(users, WithLockoutClock(g.now))
	}
	return g, nil
}

// Authenticate verifies token and loads its principal. Every rejection is a
// *Denial; store failures are returned unwrapped. Nothing is audited here.
func (g *Gate) Authenticate(ctx context.Context, token string) (Principal, error) {
	p, err := g.authenticate(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Authorize authenticates token, evaluates req against the token snapshot and
// records exactly one access decision.
func (g *Gate) Authorize(ctx context.Context, token string, origin Origin, req Requirement) (Principal, error) {
	p, err := g.authenticate(ctx, token)
	if err == nil && req.needsRoleLevel() {
		p.RoleLevel, err = g.primaryRoleLevel(ctx, p.User)
	}
	if err == nil {
		err = req.Evaluate(p)
	}
	g.recordDecision(ctx, p, origin, req, err)
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Recheck evaluates req against the live role graph instead of the token snapshot.
func (g *Gate) Recheck(ctx context.Context, p Principal, req Requirement) error {
	user, err := g.users.GetUser(ctx, p.User.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(CodeTokenInvalid, "user no longer exists")
		}
		return err
	}
	perms, err := g.resolver.Resolve(ctx, user)
	if err != nil {
		return err
	}
	p.User = user
	p.Permissions = perms
	if req.needsRoleLevel() {
		if p.RoleLevel, err = g.primaryRoleLevel(ctx, user); err != nil {
			return err
		}
	}
	return req.Evaluate(p)
}

// Resolver exposes the live permission resolver the gate uses for rechecks.
func (g *Gate) Resolver() *Resolver { return g.resolver }

func (g *Gate) authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, deny(CodeTokenInvalid, "missing bearer token")
	}
	claims, err := g.codec.Verify(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return Principal{}, deny(CodeTokenExpired, "token has expired")
		}
		return Principal{}, deny(CodeTokenInvalid, "invalid token")
	}
	// Partial principal so denials past this point are attributed in the audit trail.
	p := Principal{
		User:        User{ID: claims.Subject},
		Role:        claims.Role,
		Permissions: NewPermissionSet(claims.Permissions...),
		TokenID:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	revoked, err := g.ledger.IsRevoked(ctx, token)
	if err != nil {
		return p, err
	}
	if revoked {
		return p, deny(CodeTokenBlacklisted, "token has been revoked")
	}
	user, err := g.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return p, deny(CodeTokenInvalid, "user no longer exists")
		}
		return p, err
	}
	p.User = user
	if user.Status != StatusActive {
		return p, deny(CodeTokenInvalid, "account is not active")
	}
	if g.lockout.Locked(user, g.now()) {
		return p, deny(CodeAccountLocked, "account is temporarily locked")
	}
	return p, nil
}

func (g *Gate) primaryRoleLevel(ctx context.Context, user User) (int, error) {
	if user.RoleID == "" {
		return 0, nil
	}
	role, err := g.roles.GetRole(ctx, user.RoleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if !role.IsActive {
		return 0, nil
	}
	return role.Level, nil
}

func (g *Gate) recordDecision(ctx context.Context, p Principal, origin Origin, req Requirement, err error) {
	ev := AuditEvent{
		UserID:   p.User.ID,
		Resource: ResourceAuth,
		Origin:   origin,
		Details:  map[string]any{"requirement": req.String()},
	}
	if origin.Endpoint != "" {
		ev.Details["endpoint"] = origin.Endpoint
	}
	switch d, isDenial := AsDenial(err); {
	case err == nil:
		ev.Action = AuditAccessGranted
		ev.Outcome = OutcomeSuccess
		ev.Severity = SeverityLow
		obs.AuthDecisions.WithLabelValues("allow", "").Inc()
	case isDenial:
		ev.Action = AuditAccessDenied
		ev.Outcome = OutcomeWarning
		ev.Severity = denialSeverity(d.Code)
		ev.Details["code"] = string(d.Code)
		if len(d.Missing) > 0 {
			ev.Details["missing"] = d.Missing
		}
		obs.AuthDecisions.WithLabelValues("deny", string(d.Code)).Inc()
	default:
		ev.Action = AuditAccessDenied
		ev.Outcome = OutcomeFailure
		ev.Severity = SeverityHigh
		ev.Details["error"] = err.Error()
		obs.AuthDecisions.WithLabelValues("error", "").Inc()
	}
	g.auditor.Record(ctx, ev)
}

func denialSeverity(code DenialCode) AuditSeverity {
	switch code {
	case CodeTokenBlacklisted, CodeAccountLocked, CodeRequiresSuperAdmin:
		return SeverityHigh
	case CodeInsufficientPermissions, CodeInsufficientRole:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
