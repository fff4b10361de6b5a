package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis.dev/internal/obs"
)

const MinPasswordLength = 8

// Service implements the session lifecycle: registration, login, logout,
// password change and forced revocation.
type Service struct {
	users       CredentialStore
	roles       RoleStore
	codec       *Codec
	ledger      *Ledger
	lockout     *LockoutGuard
	resolver    *Resolver
	hasher      PasswordHasher
	auditor     Auditor
	defaultRole string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAuditor sets the audit destination. Audit never fails an operation.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

func WithLockout(l *LockoutGuard) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.lockout = l
		}
		return nil
	}
}

// WithDefaultRole names the role given to self-registered accounts.
func WithDefaultRole(name string) ServiceOption {
	return func(s *Service) error {
		if name = strings.TrimSpace(name); name != "" {
			s.defaultRole = name
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(users CredentialStore, roles RoleStore, codec *Codec, ledger *Ledger, opts ...ServiceOption) (*Service, error) {
	if users == nil || roles == nil || codec == nil || ledger == nil {
		return nil, errors.New("auth: service requires stores, codec and ledger")
	}
	svc := &Service{
		users:       users,
		roles:       roles,
		codec:       codec,
		ledger:      ledger,
		resolver:    NewResolver(users, roles),
		hasher:      BcryptHasher{},
		auditor:     nopAuditor{},
		defaultRole: RoleUser,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.lockout == nil {
		svc.lockout = NewLockoutGuard(users)
	}
	return svc, nil
}

// Session is an issued token together with the principal it was issued to.
type Session struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
}

// RegisterInput is the self-registration request.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	// Role optionally names a role no more privileged than the default role.
	Role string
}

// Register creates an active account and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput, origin Origin) (Session, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Session{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	email := normalizeEmail(in.Email)
	if !validEmail(email) {
		return Session{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if err := validatePassword(in.Password); err != nil {
		return Session{}, err
	}
	role, err := s.registrationRole(ctx, in.Role)
	if err != nil {
		return Session{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Session{}, err
	}
	user, err := s.users.CreateUser(ctx, User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		RoleID:       role.ID,
		Status:       StatusActive,
	})
	if err != nil {
		return Session{}, err
	}
	s.auditor.Record(ctx, AuditEvent{
		UserID:   user.ID,
		Action:   AuditRegister,
		Resource: ResourceAuth,
		Details:  map[string]any{"email": user.Email, "role": role.Name},
		Origin:   origin,
	})
	return s.issue(ctx, user)
}

func (s *Service) registrationRole(ctx context.Context, requested string) (Role, error) {
	def, err := s.roles.GetRoleByName(ctx, s.defaultRole)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Role{}, fmt.Errorf("auth: default role %q is not provisioned", s.defaultRole)
		}
		return Role{}, err
	}
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == def.Name {
		return def, nil
	}
	role, err := s.roles.GetRoleByName(ctx, requested)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Role{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, requested)
		}
		return Role{}, err
	}
	if !role.IsActive || role.Level > def.Level {
		return Role{}, fmt.Errorf("%w: role %q cannot be self-assigned", ErrForbidden, requested)
	}
	return role, nil
}

// Login checks credentials under the lockout policy. The lock is consulted
// before the password so a locked account never reveals whether it matched.
func (s *Service) Login(ctx context.Context, email, password string, origin Origin) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.failedLogin(ctx, "", email, "unknown_email", SeverityMedium, origin, nil)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	now := s.lockout.Now()
	if s.lockout.Locked(user, now) {
		s.failedLogin(ctx, user.ID, email, "locked", SeverityHigh, origin, nil)
		return Session{}, &LockedError{Until: *user.LockUntil}
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		state, lerr := s.lockout.RecordFailure(ctx, user)
		if lerr != nil {
			return Session{}, lerr
		}
		s.failedLogin(ctx, user.ID, email, "bad_password", SeverityMedium, origin, map[string]any{"attempts": state.Attempts})
		if state.Locked {
			obs.Lockouts.Inc()
			s.auditor.Record(ctx, AuditEvent{
				UserID:   user.ID,
				Action:   AuditAccountLocked,
				Resource: ResourceAuth,
				Outcome:  OutcomeWarning,
				Severity: SeverityHigh,
				Details:  map[string]any{"attempts": state.Attempts, "lock_until": state.LockUntil.UTC()},
				Origin:   origin,
			})
		}
		return Session{}, ErrInvalidCredentials
	}
	if user.Status != StatusActive {
		s.failedLogin(ctx, user.ID, email, "inactive", SeverityMedium, origin, map[string]any{"status": string(user.Status)})
		return Session{}, ErrAccountInactive
	}
	if err := s.lockout.RecordSuccess(ctx, user); err != nil {
		return Session{}, err
	}
	stamp := now.UTC()
	user.FailedAttempts = 0
	user.LockUntil = nil
	user.LastLoginAt = &stamp

	sess, err := s.issue(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.auditor.Record(ctx, AuditEvent{
		UserID:   user.ID,
		Action:   AuditLogin,
		Resource: ResourceAuth,
		Details:  map[string]any{"role": sess.Role},
		Origin:   origin,
	})
	return sess, nil
}

func (s *Service) failedLogin(ctx context.Context, userID, email, reason string, sev AuditSeverity, origin Origin, extra map[string]any) {
	details := map[string]any{"email": email, "reason": reason}
	for k, v := range extra {
		details[k] = v
	}
	s.auditor.Record(ctx, AuditEvent{
		UserID:   userID,
		Action:   AuditFailedLogin,
		Resource: ResourceAuth,
		Outcome:  OutcomeFailure,
		Severity: sev,
		Details:  details,
		Origin:   origin,
	})
}

func (s *Service) issue(ctx context.Context, user User) (Session, error) {
	roles, err := s.resolver.Roles(ctx, user)
	if err != nil {
		return Session{}, err
	}
	var roleName string
	for _, r := range roles {
		if r.ID == user.RoleID {
			roleName = r.Name
			break
		}
	}
	perms := EffectivePermissions(roles...)
	token, exp, err := s.codec.Issue(user, roleName, perms)
	if err != nil {
		return Session{}, err
	}
	obs.TokensIssued.Inc()
	return Session{
		Token:       token,
		ExpiresAt:   exp,
		User:        user,
		Role:        roleName,
		Permissions: perms.Names(),
	}, nil
}

// Logout blacklists the token the principal presented.
func (s *Service) Logout(ctx context.Context, p Principal, token string, origin Origin) error {
	if err := s.ledger.Revoke(ctx, token, p.User.ID, ReasonLogout, origin); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEvent{
		UserID:   p.User.ID,
		Action:   AuditLogout,
		Resource: ResourceAuth,
		Details:  map[string]any{"token_id": p.TokenID},
		Origin:   origin,
	})
	return nil
}

// ChangePassword replaces the password and revokes the presenting token, so
// the caller has to sign in again.
func (s *Service) ChangePassword(ctx context.Context, p Principal, token, current, next string, origin Origin) error {
	if current == "" {
		return fmt.Errorf("%w: current_password is required", ErrInvalidInput)
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	user, err := s.users.GetUser(ctx, p.User.ID)
	if err != nil {
		return err
	}
	if err := s.hasher.Compare(user.PasswordHash, current); err != nil {
		s.auditor.Record(ctx, AuditEvent{
			UserID:   user.ID,
			Action:   AuditPasswordChange,
			Resource: ResourceAuth,
			Outcome:  OutcomeFailure,
			Severity: SeverityMedium,
			Details:  map[string]any{"reason": "bad_current_password"},
			Origin:   origin,
		})
		return ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := s.ledger.Revoke(ctx, token, user.ID, ReasonPasswordChange, origin); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEvent{
		UserID:   user.ID,
		Action:   AuditPasswordChange,
		Resource: ResourceAuth,
		Severity: SeverityMedium,
		Details:  map[string]any{"token_id": p.TokenID},
		Origin:   origin,
	})
	return nil
}

// RevokeToken force-expires someone else's token.
func (s *Service) RevokeToken(ctx context.Context, actor Principal, token string, reason RevocationReason, origin Origin) error {
	if reason != ReasonForcedLogout && reason != ReasonSecurityBreach {
		return fmt.Errorf("%w: reason must be %s or %s", ErrInvalidInput, ReasonForcedLogout, ReasonSecurityBreach)
	}
	_, subject, err := s.codec.ExpiryOf(token)
	if err != nil {
		return fmt.Errorf("%w: token is not a session token", ErrInvalidInput)
	}
	if err := s.ledger.Revoke(ctx, token, subject, reason, origin); err != nil {
		return err
	}
	sev := SeverityMedium
	if reason == ReasonSecurityBreach {
		sev = SeverityCritical
	}
	s.auditor.Record(ctx, AuditEvent{
		UserID:   actor.User.ID,
		Action:   AuditTokenRevoked,
		Resource: ResourceAuth,
		Severity: sev,
		Details:  map[string]any{"reason": string(reason), "target_user_id": subject},
		Origin:   origin,
	})
	return nil
}

// Permissions returns the principal's permission names, from the token
// snapshot or, when live is set, from the current role graph.
func (s *Service) Permissions(ctx context.Context, p Principal, live bool) ([]string, error) {
	if !live {
		return p.Permissions.Names(), nil
	}
	user, err := s.users.GetUser(ctx, p.User.ID)
	if err != nil {
		return nil, err
	}
	set, err := s.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	return set.Names(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

func validatePassword(pw string) error {
	if len(pw) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	return nil
}
