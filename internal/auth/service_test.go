package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
)

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.register(t, "  New@Example.com ")
	if sess.User.Email != "new@example.com" {
		t.Fatalf("email not normalized: %q", sess.User.Email)
	}
	if sess.Role != auth.RoleUser || sess.Token == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.User.PasswordHash == "correct-horse" {
		t.Fatal("password stored in clear")
	}

	if _, err := f.svc.Register(ctx, auth.RegisterInput{Name: "Dup", Email: "new@example.com", Password: "another-pass"}, auth.Origin{}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
	if _, err := f.svc.Register(ctx, auth.RegisterInput{Name: "Short", Email: "short@example.com", Password: "123"}, auth.Origin{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input for short password, got %v", err)
	}

	login, err := f.svc.Login(ctx, "NEW@example.com", "correct-horse", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.User.LastLoginAt == nil {
		t.Fatal("expected last login stamp")
	}
	if f.audit.Count(auth.AuditRegister) != 1 || f.audit.Count(auth.AuditLogin) != 1 {
		t.Fatalf("unexpected audit trail: %+v", f.audit.Events())
	}
}

func TestRegisterCannotSelfElevate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Name: "Mallory", Email: "mallory@example.com", Password: "correct-horse", Role: auth.RoleSuperAdmin,
	}, auth.Origin{})
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), "nobody@example.com", "whatever-pass", auth.Origin{})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if f.audit.Count(auth.AuditFailedLogin) != 1 {
		t.Fatal("expected failed_login record")
	}
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "victim@example.com")

	for i := 0; i < auth.DefaultLockoutThreshold; i++ {
		if _, err := f.svc.Login(ctx, "victim@example.com", "wrong-password", auth.Origin{}); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i+1, err)
		}
	}
	if f.audit.Count(auth.AuditAccountLocked) != 1 {
		t.Fatalf("expected one account_locked record, got %d", f.audit.Count(auth.AuditAccountLocked))
	}

	_, err := f.svc.Login(ctx, "victim@example.com", "correct-horse", auth.Origin{})
	if !errors.Is(err, auth.ErrAccountLocked) {
		t.Fatalf("correct password during lock must be refused, got %v", err)
	}
	var locked *auth.LockedError
	if !errors.As(err, &locked) || !locked.Until.Equal(f.clock.Now().Add(auth.DefaultLockoutDuration)) {
		t.Fatalf("expected lock until +2h, got %v", err)
	}
	user, err := f.store.GetUserByEmail(ctx, "victim@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if user.FailedAttempts != auth.DefaultLockoutThreshold {
		t.Fatalf("locked attempts must not be counted, got %d", user.FailedAttempts)
	}

	f.clock.Advance(auth.DefaultLockoutDuration + time.Minute)
	sess, err := f.svc.Login(ctx, "victim@example.com", "correct-horse", auth.Origin{})
	if err != nil {
		t.Fatalf("Login after lock expiry: %v", err)
	}
	if sess.User.FailedAttempts != 0 || sess.User.LockUntil != nil {
		t.Fatalf("success must reset lockout state: %+v", sess.User)
	}
}

func TestLoginSuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "flaky@example.com")
	for i := 0; i < auth.DefaultLockoutThreshold-1; i++ {
		_, _ = f.svc.Login(ctx, "flaky@example.com", "nope-nope", auth.Origin{})
	}
	if _, err := f.svc.Login(ctx, "flaky@example.com", "correct-horse", auth.Origin{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Login(ctx, "flaky@example.com", "nope-nope", auth.Origin{}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	user, _ := f.store.GetUserByEmail(ctx, "flaky@example.com")
	if user.FailedAttempts != 1 || user.LockUntil != nil {
		t.Fatalf("counter must restart from zero after success: %+v", user)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "idle@example.com")
	if _, err := f.store.SetStatus(ctx, sess.User.ID, auth.StatusInactive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := f.svc.Login(ctx, "idle@example.com", "correct-horse", auth.Origin{}); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}
}

func TestLogoutBlacklistsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "bye@example.com")

	p, err := f.gate.Authenticate(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := f.svc.Logout(ctx, p, sess.Token, auth.Origin{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err = f.gate.Authenticate(ctx, sess.Token)
	mustDenial(t, err, auth.CodeTokenBlacklisted)

	if err := f.svc.Logout(ctx, p, sess.Token, auth.Origin{}); err != nil {
		t.Fatalf("second logout must be absorbed, got %v", err)
	}

	other, err := f.svc.Login(ctx, "bye@example.com", "correct-horse", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.gate.Authenticate(ctx, other.Token); err != nil {
		t.Fatalf("other tokens must stay valid: %v", err)
	}
}

func TestChangePasswordRevokesPresentingToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "rotate@example.com")
	p, err := f.gate.Authenticate(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := f.svc.ChangePassword(ctx, p, sess.Token, "wrong-current", "brand-new-pass", auth.Origin{}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, p, sess.Token, "correct-horse", "brand-new-pass", auth.Origin{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	_, err = f.gate.Authenticate(ctx, sess.Token)
	mustDenial(t, err, auth.CodeTokenBlacklisted)

	if _, err := f.svc.Login(ctx, "rotate@example.com", "correct-horse", auth.Origin{}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "rotate@example.com", "brand-new-pass", auth.Origin{}); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestRevokeTokenForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.userWithRole(t, "sec@example.com", auth.RoleAdmin)
	victim := f.register(t, "compromised@example.com")

	actor, err := f.gate.Authenticate(ctx, admin.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := f.svc.RevokeToken(ctx, actor, victim.Token, auth.ReasonLogout, auth.Origin{}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("logout is not a forced reason, got %v", err)
	}
	if err := f.svc.RevokeToken(ctx, actor, victim.Token, auth.ReasonSecurityBreach, auth.Origin{}); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	_, err = f.gate.Authenticate(ctx, victim.Token)
	mustDenial(t, err, auth.CodeTokenBlacklisted)

	var found bool
	for _, ev := range f.audit.Events() {
		if ev.Action == auth.AuditTokenRevoked {
			found = ev.UserID == admin.User.ID && ev.Details["target_user_id"] == victim.User.ID && ev.Severity == auth.SeverityCritical
		}
	}
	if !found {
		t.Fatal("expected token_revoked record attributed to the admin")
	}
}

func TestPermissionsSnapshotVersusLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.register(t, "perm@example.com")
	p, err := f.gate.Authenticate(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	role := f.role(t, auth.RoleUser)
	if _, err := f.store.SetRolePermissions(ctx, role.ID, []string{auth.PermProfileView}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	snap, err := f.svc.Permissions(ctx, p, false)
	if err != nil || len(snap) != 2 {
		t.Fatalf("snapshot=%v,%v", snap, err)
	}
	live, err := f.svc.Permissions(ctx, p, true)
	if err != nil || len(live) != 1 || live[0] != auth.PermProfileView {
		t.Fatalf("live=%v,%v", live, err)
	}
}

type brokenAuditStore struct{}

func (brokenAuditStore) AppendAudit(context.Context, auth.AuditRecord) error {
	return errors.New("disk full")
}

func (brokenAuditStore) ListAudit(context.Context, auth.AuditFilter) ([]auth.AuditRecord, error) {
	return nil, errors.New("disk full")
}

func (brokenAuditStore) DeleteAuditBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func TestAuditFailureNeverFailsLogin(t *testing.T) {
	f := newFixture(t)
	f.register(t, "resilient@example.com")

	sink, err := audit.NewSink(brokenAuditStore{}, audit.WithQueueSize(1))
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)
	defer sink.Close()

	svc, err := auth.NewService(f.store, f.store, f.codec, f.ledger, auth.WithAuditor(sink), auth.WithHasher(f.hasher))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Login(context.Background(), "resilient@example.com", "correct-horse", auth.Origin{}); err != nil {
			t.Fatalf("Login #%d failed because of audit: %v", i+1, err)
		}
	}
}
