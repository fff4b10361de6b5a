package auth_test

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/store/memory"
)

func TestGateAllowsAndAuditsOnce(t *testing.T) {
	f := newFixture(t)
	sess := f.userWithRole(t, "admin@example.com", auth.RoleAdmin)
	f.audit.Reset()

	origin := auth.Origin{IPAddress: "10.0.0.1", UserAgent: "test", Endpoint: "GET /v1/users"}
	p, err := f.gate.Authorize(context.Background(), sess.Token, origin, auth.RequirePermission(auth.PermUserRead))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if p.User.ID != sess.User.ID || p.Role != auth.RoleAdmin || !p.HasPermission(auth.PermUserRead) {
		t.Fatalf("unexpected principal: %+v", p)
	}
	events := f.audit.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(events))
	}
	ev := events[0]
	if ev.Action != auth.AuditAccessGranted || ev.UserID != sess.User.ID || ev.Origin != origin {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestGateDenials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.userWithRole(t, "boss@example.com", auth.RoleAdmin)
	adminCtx := auth.ContextWithPrincipal(ctx, auth.Principal{User: admin.User})

	cases := []struct {
		name    string
		token   func(t *testing.T) string
		req     auth.Requirement
		code    auth.DenialCode
		status  int
		message string
	}{
		{
			name:    "missing token",
			token:   func(*testing.T) string { return "" },
			req:     auth.Authenticated(),
			code:    auth.CodeTokenInvalid,
			status:  http.StatusUnauthorized,
			message: "missing bearer token",
		},
		{
			name:    "garbage token",
			token:   func(*testing.T) string { return "a.b.c" },
			req:     auth.Authenticated(),
			code:    auth.CodeTokenInvalid,
			status:  http.StatusUnauthorized,
			message: "invalid token",
		},
		{
			name: "revoked",
			token: func(t *testing.T) string {
				s := f.register(t, "revoked@example.com")
				if err := f.ledger.Revoke(ctx, s.Token, s.User.ID, auth.ReasonLogout, auth.Origin{}); err != nil {
					t.Fatalf("Revoke: %v", err)
				}
				return s.Token
			},
			req:    auth.Authenticated(),
			code:   auth.CodeTokenBlacklisted,
			status: http.StatusUnauthorized,
		},
		{
			name: "vanished user",
			token: func(t *testing.T) string {
				s := f.register(t, "gone@example.com")
				if err := f.rbac.DeleteUser(adminCtx, s.User.ID); err != nil {
					t.Fatalf("DeleteUser: %v", err)
				}
				return s.Token
			},
			req:     auth.Authenticated(),
			code:    auth.CodeTokenInvalid,
			status:  http.StatusUnauthorized,
			message: "user no longer exists",
		},
		{
			name: "inactive",
			token: func(t *testing.T) string {
				s := f.register(t, "suspended@example.com")
				if _, err := f.rbac.SetStatus(adminCtx, s.User.ID, auth.StatusSuspended); err != nil {
					t.Fatalf("SetStatus: %v", err)
				}
				return s.Token
			},
			req:     auth.Authenticated(),
			code:    auth.CodeTokenInvalid,
			status:  http.StatusUnauthorized,
			message: "account is not active",
		},
		{
			name: "locked",
			token: func(t *testing.T) string {
				s := f.register(t, "locked@example.com")
				if err := f.store.SetLockUntil(ctx, s.User.ID, f.clock.Now().Add(time.Hour)); err != nil {
					t.Fatalf("SetLockUntil: %v", err)
				}
				return s.Token
			},
			req:    auth.Authenticated(),
			code:   auth.CodeAccountLocked,
			status: http.StatusLocked,
		},
		{
			name:   "insufficient permissions",
			token:  func(t *testing.T) string { return f.register(t, "plain@example.com").Token },
			req:    auth.RequireAll(auth.PermProfileView, auth.PermUserRead),
			code:   auth.CodeInsufficientPermissions,
			status: http.StatusForbidden,
		},
		{
			name:   "role allow-list",
			token:  func(t *testing.T) string { return f.register(t, "legacy@example.com").Token },
			req:    auth.RequireRoles(auth.RoleAdmin, auth.RoleEditor),
			code:   auth.CodeInsufficientRole,
			status: http.StatusForbidden,
		},
		{
			name:   "super admin",
			token:  func(t *testing.T) string { return f.userWithRole(t, "editor@example.com", auth.RoleEditor).Token },
			req:    auth.RequireSuperAdmin(),
			code:   auth.CodeRequiresSuperAdmin,
			status: http.StatusForbidden,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := tc.token(t)
			f.audit.Reset()
			_, err := f.gate.Authorize(ctx, token, auth.Origin{}, tc.req)
			d := mustDenial(t, err, tc.code)
			if d.Status != tc.status {
				t.Fatalf("status=%d, want %d", d.Status, tc.status)
			}
			if tc.message != "" && d.Message != tc.message {
				t.Fatalf("message=%q, want %q", d.Message, tc.message)
			}
			if !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatal("denials must match ErrUnauthorized")
			}
			if n := f.audit.Count(auth.AuditAccessDenied); n != 1 || len(f.audit.Events()) != 1 {
				t.Fatalf("expected one access_denied record, got %d of %d", n, len(f.audit.Events()))
			}
		})
	}
}

func TestGateExpiredToken(t *testing.T) {
	f := newFixture(t)
	sess := f.register(t, "old@example.com")
	f.clock.Advance(auth.DefaultTokenTTL + time.Second)
	_, err := f.gate.Authenticate(context.Background(), sess.Token)
	mustDenial(t, err, auth.CodeTokenExpired)
}

func TestGateMissingPermissionsAreReported(t *testing.T) {
	f := newFixture(t)
	sess := f.register(t, "missing@example.com")
	_, err := f.gate.Authorize(context.Background(), sess.Token, auth.Origin{}, auth.RequireAll(auth.PermUserRead, auth.PermProfileView, auth.PermAuditRead))
	d := mustDenial(t, err, auth.CodeInsufficientPermissions)
	if !reflect.DeepEqual(d.Missing, []string{auth.PermUserRead, auth.PermAuditRead}) {
		t.Fatalf("missing=%v", d.Missing)
	}
	ev := f.audit.Events()[len(f.audit.Events())-1]
	if ev.Details["code"] != string(auth.CodeInsufficientPermissions) {
		t.Fatalf("audit details lack denial code: %v", ev.Details)
	}
}

func TestGateUsesFrozenSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role, err := f.rbac.CreateRole(ctx, auth.NewRole{Name: "reader", Level: 20, Permissions: []string{auth.PermUserRead}})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	sess := f.register(t, "snap@example.com")
	if _, err := f.rbac.AddRole(ctx, sess.User.ID, role.ID); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	sess, err = f.svc.Login(ctx, "snap@example.com", "correct-horse", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.rbac.SetRolePermissions(ctx, role.ID, nil); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}

	p, err := f.gate.Authorize(ctx, sess.Token, auth.Origin{}, auth.RequirePermission(auth.PermUserRead))
	if err != nil {
		t.Fatalf("snapshot must still authorize: %v", err)
	}
	err = f.gate.Recheck(ctx, p, auth.RequirePermission(auth.PermUserRead))
	mustDenial(t, err, auth.CodeInsufficientPermissions)
}

func TestGateSuperAdmin(t *testing.T) {
	f := newFixture(t)
	sess := f.userWithRole(t, "root@example.com", auth.RoleAdmin)
	p, err := f.gate.Authorize(context.Background(), sess.Token, auth.Origin{}, auth.RequireSuperAdmin())
	if err != nil {
		t.Fatalf("admin (level 90) must pass: %v", err)
	}
	if p.RoleLevel != 90 {
		t.Fatalf("role level=%d", p.RoleLevel)
	}
}

type failingRevocations struct {
	*memory.Store
}

func (failingRevocations) RevocationExists(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestGateStoreFailureIsNotADenial(t *testing.T) {
	f := newFixture(t)
	sess := f.register(t, "infra@example.com")
	ledger, err := auth.NewLedger(failingRevocations{f.store}, f.codec)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	gate, err := auth.NewGate(f.codec, ledger, f.store, f.store, auth.WithGateAuditor(f.audit), auth.WithGateClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	f.audit.Reset()
	_, err = gate.Authorize(context.Background(), sess.Token, auth.Origin{}, auth.Authenticated())
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := auth.AsDenial(err); ok {
		t.Fatalf("store failure must not be a denial: %v", err)
	}
	events := f.audit.Events()
	if len(events) != 1 || events[0].Action != auth.AuditAccessDenied || events[0].Outcome != auth.OutcomeFailure {
		t.Fatalf("expected one failure record, got %+v", events)
	}
}
