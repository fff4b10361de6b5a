package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegis.dev/internal/auth"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestUsersAndRoleMembership(t *testing.T) {
	ctx := context.Background()
	s := New()

	role, err := s.CreateRole(ctx, auth.Role{Name: "auditor", Level: 40, Permissions: []string{auth.PermAuditRead}, IsActive: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	u, err := s.CreateUser(ctx, auth.User{Name: "A", Email: " Alice@Example.com ", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "alice@example.com" || u.Status != auth.StatusActive {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := s.CreateUser(ctx, auth.User{Email: "ALICE@example.com"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict on duplicate email, got %v", err)
	}
	if _, err := s.CreateUser(ctx, auth.User{Email: "b@example.com", RoleID: "rol_missing"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for unknown role, got %v", err)
	}

	if _, err := s.AddAdditionalRole(ctx, u.ID, role.ID); err != nil {
		t.Fatalf("AddAdditionalRole: %v", err)
	}
	if _, err := s.AddAdditionalRole(ctx, u.ID, role.ID); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict on repeated role, got %v", err)
	}
	if n, _ := s.CountUsersWithRole(ctx, role.ID); n != 1 {
		t.Fatalf("expected 1 holder, got %d", n)
	}

	// Returned users are copies.
	got, _ := s.GetUser(ctx, u.ID)
	got.AdditionalRoleIDs[0] = "tampered"
	again, _ := s.GetUser(ctx, u.ID)
	if again.AdditionalRoleIDs[0] != role.ID {
		t.Fatalf("store leaked its slice: %v", again.AdditionalRoleIDs)
	}

	if _, err := s.RemoveAdditionalRole(ctx, u.ID, role.ID); err != nil {
		t.Fatalf("RemoveAdditionalRole: %v", err)
	}
	if _, err := s.RemoveAdditionalRole(ctx, u.ID, role.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found removing absent role, got %v", err)
	}
}

func TestFailureCounters(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(fixedClock(now)))
	u, err := s.CreateUser(ctx, auth.User{Email: "c@example.com"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	for i := 1; i <= 3; i++ {
		n, err := s.IncrementFailedAttempts(ctx, u.ID)
		if err != nil || n != i {
			t.Fatalf("increment %d: got %d, %v", i, n, err)
		}
	}

	if ok, _ := s.RestartFailureCycle(ctx, u.ID, now); ok {
		t.Fatal("restart without a lock must not apply")
	}
	if err := s.SetLockUntil(ctx, u.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("SetLockUntil: %v", err)
	}
	if ok, _ := s.RestartFailureCycle(ctx, u.ID, now); ok {
		t.Fatal("restart inside the lock window must not apply")
	}
	ok, err := s.RestartFailureCycle(ctx, u.ID, now.Add(2*time.Hour))
	if err != nil || !ok {
		t.Fatalf("expected restart after lapse, got %v %v", ok, err)
	}
	got, _ := s.GetUser(ctx, u.ID)
	if got.FailedAttempts != 1 || got.LockUntil != nil {
		t.Fatalf("unexpected state after restart: %+v", got)
	}

	if err := s.ClearFailures(ctx, u.ID, now); err != nil {
		t.Fatalf("ClearFailures: %v", err)
	}
	got, _ = s.GetUser(ctx, u.ID)
	if got.FailedAttempts != 0 || got.LastLoginAt == nil || !got.LastLoginAt.Equal(now) {
		t.Fatalf("unexpected state after clear: %+v", got)
	}
}

func TestRevocationsAndAudit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	if err := s.InsertRevocation(ctx, auth.Revocation{Token: "t1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("InsertRevocation: %v", err)
	}
	if err := s.InsertRevocation(ctx, auth.Revocation{Token: "t1", ExpiresAt: now.Add(time.Hour)}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.InsertRevocation(ctx, auth.Revocation{Token: "t2", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("InsertRevocation: %v", err)
	}
	if n, _ := s.DeleteExpiredRevocations(ctx, now); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if ok, _ := s.RevocationExists(ctx, "t1"); !ok {
		t.Fatal("live revocation pruned")
	}

	for i, action := range []auth.AuditAction{auth.AuditLogin, auth.AuditFailedLogin, auth.AuditLogin} {
		if err := s.AppendAudit(ctx, auth.AuditRecord{
			UserID:    "usr_1",
			Action:    action,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	recs, _ := s.ListAudit(ctx, auth.AuditFilter{Action: auth.AuditLogin})
	if len(recs) != 2 || !recs[0].CreatedAt.After(recs[1].CreatedAt) || recs[0].ID == "" {
		t.Fatalf("expected two login records newest first, got %+v", recs)
	}
	recs, _ = s.ListAudit(ctx, auth.AuditFilter{Limit: 1, Offset: 1})
	if len(recs) != 1 || recs[0].Action != auth.AuditFailedLogin {
		t.Fatalf("unexpected page: %+v", recs)
	}
	if n, _ := s.DeleteAuditBefore(ctx, now.Add(time.Minute)); n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
}

func TestRolesHideInactivePermissions(t *testing.T) {
	ctx := context.Background()
	s := New()
	perm, err := s.CreatePermission(ctx, auth.Permission{Name: "report:view", Resource: "report", Action: auth.ActionView, IsActive: true})
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	role, err := s.CreateRole(ctx, auth.Role{Name: "reporter", Level: 30, Permissions: []string{"report:view", auth.PermAuditRead}, IsActive: true})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	off := false
	if _, err := s.UpdatePermission(ctx, perm.ID, auth.PermissionUpdate{IsActive: &off}); err != nil {
		t.Fatalf("UpdatePermission: %v", err)
	}
	got, _ := s.GetRole(ctx, role.ID)
	if len(got.Permissions) != 1 || got.Permissions[0] != auth.PermAuditRead {
		t.Fatalf("inactive permission still listed: %v", got.Permissions)
	}

	on := true
	if _, err := s.UpdatePermission(ctx, perm.ID, auth.PermissionUpdate{IsActive: &on}); err != nil {
		t.Fatalf("UpdatePermission: %v", err)
	}
	got, _ = s.GetRoleByName(ctx, "reporter")
	if len(got.Permissions) != 2 {
		t.Fatalf("reactivated permission missing: %v", got.Permissions)
	}
}
