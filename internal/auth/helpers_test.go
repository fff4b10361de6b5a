package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []auth.AuditEvent
}

func (r *recorder) Record(_ context.Context, ev auth.AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []auth.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.AuditEvent(nil), r.events...)
}

func (r *recorder) Count(action auth.AuditAction) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Action == action {
			n++
		}
	}
	return n
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	store   *memory.Store
	clock   *fakeClock
	codec   *auth.Codec
	ledger  *auth.Ledger
	lockout *auth.LockoutGuard
	gate    *auth.Gate
	svc     *auth.Service
	rbac    *auth.RBACService
	audit   *recorder
	hasher  auth.BcryptHasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: newFakeClock(), audit: &recorder{}}
	f.store = memory.New(memory.WithClock(f.clock.Now))
	hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewBcryptHasher: %v", err)
	}
	f.hasher = hasher
	f.codec, err = auth.NewCodec([]byte("test-secret"), auth.WithCodecClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	f.ledger, err = auth.NewLedger(f.store, f.codec, auth.WithLedgerClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	f.lockout = auth.NewLockoutGuard(f.store, auth.WithLockoutClock(f.clock.Now))
	f.gate, err = auth.NewGate(f.codec, f.ledger, f.store, f.store,
		auth.WithGateAuditor(f.audit),
		auth.WithGateLockout(f.lockout),
		auth.WithGateClock(f.clock.Now),
	)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	f.svc, err = auth.NewService(f.store, f.store, f.codec, f.ledger,
		auth.WithAuditor(f.audit),
		auth.WithHasher(hasher),
		auth.WithLockout(f.lockout),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.rbac, err = auth.NewRBACService(f.store, f.store, f.store,
		auth.WithRBACAuditor(f.audit),
		auth.WithRBACHasher(hasher),
	)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	if err := auth.Bootstrap(context.Background(), f.store, f.store, f.store, hasher, auth.BootstrapAdmin{}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return f
}

func (f *fixture) role(t *testing.T, name string) auth.Role {
	t.Helper()
	r, err := f.store.GetRoleByName(context.Background(), name)
	if err != nil {
		t.Fatalf("GetRoleByName(%s): %v", name, err)
	}
	return r
}

// register signs up email with the default role and returns the session.
func (f *fixture) register(t *testing.T, email string) auth.Session {
	t.Helper()
	sess, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Name:     "Test User",
		Email:    email,
		Password: "correct-horse",
	}, auth.Origin{IPAddress: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return sess
}

// userWithRole creates an active account whose primary role is roleName and logs it in.
func (f *fixture) userWithRole(t *testing.T, email, roleName string) auth.Session {
	t.Helper()
	ctx := context.Background()
	if _, err := f.rbac.CreateUser(ctx, auth.NewUser{
		Name:     "Staff",
		Email:    email,
		Password: "correct-horse",
		RoleID:   f.role(t, roleName).ID,
	}); err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	sess, err := f.svc.Login(ctx, email, "correct-horse", auth.Origin{})
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return sess
}

func mustDenial(t *testing.T, err error, code auth.DenialCode) *auth.Denial {
	t.Helper()
	d, ok := auth.AsDenial(err)
	if !ok {
		t.Fatalf("expected denial %s, got %v", code, err)
	}
	if d.Code != code {
		t.Fatalf("expected denial %s, got %s (%s)", code, d.Code, d.Message)
	}
	return d
}
