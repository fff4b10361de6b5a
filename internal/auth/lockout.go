package auth

import (
	"context"
	"time"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 2 * time.Hour
)

// LockoutState is the outcome of a recorded failure.
type LockoutState struct {
	Attempts int
	// Locked is true when this failure placed the lock.
	Locked    bool
	LockUntil *time.Time
	// Restarted is true when an expired lock was cleared and counting began again.
	Restarted bool
}

// LockoutGuard applies the per-account brute-force lockout.
type LockoutGuard struct {
	users     CredentialStore
	threshold int
	duration  time.Duration
	now       func() time.Time
}

type LockoutOption func(*LockoutGuard)

func WithLockoutThreshold(n int) LockoutOption {
	return func(g *LockoutGuard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

func WithLockoutDuration(d time.Duration) LockoutOption {
	return func(g *LockoutGuard) {
		if d > 0 {
			g.duration = d
		}
	}
}

func WithLockoutClock(fn func() time.Time) LockoutOption {
	return func(g *LockoutGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewLockoutGuard(users CredentialStore, opts ...LockoutOption) *LockoutGuard {
	g := &LockoutGuard{
		users:     users,
		threshold: DefaultLockoutThreshold,
		duration:  DefaultLockoutDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Locked reports whether user is inside an active lock window at now.
func (g *LockoutGuard) Locked(user User, now time.Time) bool {
	return user.LockUntil != nil && user.LockUntil.After(now)
}

// Now returns the guard's clock reading.
func (g *LockoutGuard) Now() time.Time { return g.now() }

// RecordFailure counts a failed password check for user. A lock that has
// already passed restarts the cycle at one; otherwise the counter is bumped
// and the account is locked once it reaches the threshold.
func (g *LockoutGuard) RecordFailure(ctx context.Context, user User) (LockoutState, error) {
	now := g.now()
	var state LockoutState
	if user.LockUntil != nil && !user.LockUntil.After(now) {
		restarted, err := g.users.RestartFailureCycle(ctx, user.ID, now)
		if err != nil {
			return LockoutState{}, err
		}
		if restarted {
			state = LockoutState{Attempts: 1, Restarted: true}
		}
	}
	if !state.Restarted {
		// Another request may have restarted the cycle first; counting on top of it is correct.
		attempts, err := g.users.IncrementFailedAttempts(ctx, user.ID)
		if err != nil {
			return LockoutState{}, err
		}
		state.Attempts = attempts
	}
	if state.Attempts >= g.threshold {
		until := now.Add(g.duration)
		if err := g.users.SetLockUntil(ctx, user.ID, until); err != nil {
			return state, err
		}
		state.Locked = true
		state.LockUntil = &until
	}
	return state, nil
}

// RecordSuccess clears the counter and lock and stamps the login time.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, user User) error {
	return g.users.ClearFailures(ctx, user.ID, g.now())
}
