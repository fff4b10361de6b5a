package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/obs"
)

const (
	DefaultRetention       = 90 * 24 * time.Hour
	DefaultJanitorInterval = time.Hour
)

// Pruner drops revocations whose tokens have expired.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Janitor enforces audit retention and clears expired revocations.
type Janitor struct {
	store     auth.AuditStore
	pruner    Pruner
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type JanitorOption func(*Janitor)

func WithRetention(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.retention = d
		}
	}
}

func WithInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

func WithJanitorClock(fn func() time.Time) JanitorOption {
	return func(j *Janitor) {
		if fn != nil {
			j.now = fn
		}
	}
}

// NewJanitor builds a janitor; pruner may be nil when revocations expire on their own.
func NewJanitor(store auth.AuditStore, pruner Pruner, opts ...JanitorOption) (*Janitor, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	j := &Janitor{
		store:     store,
		pruner:    pruner,
		retention: DefaultRetention,
		interval:  DefaultJanitorInterval,
		logger:    obs.Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// SweepResult counts what one pass removed.
type SweepResult struct {
	AuditDeleted       int64     `json:"audit_deleted"`
	RevocationsDeleted int64     `json:"revocations_deleted"`
	Cutoff             time.Time `json:"cutoff"`
}

// RunOnce performs a single retention pass.
func (j *Janitor) RunOnce(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Cutoff: j.now().UTC().Add(-j.retention)}
	n, err := j.store.DeleteAuditBefore(ctx, res.Cutoff)
	if err != nil {
		return res, err
	}
	res.AuditDeleted = n
	if j.pruner != nil {
		n, err := j.pruner.Prune(ctx)
		if err != nil {
			return res, err
		}
		res.RevocationsDeleted = n
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := j.RunOnce(ctx)
			if err != nil {
				j.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if res.AuditDeleted > 0 || res.RevocationsDeleted > 0 {
				j.logger.Info("retention sweep",
					"audit_deleted", res.AuditDeleted,
					"revocations_deleted", res.RevocationsDeleted,
					"cutoff", res.Cutoff,
				)
			}
		}
	}
}
