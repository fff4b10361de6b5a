package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/obs"
)

const (
	DefaultQueueSize  = 1024
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	writeTimeout      = 5 * time.Second
)

var _ auth.Auditor = (*Sink)(nil)

// Sink is the best-effort audit trail. Record hands entries to a bounded
// queue drained by a single writer; a full queue drops the entry.
type Sink struct {
	store  auth.AuditStore
	queue  chan auth.AuditRecord
	logger *slog.Logger
	now    func() time.Time

	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

type Option func(*Sink)

func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queue = make(chan auth.AuditRecord, n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Sink) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewSink(store auth.AuditStore, opts ...Option) (*Sink, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	s := &Sink{
		store:  store,
		queue:  make(chan auth.AuditRecord, DefaultQueueSize),
		logger: obs.Logger(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record enqueues ev without blocking. It never reports failure to the caller.
func (s *Sink) Record(ctx context.Context, ev auth.AuditEvent) {
	if !ev.Action.Valid() {
		s.logger.Error("audit action rejected", "action", string(ev.Action))
		obs.AuditRecords.WithLabelValues("rejected").Inc()
		return
	}
	if s.closed.Load() {
		s.logger.Warn("audit sink closed, dropping entry", "action", string(ev.Action))
		obs.AuditRecords.WithLabelValues("dropped").Inc()
		return
	}
	rec := s.build(ctx, ev)
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("audit queue full, dropping entry",
			"action", string(rec.Action),
			"resource", string(rec.Resource),
			"user_id", rec.UserID,
		)
		obs.AuditRecords.WithLabelValues("dropped").Inc()
	}
}

func (s *Sink) build(ctx context.Context, ev auth.AuditEvent) auth.AuditRecord {
	origin := ev.Origin
	if origin.IsZero() {
		origin = OriginFromContext(ctx)
	}
	details := make(map[string]any, len(ev.Details)+1)
	for k, v := range ev.Details {
		details[k] = v
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		details["request_id"] = rid
	}
	if origin.Endpoint != "" {
		if _, ok := details["endpoint"]; !ok {
			details["endpoint"] = origin.Endpoint
		}
	}
	rec := auth.AuditRecord{
		ID:        ids.NewPrefixed(ids.Audit),
		UserID:    ev.UserID,
		Action:    ev.Action,
		Resource:  ev.Resource,
		Details:   details,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
		Outcome:   ev.Outcome,
		Severity:  ev.Severity,
		CreatedAt: s.now().UTC(),
	}
	if rec.Resource == "" {
		rec.Resource = auth.ResourceSystem
	}
	if rec.Outcome == "" {
		rec.Outcome = auth.OutcomeSuccess
	}
	if rec.Severity == "" {
		rec.Severity = auth.SeverityLow
	}
	return rec
}

// Run writes queued records serially until ctx is cancelled or Close is
// called, then drains what is left.
func (s *Sink) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-ctx.Done():
			// Nothing reads the queue after this; refuse new records.
			s.closed.Store(true)
			s.drain()
			return
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// Close stops accepting records and waits for the writer to drain.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
	if s.started.CompareAndSwap(false, true) {
		// Run never started; it will now return immediately.
		s.drain()
		close(s.done)
		return
	}
	<-s.done
}

func (s *Sink) drain() {
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		default:
			return
		}
	}
}

func (s *Sink) write(rec auth.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.store.AppendAudit(ctx, rec); err != nil {
		s.logger.Error("audit write failed",
			"action", string(rec.Action),
			"user_id", rec.UserID,
			"error", err,
		)
		obs.AuditRecords.WithLabelValues("failed").Inc()
		return
	}
	obs.AuditRecords.WithLabelValues("written").Inc()
}

// Query reads the trail directly from the store, newest first.
func (s *Sink) Query(ctx context.Context, filter auth.AuditFilter) ([]auth.AuditRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	if filter.Limit > maxQueryLimit {
		filter.Limit = maxQueryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListAudit(ctx, filter)
}
