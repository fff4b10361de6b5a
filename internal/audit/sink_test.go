package audit

import (
	"context"
	"testing"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/store/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func TestSinkRecordFillsDefaultsAndOrigin(t *testing.T) {
	store := memory.New()
	sink, err := NewSink(store, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithRequestOrigin(ctx, auth.Origin{IPAddress: "192.0.2.7", UserAgent: "curl/8", Endpoint: "DELETE /v1/roles/:id"})
	sink.Record(ctx, auth.AuditEvent{UserID: "usr_1", Action: auth.AuditRoleDelete, Details: map[string]any{"role_id": "rol_1"}})
	sink.Close()

	recs, err := sink.Query(context.Background(), auth.AuditFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if !ids.HasPrefix(rec.ID, ids.Audit) {
		t.Fatalf("unexpected id %q", rec.ID)
	}
	if rec.Resource != auth.ResourceSystem || rec.Outcome != auth.OutcomeSuccess || rec.Severity != auth.SeverityLow {
		t.Fatalf("defaults not applied: %+v", rec)
	}
	if rec.IPAddress != "192.0.2.7" || rec.UserAgent != "curl/8" {
		t.Fatalf("origin not taken from context: %+v", rec)
	}
	if rec.Details["request_id"] != "req-1" || rec.Details["endpoint"] != "DELETE /v1/roles/:id" || rec.Details["role_id"] != "rol_1" {
		t.Fatalf("unexpected details: %v", rec.Details)
	}
	if !rec.CreatedAt.Equal(testNow) {
		t.Fatalf("created_at=%v", rec.CreatedAt)
	}
}

func TestSinkExplicitOriginWins(t *testing.T) {
	store := memory.New()
	sink, err := NewSink(store)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	ctx := WithRequestOrigin(context.Background(), auth.Origin{IPAddress: "10.0.0.1"})
	sink.Record(ctx, auth.AuditEvent{Action: auth.AuditLogin, Origin: auth.Origin{IPAddress: "10.0.0.2"}})
	sink.Close()

	recs, _ := sink.Query(context.Background(), auth.AuditFilter{})
	if len(recs) != 1 || recs[0].IPAddress != "10.0.0.2" {
		t.Fatalf("explicit origin must win: %+v", recs)
	}
}

func TestSinkRejectsUnknownAction(t *testing.T) {
	store := memory.New()
	sink, _ := NewSink(store)
	sink.Record(context.Background(), auth.AuditEvent{Action: "teleport"})
	sink.Close()
	recs, _ := sink.Query(context.Background(), auth.AuditFilter{})
	if len(recs) != 0 {
		t.Fatalf("unknown action must not be stored: %+v", recs)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	store := memory.New()
	sink, _ := NewSink(store, WithQueueSize(2))
	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), auth.AuditEvent{Action: auth.AuditFailedLogin})
	}
	sink.Close()
	recs, _ := sink.Query(context.Background(), auth.AuditFilter{})
	if len(recs) != 2 {
		t.Fatalf("expected queue capacity to bound stored records, got %d", len(recs))
	}

	sink.Record(context.Background(), auth.AuditEvent{Action: auth.AuditLogin})
	recs, _ = sink.Query(context.Background(), auth.AuditFilter{})
	if len(recs) != 2 {
		t.Fatal("records after Close must be dropped")
	}
}

type blockingStore struct {
	*memory.Store
	release chan struct{}
}

func (b *blockingStore) AppendAudit(ctx context.Context, rec auth.AuditRecord) error {
	<-b.release
	return b.Store.AppendAudit(ctx, rec)
}

func TestSinkRunDrainsOnClose(t *testing.T) {
	store := &blockingStore{Store: memory.New(), release: make(chan struct{})}
	sink, _ := NewSink(store, WithQueueSize(16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	for i := 0; i < 10; i++ {
		sink.Record(context.Background(), auth.AuditEvent{Action: auth.AuditAccessGranted})
	}
	close(store.release)
	sink.Close()

	recs, err := store.ListAudit(context.Background(), auth.AuditFilter{Limit: 100})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("expected every queued record to be written, got %d", len(recs))
	}
}

func TestSinkRefusesRecordsAfterRunCancelled(t *testing.T) {
	store := memory.New()
	sink, _ := NewSink(store, WithQueueSize(4))

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(exited)
	}()
	sink.Record(context.Background(), auth.AuditEvent{Action: auth.AuditLogin})
	cancel()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sink.Record(context.Background(), auth.AuditEvent{Action: auth.AuditLogout})
	if n := len(sink.queue); n != 0 {
		t.Fatalf("record queued with no writer running: %d pending", n)
	}
	sink.Close()

	recs, _ := store.ListAudit(context.Background(), auth.AuditFilter{})
	if len(recs) != 1 || recs[0].Action != auth.AuditLogin {
		t.Fatalf("expected only the record accepted before cancel, got %+v", recs)
	}
}

func TestSinkRecordNeverBlocksOnSlowStore(t *testing.T) {
	store := &blockingStore{Store: memory.New(), release: make(chan struct{})}
	sink, _ := NewSink(store, WithQueueSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			sink.Record(context.Background(), auth.AuditEvent{Action: auth.AuditAccessDenied})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled store")
	}
	close(store.release)
	cancel()
	sink.Close()
}

func TestSinkQueryFilters(t *testing.T) {
	store := memory.New()
	sink, _ := NewSink(store)
	sink.Record(context.Background(), auth.AuditEvent{UserID: "usr_a", Action: auth.AuditLogin, Resource: auth.ResourceAuth})
	sink.Record(context.Background(), auth.AuditEvent{UserID: "usr_b", Action: auth.AuditLogin, Resource: auth.ResourceAuth})
	sink.Record(context.Background(), auth.AuditEvent{UserID: "usr_a", Action: auth.AuditAccessDenied, Outcome: auth.OutcomeWarning, Severity: auth.SeverityMedium})
	sink.Close()

	recs, err := sink.Query(context.Background(), auth.AuditFilter{UserID: "usr_a"})
	if err != nil || len(recs) != 2 {
		t.Fatalf("user filter: %d records, err=%v", len(recs), err)
	}
	recs, _ = sink.Query(context.Background(), auth.AuditFilter{Outcome: auth.OutcomeWarning})
	if len(recs) != 1 || recs[0].Action != auth.AuditAccessDenied {
		t.Fatalf("outcome filter: %+v", recs)
	}
	recs, _ = sink.Query(context.Background(), auth.AuditFilter{Limit: 1})
	if len(recs) != 1 {
		t.Fatalf("limit not applied: %d", len(recs))
	}
}
