// Package sqlite keeps the revocation blacklist and the audit trail in an
// embedded SQLite database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
	"aegis.dev/internal/migrate"
)

var (
	_ auth.RevocationStore = (*Store)(nil)
	_ auth.AuditStore      = (*Store)(nil)
)

// Times are stored as unix nanoseconds so range filters compare integers.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the bundled schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate.ForSQLite(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) InsertRevocation(ctx context.Context, r auth.Revocation) error {
	revokedAt := r.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (token, user_id, reason, ip_address, user_agent, revoked_at, expires_at)
		values (?, ?, ?, ?, ?, ?, ?)
		on conflict (token) do nothing
	`, r.Token, r.UserID, string(r.Reason), r.IPAddress, r.UserAgent, revokedAt.UnixNano(), r.ExpiresAt.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (s *Store) RevocationExists(ctx context.Context, token string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(1) from revoked_tokens where token = ?`, token).Scan(&n)
	return n > 0, err
}

func (s *Store) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendAudit(ctx context.Context, rec auth.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = ids.NewPrefixed(ids.Audit)
	}
	details := "{}"
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = string(b)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, user_id, action, resource, details, ip_address, user_agent, outcome, severity, created_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, string(rec.Action), string(rec.Resource), details,
		rec.IPAddress, rec.UserAgent, string(rec.Outcome), string(rec.Severity), createdAt.UnixNano())
	return err
}

func (s *Store) ListAudit(ctx context.Context, f auth.AuditFilter) ([]auth.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, string(f.Resource))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	query := `select id, user_id, action, resource, details, ip_address, user_agent, outcome, severity, created_at from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query += " order by created_at desc, id desc limit ? offset ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.AuditRecord{}
	for rows.Next() {
		var (
			rec                                          auth.AuditRecord
			action, resource, outcome, severity, details string
			created                                      int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &action, &resource, &details, &rec.IPAddress, &rec.UserAgent, &outcome, &severity, &created); err != nil {
			return nil, err
		}
		rec.Action = auth.AuditAction(action)
		rec.Resource = auth.AuditResource(resource)
		rec.Outcome = auth.AuditOutcome(outcome)
		rec.Severity = auth.AuditSeverity(severity)
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.Details = map[string]any{}
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_log where created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
