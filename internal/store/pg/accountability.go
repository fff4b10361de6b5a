package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
)

func (s *Store) InsertRevocation(ctx context.Context, r auth.Revocation) error {
	if s.db == nil {
		return errNoDB
	}
	revokedAt := r.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (token, user_id, reason, ip_address, user_agent, revoked_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, r.Token, r.UserID, string(r.Reason), r.IPAddress, r.UserAgent, revokedAt.UTC(), r.ExpiresAt.UTC())
	if err != nil {
		return mapWriteErr(err, auth.ErrNotFound)
	}
	return nil
}

func (s *Store) RevocationExists(ctx context.Context, token string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists (select 1 from revoked_tokens where token = $1)`, token).Scan(&exists)
	return exists, err
}

func (s *Store) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AppendAudit(ctx context.Context, rec auth.AuditRecord) error {
	if s.db == nil {
		return errNoDB
	}
	if rec.ID == "" {
		rec.ID = ids.NewPrefixed(ids.Audit)
	}
	details := []byte("{}")
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, user_id, action, resource, details, ip_address, user_agent, outcome, severity, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.UserID, string(rec.Action), string(rec.Resource), details,
		rec.IPAddress, rec.UserAgent, string(rec.Outcome), string(rec.Severity), createdAt.UTC())
	return err
}

// ListAudit returns matching records newest first.
func (s *Store) ListAudit(ctx context.Context, f auth.AuditFilter) ([]auth.AuditRecord, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Resource != "" {
		add("resource = $%d", string(f.Resource))
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until.UTC())
	}
	query := `select id, user_id, action, resource, details, ip_address, user_agent, outcome, severity, created_at from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, limitArg(f.Limit), f.Offset)
	query += fmt.Sprintf(" order by created_at desc, id desc limit $%d offset $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.AuditRecord{}
	for rows.Next() {
		var (
			rec                                 auth.AuditRecord
			action, resource, outcome, severity string
			raw                                 []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &action, &resource, &raw, &rec.IPAddress, &rec.UserAgent, &outcome, &severity, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Action = auth.AuditAction(action)
		rec.Resource = auth.AuditResource(resource)
		rec.Outcome = auth.AuditOutcome(outcome)
		rec.Severity = auth.AuditSeverity(severity)
		rec.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from audit_log where created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
