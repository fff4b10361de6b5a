package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis.dev/internal/obs"
)

// Ledger is the token blacklist. Validity is never looked up in a session
// table; a token is usable until it expires or appears here.
type Ledger struct {
	store RevocationStore
	codec *Codec
	now   func() time.Time
}

type LedgerOption func(*Ledger)

func WithLedgerClock(fn func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewLedger(store RevocationStore, codec *Codec, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	l := &Ledger{store: store, codec: codec, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Revoke blacklists token until its own expiry. Revoking the same token twice
// is not an error. An empty userID is taken from the token subject.
func (l *Ledger) Revoke(ctx context.Context, token, userID string, reason RevocationReason, origin Origin) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: unsupported revocation reason %q", ErrInvalidInput, reason)
	}
	expiresAt, subject, err := l.codec.ExpiryOf(token)
	if err != nil {
		return fmt.Errorf("%w: token is not a session token", ErrInvalidInput)
	}
	if userID == "" {
		userID = subject
	}
	err = l.store.InsertRevocation(ctx, Revocation{
		Token:     token,
		UserID:    userID,
		Reason:    reason,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
		RevokedAt: l.now().UTC(),
		ExpiresAt: expiresAt.UTC(),
	})
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	obs.TokensRevoked.WithLabelValues(string(reason)).Inc()
	return nil
}

// IsRevoked is a point lookup by the exact token.
func (l *Ledger) IsRevoked(ctx context.Context, token string) (bool, error) {
	return l.store.RevocationExists(ctx, strings.TrimSpace(token))
}

// Prune drops entries whose tokens have expired anyway.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	return l.store.DeleteExpiredRevocations(ctx, l.now().UTC())
}
