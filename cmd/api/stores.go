package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/config"
	"aegis.dev/internal/migrate"
	"aegis.dev/internal/store/memory"
	"aegis.dev/internal/store/pg"
	"aegis.dev/internal/store/redisstore"
	"aegis.dev/internal/store/sqlite"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// backends is the resolved set of stores. Identity lives in Postgres when a
// DSN is configured and in memory otherwise; revocations prefer Redis, then
// Postgres, then SQLite; audit prefers Postgres, then SQLite.
type backends struct {
	users       auth.CredentialStore
	roles       auth.RoleStore
	perms       auth.PermissionStore
	revocations auth.RevocationStore
	audit       auth.AuditStore

	ready   []pinger
	closers []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackends(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	mem := memory.New()
	b.users, b.roles, b.perms = mem, mem, mem
	b.revocations, b.audit = mem, mem

	var sq *sqlite.Store
	if cfg.SQLitePath != "" {
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sq = s
		b.closers = append(b.closers, s)
		b.ready = append(b.ready, s)
		b.revocations, b.audit = s, s
		logger.Info("sqlite store enabled", "path", cfg.SQLitePath)
	}

	if cfg.PostgresDSN != "" {
		s, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, s)
		if err := s.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := migrate.ForPostgres(s.DB(), nil).Up(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		b.ready = append(b.ready, s)
		b.users, b.roles, b.perms = s, s, s
		b.revocations, b.audit = s, s
		if sq != nil {
			logger.Warn("postgres configured; sqlite store left idle")
		}
		logger.Info("postgres store enabled")
	}

	if cfg.RedisAddr != "" {
		s, err := redisstore.NewRevocationStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.closers = append(b.closers, s)
		if err := s.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.ready = append(b.ready, s)
		b.revocations = s
		logger.Info("redis revocation ledger enabled", "addr", cfg.RedisAddr)
	}

	if cfg.PostgresDSN == "" {
		logger.Warn("no postgres DSN; users and roles are kept in memory")
	}
	return b, nil
}
