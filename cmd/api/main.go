package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
	"aegis.dev/internal/config"
	"aegis.dev/internal/grpcapi"
	"aegis.dev/internal/httpapi"
	"aegis.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		obs.Logger().Error("config", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(obs.LogOptions{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: cfg.Service,
		Version: version,
	})
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(cfg.Service, version, commit)

	if err := run(cfg); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := obs.Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	stores, err := openBackends(startCtx, cfg.Storage, logger)
	cancelStart()
	if err != nil {
		return err
	}
	defer stores.Close()

	hasher, err := auth.NewBcryptHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	if err := auth.Bootstrap(ctx, stores.perms, stores.roles, stores.users, hasher, auth.BootstrapAdmin{
		Name:     cfg.Admin.Name,
		Email:    cfg.Admin.Email,
		Password: cfg.Admin.Password,
	}); err != nil {
		return err
	}

	codec, err := auth.NewCodec([]byte(cfg.Auth.Secret),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return err
	}
	ledger, err := auth.NewLedger(stores.revocations, codec)
	if err != nil {
		return err
	}
	lockout := auth.NewLockoutGuard(stores.users,
		auth.WithLockoutThreshold(cfg.Lockout.Threshold),
		auth.WithLockoutDuration(cfg.Lockout.Duration),
	)

	sink, err := audit.NewSink(stores.audit, audit.WithQueueSize(cfg.Audit.QueueSize), audit.WithLogger(logger))
	if err != nil {
		return err
	}
	janitor, err := audit.NewJanitor(stores.audit, ledger,
		audit.WithRetention(cfg.Audit.Retention),
		audit.WithInterval(cfg.Audit.JanitorInterval),
		audit.WithJanitorLogger(logger),
	)
	if err != nil {
		return err
	}

	gate, err := auth.NewGate(codec, ledger, stores.users, stores.roles,
		auth.WithGateAuditor(sink), auth.WithGateLockout(lockout))
	if err != nil {
		return err
	}
	svc, err := auth.NewService(stores.users, stores.roles, codec, ledger,
		auth.WithAuditor(sink),
		auth.WithHasher(hasher),
		auth.WithLockout(lockout),
		auth.WithDefaultRole(cfg.Auth.DefaultRole),
	)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(stores.users, stores.roles, stores.perms,
		auth.WithRBACAuditor(sink), auth.WithRBACHasher(hasher))
	if err != nil {
		return err
	}

	httpReady := make([]httpapi.Checker, 0, len(stores.ready))
	grpcReady := make([]grpcapi.Checker, 0, len(stores.ready))
	for _, p := range stores.ready {
		httpReady = append(httpReady, p)
		grpcReady = append(grpcReady, p)
	}

	api, err := httpapi.New(httpapi.Deps{
		Gate:    gate,
		Service: svc,
		RBAC:    rbac,
		Audit:   sink,
		Janitor: janitor,
	}, httpapi.Options{
		Version:       version,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		RatePerSecond: cfg.Limits.PerSecond,
		RateBurst:     cfg.Limits.Burst,
		Logger:        logger,
		Ready:         httpReady,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	grpcSrv := grpcapi.NewServer(gate, grpcapi.Policy{}, grpcReady)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sink.Run(bgCtx) }()
	go func() { defer wg.Done(); janitor.Run(bgCtx) }()
	go func() { defer wg.Done(); grpcSrv.WatchReadiness(bgCtx, 15*time.Second) }()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	if gerr := grpcSrv.Shutdown(shutdownCtx); gerr != nil {
		logger.Warn("grpc shutdown", "error", gerr)
	}

	// Drain queued audit records before the stores close.
	sink.Close()
	cancelBg()
	wg.Wait()
	logger.Info("stopped")
	return err
}
