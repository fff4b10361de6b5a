// Package httpapi exposes the authorization core over HTTP. Every protected
// route goes through auth.Gate; handlers only translate JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
	"aegis.dev/internal/obs"
)

// Checker reports whether a backing dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// Options tunes the transport. Zero values fall back to defaults.
type Options struct {
	Version      string
	CORSOrigins  []string
	MaxBodyBytes int64
	// Login and registration are rate limited per client address.
	RatePerSecond float64
	RateBurst     int
	Logger        *slog.Logger
	Ready         []Checker
	Clock         func() time.Time
}

// Deps are the services the API drives.
type Deps struct {
	Gate    *auth.Gate
	Service *auth.Service
	RBAC    *auth.RBACService
	Audit   *audit.Sink
	// Janitor is optional; without it the retention endpoint answers 503.
	Janitor *audit.Janitor
}

// API is the HTTP layer.
type API struct {
	router  chi.Router
	deps    Deps
	opts    Options
	logger  *slog.Logger
	limiter *rateLimiter
	now     func() time.Time
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Gate == nil || deps.Service == nil || deps.RBAC == nil || deps.Audit == nil {
		return nil, errors.New("httpapi: gate, service, rbac and audit are required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = obs.Logger()
	}
	a := &API{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		limiter: newRateLimiter(opts.RatePerSecond, opts.RateBurst, 5*time.Minute),
		now:     opts.Clock,
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Logging(a.logger))
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
	r.Use(WithOrigin)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(a.limiter.Middleware).Post("/register", a.handleRegister)
			r.With(a.limiter.Middleware).Post("/login", a.handleLogin)
			r.With(a.guard(auth.Authenticated())).Post("/logout", a.handleLogout)
			r.With(a.guard(auth.Authenticated())).Get("/me", a.handleMe)
			r.With(a.guard(auth.Authenticated())).Get("/me/permissions", a.handleMyPermissions)
			r.With(a.guard(auth.Authenticated())).Put("/password", a.handleChangePassword)
			r.With(a.guard(auth.RequirePermission(auth.PermUserManage))).Post("/revoke", a.handleRevoke)
		})

		r.Route("/users", func(r chi.Router) {
			r.With(a.guard(auth.RequirePermission(auth.PermUserRead))).Get("/", a.handleListUsers)
			r.With(a.guard(auth.RequirePermission(auth.PermUserCreate))).Post("/", a.handleCreateUser)
			r.Route("/{id}", func(r chi.Router) {
				r.With(a.guard(auth.RequirePermission(auth.PermUserRead))).Get("/", a.handleGetUser)
				r.With(a.guard(auth.RequirePermission(auth.PermUserUpdate))).Patch("/", a.handleUpdateUser)
				r.With(a.guard(auth.RequirePermission(auth.PermUserDelete))).Delete("/", a.handleDeleteUser)
				r.With(a.guard(auth.RequirePermission(auth.PermUserManage))).Put("/role", a.handleSetPrimaryRole)
				r.With(a.guard(auth.RequirePermission(auth.PermUserManage))).Post("/roles", a.handleAddRole)
				r.With(a.guard(auth.RequirePermission(auth.PermUserManage))).Delete("/roles/{roleID}", a.handleRemoveRole)
				r.With(a.guard(auth.RequirePermission(auth.PermUserManage))).Put("/status", a.handleSetStatus)
			})
		})

		r.Route("/roles", func(r chi.Router) {
			r.With(a.guard(auth.RequirePermission(auth.PermRoleRead))).Get("/", a.handleListRoles)
			r.With(a.guard(auth.RequirePermission(auth.PermRoleCreate))).Post("/", a.handleCreateRole)
			r.Route("/{id}", func(r chi.Router) {
				r.With(a.guard(auth.RequirePermission(auth.PermRoleRead))).Get("/", a.handleGetRole)
				r.With(a.guard(auth.RequirePermission(auth.PermRoleUpdate))).Patch("/", a.handleUpdateRole)
				r.With(a.guard(auth.RequirePermission(auth.PermRoleDelete))).Delete("/", a.handleDeleteRole)
				r.With(a.guard(auth.RequirePermission(auth.PermRoleUpdate))).Put("/permissions", a.handleSetRolePermissions)
			})
		})

		r.Route("/permissions", func(r chi.Router) {
			r.With(a.guard(auth.RequirePermission(auth.PermPermissionRead))).Get("/", a.handleListPermissions)
			r.With(a.guard(auth.RequirePermission(auth.PermPermissionCreate))).Post("/", a.handleCreatePermission)
			r.With(a.guard(auth.RequirePermission(auth.PermPermissionUpdate))).Patch("/{id}", a.handleUpdatePermission)
		})

		r.With(a.guard(auth.RequirePermission(auth.PermAuditRead))).Get("/audit", a.handleListAudit)
		r.With(a.guard(auth.RequireSuperAdmin())).Delete("/audit/retention", a.handleRetention)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// Handler returns the routed handler wrapped with request metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.limiter.Stop()
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aegis",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range a.opts.Ready {
		if err := c.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	Missing   []string `json:"missing,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, missing ...string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		Missing:   missing,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		case errors.As(err, &maxErr):
			return errors.New("request body too large")
		default:
			return errors.New("invalid JSON body")
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
