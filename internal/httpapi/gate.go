package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// guard authorizes the request against req and attaches the principal and
// raw token to the context. The gate audits the decision itself.
func (a *API) guard(req auth.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// A missing or malformed header is passed through as an empty
			// token so the gate denies and audits it like any other.
			token := extractBearerToken(r.Header.Get(authHeader))
			principal, err := a.deps.Gate.Authorize(r.Context(), token, audit.OriginFromContext(r.Context()), req)
			if err != nil {
				a.handleServiceError(w, r, err)
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), principal)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// handleServiceError is the single place errors become HTTP responses.
func (a *API) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if d, ok := auth.AsDenial(err); ok {
		writeError(w, r, d.Status, string(d.Code), d.Message, d.Missing...)
		return
	}
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		if secs := int(locked.Until.Sub(a.now()).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, r, http.StatusLocked, string(auth.CodeAccountLocked), err.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, string(auth.CodeAccountLocked), err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
	case errors.Is(err, auth.ErrAccountInactive):
		writeError(w, r, http.StatusForbidden, "ACCOUNT_INACTIVE", "account is not active")
	case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, string(auth.CodeTokenInvalid), "invalid token")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	default:
		a.logger.Error("request failed",
			"request_id", audit.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
