package audit

import (
	"context"
	"strings"

	"aegis.dev/internal/auth"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	originKey    ctxKey = "audit_origin"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestOrigin attaches the caller's address and user agent.
func WithRequestOrigin(ctx context.Context, origin auth.Origin) context.Context {
	if origin.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, originKey, origin)
}

func OriginFromContext(ctx context.Context) auth.Origin {
	if ctx == nil {
		return auth.Origin{}
	}
	if v, ok := ctx.Value(originKey).(auth.Origin); ok {
		return v
	}
	return auth.Origin{}
}
