// Package grpcapi puts the authorization gate in front of gRPC services.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
	"aegis.dev/internal/obs"
)

// ErrorDomain is the ErrorInfo domain attached to every denial.
const ErrorDomain = "aegis.dev"

const (
	authorizationKey = "authorization"
	requestIDKey     = "x-request-id"
	userAgentKey     = "user-agent"
)

// Policy maps a full method name ("/pkg.Service/Method") to its requirement.
type Policy map[string]auth.Requirement

type interceptorConfig struct {
	public map[string]struct{}
}

// InterceptorOption tunes UnaryAuthInterceptor.
type InterceptorOption func(*interceptorConfig)

// WithPublicMethods lets the named methods through without a token.
func WithPublicMethods(methods ...string) InterceptorOption {
	return func(c *interceptorConfig) {
		for _, m := range methods {
			c.public[m] = struct{}{}
		}
	}
}

// UnaryAuthInterceptor authorizes every call through gate. Methods absent
// from both policy and the public list are denied.
func UnaryAuthInterceptor(gate *auth.Gate, policy Policy, opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	cfg := interceptorConfig{public: make(map[string]struct{})}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx = audit.WithRequestID(ctx, requestID(md))
		origin := auth.Origin{
			IPAddress: peerIP(ctx),
			UserAgent: first(md, userAgentKey),
			Endpoint:  info.FullMethod,
		}
		ctx = audit.WithRequestOrigin(ctx, origin)

		if _, ok := cfg.public[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		requirement, ok := policy[info.FullMethod]
		if !ok {
			return nil, status.Errorf(codes.PermissionDenied, "method %s is not exposed", info.FullMethod)
		}

		token := bearerToken(first(md, authorizationKey))
		principal, err := gate.Authorize(ctx, token, origin, requirement)
		if err != nil {
			return nil, StatusFromError(err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

// StatusFromError converts a gate or service error into a gRPC status.
func StatusFromError(err error) error {
	if d, ok := auth.AsDenial(err); ok {
		return denialStatus(d)
	}
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked), errors.Is(err, auth.ErrAccountLocked):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrAccountInactive):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		obs.Logger().Error("grpc call failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func denialStatus(d *auth.Denial) error {
	code := codes.Unauthenticated
	switch d.Code {
	case auth.CodeAccountLocked:
		code = codes.FailedPrecondition
	case auth.CodeInsufficientPermissions, auth.CodeInsufficientRole, auth.CodeRequiresSuperAdmin:
		code = codes.PermissionDenied
	}
	st := status.New(code, d.Message)
	info := &errdetails.ErrorInfo{Reason: string(d.Code), Domain: ErrorDomain}
	if len(d.Missing) > 0 {
		info.Metadata = map[string]string{"missing": strings.Join(d.Missing, ",")}
	}
	if withDetails, err := st.WithDetails(info); err == nil {
		st = withDetails
	}
	return st.Err()
}

// DenialReason extracts the denial code a status carries, if any.
func DenialReason(err error) (auth.DenialCode, []string, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return "", nil, false
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			var missing []string
			if m := info.GetMetadata()["missing"]; m != "" {
				missing = strings.Split(m, ",")
			}
			return auth.DenialCode(info.GetReason()), missing, true
		}
	}
	return "", nil, false
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func requestID(md metadata.MD) string {
	id := strings.TrimSpace(first(md, requestIDKey))
	if id == "" || len(id) > 128 {
		return uuid.NewString()
	}
	return id
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
