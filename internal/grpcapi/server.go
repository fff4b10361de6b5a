package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/obs"
)

// ServiceName is reported by the health service.
const ServiceName = "aegis"

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// Checker reports whether a backing dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// Server bundles the gRPC server with its health service.
type Server struct {
	*grpc.Server
	health *health.Server
	ready  []Checker
}

// NewServer builds a gRPC server guarded by gate. The standard health
// service is always public.
func NewServer(gate *auth.Gate, policy Policy, ready []Checker, opts ...grpc.ServerOption) *Server {
	intercept := UnaryAuthInterceptor(gate, policy, WithPublicMethods(healthCheckMethod))
	opts = append(opts, grpc.ChainUnaryInterceptor(intercept))

	s := &Server{
		Server: grpc.NewServer(opts...),
		health: health.NewServer(),
		ready:  ready,
	}
	healthpb.RegisterHealthServer(s.Server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Health exposes the health server so callers can register extra services.
func (s *Server) Health() *health.Server { return s.health }

// Probe pings every checker and publishes the result on the health service.
func (s *Server) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.ready {
		if err := c.Ping(ctx); err != nil {
			obs.Logger().Warn("grpc readiness failed", "error", err)
			st = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st == healthpb.HealthCheckResponse_SERVING
}

// WatchReadiness probes every interval until ctx ends.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Stop marks the service as not serving and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}

// Shutdown stops gracefully, closing any RPCs still open once ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.Server.Stop()
		<-done
		return ctx.Err()
	}
}
