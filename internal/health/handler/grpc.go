package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"telemetry-pipeline/internal/health"
)

// DefaultRefreshInterval is how often the gRPC health status is recomputed.
const DefaultRefreshInterval = 10 * time.Second

// GRPC publishes the checker's result through the standard grpc.health.v1.Health service. The
// overall status is registered under the empty service name; each dependency is also registered
// under its own name so callers can watch a single one.
type GRPC struct {
	srv      *grpchealth.Server
	checker  Checker
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPC returns a health service that starts NOT_SERVING until the first Refresh.
func NewGRPC(c Checker, interval time.Duration, logger *slog.Logger) *GRPC {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPC{srv: srv, checker: c, interval: interval, logger: logger}
}

// Register adds the health service to s.
func (g *GRPC) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, g.srv)
}

// Server returns the underlying health server.
func (g *GRPC) Server() healthpb.HealthServer { return g.srv }

// Refresh runs the checker once and updates every status.
func (g *GRPC) Refresh(ctx context.Context) {
	if g.checker == nil {
		g.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	rep := g.checker.Check(ctx)
	for name, dep := range rep.Dependencies {
		g.srv.SetServingStatus(name, servingStatus(dep.Status == health.StatusUp))
		if dep.Error != "" {
			g.logger.WarnContext(ctx, "dependency not ready", "dependency", name, "error", dep.Error)
		}
	}
	g.srv.SetServingStatus("", servingStatus(rep.Ready))
}

// Watch refreshes on the configured interval until ctx is done, then marks everything NOT_SERVING
// so clients drain before the listener closes.
func (g *GRPC) Watch(ctx context.Context) {
	g.Refresh(ctx)
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			g.srv.Shutdown()
			return
		case <-t.C:
			g.Refresh(ctx)
		}
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
