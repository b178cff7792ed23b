package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "telemetry-pipeline/internal/health/handler"
	"telemetry-pipeline/internal/server/interceptors"
)

// NewGRPCServer returns a gRPC server carrying the standard health service, traced through the
// global OTel providers and logged through logger.
func NewGRPCServer(h *healthhandler.GRPC, logger *slog.Logger) *grpc.Server {
	quiet := map[string]bool{
		healthpb.Health_Check_FullMethodName: true,
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.LoggingUnary(logger, quiet)),
	)
	if h != nil {
		h.Register(s)
	}
	return s
}
