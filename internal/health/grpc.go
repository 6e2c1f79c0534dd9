package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the
// server-wide ("") status.
const ServiceName = "fiscalmind.Gateway"

// GRPCReporter mirrors the locator state into a grpc.health.v1 server.
type GRPCReporter struct {
	server   *health.Server
	locator  StateSource
	interval time.Duration
	logger   *zap.SugaredLogger
	last     healthpb.HealthCheckResponse_ServingStatus
}

func NewGRPCReporter(locator StateSource, interval time.Duration, logger *zap.SugaredLogger) *GRPCReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &GRPCReporter{
		server:   health.NewServer(),
		locator:  locator,
		interval: interval,
		logger:   logger,
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
}

// Server is registered with healthpb.RegisterHealthServer.
func (g *GRPCReporter) Server() *health.Server {
	return g.server
}

// Update publishes SERVING when a backend has been discovered and
// NOT_SERVING when nothing is cached or only the fallback is.
func (g *GRPCReporter) Update() healthpb.HealthCheckResponse_ServingStatus {
	state := g.locator.State()

	status := healthpb.HealthCheckResponse_SERVING
	if state.URL == "" || state.Fallback() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	g.server.SetServingStatus("", status)
	g.server.SetServingStatus(ServiceName, status)

	if status != g.last {
		g.logger.Infow("gRPC health status changed",
			"status", status.String(),
			"url", state.URL,
			"source", state.Source,
		)
		g.last = status
	}
	return status
}

// Run updates the status every interval until ctx is done, then marks the
// server as shutting down.
func (g *GRPCReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.Update()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.Update()
		}
	}
}
