// Package grpcapi serves the standard gRPC health protocol for the
// supervisor and for each supervised service.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/registry"
)

type ServiceLister interface {
	List() []registry.Service
}

type RuntimeStatus interface {
	Available() bool
}

// HealthReporter mirrors supervisor state into a health.Server. The empty
// service name reports the supervisor itself; every service id is reported
// under its own name.
type HealthReporter struct {
	server   *health.Server
	services ServiceLister
	runtime  RuntimeStatus
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

func NewHealthReporter(services ServiceLister, runtime RuntimeStatus, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthReporter{
		server:   health.NewServer(),
		services: services,
		runtime:  runtime,
		logger:   logger,
		known:    make(map[string]struct{}),
	}
}

// Sync publishes the current status of the supervisor and its services.
// Services that left the registry are reported as SERVICE_UNKNOWN.
func (h *HealthReporter) Sync() {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if h.runtime.Available() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", overall)

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{})
	for _, svc := range h.services.List() {
		seen[svc.ID] = struct{}{}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if svc.Status == constants.ServiceStatusRunning {
			status = healthpb.HealthCheckResponse_SERVING
		}
		h.server.SetServingStatus(svc.ID, status)
	}
	for id := range h.known {
		if _, ok := seen[id]; !ok {
			h.server.SetServingStatus(id, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	h.known = seen
}

// Run syncs once immediately and then on every tick until ctx is done.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	h.logger.Info("starting health sync", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}

// Shutdown marks everything NOT_SERVING ahead of a server stop.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

// NewServer builds a gRPC server exposing health checks and reflection.
func NewServer(h *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.server)
	reflection.Register(s)
	return s
}

// Serve listens on addr and serves s until it is stopped.
func Serve(s *grpc.Server, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server stopped: %w", err)
	}
	return nil
}
