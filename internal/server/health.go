package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported alongside the overall status.
const HealthService = "stream.gateway.v1.Gateway"

// Health serves grpc.health.v1 so orchestrators can probe the gateway with
// standard tooling (grpc_health_probe, grpcurl).
type Health struct {
	srv *grpc.Server
	hs  *health.Server
	log *slog.Logger
}

// NewHealth builds a health server that starts out NOT_SERVING.
func NewHealth(logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	h := &Health{srv: srv, hs: hs, log: logger}
	h.SetServing(false)
	return h
}

// SetServing flips the overall and gateway service status.
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(HealthService, st)
}

// Serve listens on addr until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (h *Health) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		h.log.Info("server.grpc.listening", "addr", lis.Addr().String())
		errCh <- h.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	h.SetServing(false)
	h.hs.Shutdown()
	h.srv.GracefulStop()
	h.log.Info("server.grpc.stopped")
	return nil
}
