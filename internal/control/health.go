// Package control exposes the master's health over a unix socket using the
// standard gRPC health service, for preforkctl and container-level probes.
package control

import (
	"context"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type HealthServer struct {
	health *health.Server
}

func NewHealthServer() *HealthServer {
	return &HealthServer{health: health.NewServer()}
}

// SetServing marks the dispatcher ready to accept traffic.
func (h *HealthServer) SetServing() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// SetNotServing marks the dispatcher as draining; probes fail from here on.
func (h *HealthServer) SetNotServing() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// ListenAndServe serves the health service on a unix socket and blocks until
// ctx is cancelled.
func (h *HealthServer) ListenAndServe(ctx context.Context, socketPath string) error {
	// Remove stale socket from a previous run (may not exist).
	_ = os.Remove(socketPath)
	defer func() { _ = os.Remove(socketPath) }()

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", socketPath, err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.health)

	// Shut down when ctx is cancelled.
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	if err := srv.Serve(ln); err != nil {
		return fmt.Errorf("serve control socket: %w", err)
	}
	return nil
}

// Check dials the control socket and returns the reported serving status.
func Check(ctx context.Context, socketPath string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := Dial(socketPath)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}
