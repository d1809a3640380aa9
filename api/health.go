package api

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"embeddedtest/logger"
)

// HealthServer exposes readiness over the standard gRPC health protocol so
// gRPC-aware load balancers and probes can use it.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &HealthServer{srv: gs, health: hs}
}

// Serve blocks until Stop is called or ln fails.
func (h *HealthServer) Serve(ln net.Listener) error {
	logger.Info("grpc health listening", logger.FieldKV("addr", ln.Addr().String()))
	return h.srv.Serve(ln)
}

func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}

// WatchReadiness runs check every interval and mirrors the result into h
// until ctx ends.
func WatchReadiness(ctx context.Context, h *HealthServer, check func(context.Context) error, interval time.Duration) {
	run := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := check(cctx)
		if err != nil {
			logger.Debug("readiness check failed", logger.FieldKV("error", err.Error()))
		}
		h.SetServing(err == nil)
	}
	run()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}
