package statusapi

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/pointcloud/internal/recovery"
)

// RenderService is the health service name that follows the rendering
// context. The empty service reports process liveness.
const RenderService = "pointcloud.render"

// Health mirrors the recovery manager's phase into a gRPC health server.
type Health struct {
	srv   *health.Server
	stops []func()
}

// NewHealth starts mirroring m.
func NewHealth(m *recovery.Manager) *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.set(m.Phase())
	h.stops = []func(){
		m.SubscribeLost(func(st recovery.ContextState) { h.set(st.Phase) }),
		m.SubscribeRestored(func(st recovery.ContextState) { h.set(st.Phase) }),
		m.SubscribeFailed(func(st recovery.ContextState, _ error) { h.set(st.Phase) }),
	}
	return h
}

func (h *Health) set(p recovery.Phase) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if p.Usable() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(RenderService, status)
}

// Check reports the status of service.
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Register adds the health service to s.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Close stops mirroring and marks every service NOT_SERVING.
func (h *Health) Close() {
	for _, stop := range h.stops {
		stop()
	}
	h.stops = nil
	h.srv.Shutdown()
}

// ServeGRPC serves the health service on addr until ctx is done.
func (h *Health) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s := grpc.NewServer()
	h.Register(s)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	logf("gRPC health listening on %s", lis.Addr())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
