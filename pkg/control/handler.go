// Package control exposes the server's liveness over the standard
// grpc.health.v1 protocol for supervisors that probe gRPC.
package control

import (
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported alongside the overall ("") status
const ServiceName = "pdm.sync.SyncServer"

type HealthHandler struct {
	server *health.Server
	logger logging.Logger
}

// RegisterGRPCHealthHandler registers the health service. Everything starts
// NOT_SERVING until SetServing is called.
func RegisterGRPCHealthHandler(grpcServerRegistrar grpc.ServiceRegistrar, logger logging.Logger) *HealthHandler {
	h := &HealthHandler{
		server: health.NewServer(),
		logger: logger,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServerRegistrar, h.server)
	return h
}

func (h *HealthHandler) SetServing() {
	h.set(healthpb.HealthCheckResponse_SERVING)
}

func (h *HealthHandler) SetNotServing() {
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown reports NOT_SERVING and ignores later updates
func (h *HealthHandler) Shutdown() {
	h.logger.Debugf("Health server handler shutting down")
	h.server.Shutdown()
}

func (h *HealthHandler) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
	h.logger.Debugf("Health server handler status: %s", status)
}
