package control

import (
	"context"

	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthGateway queries a remote grpc.health.v1 service
type HealthGateway interface {
	Check(ctx context.Context, service string) (string, error)
}

func NewGRPCHealthGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) HealthGateway {
	return &grpcHealthGateway{
		grpcClient: healthpb.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

type grpcHealthGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

// Check returns the serving status name, e.g. "SERVING"
func (gw *grpcHealthGateway) Check(ctx context.Context, service string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		gw.logger.Errorf("Health check client gateway: %v", err)
		return "", err
	}
	gw.logger.Debugf("Health check client gateway done, service: %q, status: %s", service, response.GetStatus())
	return response.GetStatus().String(), nil
}
