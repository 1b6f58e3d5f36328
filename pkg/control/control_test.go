package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startHealthServer(t *testing.T) (*HealthHandler, HealthGateway) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	handler := RegisterGRPCHealthHandler(grpcServer, logging.NewNopLogger())
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return handler, NewGRPCHealthGateway(conn, logging.NewNopLogger())
}

func check(t *testing.T, gw HealthGateway, service string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return gw.Check(ctx, service)
}

func TestHealth_ServingTransitions(t *testing.T) {
	handler, gw := startHealthServer(t)

	for _, service := range []string{"", ServiceName} {
		got, err := check(t, gw, service)
		require.NoError(t, err)
		assert.Equal(t, "NOT_SERVING", got)
	}

	handler.SetServing()
	for _, service := range []string{"", ServiceName} {
		got, err := check(t, gw, service)
		require.NoError(t, err)
		assert.Equal(t, "SERVING", got)
	}

	handler.SetNotServing()
	for _, service := range []string{"", ServiceName} {
		got, err := check(t, gw, service)
		require.NoError(t, err)
		assert.Equal(t, "NOT_SERVING", got)
	}

	handler.SetServing()
	got, err := check(t, gw, ServiceName)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", got, "not serving is reversible until shutdown")

	handler.Shutdown()
	handler.SetServing()
	got, err = check(t, gw, "")
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", got, "updates after shutdown are ignored")
}

func TestHealth_UnknownService(t *testing.T) {
	_, gw := startHealthServer(t)

	_, err := check(t, gw, "unknown.Service")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
