package monitoring

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/control"
	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestProbe_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"UP"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	config, err := ParseTarget(srv.URL+"/health", time.Second)
	require.NoError(t, err)
	healthy, message, err := Probe(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Contains(t, message, "200")

	config.HTTP.URL = srv.URL + "/down"
	healthy, message, err = Probe(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.Contains(t, message, "503")
}

func TestProbe_GRPC(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcServer := grpc.NewServer()
	handler := control.RegisterGRPCHealthHandler(grpcServer, logging.NewNopLogger())
	go func() { _ = grpcServer.Serve(listener) }()
	defer grpcServer.Stop()

	config, err := ParseTarget("grpc://"+listener.Addr().String(), 2*time.Second)
	require.NoError(t, err)

	healthy, message, err := Probe(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.Contains(t, message, "NOT_SERVING")

	handler.SetServing()
	healthy, _, err = Probe(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestProbe_TCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()

	config, err := ParseTarget("tcp://"+address, time.Second)
	require.NoError(t, err)
	healthy, _, err := Probe(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, healthy)

	require.NoError(t, listener.Close())
	healthy, _, err = Probe(context.Background(), config, logging.NewNopLogger())
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestParseTarget_Invalid(t *testing.T) {
	for _, target := range []string{"", "localhost:8080", "ftp://host/health", "grpc://no-port", "tcp://", "http://"} {
		_, err := ParseTarget(target, time.Second)
		assert.True(t, errors.IsValidationError(err), target)
	}

	_, err := ParseTarget("http://localhost:8080/health", 0)
	assert.True(t, errors.IsValidationError(err))
}

func TestValidateHealthCheckRunOptions(t *testing.T) {
	assert.NoError(t, ValidateHealthCheckRunOptions(HealthCheckRunOptions{Interval: time.Second}, 500*time.Millisecond))
	assert.Error(t, ValidateHealthCheckRunOptions(HealthCheckRunOptions{}, time.Second))
	assert.Error(t, ValidateHealthCheckRunOptions(HealthCheckRunOptions{Interval: time.Second}, time.Second))
	assert.Error(t, ValidateHealthCheckRunOptions(HealthCheckRunOptions{Interval: time.Second, InitialDelay: -1}, 100*time.Millisecond))
}

func TestHealthMonitor_UpdateState(t *testing.T) {
	m := NewHealthMonitor(HealthCheckConfig{}, HealthCheckRunOptions{}, "test", logging.NewNopLogger()).(*healthMonitor)

	var transitions []string
	m.SetStatusChangeCallback(func(previous, current HealthCheckStatus, message string) {
		transitions = append(transitions, string(previous)+"->"+string(current))
	})

	now := time.Now()
	m.updateState(true, "ok", now)
	m.updateState(true, "ok", now)
	m.updateState(false, "refused", now)
	m.updateState(false, "refused", now)
	m.updateState(false, "refused", now)

	state := m.State()
	assert.Equal(t, HealthCheckStatusUnhealthy, state.Status)
	assert.Equal(t, 3, state.ConsecutiveFailures)
	assert.Equal(t, "refused", state.Message)
	assert.Equal(t, now, state.LastCheck)

	m.updateState(true, "ok", now)
	assert.Equal(t, HealthCheckStatusHealthy, m.State().Status)
	assert.Equal(t, 1, m.State().ConsecutiveSuccesses)

	assert.Equal(t, []string{
		"unknown->healthy",
		"healthy->degraded",
		"degraded->unhealthy",
		"unhealthy->healthy",
	}, transitions)
}

func TestHealthMonitor_StartPollsTarget(t *testing.T) {
	var mutex sync.Mutex
	up := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	config, err := ParseTarget(srv.URL, 100*time.Millisecond)
	require.NoError(t, err)
	m := NewHealthMonitor(config, HealthCheckRunOptions{Interval: 200 * time.Millisecond}, "srv", logging.NewNopLogger())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return m.State().Status == HealthCheckStatusHealthy }, 2*time.Second, 20*time.Millisecond)

	mutex.Lock()
	up = false
	mutex.Unlock()

	assert.Eventually(t, func() bool { return m.State().Status == HealthCheckStatusUnhealthy }, 3*time.Second, 20*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestHealthMonitor_StartRejectsInvalidConfig(t *testing.T) {
	m := NewHealthMonitor(HealthCheckConfig{Type: "exec", Timeout: time.Second}, HealthCheckRunOptions{Interval: 2 * time.Second}, "bad", logging.NewNopLogger())
	err := m.Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
}
