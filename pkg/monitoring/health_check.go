// Package monitoring probes a running sync server over HTTP, gRPC or TCP and
// tracks its health across repeated checks.
package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/control"
	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP HealthCheckType = "http"
	HealthCheckTypeGRPC HealthCheckType = "grpc"
	HealthCheckTypeTCP  HealthCheckType = "tcp"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type GRPCHealthCheckConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`
	GRPC GRPCHealthCheckConfig `yaml:"grpc,omitempty"`
	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type HealthCheckRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// StatusChangeCallback is invoked whenever the monitored status changes
type StatusChangeCallback func(previous, current HealthCheckStatus, message string)

// Probe runs a single check and reports whether the target is healthy along
// with a human readable message. A failed check is not an error: errors are
// reserved for invalid configuration.
func Probe(ctx context.Context, config HealthCheckConfig, logger logging.Logger) (bool, string, error) {
	if err := ValidateHealthCheckConfig(config); err != nil {
		return false, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	switch config.Type {
	case HealthCheckTypeHTTP:
		healthy, message := checkHTTP(ctx, config.HTTP, logger)
		return healthy, message, nil
	case HealthCheckTypeGRPC:
		healthy, message := checkGRPC(ctx, config.GRPC, logger)
		return healthy, message, nil
	case HealthCheckTypeTCP:
		healthy, message := checkTCP(ctx, config.TCP, logger)
		return healthy, message, nil
	}
	return false, "", errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
}

func checkHTTP(ctx context.Context, config HTTPHealthCheckConfig, logger logging.Logger) (bool, string) {
	logger.Debugf("Performing HTTP health check, url: %s", config.URL)

	method := config.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, config.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP health check passed: %s", resp.Status)
	}
	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

func checkGRPC(ctx context.Context, config GRPCHealthCheckConfig, logger logging.Logger) (bool, string) {
	logger.Debugf("Performing gRPC health check, address: %s, service: %q", config.Address, config.Service)

	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("gRPC client creation failed: %v", err)
	}
	defer conn.Close()

	status, err := control.NewGRPCHealthGateway(conn, logger).Check(ctx, config.Service)
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if status != "SERVING" {
		return false, fmt.Sprintf("gRPC health check failed: %s", status)
	}
	return true, fmt.Sprintf("gRPC health check passed: %s", status)
}

func checkTCP(ctx context.Context, config TCPHealthCheckConfig, logger logging.Logger) (bool, string) {
	logger.Debugf("Performing TCP health check, address: %s", config.Address)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	defer conn.Close()

	return true, fmt.Sprintf("TCP connection successful to %s", config.Address)
}

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() *HealthCheckState
	SetStatusChangeCallback(callback StatusChangeCallback)
}

type healthMonitor struct {
	config         HealthCheckConfig
	runOptions     HealthCheckRunOptions
	state          *HealthCheckState
	stopChan       chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mutex          sync.Mutex
	logger         logging.Logger
	id             string
	statusCallback StatusChangeCallback
}

func NewHealthMonitor(config HealthCheckConfig, runOptions HealthCheckRunOptions, id string, logger logging.Logger) HealthMonitor {
	return &healthMonitor{
		config:     config,
		runOptions: runOptions,
		state:      &HealthCheckState{Status: HealthCheckStatusUnknown},
		stopChan:   make(chan struct{}),
		logger:     logger,
		id:         id,
	}
}

func (h *healthMonitor) Start(ctx context.Context) error {
	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.id, h.config.Type, h.runOptions.Interval)

	if err := ValidateHealthCheckConfig(h.config); err != nil {
		h.logger.Errorf("Health check configuration validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid health check configuration", err).WithContext("id", h.id)
	}
	if err := ValidateHealthCheckRunOptions(h.runOptions, h.config.Timeout); err != nil {
		return errors.NewValidationError("invalid health check run options", err).WithContext("id", h.id)
	}

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

func (h *healthMonitor) Stop() {
	h.stopOnce.Do(func() {
		h.logger.Infof("Stopping health monitor, id: %s", h.id)
		close(h.stopChan)
		h.wg.Wait()
		h.logger.Infof("Health monitor stopped, id: %s", h.id)
	})
}

func (h *healthMonitor) State() *HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	stateCopy := *h.state
	return &stateCopy
}

func (h *healthMonitor) SetStatusChangeCallback(callback StatusChangeCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.statusCallback = callback
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	if h.runOptions.InitialDelay > 0 {
		select {
		case <-time.After(h.runOptions.InitialDelay):
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(h.runOptions.Interval)
	defer ticker.Stop()

	h.performCheck(ctx)

	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-h.stopChan:
			h.logger.Debugf("Health monitor loop stopping, id: %s", h.id)
			return
		case <-ctx.Done():
			h.logger.Debugf("Health monitor context done, id: %s", h.id)
			return
		}
	}
}

func (h *healthMonitor) performCheck(ctx context.Context) {
	healthy, message, err := Probe(ctx, h.config, h.logger)
	if err != nil {
		healthy, message = false, err.Error()
	}
	h.updateState(healthy, message, time.Now())
}

// updateState applies one check result: the first failure degrades, the
// second in a row makes the target unhealthy, any success restores it
func (h *healthMonitor) updateState(isHealthy bool, message string, now time.Time) {
	h.mutex.Lock()

	previousStatus := h.state.Status
	h.state.LastCheck = now
	h.state.Message = message

	if isHealthy {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		h.state.Status = HealthCheckStatusHealthy
	} else {
		h.state.ConsecutiveFailures++
		h.state.ConsecutiveSuccesses = 0
		if h.state.ConsecutiveFailures == 1 {
			h.state.Status = HealthCheckStatusDegraded
		} else {
			h.state.Status = HealthCheckStatusUnhealthy
		}
	}

	currentStatus := h.state.Status
	callback := h.statusCallback
	h.mutex.Unlock()

	if currentStatus == previousStatus {
		if isHealthy {
			h.logger.Debugf("Health check passed, id: %s", h.id)
		} else {
			h.logger.Warnf("Health check failed, id: %s, status: %s, message: %s", h.id, currentStatus, message)
		}
		return
	}

	if isHealthy {
		h.logger.Infof("Health check recovered, id: %s, previous: %s", h.id, previousStatus)
	} else {
		h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, message: %s",
			h.id, previousStatus, currentStatus, message)
	}
	if callback != nil {
		callback(previousStatus, currentStatus, message)
	}
}

// ParseTarget builds a check from a probe target: http(s) URLs become HTTP
// checks, grpc://host:port becomes a gRPC health check, tcp://host:port a TCP dial.
func ParseTarget(target string, timeout time.Duration) (HealthCheckConfig, error) {
	config := HealthCheckConfig{Timeout: timeout}
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		config.Type = HealthCheckTypeHTTP
		config.HTTP.URL = target
	case strings.HasPrefix(target, "grpc://"):
		config.Type = HealthCheckTypeGRPC
		config.GRPC.Address = strings.TrimPrefix(target, "grpc://")
	case strings.HasPrefix(target, "tcp://"):
		config.Type = HealthCheckTypeTCP
		config.TCP.Address = strings.TrimPrefix(target, "tcp://")
	default:
		return config, errors.NewValidationError("unsupported probe target: "+target, nil)
	}
	return config, ValidateHealthCheckConfig(config)
}
