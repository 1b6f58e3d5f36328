// Package resourcelimits samples the memory of a launched process and
// reports when it crosses the descriptor's max_memory_restart ceiling.
package resourcelimits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
	"github.com/pdm-pw/pdm-sync-server/pkg/processfile"
)

const DefaultInterval = 30 * time.Second

// ResourceUsage is one memory sample of a process
type ResourceUsage struct {
	Timestamp     time.Time `json:"timestamp"`
	MemoryRSS     int64     `json:"memory_rss"`
	MemoryVirtual int64     `json:"memory_virtual"`
}

type ViolationSeverity string

const (
	ViolationSeverityWarning  ViolationSeverity = "warning"
	ViolationSeverityCritical ViolationSeverity = "critical"
)

// ResourceViolation describes a sample that crossed a limit
type ResourceViolation struct {
	CurrentValue int64             `json:"current_value"`
	LimitValue   int64             `json:"limit_value"`
	Severity     ViolationSeverity `json:"severity"`
	Timestamp    time.Time         `json:"timestamp"`
	Message      string            `json:"message"`
}

// MemoryLimits holds the RSS ceiling. WarningThreshold is a percentage of
// MaxRSS; zero disables the warning.
type MemoryLimits struct {
	MaxRSS           int64
	WarningThreshold float64
}

type ResourceUsageCallback func(usage *ResourceUsage)
type ResourceViolationCallback func(violation *ResourceViolation)

// CheckMemory returns the violations of usage against limits, critical first
func CheckMemory(usage *ResourceUsage, limits MemoryLimits) []*ResourceViolation {
	if usage == nil || limits.MaxRSS <= 0 {
		return nil
	}

	if usage.MemoryRSS > limits.MaxRSS {
		return []*ResourceViolation{{
			CurrentValue: usage.MemoryRSS,
			LimitValue:   limits.MaxRSS,
			Severity:     ViolationSeverityCritical,
			Timestamp:    usage.Timestamp,
			Message:      fmt.Sprintf("Memory RSS (%d bytes) exceeds limit (%d bytes)", usage.MemoryRSS, limits.MaxRSS),
		}}
	}

	if limits.WarningThreshold > 0 {
		warningLimit := int64(float64(limits.MaxRSS) * limits.WarningThreshold / 100.0)
		if usage.MemoryRSS > warningLimit {
			return []*ResourceViolation{{
				CurrentValue: usage.MemoryRSS,
				LimitValue:   warningLimit,
				Severity:     ViolationSeverityWarning,
				Timestamp:    usage.Timestamp,
				Message:      fmt.Sprintf("Memory RSS (%d bytes) exceeds warning threshold (%d bytes)", usage.MemoryRSS, warningLimit),
			}}
		}
	}
	return nil
}

type ResourceMonitoringConfig struct {
	Interval time.Duration
	Limits   MemoryLimits
}

// ResourceMonitor samples one process on an interval
type ResourceMonitor interface {
	Start(ctx context.Context) error
	Stop()
	GetCurrentUsage() (*ResourceUsage, error)
	SetUsageCallback(callback ResourceUsageCallback)
	SetViolationCallback(callback ResourceViolationCallback)
}

type resourceMonitor struct {
	pid    int
	config ResourceMonitoringConfig
	logger logging.Logger
	sample func(pid int) (*ResourceUsage, error)

	usageCallback     ResourceUsageCallback
	violationCallback ResourceViolationCallback

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mutex     sync.Mutex
	isRunning bool
}

func NewResourceMonitor(pid int, config ResourceMonitoringConfig, logger logging.Logger) ResourceMonitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &resourceMonitor{
		pid:    pid,
		config: config,
		logger: logger,
		sample: GetProcessUsage,
	}
}

func (rm *resourceMonitor) Start(ctx context.Context) error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.isRunning {
		return errors.NewConflictError("resource monitor is already running", nil).WithContext("pid", rm.pid)
	}

	running, err := processfile.IsProcessRunning(rm.pid)
	if !running {
		return errors.NewProcessError("process is not running", err).WithContext("pid", rm.pid)
	}

	ctx, rm.cancel = context.WithCancel(ctx)
	rm.isRunning = true

	rm.logger.Infof("Starting memory monitoring, PID: %d, interval: %v, limit: %d bytes", rm.pid, rm.config.Interval, rm.config.Limits.MaxRSS)

	rm.wg.Add(1)
	go rm.monitorLoop(ctx)
	return nil
}

func (rm *resourceMonitor) Stop() {
	rm.mutex.Lock()
	if !rm.isRunning {
		rm.mutex.Unlock()
		return
	}
	rm.cancel()
	rm.isRunning = false
	rm.mutex.Unlock()

	rm.wg.Wait()
	rm.logger.Debugf("Memory monitoring stopped, PID: %d", rm.pid)
}

func (rm *resourceMonitor) GetCurrentUsage() (*ResourceUsage, error) {
	usage, err := rm.sample(rm.pid)
	if err != nil {
		return nil, errors.NewInternalError("failed to get resource usage", err).WithContext("pid", rm.pid)
	}
	return usage, nil
}

func (rm *resourceMonitor) SetUsageCallback(callback ResourceUsageCallback) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.usageCallback = callback
}

func (rm *resourceMonitor) SetViolationCallback(callback ResourceViolationCallback) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.violationCallback = callback
}

func (rm *resourceMonitor) monitorLoop(ctx context.Context) {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.collectUsage()
		}
	}
}

func (rm *resourceMonitor) collectUsage() {
	usage, err := rm.sample(rm.pid)
	if err != nil {
		rm.logger.Warnf("Failed to collect memory usage, PID: %d, error: %v", rm.pid, err)
		return
	}

	rm.logger.Debugf("Memory usage, PID: %d, RSS: %dMB", rm.pid, usage.MemoryRSS/(1024*1024))

	rm.mutex.Lock()
	usageCallback, violationCallback := rm.usageCallback, rm.violationCallback
	rm.mutex.Unlock()

	if usageCallback != nil {
		usageCallback(usage)
	}
	for _, violation := range CheckMemory(usage, rm.config.Limits) {
		if violationCallback != nil {
			violationCallback(violation)
		}
	}
}
