package resourcelimits

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMemory(t *testing.T) {
	now := time.Now()
	limits := MemoryLimits{MaxRSS: 1000, WarningThreshold: 80}

	tests := []struct {
		name     string
		rss      int64
		limits   MemoryLimits
		severity ViolationSeverity
		limit    int64
	}{
		{"below warning", 700, limits, "", 0},
		{"above warning", 900, limits, ViolationSeverityWarning, 800},
		{"above limit", 1500, limits, ViolationSeverityCritical, 1000},
		{"no warning threshold", 900, MemoryLimits{MaxRSS: 1000}, "", 0},
		{"no limit", 1 << 40, MemoryLimits{}, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := CheckMemory(&ResourceUsage{Timestamp: now, MemoryRSS: tt.rss}, tt.limits)
			if tt.severity == "" {
				assert.Empty(t, violations)
				return
			}
			require.Len(t, violations, 1)
			assert.Equal(t, tt.severity, violations[0].Severity)
			assert.Equal(t, tt.rss, violations[0].CurrentValue)
			assert.Equal(t, tt.limit, violations[0].LimitValue)
			assert.Equal(t, now, violations[0].Timestamp)
		})
	}

	assert.Nil(t, CheckMemory(nil, limits))
}

func TestParseProcStatus(t *testing.T) {
	usage, err := parseProcStatus(strings.NewReader("Name:\tpdm-sync-server\nVmSize:\t  204800 kB\nVmRSS:\t   10240 kB\nThreads:\t4\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(10240*1024), usage.MemoryRSS)
	assert.Equal(t, int64(204800*1024), usage.MemoryVirtual)

	_, err = parseProcStatus(strings.NewReader("Name:\tkthreadd\n"))
	assert.True(t, errors.IsNotFoundError(err))

	_, err = parseProcStatus(strings.NewReader("VmRSS:\tlots kB\n"))
	assert.True(t, errors.IsValidationError(err))
}

func TestParsePSOutput(t *testing.T) {
	usage, err := parsePSOutput("  1024  409600\n")
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), usage.MemoryRSS)
	assert.Equal(t, int64(409600*1024), usage.MemoryVirtual)

	_, err = parsePSOutput("")
	assert.True(t, errors.IsValidationError(err))
	_, err = parsePSOutput("x 1")
	assert.True(t, errors.IsValidationError(err))
}

func TestGetProcessUsage_Self(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("memory sampling not supported")
	}
	usage, err := GetProcessUsage(os.Getpid())
	require.NoError(t, err)
	assert.Positive(t, usage.MemoryRSS)
}

func TestResourceMonitor_ReportsViolations(t *testing.T) {
	monitor := NewResourceMonitor(os.Getpid(), ResourceMonitoringConfig{
		Interval: 10 * time.Millisecond,
		Limits:   MemoryLimits{MaxRSS: 100},
	}, logging.NewNopLogger()).(*resourceMonitor)
	monitor.sample = func(pid int) (*ResourceUsage, error) {
		return &ResourceUsage{Timestamp: time.Now(), MemoryRSS: 150}, nil
	}

	var mutex sync.Mutex
	var usages int
	violations := make(chan *ResourceViolation, 10)
	monitor.SetUsageCallback(func(*ResourceUsage) {
		mutex.Lock()
		usages++
		mutex.Unlock()
	})
	monitor.SetViolationCallback(func(v *ResourceViolation) {
		select {
		case violations <- v:
		default:
		}
	})

	require.NoError(t, monitor.Start(context.Background()))
	assert.True(t, errors.IsConflictError(monitor.Start(context.Background())))

	select {
	case v := <-violations:
		assert.Equal(t, ViolationSeverityCritical, v.Severity)
		assert.Equal(t, int64(150), v.CurrentValue)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a violation")
	}

	monitor.Stop()
	monitor.Stop()

	mutex.Lock()
	assert.Positive(t, usages)
	mutex.Unlock()
}

func TestResourceMonitor_RejectsDeadProcess(t *testing.T) {
	monitor := NewResourceMonitor(1<<22+12345, ResourceMonitoringConfig{}, logging.NewNopLogger())
	err := monitor.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
}
