package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time { return f.current }

func TestChecker_Uptime(t *testing.T) {
	clock := &fakeClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	checker := newChecker("production", clock.now)

	assert.Equal(t, "Uptime: 0 seconds", checker.Summary())

	clock.current = clock.current.Add(90*time.Second + 700*time.Millisecond)

	assert.Equal(t, "Uptime: 90 seconds", checker.Summary())

	status := checker.Check()
	assert.Equal(t, StatusUp, status.Status)
	assert.Equal(t, "production", status.Profile)
	assert.Equal(t, int64(90), status.UptimeSeconds)
	assert.Equal(t, "Uptime: 90 seconds", status.Summary)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), status.StartedAt)
}

func TestNewChecker_UsesWallClock(t *testing.T) {
	checker := NewChecker("development")
	assert.GreaterOrEqual(t, checker.Uptime(), time.Duration(0))
	assert.Less(t, checker.Uptime(), time.Minute)
}
