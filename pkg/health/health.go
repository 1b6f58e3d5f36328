// Package health reports the liveness of the running sync server.
package health

import (
	"fmt"
	"time"
)

const StatusUp = "UP"

// Status is the body served by the HTTP health endpoint
type Status struct {
	Status        string    `json:"status"`
	Profile       string    `json:"profile"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Summary       string    `json:"summary"`
}

// Checker measures uptime from its creation
type Checker struct {
	profile   string
	startedAt time.Time
	now       func() time.Time
}

func NewChecker(profile string) *Checker {
	return newChecker(profile, time.Now)
}

func newChecker(profile string, now func() time.Time) *Checker {
	return &Checker{
		profile:   profile,
		startedAt: now(),
		now:       now,
	}
}

func (c *Checker) Uptime() time.Duration {
	return c.now().Sub(c.startedAt)
}

// Summary is the human readable form used in websocket heartbeats
func (c *Checker) Summary() string {
	return fmt.Sprintf("Uptime: %d seconds", int64(c.Uptime()/time.Second))
}

func (c *Checker) Check() Status {
	uptime := c.Uptime()
	return Status{
		Status:        StatusUp,
		Profile:       c.profile,
		StartedAt:     c.startedAt,
		UptimeSeconds: int64(uptime / time.Second),
		Summary:       fmt.Sprintf("Uptime: %d seconds", int64(uptime/time.Second)),
	}
}
