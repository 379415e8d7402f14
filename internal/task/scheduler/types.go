package scheduler

import (
	"errors"
	"time"

	"regionworker/internal/region"
	"regionworker/internal/task/engine"
	"regionworker/internal/task/trigger"
)

var ErrNotCreated = errors.New("scheduler: start is only valid from created state")

const (
	DefaultRefreshInterval = 5 * time.Minute
	MinRefreshInterval     = 30 * time.Second
)

// Config controls the scheduler.
type Config struct {
	// RefreshInterval is the reconcile period. It is clamped to at least
	// MinRefreshInterval; 0 means DefaultRefreshInterval.
	RefreshInterval time.Duration

	// DrainTimeout > 0 makes Stop wait up to this long for in-flight handlers.
	DrainTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RefreshInterval < MinRefreshInterval {
		c.RefreshInterval = MinRefreshInterval
	}
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
	return c
}

// State is the lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Manual run results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Manual run reasons.
const (
	ReasonOK       = "ok"
	ReasonNotFound = "not_found"
	ReasonInactive = "inactive"
	ReasonCapacity = "capacity"
	ReasonError    = "error"
	ReasonStopped  = "stopped"
)

type RunOptions struct {
	// Force allows running a region the catalog marks inactive.
	Force bool
}

// RunResult is the outcome of RunNow. OK is true only when Result is accepted.
type RunResult struct {
	OK     bool   `json:"ok"`
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// Report summarizes one reconcile pass.
type Report struct {
	Added       int
	Rescheduled int
	Removed     int
	Active      int
	// Skipped is set when another reconcile held the lock or the scheduler was stopped.
	Skipped bool
	Err     error
}

// RegionInfo is one registry row for diagnostics.
type RegionInfo struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	CronSchedule string    `json:"cron_schedule"`
	Next         time.Time `json:"next"`
}

type Snapshot struct {
	State           string          `json:"state"`
	RefreshInterval time.Duration   `json:"refresh_interval"`
	LastReconcile   time.Time       `json:"last_reconcile"`
	Regions         []RegionInfo    `json:"regions"`
	Dispatcher      engine.Snapshot `json:"dispatcher"`
}

type entry struct {
	region  region.Region
	trigger trigger.Handle
}
