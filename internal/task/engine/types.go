package engine

import (
	"context"
	"time"

	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

// Handler executes one region tick. Errors are logged by the dispatcher and
// never propagate further.
type Handler func(ctx context.Context, r region.Region, log logx.Logger) error

// Config controls the dispatcher.
type Config struct {
	// Concurrency is the hard cap on in-flight invocations. Values < 1 become 1.
	Concurrency int

	// Overlap gates scheduled firings of a region that is still running.
	// Manual runs are never gated by it.
	Overlap OverlapPolicy

	// HandlerTimeout bounds each invocation's context. 0 means no deadline.
	HandlerTimeout time.Duration

	// SkipWarnEvery throttles warn-level skip logs; the rest go to debug.
	SkipWarnEvery time.Duration
}

const (
	DefaultConcurrency   = 4
	defaultSkipWarnEvery = 5 * time.Second
)

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// ParseOverlap accepts "allow" and "skip_if_running"; anything else is OverlapAllow.
func ParseOverlap(s string) OverlapPolicy {
	if s == "skip_if_running" || s == "skip" {
		return OverlapSkipIfRunning
	}
	return OverlapAllow
}

// Origin says what asked for an invocation.
type Origin string

const (
	OriginSchedule Origin = "schedule"
	OriginManual   Origin = "manual"
)

// RunEvent is published on the event bus for every invocation and skip.
type RunEvent struct {
	RunID      string        `json:"run_id"`
	RegionID   string        `json:"region_id"`
	RegionCode string        `json:"region_code"`
	Origin     Origin        `json:"origin"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Max      int    `json:"max"`
	InFlight int    `json:"in_flight"`
	Started  uint64 `json:"started"`
	Failed   uint64 `json:"failed"`
	Skipped  uint64 `json:"skipped"`
	Stopped  bool   `json:"stopped"`
}
