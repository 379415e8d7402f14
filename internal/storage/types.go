package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("run journal disabled")

// Config configures the run journal.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": region_runs table in a SQLite database
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain bounds how many records are kept (sqlite prunes, file keeps
	// this many in memory for queries). 0 means 10000.
	Retain int
}

const defaultRetain = 10000

// Run statuses.
const (
	StatusStarted = "started"
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// RunRecord is one journal line. Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string    `json:"run_id,omitempty"`
	RegionID   string    `json:"region_id"`
	RegionCode string    `json:"region_code"`
	Origin     string    `json:"origin"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}
