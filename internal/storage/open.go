package storage

import (
	"context"
	"errors"
	"strings"

	logx "regionworker/pkg/logx"
)

// Store is the run journal API.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty code
	// matches every region.
	RecentRuns(ctx context.Context, code string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured journal.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
