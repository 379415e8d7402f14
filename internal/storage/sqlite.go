package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "regionworker/pkg/logx"
)

//go:embed migrations/region_runs.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retain     int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/region_runs.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO region_runs(run_id, region_id, region_code, origin, status, reason, err, started_at, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.RegionID, r.RegionCode, r.Origin, r.Status,
		nullStr(r.Reason), nullStr(r.Error), r.StartedAt.UTC().Format(time.RFC3339Nano), r.DurationMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, code string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, region_id, region_code, origin, status, COALESCE(reason, ''), COALESCE(err, ''), started_at, duration_ms
		 FROM region_runs WHERE (? = '' OR region_code = ?) ORDER BY seq DESC LIMIT ?`,
		code, code, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started string
		)
		if err := rows.Scan(&r.RunID, &r.RegionID, &r.RegionCode, &r.Origin, &r.Status, &r.Reason, &r.Error, &started, &r.DurationMS); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM region_runs WHERE seq <= (SELECT MAX(seq) FROM region_runs) - ?`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
