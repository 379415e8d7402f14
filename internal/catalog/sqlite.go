package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

//go:embed migrations/region_index.sql
var migrationsFS embed.FS

const regionColumns = `id, code, name, min_lng, min_lat, max_lng, max_lat, cron_schedule, active, created_at, updated_at`

// SQLite serves the catalog from the region_index table.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	s, err := OpenSQLite(cfg, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(strings.TrimPrefix(cfg.Path, "file:"))
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLite{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate region_index: %w", err)
	}

	if cfg.Seed {
		n, err := s.count(context.Background())
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if n == 0 {
			if err := s.Upsert(context.Background(), DefaultSeed(time.Now().UTC())...); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("seed region_index: %w", err)
			}
			log.Info("catalog seeded", logx.Event("region_seeded"), logx.String("path", path))
		}
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/region_index.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM region_index`).Scan(&n)
	return n, err
}

// Upsert inserts regions or updates them in place, keyed by code.
func (s *SQLite) Upsert(ctx context.Context, rs ...region.Region) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, r := range rs {
		if r.ID == "" {
			r.ID = r.Code
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO region_index(`+regionColumns+`)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(code) DO UPDATE SET
			   name=excluded.name,
			   min_lng=excluded.min_lng, min_lat=excluded.min_lat,
			   max_lng=excluded.max_lng, max_lat=excluded.max_lat,
			   cron_schedule=excluded.cron_schedule,
			   active=excluded.active,
			   updated_at=excluded.updated_at`,
			r.ID, r.Code, r.Name,
			r.BBox.MinLng, r.BBox.MinLat, r.BBox.MaxLng, r.BBox.MaxLat,
			r.CronSchedule, boolInt(r.Active),
			r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", r.Code, err)
		}
	}
	return tx.Commit()
}

// SetActive flips a region's active flag by code.
func (s *SQLite) SetActive(ctx context.Context, code string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE region_index SET active = ?, updated_at = ? WHERE code = ?`,
		boolInt(active), time.Now().UTC().Format(time.RFC3339Nano), code,
	)
	return err
}

func (s *SQLite) ListActive(ctx context.Context) ([]region.Region, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+regionColumns+` FROM region_index WHERE active = 1 ORDER BY code ASC`)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []region.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (s *SQLite) GetByCode(ctx context.Context, code string, includeInactive bool) (region.Region, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+regionColumns+` FROM region_index WHERE code = ? AND (? OR active = 1) LIMIT 1`,
		code, boolInt(includeInactive))
	r, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return region.Region{}, false, nil
	}
	if err != nil {
		return region.Region{}, false, unavailable("get", err)
	}
	return r, true, nil
}

// Ping is the keepalive used by the region tick.
func (s *SQLite) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegion(sc scanner) (region.Region, error) {
	var (
		r                    region.Region
		active               int
		createdAt, updatedAt string
	)
	err := sc.Scan(&r.ID, &r.Code, &r.Name,
		&r.BBox.MinLng, &r.BBox.MinLat, &r.BBox.MaxLng, &r.BBox.MaxLat,
		&r.CronSchedule, &active, &createdAt, &updatedAt)
	if err != nil {
		return region.Region{}, err
	}
	r.Active = active != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
