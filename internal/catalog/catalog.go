package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

// ErrCatalogUnavailable wraps every failure to read the catalog.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Source is what the scheduler reads.
type Source interface {
	// ListActive returns every active region ordered by code.
	ListActive(ctx context.Context) ([]region.Region, error)
	// GetByCode looks a region up by code. Inactive regions are only
	// returned when includeInactive is set.
	GetByCode(ctx context.Context, code string, includeInactive bool) (region.Region, bool, error)
}

// Store is an opened catalog driver.
type Store interface {
	Source
	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Watcher is implemented by drivers that can signal catalog changes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Config selects and configures the catalog driver.
//
// Driver values:
//   - "file": JSON or YAML document listing regions
//   - "sqlite": region_index table in a SQLite database
//   - "memory": in-process, seeded when Seed is set
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Seed installs the default regions when the catalog is empty
	// (sqlite, memory).
	Seed bool
}

// Open initializes the configured catalog.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		m := NewMemory()
		if cfg.Seed {
			m.Put(DefaultSeed(time.Now().UTC())...)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown catalog driver: %s", driver)
	}
}

// DefaultSeed is the two metro regions the worker ships with (UTC schedules).
func DefaultSeed(now time.Time) []region.Region {
	return []region.Region{
		{
			ID:           "DETROIT_METRO",
			Code:         "DETROIT_METRO",
			Name:         "Detroit Metro",
			BBox:         region.BBox{MinLng: -83.7, MinLat: 42.1, MaxLng: -82.7, MaxLat: 42.75},
			CronSchedule: "0 3 * * *",
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:           "LOSANGELES_METRO",
			Code:         "LOSANGELES_METRO",
			Name:         "Los Angeles Metro",
			BBox:         region.BBox{MinLng: -118.9, MinLat: 33.6, MaxLng: -117.5, MaxLat: 34.4},
			CronSchedule: "0 */12 * * *",
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCatalogUnavailable, op, err)
}

// filterActive returns the active regions of all, ordered by code.
func filterActive(all []region.Region) []region.Region {
	out := make([]region.Region, 0, len(all))
	for _, r := range all {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// findByCode prefers an active match so a retired duplicate never shadows
// the live region.
func findByCode(all []region.Region, code string, includeInactive bool) (region.Region, bool) {
	var inactive *region.Region
	for i := range all {
		if all[i].Code != code {
			continue
		}
		if all[i].Active {
			return all[i], true
		}
		if inactive == nil {
			inactive = &all[i]
		}
	}
	if includeInactive && inactive != nil {
		return *inactive, true
	}
	return region.Region{}, false
}

// validate checks a full catalog listing: IDs present and unique, active codes unique.
func validate(all []region.Region) error {
	ids := make(map[string]struct{}, len(all))
	codes := make(map[string]string, len(all))
	for _, r := range all {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("region %q: id is required", r.Code)
		}
		if strings.TrimSpace(r.Code) == "" {
			return fmt.Errorf("region %q: code is required", r.ID)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("duplicate region id %q", r.ID)
		}
		ids[r.ID] = struct{}{}
		if !r.Active {
			continue
		}
		if other, dup := codes[r.Code]; dup {
			return fmt.Errorf("active regions %q and %q share code %q", other, r.ID, r.Code)
		}
		codes[r.Code] = r.ID
	}
	return nil
}
