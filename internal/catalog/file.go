package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"regionworker/internal/docfile"
	"regionworker/internal/fswatch"
	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

// fileDoc is the on-disk catalog document (JSON or YAML).
type fileDoc struct {
	Regions []fileRegion `json:"regions" yaml:"regions"`
}

type fileRegion struct {
	ID           string      `json:"id,omitempty" yaml:"id,omitempty"`
	Code         string      `json:"code" yaml:"code"`
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	BBox         region.BBox `json:"bbox" yaml:"bbox"`
	CronSchedule string      `json:"cron_schedule" yaml:"cron_schedule"`
	// Active defaults to true when omitted.
	Active    *bool      `json:"active,omitempty" yaml:"active,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

func (f fileRegion) toRegion(modTime time.Time) region.Region {
	r := region.Region{
		ID:           strings.TrimSpace(f.ID),
		Code:         strings.TrimSpace(f.Code),
		Name:         f.Name,
		BBox:         f.BBox,
		CronSchedule: strings.TrimSpace(f.CronSchedule),
		Active:       f.Active == nil || *f.Active,
		CreatedAt:    modTime,
		UpdatedAt:    modTime,
	}
	if r.ID == "" {
		r.ID = r.Code
	}
	if f.CreatedAt != nil {
		r.CreatedAt = f.CreatedAt.UTC()
	}
	if f.UpdatedAt != nil {
		r.UpdatedAt = f.UpdatedAt.UTC()
	}
	return r
}

// fileStore reads the document on demand and re-parses only when its
// size or mtime changed.
type fileStore struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  []region.Region
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("catalog.path is required for file driver")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && cfg.Seed {
		if err := writeSeed(path, DefaultSeed(time.Now().UTC())); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		log.Info("catalog seeded", logx.Event("region_seeded"), logx.String("path", path))
	}
	s := &fileStore{path: path, log: log}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeSeed(path string, rs []region.Region) error {
	doc := fileDoc{Regions: make([]fileRegion, 0, len(rs))}
	for _, r := range rs {
		active := r.Active
		doc.Regions = append(doc.Regions, fileRegion{
			ID:           r.ID,
			Code:         r.Code,
			Name:         r.Name,
			BBox:         r.BBox,
			CronSchedule: r.CronSchedule,
			Active:       &active,
		})
	}
	var (
		b   []byte
		err error
	)
	if docfile.IsYAML(path) {
		b, err = yaml.Marshal(doc)
	} else {
		b, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (s *fileStore) load() ([]region.Region, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		return nil, unavailable("stat", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && st.ModTime().Equal(s.modTime) && st.Size() == s.size {
		return s.cached, nil
	}

	var doc fileDoc
	if err := docfile.ReadFile(s.path, &doc); err != nil {
		return nil, unavailable("parse "+filepath.Base(s.path), err)
	}
	all := make([]region.Region, 0, len(doc.Regions))
	for _, fr := range doc.Regions {
		all = append(all, fr.toRegion(st.ModTime().UTC()))
	}
	if err := validate(all); err != nil {
		return nil, unavailable("validate", err)
	}

	s.cached = all
	s.modTime = st.ModTime()
	s.size = st.Size()
	s.log.Debug("catalog file loaded", logx.String("path", s.path), logx.Int("regions", len(all)))
	return all, nil
}

func (s *fileStore) ListActive(ctx context.Context) ([]region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	return filterActive(all), nil
}

func (s *fileStore) GetByCode(ctx context.Context, code string, includeInactive bool) (region.Region, bool, error) {
	if err := ctx.Err(); err != nil {
		return region.Region{}, false, unavailable("get", err)
	}
	all, err := s.load()
	if err != nil {
		return region.Region{}, false, err
	}
	r, ok := findByCode(all, code, includeInactive)
	return r, ok, nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Watch calls onChange (debounced) whenever the document changes on disk.
func (s *fileStore) Watch(ctx context.Context, onChange func()) error {
	return fswatch.Watch(ctx, s.path, fswatch.Options{Log: s.log.With(logx.String("comp", "catalog.watch"))}, onChange)
}

func (s *fileStore) Close() error { return nil }
