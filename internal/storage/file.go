package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "regionworker/pkg/logx"
)

// fileStore appends JSON Lines to <path> and keeps the newest Retain
// records in a ring for queries. The ring is rebuilt by replaying the file on open.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	retain int
	ring   []RunRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, retain: cfg.Retain}
	if err := s.replay(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay failed", logx.String("path", path), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.remember(r)
	}
	return sc.Err()
}

// remember appends to the ring; callers hold mu (or own s exclusively).
func (s *fileStore) remember(r RunRecord) {
	s.ring = append(s.ring, r)
	if len(s.ring) > s.retain {
		s.ring = s.ring[len(s.ring)-s.retain:]
	}
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.remember(r)
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, code string, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, min(limit, len(s.ring)))
	for i := len(s.ring) - 1; i >= 0 && len(out) < limit; i-- {
		if code == "" || s.ring[i].RegionCode == code {
			out = append(out, s.ring[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
