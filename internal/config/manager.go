package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	"regionworker/internal/docfile"
	"regionworker/internal/fswatch"
	logx "regionworker/pkg/logx"
)

type ConfigManager struct {
	path string
	env  Env

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last successfully committed config content so
	// editor write bursts without content changes are not republished.
	lastHash uint64
}

// NewConfigManager reads path (optional, JSON or YAML) and the process
// environment. An empty path means defaults plus environment.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: strings.TrimSpace(path), env: os.Getenv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetEnv replaces the environment lookup (tests).
func (m *ConfigManager) SetEnv(env Env) { m.env = env }

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse layers defaults, the file (if present) and the environment, then
// validates the result.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := Defaults()
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// optional
		case err != nil:
			return nil, err
		case len(bytes.TrimSpace(b)) > 0:
			if err := docfile.Decode(m.path, b, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", m.path, err)
			}
		}
	}
	if err := ApplyEnv(cfg, m.env); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest config; if the buffer is full drop ONE oldest item first.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// Reload re-parses and, if the content changed and validates, commits and
// publishes it. It reports whether a new config was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}

	// validate before commit/publish (transactional)
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

// Watch reloads on file changes until ctx is done. Without a file path it
// just waits for ctx.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	return fswatch.Watch(ctx, m.path, fswatch.Options{Log: m.log}, func() {
		if _, err := m.Reload(ctx); err != nil {
			m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		}
	})
}
