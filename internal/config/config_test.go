package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) Env {
	return func(k string) string { return m[k] }
}

func newManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.SetEnv(envMap(env))
	return m
}

func TestDefaultsWithoutFile(t *testing.T) {
	m := newManager(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Refresh() != 5*time.Minute || cfg.Scheduler.Concurrency != 4 {
		t.Fatalf("scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.APIAddr() != "0.0.0.0:8080" || cfg.MetricsAddr() != "0.0.0.0:9091" {
		t.Fatalf("addrs: %s %s", cfg.APIAddr(), cfg.MetricsAddr())
	}
	if !cfg.MetricsEnabled() || !cfg.CatalogWatch() || cfg.Storage != nil {
		t.Fatalf("toggles: %+v", cfg)
	}
	if cfg.LogFormat() != "console" {
		t.Fatalf("format = %s", cfg.LogFormat())
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestYAMLFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	doc := `
env: production
scheduler:
  refresh_interval: 1m
  concurrency: 2
api:
  port: 9000
  token: filetoken
catalog:
  driver: sqlite
  path: ./regions.db
storage:
  driver: file
  path: ./runs.jsonl
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := newManager(path, map[string]string{
		"REGION_REFRESH_INTERVAL_MS": "45000",
		"WORKER_API_TOKEN":           "envtoken",
		"METRICS_PORT":               "9200",
		"LOG_LEVEL":                  "debug",
	}).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Refresh() != 45*time.Second {
		t.Fatalf("refresh = %v", cfg.Scheduler.Refresh())
	}
	if cfg.Scheduler.Concurrency != 2 || cfg.API.Port != 9000 || cfg.API.Token != "envtoken" {
		t.Fatalf("merge: %+v %+v", cfg.Scheduler, cfg.API)
	}
	if cfg.Metrics.Port != 9200 || cfg.Logging.Level != "debug" || cfg.LogFormat() != "json" {
		t.Fatalf("env: %+v %+v", cfg.Metrics, cfg.Logging)
	}
	if cfg.Catalog.Driver != "sqlite" || cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("catalog/storage: %+v %+v", cfg.Catalog, cfg.Storage)
	}
	// Unset fields keep their defaults.
	if cfg.API.Host != DefaultAPIHost || cfg.Tick.Ping() != 5*time.Second {
		t.Fatalf("defaults lost: %+v %+v", cfg.API, cfg.Tick)
	}
}

func TestDatabaseURLSelectsSQLite(t *testing.T) {
	cfg, err := newManager("", map[string]string{"DATABASE_URL": "file:./data/regions.db", "NODE_ENV": "production"}).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Catalog.Driver != "sqlite" || cfg.Catalog.Path != "./data/regions.db" || cfg.Env != "production" {
		t.Fatalf("catalog = %+v env = %s", cfg.Catalog, cfg.Env)
	}

	cfg, err = newManager("", map[string]string{"DATABASE_URL": "./x.db", "CATALOG_DRIVER": "file", "CATALOG_PATH": "./r.json"}).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Catalog.Driver != "file" || cfg.Catalog.Path != "./r.json" {
		t.Fatalf("explicit catalog lost: %+v", cfg.Catalog)
	}
}

func TestConcurrencyFloor(t *testing.T) {
	cfg, err := newManager("", map[string]string{"CONCURRENCY": "0"}).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Concurrency != 1 {
		t.Fatalf("concurrency = %d", cfg.Scheduler.Concurrency)
	}
}

func TestRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"bogus": 1}`,
		"trailing.json": `{} {}`,
		"dur.yaml":      "scheduler:\n  refresh_interval: soon\n",
		"overlap.yaml":  "scheduler:\n  overlap: sometimes\n",
		"port.yaml":     "api:\n  port: 70000\n",
		"level.yaml":    "logging:\n  level: loud\n",
		"driver.yaml":   "catalog:\n  driver: mongo\n",
		"storage.yaml":  "storage:\n  driver: file\n",
		"clash.yaml":    "metrics:\n  port: 8080\n",
	}
	for name, doc := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := newManager(path, nil).Load(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := newManager("", map[string]string{"API_PORT": "eighty"}).Load(); err == nil {
		t.Fatalf("expected env parse error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.Logging.Level = "debug"
	b.API.Token = "s3cret"
	b.Scheduler.Concurrency = 8

	changed, attrs := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(changed, []string{"api", "logging", "scheduler"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := NeedsRestart(changed); !reflect.DeepEqual(got, []string{"api", "scheduler"}) {
		t.Fatalf("restart = %v", got)
	}
	if changed, _ := SummarizeConfigChange(a, Defaults()); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := newManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged reload: %v %v", ok, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("changed reload: %v %v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %s", cfg.Logging.Level)
		}
	default:
		t.Fatalf("nothing published")
	}

	write(`{"logging":{"level":"debug"`)
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("broken file should not reload")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("broken file replaced committed config")
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	write(`{"logging":{"level":"warn"}}`)
	if ok, err := m.Reload(ctx); err == nil || ok || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("validator ignored: %v %v", ok, err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := newManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level == "warn" {
				return
			}
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			_ = os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600)
		case <-deadline:
			t.Fatalf("watch never published")
		}
	}
}
