package config

// Config is the worker configuration. The file is optional; every field has
// a default and the environment overrides the file.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	// Env is the deployment environment ("development", "production").
	// Outside production the console log format is the default.
	Env string `json:"env,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`
	Catalog   CatalogConfig   `json:"catalog"`
	Tick      TickConfig      `json:"tick,omitempty"`

	// Storage enables the run journal. Omitted means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// SchedulerConfig controls reconcile and dispatch.
//
// Defaults (when fields are omitted/zero):
//   - refresh_interval: "5m" (never below "30s")
//   - concurrency: 4
//   - overlap: "allow"
//   - timezone: "UTC"
//   - drain_timeout: "0s" (Stop does not wait for in-flight handlers)
//   - handler_timeout: "0s" (no deadline)
type SchedulerConfig struct {
	RefreshInterval string `json:"refresh_interval,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
	// Overlap is "allow" or "skip_if_running".
	Overlap        string `json:"overlap,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	DrainTimeout   string `json:"drain_timeout,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

// APIConfig controls the control-plane listener.
type APIConfig struct {
	Host string `json:"host,omitempty"` // default: "0.0.0.0"
	Port int    `json:"port,omitempty"` // default: 8080
	// Token enables bearer auth on every route except /healthz (do not log).
	Token string `json:"token,omitempty"`
}

// MetricsConfig controls the /metrics listener.
//
// Security note: pprof exposes heap contents; only enable it on a private
// interface.
type MetricsConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"` // default: true
	Host        string `json:"host,omitempty"`    // default: "0.0.0.0"
	Port        int    `json:"port,omitempty"`    // default: 9091
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"` // default: "info"
	// Format is "console" or "json". Empty picks by env.
	Format string `json:"format,omitempty"`
	// File additionally writes JSON logs to this path.
	File string `json:"file,omitempty"`
}

// CatalogConfig selects where regions come from.
//
// Example:
//
//	"catalog": { "driver": "sqlite", "path": "./data/regions.db", "seed": true }
type CatalogConfig struct {
	Driver      string `json:"driver,omitempty"` // file | sqlite | memory; default: file
	Path        string `json:"path,omitempty"`   // default: "./regions.yaml"
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Seed writes the default regions when the catalog is empty or missing.
	Seed bool `json:"seed,omitempty"`
	// Watch triggers an early reconcile when a file catalog changes. Default: true.
	Watch *bool `json:"watch,omitempty"`
}

// TickConfig controls the default region tick handler.
type TickConfig struct {
	PingTimeout string `json:"ping_timeout,omitempty"` // default: "5s"
}

// StorageConfig controls the optional run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

const (
	DefaultAPIHost     = "0.0.0.0"
	DefaultAPIPort     = 8080
	DefaultMetricsHost = "0.0.0.0"
	DefaultMetricsPort = 9091
	DefaultCatalogPath = "./regions.yaml"
)

// Defaults returns a configuration with every default filled in.
func Defaults() *Config {
	return &Config{
		Env: "development",
		Scheduler: SchedulerConfig{
			RefreshInterval: "5m",
			Concurrency:     4,
			Overlap:         "allow",
			Timezone:        "UTC",
		},
		API:     APIConfig{Host: DefaultAPIHost, Port: DefaultAPIPort},
		Metrics: MetricsConfig{Host: DefaultMetricsHost, Port: DefaultMetricsPort},
		Logging: LoggingConfig{Level: "info"},
		Catalog: CatalogConfig{Driver: "file", Path: DefaultCatalogPath, Seed: true},
		Tick:    TickConfig{PingTimeout: "5s"},
	}
}

// MetricsEnabled reports whether the metrics listener should run.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// CatalogWatch reports whether file catalog changes trigger a reconcile.
func (c *Config) CatalogWatch() bool {
	return c.Catalog.Watch == nil || *c.Catalog.Watch
}

// LogFormat resolves the empty format by environment.
func (c *Config) LogFormat() string {
	if c.Logging.Format != "" {
		return c.Logging.Format
	}
	if c.Env == "production" {
		return "json"
	}
	return "console"
}
