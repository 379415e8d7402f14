package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	logx "regionworker/pkg/logx"
)

// Normalize clamps values the worker tolerates but never runs with.
func (c *Config) Normalize() {
	if c.Scheduler.Concurrency < 1 {
		c.Scheduler.Concurrency = 1
	}
	c.Scheduler.Overlap = strings.ToLower(strings.TrimSpace(c.Scheduler.Overlap))
	c.Catalog.Driver = strings.ToLower(strings.TrimSpace(c.Catalog.Driver))
	if c.Storage != nil {
		c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	}
}

// Validate reports every problem at once.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.refresh_interval", c.Scheduler.RefreshInterval)
	add(err)
	_, err = ParseDurationField("scheduler.drain_timeout", c.Scheduler.DrainTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.handler_timeout", c.Scheduler.HandlerTimeout)
	add(err)
	_, err = ParseDurationField("tick.ping_timeout", c.Tick.PingTimeout)
	add(err)
	_, err = ParseDurationField("catalog.busy_timeout", c.Catalog.BusyTimeout)
	add(err)

	switch c.Scheduler.Overlap {
	case "", "allow", "skip_if_running":
	default:
		add(fmt.Errorf("scheduler.overlap: unknown policy %q", c.Scheduler.Overlap))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" && !strings.EqualFold(tz, "UTC") {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	add(validPort("api.port", c.API.Port))
	add(validPort("metrics.port", c.Metrics.Port))
	if c.MetricsEnabled() && c.API.Port != 0 && c.API.Port == c.Metrics.Port && c.API.Host == c.Metrics.Host {
		add(fmt.Errorf("metrics.port: %d already used by api", c.Metrics.Port))
	}

	if _, ok := logx.ParseLevel(c.Logging.Level); !ok && strings.TrimSpace(c.Logging.Level) != "" {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: must be console or json, got %q", c.Logging.Format))
	}

	switch c.Catalog.Driver {
	case "", "file", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Catalog.Path) == "" {
			add(errors.New("catalog.path: required for sqlite"))
		}
	default:
		add(fmt.Errorf("catalog.driver: unknown driver %q", c.Catalog.Driver))
	}

	if s := c.Storage; s != nil {
		switch s.Driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for %s", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.Retain < 0 {
			add(errors.New("storage.retain: must be >= 0"))
		}
	}
	return errors.Join(errs...)
}

// validPort accepts 0, which binds an ephemeral port.
func validPort(path string, p int) error {
	if p < 0 || p > 65535 {
		return fmt.Errorf("%s: must be 0..65535, got %d", path, p)
	}
	return nil
}

// APIAddr is host:port for the API listener.
func (c *Config) APIAddr() string {
	return net.JoinHostPort(orDefault(c.API.Host, DefaultAPIHost), strconv.Itoa(c.API.Port))
}

// MetricsAddr is host:port for the metrics listener.
func (c *Config) MetricsAddr() string {
	return net.JoinHostPort(orDefault(c.Metrics.Host, DefaultMetricsHost), strconv.Itoa(c.Metrics.Port))
}

func (s SchedulerConfig) Refresh() time.Duration { return mustDuration(s.RefreshInterval, 5*time.Minute) }
func (s SchedulerConfig) Drain() time.Duration { return mustDuration(s.DrainTimeout, 0) }
func (s SchedulerConfig) HandlerDeadline() time.Duration { return mustDuration(s.HandlerTimeout, 0) }
func (t TickConfig) Ping() time.Duration { return mustDuration(t.PingTimeout, 5*time.Second) }
func (c CatalogConfig) Busy() time.Duration { return mustDuration(c.BusyTimeout, 0) }
func (s StorageConfig) Busy() time.Duration { return mustDuration(s.BusyTimeout, 0) }

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
