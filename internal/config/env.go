package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Env reads one environment variable. os.Getenv in production, a map in tests.
type Env func(key string) string

// ApplyEnv overlays the environment onto cfg. Empty variables are ignored;
// malformed numbers are errors.
func ApplyEnv(cfg *Config, getenv Env) error {
	if getenv == nil {
		return nil
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get("REGION_REFRESH_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("REGION_REFRESH_INTERVAL_MS: %w", err)
		}
		cfg.Scheduler.RefreshInterval = (time.Duration(ms) * time.Millisecond).String()
	}
	if err := intEnv(get, "CONCURRENCY", &cfg.Scheduler.Concurrency); err != nil {
		return err
	}
	if v := get("WORKER_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := get("API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if err := intEnv(get, "API_PORT", &cfg.API.Port); err != nil {
		return err
	}
	if v := get("METRICS_HOST"); v != "" {
		cfg.Metrics.Host = v
	}
	if err := intEnv(get, "METRICS_PORT", &cfg.Metrics.Port); err != nil {
		return err
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := firstNonEmpty(get("APP_ENV"), get("NODE_ENV")); v != "" {
		cfg.Env = v
	}
	if v := get("CATALOG_DRIVER"); v != "" {
		cfg.Catalog.Driver = v
	}
	if v := get("CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	} else if v := get("DATABASE_URL"); v != "" {
		// DATABASE_URL points at a sqlite file ("file:./data.db" or a plain path).
		cfg.Catalog.Path = strings.TrimPrefix(v, "file:")
		if get("CATALOG_DRIVER") == "" {
			cfg.Catalog.Driver = "sqlite"
		}
	}
	return nil
}

func intEnv(get func(string) string, key string, dst *int) error {
	v := get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
