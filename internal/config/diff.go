package config

import (
	"reflect"
	"sort"
	"strings"

	logx "regionworker/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]struct{}{
	"scheduler": {},
	"api":       {},
	"metrics":   {},
	"catalog":   {},
	"storage":   {},
	"tick":      {},
}

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging (never includes the API token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging || oldCfg.Env != newCfg.Env {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.LogFormat()),
			logx.Bool("logging.file_set", strings.TrimSpace(newCfg.Logging.File) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.refresh_interval", newCfg.Scheduler.RefreshInterval),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.String("scheduler.overlap", newCfg.Scheduler.Overlap),
		)
	}

	// API (never log token)
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.addr", newCfg.APIAddr()),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.MetricsEnabled()),
			logx.String("metrics.addr", newCfg.MetricsAddr()),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.driver", newCfg.Catalog.Driver),
			logx.String("catalog.path", newCfg.Catalog.Path),
		)
	}

	if oldCfg.Tick != newCfg.Tick {
		changed = append(changed, "tick")
		attrs = append(attrs, logx.String("tick.ping_timeout", newCfg.Tick.PingTimeout))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart filters changed down to sections that are not applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if _, ok := restartSections[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
