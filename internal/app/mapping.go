package app

import (
	"strings"

	"regionworker/internal/catalog"
	"regionworker/internal/config"
	"regionworker/internal/storage"
	"regionworker/internal/task/engine"
	"regionworker/internal/task/scheduler"
	logx "regionworker/pkg/logx"
)

const serviceName = "regionworker"

func mapLogConfig(cfg *config.Config, version string) logx.Config {
	file := strings.TrimSpace(cfg.Logging.File)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.LogFormat(),
		File:    logx.FileConfig{Enabled: file != "", Path: file},
		Service: serviceName,
		Env:     cfg.Env,
		Version: version,
	}
}

func mapCatalogConfig(cfg *config.Config) catalog.Config {
	return catalog.Config{
		Driver:      cfg.Catalog.Driver,
		Path:        cfg.Catalog.Path,
		BusyTimeout: cfg.Catalog.Busy(),
		Seed:        cfg.Catalog.Seed,
	}
}

// mapStorageConfig reports false when the run journal is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: sc.Busy(),
		Retain:      sc.Retain,
	}, true
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Concurrency:    cfg.Scheduler.Concurrency,
		Overlap:        engine.ParseOverlap(cfg.Scheduler.Overlap),
		HandlerTimeout: cfg.Scheduler.HandlerDeadline(),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		RefreshInterval: cfg.Scheduler.Refresh(),
		DrainTimeout:    cfg.Scheduler.Drain(),
	}
}
