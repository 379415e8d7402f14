// Package app assembles the worker: config, logging, metrics, catalog, run
// journal, cron engine, dispatcher, scheduler and the HTTP servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"regionworker/internal/catalog"
	"regionworker/internal/config"
	"regionworker/internal/eventbus"
	"regionworker/internal/jobs/regiontick"
	"regionworker/internal/observability/metrics"
	"regionworker/internal/runtime/supervisor"
	"regionworker/internal/storage"
	"regionworker/internal/task/engine"
	"regionworker/internal/task/scheduler"
	"regionworker/internal/task/trigger"
	"regionworker/internal/transport/httpapi"
	logx "regionworker/pkg/logx"
	"regionworker/pkg/systemd"
)

type Options struct {
	// ConfigPath is an optional JSON or YAML file; empty means defaults + env.
	ConfigPath string
	Version    string

	// Env overrides the process environment lookup.
	Env config.Env
	// LogOutput overrides stdout as the primary log sink.
	LogOutput io.Writer
	// Handler replaces the default region tick.
	Handler engine.Handler
	// Notifier reports readiness to systemd. Nil disables it.
	Notifier *systemd.Notifier
}

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	metrics *metrics.Metrics
	scrape  *metrics.Server
	cat     catalog.Store
	store   storage.Store
	cron    *trigger.Cron
	disp    *engine.Dispatcher
	sched   *scheduler.Scheduler
	api     *httpapi.Server
	notify  *systemd.Notifier
	version string

	sup      *supervisor.Supervisor
	stopOnce sync.Once
}

// New loads config and builds every component without starting any of them.
func New(opt Options) (*App, error) {
	cfgm := config.NewConfigManager(opt.ConfigPath)
	if opt.Env != nil {
		cfgm.SetEnv(opt.Env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var logs *logx.Service
	var log logx.Logger
	if opt.LogOutput != nil {
		logs, log = logx.NewWithOutput(mapLogConfig(cfg, opt.Version), opt.LogOutput)
	} else {
		logs, log = logx.New(mapLogConfig(cfg, opt.Version))
	}
	log = log.With(logx.String("run_id", uuid.NewString()))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, cfg: cfg, logs: logs, log: log, bus: eventbus.New(), notify: opt.Notifier, version: opt.Version}
	if err := a.build(opt); err != nil {
		a.closeStores()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(opt Options) error {
	cfg := a.cfg
	m, scrape, err := metrics.NewMetrics(context.Background())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.metrics = m
	if cfg.MetricsEnabled() {
		a.scrape = metrics.NewServer(metrics.ServerConfig{
			Addr:        cfg.MetricsAddr(),
			Pprof:       cfg.Metrics.Pprof,
			PprofPrefix: cfg.Metrics.PprofPrefix,
		}, scrape, a.log.With(logx.String("comp", "metrics")))
	}

	a.cat, err = catalog.Open(mapCatalogConfig(cfg), a.log.With(logx.String("comp", "catalog")))
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	if sc, ok := mapStorageConfig(cfg); ok {
		a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}

	a.cron, err = trigger.New(trigger.Config{Timezone: cfg.Scheduler.Timezone}, a.log.With(logx.String("comp", "cron")))
	if err != nil {
		return err
	}

	h := opt.Handler
	if h == nil {
		h = regiontick.New(regiontick.Options{Pinger: a.cat, PingTimeout: cfg.Tick.Ping(), Metrics: m})
	}
	a.disp = engine.New(mapEngineConfig(cfg), h, a.log.With(logx.String("comp", "dispatcher")), a.bus, m)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.cat, a.cron, a.disp, a.log.With(logx.String("comp", "scheduler")), m)

	var runs httpapi.RunLister
	if a.store != nil {
		runs = a.store
	}
	a.api = httpapi.NewServer(httpapi.Config{Addr: cfg.APIAddr(), Token: cfg.API.Token}, a.sched, runs, m, a.log)
	return nil
}

// Config is the configuration the app was built with.
func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) APIAddr() string { return a.api.Addr() }

// MetricsAddr is empty when the metrics listener is disabled.
func (a *App) MetricsAddr() string {
	if a.scrape == nil {
		return ""
	}
	return a.scrape.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listeners, runs the initial reconcile and starts firing
// triggers. A listener that cannot bind fails Start.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.api.Listen(); err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	if a.scrape != nil {
		if err := a.scrape.Listen(); err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
	}

	// The journal subscribes before the first firing so no run is missed.
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.log.With(logx.String("comp", "journal")))
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("storage.journal", func(c context.Context) {
			defer unsub()
			rec.Consume(c, events)
		})
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.cron.Start()

	a.sup.Go("api.serve", a.api.Serve)
	if a.scrape != nil {
		a.sup.Go("metrics.serve", a.scrape.Serve)
	}

	if w, ok := a.cat.(catalog.Watcher); ok && a.cfg.CatalogWatch() {
		a.sup.GoRestart("catalog.watch", func(c context.Context) error {
			return w.Watch(c, a.sched.Trigger)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.notify != nil {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			if err := a.notify.Watchdog(c); err != nil {
				a.log.Warn("systemd watchdog failed", logx.Err(err))
			}
		})
		if _, err := a.notify.Ready(); err != nil {
			a.log.Warn("systemd notify failed", logx.Err(err))
		}
		_, _ = a.notify.Status("regions=" + strconv.Itoa(len(a.sched.Snapshot().Regions)))
	}

	a.log.Info("worker started",
		logx.Event("worker_started"),
		logx.String("api", a.APIAddr()),
		logx.String("metrics", a.MetricsAddr()),
		logx.Int("concurrency", a.disp.Max()),
		logx.Duration("refresh_interval", a.sched.RefreshInterval()),
	)
	return nil
}

// startConfigReload applies logging changes live. Every other section is
// reported and waits for a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				for _, s := range sections {
					if s == "logging" {
						a.logs.Apply(mapLogConfig(newCfg, a.version))
					}
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
				if pending := config.NeedsRestart(sections); len(pending) > 0 {
					a.log.Warn("config sections need a restart to take effect", logx.String("sections", strings.Join(pending, ",")))
				}
				lastApplied = newCfg
			}
		}
	})
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one component cannot stall the rest. Stop is idempotent.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.closeStores()
		_ = a.logs.Close()
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx) })
	return nil
}

func (a *App) stop(ctx context.Context) {
	a.log.Info("stopping", logx.Event("worker_stopping"))
	if a.notify != nil {
		_, _ = a.notify.Stopping()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Triggers first so nothing new is dispatched, then the loops.
	drain := a.cfg.Scheduler.Drain()
	step("scheduler", 2*time.Second+drain, a.sched.Stop)
	step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 6*time.Second, a.sup.Wait)

	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("catalog", time.Second, func(context.Context) error { return a.cat.Close() })
	step("metrics", time.Second, a.metrics.Shutdown)

	a.log.Info("stopped", logx.Event("worker_stopped"))
	_ = a.logs.Close()
}

// closeStores releases what New may have opened before a failure.
func (a *App) closeStores() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.cat != nil {
		_ = a.cat.Close()
	}
}
