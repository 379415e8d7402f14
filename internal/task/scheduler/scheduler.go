package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"regionworker/internal/catalog"
	"regionworker/internal/observability/metrics"
	"regionworker/internal/region"
	"regionworker/internal/task/engine"
	"regionworker/internal/task/trigger"
	logx "regionworker/pkg/logx"
)

// Scheduler reconciles catalog regions into cron triggers. Every firing and
// every manual run goes through the same dispatcher.
type Scheduler struct {
	cfg     Config
	log     logx.Logger
	cat     catalog.Source
	trig    trigger.Engine
	disp    *engine.Dispatcher
	metrics *metrics.Metrics

	// lifeMu serializes Start and Stop.
	lifeMu sync.Mutex
	state  atomic.Int32

	// reconcileMu makes reconciles mutually exclusive.
	reconcileMu sync.Mutex

	// mu guards the registry.
	mu            sync.Mutex
	reg           map[string]*entry
	closed        bool
	lastReconcile time.Time

	kick     chan struct{}
	loopStop context.CancelFunc
	loopDone chan struct{}
}

func New(cfg Config, cat catalog.Source, trig trigger.Engine, disp *engine.Dispatcher, log logx.Logger, m *metrics.Metrics) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg.normalized(),
		log:     log.With(logx.String("comp", "scheduler")),
		cat:     cat,
		trig:    trig,
		disp:    disp,
		metrics: m,
		reg:     make(map[string]*entry),
		kick:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// RefreshInterval is the effective reconcile period after clamping.
func (s *Scheduler) RefreshInterval() time.Duration { return s.cfg.RefreshInterval }

// Start runs one synchronous reconcile and arms the refresh loop.
// It is only valid once, from StateCreated.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.State() != StateCreated {
		return ErrNotCreated
	}

	rep := s.reconcile(ctx, true)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.loopStop = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx)

	s.state.Store(int32(StateRunning))
	s.log.Info("scheduler started",
		logx.Event("scheduler_started"),
		logx.Duration("refresh", s.cfg.RefreshInterval),
		logx.Int("max_concurrency", s.disp.Max()),
		logx.Int("active", rep.Active),
	)
	return nil
}

// Stop disarms the refresh loop, stops every trigger and clears the registry.
// In-flight handlers are not awaited unless DrainTimeout is set. Stop is
// idempotent; the scheduler cannot be restarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	prev := s.State()
	if prev == StateStopped {
		return nil
	}
	s.state.Store(int32(StateStopped))

	if s.loopStop != nil {
		s.loopStop()
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			s.log.Warn("refresh loop did not stop in time")
		}
	}

	s.mu.Lock()
	s.closed = true
	count := len(s.reg)
	for id, e := range s.reg {
		e.trigger.Stop()
		delete(s.reg, id)
	}
	s.mu.Unlock()
	s.metrics.SetRegionsActive(context.Background(), 0)

	s.disp.Stop()

	var err error
	if s.cfg.DrainTimeout > 0 {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
		err = s.disp.Drain(dctx)
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Event("scheduler_stopped"), logx.Int("count", count), logx.String("from", prev.String()))
	return err
}

// Trigger requests an early reconcile. It never blocks; requests coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	t := time.NewTicker(s.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.reconcile(ctx, false)
		case <-s.kick:
			s.reconcile(ctx, false)
		}
	}
}

// Reconcile diffs the catalog against the registry, waiting for any
// reconcile already in progress.
func (s *Scheduler) Reconcile(ctx context.Context) Report {
	return s.reconcile(ctx, true)
}

func (s *Scheduler) reconcile(ctx context.Context, wait bool) (rep Report) {
	if wait {
		s.reconcileMu.Lock()
	} else if !s.reconcileMu.TryLock() {
		s.log.Debug("reconcile already in progress; skipping")
		return Report{Skipped: true}
	}
	defer s.reconcileMu.Unlock()

	regions, err := s.listActive(ctx)
	if err != nil {
		s.metrics.RecordReconcileError(context.Background())
		s.log.Error("reconcile failed", logx.Event("reconcile_error"), logx.Err(err))
		return Report{Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Report{Skipped: true}
	}
	seen := make(map[string]struct{}, len(regions))
	for _, r := range regions {
		seen[r.ID] = struct{}{}
		cur, ok := s.reg[r.ID]
		if !ok {
			if s.addLocked(r) {
				rep.Added++
			}
			continue
		}
		if !region.SameSchedule(cur.region, r) {
			s.replaceLocked(r)
			rep.Rescheduled++
			continue
		}
		cur.region = r
	}
	for id, e := range s.reg {
		if _, ok := seen[id]; ok {
			continue
		}
		e.trigger.Stop()
		delete(s.reg, id)
		rep.Removed++
		s.log.Info("region removed", logx.Event("region_removed"), logx.String("region_code", e.region.Code))
	}
	rep.Active = len(s.reg)
	now := time.Now()
	s.lastReconcile = now
	s.mu.Unlock()

	s.metrics.RecordReconcile(context.Background(), rep.Added, rep.Rescheduled, rep.Removed, rep.Active, now)
	s.log.Debug("reconcile ok",
		logx.Event("reconcile_ok"),
		logx.Int("added", rep.Added),
		logx.Int("updated", rep.Rescheduled),
		logx.Int("removed", rep.Removed),
		logx.Int("active", rep.Active),
	)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("registry snapshot", logx.Any("regions", s.Snapshot().Regions))
	}
	return rep
}

// listActive converts catalog panics into ErrCatalogUnavailable.
func (s *Scheduler) listActive(ctx context.Context) (out []region.Region, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("catalog panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			out, err = nil, fmt.Errorf("%w: panic: %v", catalog.ErrCatalogUnavailable, p)
		}
	}()
	return s.cat.ListActive(ctx)
}

// addLocked validates and arms a trigger for r. It reports whether an entry
// was created.
func (s *Scheduler) addLocked(r region.Region) bool {
	if !r.Active {
		return false
	}
	if err := s.trig.Validate(r.CronSchedule); err != nil {
		s.log.Warn("invalid cronSchedule",
			logx.Event("invalid_cron"),
			logx.String("region_code", r.Code),
			logx.String("cron", r.CronSchedule),
			logx.Err(err),
		)
		return false
	}
	id := r.ID
	h, err := s.trig.Schedule(r.CronSchedule, func() { s.fire(id) })
	if err != nil {
		s.log.Warn("schedule failed", logx.Event("invalid_cron"), logx.String("region_code", r.Code), logx.Err(err))
		return false
	}
	s.reg[id] = &entry{region: r, trigger: h}
	s.log.Info("scheduled region", logx.Event("region_added"), logx.String("region_code", r.Code), logx.String("cron", r.CronSchedule))
	return true
}

// replaceLocked stops the old trigger before arming the new one.
func (s *Scheduler) replaceLocked(r region.Region) {
	if cur, ok := s.reg[r.ID]; ok {
		cur.trigger.Stop()
		delete(s.reg, r.ID)
		s.log.Info("rescheduled region", logx.Event("region_rescheduled"), logx.String("region_code", r.Code), logx.String("cron", r.CronSchedule))
	}
	s.addLocked(r)
}

// fire is the trigger callback. It dispatches the cached descriptor so
// metadata refreshes are picked up.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.reg[id]
	var r region.Region
	if ok {
		r = e.region
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.disp.Dispatch(r, engine.OriginSchedule)
}

func (s *Scheduler) lookupScheduled(code string) (region.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.reg {
		if e.region.Code == code {
			return e.region, true
		}
	}
	return region.Region{}, false
}

// Snapshot lists registered regions ordered by code with their next firing.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	items := make([]RegionInfo, 0, len(s.reg))
	for _, e := range s.reg {
		items = append(items, RegionInfo{
			ID:           e.region.ID,
			Code:         e.region.Code,
			Name:         e.region.Name,
			CronSchedule: e.region.CronSchedule,
			Next:         e.trigger.Next(),
		})
	}
	last := s.lastReconcile
	s.mu.Unlock()

	now := time.Now().UTC()
	for i := range items {
		if !items[i].Next.IsZero() {
			continue
		}
		// The engine reports no next instant until it is started.
		if next, err := trigger.NextRuns(items[i].CronSchedule, 1, now); err == nil && len(next) == 1 {
			items[i].Next = next[0]
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })

	return Snapshot{
		State:           s.State().String(),
		RefreshInterval: s.cfg.RefreshInterval,
		LastReconcile:   last,
		Regions:         items,
		Dispatcher:      s.disp.Snapshot(),
	}
}
