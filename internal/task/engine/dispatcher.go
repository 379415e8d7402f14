package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"regionworker/internal/eventbus"
	"regionworker/internal/observability/metrics"
	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

// Dispatcher is the only path that invokes the region handler. It never
// queues: a request that finds no free slot is dropped.
type Dispatcher struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	handler Handler

	// inFlight is the slot counter; it only moves by CAS below the cap.
	inFlight atomic.Int32

	// mu orders Submit's stopped check and wg.Add against Stop.
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	runningMu sync.Mutex
	running   map[string]int

	skipWarn *rate.Limiter

	started atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, h Handler, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SkipWarnEvery <= 0 {
		cfg.SkipWarnEvery = defaultSkipWarnEvery
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if h == nil {
		h = func(context.Context, region.Region, logx.Logger) error { return nil }
	}
	d := &Dispatcher{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "dispatcher")),
		bus:      bus,
		metrics:  m,
		handler:  h,
		running:  make(map[string]int),
		skipWarn: rate.NewLimiter(rate.Every(cfg.SkipWarnEvery), 1),
	}
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	return d
}

// Max is the concurrency cap.
func (d *Dispatcher) Max() int { return d.cfg.Concurrency }

// InFlight is the number of invocations currently holding a slot.
func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// Full reports whether a Dispatch right now would be declined for capacity.
func (d *Dispatcher) Full() bool { return d.InFlight() >= d.Max() }

// Dispatch starts the handler for r if a slot is free and reports whether it did.
func (d *Dispatcher) Dispatch(r region.Region, origin Origin) bool {
	return d.Submit(r, origin) == nil
}

// Submit is Dispatch with the decline reason: ErrCapacity, ErrOverlap or ErrStopped.
func (d *Dispatcher) Submit(r region.Region, origin Origin) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.onSkipped(r, origin, ErrStopped)
		return ErrStopped
	}

	gated := origin == OriginSchedule && d.cfg.Overlap == OverlapSkipIfRunning
	if gated && !d.tryMarkRunning(r.ID) {
		d.onSkipped(r, origin, ErrOverlap)
		return ErrOverlap
	}

	n, ok := d.acquire()
	if !ok {
		if gated {
			d.unmarkRunning(r.ID)
		}
		d.onSkipped(r, origin, ErrCapacity)
		return ErrCapacity
	}
	d.metrics.SetRunning(context.Background(), int(n))
	d.started.Add(1)
	d.wg.Add(1)

	ev := RunEvent{
		RunID:      uuid.NewString(),
		RegionID:   r.ID,
		RegionCode: r.Code,
		Origin:     origin,
		Started:    time.Now(),
	}
	go d.run(r, ev, gated)
	return nil
}

// acquire takes a slot if one is free. Check and increment are a single CAS.
func (d *Dispatcher) acquire() (int32, bool) {
	limit := int32(d.cfg.Concurrency)
	for {
		n := d.inFlight.Load()
		if n >= limit {
			return n, false
		}
		if d.inFlight.CompareAndSwap(n, n+1) {
			return n + 1, true
		}
	}
}

func (d *Dispatcher) run(r region.Region, ev RunEvent, gated bool) {
	defer func() {
		if gated {
			d.unmarkRunning(r.ID)
		}
		n := d.inFlight.Add(-1)
		d.metrics.SetRunning(context.Background(), int(n))
		d.wg.Done()
	}()

	log := d.log.With(
		logx.String("region_id", r.ID),
		logx.String("region_code", r.Code),
		logx.String("run_id", ev.RunID),
		logx.String("origin", string(ev.Origin)),
	)

	d.publish(eventbus.RunStarted, ev)

	ctx := d.runCtx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	err := d.invoke(ctx, r, log)
	ev.Duration = time.Since(ev.Started)

	if err != nil {
		d.failed.Add(1)
		ev.Error = err.Error()
		log.Error("region job failed", logx.Event("region_job_error"), logx.Err(err), logx.Duration("dur", ev.Duration))
		d.publish(eventbus.RunFailed, ev)
		return
	}
	log.Debug("region job finished", logx.Duration("dur", ev.Duration))
	d.publish(eventbus.RunFinished, ev)
}

// invoke converts handler panics into errors so one bad region cannot take
// the process down.
func (d *Dispatcher) invoke(ctx context.Context, r region.Region, log logx.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("region job panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return d.handler(ctx, r, log)
}

func (d *Dispatcher) onSkipped(r region.Region, origin Origin, reason error) {
	d.skipped.Add(1)
	label := SkipReason(reason)
	if origin == OriginSchedule {
		d.metrics.RecordTickSkipped(context.Background(), label)
	}

	fields := []logx.Field{
		logx.String("region_id", r.ID),
		logx.String("region_code", r.Code),
		logx.String("origin", string(origin)),
		logx.String("reason", label),
		logx.Int("running", d.InFlight()),
		logx.Int("max", d.Max()),
	}
	if errors.Is(reason, ErrCapacity) {
		fields = append(fields, logx.Event("tick_skipped_capacity"))
	}
	if d.skipWarn.Allow() {
		d.log.Warn("region tick skipped", fields...)
	} else {
		d.log.Debug("region tick skipped", fields...)
	}

	d.publish(eventbus.RunSkipped, RunEvent{
		RegionID:   r.ID,
		RegionCode: r.Code,
		Origin:     origin,
		Started:    time.Now(),
		Reason:     label,
	})
}

func (d *Dispatcher) publish(topic string, ev RunEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

func (d *Dispatcher) tryMarkRunning(id string) bool {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	if d.running[id] > 0 {
		return false
	}
	d.running[id]++
	return true
}

func (d *Dispatcher) unmarkRunning(id string) {
	d.runningMu.Lock()
	if d.running[id] <= 1 {
		delete(d.running, id)
	} else {
		d.running[id]--
	}
	d.runningMu.Unlock()
}

// Stop makes every later Dispatch decline. In-flight handlers keep running.
// Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (d *Dispatcher) Stopped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stopped
}

// Drain waits for in-flight handlers. If ctx ends first their contexts are
// canceled and ctx's error is returned. Call after Stop.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.runCancel()
		d.log.Warn("drain timed out", logx.Int("in_flight", d.InFlight()))
		return ctx.Err()
	}
}

func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		Max:      d.Max(),
		InFlight: d.InFlight(),
		Started:  d.started.Load(),
		Failed:   d.failed.Load(),
		Skipped:  d.skipped.Load(),
		Stopped:  d.Stopped(),
	}
}
