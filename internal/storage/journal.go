package storage

import (
	"context"
	"time"

	"regionworker/internal/eventbus"
	"regionworker/internal/task/engine"
	logx "regionworker/pkg/logx"
)

// Recorder appends dispatcher run events to a Store.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// Run subscribes to bus and consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	if r == nil || r.store == nil || bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	r.Consume(ctx, ch)
	return nil
}

// Consume appends events from ch until ctx is done or ch closes. Write
// failures are logged and never stop the loop. Events already buffered when
// ctx ends are still written.
func (r *Recorder) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			r.flush(ch)
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.append(ctx, e)
		}
	}
}

func (r *Recorder) flush(ch <-chan eventbus.Event) {
	ctx := context.Background()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.append(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) append(ctx context.Context, e eventbus.Event) {
	rec, ok := RecordFromEvent(e)
	if !ok || r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.log.Warn("run journal append failed", logx.String("region_code", rec.RegionCode), logx.Err(err))
	}
}

// RecordFromEvent maps a run lifecycle event to a journal record.
func RecordFromEvent(e eventbus.Event) (RunRecord, bool) {
	ev, ok := e.Data.(engine.RunEvent)
	if !ok {
		return RunRecord{}, false
	}
	var status string
	switch e.Type {
	case eventbus.RunStarted:
		status = StatusStarted
	case eventbus.RunFinished:
		status = StatusOK
	case eventbus.RunFailed:
		status = StatusError
	case eventbus.RunSkipped:
		status = StatusSkipped
	default:
		return RunRecord{}, false
	}
	started := ev.Started
	if started.IsZero() {
		started = e.Time
	}
	return RunRecord{
		RunID:      ev.RunID,
		RegionID:   ev.RegionID,
		RegionCode: ev.RegionCode,
		Origin:     string(ev.Origin),
		Status:     status,
		Reason:     ev.Reason,
		Error:      ev.Error,
		StartedAt:  started,
		DurationMS: ev.Duration.Milliseconds(),
	}, true
}
