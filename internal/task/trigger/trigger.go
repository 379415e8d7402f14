package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "regionworker/pkg/logx"
)

var ErrInvalidSchedule = errors.New("invalid cron schedule")

// Config controls the cron engine.
type Config struct {
	// Timezone is an IANA name. Empty means UTC.
	Timezone string
}

// Handle is a running trigger. Stop is idempotent.
type Handle interface {
	Stop()
	Next() time.Time
}

// Engine validates expressions and turns them into running triggers.
type Engine interface {
	Validate(expr string) error
	Schedule(expr string, fn func()) (Handle, error)
}

// parser accepts 5-field specs, an optional leading seconds field and
// descriptors like "@daily" or "@every 30m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron is the robfig/cron backed Engine.
type Cron struct {
	mu  sync.Mutex
	log logx.Logger
	loc *time.Location
	c   *cron.Cron
}

func New(cfg Config, log logx.Logger) (*Cron, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log: log})),
		cron.WithLogger(cronLogger{log: log}),
	)
	return &Cron{log: log, loc: loc, c: c}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("trigger: timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Location reports the zone every trigger fires in.
func (e *Cron) Location() *time.Location { return e.loc }

// Start begins firing registered triggers. Triggers may be added before or after Start.
func (e *Cron) Start() {
	e.c.Start()
	e.log.Debug("cron engine started", logx.String("tz", e.loc.String()))
}

// Stop halts firing. It waits for callbacks already running, bounded by ctx.
func (e *Cron) Stop(ctx context.Context) {
	select {
	case <-e.c.Stop().Done():
	case <-ctx.Done():
	}
}

func (e *Cron) Validate(expr string) error {
	_, err := parse(expr)
	return err
}

func (e *Cron) Schedule(expr string, fn func()) (Handle, error) {
	if fn == nil {
		return nil, errors.New("trigger: callback required")
	}
	sched, err := parse(expr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	id := e.c.Schedule(sched, cron.FuncJob(fn))
	e.mu.Unlock()
	return &entry{eng: e, id: id}, nil
}

// Entries is the number of live triggers.
func (e *Cron) Entries() int { return len(e.c.Entries()) }

type entry struct {
	eng  *Cron
	id   cron.EntryID
	once sync.Once
}

func (h *entry) Stop() {
	h.once.Do(func() {
		h.eng.mu.Lock()
		h.eng.c.Remove(h.id)
		h.eng.mu.Unlock()
	})
}

func (h *entry) Next() time.Time { return h.eng.c.Entry(h.id).Next }

func parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// NextRuns returns the next n instants expr matches after from, in from's location.
func NextRuns(expr string, n int, from time.Time) ([]time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, max(0, n))
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// cronLogger adapts logx to cron.Logger so recovered panics in callbacks land
// in the structured log.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
