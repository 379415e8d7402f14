package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"regionworker/internal/eventbus"
	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

func testRegion(id, code string) region.Region {
	return region.Region{ID: id, Code: code, CronSchedule: "0 3 * * *", Active: true}
}

// blocker is a handler that parks every invocation until released.
type blocker struct {
	entered chan string
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{entered: make(chan string, 64), release: make(chan struct{})}
}

func (b *blocker) handle(ctx context.Context, r region.Region, _ logx.Logger) error {
	b.entered <- r.Code
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchRespectsCap(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	d := New(Config{Concurrency: 2}, b.handle, logx.Nop(), nil, nil)

	if !d.Dispatch(testRegion("a", "A"), OriginSchedule) {
		t.Fatal("first dispatch declined")
	}
	if !d.Dispatch(testRegion("b", "B"), OriginSchedule) {
		t.Fatal("second dispatch declined")
	}
	<-b.entered
	<-b.entered

	if err := d.Submit(testRegion("c", "C"), OriginSchedule); !errors.Is(err, ErrCapacity) {
		t.Fatalf("third submit = %v, want ErrCapacity", err)
	}
	if got := d.InFlight(); got != 2 {
		t.Fatalf("in flight = %d, want 2", got)
	}
	if !d.Full() {
		t.Fatal("Full should report true at the cap")
	}

	close(b.release)
	waitFor(t, "slots released", func() bool { return d.InFlight() == 0 })

	snap := d.Snapshot()
	if snap.Started != 2 || snap.Skipped != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDispatchNeverExceedsCapUnderContention(t *testing.T) {
	t.Parallel()
	const limit = 3
	var cur, peak atomic.Int32
	release := make(chan struct{})
	h := func(ctx context.Context, r region.Region, _ logx.Logger) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		cur.Add(-1)
		return nil
	}
	d := New(Config{Concurrency: limit}, h, logx.Nop(), nil, nil)

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Dispatch(testRegion("r", "R"), OriginSchedule) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != limit {
		t.Fatalf("accepted = %d, want %d", got, limit)
	}
	if d.InFlight() > limit {
		t.Fatalf("in flight %d exceeds cap", d.InFlight())
	}
	close(release)
	waitFor(t, "drain", func() bool { return d.InFlight() == 0 })
	if p := peak.Load(); p > limit {
		t.Fatalf("peak concurrency %d exceeds cap %d", p, limit)
	}
}

func TestHandlerFailuresReleaseSlot(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	calls := 0
	var mu sync.Mutex
	h := func(ctx context.Context, r region.Region, _ logx.Logger) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return errors.New("catalog down")
		}
		if n == 2 {
			panic("nil map")
		}
		return nil
	}
	d := New(Config{Concurrency: 1}, h, logx.Nop(), bus, nil)

	for i := 0; i < 3; i++ {
		waitFor(t, "free slot", func() bool { return d.InFlight() == 0 })
		if !d.Dispatch(testRegion("a", "A"), OriginSchedule) {
			t.Fatalf("dispatch %d declined", i)
		}
	}
	waitFor(t, "last run", func() bool { return d.InFlight() == 0 && d.Snapshot().Started == 3 })

	var failed, finished int
	deadline := time.After(2 * time.Second)
	for failed+finished < 3 {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.RunFailed:
				failed++
			case eventbus.RunFinished:
				finished++
			}
		case <-deadline:
			t.Fatalf("got %d failed, %d finished events", failed, finished)
		}
	}
	if failed != 2 || finished != 1 {
		t.Fatalf("failed = %d finished = %d, want 2 and 1", failed, finished)
	}
	if got := d.Snapshot().Failed; got != 2 {
		t.Fatalf("failed counter = %d", got)
	}
}

func TestStopDeclinesAndDrainWaits(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	d := New(Config{Concurrency: 2}, b.handle, logx.Nop(), nil, nil)
	if !d.Dispatch(testRegion("a", "A"), OriginManual) {
		t.Fatal("dispatch declined")
	}
	<-b.entered

	d.Stop()
	d.Stop()
	if err := d.Submit(testRegion("b", "B"), OriginManual); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop = %v, want ErrStopped", err)
	}
	if d.InFlight() != 1 {
		t.Fatal("stop must not interrupt in-flight handlers")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(b.release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if d.InFlight() != 0 {
		t.Fatal("drain returned with work in flight")
	}
}

func TestDrainTimeoutCancelsHandlers(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	d := New(Config{Concurrency: 1}, b.handle, logx.Nop(), nil, nil)
	d.Dispatch(testRegion("a", "A"), OriginSchedule)
	<-b.entered
	d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded", err)
	}
	waitFor(t, "canceled handler to exit", func() bool { return d.InFlight() == 0 })
}

func TestOverlapGateOnlyAppliesToSchedule(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	d := New(Config{Concurrency: 4, Overlap: OverlapSkipIfRunning}, b.handle, logx.Nop(), nil, nil)
	r := testRegion("a", "A")

	if !d.Dispatch(r, OriginSchedule) {
		t.Fatal("first firing declined")
	}
	<-b.entered
	if err := d.Submit(r, OriginSchedule); !errors.Is(err, ErrOverlap) {
		t.Fatalf("second firing = %v, want ErrOverlap", err)
	}
	if !d.Dispatch(r, OriginManual) {
		t.Fatal("manual run should bypass the overlap gate")
	}
	<-b.entered
	close(b.release)
	waitFor(t, "drain", func() bool { return d.InFlight() == 0 })

	if !d.Dispatch(r, OriginSchedule) {
		t.Fatal("firing after completion declined")
	}
}

func TestConcurrencyFloor(t *testing.T) {
	t.Parallel()
	d := New(Config{Concurrency: 0}, nil, logx.Nop(), nil, nil)
	if d.Max() != 1 {
		t.Fatalf("max = %d, want 1", d.Max())
	}
}

func TestSkipReason(t *testing.T) {
	t.Parallel()
	for err, want := range map[error]string{
		nil:                   "",
		ErrCapacity:           "capacity",
		ErrOverlap:            "overlap",
		ErrStopped:            "stopped",
		errors.New("strange"): "error",
	} {
		if got := SkipReason(err); got != want {
			t.Errorf("SkipReason(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestParseOverlap(t *testing.T) {
	t.Parallel()
	if ParseOverlap("skip_if_running") != OverlapSkipIfRunning {
		t.Fatal("skip_if_running")
	}
	if ParseOverlap("") != OverlapAllow {
		t.Fatal("default should allow")
	}
}
