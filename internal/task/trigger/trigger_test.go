package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "regionworker/pkg/logx"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	eng, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		expr string
		ok   bool
	}{
		{expr: "0 3 * * *", ok: true},
		{expr: "0 */12 * * *", ok: true},
		{expr: "*/30 * * * * *", ok: true},
		{expr: "@hourly", ok: true},
		{expr: "@every 55m", ok: true},
		{expr: "", ok: false},
		{expr: "not a cron", ok: false},
		{expr: "61 * * * *", ok: false},
	}
	for _, tt := range tests {
		err := eng.Validate(tt.expr)
		if tt.ok && err != nil {
			t.Fatalf("Validate(%q) error: %v", tt.expr, err)
		}
		if !tt.ok {
			if err == nil {
				t.Fatalf("Validate(%q) expected error", tt.expr)
			}
			if !errors.Is(err, ErrInvalidSchedule) {
				t.Fatalf("Validate(%q) error %v is not ErrInvalidSchedule", tt.expr, err)
			}
		}
	}
}

func TestNextRunsUTC(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC)
	got, err := NextRuns("0 3 * * *", 2, from)
	if err != nil {
		t.Fatalf("NextRuns: %v", err)
	}
	want := []time.Time{
		time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 3, 3, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("run[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if _, err := NextRuns("bogus", 1, from); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestScheduleFiresAndStops(t *testing.T) {
	eng, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.Start()
	t.Cleanup(func() { eng.Stop(context.Background()) })

	var fired atomic.Int32
	h, err := eng.Schedule("@every 1s", func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if h.Next().IsZero() {
		t.Fatal("expected next run to be set after Start")
	}

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("trigger never fired")
	}

	h.Stop()
	h.Stop() // idempotent
	if n := eng.Entries(); n != 0 {
		t.Fatalf("entries after stop = %d, want 0", n)
	}
	after := fired.Load()
	time.Sleep(1200 * time.Millisecond)
	if fired.Load() != after {
		t.Fatal("trigger fired after Stop")
	}
}

func TestScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	eng, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Schedule("nope", func() {}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("Schedule error = %v, want ErrInvalidSchedule", err)
	}
	if eng.Entries() != 0 {
		t.Fatal("invalid schedule must not create an entry")
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Timezone: "Mars/Olympus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
