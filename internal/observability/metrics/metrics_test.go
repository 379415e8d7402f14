package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "regionworker/pkg/logx"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	m, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if m == nil {
		t.Fatal("Expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestScrapeExposesWorkerMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordReconcile(ctx, 2, 1, 1, 2, time.Unix(1700000000, 0))
	m.RecordReconcileError(ctx)
	m.SetRunning(ctx, 1)
	m.RecordTickSkipped(ctx, "capacity")
	m.RecordRegionTick(ctx, "DETROIT_METRO", "ok", 250*time.Millisecond)
	m.RecordManualRun(ctx, "rejected", "not_found", "NOPE")
	m.RecordHTTPRequest(ctx, "POST", "/run", 202, 0.002)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"scheduler_regions_added_total",
		"scheduler_regions_rescheduled_total",
		"scheduler_regions_removed_total",
		"scheduler_reconcile_errors_total",
		"scheduler_regions_active",
		"scheduler_reconcile_last_success_unixtime",
		"scheduler_concurrency_running",
		"scheduler_ticks_skipped_total",
		"region_ticks_total",
		"region_tick_duration_seconds",
		"region_manual_runs_total",
		"http_requests_total",
		`region_code="DETROIT_METRO"`,
		`reason="not_found"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	ctx := context.Background()
	m.RecordReconcile(ctx, 1, 1, 1, 1, time.Now())
	m.RecordReconcileError(ctx)
	m.SetRegionsActive(ctx, 0)
	m.SetRunning(ctx, 0)
	m.RecordTickSkipped(ctx, "capacity")
	m.RecordRegionTick(ctx, "X", "error", time.Second)
	m.RecordManualRun(ctx, "accepted", "ok", "X")
	m.RecordHTTPRequest(ctx, "GET", "/healthz", 200, 0.001)
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown on nil: %v", err)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/healthz", "/healthz"},
		{"/run", "/run"},
		{"/regions", "/regions"},
		{"/debug/pprof/heap", "/debug/pprof"},
		{"/wp-admin", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()
	_, scrape, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Pprof: true}, scrape, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for path, want := range map[string]int{
		"/healthz":       http.StatusOK,
		"/metrics":       http.StatusOK,
		"/debug/pprof/":  http.StatusOK,
		"/does-not-live": http.StatusNotFound,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
		if path == "/healthz" && string(body) != "ok" {
			t.Errorf("healthz body = %q", body)
		}
	}
}

func TestServerWithoutPprof(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{}, nil, logx.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without flag = %d, want 404", rec.Code)
	}
}

func TestServerListenServe(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, nil, logx.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
