package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"regionworker/internal/region"
	logx "regionworker/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testEnv(extra map[string]string) func(string) string {
	env := map[string]string{
		"API_HOST":       "127.0.0.1",
		"API_PORT":       "0",
		"METRICS_HOST":   "127.0.0.1",
		"METRICS_PORT":   "0",
		"CATALOG_DRIVER": "memory",
		"LOG_FORMAT":     "json",
		"LOG_LEVEL":      "debug",
	}
	for k, v := range extra {
		env[k] = v
	}
	return func(k string) string { return env[k] }
}

func startApp(t *testing.T, opt Options) *App {
	t.Helper()
	a, err := New(opt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestAppServesAndRunsRegions(t *testing.T) {
	ran := make(chan string, 4)
	handler := func(_ context.Context, r region.Region, _ logx.Logger) error {
		ran <- r.Code
		return nil
	}
	logs := &syncBuffer{}
	a := startApp(t, Options{Env: testEnv(nil), Handler: handler, LogOutput: logs, Version: "test"})

	base := "http://" + a.APIAddr()
	if code, body := get(t, base+"/healthz"); code != http.StatusOK || strings.TrimSpace(body) != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	code, body := get(t, base+"/regions")
	if code != http.StatusOK {
		t.Fatalf("regions = %d", code)
	}
	var snap struct {
		State   string `json:"state"`
		Regions []struct {
			Code string `json:"code"`
		} `json:"regions"`
	}
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode regions: %v", err)
	}
	if snap.State != "running" || len(snap.Regions) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	resp, err := http.Post(base+"/run?code=DETROIT_METRO", "application/json", nil)
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	select {
	case got := <-ran:
		if got != "DETROIT_METRO" {
			t.Fatalf("ran %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never ran")
	}

	if code, _ := get(t, base+"/run?code=NOPE"); code != http.StatusNotFound {
		t.Fatalf("unknown code = %d", code)
	}

	code, body = get(t, "http://"+a.MetricsAddr()+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "region_manual_runs") {
		t.Fatalf("metrics = %d", code)
	}

	if !strings.Contains(logs.String(), `"run_id"`) || !strings.Contains(logs.String(), `"version":"test"`) {
		t.Fatalf("base log fields missing")
	}
}

func TestAppJournalRecordsManualRuns(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "worker.yaml")
	doc := "storage:\n  driver: file\n  path: " + filepath.Join(dir, "runs.jsonl") + "\n"
	if err := os.WriteFile(cfgPath, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	handler := func(context.Context, region.Region, logx.Logger) error { return nil }
	a := startApp(t, Options{ConfigPath: cfgPath, Env: testEnv(map[string]string{"LOG_LEVEL": "warn"}), Handler: handler, LogOutput: io.Discard})

	base := "http://" + a.APIAddr()
	if code, _ := get(t, base+"/run?code=LOSANGELES_METRO"); code != http.StatusAccepted {
		t.Fatalf("run = %d", code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := get(t, base+"/runs?code=LOSANGELES_METRO")
		var out struct {
			Enabled bool `json:"enabled"`
			Runs    []struct {
				Status string `json:"status"`
				Origin string `json:"origin"`
			} `json:"runs"`
		}
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			t.Fatalf("decode runs: %v", err)
		}
		if !out.Enabled {
			t.Fatalf("journal disabled")
		}
		if len(out.Runs) > 0 && out.Runs[0].Status == "ok" {
			if out.Runs[0].Origin != "manual" {
				t.Fatalf("origin = %s", out.Runs[0].Origin)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal never recorded the run: %s", body)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAppStopIsIdempotent(t *testing.T) {
	a, err := New(Options{Env: testEnv(nil), LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("done not closed after stop")
	}
	if got := a.Scheduler().State().String(); got != "stopped" {
		t.Fatalf("state = %s", got)
	}
	if a.Err() != nil {
		t.Fatalf("err = %v", a.Err())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Options{Env: testEnv(map[string]string{"CONCURRENCY": "many"}), LogOutput: io.Discard}); err == nil {
		t.Fatalf("expected config error")
	}
}
