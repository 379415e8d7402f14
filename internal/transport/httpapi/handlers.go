package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"regionworker/internal/storage"
	"regionworker/internal/task/scheduler"
	logx "regionworker/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Runner is the scheduler surface the API needs.
type Runner interface {
	RunNow(ctx context.Context, code string, opt scheduler.RunOptions) scheduler.RunResult
	Snapshot() scheduler.Snapshot
}

// RunLister serves GET /runs. A nil lister reports the journal as disabled.
type RunLister interface {
	RecentRuns(ctx context.Context, code string, limit int) ([]storage.RunRecord, error)
}

type errorBody struct {
	Error string `json:"error"`
}

type runAccepted struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code"`
	Force  bool   `json:"force"`
	Status string `json:"status"`
}

type runRejected struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type runsBody struct {
	Enabled bool                `json:"enabled"`
	Runs    []storage.RunRecord `json:"runs"`
}

// statusFor maps a manual-run reason to its HTTP status.
func statusFor(reason string) int {
	switch reason {
	case scheduler.ReasonNotFound:
		return http.StatusNotFound
	case scheduler.ReasonInactive:
		return http.StatusConflict
	case scheduler.ReasonCapacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type handlers struct {
	runner Runner
	runs   RunLister
	log    logx.Logger
}

// route dispatches on method and path. Anything unmatched, including other
// methods on /run, is 404.
func (h *handlers) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case (r.Method == http.MethodGet || r.Method == http.MethodPost) && r.URL.Path == "/run":
		h.run(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/regions":
		writeJSON(w, http.StatusOK, h.runner.Snapshot())
	case r.Method == http.MethodGet && r.URL.Path == "/runs":
		h.listRuns(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	}
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	var (
		code  string
		force bool
	)
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		code = q.Get("code")
		force = truthy(q.Get("force"))
	} else {
		var ok bool
		code, force, ok = readRunBody(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
			return
		}
	}
	code = strings.TrimSpace(code)
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing code"})
		return
	}

	res := h.runner.RunNow(r.Context(), code, scheduler.RunOptions{Force: force})
	if res.OK {
		writeJSON(w, http.StatusAccepted, runAccepted{OK: true, Code: code, Force: force, Status: "dispatched"})
		return
	}
	writeJSON(w, statusFor(res.Reason), runRejected{OK: false, Code: code, Reason: res.Reason})
}

// readRunBody accepts {"code": "...", "force": true|"1"|"true"}. An empty
// body is valid and yields no code.
func readRunBody(r *http.Request) (code string, force bool, ok bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(b) > maxBodyBytes {
		return "", false, false
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return "", false, true
	}
	var body struct {
		Code  any `json:"code"`
		Force any `json:"force"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return "", false, false
	}
	if s, isStr := body.Code.(string); isStr {
		code = s
	}
	switch v := body.Force.(type) {
	case bool:
		force = v
	case string:
		force = truthy(v)
	}
	return code, force, true
}

func truthy(v string) bool { return v == "1" || v == "true" }

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusOK, runsBody{Enabled: false, Runs: []storage.RunRecord{}})
		return
	}
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = min(n, 1000)
	}
	runs, err := h.runs.RecentRuns(r.Context(), strings.TrimSpace(q.Get("code")), limit)
	if err != nil {
		h.log.Warn("list runs failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runsBody{Enabled: true, Runs: runs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
