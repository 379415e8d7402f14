// Package httpapi is the worker's control surface: health, manual runs and
// read-only diagnostics.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"regionworker/internal/observability/metrics"
	logx "regionworker/pkg/logx"
)

type Config struct {
	Addr  string
	Token string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	cfg     Config
	log     logx.Logger
	handler http.Handler

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// NewServer builds the API. runs may be nil when the run journal is disabled.
func NewServer(cfg Config, runner Runner, runs RunLister, m *metrics.Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "api"))
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "0.0.0.0:8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	h := &handlers{runner: runner, runs: runs, log: log}
	return &Server{
		cfg: cfg,
		log: log,
		handler: chain(http.HandlerFunc(h.route),
			MetricsMiddleware(m),
			LoggingMiddleware(log),
			RecoveryMiddleware(log),
			AuthMiddleware(cfg.Token),
		),
	}
}

// Handler exposes the full middleware chain (tests, embedding).
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds the configured address. A bind failure is returned to the caller.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Serve blocks until ctx is canceled, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if ln == nil || srv == nil {
		return errors.New("httpapi: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.log.Info("api server listening",
		logx.Event("api_listen"),
		logx.String("host", host),
		logx.String("port", port),
		logx.Bool("auth", s.cfg.Token != ""),
	)
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
