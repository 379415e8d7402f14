package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "regionworker/pkg/logx"
)

// ServerConfig controls the metrics listener.
type ServerConfig struct {
	Addr string

	// Pprof mounts net/http/pprof under PprofPrefix (default /debug/pprof/).
	Pprof       bool
	PprofPrefix string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Server serves /metrics, /healthz and optionally pprof.
type Server struct {
	cfg     ServerConfig
	log     logx.Logger
	handler http.Handler

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func NewServer(cfg ServerConfig, scrape http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "0.0.0.0:9091"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	s := &Server{cfg: cfg, log: log}
	s.handler = s.routes(scrape)
	return s
}

func (s *Server) routes(scrape http.Handler) http.Handler {
	mux := http.NewServeMux()
	if scrape == nil {
		scrape = http.NotFoundHandler()
	}
	mux.Handle("/metrics", scrape)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.cfg.Pprof {
		prefix := normalizePrefix(s.cfg.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, pprofIndexAt(prefix))
		mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
		mux.HandleFunc(base+"/profile", hpprof.Profile)
		mux.HandleFunc(base+"/symbol", hpprof.Symbol)
		mux.HandleFunc(base+"/trace", hpprof.Trace)
	}
	return mux
}

// Handler exposes the routed mux (tests, embedding).
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

// Addr is the bound address once Listen succeeded, else the configured one.
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
		return errors.New("metrics: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics listening",
		logx.Event("metrics_listen"),
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
