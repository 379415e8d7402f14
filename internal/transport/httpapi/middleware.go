package httpapi

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"regionworker/internal/observability/metrics"
	logx "regionworker/pkg/logx"
)

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", wrapped.statusCode),
				logx.Duration("dur", time.Since(start)),
			)
		})
	}
}

// MetricsMiddleware records request count and latency.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, time.Since(start).Seconds())
		})
	}
}

// RecoveryMiddleware turns handler panics into 500 {"error":"internal"}.
func RecoveryMiddleware(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrap(w)
			defer func() {
				if p := recover(); p != nil {
					log.Error("api error", logx.Any("panic", p), logx.String("path", r.URL.Path), logx.Stack(string(debug.Stack())))
					if !wrapped.wrote {
						writeJSON(wrapped, http.StatusInternalServerError, errorBody{Error: "internal"})
					}
				}
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

// AuthMiddleware requires "Authorization: Bearer <token>" on every route
// except /healthz. An empty token disables authentication.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || (r.Method == http.MethodGet && r.URL.Path == "/healthz") {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// chain applies middlewares so the first one listed is outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wrote {
		return
	}
	rw.statusCode = code
	rw.wrote = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wrote {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
