package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to
// heap. Reset fields on Get, nil ResponseWriter on Put to avoid retaining
// references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access skips
// textproto canonicalization on every request.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := proxy.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration, and
// feeds the request metrics when telemetry is wired.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		if m := s.deps.Metrics; m != nil {
			m.ActiveRequests.Inc()
		}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		if m := s.deps.Metrics; m != nil {
			m.ActiveRequests.Dec()
			svc := pathService(r.URL.Path)
			m.RequestsTotal.WithLabelValues(r.Method, svc, strconv.Itoa(sw.status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, svc).Observe(elapsed.Seconds())
		}
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// pathService extracts the provider prefix of a request path. System routes
// ("/healthz", "/metrics", "/admin/...") report their own first segment,
// which keeps label cardinality bounded by the route table.
func pathService(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// authenticate resolves the bearer user token and stores the user in context.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			writeJSON(w, authStatus(err), errorResponse(err.Error()))
			return
		}
		// user is nil for proxy-password callers; handlers treat that as an
		// unmetered request.
		ctx := proxy.ContextWithUser(r.Context(), user)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, proxy.ErrUserDisabled), errors.Is(err, proxy.ErrIPLimited):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// requireAdmin gates the admin surface on the configured admin key.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.deps.AdminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse("admin key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter so SSE streaming works
// through the middleware stack.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
