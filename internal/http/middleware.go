package httpx

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/logging"
	"github.com/shortontech/reqwatch/internal/metrics"
)

// Enqueuer accepts entries for background storage without blocking.
type Enqueuer interface {
	Enqueue(entry event.LogEntry) bool
}

type metadataKey struct{}

// WithMetadata returns a copy of ctx carrying m.
func WithMetadata(ctx context.Context, m event.Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, m)
}

// MetadataFrom returns the metadata the capture middleware attached to ctx.
func MetadataFrom(ctx context.Context) (event.Metadata, bool) {
	m, ok := ctx.Value(metadataKey{}).(event.Metadata)
	return m, ok
}

var staticExtensions = map[string]struct{}{
	"js": {}, "css": {}, "png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "ico": {},
	"svg": {}, "woff": {}, "woff2": {}, "ttf": {}, "eot": {}, "map": {},
}

func isStaticAsset(path string) bool {
	i := strings.LastIndexByte(path, '.')
	if i < 0 || strings.IndexByte(path[i:], '/') >= 0 {
		return false
	}
	_, ok := staticExtensions[path[i+1:]]
	return ok
}

// probePaths are polled by orchestrators and the healthcheck command; they are
// never stored as page views.
var probePaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
}

func isProbe(path string) bool {
	_, ok := probePaths[path]
	return ok
}

const userAgentLogLen = 50

func truncateUserAgent(ua string) string {
	if len(ua) <= userAgentLogLen {
		return ua
	}
	return ua[:userAgentLogLen] + "..."
}

func headerOrNone(r *http.Request, name string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return "none"
}

// Capture extracts request metadata, logs one line per request and attaches
// the metadata to the request context. When autoCapture is set, page views
// outside /api/ that are neither static assets nor health probes are queued on
// q for storage.
func Capture(q Enqueuer, autoCapture bool, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			md := event.Extract(r, now())

			logging.Info().
				Str("method", md.Method).
				Str("path", md.Path).
				Str("ip", md.IP).
				Str("x_forwarded_for", headerOrNone(r, "X-Forwarded-For")).
				Str("x_real_ip", headerOrNone(r, "X-Real-IP")).
				Str("connection_ip", md.ConnectionIP).
				Str("user_agent", truncateUserAgent(md.UserAgent)).
				Msg("request")

			if autoCapture && q != nil && !isStaticAsset(md.Path) && !isProbe(md.Path) && !strings.HasPrefix(md.Path, "/api/") {
				q.Enqueue(md.Entry(event.TypePageView))
			}

			next.ServeHTTP(w, r.WithContext(WithMetadata(r.Context(), md)))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

// MetricsMiddleware records request counts and durations per route pattern.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			endpoint := routePattern(r)
			m.ObserveHTTPDuration(endpoint, r.Method, time.Since(start))
			m.IncrementHTTPRequests(endpoint, r.Method, strconv.Itoa(rw.statusCode))
		})
	}
}

// routePattern keeps label cardinality bounded: arbitrary paths collapse
// into "other".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "other"
}

// RecoverWith turns a handler panic into a JSON 500 carrying msg.
func RecoverWith(msg string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg(msg)
				writeError(w, http.StatusInternalServerError, msg)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Recoverer is RecoverWith with a generic message.
var Recoverer = RecoverWith("Internal server error")
