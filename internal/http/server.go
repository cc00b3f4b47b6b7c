package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/metrics"
)

// Error messages returned when a log route fails unexpectedly.
const (
	msgLogRequest = "Failed to log request"
	msgLogForm    = "Failed to log form submission"
	msgGetLogs    = "Failed to retrieve logs"
	msgAnalysis   = "Failed to analyze attacks"
)

// NewRouter mounts the health probes and the /api log routes behind the
// capture, metrics and recovery middleware.
func NewRouter(e Env, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(Capture(e.Queue, e.Cfg.AutoCapture, e.Now))
	r.Use(MetricsMiddleware(m))

	r.Get("/healthz", e.Healthz)
	r.Get("/readyz", e.Readyz)

	r.Route("/api", func(r chi.Router) {
		if e.Cfg.RateLimitRequests > 0 && e.Cfg.RateLimitWindowMS > 0 {
			r.Use(httprate.Limit(e.Cfg.RateLimitRequests, e.Cfg.RateLimitWindow(),
				httprate.WithKeyFuncs(clientKey),
			))
		}

		r.With(RecoverWith(msgLogRequest)).Post("/log/request", e.LogRequest)
		r.With(RecoverWith(msgLogForm)).Post("/log/form", e.LogForm)
		r.With(RecoverWith(msgGetLogs)).Get("/logs", e.Logs)
		r.With(RecoverWith(msgAnalysis)).Get("/attack-analysis", e.AttackAnalysis)
	})

	return r
}

// clientKey buckets the API cap by the client address the capture middleware
// resolved, so clients behind a reverse proxy don't share one bucket.
func clientKey(r *http.Request) (string, error) {
	if md, ok := MetadataFrom(r.Context()); ok && md.IP != "" && md.IP != event.Unknown {
		return md.IP, nil
	}
	return httprate.KeyByIP(r)
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
