package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shortontech/reqwatch/internal/logging"
)

// Metrics holds all the Prometheus metrics for reqwatch.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Counters
	EntriesStored     *prometheus.CounterVec
	EntriesClassified *prometheus.CounterVec
	SuspiciousReasons *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
	BackendFallbacks  *prometheus.CounterVec
	DispatchDropped   prometheus.Counter
	HTTPRequests      *prometheus.CounterVec

	// Gauges
	DispatchQueueDepth  prometheus.Gauge
	TrackedIPs          prometheus.Gauge
	TrackedFingerprints prometheus.Gauge
	BreakerState        *prometheus.GaugeVec

	// Histograms
	StoreLatency *prometheus.HistogramVec
	HTTPDuration *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

// NewMetrics creates all reqwatch metrics on reg. Pass a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqwatch_entries_stored_total",
				Help: "Entries persisted, by the backend that accepted them",
			},
			[]string{"backend"},
		),

		EntriesClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqwatch_entries_classified_total",
				Help: "Entries classified, by outcome",
			},
			[]string{"suspicious"},
		),

		SuspiciousReasons: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqwatch_suspicious_reasons_total",
				Help: "Reason codes raised by the classifier, counts stripped",
			},
			[]string{"reason"},
		),

		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqwatch_backend_errors_total",
				Help: "Failed writes to a storage backend",
			},
			[]string{"backend"},
		),

		BackendFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqwatch_backend_fallbacks_total",
				Help: "Entries redirected to memory after a backend failure",
			},
			[]string{"backend"},
		),

		DispatchDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reqwatch_dispatch_dropped_total",
				Help: "Entries dropped because the dispatch queue was full",
			},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqwatch_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		DispatchQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reqwatch_dispatch_queue_depth",
				Help: "Entries waiting in the dispatch queue",
			},
		),

		TrackedIPs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reqwatch_tracked_ips",
				Help: "IPs with a live rate window",
			},
		),

		TrackedFingerprints: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reqwatch_tracked_fingerprints",
				Help: "Fingerprints with an occurrence count",
			},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqwatch_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),

		StoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqwatch_store_latency_seconds",
				Help:    "Time to classify and persist one entry",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqwatch_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a metrics server exposing gatherer on /metrics.
func NewServer(config Config, gatherer prometheus.Gatherer) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Add a simple health check endpoint for the metrics server
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) // Ignore write errors for health check
	})

	srv := &http.Server{
		Addr:    config.Addr,
		Handler: mux,
		// Security: Set timeouts to prevent resource exhaustion
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.useTLS() {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Configure mTLS if client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				return nil, fmt.Errorf("metrics: failed to load client CA: %w", err)
			}
			tlsConfig.ClientCAs = clientCAs
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			logging.Info().Str("client_ca", config.ClientCA).Msg("metrics: mTLS enabled")
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
	}, nil
}

func (c Config) useTLS() bool {
	return c.RequireTLS && c.TLSCert != "" && c.TLSKey != ""
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in a separate goroutine. Bind errors
// are returned directly.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		logging.Info().Msg("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: failed to listen on %s: %w", s.config.Addr, err)
	}

	go func() {
		var err error
		if s.config.useTLS() {
			logging.Info().Str("addr", ln.Addr().String()).Msg("metrics: HTTPS server listening")
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			logging.Info().Str("addr", ln.Addr().String()).Msg("metrics: HTTP server listening")
			err = s.server.Serve(ln)
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("metrics: server error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	logging.Info().Msg("metrics: shutting down server")
	return s.server.Shutdown(ctx)
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

// Convenience methods for common operations

func (m *Metrics) IncrementEntriesStored(backend string) {
	if m == nil {
		return
	}
	m.EntriesStored.WithLabelValues(backend).Inc()
}

func (m *Metrics) IncrementBackendErrors(backend string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(backend).Inc()
}

func (m *Metrics) IncrementBackendFallbacks(backend string) {
	if m == nil {
		return
	}
	m.BackendFallbacks.WithLabelValues(backend).Inc()
}

// RecordClassification counts the outcome and each reason category.
func (m *Metrics) RecordClassification(suspicious bool, categories []string) {
	if m == nil {
		return
	}
	if suspicious {
		m.EntriesClassified.WithLabelValues("true").Inc()
	} else {
		m.EntriesClassified.WithLabelValues("false").Inc()
	}
	for _, c := range categories {
		m.SuspiciousReasons.WithLabelValues(c).Inc()
	}
}

func (m *Metrics) IncrementDispatchDropped() {
	if m == nil {
		return
	}
	m.DispatchDropped.Inc()
}

func (m *Metrics) SetDispatchQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(depth))
}

func (m *Metrics) SetTrackerSize(ips, fingerprints int) {
	if m == nil {
		return
	}
	m.TrackedIPs.Set(float64(ips))
	m.TrackedFingerprints.Set(float64(fingerprints))
}

// SetBreakerState records a named breaker state: closed, half-open or open.
func (m *Metrics) SetBreakerState(breaker, state string) {
	if m == nil {
		return
	}
	v := -1.0
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(breaker).Set(v)
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) ObserveStoreLatency(backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
