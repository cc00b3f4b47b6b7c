package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/event/detection"
	httpx "github.com/shortontech/reqwatch/internal/http"
	"github.com/shortontech/reqwatch/internal/logging"
	"github.com/shortontech/reqwatch/internal/metrics"
	"github.com/shortontech/reqwatch/internal/sink"
	"github.com/shortontech/reqwatch/internal/store"
	"github.com/shortontech/reqwatch/internal/supervisor"
	"github.com/shortontech/reqwatch/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		host, port := healthcheckTarget(cfg.Server.Addr)
		if err := performHealthCheck(host, port); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("reqwatch stopped")
	}
}

// app is the wired process, split from run so tests can build it without
// listening.
type app struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	store      *store.Store
	dispatcher *store.Dispatcher
	router     http.Handler
	metricsSrv *metrics.Server
}

func newApp(cfg config.Config) (*app, error) {
	reg := metrics.NewRegistry()
	m := metrics.NewMetrics(reg)

	metricsSrv, err := metrics.NewServer(metrics.Config{
		Enabled:    cfg.Metrics.Enabled,
		Addr:       cfg.Metrics.Addr,
		TLSCert:    cfg.Metrics.TLSCert,
		TLSKey:     cfg.Metrics.TLSKey,
		ClientCA:   cfg.Metrics.ClientCA,
		RequireTLS: cfg.Metrics.RequireTLS,
	}, reg)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg, m)
	if err != nil {
		return nil, err
	}

	tracker := detection.NewTracker(cfg.Detection.Window(), detection.WithMaxFingerprints(cfg.Detection.MaxFingerprints))
	classifier := detection.NewClassifier(tracker, cfg.Detection.RateLimitThreshold)
	st := store.New(classifier,
		store.WithBackend(backend),
		store.WithMemory(sink.NewMemorySink(cfg.Storage.MemoryCapacity)),
		store.WithMetrics(m),
	)

	if ks, ok := backend.(*sink.KafkaSink); ok {
		ks.OnDeliveryFailure(func(e event.LogEntry, err error) {
			st.Fallback(e, sink.TypeKafka, err)
		})
	}

	dispatcher := store.NewDispatcher(st, cfg.Dispatch.QueueSize, cfg.Dispatch.Workers, m)

	env := httpx.Env{
		Cfg:   cfg.Server,
		Store: st,
		Queue: dispatcher,
		Ready: readiness(backend),
	}

	return &app{
		cfg:        cfg,
		metrics:    m,
		store:      st,
		dispatcher: dispatcher,
		router:     httpx.NewRouter(env, m),
		metricsSrv: metricsSrv,
	}, nil
}

// newBackend builds the configured primary backend. Kafka is started later,
// once its delivery failures have somewhere to go.
func newBackend(cfg config.Config, m *metrics.Metrics) (sink.Backend, error) {
	switch cfg.Storage.Type {
	case sink.TypeMemory, "":
		return nil, nil
	case sink.TypeFile:
		fs := sink.NewFileSink(cfg.Storage.FilePath)
		if err := fs.Open(); err != nil {
			// Writes will retry the open and fall back to memory meanwhile.
			logging.Warn().Err(err).Str("path", fs.Path()).Msg("log file not writable")
		}
		return fs, nil
	case sink.TypeAPI:
		if cfg.Storage.APIURL == "" {
			logging.Warn().Msg("EXTERNAL_LOG_API_URL is empty, api writes will fall back to memory")
		}
		m.SetBreakerState("external-log-api", "closed")
		return sink.NewAPISink(cfg.Storage.APIURL, cfg.Storage.APITimeout(),
			sink.WithStateChange(func(_, to string) {
				m.SetBreakerState("external-log-api", to)
			}),
		), nil
	case sink.TypeKafka:
		return sink.NewKafkaSink(sink.KafkaConfig{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			Acks:          cfg.Kafka.Acks,
			Compression:   cfg.Kafka.Compression,
			SASLMechanism: cfg.Kafka.SASLMechanism,
			SASLUser:      cfg.Kafka.SASLUser,
			SASLPassword:  cfg.Kafka.SASLPassword,
			TLSCAPath:     cfg.Kafka.TLSCAPath,
			TLSSkipVerify: cfg.Kafka.TLSSkipVerify,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// readiness fails while the external log API circuit is open.
func readiness(b sink.Backend) func() error {
	api, ok := b.(*sink.APISink)
	if !ok {
		return nil
	}
	return func() error {
		if api.State() == "open" {
			return errors.New("external log api circuit open")
		}
		return nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	if ks, ok := a.store.Backend().(*sink.KafkaSink); ok {
		// Delivery reports must keep flowing while the queue drains after a signal.
		if err := ks.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start kafka sink: %w", err)
		}
	}

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: shutdownTimeout})
	tree.AddServer(supervisor.NewHTTPService("http", httpx.NewServer(cfg.Server.Addr, a.router), shutdownTimeout))
	tree.AddServer(supervisor.NewStarterService("metrics", a.metricsSrv, shutdownTimeout))
	if interval := cfg.Detection.SweepInterval(); interval > 0 {
		tree.AddWorker(supervisor.NewFuncService("tracker-sweeper", func(ctx context.Context) {
			a.store.RunSweeper(ctx, interval)
		}))
	}

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Str("storage", a.store.Backend().Name()).
		Int("threshold", cfg.Detection.RateLimitThreshold).
		Dur("window", cfg.Detection.Window()).
		Msg("reqwatch listening")

	done := tree.ServeBackground(ctx)

	if cfg.TestMode {
		go runTestMode(ctx, a.store)
	}

	<-ctx.Done()
	logging.Info().Msg("shutting down")
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor stopped with error")
	}
	return a.shutdown()
}

// shutdown drains queued entries before closing the backend.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain dispatch queue: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s backend: %w", a.store.Backend().Name(), err))
	}
	if n := a.dispatcher.Dropped(); n > 0 {
		logging.Warn().Uint64("dropped", n).Msg("entries dropped by the dispatch queue")
	}
	return errors.Join(errs...)
}

// healthcheckTarget turns a listen address into something dialable.
func healthcheckTarget(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", strings.TrimPrefix(addr, ":")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

// performHealthCheck probes /healthz on a running instance; used as the
// container health command.
func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected health check response: %q", body)
	}
	return nil
}
