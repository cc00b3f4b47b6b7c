package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/logging"
)

// DefaultAPITimeout bounds a single POST to the external sink.
const DefaultAPITimeout = 5 * time.Second

// APISink forwards each entry as a JSON POST. Consecutive failures open a
// circuit breaker so a dead endpoint fails fast instead of holding writers.
type APISink struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// APIOption configures an APISink.
type APIOption func(*apiOptions)

type apiOptions struct {
	client        *http.Client
	failures      uint32
	openTimeout   time.Duration
	onStateChange func(from, to string)
}

// WithHTTPClient replaces the default client. Its timeout is left as is.
func WithHTTPClient(c *http.Client) APIOption {
	return func(o *apiOptions) { o.client = c }
}

// WithBreaker sets how many consecutive failures open the circuit and how
// long it stays open before a trial request.
func WithBreaker(failures uint32, openTimeout time.Duration) APIOption {
	return func(o *apiOptions) {
		o.failures = failures
		o.openTimeout = openTimeout
	}
}

// WithStateChange registers a callback for breaker transitions.
func WithStateChange(fn func(from, to string)) APIOption {
	return func(o *apiOptions) { o.onStateChange = fn }
}

func NewAPISink(url string, timeout time.Duration, opts ...APIOption) *APISink {
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}
	o := apiOptions{
		failures:    5,
		openTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: timeout}
	}

	s := &APISink{url: url, client: o.client}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "external-log-api",
		MaxRequests: 1,
		Timeout:     o.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", BreakerStateName(from)).
				Str("to", BreakerStateName(to)).
				Msg("circuit breaker state change")
			if o.onStateChange != nil {
				o.onStateChange(BreakerStateName(from), BreakerStateName(to))
			}
		},
	})
	return s
}

func (s *APISink) Name() string { return TypeAPI }

// State returns the current breaker state name.
func (s *APISink) State() string {
	return BreakerStateName(s.breaker.State())
}

// Write posts e and treats any non-2xx response as a failure. Without a URL
// every write fails with ErrNotConfigured.
func (s *APISink) Write(ctx context.Context, e event.LogEntry) error {
	if s.url == "" {
		return fmt.Errorf("external log api: %w", ErrNotConfigured)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}

	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("external log api: %w", err)
	}
	return nil
}

func (s *APISink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *APISink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// BreakerStateName renders a breaker state for logs and metric labels.
func BreakerStateName(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
