// Package supervisor runs the long-lived parts of the process under a suture
// supervisor so a crashed component is restarted with backoff instead of
// taking the process down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/shortontech/reqwatch/internal/logging"
)

// TreeConfig holds restart policy for the tree.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is how long to wait once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the restart policy used when fields are zero.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers: servers (HTTP and metrics) and background workers.
type Tree struct {
	root    *suture.Supervisor
	servers *suture.Supervisor
	workers *suture.Supervisor
	config  TreeConfig
}

func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = logEvent

	root := suture.New("reqwatch", rootSpec)
	servers := suture.New("servers", spec)
	workers := suture.New("workers", spec)
	root.Add(servers)
	root.Add(workers)

	return &Tree{root: root, servers: servers, workers: workers, config: config}
}

// logEvent forwards supervisor events to the structured logger.
func logEvent(ev suture.Event) {
	logging.Warn().
		Fields(ev.Map()).
		Msg(ev.String())
}

func (t *Tree) AddServer(svc suture.Service) suture.ServiceToken {
	return t.servers.Add(svc)
}

func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// Serve blocks until ctx is cancelled and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine. The channel yields Serve's result.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
