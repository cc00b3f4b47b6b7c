package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
)

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTP server to suture's context-driven Serve.
type HTTPService struct {
	name            string
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		// ctx is already cancelled; shut down on a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }

// Starter is a server with its own background listener, such as the metrics
// server.
type Starter interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// StarterService keeps a Starter running until ctx is cancelled.
type StarterService struct {
	name            string
	server          Starter
	shutdownTimeout time.Duration
}

func NewStarterService(name string, server Starter, shutdownTimeout time.Duration) *StarterService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &StarterService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

func (s *StarterService) Serve(ctx context.Context) error {
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("%s failed to start: %w", s.name, err)
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *StarterService) String() string { return s.name }

// FuncService runs a blocking function that returns when ctx is cancelled.
// A function that returns early is treated as finished and not restarted.
type FuncService struct {
	name string
	run  func(ctx context.Context)
}

func NewFuncService(name string, run func(ctx context.Context)) *FuncService {
	return &FuncService{name: name, run: run}
}

func (f *FuncService) Serve(ctx context.Context) error {
	f.run(ctx)
	if ctx.Err() == nil {
		return suture.ErrDoNotRestart
	}
	return ctx.Err()
}

func (f *FuncService) String() string { return f.name }
