package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/shortontech/reqwatch/internal/event"
)

// DefaultFilePath is where the file backend appends when no path is configured.
const DefaultFilePath = "logs/security.log"

// FileSink appends one JSON document per line. The destination "stdout"
// writes to standard output instead of a file.
type FileSink struct {
	dst string

	mu sync.Mutex
	w  io.Writer
	f  *os.File
}

func NewFileSink(path string) *FileSink {
	if path == "" {
		path = DefaultFilePath
	}
	return &FileSink{dst: path}
}

func (s *FileSink) Name() string { return TypeFile }

// Path returns the destination.
func (s *FileSink) Path() string { return s.dst }

// Open creates the parent directory and opens the file for appending. Write
// calls it lazily, so a destination that becomes writable later recovers.
func (s *FileSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *FileSink) openLocked() error {
	if s.w != nil {
		return nil
	}
	if s.dst == "stdout" {
		s.w = os.Stdout
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.dst), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(s.dst, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	s.f = f
	s.w = f
	return nil
}

func (s *FileSink) Write(_ context.Context, e event.LogEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w = nil
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
