// Package sink holds the persistence backends a log entry can be written to.
package sink

import (
	"context"
	"errors"

	"github.com/shortontech/reqwatch/internal/event"
)

// Backend persists classified entries. Write must be safe for concurrent use.
type Backend interface {
	Name() string // Returns the backend name for metrics and logging
	Write(ctx context.Context, e event.LogEntry) error
	Close() error
}

// Backend names, as selected by LOG_STORAGE_TYPE.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeAPI    = "api"
	TypeKafka  = "kafka"
)

// ErrNotConfigured is returned by a backend that is missing its destination.
var ErrNotConfigured = errors.New("sink not configured")
