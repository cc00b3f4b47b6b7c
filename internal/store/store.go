// Package store classifies log entries and persists them to the configured
// backend. The in-memory ring is always present: it serves reads and takes
// any entry the configured backend fails to accept.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/event/detection"
	"github.com/shortontech/reqwatch/internal/logging"
	"github.com/shortontech/reqwatch/internal/metrics"
	"github.com/shortontech/reqwatch/internal/sink"
)

// Store owns the classifier, the tracker behind it and the backends.
type Store struct {
	classifier *detection.Classifier
	memory     *sink.MemorySink
	backend    sink.Backend
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBackend sets the primary backend. Without it entries go to memory only.
func WithBackend(b sink.Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithMemory replaces the default ring buffer.
func WithMemory(m *sink.MemorySink) Option {
	return func(s *Store) { s.memory = m }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a store that classifies with c.
func New(c *detection.Classifier, opts ...Option) *Store {
	s := &Store{
		classifier: c,
		log:        logging.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.memory == nil {
		s.memory = sink.NewMemorySink(sink.DefaultMemoryCapacity)
	}
	if s.backend == nil {
		s.backend = s.memory
	}
	return s
}

// Backend returns the primary backend.
func (s *Store) Backend() sink.Backend { return s.backend }

// Memory returns the read-back ring buffer.
func (s *Store) Memory() *sink.MemorySink { return s.memory }

// Classifier returns the classifier entries are run through.
func (s *Store) Classifier() *detection.Classifier { return s.classifier }

// StoreLog classifies entry, persists it and returns the annotated copy. It
// never fails: when the backend rejects the entry it is kept in memory.
func (s *Store) StoreLog(ctx context.Context, entry event.LogEntry) event.LogEntry {
	start := time.Now()
	entry = entry.Clone()
	if entry.ID == "" {
		entry.ID = event.NewID()
	}

	res := s.classifier.Classify(entry)
	entry.Suspicious = res.Suspicious
	entry.Reasons = res.Reasons
	s.recordClassification(res)

	if err := s.backend.Write(ctx, entry); err != nil {
		s.Fallback(entry, s.backend.Name(), err)
	} else {
		s.metrics.IncrementEntriesStored(s.backend.Name())
	}

	if entry.Suspicious {
		s.log.Warn().
			Str("ip", entry.IP).
			Str("path", entry.Path).
			Strs("reasons", entry.Reasons).
			Str("timestamp", entry.Timestamp).
			Msg("suspicious activity detected")
	}

	s.metrics.ObserveStoreLatency(s.backend.Name(), time.Since(start))
	return entry.Clone()
}

// Fallback records that backend could not take entry and keeps it in memory.
// Also used for asynchronous delivery failures.
func (s *Store) Fallback(entry event.LogEntry, backend string, err error) {
	s.log.Warn().Err(err).Str("backend", backend).Str("id", entry.ID).Msg("backend write failed, falling back to memory")
	s.metrics.IncrementBackendErrors(backend)
	s.metrics.IncrementBackendFallbacks(backend)
	s.memory.Append(entry)
	s.metrics.IncrementEntriesStored(sink.TypeMemory)
}

func (s *Store) recordClassification(res detection.Result) {
	if s.metrics == nil {
		return
	}
	categories := make([]string, len(res.Reasons))
	for i, r := range res.Reasons {
		categories[i] = detection.ReasonCategory(r)
	}
	s.metrics.RecordClassification(res.Suspicious, categories)

	stats := s.classifier.Tracker().Stats()
	s.metrics.SetTrackerSize(stats.TrackedIPs, stats.TrackedFingerprints)
}

// GetLogs returns the newest limit entries held in memory, oldest first,
// optionally only suspicious ones. limit <= 0 returns everything retained.
// Entries sent only to the file, api or kafka backends are not visible here.
func (s *Store) GetLogs(limit int, filterSuspicious bool) []event.LogEntry {
	var keep func(*event.LogEntry) bool
	if filterSuspicious {
		keep = func(e *event.LogEntry) bool { return e.Suspicious }
	}
	return s.memory.Select(limit, keep)
}

// GetLogsByIP returns every in-memory entry whose IP equals ip exactly.
func (s *Store) GetLogsByIP(ip string) []event.LogEntry {
	return s.memory.Select(0, func(e *event.LogEntry) bool { return e.IP == ip })
}

// Close closes the primary backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
