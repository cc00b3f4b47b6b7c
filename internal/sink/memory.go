package sink

import (
	"context"
	"sync"

	"github.com/shortontech/reqwatch/internal/event"
)

// DefaultMemoryCapacity is the number of entries retained in memory.
const DefaultMemoryCapacity = 1000

// MemorySink is a fixed-size ring buffer. When full, the oldest entry is
// overwritten. It is the only backend that can be read back.
type MemorySink struct {
	mu    sync.RWMutex
	buf   []event.LogEntry
	start int // index of the oldest entry
	size  int
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{buf: make([]event.LogEntry, capacity)}
}

func (s *MemorySink) Name() string { return TypeMemory }

// Write stores a copy of e. It never fails.
func (s *MemorySink) Write(_ context.Context, e event.LogEntry) error {
	s.Append(e)
	return nil
}

// Append stores a copy of e, evicting the oldest entry when the buffer is full.
func (s *MemorySink) Append(e event.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e = e.Clone()
	if s.size < len(s.buf) {
		s.buf[(s.start+s.size)%len(s.buf)] = e
		s.size++
		return
	}
	s.buf[s.start] = e
	s.start = (s.start + 1) % len(s.buf)
}

func (s *MemorySink) Close() error { return nil }

// Len returns the number of retained entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Cap returns the maximum number of retained entries.
func (s *MemorySink) Cap() int {
	return len(s.buf)
}

// Select returns up to limit of the newest entries accepted by keep, oldest
// first. A nil keep accepts everything and limit <= 0 means no limit.
func (s *MemorySink) Select(limit int, keep func(*event.LogEntry) bool) []event.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk newest to oldest, then reverse.
	var picked []int
	for i := s.size - 1; i >= 0; i-- {
		idx := (s.start + i) % len(s.buf)
		if keep != nil && !keep(&s.buf[idx]) {
			continue
		}
		picked = append(picked, idx)
		if limit > 0 && len(picked) == limit {
			break
		}
	}

	out := make([]event.LogEntry, len(picked))
	for i, idx := range picked {
		out[len(picked)-1-i] = s.buf[idx].Clone()
	}
	return out
}

// Snapshot returns every retained entry, oldest first.
func (s *MemorySink) Snapshot() []event.LogEntry {
	return s.Select(0, nil)
}
