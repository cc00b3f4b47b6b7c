package store

import (
	"context"
	"time"

	"github.com/shortontech/reqwatch/internal/logging"
)

// RunSweeper periodically drops idle IP windows from the tracker until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one tracker sweep and refreshes the tracker gauges.
func (s *Store) Sweep() int {
	tracker := s.classifier.Tracker()
	removed := tracker.Sweep()
	stats := tracker.Stats()
	s.metrics.SetTrackerSize(stats.TrackedIPs, stats.TrackedFingerprints)
	if removed > 0 {
		logging.Debug().Int("removed", removed).Int("tracked_ips", stats.TrackedIPs).Msg("tracker sweep")
	}
	return removed
}
