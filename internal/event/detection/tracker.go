package detection

import (
	"container/list"
	"sync"
	"time"
)

// Tracker keeps a sliding window of request times per IP and a cumulative
// occurrence count per fingerprint. One mutex guards both maps, so every
// register-and-count call is atomic for its key.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	ips map[string][]time.Time

	// Fingerprints in recency order; front is the most recently seen.
	// maxFingerprints <= 0 disables eviction.
	maxFingerprints int
	fingerprints    map[string]*list.Element
	recency         *list.List
}

type fingerprintCount struct {
	key   string
	count int
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMaxFingerprints caps the number of tracked fingerprints. The least
// recently seen fingerprint is forgotten first.
func WithMaxFingerprints(n int) TrackerOption {
	return func(t *Tracker) {
		t.maxFingerprints = n
	}
}

// NewTracker creates a tracker counting IP requests over the given window.
func NewTracker(window time.Duration, opts ...TrackerOption) *Tracker {
	if window <= 0 {
		window = time.Minute
	}
	t := &Tracker{
		window:       window,
		now:          time.Now,
		ips:          make(map[string][]time.Time),
		fingerprints: make(map[string]*list.Element),
		recency:      list.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Window returns the sliding window length.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// RegisterAndCountIP records a request from ip now, drops requests that fell
// out of the window, and returns how many remain (including this one).
func (t *Tracker) RegisterAndCountIP(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	times := append(t.ips[ip], now)
	times = t.prune(times, now)
	t.ips[ip] = times
	return len(times)
}

// RegisterAndCountFingerprint increments and returns the occurrence count for fp.
func (t *Tracker) RegisterAndCountFingerprint(fp string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.fingerprints[fp]; ok {
		fc := el.Value.(*fingerprintCount)
		fc.count++
		t.recency.MoveToFront(el)
		return fc.count
	}

	t.fingerprints[fp] = t.recency.PushFront(&fingerprintCount{key: fp, count: 1})
	if t.maxFingerprints > 0 {
		for t.recency.Len() > t.maxFingerprints {
			oldest := t.recency.Back()
			t.recency.Remove(oldest)
			delete(t.fingerprints, oldest.Value.(*fingerprintCount).key)
		}
	}
	return 1
}

// prune keeps only times strictly younger than the window, reusing the slice.
func (t *Tracker) prune(times []time.Time, now time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if now.Sub(ts) < t.window {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Sweep forgets IPs that have no requests left in the window and returns how
// many were removed. Counts seen by later calls are unaffected.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for ip, times := range t.ips {
		times = t.prune(times, now)
		if len(times) == 0 {
			delete(t.ips, ip)
			removed++
			continue
		}
		t.ips[ip] = times
	}
	return removed
}

// TrackerStats is a point-in-time view of the tracker size.
type TrackerStats struct {
	TrackedIPs          int
	TrackedFingerprints int
}

// Stats reports how many keys are currently held.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		TrackedIPs:          len(t.ips),
		TrackedFingerprints: len(t.fingerprints),
	}
}
