package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/event/detection"
	"github.com/shortontech/reqwatch/internal/metrics"
	"github.com/shortontech/reqwatch/internal/sink"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	c := detection.NewClassifier(detection.NewTracker(time.Minute), 10)
	return New(c, opts...)
}

func browserEntry(ip string) event.LogEntry {
	return event.LogEntry{
		Timestamp:   event.FormatTime(time.Now()),
		Type:        event.TypePageView,
		IP:          ip,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Firefox/121.0",
		Referrer:    event.Direct,
		Path:        "/",
		Fingerprint: event.Unknown,
		Headers:     map[string]string{"accept": "text/html"},
	}
}

type failingBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *failingBackend) Name() string { return "broken" }
func (b *failingBackend) Close() error { return nil }
func (b *failingBackend) Write(context.Context, event.LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return errors.New("disk on fire")
}

func TestStoreLog(t *testing.T) {
	t.Run("annotates and stores in memory", func(t *testing.T) {
		s := newStore(t)
		got := s.StoreLog(context.Background(), browserEntry("8.8.8.8"))

		if got.ID == "" {
			t.Error("stored entry should have an id")
		}
		if got.Suspicious || got.Reasons == nil || len(got.Reasons) != 0 {
			t.Errorf("benign entry = %+v", got)
		}
		if n := len(s.GetLogs(100, false)); n != 1 {
			t.Errorf("GetLogs() returned %d entries, want 1", n)
		}
	})

	t.Run("suspicious iff reasons", func(t *testing.T) {
		s := newStore(t)
		entries := []event.LogEntry{browserEntry("1.1.1.1"), browserEntry("2.2.2.2")}
		entries[1].UserAgent = "curl/8.0"
		for i := 0; i < 30; i++ {
			e := entries[i%2]
			e.Fingerprint = fmt.Sprintf("fp-%d", i%3)
			got := s.StoreLog(context.Background(), e)
			if got.Suspicious != (len(got.Reasons) > 0) {
				t.Fatalf("entry %d: suspicious=%v reasons=%v", i, got.Suspicious, got.Reasons)
			}
		}
	})

	t.Run("keeps caller id", func(t *testing.T) {
		s := newStore(t)
		e := browserEntry("8.8.8.8")
		e.ID = "given"
		if got := s.StoreLog(context.Background(), e); got.ID != "given" {
			t.Errorf("ID = %q, want given", got.ID)
		}
	})

	t.Run("does not share state with the caller", func(t *testing.T) {
		s := newStore(t)
		e := browserEntry("8.8.8.8")
		got := s.StoreLog(context.Background(), e)
		got.Headers["accept"] = "mutated"
		e.Headers["accept"] = "mutated too"

		if s.GetLogs(1, false)[0].Headers["accept"] != "text/html" {
			t.Error("stored entry was mutated")
		}
	})

	t.Run("fingerprint duplicates across IPs", func(t *testing.T) {
		s := newStore(t)
		a := browserEntry("1.1.1.1")
		a.Fingerprint = "device-1"
		b := browserEntry("2.2.2.2")
		b.Fingerprint = "device-1"

		if got := s.StoreLog(context.Background(), a); got.Suspicious {
			t.Errorf("first occurrence reasons = %v", got.Reasons)
		}
		got := s.StoreLog(context.Background(), b)
		if len(got.Reasons) != 1 || got.Reasons[0] != "duplicate_fingerprint_2_occurrences" {
			t.Errorf("second occurrence reasons = %v", got.Reasons)
		}
	})
}

func TestStoreFallback(t *testing.T) {
	t.Run("failing backend falls back to memory", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetrics(reg)
		backend := &failingBackend{}
		s := newStore(t, WithBackend(backend), WithMetrics(m))

		got := s.StoreLog(context.Background(), browserEntry("7.7.7.7"))
		if got.IP != "7.7.7.7" {
			t.Errorf("StoreLog() = %+v", got)
		}
		if backend.calls != 1 {
			t.Errorf("backend calls = %d, want 1", backend.calls)
		}
		if n := len(s.GetLogsByIP("7.7.7.7")); n != 1 {
			t.Errorf("GetLogsByIP() = %d entries, want 1", n)
		}
		if v := testutil.ToFloat64(m.BackendFallbacks.WithLabelValues("broken")); v != 1 {
			t.Errorf("fallbacks = %v, want 1", v)
		}
		if v := testutil.ToFloat64(m.EntriesStored.WithLabelValues("memory")); v != 1 {
			t.Errorf("memory stored = %v, want 1", v)
		}
	})

	t.Run("unwritable file path", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "not-a-dir")
		if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		s := newStore(t, WithBackend(sink.NewFileSink(filepath.Join(blocker, "security.log"))))
		defer s.Close()

		s.StoreLog(context.Background(), browserEntry("203.0.113.5"))
		got := s.GetLogsByIP("203.0.113.5")
		if len(got) != 1 {
			t.Fatalf("GetLogsByIP() = %d entries, want 1", len(got))
		}
	})

	t.Run("unconfigured api sink", func(t *testing.T) {
		s := newStore(t, WithBackend(sink.NewAPISink("", time.Second)))
		s.StoreLog(context.Background(), browserEntry("198.51.100.1"))
		if n := len(s.GetLogsByIP("198.51.100.1")); n != 1 {
			t.Errorf("GetLogsByIP() = %d entries, want 1", n)
		}
	})

	t.Run("successful file writes are not readable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "security.log")
		s := newStore(t, WithBackend(sink.NewFileSink(path)))
		defer s.Close()

		s.StoreLog(context.Background(), browserEntry("8.8.4.4"))
		if n := len(s.GetLogs(0, false)); n != 0 {
			t.Errorf("GetLogs() = %d entries, want 0", n)
		}
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			t.Errorf("log file not written: %v", err)
		}
	})
}

func TestStoreGetLogs(t *testing.T) {
	t.Run("memory capacity and eviction", func(t *testing.T) {
		const capacity = 5
		s := newStore(t, WithMemory(sink.NewMemorySink(capacity)))
		for i := 0; i < capacity+3; i++ {
			e := browserEntry(fmt.Sprintf("10.0.0.%d", i))
			e.ID = fmt.Sprint(i)
			s.StoreLog(context.Background(), e)
		}

		got := s.GetLogs(capacity, false)
		if len(got) != capacity {
			t.Fatalf("GetLogs(cap) = %d entries", len(got))
		}
		for i, e := range got {
			if want := fmt.Sprint(i + 3); e.ID != want {
				t.Errorf("entry %d id = %s, want %s", i, e.ID, want)
			}
		}
		if n := len(s.GetLogs(100, false)); n != capacity {
			t.Errorf("GetLogs(100) = %d, want %d", n, capacity)
		}
	})

	t.Run("suspicious filter keeps insertion order", func(t *testing.T) {
		s := newStore(t)
		var want []string
		for i := 0; i < 8; i++ {
			e := browserEntry(fmt.Sprintf("10.1.0.%d", i))
			e.ID = fmt.Sprint(i)
			if i%3 == 0 {
				e.UserAgent = "python-requests/2.31"
				want = append(want, e.ID)
			}
			s.StoreLog(context.Background(), e)
		}

		got := s.GetLogs(100, true)
		if len(got) != len(want) {
			t.Fatalf("GetLogs(suspicious) = %d entries, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] || !got[i].Suspicious {
				t.Errorf("entry %d = %s (suspicious=%v), want %s", i, got[i].ID, got[i].Suspicious, want[i])
			}
		}
		if last := s.GetLogs(1, true); len(last) != 1 || last[0].ID != want[len(want)-1] {
			t.Errorf("GetLogs(1, true) = %v", last)
		}
	})

	t.Run("limit zero returns all", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 4; i++ {
			s.StoreLog(context.Background(), browserEntry("9.9.9.9"))
		}
		if n := len(s.GetLogs(0, false)); n != 4 {
			t.Errorf("GetLogs(0) = %d, want 4", n)
		}
	})

	t.Run("by ip is exact", func(t *testing.T) {
		s := newStore(t)
		s.StoreLog(context.Background(), browserEntry("1.2.3.4"))
		s.StoreLog(context.Background(), browserEntry("1.2.3.40"))
		s.StoreLog(context.Background(), browserEntry("1.2.3.4"))

		if n := len(s.GetLogsByIP("1.2.3.4")); n != 2 {
			t.Errorf("GetLogsByIP() = %d, want 2", n)
		}
		if n := len(s.GetLogsByIP("1.2.3")); n != 0 {
			t.Errorf("prefix match returned %d entries", n)
		}
	})
}

func TestStoreConcurrent(t *testing.T) {
	s := newStore(t)
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.StoreLog(context.Background(), browserEntry("4.4.4.4"))
		}()
	}
	wg.Wait()

	// Every request was counted: the next one sees the full window.
	got := s.StoreLog(context.Background(), browserEntry("4.4.4.4"))
	want := detection.RateLimitReason(n + 1)
	if len(got.Reasons) != 1 || got.Reasons[0] != want {
		t.Errorf("reasons = %v, want [%s]", got.Reasons, want)
	}
}

func TestStoreSweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := detection.NewClassifier(detection.NewTracker(time.Minute, detection.WithClock(clock)), 10)
	s := New(c, WithMetrics(m))

	s.StoreLog(context.Background(), browserEntry("5.5.5.5"))
	if v := testutil.ToFloat64(m.TrackedIPs); v != 1 {
		t.Errorf("tracked ips = %v, want 1", v)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if v := testutil.ToFloat64(m.TrackedIPs); v != 0 {
		t.Errorf("tracked ips after sweep = %v, want 0", v)
	}
}

func TestRunSweeperStops(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not stop")
	}
}
