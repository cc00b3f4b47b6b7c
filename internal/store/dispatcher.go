package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/logging"
	"github.com/shortontech/reqwatch/internal/metrics"
)

// Writer is what the dispatcher feeds. *Store implements it.
type Writer interface {
	StoreLog(ctx context.Context, entry event.LogEntry) event.LogEntry
}

// Dispatcher stores entries in the background so the request path never
// waits on classification or backend I/O.
type Dispatcher struct {
	writer  Writer
	metrics *metrics.Metrics

	mu      sync.RWMutex // guards closed against concurrent sends
	closed  bool
	entries chan event.LogEntry

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped atomic.Uint64
}

// NewDispatcher starts workers goroutines reading from a queue of queueSize.
func NewDispatcher(w Writer, queueSize, workers int, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		writer:   w,
		metrics:  m,
		entries:  make(chan event.LogEntry, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.processEntries()
	}
	return d
}

// Enqueue hands entry to the workers and reports whether it was accepted.
// It never blocks; when the queue is full or closed the entry is dropped.
func (d *Dispatcher) Enqueue(entry event.LogEntry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(entry, "dispatcher closed")
		return false
	}

	select {
	case d.entries <- entry:
		d.metrics.SetDispatchQueueDepth(len(d.entries))
		return true
	default:
		d.drop(entry, "dispatch queue full")
		return false
	}
}

func (d *Dispatcher) drop(entry event.LogEntry, why string) {
	d.dropped.Add(1)
	d.metrics.IncrementDispatchDropped()
	logging.Warn().
		Str("ip", entry.IP).
		Str("path", entry.Path).
		Msg(why + ", entry dropped")
}

func (d *Dispatcher) processEntries() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			d.drainEntries()
			return
		case entry := <-d.entries:
			d.write(entry)
		}
	}
}

func (d *Dispatcher) drainEntries() {
	for {
		select {
		case entry := <-d.entries:
			d.write(entry)
		default:
			return
		}
	}
}

func (d *Dispatcher) write(entry event.LogEntry) {
	d.writer.StoreLog(d.ctx, entry)
	d.metrics.SetDispatchQueueDepth(len(d.entries))
}

// Close stops accepting entries and waits for the queue to drain. If ctx
// expires first, in-flight writes are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.stopChan)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Len returns the number of queued entries.
func (d *Dispatcher) Len() int {
	return len(d.entries)
}

// Dropped returns how many entries were discarded.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
