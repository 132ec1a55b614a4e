package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWriterCapacity = 256
	maxWriteAttempts      = 3
)

// retryDelay is the base pause between write attempts; attempt n waits n times this.
var retryDelay = 300 * time.Millisecond

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs database writes one at a time on a single goroutine.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	wg     sync.WaitGroup

	mu       sync.Mutex
	overflow []writeCmd
	stopped  bool
	done     chan struct{}
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if logger == nil {
		logger = slog.Default().With("component", "persistence")
	}
	if capacity <= 0 {
		capacity = defaultWriterCapacity
	}
	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue never blocks the caller. Commands beyond the buffer wait in an
// overflow list; commands enqueued after the writer stopped are dropped.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	cmd := writeCmd{name: name, fn: fn}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.logger.Warn("db writer stopped, dropping command", "cmd", name)
		return
	}
	w.wg.Add(1)
	if len(w.overflow) > 0 {
		w.overflow = append(w.overflow, cmd)
		return
	}
	select {
	case w.queue <- cmd:
	default:
		w.overflow = append(w.overflow, cmd)
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		defer w.stop()
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
				w.wg.Done()
				w.refill()
			}
		}
	}()
}

// refill moves overflowed commands into the buffer in enqueue order.
func (w *WriterQueue) refill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.overflow) > 0 {
		select {
		case w.queue <- w.overflow[0]:
			w.overflow = w.overflow[1:]
		default:
			return
		}
	}
}

// stop releases every command that will never run so Flush returns.
func (w *WriterQueue) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.done)

	dropped := len(w.overflow)
	w.overflow = nil
	for drained := false; !drained; {
		select {
		case <-w.queue:
			dropped++
		default:
			drained = true
		}
	}
	for i := 0; i < dropped; i++ {
		w.wg.Done()
	}
	if dropped > 0 {
		w.logger.Warn("db writer stopped with pending commands", "dropped", dropped)
	}
}

// Flush waits until every command enqueued so far has run or ctx ends.
func (w *WriterQueue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == maxWriteAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * retryDelay):
		}
	}
}
