// ABOUTME: Non-blocking sink wrapper backed by a buffered channel and one worker
// ABOUTME: Drops events when the buffer is full so requests never wait on analytics

package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the queue size used when none is configured.
const DefaultBuffer = 256

// recordTimeout bounds a single delivery to the wrapped sink.
const recordTimeout = 5 * time.Second

// Async delivers events to a wrapped sink on a background goroutine.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	events  chan Event
	dropped atomic.Int64

	// mu guards closed; Record holds it shared across the send.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery worker. Call Close to drain and stop it.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		logger: logger.With("component", "analytics"),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues ev without blocking. It never returns an error; events that
// do not fit, or arrive after Close, are counted and dropped.
func (a *Async) Record(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return nil
	}
	select {
	case a.events <- ev:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("analytics buffer full, dropping events", "dropped_total", a.dropped.Load())
		}
	}
	return nil
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := a.sink.Record(ctx, ev); err != nil {
			a.logger.Warn("analytics sink failed", "name", ev.Name, "error", err)
		}
		cancel()
	}
}
