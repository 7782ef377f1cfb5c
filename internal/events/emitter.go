package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Emitter publishes events from a single worker goroutine so that hot paths
// such as output streaming never wait on subscribers.
//
// Emit never blocks; events are dropped when the buffer is full.
type Emitter struct {
	bus *Bus
	ch  chan emitItem

	dropped atomic.Int64

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	done      chan struct{}
}

// emitItem is a queued event, or a flush barrier when ack is set.
type emitItem struct {
	ev  Event
	ack chan struct{}
}

// NewEmitter creates an emitter for bus.
func NewEmitter(bus *Bus, buffer int) *Emitter {
	if buffer < 1 {
		buffer = 256
	}
	return &Emitter{
		bus:  bus,
		ch:   make(chan emitItem, buffer),
		done: make(chan struct{}),
	}
}

// Start launches the background publisher loop (idempotent).
func (e *Emitter) Start() {
	e.startOnce.Do(func() {
		go func() {
			defer close(e.done)
			for it := range e.ch {
				if it.ack != nil {
					close(it.ack)
					continue
				}
				e.bus.Publish(it.ev)
			}
		}()
	})
}

// Emit enqueues an event for async publish.
func (e *Emitter) Emit(ev Event) {
	if ev.Type == "" {
		return
	}
	e.Start()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- emitItem{ev: ev}:
	default:
		n := e.dropped.Add(1)
		// First drop, then every 1000th.
		if n == 1 || n%1000 == 0 {
			slog.Default().Debug("[Events] emitter dropped events (buffer full)", "dropped", n, "type", ev.Type)
		}
	}
}

// Flush blocks until every event emitted before the call has been
// published or ctx ends.
func (e *Emitter) Flush(ctx context.Context) error {
	e.Start()
	ack := make(chan struct{})

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil
	}
	select {
	case e.ch <- emitItem{ack: ack}:
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}
	e.mu.RUnlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of dropped events.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops accepting events and waits until queued ones are published.
func (e *Emitter) Close() {
	e.Start()
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()
	<-e.done
}
