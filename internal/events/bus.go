package events

import (
	"log/slog"
	"sync"
)

// Handler receives published events.
type Handler func(Event)

// Unsubscribe detaches a handler. It is safe to call more than once.
type Unsubscribe func()

type subscription struct {
	id      uint64
	types   map[Type]bool
	handler Handler
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus delivers events synchronously to subscribers in subscription order
// and keeps a bounded history of lifecycle events.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	nextID  uint64
	history []Event
	maxHist int
	logger  *slog.Logger
}

// NewBus returns a bus retaining up to historySize lifecycle events.
func NewBus(historySize int) *Bus {
	if historySize < 0 {
		historySize = 0
	}
	return &Bus{maxHist: historySize, logger: slog.Default()}
}

// SetLogger sets the logger used to report handler panics.
func (b *Bus) SetLogger(l *slog.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Subscribe registers handler for the given types, or for every event when
// none are given.
func (b *Bus) Subscribe(handler Handler, types ...Type) Unsubscribe {
	sub := &subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber before returning.
// Handlers must not block; a panicking handler is logged and skipped.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.maxHist > 0 && !ev.Type.IsCommand() && ev.Type != TypeOutputChunk {
		b.history = append(b.history, ev)
		if len(b.history) > b.maxHist {
			b.history = b.history[len(b.history)-b.maxHist:]
		}
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("[Events] handler panicked", "type", ev.Type, "issue", ev.IssueID, "panic", r)
		}
	}()
	s.handler(ev)
}

// History returns the retained lifecycle events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.history...)
}

// Subscribers returns the number of attached handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
