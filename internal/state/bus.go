package state

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Origin tells subscribers where a change came from.
type Origin string

const (
	// OriginLocal is a change made by local code. The sync bridge forwards
	// these to the remote store.
	OriginLocal Origin = "local"
	// OriginRemote is a change applied from a remote notification.
	OriginRemote Origin = "remote"
	// OriginDirect is an optimistic update made by a direct write that has
	// already been sent.
	OriginDirect Origin = "direct"
)

// Event is delivered to handlers.
type Event struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Value     any    `json:"value,omitempty"`
	Previous  any    `json:"previous,omitempty"`
	Origin    Origin `json:"origin,omitempty"`
}

// Handler receives events. A panicking handler is logged and skipped.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	bus   *bus
	event string
	id    uint64
}

// Cancel removes the handler. The zero Subscription is a no-op.
func (s Subscription) Cancel() {
	if s.bus == nil {
		return
	}
	s.bus.off(s.event, s.id)
}

// Event returns the subscribed event name.
func (s Subscription) Event() string {
	return s.event
}

type handlerEntry struct {
	id      uint64
	handler Handler
	once    bool
	fired   atomic.Bool
}

type bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]*handlerEntry
	logger   *slog.Logger
}

func newBus(logger *slog.Logger) *bus {
	return &bus{
		handlers: make(map[string][]*handlerEntry),
		logger:   logger,
	}
}

func (b *bus) on(event string, h Handler, once bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[event] = append(b.handlers[event], &handlerEntry{id: b.nextID, handler: h, once: once})
	return Subscription{bus: b, event: event, id: b.nextID}
}

func (b *bus) off(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[event]
	for i, e := range entries {
		if e.id == id {
			// Copy so in-flight emits keep iterating their own slice.
			next := make([]*handlerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, event)
			} else {
				b.handlers[event] = next
			}
			return
		}
	}
}

func (b *bus) emit(ev Event) {
	b.mu.Lock()
	entries := b.handlers[ev.Name]
	b.mu.Unlock()

	for _, e := range entries {
		if e.once {
			if !e.fired.CompareAndSwap(false, true) {
				continue
			}
			b.off(ev.Name, e.id)
		}
		b.call(e, ev)
	}
}

func (b *bus) call(e *handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	e.handler(ev)
}
