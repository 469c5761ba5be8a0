package events

import (
	"sync"
	"time"
)

// Handler is a subscriber callback. Handlers run synchronously on the
// publisher's goroutine; long work belongs in a job, not a handler.
type Handler func(event *Event)

// Bus is a minimal publish/subscribe fan-out keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// SubscribeAll registers a handler for every event type (used by the SSE stream).
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit publishes an event to all matching handlers.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[eventType]))
	copy(typed, b.handlers[eventType])
	all := make([]Handler, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}
