// Package bus is the in-process publish/subscribe channel between the
// mutation service and the broadcast hub. Publish is synchronous and
// fire-and-forget: handler failures are logged, never returned, so a broken
// subscriber cannot fail the mutation that triggered the event.
package bus

import (
	"log"
	"sync"
)

const (
	AnnotationCreated = "annotation.created"
	AnnotationUpdated = "annotation.updated"
	AnnotationDeleted = "annotation.deleted"
	ReplyCreated      = "reply.created"
	ReplyUpdated      = "reply.updated"
	ReplyDeleted      = "reply.deleted"
	MentionCreated    = "mention.created"
)

type Event struct {
	Type string
	Data map[string]any
}

type Handler func(Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for one event type. Handlers run in
// registration order on the publishing goroutine.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish invokes every handler registered for the event's type. A panicking
// handler is recovered and logged; remaining handlers still run. Events with
// no subscribers are dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		invoke(handler, event)
	}
}

func invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler panic on %s: %v", event.Type, r)
		}
	}()
	handler(event)
}
