package bus

import (
	"context"
	"log/slog"
	"sync"

	"dealdesk/internal/domain"
)

// Handler consumes a domain event. Handlers run synchronously on the
// publisher's goroutine; a panicking handler is recovered and logged so one
// subscriber cannot drop delivery to the rest.
type Handler func(ctx context.Context, evt domain.Event)

// Bus is an in-process event bus with at-least-once delivery to all
// subscribers within the process lifetime.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[domain.EventKind][]Handler)}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind domain.EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler for every known event kind.
func (b *Bus) SubscribeAll(h Handler) {
	for _, kind := range []domain.EventKind{
		domain.EventCardCreated,
		domain.EventStageChanged,
		domain.EventFieldChanged,
		domain.EventCommentAdded,
		domain.EventTaskCompleted,
		domain.EventTimeElapsed,
	} {
		b.Subscribe(kind, h)
	}
}

// Publish delivers the event to every subscriber of its kind.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) {
	b.mu.RLock()
	handlers := b.handlers[evt.Kind]
	b.mu.RUnlock()
	for _, h := range handlers {
		deliver(ctx, h, evt)
	}
}

func deliver(ctx context.Context, h Handler, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: handler panic", "kind", evt.Kind, "card", evt.Card.ID, "panic", r)
		}
	}()
	h(ctx, evt)
}
