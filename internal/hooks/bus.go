package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	id       string
	name     string
	priority Priority
	handler  Handler
}

// Bus dispatches events to subscribed handlers in priority order. Handler
// errors and panics are logged and do not stop delivery to later handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	byID   map[string]EventType
	logger *slog.Logger
}

// NewBus creates an empty hook bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[EventType][]*subscription),
		byID:   make(map[string]EventType),
		logger: logger.With("component", "hooks"),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithPriority sets the handler's position in the call order.
func WithPriority(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// WithName labels the handler for log lines.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Subscribe registers a handler for an event type and returns an id for
// Unsubscribe.
func (b *Bus) Subscribe(t EventType, handler Handler, opts ...SubscribeOption) string {
	sub := &subscription{
		id:       uuid.New().String(),
		priority: PriorityNormal,
		handler:  handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], sub)
	sort.SliceStable(b.subs[t], func(i, j int) bool {
		return b.subs[t][i].priority < b.subs[t][j].priority
	})
	b.byID[sub.id] = t

	b.logger.Debug("hook subscribed", "event", t, "name", sub.name, "id", sub.id)
	return sub.id
}

// Unsubscribe removes a handler by subscription id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return true
}

// Emit delivers the event to every handler for its type, in priority order.
// It returns the first handler error for callers that want to log it; the
// bus itself has already logged every failure.
func (b *Bus) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[event.Type]))
	copy(subs, b.subs[event.Type])
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := b.call(ctx, sub, event); err != nil {
			b.logger.Warn("hook handler failed",
				"event", event.Type,
				"handler", sub.name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bus) call(ctx context.Context, sub *subscription, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return sub.handler(ctx, event)
}

// HandlerCount returns the number of handlers for an event type.
func (b *Bus) HandlerCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
