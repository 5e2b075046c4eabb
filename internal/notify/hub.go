// Package notify fans daemon events out to in-process subscribers, such
// as API event streams.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind loses events rather than blocking the
// coordinator.
const subscriberBuffer = 16

// Hub is an in-memory publish/subscribe hub for domain events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]chan domain.Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber. The returned channel closes when
// ctx is done or the cancel func runs, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context) (<-chan domain.Event, func()) {
	id := uuid.New().String()
	ch := make(chan domain.Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.unsubscribe(id)
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(event domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Warn("subscriber lagging, dropping event",
				zap.String("subscriber", id),
				zap.String("kind", string(event.Kind)))
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Ensure Hub implements domain.Publisher.
var _ domain.Publisher = (*Hub)(nil)
