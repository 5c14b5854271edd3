package feed

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/model"
)

// Hub is an in-process Feed. Events published to it go straight to the
// matching subscriptions with no database in between. Used when running
// without LISTEN/NOTIFY and by tests.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe implements Feed. Hub subscriptions open immediately.
func (h *Hub) Subscribe(table model.Table, userID uuid.UUID) *Subscription {
	sub := newSubscription(table, userID, h.unsubscribe)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	sub.markOpen()
	return sub
}

// Publish delivers one event to every open subscription matching the
// event's table and the given user.
func (h *Hub) Publish(userID uuid.UUID, ev model.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.table == ev.Table && sub.userID == userID {
			sub.deliver(ev)
		}
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}
