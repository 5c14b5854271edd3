package feed

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/model"
)

// Router binds one user's change feed to their ledger. It opens exactly one
// subscription per watched table for its lifetime and maps inbound events
// to ledger operations: insert/update become Upsert, delete becomes Remove.
// Both are idempotent, which is the only defense the feed's at-least-once
// delivery requires.
type Router struct {
	feed   Feed
	ledger *ledger.Ledger
	logger *slog.Logger
	userID uuid.UUID

	mu   sync.Mutex
	subs []*Subscription
	wg   sync.WaitGroup
}

// NewRouter creates a router. Call Start to open the subscriptions.
func NewRouter(f Feed, l *ledger.Ledger, logger *slog.Logger, userID uuid.UUID) *Router {
	return &Router{feed: f, ledger: l, logger: logger, userID: userID}
}

// Start opens one subscription per watched table and begins routing.
// Calling Start twice is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	for _, table := range model.WatchedTables {
		sub := r.feed.Subscribe(table, r.userID)
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		go r.consume(sub)
	}
}

// Stop closes all subscriptions and waits for routing to finish. Events
// still in flight are dropped, not queued.
func (r *Router) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	r.wg.Wait()
}

func (r *Router) consume(sub *Subscription) {
	defer r.wg.Done()
	for ev := range sub.Events() {
		r.apply(ev)
	}
}

// apply maps one change event to a ledger operation. Decode failures are
// logged and skipped; the next refetch repairs any resulting gap.
func (r *Router) apply(ev model.ChangeEvent) {
	entity, err := ev.DecodeRow()
	if err != nil {
		r.logger.Warn("feed: undecodable row", "table", ev.Table, "op", ev.Op, "error", err)
		return
	}

	switch ev.Op {
	case model.OpInsert, model.OpUpdate:
		r.ledger.Upsert(ev.Table, entity)
	case model.OpDelete:
		r.ledger.Remove(ev.Table, entity.EntityID())
	}
}
