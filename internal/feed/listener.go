package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kiroku-app/kiroku/internal/model"
	"github.com/kiroku-app/kiroku/internal/storage"
	"github.com/kiroku-app/kiroku/internal/telemetry"
)

// envelope is the trigger payload format (see 002_change_notify.sql).
type envelope struct {
	Op     model.ChangeOp  `json:"op"`
	Table  model.Table     `json:"table"`
	UserID uuid.UUID       `json:"user_id"`
	Row    json.RawMessage `json:"row"`
}

// Listener fans out Postgres LISTEN/NOTIFY row changes to subscriptions.
// It runs a background loop that waits for notifications on the kiroku
// change channel and dispatches each decoded event to every subscription
// matching its (table, user) pair.
type Listener struct {
	db     *storage.DB
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	open bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

var _ Feed = (*Listener)(nil)

// NewListener creates a listener. Call Start to begin receiving.
func NewListener(db *storage.DB, logger *slog.Logger) *Listener {
	return &Listener{
		db:     db,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe implements Feed. Subscriptions taken before Start stay in
// StateOpening until the LISTEN is established.
func (l *Listener) Subscribe(table model.Table, userID uuid.UUID) *Subscription {
	sub := newSubscription(table, userID, l.unsubscribe)

	l.mu.Lock()
	l.subs[sub] = struct{}{}
	if l.open {
		sub.markOpen()
	}
	l.mu.Unlock()
	return sub
}

// Start issues the LISTEN and blocks dispatching notifications until ctx is
// cancelled. Call it in a goroutine.
func (l *Listener) Start(ctx context.Context) {
	if err := l.db.Listen(ctx, storage.ChannelChanges); err != nil {
		l.logger.Error("feed: listen", "error", err)
		return
	}

	// LISTEN acknowledged: all current and future subscriptions are live.
	l.mu.Lock()
	l.open = true
	for sub := range l.subs {
		sub.markOpen()
	}
	l.mu.Unlock()

	l.logger.Info("feed: listening for changes", "channel", storage.ChannelChanges)

	for {
		_, payload, err := l.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			l.logger.Warn("feed: notification error, retrying", "error", err)
			continue
		}
		l.dispatch(payload)
	}
}

// dispatch decodes one notification payload and routes it to matching
// subscriptions. Malformed payloads are logged and skipped.
func (l *Listener) dispatch(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		l.logger.Warn("feed: malformed payload", "error", err)
		return
	}
	if !env.Op.Valid() || !env.Table.Valid() {
		l.logger.Warn("feed: unknown payload shape", "op", env.Op, "table", env.Table)
		return
	}

	ev := model.ChangeEvent{Op: env.Op, Table: env.Table, Row: env.Row}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for sub := range l.subs {
		if sub.table != env.Table || sub.userID != env.UserID {
			continue
		}
		if sub.deliver(ev) {
			l.delivered.Add(1)
		} else {
			l.dropped.Add(1)
		}
	}
}

// unsubscribe removes the subscription from the dispatch set. Runs under
// the write lock so it cannot race an in-flight dispatch.
func (l *Listener) unsubscribe(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}

// RegisterMetrics registers observable OTEL counters for feed traffic.
func (l *Listener) RegisterMetrics() {
	meter := telemetry.Meter("kiroku/feed")

	_, _ = meter.Int64ObservableCounter("kiroku.feed.delivered_total",
		metric.WithDescription("Change events delivered to subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.delivered.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("kiroku.feed.dropped_total",
		metric.WithDescription("Change events dropped due to closed or full subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.dropped.Load())
			return nil
		}),
	)
}
