// Package ledger maintains the in-memory merged view of all known rows for
// one user session. It is the single source of truth for metric calculators
// and view projections: the optimistic write path and the change feed both
// mutate state only through Upsert, Remove and Merge.
//
// Conflict policy is last-writer-wins by arrival order. The ledger does not
// attempt clock-based resolution; with a single user and a low write rate,
// last arrival is acceptable and simple. A bounded, time-windowed tombstone
// set absorbs delete echoes that arrive after the row was already removed.
package ledger

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kiroku-app/kiroku/internal/model"
	"github.com/kiroku-app/kiroku/internal/telemetry"
)

// DefaultTombstoneTTL is how long a deleted id keeps blocking resurrection
// by stale feed echoes.
const DefaultTombstoneTTL = 2 * time.Minute

// tableState holds one table's rows and its tombstone set.
// Tombstone values are expiry instants; expired entries are swept lazily.
type tableState struct {
	rows       map[string]model.Entity
	tombstones map[string]time.Time
}

// Ledger is an explicit state container, constructed per session and passed
// to components by dependency injection (never a package-level singleton).
// All methods are safe for concurrent use.
type Ledger struct {
	logger       *slog.Logger
	now          func() time.Time
	tombstoneTTL time.Duration

	mu     sync.Mutex
	tables map[model.Table]*tableState

	subMu   sync.Mutex
	subs    map[int]func(model.Table)
	nextSub int

	applies atomic.Int64 // total state-changing mutations, for metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Tests use this to step through the
// tombstone window deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTombstoneTTL overrides the tombstone window.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.tombstoneTTL = ttl }
}

// New creates an empty ledger covering all watched tables.
func New(logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		logger:       logger,
		now:          time.Now,
		tombstoneTTL: DefaultTombstoneTTL,
		tables:       make(map[model.Table]*tableState, len(model.WatchedTables)),
		subs:         make(map[int]func(model.Table)),
	}
	for _, t := range model.WatchedTables {
		l.tables[t] = &tableState{
			rows:       make(map[string]model.Entity),
			tombstones: make(map[string]time.Time),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Upsert inserts or replaces the entity by id. Upserting an id that is in
// the tombstone set is a no-op until the tombstone expires. Returns whether
// state changed, so callers can gate recomputation.
func (l *Ledger) Upsert(table model.Table, e model.Entity) bool {
	id := e.EntityID()

	l.mu.Lock()
	ts := l.tables[table]
	if ts == nil {
		l.mu.Unlock()
		l.logger.Warn("ledger: upsert on unwatched table", "table", table)
		return false
	}
	l.sweepLocked(ts)

	if _, dead := ts.tombstones[id]; dead {
		l.mu.Unlock()
		return false
	}
	old, existed := ts.rows[id]
	if existed && reflect.DeepEqual(old, e) {
		l.mu.Unlock()
		return false
	}
	ts.rows[id] = e
	l.mu.Unlock()

	l.applies.Add(1)
	l.notify(table)
	return true
}

// Remove deletes the entity if present and tombstones its id so a delayed
// feed echo cannot reintroduce it. Returns whether a row was removed.
func (l *Ledger) Remove(table model.Table, id string) bool {
	l.mu.Lock()
	ts := l.tables[table]
	if ts == nil {
		l.mu.Unlock()
		l.logger.Warn("ledger: remove on unwatched table", "table", table)
		return false
	}
	l.sweepLocked(ts)

	_, existed := ts.rows[id]
	delete(ts.rows, id)
	ts.tombstones[id] = l.now().Add(l.tombstoneTTL)
	l.mu.Unlock()

	if existed {
		l.applies.Add(1)
		l.notify(table)
	}
	return existed
}

// Merge applies a bulk refetch result. Rows present in the snapshot replace
// the corresponding ledger entries; rows absent from it are left untouched
// unless fullReplace is set, in which case the snapshot becomes the entire
// table contents (used for the initial load; reconciles optimistic
// duplicates). Tombstoned ids are skipped either way.
func (l *Ledger) Merge(table model.Table, snapshot []model.Entity, fullReplace bool) {
	l.mu.Lock()
	ts := l.tables[table]
	if ts == nil {
		l.mu.Unlock()
		l.logger.Warn("ledger: merge on unwatched table", "table", table)
		return
	}
	l.sweepLocked(ts)

	changed := false
	if fullReplace {
		changed = len(ts.rows) > 0 || len(snapshot) > 0
		ts.rows = make(map[string]model.Entity, len(snapshot))
	}
	for _, e := range snapshot {
		id := e.EntityID()
		if _, dead := ts.tombstones[id]; dead {
			continue
		}
		if old, ok := ts.rows[id]; !ok || !reflect.DeepEqual(old, e) {
			changed = true
		}
		ts.rows[id] = e
	}
	l.mu.Unlock()

	if changed {
		l.applies.Add(1)
		l.notify(table)
	}
}

// Snapshot returns the table's rows sorted by its display rule. The slice
// is freshly allocated; callers may retain it.
func (l *Ledger) Snapshot(table model.Table) []model.Entity {
	l.mu.Lock()
	ts := l.tables[table]
	if ts == nil {
		l.mu.Unlock()
		return nil
	}
	out := make([]model.Entity, 0, len(ts.rows))
	for _, e := range ts.rows {
		out = append(out, e)
	}
	l.mu.Unlock()

	less := displayLess(table)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Subscribe registers a callback invoked after any state-changing mutation,
// with the table that changed. The returned function unsubscribes.
// Callbacks run outside the ledger lock and may call Snapshot.
func (l *Ledger) Subscribe(fn func(model.Table)) (unsubscribe func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

// Applies returns the total number of state-changing mutations.
func (l *Ledger) Applies() int64 { return l.applies.Load() }

// RegisterMetrics registers an observable OTEL gauge for ledger activity.
// Call after the global meter provider has been initialized.
func (l *Ledger) RegisterMetrics() {
	meter := telemetry.Meter("kiroku/ledger")

	_, _ = meter.Int64ObservableCounter("kiroku.ledger.applies_total",
		metric.WithDescription("Total state-changing ledger mutations"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.Applies())
			return nil
		}),
	)
}

func (l *Ledger) notify(table model.Table) {
	l.subMu.Lock()
	fns := make([]func(model.Table), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.subMu.Unlock()

	for _, fn := range fns {
		fn(table)
	}
}

// sweepLocked drops expired tombstones. Caller holds l.mu.
func (l *Ledger) sweepLocked(ts *tableState) {
	if len(ts.tombstones) == 0 {
		return
	}
	now := l.now()
	for id, expiry := range ts.tombstones {
		if now.After(expiry) {
			delete(ts.tombstones, id)
		}
	}
}
