// Package feed delivers row-level change notifications from the durable
// store to ledger subscribers.
//
// Delivery is at-least-once, unordered across tables and best-effort
// ordered within a table, so consumers apply every event idempotently; the
// ledger's upsert/remove semantics absorb duplicates and the tombstone set
// absorbs stale delete echoes. No sequence numbers are used.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/model"
)

// State is a subscription's lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Feed is the push channel to the durable store's change stream.
type Feed interface {
	// Subscribe opens a subscription for one user's changes to one table.
	// The subscription starts in StateOpening and transitions to StateOpen
	// on the feed's first acknowledgment.
	Subscribe(table model.Table, userID uuid.UUID) *Subscription
}

// subscriptionBuffer bounds each subscription's event channel so one slow
// consumer cannot block the dispatch loop. Overflow events are dropped; the
// next full refetch reconciles.
const subscriptionBuffer = 64

// Subscription is an explicit handle on one table's change stream.
// Close releases it; events still in flight at close time are dropped, not
// queued.
type Subscription struct {
	table  model.Table
	userID uuid.UUID

	state   atomic.Int32
	events  chan model.ChangeEvent
	once    sync.Once
	onClose func(*Subscription)
}

func newSubscription(table model.Table, userID uuid.UUID, onClose func(*Subscription)) *Subscription {
	s := &Subscription{
		table:   table,
		userID:  userID,
		events:  make(chan model.ChangeEvent, subscriptionBuffer),
		onClose: onClose,
	}
	s.state.Store(int32(StateOpening))
	return s
}

// Table returns the watched table.
func (s *Subscription) Table() model.Table { return s.table }

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Events returns the inbound event stream. The channel is closed by Close.
func (s *Subscription) Events() <-chan model.ChangeEvent { return s.events }

// Close releases the subscription. Idempotent. After Close the event
// channel is closed and no further events are delivered.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.events)
	})
}

// markOpen records the feed's acknowledgment. Only valid from StateOpening.
func (s *Subscription) markOpen() {
	s.state.CompareAndSwap(int32(StateOpening), int32(StateOpen))
}

// deliver routes one event to the subscriber without blocking. Events for a
// closed subscription or a full buffer are dropped.
// Caller must guarantee the subscription is still registered (no Close has
// run), so the send cannot race the channel close.
func (s *Subscription) deliver(ev model.ChangeEvent) bool {
	if s.State() == StateClosed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}
