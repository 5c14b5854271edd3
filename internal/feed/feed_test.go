package feed

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func logEvent(t *testing.T, op model.ChangeOp, entry model.LogEntry) model.ChangeEvent {
	t.Helper()
	row, err := json.Marshal(entry)
	require.NoError(t, err)
	return model.ChangeEvent{Op: op, Table: model.TableLogs, Row: row}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscriptionLifecycle(t *testing.T) {
	sub := newSubscription(model.TableLogs, uuid.New(), func(*Subscription) {})

	assert.Equal(t, StateOpening, sub.State())

	sub.markOpen()
	assert.Equal(t, StateOpen, sub.State())

	sub.Close()
	assert.Equal(t, StateClosed, sub.State())

	// Channel is closed; range terminates.
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Close is idempotent and terminal: markOpen after close is ignored.
	sub.Close()
	sub.markOpen()
	assert.Equal(t, StateClosed, sub.State())
}

func TestHubOpensSubscriptions(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(model.TableLogs, uuid.New())
	defer sub.Close()
	assert.Equal(t, StateOpen, sub.State())
	assert.Equal(t, model.TableLogs, sub.Table())
}

func TestDeliverDroppedAfterClose(t *testing.T) {
	h := NewHub()
	userID := uuid.New()
	sub := h.Subscribe(model.TableLogs, userID)
	sub.Close()

	// Publishing after close must neither panic nor deliver.
	h.Publish(userID, logEvent(t, model.OpInsert, model.LogEntry{ID: uuid.New()}))
	assert.False(t, sub.deliver(model.ChangeEvent{Op: model.OpInsert, Table: model.TableLogs}))
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(model.TableLogs, uuid.New())

	ev := logEvent(t, model.OpInsert, model.LogEntry{ID: uuid.New()})
	for range subscriptionBuffer {
		require.True(t, sub.deliver(ev))
	}
	assert.False(t, sub.deliver(ev), "overflow event should be dropped, not block")
	sub.Close()
}

func TestRouterAppliesInsertAndDelete(t *testing.T) {
	h := NewHub()
	led := ledger.New(testLogger())
	userID := uuid.New()

	r := NewRouter(h, led, testLogger(), userID)
	r.Start()
	defer r.Stop()

	entry := model.LogEntry{
		ID:              uuid.New(),
		CreatedAt:       time.Now().UTC(),
		Category:        model.CategoryNLP,
		Description:     "feed insert",
		DurationMinutes: 30,
		MoodScore:       3,
		XPValue:         30,
	}

	h.Publish(userID, logEvent(t, model.OpInsert, entry))
	waitFor(t, func() bool { return len(led.Snapshot(model.TableLogs)) == 1 })

	// Duplicate delivery is a no-op.
	h.Publish(userID, logEvent(t, model.OpInsert, entry))
	h.Publish(userID, logEvent(t, model.OpDelete, entry))
	waitFor(t, func() bool { return len(led.Snapshot(model.TableLogs)) == 0 })

	// A late insert echo for the deleted row hits the tombstone.
	h.Publish(userID, logEvent(t, model.OpInsert, entry))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, led.Snapshot(model.TableLogs))
}

func TestRouterIgnoresOtherUsers(t *testing.T) {
	h := NewHub()
	led := ledger.New(testLogger())

	r := NewRouter(h, led, testLogger(), uuid.New())
	r.Start()
	defer r.Stop()

	h.Publish(uuid.New(), logEvent(t, model.OpInsert, model.LogEntry{ID: uuid.New(), CreatedAt: time.Now()}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, led.Snapshot(model.TableLogs))
}

func TestRouterStopReleasesSubscriptions(t *testing.T) {
	h := NewHub()
	led := ledger.New(testLogger())
	userID := uuid.New()

	r := NewRouter(h, led, testLogger(), userID)
	r.Start()
	r.Stop()

	// All subscriptions are released; a new event goes nowhere.
	h.Publish(userID, logEvent(t, model.OpInsert, model.LogEntry{ID: uuid.New(), CreatedAt: time.Now()}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, led.Snapshot(model.TableLogs))
}

func TestRouterOneSubscriptionPerTable(t *testing.T) {
	h := NewHub()
	led := ledger.New(testLogger())

	r := NewRouter(h, led, testLogger(), uuid.New())
	r.Start()
	r.Start() // second Start is a no-op
	defer r.Stop()

	h.mu.RLock()
	defer h.mu.RUnlock()
	perTable := make(map[model.Table]int)
	for sub := range h.subs {
		perTable[sub.table]++
	}
	for _, table := range model.WatchedTables {
		assert.Equal(t, 1, perTable[table], "table %s", table)
	}
}
