package ledger

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-app/kiroku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLog(created time.Time, xp int) model.LogEntry {
	return model.LogEntry{
		ID:              uuid.New(),
		CreatedAt:       created,
		Category:        model.CategoryNLP,
		Description:     "test",
		DurationMinutes: 30,
		MoodScore:       3,
		XPValue:         xp,
	}
}

func snapshotIDs(l *Ledger, table model.Table) []string {
	var ids []string
	for _, e := range l.Snapshot(table) {
		ids = append(ids, e.EntityID())
	}
	return ids
}

func TestUpsertAndSnapshot(t *testing.T) {
	l := New(testLogger())
	now := time.Now()

	older := newLog(now.Add(-time.Hour), 30)
	newer := newLog(now, 60)
	assert.True(t, l.Upsert(model.TableLogs, older))
	assert.True(t, l.Upsert(model.TableLogs, newer))

	snap := l.Snapshot(model.TableLogs)
	require.Len(t, snap, 2)
	// Logs display newest first.
	assert.Equal(t, newer.EntityID(), snap[0].EntityID())
	assert.Equal(t, older.EntityID(), snap[1].EntityID())
}

func TestUpsertIdempotent(t *testing.T) {
	l := New(testLogger())
	entry := newLog(time.Now(), 60)

	assert.True(t, l.Upsert(model.TableLogs, entry))
	// Same value again: no state change.
	assert.False(t, l.Upsert(model.TableLogs, entry))
	assert.Len(t, l.Snapshot(model.TableLogs), 1)
	assert.Equal(t, int64(1), l.Applies())
}

func TestUpsertLastWriterWins(t *testing.T) {
	l := New(testLogger())
	entry := newLog(time.Now(), 60)
	assert.True(t, l.Upsert(model.TableLogs, entry))

	entry.Description = "revised"
	assert.True(t, l.Upsert(model.TableLogs, entry))

	snap := l.Snapshot(model.TableLogs)
	require.Len(t, snap, 1)
	assert.Equal(t, "revised", snap[0].(model.LogEntry).Description)
}

func TestRemoveTombstonesID(t *testing.T) {
	clock := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	l := New(testLogger(), WithClock(func() time.Time { return clock }))

	entry := newLog(clock, 60)
	l.Upsert(model.TableLogs, entry)
	assert.True(t, l.Remove(model.TableLogs, entry.EntityID()))
	assert.Empty(t, l.Snapshot(model.TableLogs))

	// A stale feed echo inside the tombstone window must not resurrect it.
	clock = clock.Add(30 * time.Second)
	assert.False(t, l.Upsert(model.TableLogs, entry))
	assert.Empty(t, l.Snapshot(model.TableLogs))

	// After expiry a fresh upsert succeeds.
	clock = clock.Add(DefaultTombstoneTTL)
	assert.True(t, l.Upsert(model.TableLogs, entry))
	assert.Len(t, l.Snapshot(model.TableLogs), 1)
}

func TestRemoveMissingStillTombstones(t *testing.T) {
	// Delete confirmations can race the feed insert for the same row. The
	// tombstone must be planted even when the row was never seen locally.
	l := New(testLogger())
	entry := newLog(time.Now(), 60)

	assert.False(t, l.Remove(model.TableLogs, entry.EntityID()))
	assert.False(t, l.Upsert(model.TableLogs, entry))
	assert.Empty(t, l.Snapshot(model.TableLogs))
}

func TestMergePartial(t *testing.T) {
	l := New(testLogger())
	now := time.Now()

	kept := newLog(now.Add(-time.Minute), 10)
	refreshed := newLog(now, 20)
	l.Upsert(model.TableLogs, kept)
	l.Upsert(model.TableLogs, refreshed)

	refreshed.XPValue = 25
	l.Merge(model.TableLogs, []model.Entity{refreshed}, false)

	snap := l.Snapshot(model.TableLogs)
	require.Len(t, snap, 2)
	assert.Contains(t, snapshotIDs(l, model.TableLogs), kept.EntityID())
	assert.Equal(t, 25, snap[0].(model.LogEntry).XPValue)
}

func TestMergeFullReplace(t *testing.T) {
	l := New(testLogger())
	now := time.Now()

	optimistic := newLog(now, 60)
	l.Upsert(model.TableLogs, optimistic)

	authoritative := newLog(now, 60)
	l.Merge(model.TableLogs, []model.Entity{authoritative}, true)

	ids := snapshotIDs(l, model.TableLogs)
	require.Len(t, ids, 1)
	assert.Equal(t, authoritative.EntityID(), ids[0])
}

func TestMergeSkipsTombstoned(t *testing.T) {
	l := New(testLogger())
	entry := newLog(time.Now(), 60)

	l.Upsert(model.TableLogs, entry)
	l.Remove(model.TableLogs, entry.EntityID())

	l.Merge(model.TableLogs, []model.Entity{entry}, false)
	assert.Empty(t, l.Snapshot(model.TableLogs))
}

func TestSubscribeNotifiedOnChange(t *testing.T) {
	l := New(testLogger())

	var changed []model.Table
	unsubscribe := l.Subscribe(func(table model.Table) {
		changed = append(changed, table)
	})

	entry := newLog(time.Now(), 60)
	l.Upsert(model.TableLogs, entry)
	l.Upsert(model.TableLogs, entry) // no-op, no notification
	l.Remove(model.TableLogs, entry.EntityID())

	require.Equal(t, []model.Table{model.TableLogs, model.TableLogs}, changed)

	unsubscribe()
	l.Upsert(model.TableMilestones, model.Milestone{ID: uuid.New(), Title: "x", Status: model.MilestonePending})
	assert.Len(t, changed, 2)
}

func TestSubscriberMayReadSnapshot(t *testing.T) {
	// Notification runs outside the ledger lock, so projections can read
	// directly from their callback without deadlocking.
	l := New(testLogger())

	var seen int
	l.Subscribe(func(table model.Table) {
		seen = len(l.Snapshot(table))
	})

	l.Upsert(model.TableLogs, newLog(time.Now(), 60))
	assert.Equal(t, 1, seen)
}

func TestMilestoneOrderPositionThenID(t *testing.T) {
	l := New(testLogger())

	a := model.Milestone{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), Title: "a", Status: model.MilestonePending, Position: 2}
	b := model.Milestone{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), Title: "b", Status: model.MilestonePending, Position: 2}
	c := model.Milestone{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000c"), Title: "c", Status: model.MilestoneDone, Position: 1}

	l.Upsert(model.TableMilestones, b)
	l.Upsert(model.TableMilestones, a)
	l.Upsert(model.TableMilestones, c)

	ids := snapshotIDs(l, model.TableMilestones)
	assert.Equal(t, []string{c.EntityID(), a.EntityID(), b.EntityID()}, ids)
}

func TestTargetOrderByDate(t *testing.T) {
	l := New(testLogger())

	early := model.TacticalTarget{Date: model.NewDate(2026, 9, 1), Text: "warmup", Type: model.TargetNormal}
	late := model.TacticalTarget{Date: model.NewDate(2026, 10, 1), Text: "finals", Type: model.TargetDeadline}

	l.Upsert(model.TableTargets, late)
	l.Upsert(model.TableTargets, early)

	snap := l.Snapshot(model.TableTargets)
	require.Len(t, snap, 2)
	assert.Equal(t, "warmup", snap[0].(model.TacticalTarget).Text)
}

func TestUnwatchedTableIsNoop(t *testing.T) {
	l := New(testLogger())
	assert.False(t, l.Upsert("sessions", newLog(time.Now(), 1)))
	assert.False(t, l.Remove("sessions", "x"))
	assert.Nil(t, l.Snapshot("sessions"))
}
