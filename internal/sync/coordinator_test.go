package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/model"
	"github.com/kiroku-app/kiroku/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore records writes and fails on demand. The server id counter
// stands in for Postgres assigning its own uuids.
type fakeStore struct {
	mu      gosync.Mutex
	calls   []string
	failAll error

	insertedLogs []model.LogEntry
}

func (f *fakeStore) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failAll
}

func (f *fakeStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) InsertLog(_ context.Context, _ uuid.UUID, entry model.LogEntry) (model.LogEntry, error) {
	if err := f.record("insert_log"); err != nil {
		return model.LogEntry{}, err
	}
	entry.ID = uuid.New() // authoritative id, never the client's
	f.mu.Lock()
	f.insertedLogs = append(f.insertedLogs, entry)
	f.mu.Unlock()
	return entry, nil
}

func (f *fakeStore) DeleteLog(context.Context, uuid.UUID, uuid.UUID) error {
	return f.record("delete_log")
}

func (f *fakeStore) InsertMilestone(_ context.Context, _ uuid.UUID, m model.Milestone) (model.Milestone, error) {
	return m, f.record("insert_milestone")
}

func (f *fakeStore) UpdateMilestone(context.Context, uuid.UUID, model.Milestone) error {
	return f.record("update_milestone")
}

func (f *fakeStore) DeleteMilestone(context.Context, uuid.UUID, uuid.UUID) error {
	return f.record("delete_milestone")
}

func (f *fakeStore) InsertSkill(_ context.Context, _ uuid.UUID, s model.Skill) (model.Skill, error) {
	return s, f.record("insert_skill")
}

func (f *fakeStore) UpdateSkillTarget(context.Context, uuid.UUID, uuid.UUID, float64) error {
	return f.record("update_skill_target")
}

func (f *fakeStore) UpsertTarget(context.Context, uuid.UUID, model.TacticalTarget) error {
	return f.record("upsert_target")
}

func (f *fakeStore) DeleteTarget(context.Context, uuid.UUID, model.Date) error {
	return f.record("delete_target")
}

// noticeSink collects notifier callbacks for assertions.
type noticeSink struct {
	mu      gosync.Mutex
	notices []Notice
}

func (n *noticeSink) notify(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *noticeSink) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

func newTestCoordinator(t *testing.T, store Store, notify Notifier) (*Coordinator, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(testLogger())
	c := NewCoordinator(store, led, testLogger(), uuid.New(), notify)
	return c, led
}

func TestCreateLogOptimistic(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	entry, err := c.CreateLog(CreateLogInput{
		Category:        model.CategoryNLP,
		Description:     "transformer fine-tuning",
		DurationMinutes: 60,
		MoodScore:       5,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, entry.XPValue)
	assert.NotEqual(t, uuid.Nil, entry.ID)

	// Visible before the store call settles.
	snap := led.Snapshot(model.TableLogs)
	require.Len(t, snap, 1)
	assert.Equal(t, entry.ID.String(), snap[0].EntityID())

	c.Wait()
	assert.Equal(t, []string{"insert_log"}, store.Calls())
}

func TestCreateLogValidationRejectedBeforeLedger(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	cases := []CreateLogInput{
		{Category: model.CategoryNLP, Description: "x", DurationMinutes: 0, MoodScore: 3},
		{Category: model.CategoryNLP, Description: "x", DurationMinutes: 30, MoodScore: 6},
		{Category: model.CategoryNLP, Description: "", DurationMinutes: 30, MoodScore: 3},
		{Category: "Underwater Basket Weaving", Description: "x", DurationMinutes: 30, MoodScore: 3},
	}
	for _, in := range cases {
		_, err := c.CreateLog(in)
		require.Error(t, err)
		assert.Equal(t, KindValidation, Classify(err))
	}

	c.Wait()
	assert.Empty(t, led.Snapshot(model.TableLogs))
	assert.Empty(t, store.Calls())
}

func TestCreateLogDuplicationUntilRefetch(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	entry, err := c.CreateLog(CreateLogInput{
		Category:        model.CategoryDeepLearning,
		Description:     "backprop drills",
		DurationMinutes: 30,
		MoodScore:       3,
	})
	require.NoError(t, err)
	c.Wait()

	// The change feed delivers the authoritative row under the server id;
	// no id reconciliation happens, so the entry is briefly doubled.
	require.Len(t, store.insertedLogs, 1)
	authoritative := store.insertedLogs[0]
	require.NotEqual(t, entry.ID, authoritative.ID)
	led.Upsert(model.TableLogs, authoritative)
	assert.Len(t, led.Snapshot(model.TableLogs), 2)

	// A full refetch replaces the table and collapses the duplicate.
	led.Merge(model.TableLogs, []model.Entity{authoritative}, true)
	snap := led.Snapshot(model.TableLogs)
	require.Len(t, snap, 1)
	assert.Equal(t, authoritative.ID.String(), snap[0].EntityID())
}

func TestDeleteLogTombstonesEcho(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	entry, err := c.CreateLog(CreateLogInput{
		Category:        model.CategoryPredictiveML,
		Description:     "gradient boosting",
		DurationMinutes: 45,
		MoodScore:       4,
	})
	require.NoError(t, err)

	c.DeleteLog(entry.ID)
	assert.Empty(t, led.Snapshot(model.TableLogs))

	// The feed's echo of the row lands on the tombstone and stays out.
	led.Upsert(model.TableLogs, entry)
	assert.Empty(t, led.Snapshot(model.TableLogs))

	c.Wait()
	assert.Equal(t, []string{"insert_log", "delete_log"}, store.Calls())
}

func TestTransientFailureKeepsOptimisticState(t *testing.T) {
	store := &fakeStore{failAll: errors.New("dial tcp: connection refused")}
	sink := &noticeSink{}
	c, led := newTestCoordinator(t, store, sink.notify)

	entry, err := c.CreateLog(CreateLogInput{
		Category:        model.CategoryGenerativeAI,
		Description:     "diffusion sampling",
		DurationMinutes: 20,
		MoodScore:       2,
	})
	require.NoError(t, err)
	c.Wait()

	// No rollback: the entry stays visible even though the write failed.
	snap := led.Snapshot(model.TableLogs)
	require.Len(t, snap, 1)
	assert.Equal(t, entry.ID.String(), snap[0].EntityID())

	notices := sink.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "create_log", notices[0].Op)
	assert.Equal(t, KindTransient, notices[0].Kind)
}

func TestCreateSkillConflictNoticed(t *testing.T) {
	store := &fakeStore{failAll: fmt.Errorf("storage: insert skill: %w", storage.ErrConflict)}
	sink := &noticeSink{}
	c, led := newTestCoordinator(t, store, sink.notify)

	_, err := c.CreateSkill(CreateSkillInput{Category: model.CategoryNLP})
	require.NoError(t, err)
	c.Wait()

	// The optimistic row remains; the next refetch drops it.
	require.Len(t, led.Snapshot(model.TableSkills), 1)

	notices := sink.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, KindConflict, notices[0].Kind)
}

func TestCreateSkillDefaultTarget(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestCoordinator(t, store, nil)

	s, err := c.CreateSkill(CreateSkillInput{Category: model.CategoryCVClassify})
	require.NoError(t, err)
	assert.Equal(t, float64(model.DefaultTargetScore), s.TargetScore)
	c.Wait()
}

func TestCalibrateSkillUpdatesLedgerCopy(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	s, err := c.CreateSkill(CreateSkillInput{Category: model.CategoryNLP, TargetScore: 200})
	require.NoError(t, err)

	require.NoError(t, c.CalibrateSkill(s.ID, 500))
	c.Wait()

	snap := led.Snapshot(model.TableSkills)
	require.Len(t, snap, 1)
	assert.Equal(t, 500.0, snap[0].(model.Skill).TargetScore)
	assert.Equal(t, []string{"insert_skill", "update_skill_target"}, store.Calls())

	assert.Error(t, c.CalibrateSkill(s.ID, 0))
}

func TestMilestoneLifecycle(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	m, err := c.CreateMilestone(CreateMilestoneInput{
		Title:      "Ship image classifier",
		TargetDate: model.NewDate(2026, time.October, 1),
		Position:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MilestonePending, m.Status)

	m.Status = model.MilestoneDone
	require.NoError(t, c.UpdateMilestone(m))

	snap := led.Snapshot(model.TableMilestones)
	require.Len(t, snap, 1)
	assert.Equal(t, model.MilestoneDone, snap[0].(model.Milestone).Status)

	c.DeleteMilestone(m.ID)
	assert.Empty(t, led.Snapshot(model.TableMilestones))

	c.Wait()
	assert.Equal(t, []string{"insert_milestone", "update_milestone", "delete_milestone"}, store.Calls())

	assert.Error(t, c.UpdateMilestone(model.Milestone{ID: uuid.Nil, Title: "x", Status: model.MilestonePending}))
	assert.Error(t, c.UpdateMilestone(model.Milestone{ID: uuid.New(), Title: "x", Status: "Parked"}))
}

func TestTargetLifecycle(t *testing.T) {
	store := &fakeStore{}
	c, led := newTestCoordinator(t, store, nil)

	date := model.NewDate(2026, time.September, 15)
	tg, err := c.UpsertTarget(UpsertTargetInput{Date: date, Text: "finish eval harness"})
	require.NoError(t, err)
	assert.Equal(t, model.TargetNormal, tg.Type)

	// Same date replaces in place, not a second entry.
	_, err = c.UpsertTarget(UpsertTargetInput{Date: date, Text: "finish eval harness v2", Type: model.TargetDeadline})
	require.NoError(t, err)
	snap := led.Snapshot(model.TableTargets)
	require.Len(t, snap, 1)
	assert.Equal(t, model.TargetDeadline, snap[0].(model.TacticalTarget).Type)

	_, err = c.UpsertTarget(UpsertTargetInput{Text: "no date"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, Classify(err))

	c.DeleteTarget(date)
	assert.Empty(t, led.Snapshot(model.TableTargets))
	c.Wait()
}
