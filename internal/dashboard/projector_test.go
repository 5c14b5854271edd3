package dashboard

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-app/kiroku/internal/ledger"
	"github.com/kiroku-app/kiroku/internal/metrics"
	"github.com/kiroku-app/kiroku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fixedNow() time.Time {
	return time.Date(2026, time.August, 31, 12, 0, 0, 0, time.UTC)
}

func newTestProjector(t *testing.T) (*Projector, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(testLogger())
	deadline := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
	p := NewProjector(led, testLogger(), deadline, WithClock(fixedNow))
	p.Start()
	t.Cleanup(p.Stop)
	return p, led
}

func recvView(t *testing.T, ch <-chan View) View {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "watcher channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no view delivered")
		return View{}
	}
}

func TestWatchDeliversInitialFrame(t *testing.T) {
	p, led := newTestProjector(t)

	led.Upsert(model.TableLogs, model.LogEntry{
		ID:              uuid.New(),
		CreatedAt:       fixedNow().Add(-time.Hour),
		Category:        model.CategoryNLP,
		DurationMinutes: 60,
		MoodScore:       5,
		XPValue:         100,
	})

	views, cancel := p.Watch()
	defer cancel()

	v := recvView(t, views)
	require.Len(t, v.Logs, 1)
	assert.Equal(t, 100, v.Logs[0].XPValue)

	// Aggregates cover every canonical category even with one log.
	require.Len(t, v.Skills, len(model.FocusCategories))
	assert.Equal(t, 100, v.Skills[0].XP)
	assert.Len(t, v.Heatmap, metrics.HeatmapDays/metrics.HeatmapGroupSize+1)
}

func TestLedgerChangePushesFreshFrame(t *testing.T) {
	p, led := newTestProjector(t)

	views, cancel := p.Watch()
	defer cancel()
	first := recvView(t, views)
	assert.Empty(t, first.Milestones)

	led.Upsert(model.TableMilestones, model.Milestone{
		ID:     uuid.New(),
		Title:  "Deploy detector",
		Status: model.MilestoneInProgress,
	})

	v := recvView(t, views)
	require.Len(t, v.Milestones, 1)
	assert.Equal(t, 1, v.Roadmap.InProgress)
}

func TestSlowWatcherGetsLatestFrame(t *testing.T) {
	p, led := newTestProjector(t)

	views, cancel := p.Watch()
	defer cancel()
	recvView(t, views) // drain initial frame

	// Three rapid changes while the watcher sleeps; only the newest frame
	// should remain in the channel.
	for i := range 3 {
		led.Upsert(model.TableMilestones, model.Milestone{
			ID: uuid.New(), Title: "m", Status: model.MilestonePending, Position: i,
		})
	}

	v := recvView(t, views)
	assert.Len(t, v.Milestones, 3)
	select {
	case stale := <-views:
		t.Fatalf("unexpected second frame with %d milestones", len(stale.Milestones))
	default:
	}
}

func TestCancelClosesWatcher(t *testing.T) {
	p, _ := newTestProjector(t)

	views, cancel := p.Watch()
	recvView(t, views)
	cancel()
	cancel() // idempotent

	_, ok := <-views
	assert.False(t, ok)
}

func TestStopClosesAllWatchers(t *testing.T) {
	p, led := newTestProjector(t)

	views, cancel := p.Watch()
	defer cancel()
	recvView(t, views)

	p.Stop()
	for range views {
	}

	// Changes after Stop reach no one and do not panic.
	led.Upsert(model.TableTargets, model.TacticalTarget{
		Date: model.NewDate(2026, time.September, 1), Text: "x", Type: model.TargetNormal,
	})
}

func TestComputeCountdown(t *testing.T) {
	p, _ := newTestProjector(t)

	v := p.Compute()
	assert.Equal(t, 121, v.Countdown.Days)
	assert.Equal(t, 12, v.Countdown.Hours)
}
