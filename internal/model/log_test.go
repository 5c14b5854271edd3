package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXP(t *testing.T) {
	tests := []struct {
		duration int
		mood     int
		want     int
	}{
		{60, 3, 60},
		{60, 5, 100},
		{30, 1, 10},
		{45, 4, 60},
		{1, 1, 0},  // 0.33 rounds down
		{2, 1, 1},  // 0.67 rounds up
		{0, 5, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, XP(tt.duration, tt.mood),
			"XP(%d, %d)", tt.duration, tt.mood)
	}
}

func TestDateRoundTrip(t *testing.T) {
	d, err := ParseDate("2026-10-01")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-01", d.String())

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2026-10-01"`, string(b))

	var back Date
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d, back)
}

func TestDateUnmarshalTimestamp(t *testing.T) {
	// Clients occasionally send full timestamps for date columns.
	var d Date
	require.NoError(t, json.Unmarshal([]byte(`"2026-08-31T15:04:05+07:00"`), &d))
	assert.Equal(t, "2026-08-31", d.String())
}

func TestChangeEventDecodeRow(t *testing.T) {
	id := uuid.New()
	created := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	row, err := json.Marshal(LogEntry{
		ID:              id,
		CreatedAt:       created,
		Category:        CategoryDeepLearning,
		Description:     "implemented backprop from scratch",
		DurationMinutes: 90,
		MoodScore:       4,
		XPValue:         120,
	})
	require.NoError(t, err)

	ev := ChangeEvent{Op: OpInsert, Table: TableLogs, Row: row}
	ent, err := ev.DecodeRow()
	require.NoError(t, err)

	log, ok := ent.(LogEntry)
	require.True(t, ok)
	assert.Equal(t, id.String(), log.EntityID())
	assert.Equal(t, 120, log.XPValue)
}

func TestChangeEventDecodeRowTarget(t *testing.T) {
	ev := ChangeEvent{
		Op:    OpUpdate,
		Table: TableTargets,
		Row:   json.RawMessage(`{"target_date":"2026-09-15","target_text":"submit proposal","target_type":"deadline"}`),
	}
	ent, err := ev.DecodeRow()
	require.NoError(t, err)

	target, ok := ent.(TacticalTarget)
	require.True(t, ok)
	assert.Equal(t, "2026-09-15", target.EntityID())
	assert.Equal(t, TargetDeadline, target.Type)
}

func TestChangeEventDecodeRowUnknownTable(t *testing.T) {
	ev := ChangeEvent{Op: OpInsert, Table: "sessions", Row: json.RawMessage(`{}`)}
	_, err := ev.DecodeRow()
	assert.Error(t, err)
}
