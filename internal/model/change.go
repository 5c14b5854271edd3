package model

import (
	"encoding/json"
	"fmt"
)

// ChangeOp is the kind of row-level change delivered by the feed.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Valid reports whether op is a known change operation.
func (op ChangeOp) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// ChangeEvent is one row-level change notification. Delivery is
// at-least-once and unordered across tables; consumers must apply events
// idempotently.
type ChangeEvent struct {
	Op    ChangeOp        `json:"op"`
	Table Table           `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// DecodeRow unmarshals the event's row into the entity type for its table.
func (e ChangeEvent) DecodeRow() (Entity, error) {
	switch e.Table {
	case TableLogs:
		var row LogEntry
		if err := json.Unmarshal(e.Row, &row); err != nil {
			return nil, fmt.Errorf("model: decode %s row: %w", e.Table, err)
		}
		return row, nil
	case TableMilestones:
		var row Milestone
		if err := json.Unmarshal(e.Row, &row); err != nil {
			return nil, fmt.Errorf("model: decode %s row: %w", e.Table, err)
		}
		return row, nil
	case TableSkills:
		var row Skill
		if err := json.Unmarshal(e.Row, &row); err != nil {
			return nil, fmt.Errorf("model: decode %s row: %w", e.Table, err)
		}
		return row, nil
	case TableTargets:
		var row TacticalTarget
		if err := json.Unmarshal(e.Row, &row); err != nil {
			return nil, fmt.Errorf("model: decode %s row: %w", e.Table, err)
		}
		return row, nil
	default:
		return nil, fmt.Errorf("model: decode row: unknown table %q", e.Table)
	}
}
