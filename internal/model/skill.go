package model

import "github.com/google/uuid"

// DefaultTargetScore applies to categories with no Skill row.
const DefaultTargetScore = 100

// Skill is a per-category target. The database enforces one row per
// (user, category) pair via a uniqueness constraint; the ledger does not.
//
// CurrentScore mirrors the stored column for wire compatibility with older
// clients that still write it, but derived aggregation is authoritative:
// metric calculators compute the current value from log entries and never
// read this field.
type Skill struct {
	ID           uuid.UUID     `json:"id"`
	Category     FocusCategory `json:"category"`
	CurrentScore float64       `json:"current_score"`
	TargetScore  float64       `json:"target_score"`
}

// EntityID implements Entity.
func (s Skill) EntityID() string { return s.ID.String() }
