package model

import "github.com/google/uuid"

// MilestoneStatus is the lifecycle state of a roadmap milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "Pending"
	MilestoneInProgress MilestoneStatus = "In Progress"
	MilestoneDone       MilestoneStatus = "Done"
)

// Valid reports whether s is a known milestone status.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneDone:
		return true
	}
	return false
}

// Milestone is a roadmap node tracked against the campaign deadline.
// Position defines display order; ties break by id. Positions need not be
// distinct for the ordering to stay well-defined.
type Milestone struct {
	ID         uuid.UUID       `json:"id"`
	Title      string          `json:"title"`
	TargetDate Date            `json:"target_date"`
	Status     MilestoneStatus `json:"status"`
	Position   int             `json:"position"`
}

// EntityID implements Entity.
func (m Milestone) EntityID() string { return m.ID.String() }
