package model

// TargetType distinguishes ordinary daily targets from hard deadlines.
type TargetType string

const (
	TargetNormal   TargetType = "normal"
	TargetDeadline TargetType = "deadline"
)

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	return t == TargetNormal || t == TargetDeadline
}

// TacticalTarget is a short note attached to a calendar date.
// At most one target exists per date; the date is the identity.
type TacticalTarget struct {
	Date Date       `json:"target_date"`
	Text string     `json:"target_text"`
	Type TargetType `json:"target_type"`
}

// EntityID implements Entity.
func (t TacticalTarget) EntityID() string { return t.Date.String() }
