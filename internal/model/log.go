// Package model defines the core domain types for Kiroku.
//
// Types correspond directly to database tables and change-feed payloads.
// Every entity carries a stable string identity via EntityID so the ledger
// can index rows from different tables uniformly.
package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Table identifies a watched database table.
type Table string

const (
	TableLogs       Table = "daily_logs"
	TableMilestones Table = "milestones"
	TableSkills     Table = "skills"
	TableTargets    Table = "tactical_targets"
)

// WatchedTables lists every table the change feed subscribes to.
var WatchedTables = []Table{TableLogs, TableMilestones, TableSkills, TableTargets}

// Valid reports whether t names a watched table.
func (t Table) Valid() bool {
	switch t {
	case TableLogs, TableMilestones, TableSkills, TableTargets:
		return true
	}
	return false
}

// FocusCategory is a study focus area. One Skill row exists per category.
type FocusCategory string

const (
	CategoryNLP          FocusCategory = "NLP & Text Mining"
	CategoryCVClassify   FocusCategory = "CV: Classification"
	CategoryCVDetection  FocusCategory = "CV: Object Detection"
	CategoryDeepLearning FocusCategory = "Deep Learning"
	CategoryPredictiveML FocusCategory = "Predictive ML"
	CategoryGenerativeAI FocusCategory = "Generative AI"
)

// FocusCategories lists all categories in display order.
var FocusCategories = []FocusCategory{
	CategoryNLP,
	CategoryCVClassify,
	CategoryCVDetection,
	CategoryDeepLearning,
	CategoryPredictiveML,
	CategoryGenerativeAI,
}

// Valid reports whether c is a known focus category.
func (c FocusCategory) Valid() bool {
	for _, known := range FocusCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Entity is any row the ledger can hold.
type Entity interface {
	// EntityID returns the row's identity within its table.
	EntityID() string
}

// LogEntry is a timestamped activity record. Append-only from the user's
// point of view; deletable, never edited in place.
type LogEntry struct {
	ID              uuid.UUID     `json:"id"`
	CreatedAt       time.Time     `json:"created_at"`
	Category        FocusCategory `json:"focus_category"`
	Description     string        `json:"description"`
	DurationMinutes int           `json:"duration_minutes"`
	MoodScore       int           `json:"mood_score"`
	XPValue         int           `json:"xp_value"`
}

// EntityID implements Entity.
func (l LogEntry) EntityID() string { return l.ID.String() }

// XP computes the experience value for a log entry at write time.
// One hour at mood 3 is worth 60 XP; one hour at mood 5 is worth 100 XP.
func XP(durationMinutes, moodScore int) int {
	return int(math.Round(float64(durationMinutes) * float64(moodScore) / 3))
}
