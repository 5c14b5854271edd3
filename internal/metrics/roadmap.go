package metrics

import (
	"sort"
	"time"

	"github.com/kiroku-app/kiroku/internal/model"
)

// Roadmap groups milestones by status. Each group is ordered by position
// ascending with ties broken by id.
type Roadmap struct {
	Pending    []model.Milestone `json:"pending"`
	InProgress []model.Milestone `json:"in_progress"`
	Done       []model.Milestone `json:"done"`
}

// DoneRatio is the fraction of milestones completed, 0 when none exist.
func (r Roadmap) DoneRatio() float64 {
	total := len(r.Pending) + len(r.InProgress) + len(r.Done)
	if total == 0 {
		return 0
	}
	return float64(len(r.Done)) / float64(total)
}

// GroupRoadmap splits milestones into status groups for display.
func GroupRoadmap(milestones []model.Milestone) Roadmap {
	ordered := make([]model.Milestone, len(milestones))
	copy(ordered, milestones)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Position != ordered[j].Position {
			return ordered[i].Position < ordered[j].Position
		}
		return ordered[i].EntityID() < ordered[j].EntityID()
	})

	var r Roadmap
	for _, m := range ordered {
		switch m.Status {
		case model.MilestoneDone:
			r.Done = append(r.Done, m)
		case model.MilestoneInProgress:
			r.InProgress = append(r.InProgress, m)
		default:
			r.Pending = append(r.Pending, m)
		}
	}
	return r
}

// Countdown is the remaining time until the campaign deadline, split into
// display components. Zero when the deadline has passed.
type Countdown struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// TimeToDeadline computes the countdown from now to the deadline.
func TimeToDeadline(deadline, now time.Time) Countdown {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return Countdown{}
	}
	return Countdown{
		Days:    int(remaining / (24 * time.Hour)),
		Hours:   int(remaining/time.Hour) % 24,
		Minutes: int(remaining/time.Minute) % 60,
		Seconds: int(remaining/time.Second) % 60,
	}
}
