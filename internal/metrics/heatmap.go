package metrics

import (
	"time"

	"github.com/kiroku-app/kiroku/internal/model"
)

const (
	// HeatmapDays is the trailing window length in calendar days.
	HeatmapDays = 120
	// HeatmapGroupSize is the number of consecutive days per display column.
	HeatmapGroupSize = 7
)

// Heatmap buckets daily activity totals into intensity levels over the
// trailing 120-day window ending at today. The window is chunked into
// groups of 7 consecutive days; the trailing partial group is zero-padded.
// Days with no entries bucket to 0. Entries outside the window are ignored.
func Heatmap(logs []model.LogEntry, today time.Time) [][]int {
	loc := today.Location()
	start := model.DateOf(today).AddDate(0, 0, -(HeatmapDays - 1))

	minutesByDay := make(map[string]int)
	for _, l := range logs {
		minutesByDay[model.DateOf(l.CreatedAt.In(loc)).String()] += l.DurationMinutes
	}

	var grid [][]int
	var group []int
	for i := 0; i < HeatmapDays; i++ {
		day := model.Date{Time: start.AddDate(0, 0, i)}
		group = append(group, Intensity(minutesByDay[day.String()]))
		if len(group) == HeatmapGroupSize {
			grid = append(grid, group)
			group = nil
		}
	}
	if len(group) > 0 {
		for len(group) < HeatmapGroupSize {
			group = append(group, 0)
		}
		grid = append(grid, group)
	}
	return grid
}

// Intensity maps a day's total minutes to a display level 0..4.
func Intensity(totalMinutes int) int {
	switch {
	case totalMinutes <= 0:
		return 0
	case totalMinutes <= 30:
		return 1
	case totalMinutes <= 60:
		return 2
	case totalMinutes <= 120:
		return 3
	default:
		return 4
	}
}
