// Package metrics computes derived dashboard aggregates from ledger
// snapshots. Every function here is pure: no I/O, no stored state, no error
// paths. Aggregates are recomputed in full on every ledger change — entity
// counts are bounded to a few hundred rows per user, so incremental
// maintenance isn't worth its complexity.
package metrics

import (
	"sort"

	"github.com/kiroku-app/kiroku/internal/model"
)

// CategoryProgress pairs a category's accumulated XP with its target score.
// Current progress is derived from log entries; the skills table only
// contributes the target (see Skill doc for why current_score is ignored).
type CategoryProgress struct {
	Category model.FocusCategory `json:"category"`
	XP       int                 `json:"xp"`
	Target   float64             `json:"target"`
}

// SkillProgress aggregates XP per focus category and pairs each with its
// target score. Every canonical category appears in the result even with
// zero logged activity; categories seen only in data are appended after the
// canonical ones. Categories with no Skill row default to a target of 100.
func SkillProgress(logs []model.LogEntry, skills []model.Skill) []CategoryProgress {
	xpByCategory := make(map[model.FocusCategory]int)
	for _, l := range logs {
		xpByCategory[l.Category] += l.XPValue
	}

	targetByCategory := make(map[model.FocusCategory]float64)
	for _, s := range skills {
		targetByCategory[s.Category] = s.TargetScore
	}

	seen := make(map[model.FocusCategory]bool, len(model.FocusCategories))
	out := make([]CategoryProgress, 0, len(model.FocusCategories))
	for _, c := range model.FocusCategories {
		seen[c] = true
		out = append(out, progressFor(c, xpByCategory, targetByCategory))
	}

	var extra []model.FocusCategory
	for c := range xpByCategory {
		if !seen[c] {
			seen[c] = true
			extra = append(extra, c)
		}
	}
	for c := range targetByCategory {
		if !seen[c] {
			seen[c] = true
			extra = append(extra, c)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, c := range extra {
		out = append(out, progressFor(c, xpByCategory, targetByCategory))
	}
	return out
}

func progressFor(c model.FocusCategory, xp map[model.FocusCategory]int, targets map[model.FocusCategory]float64) CategoryProgress {
	target, ok := targets[c]
	if !ok {
		target = model.DefaultTargetScore
	}
	return CategoryProgress{Category: c, XP: xp[c], Target: target}
}
