package ledger

import "github.com/kiroku-app/kiroku/internal/model"

// categoryRank orders skills by their position in the canonical category
// list; unknown categories sort last, alphabetically.
var categoryRank = func() map[model.FocusCategory]int {
	m := make(map[model.FocusCategory]int, len(model.FocusCategories))
	for i, c := range model.FocusCategories {
		m[c] = i
	}
	return m
}()

// displayLess returns the sort rule for a table's snapshot.
//
// Logs: newest first. Milestones: position ascending, ties by id so the
// ordering stays total even when positions collide. Skills: canonical
// category order. Targets: date ascending.
func displayLess(table model.Table) func(a, b model.Entity) bool {
	switch table {
	case model.TableLogs:
		return func(a, b model.Entity) bool {
			la, lb := a.(model.LogEntry), b.(model.LogEntry)
			if !la.CreatedAt.Equal(lb.CreatedAt) {
				return la.CreatedAt.After(lb.CreatedAt)
			}
			return la.EntityID() < lb.EntityID()
		}
	case model.TableMilestones:
		return func(a, b model.Entity) bool {
			ma, mb := a.(model.Milestone), b.(model.Milestone)
			if ma.Position != mb.Position {
				return ma.Position < mb.Position
			}
			return ma.EntityID() < mb.EntityID()
		}
	case model.TableSkills:
		return func(a, b model.Entity) bool {
			sa, sb := a.(model.Skill), b.(model.Skill)
			ra, aKnown := categoryRank[sa.Category]
			rb, bKnown := categoryRank[sb.Category]
			switch {
			case aKnown && bKnown:
				return ra < rb
			case aKnown:
				return true
			case bKnown:
				return false
			default:
				return sa.Category < sb.Category
			}
		}
	case model.TableTargets:
		return func(a, b model.Entity) bool {
			ta, tb := a.(model.TacticalTarget), b.(model.TacticalTarget)
			return ta.Date.Before(tb.Date.Time)
		}
	default:
		return func(a, b model.Entity) bool { return a.EntityID() < b.EntityID() }
	}
}
