package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/model"
)

// InsertSkill inserts a new skill row. The database enforces one row per
// (user, category); a duplicate insert returns ErrConflict and the caller
// must retry with an update instead.
func (db *DB) InsertSkill(ctx context.Context, userID uuid.UUID, s model.Skill) (model.Skill, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO skills (user_id, category, current_score, target_score)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		userID, string(s.Category), s.CurrentScore, s.TargetScore,
	).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Skill{}, fmt.Errorf("storage: insert skill for %q: %w", s.Category, ErrConflict)
		}
		return model.Skill{}, fmt.Errorf("storage: insert skill: %w", err)
	}
	return s, nil
}

// UpdateSkillTarget calibrates a skill's target score.
// Returns ErrNotFound if no row matched.
func (db *DB) UpdateSkillTarget(ctx context.Context, userID, id uuid.UUID, target float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE skills SET target_score = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, target)
	if err != nil {
		return fmt.Errorf("storage: update skill target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QuerySkills returns the user's skill rows.
func (db *DB) QuerySkills(ctx context.Context, userID uuid.UUID) ([]model.Skill, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, current_score, target_score
		 FROM skills WHERE user_id = $1
		 ORDER BY category ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: query skills: %w", err)
	}
	defer rows.Close()

	var out []model.Skill
	for rows.Next() {
		var s model.Skill
		if err := rows.Scan(&s.ID, &s.Category, &s.CurrentScore, &s.TargetScore); err != nil {
			return nil, fmt.Errorf("storage: scan skill: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
