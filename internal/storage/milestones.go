package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/model"
)

// InsertMilestone inserts a new milestone with a server-assigned id.
func (db *DB) InsertMilestone(ctx context.Context, userID uuid.UUID, m model.Milestone) (model.Milestone, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO milestones (user_id, title, target_date, status, position)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		userID, m.Title, m.TargetDate.Time, string(m.Status), m.Position,
	).Scan(&m.ID)
	if err != nil {
		return model.Milestone{}, fmt.Errorf("storage: insert milestone: %w", err)
	}
	return m, nil
}

// UpdateMilestone replaces a milestone's mutable fields.
// Returns ErrNotFound if no row matched.
func (db *DB) UpdateMilestone(ctx context.Context, userID uuid.UUID, m model.Milestone) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE milestones
		 SET title = $3, target_date = $4, status = $5, position = $6
		 WHERE id = $1 AND user_id = $2`,
		m.ID, userID, m.Title, m.TargetDate.Time, string(m.Status), m.Position,
	)
	if err != nil {
		return fmt.Errorf("storage: update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMilestone removes a milestone. Returns ErrNotFound if no row matched.
func (db *DB) DeleteMilestone(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM milestones WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("storage: delete milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryMilestones returns the user's milestones ordered by position, ties
// broken by id.
func (db *DB) QueryMilestones(ctx context.Context, userID uuid.UUID) ([]model.Milestone, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, title, target_date, status, position
		 FROM milestones WHERE user_id = $1
		 ORDER BY position ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: query milestones: %w", err)
	}
	defer rows.Close()

	var out []model.Milestone
	for rows.Next() {
		var m model.Milestone
		if err := rows.Scan(&m.ID, &m.Title, &m.TargetDate.Time, &m.Status, &m.Position); err != nil {
			return nil, fmt.Errorf("storage: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
