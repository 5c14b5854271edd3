package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kiroku-app/kiroku/internal/model"
)

// UpsertTarget inserts or replaces the tactical target for a date.
// At most one target exists per (user, date).
func (db *DB) UpsertTarget(ctx context.Context, userID uuid.UUID, t model.TacticalTarget) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tactical_targets (user_id, target_date, target_text, target_type)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, target_date)
		 DO UPDATE SET target_text = EXCLUDED.target_text, target_type = EXCLUDED.target_type`,
		userID, t.Date.Time, t.Text, string(t.Type),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert target: %w", err)
	}
	return nil
}

// DeleteTarget removes the target for a date. Returns ErrNotFound if no row
// matched.
func (db *DB) DeleteTarget(ctx context.Context, userID uuid.UUID, date model.Date) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tactical_targets WHERE user_id = $1 AND target_date = $2`,
		userID, date.Time)
	if err != nil {
		return fmt.Errorf("storage: delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryTargets returns the user's tactical targets ordered by date.
func (db *DB) QueryTargets(ctx context.Context, userID uuid.UUID) ([]model.TacticalTarget, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT target_date, target_text, target_type
		 FROM tactical_targets WHERE user_id = $1
		 ORDER BY target_date ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: query targets: %w", err)
	}
	defer rows.Close()

	var out []model.TacticalTarget
	for rows.Next() {
		var t model.TacticalTarget
		if err := rows.Scan(&t.Date.Time, &t.Text, &t.Type); err != nil {
			return nil, fmt.Errorf("storage: scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
