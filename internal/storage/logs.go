package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiroku-app/kiroku/internal/model"
)

// InsertLog inserts a new log entry. The server assigns the row id; any id
// on the input is ignored, so an optimistic client id and the authoritative
// id diverge deliberately (the ledger reconciles on the next full refetch).
// Returns the entry with the assigned id and created_at populated.
func (db *DB) InsertLog(ctx context.Context, userID uuid.UUID, entry model.LogEntry) (model.LogEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO daily_logs (user_id, created_at, focus_category, description, duration_minutes, mood_score, xp_value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		userID, entry.CreatedAt, string(entry.Category), entry.Description,
		entry.DurationMinutes, entry.MoodScore, entry.XPValue,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("storage: insert log: %w", err)
	}
	return entry, nil
}

// DeleteLog removes a log entry. Returns ErrNotFound if no row matched.
func (db *DB) DeleteLog(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM daily_logs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("storage: delete log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryLogs returns the user's log entries newest first. If since is
// non-zero only entries at or after it are returned. limit <= 0 defaults
// to 500; callers should compare the result length against the limit to
// detect truncation.
func (db *DB) QueryLogs(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, created_at, focus_category, description, duration_minutes, mood_score, xp_value
		 FROM daily_logs
		 WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		userID, nullableTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query logs: %w", err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

func scanLogs(rows pgx.Rows) ([]model.LogEntry, error) {
	var out []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(
			&e.ID, &e.CreatedAt, &e.Category, &e.Description,
			&e.DurationMinutes, &e.MoodScore, &e.XPValue,
		); err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// nullableTime maps the zero time to NULL for optional filters.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
