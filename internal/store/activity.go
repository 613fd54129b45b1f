package store

import (
	"context"
	"fmt"
)

// Activity event queries. The table is append-only; pruning is the only
// mutation beyond insert.
const (
	sqlAppendActivityEvent = `INSERT INTO activity_events (user_id, kind, occurred_at) VALUES (?, ?, ?)`

	sqlPruneActivityEvents = `DELETE FROM activity_events WHERE occurred_at < ?`
)

// AppendActivityEvent records one user action.
func (s *SQLiteStore) AppendActivityEvent(ctx context.Context, userID, kind string, occurredAt int64) error {
	if _, err := s.activityStmts.append.ExecContext(ctx, userID, kind, occurredAt); err != nil {
		return fmt.Errorf("append activity event %s/%s: %w", userID, kind, err)
	}

	return nil
}

// ListActivityEventsSince returns a user's events at or after the given
// timestamp, oldest first. Used to rebuild the decayed score after restart.
func (s *SQLiteStore) ListActivityEventsSince(ctx context.Context, userID string, since int64) ([]ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, occurred_at FROM activity_events
		WHERE user_id = ? AND occurred_at >= ? ORDER BY occurred_at`,
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("list activity events for %s: %w", userID, err)
	}
	defer rows.Close()

	var events []ActivityEvent

	for rows.Next() {
		var e ActivityEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity events: %w", err)
	}

	return events, nil
}

// PruneActivityEvents deletes events older than the cutoff and returns the
// number removed.
func (s *SQLiteStore) PruneActivityEvents(ctx context.Context, before int64) (int64, error) {
	res, err := s.activityStmts.prune.ExecContext(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune activity events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune activity events rows affected: %w", err)
	}

	return n, nil
}
