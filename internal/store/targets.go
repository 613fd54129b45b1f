package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Target queries. The UNIQUE (user_id, service_kind) constraint makes the
// upsert a re-enable when the user re-authorizes a previously revoked service.
const (
	sqlTargetColumns = `id, user_id, service_kind, tier, next_due_at, cursor,
		consecutive_failures, enabled, created_at, updated_at`

	sqlUpsertTarget = `INSERT INTO sync_targets
		(user_id, service_kind, tier, next_due_at, cursor, consecutive_failures, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', 0, 1, ?, ?)
		ON CONFLICT (user_id, service_kind) DO UPDATE SET
			enabled    = 1,
			tier       = excluded.tier,
			next_due_at = excluded.next_due_at,
			consecutive_failures = 0,
			updated_at = excluded.updated_at`

	sqlGetTarget = `SELECT ` + sqlTargetColumns + ` FROM sync_targets WHERE id = ?`

	sqlGetTargetByUserKind = `SELECT ` + sqlTargetColumns +
		` FROM sync_targets WHERE user_id = ? AND service_kind = ?`

	sqlListEnabledTargets = `SELECT ` + sqlTargetColumns +
		` FROM sync_targets WHERE enabled = 1 ORDER BY next_due_at`

	sqlListTargetsByUser = `SELECT ` + sqlTargetColumns +
		` FROM sync_targets WHERE user_id = ? ORDER BY service_kind`

	sqlListAllTargets = `SELECT ` + sqlTargetColumns +
		` FROM sync_targets ORDER BY user_id, service_kind`

	sqlUpdateTargetSchedule = `UPDATE sync_targets
		SET tier = ?, next_due_at = ?, updated_at = ?
		WHERE id = ?`

	sqlUpdateTargetAfterRun = `UPDATE sync_targets
		SET tier = ?, next_due_at = ?, cursor = ?, consecutive_failures = ?, updated_at = ?
		WHERE id = ? AND enabled = 1`

	sqlDisableTarget = `UPDATE sync_targets SET enabled = 0, updated_at = ? WHERE id = ?`
)

// CreateTarget registers a (user, service kind) pair for scheduling, or
// re-enables it if it already exists. Called when a user completes service
// authorization. The new target is due immediately so the first sync happens
// right away.
func (s *SQLiteStore) CreateTarget(ctx context.Context, userID string, kind ServiceKind) (*SyncTarget, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("create target: unknown service kind %q", kind)
	}

	now := NowNano()

	if _, err := s.targetStmts.upsert.ExecContext(ctx,
		userID, string(kind), TierNormal.String(), now, now, now); err != nil {
		return nil, fmt.Errorf("create target %s/%s: %w", userID, kind, err)
	}

	target, err := s.GetTargetByUserKind(ctx, userID, kind)
	if err != nil {
		return nil, err
	}

	s.logger.Info("sync target registered",
		slog.String("user", userID),
		slog.String("kind", string(kind)),
		slog.Int64("target_id", target.ID),
	)

	return target, nil
}

// GetTarget returns the target with the given ID, or nil if absent.
func (s *SQLiteStore) GetTarget(ctx context.Context, id int64) (*SyncTarget, error) {
	return scanTarget(s.targetStmts.get.QueryRowContext(ctx, id))
}

// GetTargetByUserKind returns the target for (user, kind), or nil if absent.
func (s *SQLiteStore) GetTargetByUserKind(ctx context.Context, userID string, kind ServiceKind) (*SyncTarget, error) {
	return scanTarget(s.targetStmts.getByUserKind.QueryRowContext(ctx, userID, string(kind)))
}

// ListEnabledTargets returns all enabled targets ordered by due time. The
// scheduler loads this at startup to seed its ready set.
func (s *SQLiteStore) ListEnabledTargets(ctx context.Context) ([]*SyncTarget, error) {
	rows, err := s.targetStmts.listEnabled.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled targets: %w", err)
	}
	defer rows.Close()

	return collectTargets(rows)
}

// ListTargetsForUser returns all targets (enabled or not) for one user.
func (s *SQLiteStore) ListTargetsForUser(ctx context.Context, userID string) ([]*SyncTarget, error) {
	rows, err := s.targetStmts.listByUser.QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list targets for %s: %w", userID, err)
	}
	defer rows.Close()

	return collectTargets(rows)
}

// ListAllTargets returns every target, enabled or not, ordered by user and
// kind. Status reporting only; not prepared because it runs once per command.
func (s *SQLiteStore) ListAllTargets(ctx context.Context) ([]*SyncTarget, error) {
	rows, err := s.db.QueryContext(ctx, sqlListAllTargets)
	if err != nil {
		return nil, fmt.Errorf("list all targets: %w", err)
	}
	defer rows.Close()

	return collectTargets(rows)
}

// UpdateTargetSchedule persists a new tier and due time. Scheduler-owned.
func (s *SQLiteStore) UpdateTargetSchedule(ctx context.Context, id int64, tier Tier, nextDueAt int64) error {
	if _, err := s.targetStmts.updateSchedule.ExecContext(ctx,
		tier.String(), nextDueAt, NowNano(), id); err != nil {
		return fmt.Errorf("update schedule for target %d: %w", id, err)
	}

	return nil
}

// UpdateTargetAfterRun persists the post-run state: new tier, due time,
// cursor, and failure streak. A no-op if the target was disabled while the
// run was in flight, so results of revoked targets are discarded.
func (s *SQLiteStore) UpdateTargetAfterRun(
	ctx context.Context, id int64, tier Tier, nextDueAt int64, cursor string, failures int,
) error {
	if _, err := s.targetStmts.afterRun.ExecContext(ctx,
		tier.String(), nextDueAt, cursor, failures, NowNano(), id); err != nil {
		return fmt.Errorf("update target %d after run: %w", id, err)
	}

	return nil
}

// DisableTarget marks a target as disabled. The row is kept, never deleted —
// re-authorization re-enables it with its cursor intact.
func (s *SQLiteStore) DisableTarget(ctx context.Context, id int64) error {
	if _, err := s.targetStmts.disable.ExecContext(ctx, NowNano(), id); err != nil {
		return fmt.Errorf("disable target %d: %w", id, err)
	}

	s.logger.Info("sync target disabled", slog.Int64("target_id", id))

	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*SyncTarget, error) {
	var (
		t       SyncTarget
		kind    string
		tier    string
		enabled int
	)

	err := row.Scan(&t.ID, &t.UserID, &kind, &tier, &t.NextDueAt, &t.Cursor,
		&t.ConsecutiveFailures, &enabled, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("scan target: %w", err)
	}

	t.Kind = ServiceKind(kind)
	t.Tier = ParseTier(tier)
	t.Enabled = enabled != 0

	return &t, nil
}

func collectTargets(rows *sql.Rows) ([]*SyncTarget, error) {
	var targets []*SyncTarget

	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}

		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}

	return targets, nil
}
