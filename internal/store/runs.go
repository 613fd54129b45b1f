package store

import (
	"context"
	"fmt"
)

// Sync run queries. Append-only performance log.
const (
	sqlAppendRun = `INSERT INTO sync_runs
		(id, target_id, started_at, ended_at, outcome, changed_count, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlPruneRuns = `DELETE FROM sync_runs WHERE started_at < ?`

	// Trailing window per target: the most recent N runs of each of the
	// user's targets, joined with the target's service kind.
	sqlRecentRunsByUser = `SELECT service_kind, outcome, changed_count, started_at FROM (
			SELECT t.service_kind, r.outcome, r.changed_count, r.started_at,
				ROW_NUMBER() OVER (PARTITION BY r.target_id ORDER BY r.started_at DESC) AS rn
			FROM sync_runs r
			JOIN sync_targets t ON t.id = r.target_id
			WHERE t.user_id = ?
		) WHERE rn <= ?`

	sqlAggregates = `SELECT t.service_kind,
			COUNT(*),
			AVG(CASE WHEN r.outcome = 'success' THEN 1.0 ELSE 0.0 END),
			AVG((r.ended_at - r.started_at) / 1e9)
		FROM sync_runs r
		JOIN sync_targets t ON t.id = r.target_id
		GROUP BY t.service_kind
		ORDER BY t.service_kind`
)

// AppendRun records one sync attempt outcome. Safe for concurrent writers.
func (s *SQLiteStore) AppendRun(ctx context.Context, r *SyncRun) error {
	if _, err := s.runStmts.append.ExecContext(ctx,
		r.ID, r.TargetID, r.StartedAt, r.EndedAt, string(r.Outcome), r.ChangedCount, string(r.ErrorKind)); err != nil {
		return fmt.Errorf("append run %s: %w", r.ID, err)
	}

	return nil
}

// RecentRunsByUser returns the trailing perTarget runs of each of the user's
// targets, the sliding window the change classifier consumes.
func (s *SQLiteStore) RecentRunsByUser(ctx context.Context, userID string, perTarget int) ([]RunSample, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecentRunsByUser, userID, perTarget)
	if err != nil {
		return nil, fmt.Errorf("recent runs for %s: %w", userID, err)
	}
	defer rows.Close()

	var samples []RunSample

	for rows.Next() {
		var (
			sample  RunSample
			kind    string
			outcome string
		)

		if err := rows.Scan(&kind, &outcome, &sample.ChangedCount, &sample.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run sample: %w", err)
		}

		sample.Kind = ServiceKind(kind)
		sample.Outcome = Outcome(outcome)
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run samples: %w", err)
	}

	return samples, nil
}

// Aggregates returns per-service-kind success rate and mean run duration over
// the retained window, for the observability surface.
func (s *SQLiteStore) Aggregates(ctx context.Context) ([]KindAggregate, error) {
	rows, err := s.db.QueryContext(ctx, sqlAggregates)
	if err != nil {
		return nil, fmt.Errorf("run aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []KindAggregate

	for rows.Next() {
		var (
			a    KindAggregate
			kind string
		)

		if err := rows.Scan(&kind, &a.Runs, &a.SuccessRate, &a.MeanDurationSec); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}

		a.Kind = ServiceKind(kind)
		aggs = append(aggs, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}

	return aggs, nil
}

// PruneRuns deletes runs older than the cutoff and returns the number removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before int64) (int64, error) {
	res, err := s.runStmts.prune.ExecContext(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs rows affected: %w", err)
	}

	return n, nil
}
