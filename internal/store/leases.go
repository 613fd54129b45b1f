package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Lease queries. One row per target (PRIMARY KEY target_id); the upsert is
// how every lease state transition is persisted.
const (
	sqlLeaseColumns = `target_id, channel_id, expires_at, state, renewal_attempts, updated_at`

	sqlGetLease = `SELECT ` + sqlLeaseColumns + ` FROM watch_leases WHERE target_id = ?`

	sqlGetLeaseByChannel = `SELECT ` + sqlLeaseColumns +
		` FROM watch_leases WHERE channel_id = ? AND state IN ('active', 'renewing')`

	sqlPutLease = `INSERT INTO watch_leases
		(target_id, channel_id, expires_at, state, renewal_attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_id) DO UPDATE SET
			channel_id       = excluded.channel_id,
			expires_at       = excluded.expires_at,
			state            = excluded.state,
			renewal_attempts = excluded.renewal_attempts,
			updated_at       = excluded.updated_at`
)

// GetLease returns the lease row for a target, or nil when the target has
// never subscribed (equivalent to state "none").
func (s *SQLiteStore) GetLease(ctx context.Context, targetID int64) (*WatchLease, error) {
	return scanLease(s.leaseStmts.get.QueryRowContext(ctx, targetID))
}

// GetLeaseByChannel resolves a provider channel identifier to its lease.
// Only live (active/renewing) leases resolve: notifications for dead channels
// must not trigger syncs.
func (s *SQLiteStore) GetLeaseByChannel(ctx context.Context, channelID string) (*WatchLease, error) {
	return scanLease(s.leaseStmts.getByChannel.QueryRowContext(ctx, channelID))
}

// PutLease persists a lease state transition, inserting the row on first
// subscribe.
func (s *SQLiteStore) PutLease(ctx context.Context, l *WatchLease) error {
	if _, err := s.leaseStmts.put.ExecContext(ctx,
		l.TargetID, l.ChannelID, l.ExpiresAt, string(l.State), l.RenewalAttempts, NowNano()); err != nil {
		return fmt.Errorf("put lease for target %d: %w", l.TargetID, err)
	}

	return nil
}

// ListLivenessDue returns leases in active or renewing state, for the lease
// manager's renewal tick.
func (s *SQLiteStore) ListLivenessDue(ctx context.Context) ([]*WatchLease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlLeaseColumns+` FROM watch_leases WHERE state IN ('active', 'renewing')`)
	if err != nil {
		return nil, fmt.Errorf("list live leases: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

// ListFailedLeases returns leases in failed or expired state, for the
// re-subscribe sweep.
func (s *SQLiteStore) ListFailedLeases(ctx context.Context) ([]*WatchLease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlLeaseColumns+` FROM watch_leases WHERE state IN ('failed', 'expired')`)
	if err != nil {
		return nil, fmt.Errorf("list failed leases: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

func scanLease(row rowScanner) (*WatchLease, error) {
	var (
		l     WatchLease
		state string
	)

	err := row.Scan(&l.TargetID, &l.ChannelID, &l.ExpiresAt, &state, &l.RenewalAttempts, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("scan lease: %w", err)
	}

	l.State = LeaseState(state)

	return &l, nil
}

func collectLeases(rows *sql.Rows) ([]*WatchLease, error) {
	var leases []*WatchLease

	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}

		leases = append(leases, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}

	return leases, nil
}
