// Package lease owns the lifecycle of push-notification subscriptions
// ("watches"): subscribing, renewing before expiry, detecting failure, and
// re-establishing push capability after the target has fallen back to
// polling. No other component mutates lease state.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/meridianhq/cadence/internal/adapter"
	"github.com/meridianhq/cadence/internal/store"
)

// Store is the slice of the state store the manager needs.
type Store interface {
	GetTarget(ctx context.Context, id int64) (*store.SyncTarget, error)
	GetLease(ctx context.Context, targetID int64) (*store.WatchLease, error)
	GetLeaseByChannel(ctx context.Context, channelID string) (*store.WatchLease, error)
	PutLease(ctx context.Context, l *store.WatchLease) error
	ListLivenessDue(ctx context.Context) ([]*store.WatchLease, error)
	ListFailedLeases(ctx context.Context) ([]*store.WatchLease, error)
}

// Config tunes renewal timing and the failure budget.
type Config struct {
	// SafetyMarginFraction of the lease's total lifetime; the effective
	// margin is max(fraction * lifetime, MarginFloor).
	SafetyMarginFraction float64
	MarginFloor          time.Duration

	// MaxRenewalAttempts is the total renewal attempt budget before a
	// lease transitions to failed.
	MaxRenewalAttempts int

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// SweepInterval is how often the manager scans for leases near expiry.
	SweepInterval time.Duration

	// ResubscribeInterval is the slow cadence at which failed/expired
	// leases are retried, restoring push capability without user action.
	ResubscribeInterval time.Duration
}

// Manager owns all lease state transitions for every sync target.
type Manager struct {
	st       Store
	adapters *adapter.Registry
	cfg      Config
	logger   *slog.Logger

	// lastResubscribe paces the failed-lease sweep per target.
	mu              sync.Mutex
	lastResubscribe map[int64]time.Time

	nowFunc func() time.Time // injectable for testing
}

// NewManager creates a lease manager.
func NewManager(st Store, adapters *adapter.Registry, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		st:              st,
		adapters:        adapters,
		cfg:             cfg,
		logger:          logger,
		lastResubscribe: make(map[int64]time.Time),
		nowFunc:         time.Now,
	}
}

// HasActiveLease reports whether the target currently holds a live push
// subscription. When false the scheduler must poll the target on its own due
// schedule rather than waiting for push delivery.
func (m *Manager) HasActiveLease(ctx context.Context, targetID int64) bool {
	l, err := m.st.GetLease(ctx, targetID)
	if err != nil {
		m.logger.Warn("lease lookup failed", slog.Int64("target_id", targetID), slog.String("error", err.Error()))
		return false
	}

	if l == nil {
		return false
	}

	live := l.State == store.LeaseActive || l.State == store.LeaseRenewing

	return live && l.ExpiresAt > m.nowFunc().UnixNano()
}

// Ensure establishes a push subscription for the target if it has none.
// Called when a target is registered. Lease-call failures are returned but
// the target remains schedulable — it simply polls until the sweep succeeds.
func (m *Manager) Ensure(ctx context.Context, target *store.SyncTarget) error {
	l, err := m.st.GetLease(ctx, target.ID)
	if err != nil {
		return err
	}

	if l != nil && (l.State == store.LeaseActive || l.State == store.LeaseRenewing) {
		return nil
	}

	return m.subscribe(ctx, target)
}

// Run drives renewal and re-subscription sweeps until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one maintenance pass: renew leases inside their safety
// margin, then retry subscription for failed/expired leases at the slow
// cadence.
func (m *Manager) Tick(ctx context.Context) {
	live, err := m.st.ListLivenessDue(ctx)
	if err != nil {
		m.logger.Error("lease sweep: listing live leases", slog.String("error", err.Error()))
		return
	}

	now := m.nowFunc()

	for _, l := range live {
		if now.UnixNano() >= l.ExpiresAt-m.margin(l).Nanoseconds() {
			m.renew(ctx, l)
		}
	}

	m.resubscribeFailed(ctx, now)
}

// MarkExpired transitions the lease owning channelID to expired, typically
// in response to a provider notification that the channel is gone. Expiry is
// treated like failure for scheduling but does not consume the renewal
// attempt budget.
func (m *Manager) MarkExpired(ctx context.Context, channelID string) error {
	l, err := m.st.GetLeaseByChannel(ctx, channelID)
	if err != nil {
		return err
	}

	if l == nil {
		return nil
	}

	l.State = store.LeaseExpired

	if err := m.st.PutLease(ctx, l); err != nil {
		return err
	}

	m.logger.Info("lease expired by provider signal",
		slog.Int64("target_id", l.TargetID),
		slog.String("channel", channelID),
	)

	return nil
}

// margin computes the renewal safety margin for a lease. Lifetime is
// approximated from the last activation timestamp.
func (m *Manager) margin(l *store.WatchLease) time.Duration {
	lifetime := time.Duration(l.ExpiresAt - l.UpdatedAt)

	margin := time.Duration(float64(lifetime) * m.cfg.SafetyMarginFraction)
	if margin < m.cfg.MarginFloor {
		margin = m.cfg.MarginFloor
	}

	return margin
}

// subscribe performs the none/failed/expired -> active transition.
func (m *Manager) subscribe(ctx context.Context, target *store.SyncTarget) error {
	ad, err := m.adapters.Get(target.Kind)
	if err != nil {
		return err
	}

	got, err := ad.Subscribe(ctx, target.UserID)
	if err != nil {
		return fmt.Errorf("subscribe target %d: %w", target.ID, err)
	}

	l := &store.WatchLease{
		TargetID:        target.ID,
		ChannelID:       got.ChannelID,
		ExpiresAt:       got.ExpiresAt.UnixNano(),
		State:           store.LeaseActive,
		RenewalAttempts: 0,
	}

	if err := m.st.PutLease(ctx, l); err != nil {
		return err
	}

	m.logger.Info("watch lease established",
		slog.Int64("target_id", target.ID),
		slog.String("channel", got.ChannelID),
		slog.Time("expires", got.ExpiresAt),
	)

	return nil
}

// renew drives the renewing state across sweep ticks: at most one attempt
// per tick, with the exponential backoff between attempts served by the
// sweep cadence rather than by blocking the sweep goroutine. The persisted
// attempt counter carries the budget; renewal terminates in active or
// failed. A channel-gone signal short-circuits to expired without consuming
// the budget.
func (m *Manager) renew(ctx context.Context, l *store.WatchLease) {
	target, err := m.st.GetTarget(ctx, l.TargetID)
	if err != nil || target == nil || !target.Enabled {
		return
	}

	ad, err := m.adapters.Get(target.Kind)
	if err != nil {
		m.logger.Error("renew: no adapter", slog.String("kind", string(target.Kind)))
		return
	}

	now := m.nowFunc()

	// A lease mid-budget waits out its backoff across ticks; other leases in
	// the same sweep are never delayed by it.
	if l.State == store.LeaseRenewing && l.RenewalAttempts > 0 &&
		now.Sub(time.Unix(0, l.UpdatedAt)) < m.backoffDelay(l.RenewalAttempts) {
		return
	}

	if l.State != store.LeaseRenewing {
		l.State = store.LeaseRenewing
		l.UpdatedAt = now.UnixNano()

		if err := m.st.PutLease(ctx, l); err != nil {
			m.logger.Error("renew: persisting renewing state", slog.String("error", err.Error()))
			return
		}
	}

	newExpiry, callErr := ad.Renew(ctx, l.ChannelID)

	switch {
	case callErr == nil:
		l.State = store.LeaseActive
		l.ExpiresAt = newExpiry.UnixNano()
		l.RenewalAttempts = 0
		l.UpdatedAt = now.UnixNano()

		if err := m.st.PutLease(ctx, l); err != nil {
			m.logger.Error("renew: persisting renewed lease", slog.String("error", err.Error()))
			return
		}

		m.logger.Info("lease renewed",
			slog.Int64("target_id", l.TargetID),
			slog.String("channel", l.ChannelID),
		)

	case errors.Is(callErr, adapter.ErrChannelGone):
		// Not a budget failure: the channel is simply gone.
		l.State = store.LeaseExpired
		l.UpdatedAt = now.UnixNano()

		if err := m.st.PutLease(ctx, l); err != nil {
			m.logger.Error("renew: persisting expired state", slog.String("error", err.Error()))
			return
		}

		m.logger.Warn("lease channel gone, target falls back to polling",
			slog.Int64("target_id", l.TargetID),
			slog.String("channel", l.ChannelID),
		)

	case ctx.Err() != nil:
		// Shutdown mid-call is not a renewal verdict; the persisted renewing
		// state resumes with its budget intact on the next sweep.
		return

	default:
		l.RenewalAttempts++
		l.UpdatedAt = now.UnixNano()

		if l.RenewalAttempts >= m.cfg.MaxRenewalAttempts {
			l.State = store.LeaseFailed
		}

		if err := m.st.PutLease(ctx, l); err != nil {
			m.logger.Error("renew: persisting attempt count", slog.String("error", err.Error()))
			return
		}

		if l.State == store.LeaseFailed {
			m.logger.Warn("lease renewal gave up, target falls back to polling",
				slog.Int64("target_id", l.TargetID),
				slog.Int("attempts", l.RenewalAttempts),
			)

			return
		}

		m.logger.Warn("lease renewal attempt failed",
			slog.Int64("target_id", l.TargetID),
			slog.Int("attempt", l.RenewalAttempts),
			slog.String("error", callErr.Error()),
		)
	}
}

// backoffDelay returns the wait required after the given number of failed
// attempts, following the configured capped exponential series.
func (m *Manager) backoffDelay(attempts int) time.Duration {
	b := retry.WithCappedDuration(m.cfg.BackoffCap, retry.NewExponential(m.cfg.BackoffBase))

	var d time.Duration

	for range attempts {
		next, stop := b.Next()
		if stop {
			break
		}

		d = next
	}

	return d
}

// resubscribeFailed retries subscription for failed/expired leases, paced at
// ResubscribeInterval per target so a broken provider isn't hammered.
func (m *Manager) resubscribeFailed(ctx context.Context, now time.Time) {
	failed, err := m.st.ListFailedLeases(ctx)
	if err != nil {
		m.logger.Error("lease sweep: listing failed leases", slog.String("error", err.Error()))
		return
	}

	for _, l := range failed {
		if !m.resubscribeDue(l.TargetID, now) {
			continue
		}

		target, err := m.st.GetTarget(ctx, l.TargetID)
		if err != nil || target == nil || !target.Enabled {
			continue
		}

		if err := m.subscribe(ctx, target); err != nil {
			m.logger.Debug("re-subscribe attempt failed",
				slog.Int64("target_id", l.TargetID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// resubscribeDue records and checks the per-target re-subscribe pacing.
func (m *Manager) resubscribeDue(targetID int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastResubscribe[targetID]
	if ok && now.Sub(last) < m.cfg.ResubscribeInterval {
		return false
	}

	m.lastResubscribe[targetID] = now

	return true
}
