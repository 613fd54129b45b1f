// Package activity records user-activity events and derives a decaying
// per-user activity score from them.
package activity

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/meridianhq/cadence/internal/store"
)

// Recorder is the slice of the store the ledger appends through.
type Recorder interface {
	AppendActivityEvent(ctx context.Context, userID, kind string, occurredAt int64) error
}

// Config tunes the decay model.
type Config struct {
	// HalfLife is the time for a score to decay to half its value with no
	// new events.
	HalfLife time.Duration

	// Weights maps event kinds to their score contribution. Unknown kinds
	// fall back to DefaultWeight.
	Weights map[string]float64

	// DefaultWeight is applied to unrecognized event kinds.
	DefaultWeight float64

	// MaxScore is the saturation ceiling.
	MaxScore float64
}

// scoreState is the cached decayed score for one user.
type scoreState struct {
	value float64
	at    time.Time
}

// Ledger appends activity events and maintains decayed per-user scores.
// Recording never fails the caller: persistence errors are logged, because
// activity tracking must not block user-facing actions.
type Ledger struct {
	recorder Recorder
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	scores map[string]scoreState

	nowFunc func() time.Time // injectable for testing
}

// NewLedger creates a ledger backed by recorder.
func NewLedger(recorder Recorder, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.DefaultWeight == 0 {
		cfg.DefaultWeight = 1
	}

	return &Ledger{
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		scores:   make(map[string]scoreState),
		nowFunc:  time.Now,
	}
}

// Record appends one activity event and bumps the user's score by the event
// kind's weight. Append errors are logged, never surfaced.
func (l *Ledger) Record(ctx context.Context, userID, kind string, at time.Time) {
	if err := l.recorder.AppendActivityEvent(ctx, userID, kind, at.UnixNano()); err != nil {
		l.logger.Warn("activity event append failed",
			slog.String("user", userID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}

	l.bump(userID, kind, at)
}

// Replay reconstructs a user's score from persisted events, oldest first,
// without re-appending them. Used to warm the ledger after restart; events are
// the durable record, scores are a cache.
func (l *Ledger) Replay(userID string, events []store.ActivityEvent) {
	for _, e := range events {
		l.bump(userID, e.Kind, time.Unix(0, e.OccurredAt))
	}
}

// bump applies one event's weight to the user's decayed score.
func (l *Ledger) bump(userID, kind string, at time.Time) {
	weight, ok := l.cfg.Weights[kind]
	if !ok {
		weight = l.cfg.DefaultWeight
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.decayedLocked(userID, at)

	next := current + weight
	if next > l.cfg.MaxScore {
		next = l.cfg.MaxScore
	}

	// An out-of-order event must not rewind the decay anchor, or the bumped
	// value decays again over a span it already covered.
	anchor := at
	if st, ok := l.scores[userID]; ok && st.at.After(at) {
		anchor = st.at
	}

	l.scores[userID] = scoreState{value: next, at: anchor}
}

// Score returns the user's decayed activity score at the given instant.
// Deterministic given the same event history and now; never negative;
// saturates at MaxScore.
func (l *Ledger) Score(userID string, now time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.decayedLocked(userID, now)
}

// decayedLocked applies exponential half-life decay to the cached score.
// Callers hold l.mu.
func (l *Ledger) decayedLocked(userID string, now time.Time) float64 {
	st, ok := l.scores[userID]
	if !ok {
		return 0
	}

	dt := now.Sub(st.at)
	if dt <= 0 {
		return st.value
	}

	decayed := st.value * math.Exp2(-dt.Seconds()/l.cfg.HalfLife.Seconds())
	if decayed < 0 {
		decayed = 0
	}

	return decayed
}
