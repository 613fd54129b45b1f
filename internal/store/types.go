// Package store persists all engine state — sync targets, watch leases,
// activity events, and sync runs — in an embedded SQLite database.
package store

import (
	"fmt"
	"time"
)

// ServiceKind identifies one external service a user's data flows from.
type ServiceKind string

// Recognized service kinds.
const (
	KindMail       ServiceKind = "mail"
	KindCalendar   ServiceKind = "calendar"
	KindDrive      ServiceKind = "drive"
	KindMeetingBot ServiceKind = "meeting_bot"
)

// Kinds lists all recognized service kinds in display order.
var Kinds = []ServiceKind{KindMail, KindCalendar, KindDrive, KindMeetingBot}

// Valid reports whether k is a recognized service kind.
func (k ServiceKind) Valid() bool {
	switch k {
	case KindMail, KindCalendar, KindDrive, KindMeetingBot:
		return true
	default:
		return false
	}
}

// Tier is one rung of the fixed interval ladder. Lower values mean more
// frequent checks. The integer ordering is load-bearing: hysteresis moves a
// target at most one step per re-evaluation.
type Tier int

// Ladder rungs, fastest to slowest.
const (
	TierImmediate Tier = iota
	TierFast
	TierNormal
	TierSlow
	TierBackground
)

var tierNames = map[Tier]string{
	TierImmediate:  "immediate",
	TierFast:       "fast",
	TierNormal:     "normal",
	TierSlow:       "slow",
	TierBackground: "background",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}

	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier converts a stored tier name back to a Tier. Unknown names map to
// TierNormal so a damaged row degrades to the middle of the ladder.
func ParseTier(s string) Tier {
	for t, name := range tierNames {
		if name == s {
			return t
		}
	}

	return TierNormal
}

// LeaseState is the lifecycle state of a push-notification subscription.
type LeaseState string

// Lease lifecycle states.
const (
	LeaseNone     LeaseState = "none"
	LeaseActive   LeaseState = "active"
	LeaseRenewing LeaseState = "renewing"
	LeaseExpired  LeaseState = "expired"
	LeaseFailed   LeaseState = "failed"
)

// Outcome classifies one sync attempt.
type Outcome string

// Run outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// ErrorKind classifies a failed run per the error taxonomy. Empty for
// successful runs.
type ErrorKind string

// Error classifications.
const (
	ErrorNone      ErrorKind = ""
	ErrorTransient ErrorKind = "transient"
	ErrorAuth      ErrorKind = "auth"
	ErrorLease     ErrorKind = "lease"
	ErrorReconcile ErrorKind = "reconcile"
)

// SyncTarget is one (user, service kind) pair subject to scheduled
// synchronization. The scheduler exclusively owns Tier and NextDueAt.
type SyncTarget struct {
	ID                  int64
	UserID              string
	Kind                ServiceKind
	Tier                Tier
	NextDueAt           int64 // Unix nanoseconds; 0 = due immediately
	Cursor              string
	ConsecutiveFailures int
	Enabled             bool
	CreatedAt           int64
	UpdatedAt           int64
}

// WatchLease is one push-notification subscription held with an external
// service. At most one row per target; the lease manager exclusively owns
// state transitions.
type WatchLease struct {
	TargetID        int64
	ChannelID       string
	ExpiresAt       int64 // Unix nanoseconds
	State           LeaseState
	RenewalAttempts int
	UpdatedAt       int64
}

// ActivityEvent is one immutable user-action record.
type ActivityEvent struct {
	ID         int64
	UserID     string
	Kind       string
	OccurredAt int64
}

// SyncRun is the persisted outcome of one sync attempt.
type SyncRun struct {
	ID           string
	TargetID     int64
	StartedAt    int64
	EndedAt      int64
	Outcome      Outcome
	ChangedCount int
	ErrorKind    ErrorKind
}

// RunSample is a sync-run outcome joined with its target's service kind,
// the shape the change classifier consumes.
type RunSample struct {
	Kind         ServiceKind
	Outcome      Outcome
	ChangedCount int
	StartedAt    int64
}

// KindAggregate summarizes run outcomes for one service kind over the
// retention window.
type KindAggregate struct {
	Kind            ServiceKind
	Runs            int
	SuccessRate     float64
	MeanDurationSec float64
}

// NowNano returns the current time as Unix nanoseconds, the timestamp
// representation used throughout the store.
func NowNano() int64 {
	return time.Now().UnixNano()
}
