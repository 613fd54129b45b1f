// Package policy holds the pure scheduling decisions: the change-frequency
// classifier and the interval policy that maps (activity score, change tier)
// onto the fixed delay ladder. Nothing here blocks or mutates state.
package policy

import (
	"time"

	"github.com/meridianhq/cadence/internal/store"
)

// ChangeTier is the derived change-frequency class of a user's services.
type ChangeTier int

// Change-frequency tiers.
const (
	ChangeLow ChangeTier = iota
	ChangeMedium
	ChangeHigh
)

func (c ChangeTier) String() string {
	switch c {
	case ChangeHigh:
		return "high"
	case ChangeMedium:
		return "medium"
	default:
		return "low"
	}
}

// Ladder is the fixed set of re-check delays per tier. Immediate is always
// zero. Validity (non-decreasing ordering) is enforced at config load.
type Ladder struct {
	Fast       time.Duration
	Normal     time.Duration
	Slow       time.Duration
	Background time.Duration
}

// Delay maps a tier to its re-check delay.
func (l Ladder) Delay(t store.Tier) time.Duration {
	switch t {
	case store.TierImmediate:
		return 0
	case store.TierFast:
		return l.Fast
	case store.TierNormal:
		return l.Normal
	case store.TierSlow:
		return l.Slow
	default:
		return l.Background
	}
}

// Bands expresses activity-score thresholds as fractions of the maximum
// score. IdleEpsilon separates "low activity" from "effectively idle".
type Bands struct {
	MaxScore    float64
	High        float64
	Low         float64
	IdleEpsilon float64
}

// Policy is the full interval policy. All fields come from config.
type Policy struct {
	Ladder    Ladder
	Bands     Bands
	HighMin   int
	MediumMin int
}

// Classify derives the change-frequency tier from a user's trailing run
// window: the number of distinct service kinds with at least one successful
// run reporting one or more changed items.
func (p Policy) Classify(samples []store.RunSample) ChangeTier {
	changed := make(map[store.ServiceKind]struct{})

	for _, s := range samples {
		if s.Outcome == store.OutcomeSuccess && s.ChangedCount >= 1 {
			changed[s.Kind] = struct{}{}
		}
	}

	switch n := len(changed); {
	case n >= p.HighMin:
		return ChangeHigh
	case n >= p.MediumMin:
		return ChangeMedium
	default:
		return ChangeLow
	}
}

// NextTier selects the target's next tier. A manual trigger always yields
// TierImmediate and is exempt from hysteresis. Otherwise the desired tier is
// computed from the activity score and change tier, then clamped to at most
// one step away from the current tier to avoid oscillation. Non-manual
// selection never reaches TierImmediate.
func (p Policy) NextTier(current store.Tier, score float64, change ChangeTier, manual bool) store.Tier {
	if manual {
		return store.TierImmediate
	}

	desired := p.desiredTier(score, change)

	// Hysteresis: one step per re-evaluation.
	switch {
	case desired > current:
		desired = current + 1
	case desired < current:
		desired = current - 1
	}

	if desired < store.TierFast {
		desired = store.TierFast
	}

	if desired > store.TierBackground {
		desired = store.TierBackground
	}

	return desired
}

// NextDelay maps the selected tier to its delay.
func (p Policy) NextDelay(t store.Tier) time.Duration {
	return p.Ladder.Delay(t)
}

// desiredTier applies the selection ladder before hysteresis.
func (p Policy) desiredTier(score float64, change ChangeTier) store.Tier {
	high := score >= p.Bands.High*p.Bands.MaxScore
	low := score < p.Bands.Low*p.Bands.MaxScore
	idle := score < p.Bands.IdleEpsilon*p.Bands.MaxScore
	mid := !high && !low

	switch {
	case high && change == ChangeHigh:
		return store.TierFast
	case mid || change == ChangeMedium:
		return store.TierNormal
	case !idle && change == ChangeLow:
		return store.TierSlow
	default:
		return store.TierBackground
	}
}
