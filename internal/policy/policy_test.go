package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/cadence/internal/store"
)

// testPolicy returns a policy with the default production tuning.
func testPolicy() Policy {
	return Policy{
		Ladder: Ladder{
			Fast:       30 * time.Second,
			Normal:     5 * time.Minute,
			Slow:       10 * time.Minute,
			Background: 15 * time.Minute,
		},
		Bands: Bands{
			MaxScore:    100,
			High:        0.6,
			Low:         0.2,
			IdleEpsilon: 0.01,
		},
		HighMin:   3,
		MediumMin: 1,
	}
}

func TestLadder_Delay_MonotonicAcrossTiers(t *testing.T) {
	l := testPolicy().Ladder

	assert.Equal(t, time.Duration(0), l.Delay(store.TierImmediate))
	assert.Equal(t, 30*time.Second, l.Delay(store.TierFast))
	assert.Equal(t, 5*time.Minute, l.Delay(store.TierNormal))
	assert.Equal(t, 10*time.Minute, l.Delay(store.TierSlow))
	assert.Equal(t, 15*time.Minute, l.Delay(store.TierBackground))

	// A faster tier never maps to a longer delay.
	tiers := []store.Tier{
		store.TierImmediate, store.TierFast, store.TierNormal, store.TierSlow, store.TierBackground,
	}
	for i := 1; i < len(tiers); i++ {
		assert.LessOrEqual(t, l.Delay(tiers[i-1]), l.Delay(tiers[i]))
	}
}

func TestPolicy_Classify(t *testing.T) {
	p := testPolicy()

	sample := func(kind store.ServiceKind, outcome store.Outcome, changed int) store.RunSample {
		return store.RunSample{Kind: kind, Outcome: outcome, ChangedCount: changed}
	}

	tests := []struct {
		name    string
		samples []store.RunSample
		want    ChangeTier
	}{
		{"no runs", nil, ChangeLow},
		{"successful runs without changes", []store.RunSample{
			sample(store.KindMail, store.OutcomeSuccess, 0),
			sample(store.KindCalendar, store.OutcomeSuccess, 0),
		}, ChangeLow},
		{"one changed service", []store.RunSample{
			sample(store.KindMail, store.OutcomeSuccess, 4),
		}, ChangeMedium},
		{"two changed services", []store.RunSample{
			sample(store.KindMail, store.OutcomeSuccess, 1),
			sample(store.KindCalendar, store.OutcomeSuccess, 2),
		}, ChangeMedium},
		{"three changed services", []store.RunSample{
			sample(store.KindMail, store.OutcomeSuccess, 1),
			sample(store.KindCalendar, store.OutcomeSuccess, 1),
			sample(store.KindDrive, store.OutcomeSuccess, 1),
		}, ChangeHigh},
		{"failed runs never count", []store.RunSample{
			sample(store.KindMail, store.OutcomeFailure, 9),
			sample(store.KindCalendar, store.OutcomeFailure, 9),
			sample(store.KindDrive, store.OutcomeFailure, 9),
		}, ChangeLow},
		{"same service counted once", []store.RunSample{
			sample(store.KindMail, store.OutcomeSuccess, 1),
			sample(store.KindMail, store.OutcomeSuccess, 5),
			sample(store.KindMail, store.OutcomeSuccess, 2),
		}, ChangeMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.samples))
		})
	}
}

func TestPolicy_NextTier_ManualAlwaysImmediate(t *testing.T) {
	p := testPolicy()

	for _, current := range []store.Tier{store.TierFast, store.TierNormal, store.TierBackground} {
		got := p.NextTier(current, 0, ChangeLow, true)
		assert.Equal(t, store.TierImmediate, got, "current=%s", current)
	}
}

func TestPolicy_NextTier_OneStepHysteresis(t *testing.T) {
	p := testPolicy()

	// High activity + high change wants Fast, but from Background the move
	// is a single step to Slow.
	got := p.NextTier(store.TierBackground, 90, ChangeHigh, false)
	assert.Equal(t, store.TierSlow, got)

	// Idle wants Background, but from Fast the move is a single step.
	got = p.NextTier(store.TierFast, 0, ChangeLow, false)
	assert.Equal(t, store.TierNormal, got)
}

func TestPolicy_NextTier_ConvergesToBackgroundWhenIdle(t *testing.T) {
	p := testPolicy()

	tier := store.TierFast
	for range 5 {
		tier = p.NextTier(tier, 0, ChangeLow, false)
	}

	assert.Equal(t, store.TierBackground, tier)
}

func TestPolicy_NextTier_NonManualNeverImmediate(t *testing.T) {
	p := testPolicy()

	// Even from an Immediate run the next scheduled tier is at least Fast.
	got := p.NextTier(store.TierImmediate, 100, ChangeHigh, false)
	assert.Equal(t, store.TierFast, got)
}

func TestPolicy_NextTier_StableWhenDesiredMatchesCurrent(t *testing.T) {
	p := testPolicy()

	// Mid activity band keeps a Normal target at Normal.
	got := p.NextTier(store.TierNormal, 40, ChangeLow, false)
	assert.Equal(t, store.TierNormal, got)
}

func TestPolicy_DesiredTierSelection(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name   string
		score  float64
		change ChangeTier
		// current is chosen adjacent to the expectation so clamping does
		// not mask the selection rule.
		current store.Tier
		want    store.Tier
	}{
		{"high activity and high change", 80, ChangeHigh, store.TierNormal, store.TierFast},
		{"mid activity", 40, ChangeLow, store.TierSlow, store.TierNormal},
		{"medium change at low activity", 10, ChangeMedium, store.TierSlow, store.TierNormal},
		{"low activity with low change", 10, ChangeLow, store.TierNormal, store.TierSlow},
		{"idle", 0.5, ChangeLow, store.TierSlow, store.TierBackground},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.NextTier(tt.current, tt.score, tt.change, false))
		})
	}
}
