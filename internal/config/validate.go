package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minWorkers         = 1
	maxWorkers         = 64
	minRenewalAttempts = 1
	maxRenewalAttempts = 20
)

// Parse converts a raw Config into a Resolved, accumulating every error found
// rather than stopping at the first, so users see a complete report and can
// fix all issues in one pass.
func Parse(cfg *Config) (*Resolved, error) {
	var errs []error

	r := &Resolved{
		ListenAddr:           cfg.Server.ListenAddr,
		DatabasePath:         cfg.Server.DatabasePath,
		Workers:              cfg.Scheduler.Workers,
		MaxScore:             cfg.Activity.MaxScore,
		EventWeights:         cfg.Activity.EventWeights,
		HighBand:             cfg.Activity.HighBand,
		LowBand:              cfg.Activity.LowBand,
		IdleEpsilon:          cfg.Activity.IdleEpsilon,
		WindowRuns:           cfg.Classifier.WindowRuns,
		HighMin:              cfg.Classifier.HighMin,
		MediumMin:            cfg.Classifier.MediumMin,
		SafetyMarginFraction: cfg.Lease.SafetyMarginFraction,
		MaxRenewalAttempts:   cfg.Lease.MaxRenewalAttempts,
		LogLevel:             cfg.Logging.Level,
		NATSURL:              cfg.NATS.URL,
		NATSStream:           cfg.NATS.Stream,
		SubjectPrefix:        cfg.NATS.SubjectPrefix,
		Connectors:           cfg.Connectors,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.adapter_timeout", cfg.Scheduler.AdapterTimeout, &r.AdapterTimeout},
		{"intervals.fast", cfg.Intervals.Fast, &r.Fast},
		{"intervals.normal", cfg.Intervals.Normal, &r.Normal},
		{"intervals.slow", cfg.Intervals.Slow, &r.Slow},
		{"intervals.background", cfg.Intervals.Background, &r.Background},
		{"activity.half_life", cfg.Activity.HalfLife, &r.HalfLife},
		{"lease.margin_floor", cfg.Lease.MarginFloor, &r.MarginFloor},
		{"lease.backoff_base", cfg.Lease.BackoffBase, &r.BackoffBase},
		{"lease.backoff_cap", cfg.Lease.BackoffCap, &r.BackoffCap},
		{"lease.sweep_interval", cfg.Lease.SweepInterval, &r.SweepInterval},
		{"lease.resubscribe_interval", cfg.Lease.ResubscribeInterval, &r.ResubscribeInterval},
		{"retention.runs", cfg.Retention.Runs, &r.RunRetention},
		{"retention.activity", cfg.Retention.Activity, &r.ActivityRetention},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}

		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", d.name, parsed))
			continue
		}

		*d.dst = parsed
	}

	errs = append(errs, validateResolved(r)...)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}

// validateResolved checks semantic constraints on parsed values.
func validateResolved(r *Resolved) []error {
	var errs []error

	if r.Workers < minWorkers || r.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("scheduler.workers: must be between %d and %d, got %d",
			minWorkers, maxWorkers, r.Workers))
	}

	// The ladder must never map a faster tier to a longer delay.
	if r.Fast > r.Normal || r.Normal > r.Slow || r.Slow > r.Background {
		errs = append(errs, fmt.Errorf(
			"intervals: ladder must be non-decreasing (fast ≤ normal ≤ slow ≤ background), got %s/%s/%s/%s",
			r.Fast, r.Normal, r.Slow, r.Background))
	}

	if r.MaxScore <= 0 {
		errs = append(errs, fmt.Errorf("activity.max_score: must be positive, got %g", r.MaxScore))
	}

	if r.HighBand <= r.LowBand {
		errs = append(errs, fmt.Errorf("activity: high_band (%g) must exceed low_band (%g)",
			r.HighBand, r.LowBand))
	}

	if r.HighBand > 1 || r.LowBand < 0 || r.IdleEpsilon < 0 {
		errs = append(errs, errors.New("activity: band thresholds must be fractions in [0, 1]"))
	}

	for kind, w := range r.EventWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("activity.event_weights[%s]: must be non-negative, got %g", kind, w))
		}
	}

	if r.WindowRuns < 1 {
		errs = append(errs, fmt.Errorf("classifier.window_runs: must be at least 1, got %d", r.WindowRuns))
	}

	if r.MediumMin < 1 || r.HighMin <= r.MediumMin {
		errs = append(errs, fmt.Errorf("classifier: need 1 ≤ medium_min < high_min, got medium_min=%d high_min=%d",
			r.MediumMin, r.HighMin))
	}

	if r.SafetyMarginFraction <= 0 || r.SafetyMarginFraction >= 1 {
		errs = append(errs, fmt.Errorf("lease.safety_margin_fraction: must be in (0, 1), got %g",
			r.SafetyMarginFraction))
	}

	if r.MaxRenewalAttempts < minRenewalAttempts || r.MaxRenewalAttempts > maxRenewalAttempts {
		errs = append(errs, fmt.Errorf("lease.max_renewal_attempts: must be between %d and %d, got %d",
			minRenewalAttempts, maxRenewalAttempts, r.MaxRenewalAttempts))
	}

	if r.BackoffBase > r.BackoffCap {
		errs = append(errs, fmt.Errorf("lease: backoff_base (%s) must not exceed backoff_cap (%s)",
			r.BackoffBase, r.BackoffCap))
	}

	for kind, raw := range r.Connectors {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("connectors[%s]: %q is not an absolute URL", kind, raw))
		}
	}

	switch r.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug/info/warn/error, got %q", r.LogLevel))
	}

	return errs
}
