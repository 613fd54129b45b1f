// Package config loads and validates cadenced configuration from TOML,
// environment variables, and CLI flags using a defaults -> file -> env -> CLI
// override chain.
package config

import "time"

// Config is the raw on-disk configuration. Duration-typed options are kept as
// strings here and parsed during Resolve so that TOML decoding errors and
// semantic errors are reported separately.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Intervals  IntervalsConfig  `toml:"intervals"`
	Activity   ActivityConfig   `toml:"activity"`
	Classifier ClassifierConfig `toml:"classifier"`
	Lease      LeaseConfig      `toml:"lease"`
	Retention  RetentionConfig  `toml:"retention"`
	Logging    LoggingConfig    `toml:"logging"`
	NATS       NATSConfig       `toml:"nats"`

	// Connectors maps service kinds to connector base URLs. Only kinds with
	// a connector entry get an adapter registered at startup.
	Connectors map[string]string `toml:"connectors"`
}

// ServerConfig holds the HTTP listener and state database locations.
type ServerConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	DatabasePath string `toml:"database_path"`
}

// SchedulerConfig bounds the dispatch loop.
type SchedulerConfig struct {
	Workers        int    `toml:"workers"`
	AdapterTimeout string `toml:"adapter_timeout"`
}

// IntervalsConfig is the fixed ladder of re-check delays. Immediate is always
// zero and has no config key.
type IntervalsConfig struct {
	Fast       string `toml:"fast"`
	Normal     string `toml:"normal"`
	Slow       string `toml:"slow"`
	Background string `toml:"background"`
}

// ActivityConfig tunes the decaying per-user activity score.
type ActivityConfig struct {
	HalfLife     string             `toml:"half_life"`
	MaxScore     float64            `toml:"max_score"`
	EventWeights map[string]float64 `toml:"event_weights"`

	// Band thresholds are expressed as fractions of MaxScore.
	HighBand    float64 `toml:"high_band"`
	LowBand     float64 `toml:"low_band"`
	IdleEpsilon float64 `toml:"idle_epsilon"`
}

// ClassifierConfig tunes the change-frequency classifier. WindowRuns is the
// number of trailing runs per service considered when counting changed
// services.
type ClassifierConfig struct {
	WindowRuns int `toml:"window_runs"`
	HighMin    int `toml:"high_min"`
	MediumMin  int `toml:"medium_min"`
}

// LeaseConfig tunes watch-lease renewal. The effective safety margin for a
// lease is max(SafetyMarginFraction * lifetime, MarginFloor).
type LeaseConfig struct {
	SafetyMarginFraction float64 `toml:"safety_margin_fraction"`
	MarginFloor          string  `toml:"margin_floor"`
	MaxRenewalAttempts   int     `toml:"max_renewal_attempts"`
	BackoffBase          string  `toml:"backoff_base"`
	BackoffCap           string  `toml:"backoff_cap"`
	SweepInterval        string  `toml:"sweep_interval"`
	ResubscribeInterval  string  `toml:"resubscribe_interval"`
}

// RetentionConfig bounds the performance store and activity ledger.
type RetentionConfig struct {
	Runs     string `toml:"runs"`
	Activity string `toml:"activity"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// NATSConfig configures the changed-item event publisher. An empty URL
// disables publishing (the engine runs with a no-op sink).
type NATSConfig struct {
	URL           string `toml:"url"`
	Stream        string `toml:"stream"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Resolved is the fully parsed and validated configuration the engine
// consumes. All durations are concrete and the ladder ordering has been
// checked.
type Resolved struct {
	ListenAddr   string
	DatabasePath string

	Workers        int
	AdapterTimeout time.Duration

	// Ladder, fastest to slowest. Immediate is implicitly zero.
	Fast       time.Duration
	Normal     time.Duration
	Slow       time.Duration
	Background time.Duration

	HalfLife     time.Duration
	MaxScore     float64
	EventWeights map[string]float64
	HighBand     float64
	LowBand      float64
	IdleEpsilon  float64

	WindowRuns int
	HighMin    int
	MediumMin  int

	SafetyMarginFraction float64
	MarginFloor          time.Duration
	MaxRenewalAttempts   int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	SweepInterval        time.Duration
	ResubscribeInterval  time.Duration

	RunRetention      time.Duration
	ActivityRetention time.Duration

	LogLevel string

	NATSURL       string
	NATSStream    string
	SubjectPrefix string

	Connectors map[string]string
}
