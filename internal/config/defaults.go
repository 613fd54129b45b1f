package config

// Default values for configuration options. These are the "layer 0" of the
// override chain and are chosen so cadenced runs usefully with no config file.
const (
	defaultListenAddr   = "127.0.0.1:8477"
	defaultDatabasePath = "cadence.db"

	defaultWorkers        = 8
	defaultAdapterTimeout = "30s"

	defaultFast       = "30s"
	defaultNormal     = "5m"
	defaultSlow       = "10m"
	defaultBackground = "15m"

	defaultHalfLife    = "1h"
	defaultMaxScore    = 100.0
	defaultHighBand    = 0.6
	defaultLowBand     = 0.2
	defaultIdleEpsilon = 0.01

	defaultWindowRuns = 3
	defaultHighMin    = 3
	defaultMediumMin  = 1

	defaultSafetyMarginFraction = 0.2
	defaultMarginFloor          = "5m"
	defaultMaxRenewalAttempts   = 3
	defaultBackoffBase          = "10s"
	defaultBackoffCap           = "5m"
	defaultSweepInterval        = "30s"
	defaultResubscribeInterval  = "10m"

	defaultRunRetention      = "72h"
	defaultActivityRetention = "24h"

	defaultLogLevel = "info"

	defaultNATSStream    = "CHANGE_EVENTS"
	defaultSubjectPrefix = "cadence"
)

// DefaultConfig returns a Config populated with all default values. Used both
// as the starting point for TOML decoding (so unset fields retain defaults)
// and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   defaultListenAddr,
			DatabasePath: defaultDatabasePath,
		},
		Scheduler: SchedulerConfig{
			Workers:        defaultWorkers,
			AdapterTimeout: defaultAdapterTimeout,
		},
		Intervals: IntervalsConfig{
			Fast:       defaultFast,
			Normal:     defaultNormal,
			Slow:       defaultSlow,
			Background: defaultBackground,
		},
		Activity: ActivityConfig{
			HalfLife: defaultHalfLife,
			MaxScore: defaultMaxScore,
			EventWeights: map[string]float64{
				"app_load":        1,
				"view_opened":     4,
				"item_created":    10,
				"item_modified":   8,
				"meeting_created": 10,
			},
			HighBand:    defaultHighBand,
			LowBand:     defaultLowBand,
			IdleEpsilon: defaultIdleEpsilon,
		},
		Classifier: ClassifierConfig{
			WindowRuns: defaultWindowRuns,
			HighMin:    defaultHighMin,
			MediumMin:  defaultMediumMin,
		},
		Lease: LeaseConfig{
			SafetyMarginFraction: defaultSafetyMarginFraction,
			MarginFloor:          defaultMarginFloor,
			MaxRenewalAttempts:   defaultMaxRenewalAttempts,
			BackoffBase:          defaultBackoffBase,
			BackoffCap:           defaultBackoffCap,
			SweepInterval:        defaultSweepInterval,
			ResubscribeInterval:  defaultResubscribeInterval,
		},
		Retention: RetentionConfig{
			Runs:     defaultRunRetention,
			Activity: defaultActivityRetention,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
		NATS: NATSConfig{
			Stream:        defaultNATSStream,
			SubjectPrefix: defaultSubjectPrefix,
		},
	}
}
