package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ParsesAndValidates(t *testing.T) {
	r, err := Parse(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8477", r.ListenAddr)
	assert.Equal(t, "cadence.db", r.DatabasePath)
	assert.Equal(t, 8, r.Workers)
	assert.Equal(t, 30*time.Second, r.AdapterTimeout)

	// The interval ladder.
	assert.Equal(t, 30*time.Second, r.Fast)
	assert.Equal(t, 5*time.Minute, r.Normal)
	assert.Equal(t, 10*time.Minute, r.Slow)
	assert.Equal(t, 15*time.Minute, r.Background)

	assert.Equal(t, time.Hour, r.HalfLife)
	assert.Equal(t, 100.0, r.MaxScore)
	assert.Equal(t, 0.6, r.HighBand)
	assert.Equal(t, 0.2, r.LowBand)

	assert.Equal(t, 3, r.WindowRuns)
	assert.Equal(t, 3, r.HighMin)
	assert.Equal(t, 1, r.MediumMin)

	assert.Equal(t, 0.2, r.SafetyMarginFraction)
	assert.Equal(t, 5*time.Minute, r.MarginFloor)
	assert.Equal(t, 3, r.MaxRenewalAttempts)
	assert.Equal(t, 10*time.Minute, r.ResubscribeInterval)

	assert.Equal(t, 72*time.Hour, r.RunRetention)
	assert.Equal(t, "info", r.LogLevel)
	assert.Empty(t, r.NATSURL, "publishing is opt-in")
	assert.Equal(t, "CHANGE_EVENTS", r.NATSStream)
}

func TestParse_RejectsNonMonotonicLadder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Intervals.Fast = "20m" // slower than normal

	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-decreasing")
}

func TestParse_RejectsBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Intervals.Normal = "five minutes"

	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intervals.normal")
}

func TestParse_AccumulatesAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.Workers = 0
	cfg.Classifier.MediumMin = 5
	cfg.Logging.Level = "loud"

	_, err := Parse(cfg)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "scheduler.workers")
	assert.Contains(t, msg, "medium_min")
	assert.Contains(t, msg, "logging.level")
}

func TestParse_RejectsBadClassifierThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Classifier.HighMin = 1
	cfg.Classifier.MediumMin = 1

	_, err := Parse(cfg)
	assert.Error(t, err)
}

func TestParse_RejectsMarginFractionOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lease.SafetyMarginFraction = 1.5

	_, err := Parse(cfg)
	assert.Error(t, err)
}

func TestParse_RejectsRelativeConnectorURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connectors = map[string]string{"mail": "localhost:9000"}

	_, err := Parse(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connectors[mail]")
}

func TestLoad_UnknownKeyIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadenced.toml")
	require.NoError(t, os.WriteFile(path, []byte("[intervals]\nfastest = \"10s\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadenced.toml")
	content := `
[server]
listen_addr = "0.0.0.0:9000"

[intervals]
fast = "10s"

[connectors]
mail = "http://localhost:9101"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "10s", cfg.Intervals.Fast)
	assert.Equal(t, "5m", cfg.Intervals.Normal, "unset keys keep defaults")
	assert.Equal(t, "http://localhost:9101", cfg.Connectors["mail"])
}

func TestLoadOrDefault_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadenced.toml")
	content := `
[server]
listen_addr = "0.0.0.0:9000"
database_path = "/data/file.db"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	env := EnvOverrides{
		ConfigPath:   path,
		ListenAddr:   "0.0.0.0:9001",
		DatabasePath: "/data/env.db",
		NATSURL:      "nats://localhost:4222",
	}
	cli := CLIOverrides{
		ListenAddr: "0.0.0.0:9002",
	}

	r, err := Resolve(env, cli)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9002", r.ListenAddr, "CLI beats env beats file")
	assert.Equal(t, "/data/env.db", r.DatabasePath, "env beats file when CLI is silent")
	assert.Equal(t, "nats://localhost:4222", r.NATSURL)
}
