package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// EnvOverrides carries environment-variable overrides read at startup.
type EnvOverrides struct {
	ConfigPath   string
	ListenAddr   string
	DatabasePath string
	NATSURL      string
}

// CLIOverrides carries flag overrides. Empty string means not specified.
type CLIOverrides struct {
	ConfigPath   string
	ListenAddr   string
	DatabasePath string
}

// ReadEnvOverrides reads the recognized CADENCE_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv("CADENCE_CONFIG"),
		ListenAddr:   os.Getenv("CADENCE_LISTEN_ADDR"),
		DatabasePath: os.Getenv("CADENCE_DB_PATH"),
		NATSURL:      os.Getenv("CADENCE_NATS_URL"),
	}
}

// Load reads and parses a TOML config file. Unknown keys are fatal errors —
// silently ignoring a typo in a scheduling knob leads to hard-to-debug
// cadence behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. Supports the zero-config
// first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns a fully parsed and validated Resolved ready for use.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := "cadenced.toml"
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.ListenAddr != "" {
		cfg.Server.ListenAddr = env.ListenAddr
	}

	if env.DatabasePath != "" {
		cfg.Server.DatabasePath = env.DatabasePath
	}

	if env.NATSURL != "" {
		cfg.NATS.URL = env.NATSURL
	}

	// CLI flags win over everything.
	if cli.ListenAddr != "" {
		cfg.Server.ListenAddr = cli.ListenAddr
	}

	if cli.DatabasePath != "" {
		cfg.Server.DatabasePath = cli.DatabasePath
	}

	resolved, err := Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return resolved, nil
}
