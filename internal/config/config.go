// Package config loads VexFS's profile-keyed TOML configuration,
// grounded on kungtalon-vecdb-go/internal/config/config.go, generalized
// from the teacher's fixed dev/test profile pair to dev/test/prod and
// from a single database+server pair to the fuller server surface
// spec.md §6 describes (host/port, log level, data directory, snapshot
// cadence). Environment variables always win over the TOML file, per
// spec.md §6 ("Environment: VEXFS_HOST, VEXFS_PORT, VEXFS_LOG_LEVEL").
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig carries the HTTP listener and logging settings.
type ServerConfig struct {
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	LogLevel string `toml:"log_level"`
}

// EngineConfig carries the data directory and background maintenance
// cadence the engine facade needs.
type EngineConfig struct {
	DataDir            string        `toml:"data_dir"`
	CheckpointInterval time.Duration `toml:"checkpoint_interval"`
	SnapshotsToKeep    int           `toml:"snapshots_to_keep"`
	MetricsPort        uint16        `toml:"metrics_port"`
}

// AppConfig is one profile's full configuration.
type AppConfig struct {
	Server ServerConfig `toml:"server"`
	Engine EngineConfig `toml:"engine"`
}

// ProfileConfig is the on-disk shape of config.toml: one AppConfig per
// deployment profile.
type ProfileConfig struct {
	Dev  AppConfig `toml:"dev"`
	Test AppConfig `toml:"test"`
	Prod AppConfig `toml:"prod"`
}

// DefaultPort is spec.md §6's default VEXFS_PORT.
const DefaultPort uint16 = 7680

func defaultAppConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{Host: "0.0.0.0", Port: DefaultPort, LogLevel: "info"},
		Engine: EngineConfig{
			DataDir:            "./data",
			CheckpointInterval: 5 * time.Minute,
			SnapshotsToKeep:    3,
			MetricsPort:        9680,
		},
	}
}

// Load reads config.toml for the "dev" profile, applying environment
// overrides. Equivalent to LoadProfile("dev", path).
func Load(path string) (*AppConfig, error) {
	return LoadProfile("dev", path)
}

// LoadProfile reads config.toml for the named profile and applies
// VEXFS_HOST / VEXFS_PORT / VEXFS_LOG_LEVEL environment overrides on top.
// A missing config.toml is not an error — the profile falls back to
// built-in defaults, since a fresh checkout should still run.
func LoadProfile(profile, path string) (*AppConfig, error) {
	var profiles ProfileConfig
	profiles.Dev = defaultAppConfig()
	profiles.Test = defaultAppConfig()
	profiles.Test.Engine.DataDir = "./data-test"
	profiles.Prod = defaultAppConfig()
	profiles.Prod.Server.LogLevel = "warn"

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &profiles); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	var cfg AppConfig
	switch profile {
	case "dev":
		cfg = profiles.Dev
	case "test":
		cfg = profiles.Test
	case "prod":
		cfg = profiles.Prod
	default:
		return nil, fmt.Errorf("config: unknown profile %q", profile)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if host := os.Getenv("VEXFS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("VEXFS_PORT"); portStr != "" {
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			cfg.Server.Port = uint16(port)
		}
	}
	if level := os.Getenv("VEXFS_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
}
