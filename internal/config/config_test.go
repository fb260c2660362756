package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfileWithoutFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadProfile("dev", filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
}

func TestLoadProfileRejectsUnknownProfile(t *testing.T) {
	_, err := LoadProfile("staging", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadProfileReadsTOMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[dev.server]
host = "127.0.0.1"
port = 8080
log_level = "debug"

[dev.engine]
data_dir = "/var/lib/vexfs"
snapshots_to_keep = 5
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadProfile("dev", path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, uint16(8080), cfg.Server.Port)
	assert.Equal(t, "/var/lib/vexfs", cfg.Engine.DataDir)
	assert.Equal(t, 5, cfg.Engine.SnapshotsToKeep)
}

func TestEnvOverridesWinOverTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[dev.server]
host = "127.0.0.1"
port = 8080
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	t.Setenv("VEXFS_HOST", "10.0.0.5")
	t.Setenv("VEXFS_PORT", "9000")
	t.Setenv("VEXFS_LOG_LEVEL", "debug")

	cfg, err := LoadProfile("dev", path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, uint16(9000), cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}
