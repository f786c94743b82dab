package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "info"

device:
  type: "memory"
  memory:
    num_blocks: 4096
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults were applied
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, uint32(8), cfg.Filesystem.CacheSize)
	assert.Equal(t, uint32(1024), cfg.Filesystem.Format.BlockSize)
	assert.Equal(t, "memory", cfg.Device.Type)
	assert.EqualValues(t, 4096, cfg.Device.Memory["num_blocks"])
	assert.Contains(t, cfg.Device.File, "path", "defaults cover every backend")
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Point the default location at an empty directory
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Device.Type)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "logging: [unterminated")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
device:
  type: "floppy"
`)

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Type")
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "DEBUG"
format = "json"

[device]
type = "badger"

[device.badger]
path = "/var/lib/ext4bridge"
num_blocks = 8192

[filesystem]
cache_size = 32
read_only = true

[filesystem.format]
block_size = 4096
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "badger", cfg.Device.Type)
	assert.Equal(t, "/var/lib/ext4bridge", cfg.Device.Badger["path"])
	assert.Equal(t, uint32(32), cfg.Filesystem.CacheSize)
	assert.True(t, cfg.Filesystem.ReadOnly)
	assert.Equal(t, uint32(4096), cfg.Filesystem.Format.BlockSize)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("EXT4BRIDGE_LOGGING_LEVEL", "ERROR")
	t.Setenv("EXT4BRIDGE_FILESYSTEM_CACHE_SIZE", "64")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

filesystem:
  cache_size: 8
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Environment variables override the config file
	assert.Equal(t, "ERROR", cfg.Logging.Level)
	assert.Equal(t, uint32(64), cfg.Filesystem.CacheSize)
}

func TestGetConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	assert.Equal(t, filepath.Join(xdg, "ext4bridge"), GetConfigDir())
	assert.Equal(t, filepath.Join(xdg, "ext4bridge", "config.yaml"), GetDefaultConfigPath())
	assert.False(t, ConfigExists())

	require.NoError(t, os.MkdirAll(GetConfigDir(), 0o755))
	require.NoError(t, os.WriteFile(GetDefaultConfigPath(), []byte("logging: {}\n"), 0o644))
	assert.True(t, ConfigExists())
}
