package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestApplyDefaults_NormalizesLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestApplyDefaults_Device(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "file", cfg.Device.Type)
	assert.Equal(t, "ext4bridge.img", cfg.Device.File["path"])
	assert.Equal(t, uint64(131072), cfg.Device.Memory["num_blocks"])
	assert.Equal(t, uint32(128), cfg.Device.Badger["chunk_blocks"])
	assert.Equal(t, "us-east-1", cfg.Device.S3["region"])
	assert.Equal(t, 10, cfg.Device.S3["max_retries"])
}

func TestApplyDefaults_Filesystem(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, uint32(8), cfg.Filesystem.CacheSize)
	assert.False(t, cfg.Filesystem.ReadOnly)
	assert.Equal(t, uint32(1024), cfg.Filesystem.Format.BlockSize)
	assert.Equal(t, uint16(256), cfg.Filesystem.Format.InodeSize)
	assert.Zero(t, cfg.Filesystem.Format.InodesCount)
}

func TestApplyDefaults_LegacyInodeSize(t *testing.T) {
	cfg := &Config{Filesystem: FilesystemConfig{Format: FormatConfig{Legacy: true, InodeSize: 256}}}
	ApplyDefaults(cfg)

	assert.Equal(t, uint16(128), cfg.Filesystem.Format.InodeSize)
}

func TestApplyDefaults_Metrics(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Metrics.Textfile)

	cfg = &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	assert.Equal(t, "ext4bridge.prom", cfg.Metrics.Textfile)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "WARN", Format: "json", Output: "stderr"},
		Device: DeviceConfig{
			Type: "s3",
			S3:   map[string]any{"region": "eu-west-1", "bucket": "images"},
		},
		Filesystem: FilesystemConfig{
			CacheSize: 100,
			Format:    FormatConfig{BlockSize: 4096, InodeSize: 128},
		},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "s3", cfg.Device.Type)
	assert.Equal(t, "eu-west-1", cfg.Device.S3["region"])
	assert.Equal(t, "images", cfg.Device.S3["bucket"])
	assert.Equal(t, uint32(100), cfg.Filesystem.CacheSize)
	assert.Equal(t, uint32(4096), cfg.Filesystem.Format.BlockSize)
	assert.Equal(t, uint16(128), cfg.Filesystem.Format.InodeSize)
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))
}
