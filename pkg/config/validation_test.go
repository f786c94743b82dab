package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, Validate(GetDefaultConfig()))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "TRACE" }, "Level"},
		{"InvalidLogFormat", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
		{"EmptyLogOutput", func(c *Config) { c.Logging.Output = "" }, "Output"},
		{"InvalidDeviceType", func(c *Config) { c.Device.Type = "floppy" }, "Type"},
		{"ZeroCacheSize", func(c *Config) { c.Filesystem.CacheSize = 0 }, "CacheSize"},
		{"HugeCacheSize", func(c *Config) { c.Filesystem.CacheSize = 1 << 20 }, "CacheSize"},
		{"InvalidBlockSize", func(c *Config) { c.Filesystem.Format.BlockSize = 3000 }, "BlockSize"},
		{"InvalidInodeSize", func(c *Config) { c.Filesystem.Format.InodeSize = 200 }, "InodeSize"},
		{"LongVolumeName", func(c *Config) { c.Filesystem.Format.VolumeName = "a-very-long-volume-name" }, "VolumeName"},
		{"LegacyWithLargeInodes", func(c *Config) {
			c.Filesystem.Format.Legacy = true
			c.Filesystem.Format.InodeSize = 256
		}, "legacy"},
		{"TooFewInodes", func(c *Config) { c.Filesystem.Format.InodesCount = 8 }, "inodes_count"},
		{"MetricsWithoutTextfile", func(c *Config) { c.Metrics.Enabled = true }, "textfile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_LowercaseLevelAccepted(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "debug"
	assert.NoError(t, Validate(cfg))
}

func TestValidate_AutoInodeCount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Filesystem.Format.InodesCount = 0
	assert.NoError(t, Validate(cfg))

	cfg.Filesystem.Format.InodesCount = 16
	assert.NoError(t, Validate(cfg))
}
