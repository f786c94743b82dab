package config

import (
	"strings"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend option maps get defaults for every backend so a generated
//     config file documents all of them
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDeviceDefaults(&cfg.Device)
	applyFilesystemDefaults(&cfg.Filesystem)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// setDefault stores value under key unless the map already has it.
func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

// applyDeviceDefaults sets block device defaults.
func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	// Initialize maps if nil
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	setDefault(cfg.Memory, "num_blocks", uint64(131072)) // 64MB

	setDefault(cfg.File, "path", "ext4bridge.img")
	setDefault(cfg.File, "num_blocks", uint64(0)) // derive from file size
	setDefault(cfg.File, "create", false)

	setDefault(cfg.Badger, "path", "/tmp/ext4bridge-badger")
	setDefault(cfg.Badger, "num_blocks", uint64(2097152)) // 1GB
	setDefault(cfg.Badger, "chunk_blocks", uint32(128))   // 64KB

	setDefault(cfg.S3, "region", "us-east-1")
	setDefault(cfg.S3, "key_prefix", "ext4bridge/")
	setDefault(cfg.S3, "chunk_blocks", uint32(2048)) // 1MB
	setDefault(cfg.S3, "max_retries", 10)
}

// applyFilesystemDefaults sets mount and format defaults.
func applyFilesystemDefaults(cfg *FilesystemConfig) {
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 8
	}

	if cfg.Format.BlockSize == 0 {
		cfg.Format.BlockSize = 1024
	}
	if cfg.Format.InodeSize == 0 {
		cfg.Format.InodeSize = 256
	}
	if cfg.Format.Legacy {
		cfg.Format.InodeSize = 128
	}

	// InodesCount defaults to 0 (derived from the device size)
	// MinorRevision defaults to 0
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Enabled && cfg.Textfile == "" {
		cfg.Textfile = "ext4bridge.prom"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
