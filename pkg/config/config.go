package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete ext4bridge configuration.
//
// This structure captures all configurable aspects of a mounted image:
//   - Logging configuration
//   - Block device selection and configuration (backend-specific)
//   - Filesystem mount and format settings
//   - Metrics collection
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (EXT4BRIDGE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Device Configuration Pattern:
// Each backend defines its own option set. The Config struct contains
// type-specific sections (e.g., device.file, device.s3) and only the section
// matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Device specifies the block device backend and its configuration
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Filesystem contains mount and mkfs settings
	Filesystem FilesystemConfig `mapstructure:"filesystem" yaml:"filesystem"`

	// Metrics controls Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// DeviceConfig specifies block device configuration.
//
// The Type field determines which backend is used.
// Only the corresponding type-specific configuration section is used.
type DeviceConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, file, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory file badger s3"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// File contains file-specific configuration
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file" yaml:"file"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// FilesystemConfig contains mount and format settings.
type FilesystemConfig struct {
	// CacheSize is the number of filesystem blocks held in the block cache
	CacheSize uint32 `mapstructure:"cache_size" yaml:"cache_size" validate:"gte=1,lte=65536"`

	// ReadOnly mounts the filesystem without writing anything back
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// Format is used by mkfs
	Format FormatConfig `mapstructure:"format" yaml:"format"`
}

// FormatConfig controls the layout written by mkfs.
type FormatConfig struct {
	// BlockSize is the filesystem block size in bytes
	BlockSize uint32 `mapstructure:"block_size" yaml:"block_size" validate:"oneof=1024 2048 4096"`

	// InodesCount is the number of inodes (0 = one per four blocks)
	InodesCount uint32 `mapstructure:"inodes_count" yaml:"inodes_count"`

	// InodeSize is the on-disk inode record size (ignored when Legacy)
	InodeSize uint16 `mapstructure:"inode_size" yaml:"inode_size" validate:"oneof=128 256 512"`

	// Legacy writes a revision 0 filesystem
	Legacy bool `mapstructure:"legacy" yaml:"legacy"`

	// MinorRevision is the superblock minor revision. A legacy filesystem
	// with a minor revision below 5 uses the old directory entry layout.
	MinorRevision uint16 `mapstructure:"minor_revision" yaml:"minor_revision"`

	// VolumeName is the volume label (at most 16 bytes)
	VolumeName string `mapstructure:"volume_name" yaml:"volume_name" validate:"max=16"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	// Enabled turns on Prometheus metrics collection
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Textfile is where collected metrics are written when a command
	// finishes, in the node exporter textfile collector format.
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (EXT4BRIDGE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use EXT4BRIDGE_ prefix and underscores
	// Example: EXT4BRIDGE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("EXT4BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/ext4bridge/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ext4bridge")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "ext4bridge")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
