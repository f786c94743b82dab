package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/internal/ratelimiter"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
	devBadger "github.com/marmos91/ext4bridge/pkg/blockdev/badger"
	devFile "github.com/marmos91/ext4bridge/pkg/blockdev/file"
	devMemory "github.com/marmos91/ext4bridge/pkg/blockdev/memory"
	devS3 "github.com/marmos91/ext4bridge/pkg/blockdev/s3"
	"github.com/marmos91/ext4bridge/pkg/engine/simfs"
	"github.com/marmos91/ext4bridge/pkg/ext4"
	"github.com/marmos91/ext4bridge/pkg/metrics"
	"github.com/mitchellh/mapstructure"
)

// CreateDevice creates a block device based on configuration.
//
// This factory function uses the Type field to determine which backend to
// create, then decodes the type-specific configuration from the corresponding
// map and passes it to the backend's constructor. When metrics are enabled
// the device is wrapped to report every operation.
//
// Supported types:
//   - "memory": Uses pkg/blockdev/memory (volatile, for scratch images)
//   - "file": Uses pkg/blockdev/file (local image file or device node)
//   - "badger": Uses pkg/blockdev/badger (chunks in an embedded BadgerDB)
//   - "s3": Uses pkg/blockdev/s3 (chunks in Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations (and all S3 requests)
//   - cfg: Block device configuration
//
// Returns:
//   - blockdev.Device: Open device
//   - error: Configuration or initialization error
func CreateDevice(ctx context.Context, cfg *DeviceConfig) (blockdev.Device, error) {
	var (
		dev blockdev.Device
		err error
	)

	switch cfg.Type {
	case "memory":
		dev, err = createMemoryDevice(ctx, cfg.Memory)
	case "file":
		dev, err = createFileDevice(ctx, cfg.File)
	case "badger":
		dev, err = createBadgerDevice(ctx, cfg.Badger)
	case "s3":
		dev, err = createS3Device(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown device type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return blockdev.Instrument(dev, metrics.NewDeviceMetrics(cfg.Type)), nil
}

// createMemoryDevice creates an in-memory device.
func createMemoryDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type MemoryDeviceConfig struct {
		NumBlocks uint64 `mapstructure:"num_blocks"`
	}

	var devCfg MemoryDeviceConfig
	if err := mapstructure.WeakDecode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory device config: %w", err)
	}

	if devCfg.NumBlocks == 0 {
		return nil, fmt.Errorf("memory device: num_blocks is required")
	}

	return devMemory.NewMemoryDevice(devCfg.NumBlocks), nil
}

// createFileDevice creates a file-backed device.
func createFileDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type FileDeviceConfig struct {
		Path      string `mapstructure:"path"`
		NumBlocks uint64 `mapstructure:"num_blocks"`
		Create    bool   `mapstructure:"create"`
		ReadOnly  bool   `mapstructure:"read_only"`
	}

	var devCfg FileDeviceConfig
	if err := mapstructure.WeakDecode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode file device config: %w", err)
	}

	if devCfg.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	dev, err := devFile.NewFileDevice(devFile.FileDeviceConfig{
		Path:      devCfg.Path,
		NumBlocks: devCfg.NumBlocks,
		Create:    devCfg.Create,
		ReadOnly:  devCfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file device: %w", err)
	}

	return dev, nil
}

// createBadgerDevice creates a BadgerDB-backed device.
func createBadgerDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	type BadgerDeviceConfig struct {
		Path        string `mapstructure:"path"`
		NumBlocks   uint64 `mapstructure:"num_blocks"`
		ChunkBlocks uint32 `mapstructure:"chunk_blocks"`
	}

	var devCfg BadgerDeviceConfig
	if err := mapstructure.WeakDecode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger device config: %w", err)
	}

	if devCfg.Path == "" {
		return nil, fmt.Errorf("badger device: path is required")
	}

	dev, err := devBadger.NewBadgerDevice(ctx, devBadger.BadgerDeviceConfig{
		DBPath:      devCfg.Path,
		NumBlocks:   devCfg.NumBlocks,
		ChunkBlocks: devCfg.ChunkBlocks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger device: %w", err)
	}

	return dev, nil
}

// createS3Device creates an S3-backed device.
func createS3Device(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	type S3DeviceConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		NumBlocks       uint64 `mapstructure:"num_blocks"`
		ChunkBlocks     uint32 `mapstructure:"chunk_blocks"`
		MaxRetries      int    `mapstructure:"max_retries"`
		RequestsPerSec  uint   `mapstructure:"requests_per_second"`
		Burst           uint   `mapstructure:"burst"`
	}

	var devCfg S3DeviceConfig
	if err := mapstructure.WeakDecode(options, &devCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 device config: %w", err)
	}

	if devCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 device: bucket is required")
	}
	if devCfg.Region == "" {
		return nil, fmt.Errorf("S3 device: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(devCfg.Region),
	}

	// Set credentials if provided, otherwise use default credential chain
	if devCfg.AccessKeyID != "" && devCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			devCfg.AccessKeyID,
			devCfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := devCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoint (MinIO, Localstack, ...) with path-style addressing
		if devCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(devCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Device
	// ========================================================================

	var limiter devS3.Limiter
	if devCfg.RequestsPerSec > 0 {
		limiter = ratelimiter.New(devCfg.RequestsPerSec, devCfg.Burst)
	}

	dev, err := devS3.NewS3Device(ctx, devS3.S3DeviceConfig{
		Client:      client,
		Bucket:      devCfg.Bucket,
		KeyPrefix:   devCfg.KeyPrefix,
		NumBlocks:   devCfg.NumBlocks,
		ChunkBlocks: devCfg.ChunkBlocks,
		Metrics:     metrics.NewS3Metrics(),
		Limiter:     limiter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 device: %w", err)
	}

	logger.Info("S3 device configured: bucket=%s, region=%s, prefix=%s",
		devCfg.Bucket, devCfg.Region, devCfg.KeyPrefix)

	return dev, nil
}

// MountOptions translates the filesystem section into ext4.New options.
func MountOptions(cfg *FilesystemConfig) []ext4.Option {
	opts := []ext4.Option{ext4.WithCacheSize(cfg.CacheSize)}
	if cfg.ReadOnly {
		opts = append(opts, ext4.WithReadOnly())
	}
	return opts
}

// FormatOptions translates the format section into mkfs options.
//
// Every call generates a fresh volume UUID and stamps the current time.
func FormatOptions(cfg *FormatConfig) simfs.FormatOptions {
	return simfs.FormatOptions{
		BlockSize:     cfg.BlockSize,
		InodesCount:   cfg.InodesCount,
		InodeSize:     cfg.InodeSize,
		Legacy:        cfg.Legacy,
		MinorRevLevel: cfg.MinorRevision,
		VolumeName:    cfg.VolumeName,
		UUID:          uuid.New(),
		Time:          uint32(time.Now().Unix()),
	}
}
