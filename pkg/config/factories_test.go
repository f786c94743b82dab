package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"github.com/marmos91/ext4bridge/pkg/engine/simfs"
	"github.com/marmos91/ext4bridge/pkg/ext4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDevice_Memory(t *testing.T) {
	cfg := &DeviceConfig{Type: "memory", Memory: map[string]any{"num_blocks": 2048}}

	dev, err := CreateDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), n)
}

func TestCreateDevice_MemoryMissingSize(t *testing.T) {
	cfg := &DeviceConfig{Type: "memory", Memory: map[string]any{}}

	_, err := CreateDevice(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_blocks is required")
}

func TestCreateDevice_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	cfg := &DeviceConfig{Type: "file", File: map[string]any{
		"path":       path,
		"num_blocks": "4096", // weakly typed, as env vars arrive
		"create":     true,
	}}

	dev, err := CreateDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), n)
}

func TestCreateDevice_FileMissingPath(t *testing.T) {
	cfg := &DeviceConfig{Type: "file", File: map[string]any{}}

	_, err := CreateDevice(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestCreateDevice_Badger(t *testing.T) {
	cfg := &DeviceConfig{Type: "badger", Badger: map[string]any{
		"path":         t.TempDir(),
		"num_blocks":   1024,
		"chunk_blocks": 64,
	}}

	dev, err := CreateDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), n)
}

func TestCreateDevice_S3MissingBucket(t *testing.T) {
	cfg := &DeviceConfig{Type: "s3", S3: map[string]any{"region": "us-east-1"}}

	_, err := CreateDevice(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestCreateDevice_UnknownType(t *testing.T) {
	_, err := CreateDevice(context.Background(), &DeviceConfig{Type: "floppy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device type")
}

func TestCreateDevice_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CreateDevice(ctx, &DeviceConfig{Type: "memory", Memory: map[string]any{"num_blocks": 8}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatOptions(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Filesystem.Format.VolumeName = "scratch"

	a := FormatOptions(&cfg.Filesystem.Format)
	b := FormatOptions(&cfg.Filesystem.Format)

	assert.Equal(t, uint32(1024), a.BlockSize)
	assert.Equal(t, uint16(256), a.InodeSize)
	assert.Equal(t, "scratch", a.VolumeName)
	assert.NotZero(t, a.Time)
	assert.NotEqual(t, [16]byte{}, a.UUID)
	assert.NotEqual(t, a.UUID, b.UUID, "every mkfs gets a fresh UUID")
}

// TestConfiguredMkfsAndMount drives the configuration path end to end:
// device factory, mkfs options, mount options.
func TestConfiguredMkfsAndMount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Device.Type = "memory"
	cfg.Device.Memory["num_blocks"] = 8192
	cfg.Filesystem.CacheSize = 16
	require.NoError(t, Validate(cfg))

	dev, err := CreateDevice(context.Background(), &cfg.Device)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	require.NoError(t, simfs.Format(dev, FormatOptions(&cfg.Filesystem.Format)))

	fs, err := ext4.New(simfs.New(), dev, MountOptions(&cfg.Filesystem)...)
	require.NoError(t, err)

	st, err := fs.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), st.BlockSize)
	assert.Equal(t, uint64(8192*blockdev.BlockSize/1024), st.BlocksCount)
	require.NoError(t, fs.Close())

	cfg.Filesystem.ReadOnly = true
	fs, err = ext4.New(simfs.New(), dev, MountOptions(&cfg.Filesystem)...)
	require.NoError(t, err)
	_, err = fs.Create(ext4.RootIno, "nope", ext4.TypeRegularFile, 0o644)
	assert.Error(t, err, "read-only mount rejects writes")
	require.NoError(t, fs.Close())
}
