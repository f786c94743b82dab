package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
	devtesting "github.com/marmos91/ext4bridge/pkg/blockdev/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileDevice runs the complete Device test suite against FileDevice.
func TestFileDevice(t *testing.T) {
	suite := &devtesting.DeviceTestSuite{
		NewDevice: func(t *testing.T, numBlocks uint64) blockdev.Device {
			dev, err := NewFileDevice(FileDeviceConfig{
				Path:      filepath.Join(t.TempDir(), "disk.img"),
				NumBlocks: numBlocks,
				Create:    true,
			})
			require.NoError(t, err)
			return dev
		},
		Reopen: func(t *testing.T, dev blockdev.Device) blockdev.Device {
			path := dev.(*FileDevice).path
			require.NoError(t, dev.Close())

			reopened, err := NewFileDevice(FileDeviceConfig{Path: path})
			require.NoError(t, err)
			return reopened
		},
	}

	suite.Run(t)
}

func TestFileDeviceSizesNewImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := NewFileDevice(FileDeviceConfig{Path: path, NumBlocks: 64, Create: true})
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64*blockdev.BlockSize), info.Size())
}

func TestFileDeviceConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileDevice(FileDeviceConfig{})
	assert.Error(t, err, "path is required")

	_, err = NewFileDevice(FileDeviceConfig{Path: filepath.Join(dir, "missing.img")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(dir, "empty.img")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = NewFileDevice(FileDeviceConfig{Path: empty})
	assert.Error(t, err, "empty image without num_blocks")

	_, err = NewFileDevice(FileDeviceConfig{Path: empty, Create: true, ReadOnly: true})
	assert.Error(t, err)
}

func TestFileDeviceReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8*blockdev.BlockSize), 0o644))

	dev, err := NewFileDevice(FileDeviceConfig{Path: path, ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)

	_, err = dev.WriteBlocks(0, make([]byte, blockdev.BlockSize))
	assert.ErrorIs(t, err, os.ErrPermission)

	_, err = dev.ReadBlocks(0, make([]byte, blockdev.BlockSize))
	assert.NoError(t, err)
}
