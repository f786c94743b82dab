package memory

import (
	"testing"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
	devtesting "github.com/marmos91/ext4bridge/pkg/blockdev/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryDevice runs the complete Device test suite against MemoryDevice.
func TestMemoryDevice(t *testing.T) {
	suite := &devtesting.DeviceTestSuite{
		NewDevice: func(t *testing.T, numBlocks uint64) blockdev.Device {
			return NewMemoryDevice(numBlocks)
		},
	}

	suite.Run(t)
}

func TestMemoryDeviceIsSparse(t *testing.T) {
	dev := NewMemoryDevice(1 << 30)
	assert.Zero(t, dev.AllocatedBytes())

	_, err := dev.WriteBlocks(12345, make([]byte, blockdev.BlockSize))
	require.NoError(t, err)
	assert.Equal(t, chunkBlocks*blockdev.BlockSize, dev.AllocatedBytes())
}

func TestNewMemoryDeviceFromImage(t *testing.T) {
	img := make([]byte, 4*blockdev.BlockSize)
	for i := range img {
		img[i] = byte(i)
	}

	dev, err := NewMemoryDeviceFromImage(img)
	require.NoError(t, err)

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	buf := make([]byte, len(img))
	_, err = dev.ReadBlocks(0, buf)
	require.NoError(t, err)
	assert.Equal(t, img, buf)

	_, err = NewMemoryDeviceFromImage(make([]byte, 700))
	assert.ErrorIs(t, err, blockdev.ErrUnaligned)
}
