package testing

import (
	"bytes"
	"testing"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DeviceTestSuite is a conformance suite for blockdev.Device implementations.
// It tests the interface contract, not implementation details, so the same
// suite runs against every backend.
//
// Usage:
//
//	func TestMyDevice(t *testing.T) {
//	    suite := &testing.DeviceTestSuite{
//	        NewDevice: func(t *testing.T, numBlocks uint64) blockdev.Device {
//	            return mydevice.New(numBlocks)
//	        },
//	    }
//	    suite.Run(t)
//	}
type DeviceTestSuite struct {
	// NewDevice creates a fresh, zeroed device of numBlocks blocks for each test.
	NewDevice func(t *testing.T, numBlocks uint64) blockdev.Device

	// Reopen closes dev and opens the same storage again (optional).
	// Persistence tests are skipped when nil.
	Reopen func(t *testing.T, dev blockdev.Device) blockdev.Device
}

// testBlocks is the size of devices created by the suite. It is not a
// multiple of common chunk sizes so the partial last chunk is exercised.
const testBlocks = 1000

// Run executes all tests in the suite.
func (suite *DeviceTestSuite) Run(t *testing.T) {
	t.Run("Geometry", suite.testGeometry)
	t.Run("FreshDeviceReadsZeros", suite.testFreshZeros)
	t.Run("WriteThenRead", suite.testWriteThenRead)
	t.Run("PartialOverwrite", suite.testPartialOverwrite)
	t.Run("CrossChunkTransfer", suite.testCrossChunk)
	t.Run("LastBlock", suite.testLastBlock)
	t.Run("OutOfRange", suite.testOutOfRange)
	t.Run("Unaligned", suite.testUnaligned)
	t.Run("EmptyTransfer", suite.testEmptyTransfer)
	t.Run("Sync", suite.testSync)
	t.Run("Closed", suite.testClosed)
	t.Run("Persistence", suite.testPersistence)
}

// pattern returns n blocks of recognizable data derived from seed.
func pattern(seed byte, blocks int) []byte {
	buf := make([]byte, blocks*blockdev.BlockSize)
	for i := range buf {
		buf[i] = seed + byte(i*7) + byte(i/blockdev.BlockSize)
	}
	return buf
}

func mustWrite(t *testing.T, dev blockdev.Device, blockID uint64, buf []byte) {
	t.Helper()
	n, err := dev.WriteBlocks(blockID, buf)
	require.NoError(t, err, "WriteBlocks should succeed")
	require.Equal(t, len(buf), n, "WriteBlocks should transfer the whole buffer")
}

func mustRead(t *testing.T, dev blockdev.Device, blockID uint64, blocks int) []byte {
	t.Helper()
	buf := make([]byte, blocks*blockdev.BlockSize)
	n, err := dev.ReadBlocks(blockID, buf)
	require.NoError(t, err, "ReadBlocks should succeed")
	require.Equal(t, len(buf), n, "ReadBlocks should transfer the whole buffer")
	return buf
}

func (suite *DeviceTestSuite) newDevice(t *testing.T) blockdev.Device {
	t.Helper()
	dev := suite.NewDevice(t, testBlocks)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func (suite *DeviceTestSuite) testGeometry(t *testing.T) {
	dev := suite.newDevice(t)

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlocks), n)
}

func (suite *DeviceTestSuite) testFreshZeros(t *testing.T) {
	dev := suite.newDevice(t)

	buf := mustRead(t, dev, 0, 64)
	assert.Equal(t, make([]byte, len(buf)), buf)
}

func (suite *DeviceTestSuite) testWriteThenRead(t *testing.T) {
	dev := suite.newDevice(t)

	data := pattern(1, 4)
	mustWrite(t, dev, 10, data)

	assert.Equal(t, data, mustRead(t, dev, 10, 4))
	// Neighbours untouched
	assert.Equal(t, make([]byte, blockdev.BlockSize), mustRead(t, dev, 9, 1))
	assert.Equal(t, make([]byte, blockdev.BlockSize), mustRead(t, dev, 14, 1))
}

func (suite *DeviceTestSuite) testPartialOverwrite(t *testing.T) {
	dev := suite.newDevice(t)

	mustWrite(t, dev, 0, pattern(1, 16))
	mustWrite(t, dev, 5, pattern(9, 2))

	want := pattern(1, 16)
	copy(want[5*blockdev.BlockSize:], pattern(9, 2))
	assert.Equal(t, want, mustRead(t, dev, 0, 16))
}

func (suite *DeviceTestSuite) testCrossChunk(t *testing.T) {
	dev := suite.newDevice(t)

	// 300 blocks starting at an odd offset straddle several chunks for
	// every backend's default chunking.
	data := pattern(3, 300)
	mustWrite(t, dev, 123, data)

	got := mustRead(t, dev, 100, 350)
	assert.Equal(t, make([]byte, 23*blockdev.BlockSize), got[:23*blockdev.BlockSize])
	assert.True(t, bytes.Equal(data, got[23*blockdev.BlockSize:323*blockdev.BlockSize]))
	assert.Equal(t, make([]byte, 27*blockdev.BlockSize), got[323*blockdev.BlockSize:])
}

func (suite *DeviceTestSuite) testLastBlock(t *testing.T) {
	dev := suite.newDevice(t)

	data := pattern(5, 1)
	mustWrite(t, dev, testBlocks-1, data)
	assert.Equal(t, data, mustRead(t, dev, testBlocks-1, 1))
}

func (suite *DeviceTestSuite) testOutOfRange(t *testing.T) {
	dev := suite.newDevice(t)

	buf := make([]byte, 2*blockdev.BlockSize)
	_, err := dev.ReadBlocks(testBlocks-1, buf)
	assert.ErrorIs(t, err, blockdev.ErrOutOfRange)

	_, err = dev.WriteBlocks(testBlocks, buf[:blockdev.BlockSize])
	assert.ErrorIs(t, err, blockdev.ErrOutOfRange)

	_, err = dev.ReadBlocks(^uint64(0), buf)
	assert.ErrorIs(t, err, blockdev.ErrOutOfRange)
}

func (suite *DeviceTestSuite) testUnaligned(t *testing.T) {
	dev := suite.newDevice(t)

	_, err := dev.ReadBlocks(0, make([]byte, 100))
	assert.ErrorIs(t, err, blockdev.ErrUnaligned)

	_, err = dev.WriteBlocks(0, make([]byte, blockdev.BlockSize+1))
	assert.ErrorIs(t, err, blockdev.ErrUnaligned)
}

func (suite *DeviceTestSuite) testEmptyTransfer(t *testing.T) {
	dev := suite.newDevice(t)

	n, err := dev.ReadBlocks(testBlocks, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = dev.WriteBlocks(0, []byte{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func (suite *DeviceTestSuite) testSync(t *testing.T) {
	dev := suite.newDevice(t)

	mustWrite(t, dev, 1, pattern(2, 1))
	assert.NoError(t, dev.Sync())
}

func (suite *DeviceTestSuite) testClosed(t *testing.T) {
	dev := suite.NewDevice(t, testBlocks)
	require.NoError(t, dev.Close())

	_, err := dev.ReadBlocks(0, make([]byte, blockdev.BlockSize))
	assert.ErrorIs(t, err, blockdev.ErrClosed)

	_, err = dev.WriteBlocks(0, make([]byte, blockdev.BlockSize))
	assert.ErrorIs(t, err, blockdev.ErrClosed)

	_, err = dev.NumBlocks()
	assert.ErrorIs(t, err, blockdev.ErrClosed)

	assert.ErrorIs(t, dev.Close(), blockdev.ErrClosed)
}

func (suite *DeviceTestSuite) testPersistence(t *testing.T) {
	if suite.Reopen == nil {
		t.Skip("Device does not persist across reopen")
	}

	dev := suite.NewDevice(t, testBlocks)
	data := pattern(7, 40)
	mustWrite(t, dev, 500, data)
	require.NoError(t, dev.Sync())

	dev = suite.Reopen(t, dev)
	t.Cleanup(func() { _ = dev.Close() })

	n, err := dev.NumBlocks()
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlocks), n)
	assert.Equal(t, data, mustRead(t, dev, 500, 40))
}
