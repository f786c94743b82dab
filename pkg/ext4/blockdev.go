package ext4

import (
	"errors"
	"fmt"

	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/engine"
)

// DevBlockSize is the unit of BlockDevice block ids and transfers.
const DevBlockSize = 512

// BlockDevice is the storage a Filesystem is mounted on.
//
// Block ids count DevBlockSize-byte blocks from the start of the device and
// len(buf) is always a multiple of DevBlockSize. ReadBlocks and WriteBlocks
// return the number of bytes transferred; anything short of len(buf) is
// treated as an I/O failure. Retry policy, if any, belongs to the
// implementation.
type BlockDevice interface {
	ReadBlocks(blockID uint64, buf []byte) (int, error)
	WriteBlocks(blockID uint64, buf []byte) (int, error)
	NumBlocks() (uint64, error)
}

// blockDevAdapter presents a BlockDevice to the engine through its callback
// table.
//
// The engine keeps pointers to iface, bdev and bc between calls, so the
// adapter is always heap allocated and never copied. PUser carries the
// device into the callbacks.
type blockDevAdapter struct {
	eng   engine.Engine
	dev   BlockDevice
	iface engine.BlockDevIface
	bdev  engine.BlockDev
	bc    engine.BCache

	closed bool
}

// newBlockDevAdapter wires dev into a callback table, initializes the engine
// block layer and enables write-back caching.
func newBlockDevAdapter(eng engine.Engine, dev BlockDevice) (*blockDevAdapter, error) {
	a := &blockDevAdapter{eng: eng, dev: dev}
	a.iface = engine.BlockDevIface{
		Open:    devOpen,
		Bread:   devBread,
		Bwrite:  devBwrite,
		Close:   devClose,
		PhBsize: DevBlockSize,
		PhBbuf:  make([]byte, DevBlockSize),
		PUser:   dev,
	}
	a.bdev = engine.BlockDev{Bdif: &a.iface}

	if err := check(eng.BlockInit(&a.bdev), "ext4_block_init"); err != nil {
		return nil, err
	}
	if err := check(eng.BlockCacheWriteBack(&a.bdev, true), "ext4_block_cache_write_back"); err != nil {
		if rc := eng.BlockFini(&a.bdev); rc != engine.EOK {
			logger.Error("ext4: ext4_block_fini failed while unwinding: %v", check(rc, "ext4_block_fini"))
		}
		return nil, err
	}
	return a, nil
}

// close disables write-back caching, which flushes the cache, and finalizes
// the block layer.
func (a *blockDevAdapter) close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	return errors.Join(
		check(a.eng.BlockCacheWriteBack(&a.bdev, false), "ext4_block_cache_write_back"),
		check(a.eng.BlockFini(&a.bdev), "ext4_block_fini"),
	)
}

// ============================================================================
// Engine callbacks
// ============================================================================

func deviceOf(bdev *engine.BlockDev) BlockDevice {
	return bdev.Bdif.PUser.(BlockDevice)
}

func devOpen(bdev *engine.BlockDev) int {
	logger.Debug("ext4: open block device")

	n, err := deviceOf(bdev).NumBlocks()
	if err != nil {
		logger.Error("ext4: num_blocks failed: %v", err)
		return engine.EIO
	}
	bdev.Bdif.PhBcnt = n
	bdev.PartOffset = 0
	bdev.PartSize = n * uint64(bdev.Bdif.PhBsize)
	return engine.EOK
}

func devBread(bdev *engine.BlockDev, buf []byte, blkID uint64, blkCnt uint32) int {
	logger.Debug("ext4: read block id=%d count=%d", blkID, blkCnt)
	if blkCnt == 0 {
		return engine.EOK
	}

	size := int(bdev.Bdif.PhBsize) * int(blkCnt)
	n, err := deviceOf(bdev).ReadBlocks(blkID, buf[:size])
	if err == nil && n != size {
		err = fmt.Errorf("short read: %d of %d bytes", n, size)
	}
	if err != nil {
		logger.Error("ext4: read_blocks id=%d count=%d failed: %v", blkID, blkCnt, err)
		return engine.EIO
	}
	return engine.EOK
}

func devBwrite(bdev *engine.BlockDev, buf []byte, blkID uint64, blkCnt uint32) int {
	logger.Debug("ext4: write block id=%d count=%d", blkID, blkCnt)
	if blkCnt == 0 {
		return engine.EOK
	}

	size := int(bdev.Bdif.PhBsize) * int(blkCnt)
	n, err := deviceOf(bdev).WriteBlocks(blkID, buf[:size])
	if err == nil && n != size {
		err = fmt.Errorf("short write: %d of %d bytes", n, size)
	}
	if err != nil {
		logger.Error("ext4: write_blocks id=%d count=%d failed: %v", blkID, blkCnt, err)
		return engine.EIO
	}
	return engine.EOK
}

func devClose(*engine.BlockDev) int {
	logger.Debug("ext4: close block device")
	return engine.EOK
}
