// Package simfs is a compact ext4 engine implementing engine.Engine.
//
// It understands a single-group ext2/ext4 layout with classic block maps
// (twelve direct pointers, one single and one double indirect block) and
// linear directory records. Metadata blocks go through an LRU block cache
// that honours the nested write-back counter of the device; file data moves
// through the direct block calls and never touches the cache.
//
// simfs is not safe for concurrent use.
package simfs

import (
	"github.com/marmos91/ext4bridge/pkg/engine"
)

// Engine implements engine.Engine.
type Engine struct {
	openRefs int
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine with no mounted filesystems.
func New() *Engine {
	return &Engine{}
}

// OpenInodeRefs returns the number of inode checkouts not yet released,
// across every filesystem served by e.
func (e *Engine) OpenInodeRefs() int {
	return e.openRefs
}

// ============================================================================
// Raw device access
// ============================================================================

func lock(bdev *engine.BlockDev) {
	if bdev.Bdif.Lock != nil {
		bdev.Bdif.Lock(bdev)
	}
}

func unlock(bdev *engine.BlockDev) {
	if bdev.Bdif.Unlock != nil {
		bdev.Bdif.Unlock(bdev)
	}
}

func physRead(bdev *engine.BlockDev, buf []byte, pba uint64, cnt uint32) int {
	if cnt == 0 {
		return engine.EOK
	}
	if pba+uint64(cnt) > bdev.Bdif.PhBcnt {
		return engine.EIO
	}
	lock(bdev)
	defer unlock(bdev)
	bdev.Bdif.BreadCtr++
	return bdev.Bdif.Bread(bdev, buf, pba, cnt)
}

func physWrite(bdev *engine.BlockDev, buf []byte, pba uint64, cnt uint32) int {
	if cnt == 0 {
		return engine.EOK
	}
	if pba+uint64(cnt) > bdev.Bdif.PhBcnt {
		return engine.EIO
	}
	lock(bdev)
	defer unlock(bdev)
	bdev.Bdif.BwriteCtr++
	return bdev.Bdif.Bwrite(bdev, buf, pba, cnt)
}

// readLogical reads cnt logical blocks starting at lba.
func readLogical(bdev *engine.BlockDev, buf []byte, lba uint64, cnt uint32) int {
	ph := uint64(bdev.Bdif.PhBsize)
	ratio := uint64(bdev.LgBsize) / ph
	pba := bdev.PartOffset/ph + lba*ratio
	return physRead(bdev, buf[:uint64(cnt)*uint64(bdev.LgBsize)], pba, uint32(uint64(cnt)*ratio))
}

// writeLogical writes cnt logical blocks starting at lba.
func writeLogical(bdev *engine.BlockDev, buf []byte, lba uint64, cnt uint32) int {
	ph := uint64(bdev.Bdif.PhBsize)
	ratio := uint64(bdev.LgBsize) / ph
	pba := bdev.PartOffset/ph + lba*ratio
	return physWrite(bdev, buf[:uint64(cnt)*uint64(bdev.LgBsize)], pba, uint32(uint64(cnt)*ratio))
}

// ============================================================================
// Block device layer
// ============================================================================

func (e *Engine) BlockInit(bdev *engine.BlockDev) int {
	if bdev == nil || bdev.Bdif == nil || bdev.Bdif.Open == nil ||
		bdev.Bdif.Bread == nil || bdev.Bdif.Bwrite == nil {
		return engine.EINVAL
	}
	if rc := bdev.Bdif.Open(bdev); rc != engine.EOK {
		return rc
	}
	if bdev.Bdif.PhBsize == 0 || uint32(len(bdev.Bdif.PhBbuf)) < bdev.Bdif.PhBsize {
		return engine.EINVAL
	}
	bdev.Bdif.PhRefctr = 1
	bdev.LgBsize = bdev.Bdif.PhBsize
	bdev.LgBcnt = bdev.PartSize / uint64(bdev.LgBsize)
	return engine.EOK
}

func (e *Engine) BlockFini(bdev *engine.BlockDev) int {
	if bdev.Bdif.PhRefctr == 0 {
		return engine.EOK
	}
	bdev.Bdif.PhRefctr = 0
	if bdev.Bdif.Close == nil {
		return engine.EOK
	}
	return bdev.Bdif.Close(bdev)
}

func (e *Engine) BlockCacheWriteBack(bdev *engine.BlockDev, on bool) int {
	if on {
		bdev.CacheWriteBack++
		return engine.EOK
	}
	if bdev.CacheWriteBack > 0 {
		bdev.CacheWriteBack--
	}
	if bdev.CacheWriteBack > 0 {
		return engine.EOK
	}
	if c := cacheOf(bdev); c != nil {
		return c.flush(bdev)
	}
	return engine.EOK
}

func (e *Engine) BlockSetLbSize(bdev *engine.BlockDev, lbSize uint32) {
	bdev.LgBsize = lbSize
	bdev.LgBcnt = bdev.PartSize / uint64(lbSize)
}

func (e *Engine) BlockBindBcache(bdev *engine.BlockDev, bc *engine.BCache) int {
	if bc == nil {
		return engine.EINVAL
	}
	if _, ok := bc.Private.(*blockCache); !ok {
		return engine.EINVAL
	}
	if bc.ItemSize != bdev.LgBsize {
		return engine.EINVAL
	}
	bdev.Bc = bc
	return engine.EOK
}

func (e *Engine) BlockReadBytes(bdev *engine.BlockDev, off uint64, buf []byte) int {
	ph := uint64(bdev.Bdif.PhBsize)
	off += bdev.PartOffset

	for len(buf) > 0 {
		blk, in := off/ph, off%ph
		if in == 0 && uint64(len(buf)) >= ph {
			n := uint64(len(buf)) / ph
			if rc := physRead(bdev, buf[:n*ph], blk, uint32(n)); rc != engine.EOK {
				return rc
			}
			buf = buf[n*ph:]
			off += n * ph
			continue
		}
		if rc := physRead(bdev, bdev.Bdif.PhBbuf[:ph], blk, 1); rc != engine.EOK {
			return rc
		}
		n := copy(buf, bdev.Bdif.PhBbuf[in:ph])
		buf = buf[n:]
		off += uint64(n)
	}
	return engine.EOK
}

func (e *Engine) BlockWriteBytes(bdev *engine.BlockDev, off uint64, buf []byte) int {
	ph := uint64(bdev.Bdif.PhBsize)
	off += bdev.PartOffset

	for len(buf) > 0 {
		blk, in := off/ph, off%ph
		if in == 0 && uint64(len(buf)) >= ph {
			n := uint64(len(buf)) / ph
			if rc := physWrite(bdev, buf[:n*ph], blk, uint32(n)); rc != engine.EOK {
				return rc
			}
			buf = buf[n*ph:]
			off += n * ph
			continue
		}
		scratch := bdev.Bdif.PhBbuf[:ph]
		if rc := physRead(bdev, scratch, blk, 1); rc != engine.EOK {
			return rc
		}
		n := copy(scratch[in:], buf)
		if rc := physWrite(bdev, scratch, blk, 1); rc != engine.EOK {
			return rc
		}
		buf = buf[n:]
		off += uint64(n)
	}
	return engine.EOK
}

func (e *Engine) BlocksGetDirect(bdev *engine.BlockDev, buf []byte, lba uint64, cnt uint32) int {
	if uint64(len(buf)) < uint64(cnt)*uint64(bdev.LgBsize) {
		return engine.EINVAL
	}
	if c := cacheOf(bdev); c != nil {
		if rc := c.syncRange(bdev, lba, cnt, false); rc != engine.EOK {
			return rc
		}
	}
	return readLogical(bdev, buf, lba, cnt)
}

func (e *Engine) BlocksSetDirect(bdev *engine.BlockDev, buf []byte, lba uint64, cnt uint32) int {
	if uint64(len(buf)) < uint64(cnt)*uint64(bdev.LgBsize) {
		return engine.EINVAL
	}
	if c := cacheOf(bdev); c != nil {
		if rc := c.syncRange(bdev, lba, cnt, true); rc != engine.EOK {
			return rc
		}
	}
	return writeLogical(bdev, buf, lba, cnt)
}

// ============================================================================
// Block cache
// ============================================================================

func (e *Engine) BcacheInitDynamic(bc *engine.BCache, cnt uint32, itemSize uint32) int {
	if cnt == 0 || itemSize == 0 {
		return engine.EINVAL
	}
	bc.Cnt = cnt
	bc.ItemSize = itemSize
	bc.Private = newBlockCache(cnt, itemSize)
	return engine.EOK
}

func (e *Engine) BcacheCleanup(bc *engine.BCache) {
	if c, ok := bc.Private.(*blockCache); ok {
		c.reset()
	}
}

func (e *Engine) BcacheFiniDynamic(bc *engine.BCache) int {
	bc.Private = nil
	return engine.EOK
}
