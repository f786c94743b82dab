package simfs

import (
	"github.com/marmos91/ext4bridge/pkg/engine"
)

func bitLocation(fs *engine.FS, base, bit uint64) (uint64, uint32, byte) {
	bits := uint64(engine.SbBlockSize(&fs.SB)) * 8
	in := bit % bits
	return base + bit/bits, uint32(in / 8), byte(1) << (in % 8)
}

func (e *Engine) bitmapTest(fs *engine.FS, base, bit uint64) (bool, int) {
	lba, off, mask := bitLocation(fs, base, bit)
	c := cacheOf(fs.Bdev)
	it, rc := c.get(fs.Bdev, lba, false)
	if rc != engine.EOK {
		return false, rc
	}
	set := it.data[off]&mask != 0
	return set, c.put(fs.Bdev, it, false)
}

func (e *Engine) bitmapFree(fs *engine.FS, base, bit uint64) int {
	lba, off, mask := bitLocation(fs, base, bit)
	c := cacheOf(fs.Bdev)
	it, rc := c.get(fs.Bdev, lba, false)
	if rc != engine.EOK {
		return rc
	}
	if it.data[off]&mask == 0 {
		c.put(fs.Bdev, it, false)
		return engine.EINVAL
	}
	it.data[off] &^= mask
	return c.put(fs.Bdev, it, true)
}

// bitmapAlloc sets and returns the first clear bit in [from, to).
func (e *Engine) bitmapAlloc(fs *engine.FS, base, to, from uint64) (uint64, int) {
	c := cacheOf(fs.Bdev)
	bits := uint64(engine.SbBlockSize(&fs.SB)) * 8

	for bit := from; bit < to; {
		lba, _, _ := bitLocation(fs, base, bit)
		it, rc := c.get(fs.Bdev, lba, false)
		if rc != engine.EOK {
			return 0, rc
		}
		end := (bit/bits + 1) * bits
		if end > to {
			end = to
		}
		for ; bit < end; bit++ {
			in := bit % bits
			if it.data[in/8] == 0xFF && in%8 == 0 && bit+8 <= end {
				bit += 7
				continue
			}
			mask := byte(1) << (in % 8)
			if it.data[in/8]&mask == 0 {
				it.data[in/8] |= mask
				return bit, c.put(fs.Bdev, it, true)
			}
		}
		if rc := c.put(fs.Bdev, it, false); rc != engine.EOK {
			return 0, rc
		}
	}
	return 0, engine.ENOSPC
}

// allocBlock allocates one zero-filled block and charges it to ref.
func (e *Engine) allocBlock(ref *engine.InodeRef) (uint64, int) {
	fs := ref.FS
	st := stateOf(fs)
	if engine.SbFreeBlocksCount(&fs.SB) == 0 {
		return 0, engine.ENOSPC
	}

	l := &st.layout
	blk, rc := e.bitmapAlloc(fs, l.blockBitmap, l.blocksCount, st.blockGoal)
	if rc == engine.ENOSPC {
		blk, rc = e.bitmapAlloc(fs, l.blockBitmap, l.blocksCount, l.firstData)
	}
	if rc != engine.EOK {
		return 0, rc
	}
	st.blockGoal = blk + 1
	engine.SbSetFreeBlocksCount(&fs.SB, engine.SbFreeBlocksCount(&fs.SB)-1)

	zero := make([]byte, l.blockSize)
	if c := cacheOf(fs.Bdev); c != nil {
		c.discard(blk)
	}
	if rc := writeLogical(fs.Bdev, zero, blk, 1); rc != engine.EOK {
		return 0, rc
	}

	sectors := uint64(l.blockSize / 512)
	engine.InodeSetBlocksCount(ref.Inode, engine.InodeGetBlocksCount(&fs.SB, ref.Inode)+sectors)
	ref.Dirty = true
	return blk, engine.EOK
}

// freeBlock returns blk to the allocator and uncharges it from ref.
func (e *Engine) freeBlock(ref *engine.InodeRef, blk uint64) int {
	fs := ref.FS
	st := stateOf(fs)
	if blk < st.layout.firstData || blk >= st.layout.blocksCount {
		return engine.EIO
	}
	if rc := e.bitmapFree(fs, st.layout.blockBitmap, blk); rc != engine.EOK {
		return rc
	}
	if c := cacheOf(fs.Bdev); c != nil {
		c.discard(blk)
	}
	engine.SbSetFreeBlocksCount(&fs.SB, engine.SbFreeBlocksCount(&fs.SB)+1)

	sectors := uint64(st.layout.blockSize / 512)
	count := engine.InodeGetBlocksCount(&fs.SB, ref.Inode)
	if count >= sectors {
		engine.InodeSetBlocksCount(ref.Inode, count-sectors)
	}
	ref.Dirty = true
	return engine.EOK
}
