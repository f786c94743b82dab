package simfs

import (
	"github.com/marmos91/ext4bridge/pkg/engine"
)

const (
	directBlocks   = 12
	singleIndirect = 12
	doubleIndirect = 13
)

// isFastSymlink reports whether the block-pointer area holds symlink text.
func isFastSymlink(fs *engine.FS, inode *engine.Inode) bool {
	size := engine.InodeGetSize(&fs.SB, inode)
	return engine.InodeIsType(&fs.SB, inode, engine.InodeModeSoftlink) &&
		engine.InodeGetBlocksCount(&fs.SB, inode) == 0 &&
		size > 0 && size < engine.InodeBlockBytes
}

// mapPath resolves iblock to its slot path: the inode pointer index followed
// by one index per indirection level.
func mapPath(iblock uint64, perBlock uint64) ([]uint64, int) {
	switch {
	case iblock < directBlocks:
		return []uint64{iblock}, engine.EOK
	case iblock < directBlocks+perBlock:
		return []uint64{singleIndirect, iblock - directBlocks}, engine.EOK
	case iblock < directBlocks+perBlock+perBlock*perBlock:
		rel := iblock - directBlocks - perBlock
		return []uint64{doubleIndirect, rel / perBlock, rel % perBlock}, engine.EOK
	default:
		return nil, engine.EFBIG
	}
}

// mapBlock walks the block map for iblock. With alloc set, missing
// indirect blocks and the data block itself are allocated.
func (e *Engine) mapBlock(ref *engine.InodeRef, iblock uint64, alloc bool) (uint64, int) {
	fs := ref.FS
	if isFastSymlink(fs, ref.Inode) {
		return 0, engine.EINVAL
	}
	if alloc && fs.ReadOnly {
		return 0, engine.EROFS
	}
	bs := uint64(engine.SbBlockSize(&fs.SB))
	path, rc := mapPath(iblock, bs/4)
	if rc != engine.EOK {
		return 0, rc
	}

	cur := uint64(engine.InodeGetDirectBlock(ref.Inode, int(path[0])))
	if cur == 0 {
		if !alloc {
			return 0, engine.EOK
		}
		if cur, rc = e.allocBlock(ref); rc != engine.EOK {
			return 0, rc
		}
		engine.InodeSetDirectBlock(ref.Inode, int(path[0]), uint32(cur))
	}

	c := cacheOf(fs.Bdev)
	for _, idx := range path[1:] {
		it, rc := c.get(fs.Bdev, cur, false)
		if rc != engine.EOK {
			return 0, rc
		}
		next := uint64(le.Uint32(it.data[idx*4:]))
		if next == 0 && alloc {
			if next, rc = e.allocBlock(ref); rc != engine.EOK {
				c.put(fs.Bdev, it, false)
				return 0, rc
			}
			le.PutUint32(it.data[idx*4:], uint32(next))
			rc = c.put(fs.Bdev, it, true)
		} else {
			rc = c.put(fs.Bdev, it, false)
		}
		if rc != engine.EOK {
			return 0, rc
		}
		if next == 0 {
			return 0, engine.EOK
		}
		cur = next
	}
	return cur, engine.EOK
}

func (e *Engine) FSGetInodeDblkIdx(ref *engine.InodeRef, iblock uint32, supportUnwritten bool) (uint64, int) {
	return e.mapBlock(ref, uint64(iblock), false)
}

func (e *Engine) FSInitInodeDblkIdx(ref *engine.InodeRef, iblock uint32) (uint64, int) {
	return e.mapBlock(ref, uint64(iblock), true)
}

func (e *Engine) FSAppendInodeDblk(ref *engine.InodeRef) (uint64, uint32, int) {
	fs := ref.FS
	bs := uint64(engine.SbBlockSize(&fs.SB))
	size := engine.InodeGetSize(&fs.SB, ref.Inode)
	iblock := divCeil(size, bs)
	if iblock > uint64(^uint32(0)) {
		return 0, 0, engine.EFBIG
	}

	fblock, rc := e.mapBlock(ref, iblock, true)
	if rc != engine.EOK {
		return 0, 0, rc
	}
	engine.InodeSetSize(ref.Inode, (iblock+1)*bs)
	ref.Dirty = true
	return fblock, uint32(iblock), engine.EOK
}

// ============================================================================
// Truncate
// ============================================================================

func (e *Engine) FSTruncateInode(ref *engine.InodeRef, newSize uint64) int {
	fs := ref.FS
	if fs.ReadOnly {
		return engine.EROFS
	}
	inode := ref.Inode
	size := engine.InodeGetSize(&fs.SB, inode)
	if newSize >= size {
		if newSize != size {
			engine.InodeSetSize(inode, newSize)
			ref.Dirty = true
		}
		return engine.EOK
	}

	if isFastSymlink(fs, inode) {
		clear(inode.Blocks[newSize:])
		engine.InodeSetSize(inode, newSize)
		ref.Dirty = true
		return engine.EOK
	}

	bs := uint64(engine.SbBlockSize(&fs.SB))
	keep := divCeil(newSize, bs)
	if rc := e.freeMapped(ref, keep, divCeil(size, bs)); rc != engine.EOK {
		return rc
	}
	if rc := e.pruneIndirect(ref, keep); rc != engine.EOK {
		return rc
	}

	engine.InodeSetSize(inode, newSize)
	ref.Dirty = true
	return engine.EOK
}

// freeMapped frees the data blocks of [from, to).
func (e *Engine) freeMapped(ref *engine.InodeRef, from, to uint64) int {
	for iblock := from; iblock < to; iblock++ {
		fblock, rc := e.mapBlock(ref, iblock, false)
		if rc == engine.EFBIG {
			return engine.EOK
		}
		if rc != engine.EOK {
			return rc
		}
		if fblock == 0 {
			continue
		}
		if rc := e.clearMapping(ref, iblock); rc != engine.EOK {
			return rc
		}
		if rc := e.freeBlock(ref, fblock); rc != engine.EOK {
			return rc
		}
	}
	return engine.EOK
}

// clearMapping zeroes the pointer to the data block of iblock.
func (e *Engine) clearMapping(ref *engine.InodeRef, iblock uint64) int {
	fs := ref.FS
	path, rc := mapPath(iblock, uint64(engine.SbBlockSize(&fs.SB))/4)
	if rc != engine.EOK {
		return rc
	}
	if len(path) == 1 {
		engine.InodeSetDirectBlock(ref.Inode, int(path[0]), 0)
		ref.Dirty = true
		return engine.EOK
	}

	c := cacheOf(fs.Bdev)
	cur := uint64(engine.InodeGetDirectBlock(ref.Inode, int(path[0])))
	for i, idx := range path[1:] {
		it, rc := c.get(fs.Bdev, cur, false)
		if rc != engine.EOK {
			return rc
		}
		if i == len(path)-2 {
			le.PutUint32(it.data[idx*4:], 0)
			return c.put(fs.Bdev, it, true)
		}
		cur = uint64(le.Uint32(it.data[idx*4:]))
		if rc := c.put(fs.Bdev, it, false); rc != engine.EOK {
			return rc
		}
	}
	return engine.EOK
}

// pruneIndirect frees indirect blocks that map nothing below keep.
func (e *Engine) pruneIndirect(ref *engine.InodeRef, keep uint64) int {
	fs := ref.FS
	perBlock := uint64(engine.SbBlockSize(&fs.SB)) / 4

	if keep <= directBlocks {
		if blk := engine.InodeGetDirectBlock(ref.Inode, singleIndirect); blk != 0 {
			engine.InodeSetDirectBlock(ref.Inode, singleIndirect, 0)
			if rc := e.freeBlock(ref, uint64(blk)); rc != engine.EOK {
				return rc
			}
		}
	}

	dbl := uint64(engine.InodeGetDirectBlock(ref.Inode, doubleIndirect))
	if dbl == 0 {
		return engine.EOK
	}
	base := directBlocks + perBlock

	c := cacheOf(fs.Bdev)
	it, rc := c.get(fs.Bdev, dbl, false)
	if rc != engine.EOK {
		return rc
	}
	var children []uint64
	for j := uint64(0); j < perBlock; j++ {
		if base+j*perBlock < keep {
			continue
		}
		if child := le.Uint32(it.data[j*4:]); child != 0 {
			children = append(children, uint64(child))
			le.PutUint32(it.data[j*4:], 0)
		}
	}
	if rc := c.put(fs.Bdev, it, len(children) > 0); rc != engine.EOK {
		return rc
	}
	for _, child := range children {
		if rc := e.freeBlock(ref, child); rc != engine.EOK {
			return rc
		}
	}

	if keep <= base {
		engine.InodeSetDirectBlock(ref.Inode, doubleIndirect, 0)
		return e.freeBlock(ref, dbl)
	}
	return engine.EOK
}
