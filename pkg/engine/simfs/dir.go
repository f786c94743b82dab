package simfs

import (
	"bytes"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

const maxNameLen = 255

func recIno(rec []byte) uint32 { return le.Uint32(rec[0:]) }
func recLen(rec []byte) uint32 { return uint32(le.Uint16(rec[4:])) }

func setRecIno(rec []byte, v uint32) { le.PutUint32(rec[0:], v) }
func setRecLen(rec []byte, v uint32) { le.PutUint16(rec[4:], uint16(v)) }

func recNameLen(sb *engine.Superblock, rec []byte) uint32 {
	if oldDirents(sb) {
		return uint32(rec[6]) | uint32(rec[7])<<8
	}
	return uint32(rec[6])
}

// recSize is the space a record with a name of n bytes needs.
func recSize(n int) uint32 {
	return (engine.DirEntryHeaderSize + uint32(n) + 3) &^ 3
}

func validRecord(sb *engine.Superblock, blk []byte, off uint32) bool {
	if off+engine.DirEntryHeaderSize > uint32(len(blk)) {
		return false
	}
	rec := blk[off:]
	rl := recLen(rec)
	return rl >= engine.DirEntryHeaderSize && rl%4 == 0 &&
		off+rl <= uint32(len(blk)) &&
		engine.DirEntryHeaderSize+recNameLen(sb, rec) <= rl
}

func writeRecord(sb *engine.Superblock, rec []byte, ino uint32, rl uint32, name []byte, typ uint8) {
	setRecIno(rec, ino)
	setRecLen(rec, rl)
	rec[6] = uint8(len(name))
	if oldDirents(sb) {
		rec[7] = uint8(len(name) >> 8)
	} else {
		rec[7] = typ
	}
	copy(rec[engine.DirEntryHeaderSize:], name)
}

// direntType maps an inode mode to its directory record type byte.
func direntType(mode uint32) uint8 {
	switch mode & engine.InodeModeTypeMask {
	case engine.InodeModeFile:
		return engine.DERegFile
	case engine.InodeModeDirectory:
		return engine.DEDir
	case engine.InodeModeChardev:
		return engine.DEChrDev
	case engine.InodeModeBlockdev:
		return engine.DEBlkDev
	case engine.InodeModeFifo:
		return engine.DEFifo
	case engine.InodeModeSocket:
		return engine.DESock
	case engine.InodeModeSoftlink:
		return engine.DESymlink
	}
	return engine.DEUnknown
}

func checkName(name []byte) int {
	switch {
	case len(name) == 0:
		return engine.EINVAL
	case len(name) > maxNameLen:
		return engine.ENAMETOOLONG
	}
	return engine.EOK
}

func isDir(ref *engine.InodeRef) bool {
	return engine.InodeIsType(&ref.FS.SB, ref.Inode, engine.InodeModeDirectory)
}

func dirBlocks(ref *engine.InodeRef) uint64 {
	return engine.InodeGetSize(&ref.FS.SB, ref.Inode) / uint64(engine.SbBlockSize(&ref.FS.SB))
}

// dirBlock pins directory block iblock. A hole yields a nil item.
func (e *Engine) dirBlock(ref *engine.InodeRef, iblock uint64) (*cacheItem, int) {
	fblock, rc := e.mapBlock(ref, iblock, false)
	if rc != engine.EOK || fblock == 0 {
		return nil, rc
	}
	return cacheOf(ref.FS.Bdev).get(ref.FS.Bdev, fblock, false)
}

// locate finds the live record called name. On success the block stays
// pinned and prev is the offset of the preceding record in the same block,
// or -1.
func (e *Engine) locate(parent *engine.InodeRef, name []byte) (it *cacheItem, off uint32, prev int64, rc int) {
	sb := &parent.FS.SB
	c := cacheOf(parent.FS.Bdev)
	for ib := uint64(0); ib < dirBlocks(parent); ib++ {
		item, rc := e.dirBlock(parent, ib)
		if rc != engine.EOK {
			return nil, 0, 0, rc
		}
		if item == nil {
			continue
		}
		prev := int64(-1)
		for off := uint32(0); off < uint32(len(item.data)); {
			if !validRecord(sb, item.data, off) {
				c.put(parent.FS.Bdev, item, false)
				return nil, 0, 0, engine.EIO
			}
			rec := item.data[off:]
			nl := recNameLen(sb, rec)
			if recIno(rec) != 0 && int(nl) == len(name) &&
				bytes.Equal(rec[engine.DirEntryHeaderSize:engine.DirEntryHeaderSize+nl], name) {
				return item, off, prev, engine.EOK
			}
			prev = int64(off)
			off += recLen(rec)
		}
		if rc := c.put(parent.FS.Bdev, item, false); rc != engine.EOK {
			return nil, 0, 0, rc
		}
	}
	return nil, 0, 0, engine.ENOENT
}

// ============================================================================
// Search results
// ============================================================================

type searchState struct {
	item *cacheItem
}

func (e *Engine) DirFindEntry(result *engine.DirSearchResult, parent *engine.InodeRef, name []byte) int {
	if !isDir(parent) {
		return engine.ENOTDIR
	}
	if rc := checkName(name); rc != engine.EOK {
		return rc
	}
	it, off, _, rc := e.locate(parent, name)
	if rc != engine.EOK {
		return rc
	}
	*result = engine.DirSearchResult{
		Dentry:  it.data[off : off+recLen(it.data[off:])],
		Private: &searchState{item: it},
	}
	return engine.EOK
}

func (e *Engine) DirDestroyResult(parent *engine.InodeRef, result *engine.DirSearchResult) int {
	st, ok := result.Private.(*searchState)
	if !ok {
		return engine.EOK
	}
	dirty := result.Dirty && !parent.FS.ReadOnly
	*result = engine.DirSearchResult{}
	return cacheOf(parent.FS.Bdev).put(parent.FS.Bdev, st.item, dirty)
}

// ============================================================================
// Entry mutation
// ============================================================================

func (e *Engine) DirAddEntry(parent *engine.InodeRef, name []byte, child *engine.InodeRef) int {
	fs := parent.FS
	switch {
	case !isDir(parent):
		return engine.ENOTDIR
	case fs.ReadOnly:
		return engine.EROFS
	}
	if rc := checkName(name); rc != engine.EOK {
		return rc
	}

	it, _, _, rc := e.locate(parent, name)
	switch rc {
	case engine.EOK:
		cacheOf(fs.Bdev).put(fs.Bdev, it, false)
		return engine.EEXIST
	case engine.ENOENT:
	default:
		return rc
	}

	sb := &fs.SB
	c := cacheOf(fs.Bdev)
	need := recSize(len(name))
	typ := direntType(engine.InodeGetMode(sb, child.Inode))

	for ib := uint64(0); ib < dirBlocks(parent); ib++ {
		item, rc := e.dirBlock(parent, ib)
		if rc != engine.EOK {
			return rc
		}
		if item == nil {
			continue
		}
		for off := uint32(0); off < uint32(len(item.data)); {
			if !validRecord(sb, item.data, off) {
				c.put(fs.Bdev, item, false)
				return engine.EIO
			}
			rec := item.data[off:]
			rl := recLen(rec)
			var used uint32
			if recIno(rec) != 0 {
				used = recSize(int(recNameLen(sb, rec)))
			}
			if rl-used >= need {
				if used > 0 {
					setRecLen(rec, used)
				}
				writeRecord(sb, item.data[off+used:], child.Index, rl-used, name, typ)
				return c.put(fs.Bdev, item, true)
			}
			off += rl
		}
		if rc := c.put(fs.Bdev, item, false); rc != engine.EOK {
			return rc
		}
	}

	fblock, _, rc := e.FSAppendInodeDblk(parent)
	if rc != engine.EOK {
		return rc
	}
	item, rc := c.get(fs.Bdev, fblock, true)
	if rc != engine.EOK {
		return rc
	}
	writeRecord(sb, item.data, child.Index, uint32(len(item.data)), name, typ)
	return c.put(fs.Bdev, item, true)
}

func (e *Engine) DirRemoveEntry(parent *engine.InodeRef, name []byte) int {
	fs := parent.FS
	switch {
	case !isDir(parent):
		return engine.ENOTDIR
	case fs.ReadOnly:
		return engine.EROFS
	}
	if rc := checkName(name); rc != engine.EOK {
		return rc
	}

	it, off, prev, rc := e.locate(parent, name)
	if rc != engine.EOK {
		return rc
	}
	rec := it.data[off:]
	if prev >= 0 {
		p := it.data[prev:]
		setRecLen(p, recLen(p)+recLen(rec))
	} else {
		setRecIno(rec, 0)
	}
	return cacheOf(fs.Bdev).put(fs.Bdev, it, true)
}

// ============================================================================
// Iteration
// ============================================================================

type iterState struct {
	item  *cacheItem
	block uint64
	off   uint32
}

func (e *Engine) DirIteratorInit(it *engine.DirIter, ref *engine.InodeRef, pos uint64) int {
	if !isDir(ref) {
		return engine.ENOTDIR
	}
	bs := uint64(engine.SbBlockSize(&ref.FS.SB))
	st := &iterState{block: pos / bs}
	*it = engine.DirIter{InodeRef: ref, Private: st}

	if target := uint32(pos % bs); target > 0 && st.block < dirBlocks(ref) {
		item, rc := e.dirBlock(ref, st.block)
		if rc != engine.EOK {
			return rc
		}
		st.item = item
		if item != nil {
			for st.off < target && validRecord(&ref.FS.SB, item.data, st.off) {
				st.off += recLen(item.data[st.off:])
			}
		}
	}
	return e.settle(it)
}

// settle moves the cursor forward to the next live record, crossing block
// boundaries and skipping holes.
func (e *Engine) settle(it *engine.DirIter) int {
	st := it.Private.(*iterState)
	ref := it.InodeRef
	sb := &ref.FS.SB
	c := cacheOf(ref.FS.Bdev)
	bs := uint64(engine.SbBlockSize(sb))

	for {
		if st.item == nil {
			if st.block >= dirBlocks(ref) {
				it.Curr = nil
				it.CurrOff = engine.InodeGetSize(sb, ref.Inode)
				return engine.EOK
			}
			item, rc := e.dirBlock(ref, st.block)
			if rc != engine.EOK {
				return rc
			}
			if item == nil {
				st.block++
				st.off = 0
				continue
			}
			st.item = item
		}

		if uint64(st.off) >= bs {
			if rc := c.put(ref.FS.Bdev, st.item, false); rc != engine.EOK {
				return rc
			}
			st.item = nil
			st.block++
			st.off = 0
			continue
		}
		if !validRecord(sb, st.item.data, st.off) {
			return engine.EIO
		}
		rec := st.item.data[st.off:]
		if recIno(rec) != 0 {
			it.Curr = rec[:recLen(rec)]
			it.CurrOff = st.block*bs + uint64(st.off)
			return engine.EOK
		}
		st.off += recLen(rec)
	}
}

func (e *Engine) DirIteratorNext(it *engine.DirIter) int {
	st, ok := it.Private.(*iterState)
	if !ok {
		return engine.EINVAL
	}
	if it.Curr == nil {
		return engine.EOK
	}
	st.off += recLen(it.Curr)
	return e.settle(it)
}

func (e *Engine) DirIteratorFini(it *engine.DirIter) int {
	st, ok := it.Private.(*iterState)
	rc := engine.EOK
	if ok && st.item != nil {
		rc = cacheOf(it.InodeRef.FS.Bdev).put(it.InodeRef.FS.Bdev, st.item, false)
	}
	*it = engine.DirIter{}
	return rc
}
