package simfs

import (
	"github.com/marmos91/ext4bridge/pkg/engine"
)

const (
	maxLogBlockSize = 6
	stateValid      = 1
)

// fsState is the engine bookkeeping stored in FS.Private.
type fsState struct {
	layout layout
	sbRaw  []byte
	inodes map[uint32]*inodeSlot

	// blockGoal is where the next block search starts.
	blockGoal uint64
}

// inodeSlot is the shared in-memory copy of one checked-out inode.
type inodeSlot struct {
	inode *engine.Inode
	refs  int
}

func stateOf(fs *engine.FS) *fsState {
	if fs == nil {
		return nil
	}
	st, _ := fs.Private.(*fsState)
	return st
}

func (e *Engine) FSInit(fs *engine.FS, bdev *engine.BlockDev, readOnly bool) int {
	raw := make([]byte, superblockSize)
	if rc := e.BlockReadBytes(bdev, engine.SuperblockOffset, raw); rc != engine.EOK {
		return rc
	}

	var sb engine.Superblock
	decodeSuperblock(raw, &sb)
	if sb.Magic != engine.SuperblockMagic {
		return engine.ENOTSUP
	}
	if sb.LogBlockSize > maxLogBlockSize || sb.FeatureIncompat != 0 {
		return engine.ENOTSUP
	}
	if sb.InodeSize < goodOldInodeSize || sb.InodesCount == 0 {
		return engine.EINVAL
	}

	l := computeLayout(&sb)
	if l.firstData >= l.blocksCount || l.blocksCount*uint64(l.blockSize) > bdev.PartSize {
		return engine.EINVAL
	}

	if !readOnly {
		sb.MountCount++
	}

	fs.ReadOnly = readOnly
	fs.Bdev = bdev
	fs.SB = sb
	fs.Private = &fsState{
		layout:    l,
		sbRaw:     raw,
		inodes:    make(map[uint32]*inodeSlot),
		blockGoal: l.firstData,
	}
	return engine.EOK
}

func (e *Engine) FSFini(fs *engine.FS) int {
	st := stateOf(fs)
	if st == nil {
		return engine.EINVAL
	}

	rc := engine.EOK
	if !fs.ReadOnly {
		fs.SB.State = stateValid
		encodeSuperblock(&fs.SB, st.sbRaw)
		rc = e.BlockWriteBytes(fs.Bdev, engine.SuperblockOffset, st.sbRaw)
	}
	if c := cacheOf(fs.Bdev); c != nil {
		if frc := c.flush(fs.Bdev); rc == engine.EOK {
			rc = frc
		}
	}
	fs.Private = nil
	return rc
}

// ============================================================================
// Inode checkout
// ============================================================================

func (e *Engine) FSGetInodeRef(fs *engine.FS, index uint32, ref *engine.InodeRef) int {
	st := stateOf(fs)
	if st == nil {
		return engine.EINVAL
	}
	if index == 0 || index > st.layout.inodesCount {
		return engine.EINVAL
	}

	slot, ok := st.inodes[index]
	if !ok {
		used, rc := e.bitmapTest(fs, st.layout.inodeBitmap, uint64(index-1))
		if rc != engine.EOK {
			return rc
		}
		if !used {
			return engine.ENOENT
		}
		inode := new(engine.Inode)
		if rc := e.loadInode(fs, index, inode); rc != engine.EOK {
			return rc
		}
		slot = &inodeSlot{inode: inode}
		st.inodes[index] = slot
	}
	return e.checkout(fs, index, slot, ref)
}

func (e *Engine) checkout(fs *engine.FS, index uint32, slot *inodeSlot, ref *engine.InodeRef) int {
	slot.refs++
	e.openRefs++
	*ref = engine.InodeRef{
		Index:   index,
		Inode:   slot.inode,
		FS:      fs,
		Private: slot,
	}
	return engine.EOK
}

func (e *Engine) FSPutInodeRef(ref *engine.InodeRef) int {
	slot, ok := ref.Private.(*inodeSlot)
	if !ok || slot.refs <= 0 {
		return engine.EINVAL
	}
	st := stateOf(ref.FS)
	if st == nil {
		return engine.EINVAL
	}

	rc := engine.EOK
	if ref.Dirty && !ref.FS.ReadOnly {
		rc = e.storeInode(ref.FS, ref.Index, slot.inode)
	}

	slot.refs--
	e.openRefs--
	if slot.refs == 0 && st.inodes[ref.Index] == slot {
		delete(st.inodes, ref.Index)
	}
	*ref = engine.InodeRef{}
	return rc
}

func (e *Engine) loadInode(fs *engine.FS, index uint32, inode *engine.Inode) int {
	st := stateOf(fs)
	lba, off := st.layout.inodeLocation(index)
	c := cacheOf(fs.Bdev)
	it, rc := c.get(fs.Bdev, lba, false)
	if rc != engine.EOK {
		return rc
	}
	decodeInode(it.data[off:off+st.layout.inodeSize], st.layout.inodeSize, inode)
	return c.put(fs.Bdev, it, false)
}

func (e *Engine) storeInode(fs *engine.FS, index uint32, inode *engine.Inode) int {
	st := stateOf(fs)
	lba, off := st.layout.inodeLocation(index)
	c := cacheOf(fs.Bdev)
	it, rc := c.get(fs.Bdev, lba, false)
	if rc != engine.EOK {
		return rc
	}
	encodeInode(inode, st.layout.inodeSize, it.data[off:off+st.layout.inodeSize])
	return c.put(fs.Bdev, it, true)
}

// ============================================================================
// Inode allocation
// ============================================================================

var modeForType = map[int]uint32{
	engine.DEUnknown: engine.InodeModeFile,
	engine.DERegFile: engine.InodeModeFile,
	engine.DEDir:     engine.InodeModeDirectory,
	engine.DEChrDev:  engine.InodeModeChardev,
	engine.DEBlkDev:  engine.InodeModeBlockdev,
	engine.DEFifo:    engine.InodeModeFifo,
	engine.DESock:    engine.InodeModeSocket,
	engine.DESymlink: engine.InodeModeSoftlink,
}

func (e *Engine) FSAllocInode(fs *engine.FS, ref *engine.InodeRef, filetype int) int {
	st := stateOf(fs)
	if st == nil {
		return engine.EINVAL
	}
	if fs.ReadOnly {
		return engine.EROFS
	}
	typeBits, ok := modeForType[filetype]
	if !ok {
		return engine.EINVAL
	}
	if fs.SB.FreeInodesCount == 0 {
		return engine.ENOSPC
	}

	first := uint64(fs.SB.FirstIno - 1)
	bit, rc := e.bitmapAlloc(fs, st.layout.inodeBitmap, uint64(st.layout.inodesCount), first)
	if rc != engine.EOK {
		return rc
	}
	index := uint32(bit + 1)
	fs.SB.FreeInodesCount--

	perm := uint32(0o666)
	if typeBits == engine.InodeModeDirectory {
		perm = 0o777
	}
	inode := &engine.Inode{
		Mode:       uint16(typeBits | perm),
		Generation: index,
	}
	if st.layout.inodeSize > goodOldInodeSize {
		inode.ExtraISize = extraISize
	}

	slot := &inodeSlot{inode: inode}
	st.inodes[index] = slot
	if rc := e.checkout(fs, index, slot, ref); rc != engine.EOK {
		return rc
	}
	ref.Dirty = true
	return engine.EOK
}

func (e *Engine) FSFreeInode(ref *engine.InodeRef) int {
	fs := ref.FS
	st := stateOf(fs)
	if st == nil {
		return engine.EINVAL
	}
	if fs.ReadOnly {
		return engine.EROFS
	}
	if rc := e.FSTruncateInode(ref, 0); rc != engine.EOK {
		return rc
	}
	if rc := e.bitmapFree(fs, st.layout.inodeBitmap, uint64(ref.Index-1)); rc != engine.EOK {
		return rc
	}
	fs.SB.FreeInodesCount++
	ref.Inode.DeletionTime = fs.SB.WriteTime
	ref.Dirty = true
	return engine.EOK
}

func (e *Engine) FSInodeBlocksInit(fs *engine.FS, ref *engine.InodeRef) {
	clear(ref.Inode.Blocks[:])
	engine.InodeClearFlag(ref.Inode, engine.InodeFlagExtents)
	ref.Dirty = true
}

// ============================================================================
// Link counts
// ============================================================================

func (e *Engine) FSInodeLinksCountInc(ref *engine.InodeRef) {
	inode := ref.Inode
	links := inode.LinksCount
	if engine.InodeIsType(&ref.FS.SB, inode, engine.InodeModeDirectory) && links >= engine.LinkMax {
		links = 1
	} else if links < engine.LinkMax {
		links++
	}
	inode.LinksCount = links
	ref.Dirty = true
}

func (e *Engine) FSInodeLinksCountDec(ref *engine.InodeRef) {
	inode := ref.Inode
	if engine.InodeIsType(&ref.FS.SB, inode, engine.InodeModeDirectory) {
		if inode.LinksCount > 2 {
			inode.LinksCount--
		}
	} else if inode.LinksCount > 0 {
		inode.LinksCount--
	}
	ref.Dirty = true
}
