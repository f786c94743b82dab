package ext4

import (
	"fmt"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// RootIno is the inode number of the root directory.
const RootIno uint32 = engine.RootIno

// InodeType is the file type of an inode. Its value equals the file-type
// nibble of the inode mode (mode >> 12).
type InodeType uint8

const (
	TypeUnknown     InodeType = 0
	TypeFifo        InodeType = 1
	TypeCharDevice  InodeType = 2
	TypeDirectory   InodeType = 4
	TypeBlockDevice InodeType = 6
	TypeRegularFile InodeType = 8
	TypeSymlink     InodeType = 10
	TypeSocket      InodeType = 12
)

// inodeTypeFromMode extracts the file type from an inode mode.
func inodeTypeFromMode(mode uint32) InodeType {
	switch t := InodeType((mode & engine.InodeModeTypeMask) >> 12); t {
	case TypeFifo, TypeCharDevice, TypeDirectory, TypeBlockDevice,
		TypeRegularFile, TypeSymlink, TypeSocket:
		return t
	}
	return TypeUnknown
}

// inodeTypeFromDirent converts a directory record type byte.
func inodeTypeFromDirent(de uint8) InodeType {
	switch de {
	case engine.DEDir:
		return TypeDirectory
	case engine.DERegFile:
		return TypeRegularFile
	case engine.DESymlink:
		return TypeSymlink
	case engine.DEChrDev:
		return TypeCharDevice
	case engine.DEBlkDev:
		return TypeBlockDevice
	case engine.DEFifo:
		return TypeFifo
	case engine.DESock:
		return TypeSocket
	}
	return TypeUnknown
}

// direntType converts t to the directory record type byte.
func (t InodeType) direntType() int {
	switch t {
	case TypeFifo:
		return engine.DEFifo
	case TypeCharDevice:
		return engine.DEChrDev
	case TypeDirectory:
		return engine.DEDir
	case TypeBlockDevice:
		return engine.DEBlkDev
	case TypeRegularFile:
		return engine.DERegFile
	case TypeSymlink:
		return engine.DESymlink
	case TypeSocket:
		return engine.DESock
	}
	return engine.DEUnknown
}

func (t InodeType) String() string {
	switch t {
	case TypeFifo:
		return "fifo"
	case TypeCharDevice:
		return "char"
	case TypeDirectory:
		return "dir"
	case TypeBlockDevice:
		return "block"
	case TypeRegularFile:
		return "file"
	case TypeSymlink:
		return "symlink"
	case TypeSocket:
		return "socket"
	}
	return "unknown"
}

// InodeRef is a checked-out inode.
//
// Every InodeRef holds exactly one engine reference on its inode. Release is
// the only way to drop it; copying an InodeRef value is not a second
// checkout (use Filesystem operations, which check out their own).
type InodeRef struct {
	fs       *Filesystem
	raw      engine.InodeRef
	released bool
}

// Release writes the inode back if dirty and drops the engine reference.
// Release is idempotent.
//
// A failing release means the engine reference counts no longer match the
// live references, which cannot be repaired, so Release panics.
func (r *InodeRef) Release() {
	if r.released {
		return
	}
	r.released = true
	if rc := r.fs.eng.FSPutInodeRef(&r.raw); rc != engine.EOK {
		panic(fmt.Sprintf("ext4: ext4_fs_put_inode_ref failed: %v", check(rc, "ext4_fs_put_inode_ref")))
	}
}

// Ino returns the inode number.
func (r *InodeRef) Ino() uint32 {
	return r.raw.Index
}

func (r *InodeRef) sb() *engine.Superblock {
	return &r.fs.fs.SB
}

func (r *InodeRef) inode() *engine.Inode {
	return r.raw.Inode
}

func (r *InodeRef) blockSize() uint32 {
	return engine.SbBlockSize(r.sb())
}

func (r *InodeRef) markDirty() {
	r.raw.Dirty = true
}

// ============================================================================
// Link counts
// ============================================================================

func (r *InodeRef) incNlink() {
	r.fs.eng.FSInodeLinksCountInc(&r.raw)
	r.markDirty()
}

func (r *InodeRef) decNlink() {
	r.fs.eng.FSInodeLinksCountDec(&r.raw)
	r.markDirty()
}

func (r *InodeRef) setNlink(n uint16) {
	r.inode().LinksCount = n
	r.markDirty()
}
