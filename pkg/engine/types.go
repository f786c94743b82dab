package engine

// Directory entry file types (the type byte of an ext4 directory record).
const (
	DEUnknown = 0
	DERegFile = 1
	DEDir     = 2
	DEChrDev  = 3
	DEBlkDev  = 4
	DEFifo    = 5
	DESock    = 6
	DESymlink = 7
)

// Inode mode file-type bits.
const (
	InodeModeFifo      = 0x1000
	InodeModeChardev   = 0x2000
	InodeModeDirectory = 0x4000
	InodeModeBlockdev  = 0x6000
	InodeModeFile      = 0x8000
	InodeModeSoftlink  = 0xA000
	InodeModeSocket    = 0xC000
	InodeModeTypeMask  = 0xF000
)

// Inode flags.
const (
	InodeFlagIndex   = 0x00001000
	InodeFlagExtents = 0x00080000
)

const (
	// InodeBlocks is the number of 32-bit block pointers in an inode.
	InodeBlocks = 15

	// InodeBlockBytes is the size of the inode block-pointer area, which also
	// holds fast symlink targets.
	InodeBlockBytes = InodeBlocks * 4

	// DirEntryHeaderSize is the fixed part of a directory record.
	DirEntryHeaderSize = 8

	// SuperblockOffset is the byte offset of the superblock on the device.
	SuperblockOffset = 1024

	// SuperblockMagic identifies an ext2/3/4 superblock.
	SuperblockMagic = 0xEF53

	// RootIno is the inode number of the root directory.
	RootIno = 2

	// LinkMax is the largest link count stored verbatim. Directories whose
	// count would exceed it are pinned at 1.
	LinkMax = 65000

	// BlockDevCacheSize is the default number of block cache items.
	BlockDevCacheSize = 8
)

// Superblock holds the decoded superblock fields the engine exposes.
type Superblock struct {
	InodesCount       uint32
	BlocksCountLo     uint32
	RBlocksCountLo    uint32
	FreeBlocksCountLo uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	BlocksPerGroup    uint32
	InodesPerGroup    uint32
	MountTime         uint32
	WriteTime         uint32
	MountCount        uint16
	Magic             uint16
	State             uint16
	MinorRevLevel     uint16
	RevLevel          uint32
	FirstIno          uint32
	InodeSize         uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureRoCompat   uint32
	UUID              [16]byte
	VolumeName        [16]byte
	BlocksCountHi     uint32
	FreeBlocksCountHi uint32
}

// Inode holds the decoded fields of an on-disk inode.
type Inode struct {
	Mode             uint16
	UID              uint16
	SizeLo           uint32
	AccessTime       uint32
	ChangeInodeTime  uint32
	ModificationTime uint32
	DeletionTime     uint32
	GID              uint16
	LinksCount       uint16
	BlocksCountLo    uint32
	Flags            uint32
	Blocks           [InodeBlockBytes]byte
	Generation       uint32
	SizeHi           uint32
	BlocksHigh       uint16
	UIDHigh          uint16
	GIDHigh          uint16
	ExtraISize       uint16
	CtimeExtra       uint32
	MtimeExtra       uint32
	AtimeExtra       uint32
	CrTime           uint32
	CrtimeExtra      uint32
}

// BCache is a block cache header. Cnt and ItemSize are fixed at init.
type BCache struct {
	Cnt      uint32
	ItemSize uint32
	Private  any
}

// BlockDevIface is the callback table through which the engine reaches the
// physical device. PhBbuf is a scratch buffer of PhBsize bytes and PUser an
// opaque value for the callbacks. Lock and Unlock are optional.
type BlockDevIface struct {
	Open   func(bdev *BlockDev) int
	Bread  func(bdev *BlockDev, buf []byte, blkID uint64, blkCnt uint32) int
	Bwrite func(bdev *BlockDev, buf []byte, blkID uint64, blkCnt uint32) int
	Close  func(bdev *BlockDev) int
	Lock   func(bdev *BlockDev) int
	Unlock func(bdev *BlockDev) int

	PhBsize   uint32
	PhBcnt    uint64
	PhBbuf    []byte
	PhRefctr  uint32
	BreadCtr  uint32
	BwriteCtr uint32

	PUser any
}

// BlockDev is the engine's view of a device.
type BlockDev struct {
	Bdif           *BlockDevIface
	PartOffset     uint64
	PartSize       uint64
	Bc             *BCache
	LgBsize        uint32
	LgBcnt         uint64
	CacheWriteBack uint32
	FS             *FS
	Private        any
}

// FS is a mounted filesystem.
type FS struct {
	ReadOnly bool
	Bdev     *BlockDev
	SB       Superblock
	Private  any
}

// InodeRef is a checked-out inode. Inode points at the engine's in-memory
// copy, shared by every concurrent checkout of the same index.
type InodeRef struct {
	Index   uint32
	Inode   *Inode
	FS      *FS
	Dirty   bool
	Private any
}

// DirIter is a directory cursor. Curr is the raw record at the cursor or
// nil once the iterator is exhausted. CurrOff is the byte offset of Curr in
// the directory stream.
type DirIter struct {
	InodeRef *InodeRef
	Curr     []byte
	CurrOff  uint64
	Private  any
}

// DirSearchResult is the result of DirFindEntry. Dentry aliases the cached
// directory block; writes to it persist when Dirty is set before
// DirDestroyResult.
type DirSearchResult struct {
	Dentry  []byte
	Dirty   bool
	Private any
}
