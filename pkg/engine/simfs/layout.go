package simfs

import (
	"encoding/binary"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// Superblock field offsets within the 1024-byte superblock area.
const (
	sbInodesCount       = 0x00
	sbBlocksCountLo     = 0x04
	sbRBlocksCountLo    = 0x08
	sbFreeBlocksCountLo = 0x0C
	sbFreeInodesCount   = 0x10
	sbFirstDataBlock    = 0x14
	sbLogBlockSize      = 0x18
	sbBlocksPerGroup    = 0x20
	sbInodesPerGroup    = 0x28
	sbMountTime         = 0x2C
	sbWriteTime         = 0x30
	sbMountCount        = 0x34
	sbMagic             = 0x38
	sbState             = 0x3A
	sbMinorRevLevel     = 0x3E
	sbRevLevel          = 0x4C
	sbFirstIno          = 0x54
	sbInodeSize         = 0x58
	sbFeatureCompat     = 0x5C
	sbFeatureIncompat   = 0x60
	sbFeatureRoCompat   = 0x64
	sbUUID              = 0x68
	sbVolumeName        = 0x78
	sbBlocksCountHi     = 0x150
	sbFreeBlocksCountHi = 0x158

	superblockSize = 1024
)

// Inode field offsets.
const (
	inMode        = 0x00
	inUID         = 0x02
	inSizeLo      = 0x04
	inAtime       = 0x08
	inCtime       = 0x0C
	inMtime       = 0x10
	inDtime       = 0x14
	inGID         = 0x18
	inLinksCount  = 0x1A
	inBlocksLo    = 0x1C
	inFlags       = 0x20
	inBlock       = 0x28
	inGeneration  = 0x64
	inSizeHi      = 0x6C
	inBlocksHigh  = 0x74
	inUIDHigh     = 0x78
	inGIDHigh     = 0x7A
	inExtraISize  = 0x80
	inCtimeExtra  = 0x84
	inMtimeExtra  = 0x88
	inAtimeExtra  = 0x8C
	inCrtime      = 0x90
	inCrtimeExtra = 0x94

	goodOldInodeSize = 128
	goodOldFirstIno  = 11
	extraISize       = 0x98 - goodOldInodeSize
)

var le = binary.LittleEndian

func decodeSuperblock(b []byte, sb *engine.Superblock) {
	sb.InodesCount = le.Uint32(b[sbInodesCount:])
	sb.BlocksCountLo = le.Uint32(b[sbBlocksCountLo:])
	sb.RBlocksCountLo = le.Uint32(b[sbRBlocksCountLo:])
	sb.FreeBlocksCountLo = le.Uint32(b[sbFreeBlocksCountLo:])
	sb.FreeInodesCount = le.Uint32(b[sbFreeInodesCount:])
	sb.FirstDataBlock = le.Uint32(b[sbFirstDataBlock:])
	sb.LogBlockSize = le.Uint32(b[sbLogBlockSize:])
	sb.BlocksPerGroup = le.Uint32(b[sbBlocksPerGroup:])
	sb.InodesPerGroup = le.Uint32(b[sbInodesPerGroup:])
	sb.MountTime = le.Uint32(b[sbMountTime:])
	sb.WriteTime = le.Uint32(b[sbWriteTime:])
	sb.MountCount = le.Uint16(b[sbMountCount:])
	sb.Magic = le.Uint16(b[sbMagic:])
	sb.State = le.Uint16(b[sbState:])
	sb.MinorRevLevel = le.Uint16(b[sbMinorRevLevel:])
	sb.RevLevel = le.Uint32(b[sbRevLevel:])
	sb.FirstIno = le.Uint32(b[sbFirstIno:])
	sb.InodeSize = le.Uint16(b[sbInodeSize:])
	sb.FeatureCompat = le.Uint32(b[sbFeatureCompat:])
	sb.FeatureIncompat = le.Uint32(b[sbFeatureIncompat:])
	sb.FeatureRoCompat = le.Uint32(b[sbFeatureRoCompat:])
	copy(sb.UUID[:], b[sbUUID:])
	copy(sb.VolumeName[:], b[sbVolumeName:])
	sb.BlocksCountHi = le.Uint32(b[sbBlocksCountHi:])
	sb.FreeBlocksCountHi = le.Uint32(b[sbFreeBlocksCountHi:])

	// Revision 0 superblocks leave these fields undefined.
	if sb.RevLevel == 0 {
		sb.FirstIno = goodOldFirstIno
		sb.InodeSize = goodOldInodeSize
	}
}

func encodeSuperblock(sb *engine.Superblock, b []byte) {
	le.PutUint32(b[sbInodesCount:], sb.InodesCount)
	le.PutUint32(b[sbBlocksCountLo:], sb.BlocksCountLo)
	le.PutUint32(b[sbRBlocksCountLo:], sb.RBlocksCountLo)
	le.PutUint32(b[sbFreeBlocksCountLo:], sb.FreeBlocksCountLo)
	le.PutUint32(b[sbFreeInodesCount:], sb.FreeInodesCount)
	le.PutUint32(b[sbFirstDataBlock:], sb.FirstDataBlock)
	le.PutUint32(b[sbLogBlockSize:], sb.LogBlockSize)
	le.PutUint32(b[sbBlocksPerGroup:], sb.BlocksPerGroup)
	le.PutUint32(b[sbInodesPerGroup:], sb.InodesPerGroup)
	le.PutUint32(b[sbMountTime:], sb.MountTime)
	le.PutUint32(b[sbWriteTime:], sb.WriteTime)
	le.PutUint16(b[sbMountCount:], sb.MountCount)
	le.PutUint16(b[sbMagic:], sb.Magic)
	le.PutUint16(b[sbState:], sb.State)
	le.PutUint16(b[sbMinorRevLevel:], sb.MinorRevLevel)
	le.PutUint32(b[sbRevLevel:], sb.RevLevel)
	if sb.RevLevel > 0 {
		le.PutUint32(b[sbFirstIno:], sb.FirstIno)
		le.PutUint16(b[sbInodeSize:], sb.InodeSize)
	}
	le.PutUint32(b[sbFeatureCompat:], sb.FeatureCompat)
	le.PutUint32(b[sbFeatureIncompat:], sb.FeatureIncompat)
	le.PutUint32(b[sbFeatureRoCompat:], sb.FeatureRoCompat)
	copy(b[sbUUID:sbUUID+16], sb.UUID[:])
	copy(b[sbVolumeName:sbVolumeName+16], sb.VolumeName[:])
	le.PutUint32(b[sbBlocksCountHi:], sb.BlocksCountHi)
	le.PutUint32(b[sbFreeBlocksCountHi:], sb.FreeBlocksCountHi)
}

// decodeInode reads an inode record of inodeSize bytes.
func decodeInode(b []byte, inodeSize uint32, in *engine.Inode) {
	in.Mode = le.Uint16(b[inMode:])
	in.UID = le.Uint16(b[inUID:])
	in.SizeLo = le.Uint32(b[inSizeLo:])
	in.AccessTime = le.Uint32(b[inAtime:])
	in.ChangeInodeTime = le.Uint32(b[inCtime:])
	in.ModificationTime = le.Uint32(b[inMtime:])
	in.DeletionTime = le.Uint32(b[inDtime:])
	in.GID = le.Uint16(b[inGID:])
	in.LinksCount = le.Uint16(b[inLinksCount:])
	in.BlocksCountLo = le.Uint32(b[inBlocksLo:])
	in.Flags = le.Uint32(b[inFlags:])
	copy(in.Blocks[:], b[inBlock:inBlock+engine.InodeBlockBytes])
	in.Generation = le.Uint32(b[inGeneration:])
	in.SizeHi = le.Uint32(b[inSizeHi:])
	in.BlocksHigh = le.Uint16(b[inBlocksHigh:])
	in.UIDHigh = le.Uint16(b[inUIDHigh:])
	in.GIDHigh = le.Uint16(b[inGIDHigh:])

	if inodeSize <= goodOldInodeSize {
		return
	}
	in.ExtraISize = le.Uint16(b[inExtraISize:])
	in.CtimeExtra = le.Uint32(b[inCtimeExtra:])
	in.MtimeExtra = le.Uint32(b[inMtimeExtra:])
	in.AtimeExtra = le.Uint32(b[inAtimeExtra:])
	in.CrTime = le.Uint32(b[inCrtime:])
	in.CrtimeExtra = le.Uint32(b[inCrtimeExtra:])
}

// encodeInode writes an inode record of inodeSize bytes.
func encodeInode(in *engine.Inode, inodeSize uint32, b []byte) {
	le.PutUint16(b[inMode:], in.Mode)
	le.PutUint16(b[inUID:], in.UID)
	le.PutUint32(b[inSizeLo:], in.SizeLo)
	le.PutUint32(b[inAtime:], in.AccessTime)
	le.PutUint32(b[inCtime:], in.ChangeInodeTime)
	le.PutUint32(b[inMtime:], in.ModificationTime)
	le.PutUint32(b[inDtime:], in.DeletionTime)
	le.PutUint16(b[inGID:], in.GID)
	le.PutUint16(b[inLinksCount:], in.LinksCount)
	le.PutUint32(b[inBlocksLo:], in.BlocksCountLo)
	le.PutUint32(b[inFlags:], in.Flags)
	copy(b[inBlock:inBlock+engine.InodeBlockBytes], in.Blocks[:])
	le.PutUint32(b[inGeneration:], in.Generation)
	le.PutUint32(b[inSizeHi:], in.SizeHi)
	le.PutUint16(b[inBlocksHigh:], in.BlocksHigh)
	le.PutUint16(b[inUIDHigh:], in.UIDHigh)
	le.PutUint16(b[inGIDHigh:], in.GIDHigh)

	if inodeSize <= goodOldInodeSize {
		return
	}
	le.PutUint16(b[inExtraISize:], in.ExtraISize)
	le.PutUint32(b[inCtimeExtra:], in.CtimeExtra)
	le.PutUint32(b[inMtimeExtra:], in.MtimeExtra)
	le.PutUint32(b[inAtimeExtra:], in.AtimeExtra)
	le.PutUint32(b[inCrtime:], in.CrTime)
	le.PutUint32(b[inCrtimeExtra:], in.CrtimeExtra)
}

// layout is the position of every metadata region. simfs uses a single
// block group: superblock, block bitmap, inode bitmap, inode table, data.
type layout struct {
	blockSize   uint32
	blocksCount uint64
	inodesCount uint32
	inodeSize   uint32

	blockBitmap       uint64
	blockBitmapBlocks uint64
	inodeBitmap       uint64
	inodeBitmapBlocks uint64
	inodeTable        uint64
	inodeTableBlocks  uint64

	// firstData is the first block available to the allocator.
	firstData uint64
}

func divCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func computeLayout(sb *engine.Superblock) layout {
	bs := uint64(engine.SbBlockSize(sb))
	l := layout{
		blockSize:   uint32(bs),
		blocksCount: engine.SbBlocksCount(sb),
		inodesCount: sb.InodesCount,
		inodeSize:   uint32(sb.InodeSize),
	}

	sbBlock := uint64(engine.SuperblockOffset) / bs
	l.blockBitmap = sbBlock + 1
	l.blockBitmapBlocks = divCeil(l.blocksCount, bs*8)
	l.inodeBitmap = l.blockBitmap + l.blockBitmapBlocks
	l.inodeBitmapBlocks = divCeil(uint64(l.inodesCount), bs*8)
	l.inodeTable = l.inodeBitmap + l.inodeBitmapBlocks
	l.inodeTableBlocks = divCeil(uint64(l.inodesCount)*uint64(l.inodeSize), bs)
	l.firstData = l.inodeTable + l.inodeTableBlocks
	return l
}

// inodeLocation returns the table block and byte offset of inode ino.
func (l *layout) inodeLocation(ino uint32) (uint64, uint32) {
	off := uint64(ino-1) * uint64(l.inodeSize)
	return l.inodeTable + off/uint64(l.blockSize), uint32(off % uint64(l.blockSize))
}

// oldDirents reports whether directory records carry a 16-bit name length
// instead of a type byte.
func oldDirents(sb *engine.Superblock) bool {
	return sb.RevLevel == 0 && sb.MinorRevLevel < 5
}
