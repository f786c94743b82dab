package simfs

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// sectorSize is the unit of Device block ids.
const sectorSize = 512

// ErrDeviceTooSmall is returned by Format when the device cannot hold the
// metadata and the root directory.
var ErrDeviceTooSmall = errors.New("device too small")

// Device is the write side of a block device, addressed in 512-byte blocks.
type Device interface {
	WriteBlocks(blockID uint64, buf []byte) (int, error)
	NumBlocks() (uint64, error)
}

// FormatOptions controls the filesystem created by Format. Zero values pick
// defaults.
type FormatOptions struct {
	// BlockSize is the filesystem block size (1024 to 65536, power of two).
	// Default: 1024.
	BlockSize uint32

	// InodesCount is the number of inodes. Default: one per four blocks.
	InodesCount uint32

	// Legacy selects revision 0 with 128-byte inodes. Together with a
	// MinorRevLevel below 5 directory records carry a 16-bit name length
	// instead of a type byte.
	Legacy        bool
	MinorRevLevel uint16

	// InodeSize is the inode record size of revision 1 filesystems.
	// Default: 256.
	InodeSize uint16

	VolumeName string
	UUID       [16]byte

	// Time is stamped on the root directory and the superblock.
	Time uint32
}

func (o *FormatOptions) applyDefaults(blocksHint uint64) {
	if o.BlockSize == 0 {
		o.BlockSize = 1024
	}
	if o.InodeSize == 0 {
		o.InodeSize = 256
	}
	if o.Legacy {
		o.InodeSize = goodOldInodeSize
	}
	if o.InodesCount == 0 {
		n := blocksHint / 4
		if n < 32 {
			n = 32
		}
		if n > 1<<20 {
			n = 1 << 20
		}
		o.InodesCount = uint32(n)
	}
}

// Format writes an empty filesystem with a root directory to dev.
func Format(dev Device, opts FormatOptions) error {
	sectors, err := dev.NumBlocks()
	if err != nil {
		return fmt.Errorf("failed to query device size: %w", err)
	}

	bs := opts.BlockSize
	if bs == 0 {
		bs = 1024
	}
	if bs < 1024 || bs > 65536 || bs&(bs-1) != 0 {
		return fmt.Errorf("invalid block size %d", bs)
	}
	blocks := sectors * sectorSize / uint64(bs)
	if blocks > uint64(^uint32(0)) {
		blocks = uint64(^uint32(0))
	}
	opts.applyDefaults(blocks)
	if opts.InodeSize < goodOldInodeSize || opts.InodeSize&(opts.InodeSize-1) != 0 || uint32(opts.InodeSize) > bs {
		return fmt.Errorf("invalid inode size %d", opts.InodeSize)
	}
	if opts.InodesCount <= goodOldFirstIno {
		return fmt.Errorf("inode count %d leaves no usable inodes", opts.InodesCount)
	}

	// ========================================================================
	// Step 1: Superblock and layout
	// ========================================================================

	sb := engine.Superblock{
		InodesCount:    opts.InodesCount,
		LogBlockSize:   uint32(bits.TrailingZeros32(bs) - 10),
		BlocksPerGroup: uint32(blocks),
		InodesPerGroup: opts.InodesCount,
		WriteTime:      opts.Time,
		Magic:          engine.SuperblockMagic,
		State:          stateValid,
		MinorRevLevel:  opts.MinorRevLevel,
		RevLevel:       1,
		FirstIno:       goodOldFirstIno,
		InodeSize:      opts.InodeSize,
		UUID:           opts.UUID,
	}
	if opts.Legacy {
		sb.RevLevel = 0
	}
	if bs == 1024 {
		sb.FirstDataBlock = 1
	}
	copy(sb.VolumeName[:], opts.VolumeName)
	engine.SbSetBlocksCount(&sb, blocks)

	l := computeLayout(&sb)
	rootBlock := l.firstData
	if rootBlock+1 > blocks {
		return fmt.Errorf("%w: %d blocks of %d bytes", ErrDeviceTooSmall, blocks, bs)
	}
	engine.SbSetFreeBlocksCount(&sb, blocks-rootBlock-1)
	sb.FreeInodesCount = opts.InodesCount - (goodOldFirstIno - 1)

	// ========================================================================
	// Step 2: Allocation bitmaps
	// ========================================================================

	blockBitmap := make([]byte, l.blockBitmapBlocks*uint64(bs))
	for b := uint64(0); b <= rootBlock; b++ {
		blockBitmap[b/8] |= 1 << (b % 8)
	}
	inodeBitmap := make([]byte, l.inodeBitmapBlocks*uint64(bs))
	for i := uint64(0); i < goodOldFirstIno-1; i++ {
		inodeBitmap[i/8] |= 1 << (i % 8)
	}

	// ========================================================================
	// Step 3: Root directory
	// ========================================================================

	root := engine.Inode{
		Mode:             engine.InodeModeDirectory | 0o755,
		LinksCount:       2,
		AccessTime:       opts.Time,
		ChangeInodeTime:  opts.Time,
		ModificationTime: opts.Time,
	}
	if opts.InodeSize > goodOldInodeSize {
		root.ExtraISize = extraISize
	}
	engine.InodeSetSize(&root, uint64(bs))
	engine.InodeSetBlocksCount(&root, uint64(bs/sectorSize))
	engine.InodeSetDirectBlock(&root, 0, uint32(rootBlock))

	rootDir := make([]byte, bs)
	dot := recSize(1)
	writeRecord(&sb, rootDir, engine.RootIno, dot, []byte("."), engine.DEDir)
	writeRecord(&sb, rootDir[dot:], engine.RootIno, bs-dot, []byte(".."), engine.DEDir)

	// ========================================================================
	// Step 4: Write everything out
	// ========================================================================

	head := make([]byte, (uint64(engine.SuperblockOffset)/uint64(bs)+1)*uint64(bs))
	encodeSuperblock(&sb, head[engine.SuperblockOffset:engine.SuperblockOffset+superblockSize])
	if err := writeAt(dev, 0, head); err != nil {
		return fmt.Errorf("failed to write superblock: %w", err)
	}
	if err := writeAt(dev, l.blockBitmap*uint64(bs), blockBitmap); err != nil {
		return fmt.Errorf("failed to write block bitmap: %w", err)
	}
	if err := writeAt(dev, l.inodeBitmap*uint64(bs), inodeBitmap); err != nil {
		return fmt.Errorf("failed to write inode bitmap: %w", err)
	}
	if err := writeInodeTable(dev, &l, &root); err != nil {
		return fmt.Errorf("failed to write inode table: %w", err)
	}
	if err := writeAt(dev, rootBlock*uint64(bs), rootDir); err != nil {
		return fmt.Errorf("failed to write root directory: %w", err)
	}
	return nil
}

// writeInodeTable zeroes the inode table, placing root at its slot.
func writeInodeTable(dev Device, l *layout, root *engine.Inode) error {
	const chunkBlocks = 64
	bs := uint64(l.blockSize)
	rootLBA, rootOff := l.inodeLocation(engine.RootIno)

	for lba := l.inodeTable; lba < l.firstData; lba += chunkBlocks {
		n := min(uint64(chunkBlocks), l.firstData-lba)
		buf := make([]byte, n*bs)
		if rootLBA >= lba && rootLBA < lba+n {
			off := (rootLBA-lba)*bs + uint64(rootOff)
			encodeInode(root, l.inodeSize, buf[off:off+uint64(l.inodeSize)])
		}
		if err := writeAt(dev, lba*bs, buf); err != nil {
			return err
		}
	}
	return nil
}

func writeAt(dev Device, off uint64, buf []byte) error {
	n, err := dev.WriteBlocks(off/sectorSize, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write at byte %d: %d of %d bytes", off, n, len(buf))
	}
	return nil
}
