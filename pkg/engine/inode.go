package engine

import "encoding/binary"

// SbBlockSize returns the filesystem block size.
func SbBlockSize(sb *Superblock) uint32 {
	return 1024 << sb.LogBlockSize
}

// SbBlocksCount returns the total block count.
func SbBlocksCount(sb *Superblock) uint64 {
	return uint64(sb.BlocksCountHi)<<32 | uint64(sb.BlocksCountLo)
}

// SbSetBlocksCount stores the total block count.
func SbSetBlocksCount(sb *Superblock, n uint64) {
	sb.BlocksCountLo = uint32(n)
	sb.BlocksCountHi = uint32(n >> 32)
}

// SbFreeBlocksCount returns the free block count.
func SbFreeBlocksCount(sb *Superblock) uint64 {
	return uint64(sb.FreeBlocksCountHi)<<32 | uint64(sb.FreeBlocksCountLo)
}

// SbSetFreeBlocksCount stores the free block count.
func SbSetFreeBlocksCount(sb *Superblock, n uint64) {
	sb.FreeBlocksCountLo = uint32(n)
	sb.FreeBlocksCountHi = uint32(n >> 32)
}

// InodeGetMode returns the full mode of inode.
func InodeGetMode(sb *Superblock, inode *Inode) uint32 {
	return uint32(inode.Mode)
}

// InodeSetMode stores mode into inode.
func InodeSetMode(sb *Superblock, inode *Inode, mode uint32) {
	inode.Mode = uint16(mode)
}

// InodeIsType reports whether the inode's file type bits equal typ.
func InodeIsType(sb *Superblock, inode *Inode, typ uint32) bool {
	return InodeGetMode(sb, inode)&InodeModeTypeMask == typ
}

// InodeGetSize returns the 64-bit size.
func InodeGetSize(sb *Superblock, inode *Inode) uint64 {
	return uint64(inode.SizeHi)<<32 | uint64(inode.SizeLo)
}

// InodeSetSize stores the 64-bit size.
func InodeSetSize(inode *Inode, size uint64) {
	inode.SizeLo = uint32(size)
	inode.SizeHi = uint32(size >> 32)
}

// InodeGetBlocksCount returns the allocated size in 512-byte units.
func InodeGetBlocksCount(sb *Superblock, inode *Inode) uint64 {
	return uint64(inode.BlocksHigh)<<32 | uint64(inode.BlocksCountLo)
}

// InodeSetBlocksCount stores the allocated size in 512-byte units.
func InodeSetBlocksCount(inode *Inode, count uint64) {
	inode.BlocksCountLo = uint32(count)
	inode.BlocksHigh = uint16(count >> 32)
}

// InodeHasFlag reports whether flag is set.
func InodeHasFlag(inode *Inode, flag uint32) bool {
	return inode.Flags&flag != 0
}

// InodeSetFlag sets flag.
func InodeSetFlag(inode *Inode, flag uint32) {
	inode.Flags |= flag
}

// InodeClearFlag clears flag.
func InodeClearFlag(inode *Inode, flag uint32) {
	inode.Flags &^= flag
}

// InodeGetDirectBlock returns block pointer idx of the block-pointer area.
func InodeGetDirectBlock(inode *Inode, idx int) uint32 {
	return binary.LittleEndian.Uint32(inode.Blocks[idx*4:])
}

// InodeSetDirectBlock stores block pointer idx of the block-pointer area.
func InodeSetDirectBlock(inode *Inode, idx int, fblock uint32) {
	binary.LittleEndian.PutUint32(inode.Blocks[idx*4:], fblock)
}
