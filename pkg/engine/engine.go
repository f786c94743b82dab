// Package engine declares the function surface of the ext4 engine consumed
// by package ext4.
//
// The engine owns everything that understands the on-disk format: superblock
// parsing, inode tables, block maps, directory records, allocation and the
// block cache. Callers talk to it only through the Engine interface and the
// state structures declared here. Every fallible call returns a status code
// (EOK on success, otherwise an errno-style value).
//
// State ownership follows the engine's contract:
//   - The caller allocates the state structures (FS, BlockDev, BCache,
//     InodeRef, DirIter, DirSearchResult) and passes pointers to them.
//   - The engine keeps those pointers between calls, so a structure must stay
//     alive and must not be copied until its matching fini/put/destroy call.
//   - Engine private bookkeeping lives in the Private fields and must not be
//     touched by callers.
package engine

// Engine is the fixed function surface of an ext4 engine.
type Engine interface {
	// ========================================================================
	// Block device layer
	// ========================================================================

	// BlockInit opens the device through its callback table.
	BlockInit(bdev *BlockDev) int

	// BlockFini closes the device through its callback table.
	BlockFini(bdev *BlockDev) int

	// BlockCacheWriteBack enables (on=true) or disables write-back caching.
	// Calls nest: caching stays enabled until every enable is matched by a
	// disable, and the final disable flushes all dirty cache items.
	BlockCacheWriteBack(bdev *BlockDev, on bool) int

	// BlockSetLbSize sets the logical (filesystem) block size of the device.
	BlockSetLbSize(bdev *BlockDev, lbSize uint32)

	// BlockBindBcache attaches an initialized block cache to the device.
	BlockBindBcache(bdev *BlockDev, bc *BCache) int

	// BlockReadBytes reads len(buf) bytes at byte offset off.
	BlockReadBytes(bdev *BlockDev, off uint64, buf []byte) int

	// BlockWriteBytes writes buf at byte offset off.
	BlockWriteBytes(bdev *BlockDev, off uint64, buf []byte) int

	// BlocksGetDirect reads cnt logical blocks starting at lba into buf.
	BlocksGetDirect(bdev *BlockDev, buf []byte, lba uint64, cnt uint32) int

	// BlocksSetDirect writes cnt logical blocks starting at lba from buf.
	BlocksSetDirect(bdev *BlockDev, buf []byte, lba uint64, cnt uint32) int

	// ========================================================================
	// Block cache
	// ========================================================================

	BcacheInitDynamic(bc *BCache, cnt uint32, itemSize uint32) int
	BcacheCleanup(bc *BCache)
	BcacheFiniDynamic(bc *BCache) int

	// ========================================================================
	// Filesystem and inodes
	// ========================================================================

	// FSInit reads the superblock and prepares fs for use over bdev.
	FSInit(fs *FS, bdev *BlockDev, readOnly bool) int

	// FSFini flushes the superblock and releases fs.
	FSFini(fs *FS) int

	// FSGetInodeRef checks out inode index into ref, incrementing the
	// engine's reference count for that inode.
	FSGetInodeRef(fs *FS, index uint32, ref *InodeRef) int

	// FSPutInodeRef writes ref back if dirty and drops its reference.
	FSPutInodeRef(ref *InodeRef) int

	// FSAllocInode allocates a fresh inode of the given directory-entry type
	// (DE* constants) and checks it out into ref.
	FSAllocInode(fs *FS, ref *InodeRef, filetype int) int

	// FSFreeInode releases the on-disk inode held by ref.
	FSFreeInode(ref *InodeRef) int

	// FSInodeBlocksInit resets the block-mapping area of a fresh inode.
	FSInodeBlocksInit(fs *FS, ref *InodeRef)

	// FSGetInodeDblkIdx maps logical block iblock to a physical block.
	// A zero physical block denotes a hole.
	FSGetInodeDblkIdx(ref *InodeRef, iblock uint32, supportUnwritten bool) (uint64, int)

	// FSInitInodeDblkIdx maps iblock, allocating a physical block for a hole.
	FSInitInodeDblkIdx(ref *InodeRef, iblock uint32) (uint64, int)

	// FSAppendInodeDblk allocates the block following the current inode size
	// and returns it together with its logical index. The inode size grows by
	// one block.
	FSAppendInodeDblk(ref *InodeRef) (fblock uint64, iblock uint32, status int)

	// FSTruncateInode shrinks the inode to newSize, releasing blocks.
	FSTruncateInode(ref *InodeRef, newSize uint64) int

	// FSInodeLinksCountInc and FSInodeLinksCountDec adjust the link count
	// applying the engine's floor and ceiling policy.
	FSInodeLinksCountInc(ref *InodeRef)
	FSInodeLinksCountDec(ref *InodeRef)

	// ========================================================================
	// Directories
	// ========================================================================

	DirIteratorInit(it *DirIter, ref *InodeRef, pos uint64) int
	DirIteratorNext(it *DirIter) int
	DirIteratorFini(it *DirIter) int

	// DirFindEntry searches parent for an exact name. ENOENT when absent.
	DirFindEntry(result *DirSearchResult, parent *InodeRef, name []byte) int

	// DirAddEntry adds a record for child. The child's link count is not
	// modified.
	DirAddEntry(parent *InodeRef, name []byte, child *InodeRef) int

	DirRemoveEntry(parent *InodeRef, name []byte) int

	// DirDestroyResult releases a search result, writing back its directory
	// block when the result was marked dirty.
	DirDestroyResult(parent *InodeRef, result *DirSearchResult) int
}
