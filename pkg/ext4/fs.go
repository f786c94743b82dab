// Package ext4 bridges a block device to an ext4 engine and exposes
// inode-oriented filesystem operations on top of it.
//
// A Filesystem owns the mounted engine state and the block device adapter.
// Inode references are checked out per operation and must be released;
// directory readers and lookup results must be closed before the reference
// they borrow. A Filesystem is not safe for concurrent use.
package ext4

import (
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/engine"
)

// StatFs is a snapshot of filesystem-wide counters.
type StatFs struct {
	InodesCount     uint32
	FreeInodesCount uint32
	BlocksCount     uint64
	FreeBlocksCount uint64
	BlockSize       uint32
}

// Clock reports the current time as a duration since the Unix epoch. The
// boolean is false when no time source is available.
type Clock func() (time.Duration, bool)

// WallClock reads time.Now.
func WallClock() (time.Duration, bool) {
	return time.Duration(time.Now().UnixNano()), true
}

// Option configures a Filesystem.
type Option func(*Filesystem)

// WithClock sets the time source used by the Update*Time methods. A nil
// clock disables automatic timestamps.
func WithClock(clock Clock) Option {
	return func(f *Filesystem) {
		f.clock = clock
	}
}

// WithCacheSize sets the number of engine block cache items.
func WithCacheSize(n uint32) Option {
	return func(f *Filesystem) {
		if n > 0 {
			f.cacheSize = n
		}
	}
}

// WithReadOnly mounts the filesystem read-only.
func WithReadOnly() Option {
	return func(f *Filesystem) {
		f.readOnly = true
	}
}

// Filesystem is a mounted ext4 filesystem.
//
// The engine filesystem state points into the block device adapter, so the
// adapter is finalized last on Close.
type Filesystem struct {
	eng engine.Engine
	dev *blockDevAdapter
	fs  engine.FS

	clock     Clock
	cacheSize uint32
	readOnly  bool
	closed    bool
}

// New mounts the filesystem stored on dev using eng.
//
// The mount sequence initializes the engine filesystem state, sizes the
// block cache to the filesystem block size and binds it to the device.
// Whatever was initialized before a failure is finalized again before New
// returns.
//
// Parameters:
//   - eng: Engine implementation
//   - dev: Device holding the filesystem image
//   - opts: Clock, cache size and read-only options
//
// Returns:
//   - *Filesystem: Mounted filesystem, to be released with Close
//   - error: *Error from the engine or ErrNotSupported on a block size and
//     cache item size mismatch
func New(eng engine.Engine, dev BlockDevice, opts ...Option) (*Filesystem, error) {
	f := &Filesystem{
		eng:       eng,
		clock:     WallClock,
		cacheSize: engine.BlockDevCacheSize,
	}
	for _, opt := range opts {
		opt(f)
	}

	// ========================================================================
	// Step 1: Block device adapter
	// ========================================================================

	adapter, err := newBlockDevAdapter(eng, dev)
	if err != nil {
		return nil, err
	}
	f.dev = adapter
	bdev := &adapter.bdev

	// ========================================================================
	// Step 2: Engine filesystem state
	// ========================================================================

	if err := check(eng.FSInit(&f.fs, bdev, f.readOnly), "ext4_fs_init"); err != nil {
		f.unwind(false, false)
		return nil, err
	}

	// ========================================================================
	// Step 3: Block cache sized to the filesystem block size
	// ========================================================================

	bs := engine.SbBlockSize(&f.fs.SB)
	eng.BlockSetLbSize(bdev, bs)
	if err := check(eng.BcacheInitDynamic(&adapter.bc, f.cacheSize, bs), "ext4_bcache_init_dynamic"); err != nil {
		f.unwind(true, false)
		return nil, err
	}
	if adapter.bc.ItemSize != bs {
		f.unwind(true, true)
		return nil, &Error{Code: engine.ENOTSUP, Context: "block size mismatch"}
	}

	bdev.FS = &f.fs
	if err := check(eng.BlockBindBcache(bdev, &adapter.bc), "ext4_block_bind_bcache"); err != nil {
		f.unwind(true, true)
		return nil, err
	}

	logger.Info("ext4: mounted filesystem: block_size=%d blocks=%d inodes=%d read_only=%t",
		bs, engine.SbBlocksCount(&f.fs.SB), f.fs.SB.InodesCount, f.readOnly)
	return f, nil
}

// unwind finalizes a partially mounted filesystem.
func (f *Filesystem) unwind(fsInit, cacheInit bool) {
	if fsInit {
		if rc := f.eng.FSFini(&f.fs); rc != engine.EOK {
			logger.Error("ext4: unwinding mount: %v", check(rc, "ext4_fs_fini"))
		}
	}
	if cacheInit {
		f.eng.BcacheCleanup(&f.dev.bc)
		if rc := f.eng.BcacheFiniDynamic(&f.dev.bc); rc != engine.EOK {
			logger.Error("ext4: unwinding mount: %v", check(rc, "ext4_bcache_fini_dynamic"))
		}
	}
	if err := f.dev.close(); err != nil {
		logger.Error("ext4: unwinding mount: %v", err)
	}
	f.closed = true
}

// Close unmounts the filesystem.
//
// The engine filesystem state is finalized first, then the block cache,
// then the device adapter (which flushes by disabling write-back). Every
// failure is logged and the failures are joined into the returned error.
// All inode references, readers and lookup results must have been released
// before. Close is idempotent.
func (f *Filesystem) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if err := check(f.eng.FSFini(&f.fs), "ext4_fs_fini"); err != nil {
		logger.Error("ext4: %v", err)
		errs = append(errs, err)
	}

	f.eng.BcacheCleanup(&f.dev.bc)
	if err := check(f.eng.BcacheFiniDynamic(&f.dev.bc), "ext4_bcache_fini_dynamic"); err != nil {
		logger.Error("ext4: %v", err)
		errs = append(errs, err)
	}

	if err := f.dev.close(); err != nil {
		logger.Error("ext4: %v", err)
		errs = append(errs, err)
	}

	logger.Info("ext4: unmounted filesystem")
	return errors.Join(errs...)
}

func (f *Filesystem) ensureOpen() error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

// BlockSize returns the filesystem block size.
func (f *Filesystem) BlockSize() uint32 {
	return engine.SbBlockSize(&f.fs.SB)
}

// Stat returns filesystem-wide counters read from the superblock.
func (f *Filesystem) Stat() (StatFs, error) {
	if err := f.ensureOpen(); err != nil {
		return StatFs{}, err
	}
	sb := &f.fs.SB
	return StatFs{
		InodesCount:     sb.InodesCount,
		FreeInodesCount: sb.FreeInodesCount,
		BlocksCount:     engine.SbBlocksCount(sb),
		FreeBlocksCount: engine.SbFreeBlocksCount(sb),
		BlockSize:       engine.SbBlockSize(sb),
	}, nil
}

// Sync writes every dirty cached block to the device.
func (f *Filesystem) Sync() error {
	if err := f.ensureOpen(); err != nil {
		return err
	}
	bdev := &f.dev.bdev
	if err := check(f.eng.BlockCacheWriteBack(bdev, false), "ext4_block_cache_write_back"); err != nil {
		return err
	}
	return check(f.eng.BlockCacheWriteBack(bdev, true), "ext4_block_cache_write_back")
}

// writeBack opens a write-back window on the device. The returned function
// closes it, flushing the cache when no other window is open.
func (f *Filesystem) writeBack() func() {
	bdev := &f.dev.bdev
	if rc := f.eng.BlockCacheWriteBack(bdev, true); rc != engine.EOK {
		logger.Warn("ext4: %v", check(rc, "ext4_block_cache_write_back"))
	}
	return func() {
		if rc := f.eng.BlockCacheWriteBack(bdev, false); rc != engine.EOK {
			logger.Error("ext4: %v", check(rc, "ext4_block_cache_write_back"))
		}
	}
}

// ============================================================================
// Inode checkout
// ============================================================================

// inodeRef checks out inode ino.
func (f *Filesystem) inodeRef(ino uint32) (*InodeRef, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	ref := &InodeRef{fs: f}
	if err := check(f.eng.FSGetInodeRef(&f.fs, ino, &ref.raw), "ext4_fs_get_inode_ref"); err != nil {
		return nil, err
	}
	return ref, nil
}

// cloneRef checks out the inode of ref a second time. The two references
// are released independently.
func (f *Filesystem) cloneRef(ref *InodeRef) *InodeRef {
	clone, err := f.inodeRef(ref.Ino())
	if err != nil {
		panic(fmt.Sprintf("ext4: clone of checked-out inode %d failed: %v", ref.Ino(), err))
	}
	return clone
}

// allocInode allocates an unlinked inode of type typ with empty block maps.
func (f *Filesystem) allocInode(typ InodeType) (*InodeRef, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	ref := &InodeRef{fs: f}
	if err := check(f.eng.FSAllocInode(&f.fs, &ref.raw, typ.direntType()), "ext4_fs_alloc_inode"); err != nil {
		return nil, err
	}
	f.eng.FSInodeBlocksInit(&f.fs, &ref.raw)
	return ref, nil
}

// WithInodeRef checks out inode ino for the duration of fn.
func (f *Filesystem) WithInodeRef(ino uint32, fn func(*InodeRef) error) error {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return err
	}
	defer ref.Release()
	return fn(ref)
}

// ============================================================================
// Inode operations
// ============================================================================

// GetAttr returns a snapshot of the attributes of inode ino.
func (f *Filesystem) GetAttr(ino uint32) (FileAttr, error) {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return FileAttr{}, err
	}
	defer ref.Release()
	return ref.Attr(), nil
}

// ReadAt reads from inode ino at byte offset off. See InodeRef.ReadAt.
func (f *Filesystem) ReadAt(ino uint32, buf []byte, off uint64) (int, error) {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	return ref.ReadAt(buf, off)
}

// WriteAt writes to inode ino at byte offset off. See InodeRef.WriteAt.
func (f *Filesystem) WriteAt(ino uint32, buf []byte, off uint64) (int, error) {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return 0, err
	}
	defer ref.Release()
	return ref.WriteAt(buf, off)
}

// SetLen truncates or hole-extends inode ino to size bytes.
func (f *Filesystem) SetLen(ino uint32, size uint64) error {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return err
	}
	defer ref.Release()
	return ref.SetLen(size)
}

// SetSymlink stores target as the content of symlink inode ino.
func (f *Filesystem) SetSymlink(ino uint32, target []byte) error {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return err
	}
	defer ref.Release()
	return ref.SetSymlink(target)
}

// Lookup searches directory parent for name. The result owns its own
// checkout of parent and must be closed.
func (f *Filesystem) Lookup(parent uint32, name string) (*DirLookupResult, error) {
	ref, err := f.inodeRef(parent)
	if err != nil {
		return nil, err
	}
	res, err := ref.Lookup(name)
	if err != nil {
		ref.Release()
		return nil, err
	}
	res.owned = true
	return res, nil
}

// LookupIno returns the inode number name refers to in directory parent.
func (f *Filesystem) LookupIno(parent uint32, name string) (uint32, error) {
	res, err := f.Lookup(parent, name)
	if err != nil {
		return 0, err
	}
	defer res.Close()
	return res.Entry().Ino(), nil
}

// ReadDir opens a reader over directory ino at byte offset off. The reader
// owns its own checkout of ino and must be closed.
func (f *Filesystem) ReadDir(ino uint32, off uint64) (*DirReader, error) {
	ref, err := f.inodeRef(ino)
	if err != nil {
		return nil, err
	}
	r, err := ref.ReadDir(off)
	if err != nil {
		ref.Release()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// ReadDirAll lists every entry of directory ino, including . and .., in
// on-disk order.
func (f *Filesystem) ReadDirAll(ino uint32) ([]DirEntryInfo, error) {
	r, err := f.ReadDir(ino, 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []DirEntryInfo
	for {
		e, ok := r.Current()
		if !ok {
			return out, nil
		}
		out = append(out, DirEntryInfo{
			Ino:    e.Ino(),
			Name:   e.Name(),
			Type:   e.InodeType(),
			Offset: r.Offset(),
		})
		if err := r.Step(); err != nil {
			return nil, err
		}
	}
}
