package ext4

import (
	"fmt"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// blockRun accumulates consecutive physical blocks for one bulk transfer.
type blockRun struct {
	start uint64
	count uint32
}

// extends reports whether fblock continues the run.
func (b *blockRun) extends(fblock uint64) bool {
	return b.count > 0 && fblock == b.start+uint64(b.count)
}

func (r *InodeRef) getFblock(iblock uint32) (uint64, error) {
	fblock, rc := r.fs.eng.FSGetInodeDblkIdx(&r.raw, iblock, true)
	return fblock, check(rc, "ext4_fs_get_inode_dblk_idx")
}

func (r *InodeRef) initFblock(iblock uint32) (uint64, error) {
	fblock, rc := r.fs.eng.FSInitInodeDblkIdx(&r.raw, iblock)
	return fblock, check(rc, "ext4_fs_init_inode_dblk_idx")
}

func (r *InodeRef) appendFblock() (uint64, uint32, error) {
	fblock, iblock, rc := r.fs.eng.FSAppendInodeDblk(&r.raw)
	return fblock, iblock, check(rc, "ext4_fs_append_inode_dblk")
}

func (r *InodeRef) readBytes(off uint64, buf []byte) error {
	return check(r.fs.eng.BlockReadBytes(&r.fs.dev.bdev, off, buf), "ext4_block_readbytes")
}

func (r *InodeRef) writeBytes(off uint64, buf []byte) error {
	return check(r.fs.eng.BlockWriteBytes(&r.fs.dev.bdev, off, buf), "ext4_block_writebytes")
}

// isInlineSymlink reports whether the content lives in the block-pointer
// area of the inode.
func (r *InodeRef) isInlineSymlink() bool {
	return r.InodeType() == TypeSymlink && r.Size() < engine.InodeBlockBytes
}

// ReadAt reads up to len(buf) bytes at byte offset off.
//
// The request is clamped to the file size; reading at or beyond the end
// returns 0 without error. Holes read as zeros. Full interior blocks that
// are physically contiguous are read with one bulk call per run.
//
// Returns:
//   - int: Bytes read, equal to the clamped request length
//   - error: *Error from the engine
func (r *InodeRef) ReadAt(buf []byte, off uint64) (int, error) {
	size := r.Size()
	if off >= size || len(buf) == 0 {
		return 0, nil
	}
	n := int(min(uint64(len(buf)), size-off))
	buf = buf[:n]

	if r.isInlineSymlink() {
		return copy(buf, r.inode().Blocks[off:size]), nil
	}

	bs := uint64(r.blockSize())
	bdev := &r.fs.dev.bdev

	// ========================================================================
	// Step 1: Partial head block
	// ========================================================================

	blockStart := uint32(off / bs)
	blockEnd := uint32((off + uint64(n)) / bs)
	if in := off % bs; in > 0 {
		chunk := buf[:min(uint64(len(buf)), bs-in)]
		fblock, err := r.getFblock(blockStart)
		if err != nil {
			return 0, err
		}
		if fblock == 0 {
			clear(chunk)
		} else if err := r.readBytes(fblock*bs+in, chunk); err != nil {
			return 0, err
		}
		buf = buf[len(chunk):]
		blockStart++
	}

	// ========================================================================
	// Step 2: Full interior blocks, coalesced into contiguous runs
	// ========================================================================

	done := r.fs.writeBack()
	var run blockRun
	flush := func() error {
		if run.count == 0 {
			return nil
		}
		sz := uint64(run.count) * bs
		err := check(r.fs.eng.BlocksGetDirect(bdev, buf[:sz], run.start, run.count), "ext4_blocks_get_direct")
		buf = buf[sz:]
		run = blockRun{}
		return err
	}
	for block := blockStart; block < blockEnd; block++ {
		fblock, err := r.getFblock(block)
		if err != nil {
			done()
			return 0, err
		}
		if !run.extends(fblock) {
			if err := flush(); err != nil {
				done()
				return 0, err
			}
		}
		if fblock == 0 {
			clear(buf[:bs])
			buf = buf[bs:]
			continue
		}
		if run.count == 0 {
			run.start = fblock
		}
		run.count++
	}
	err := flush()
	done()
	if err != nil {
		return 0, err
	}

	// ========================================================================
	// Step 3: Partial tail block
	// ========================================================================

	if len(buf) > 0 {
		fblock, err := r.getFblock(blockEnd)
		if err != nil {
			return 0, err
		}
		if fblock == 0 {
			clear(buf)
		} else if err := r.readBytes(fblock*bs, buf); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// WriteAt writes buf at byte offset off, growing the file as needed.
//
// Writing past the end first extends the file with a hole up to off.
// Blocks inside the current block count are mapped (allocating holes);
// blocks past it are appended. Full interior blocks are written with one
// bulk call per contiguous physical run.
//
// The engine must append exactly the next logical block. Anything else is a
// broken allocation policy and panics.
//
// Returns:
//   - int: len(buf); partial writes are reported as errors
//   - error: *Error from the engine
func (r *InodeRef) WriteAt(buf []byte, off uint64) (int, error) {
	if off > r.Size() {
		if err := r.SetLen(off); err != nil {
			return 0, err
		}
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n := len(buf)

	size := r.Size()
	bs := uint64(r.blockSize())
	blockCount := uint32((size + bs - 1) / bs)
	bdev := &r.fs.dev.bdev

	done := r.fs.writeBack()
	defer done()

	getFblock := func(block uint32) (uint64, error) {
		if block < blockCount {
			return r.initFblock(block)
		}
		fblock, appended, err := r.appendFblock()
		if err != nil {
			return 0, err
		}
		if appended != block {
			panic(fmt.Sprintf("ext4: inode %d: engine appended block %d, expected %d", r.Ino(), appended, block))
		}
		return fblock, nil
	}

	// ========================================================================
	// Step 1: Partial head block
	// ========================================================================

	blockStart := uint32(off / bs)
	blockEnd := uint32((off + uint64(n)) / bs)
	if in := off % bs; in > 0 {
		chunk := buf[:min(uint64(len(buf)), bs-in)]
		fblock, err := getFblock(blockStart)
		if err != nil {
			return 0, err
		}
		if err := r.writeBytes(fblock*bs+in, chunk); err != nil {
			return 0, err
		}
		buf = buf[len(chunk):]
		blockStart++
	}

	// ========================================================================
	// Step 2: Full interior blocks, coalesced into contiguous runs
	// ========================================================================

	var run blockRun
	flush := func() error {
		if run.count == 0 {
			return nil
		}
		sz := uint64(run.count) * bs
		err := check(r.fs.eng.BlocksSetDirect(bdev, buf[:sz], run.start, run.count), "ext4_blocks_set_direct")
		buf = buf[sz:]
		run = blockRun{}
		return err
	}
	for block := blockStart; block < blockEnd; block++ {
		fblock, err := getFblock(block)
		if err != nil {
			return 0, err
		}
		if !run.extends(fblock) {
			if err := flush(); err != nil {
				return 0, err
			}
			run.start = fblock
		}
		run.count++
	}
	if err := flush(); err != nil {
		return 0, err
	}

	// ========================================================================
	// Step 3: Partial tail block
	// ========================================================================

	if len(buf) > 0 {
		fblock, err := getFblock(blockEnd)
		if err != nil {
			return 0, err
		}
		if err := r.writeBytes(fblock*bs, buf); err != nil {
			return 0, err
		}
	}

	if final := max(off+uint64(n), size); r.Size() != final {
		engine.InodeSetSize(r.inode(), final)
	}
	r.UpdateMTime()
	r.UpdateCTime()
	r.markDirty()
	return n, nil
}

// truncate shrinks the file to size bytes inside a write-back window.
func (r *InodeRef) truncate(size uint64) error {
	done := r.fs.writeBack()
	defer done()
	return check(r.fs.eng.FSTruncateInode(&r.raw, size), "ext4_fs_truncate_inode")
}

// zeroTail clears the bytes of the last block past the end of the file,
// up to limit. Truncation leaves those bytes on disk.
func (r *InodeRef) zeroTail(limit uint64) error {
	cur := r.Size()
	bs := uint64(r.blockSize())
	in := cur % bs
	if in == 0 || r.isInlineSymlink() {
		return nil
	}
	fblock, err := r.getFblock(uint32(cur / bs))
	if err != nil || fblock == 0 {
		return err
	}
	n := min(bs-in, limit-cur)

	done := r.fs.writeBack()
	defer done()
	return r.writeBytes(fblock*bs+in, make([]byte, n))
}

// SetLen truncates the file to size bytes, or extends it with a hole when
// size is past the end. Extension allocates nothing.
func (r *InodeRef) SetLen(size uint64) error {
	cur := r.Size()
	switch {
	case size < cur:
		if err := r.truncate(size); err != nil {
			return err
		}
	case size > cur:
		if err := r.zeroTail(size); err != nil {
			return err
		}
		engine.InodeSetSize(r.inode(), size)
	default:
		return nil
	}
	r.UpdateMTime()
	r.UpdateCTime()
	r.markDirty()
	return nil
}

// SetSymlink stores target as the symlink content.
//
// Targets shorter than the inode block-pointer area are stored inline;
// longer ones take one data block. Targets longer than a block fail with
// ErrNameTooLong.
func (r *InodeRef) SetSymlink(target []byte) error {
	bs := r.blockSize()
	if len(target) > int(bs) {
		return &Error{Code: engine.ENAMETOOLONG, Context: "symlink too long"}
	}

	// Drop the previous target, inline or in a block.
	if err := r.truncate(0); err != nil {
		return err
	}

	in := r.inode()
	if len(target) < engine.InodeBlockBytes {
		clear(in.Blocks[:])
		copy(in.Blocks[:], target)
		engine.InodeClearFlag(in, engine.InodeFlagExtents)
	} else {
		r.fs.eng.FSInodeBlocksInit(&r.fs.fs, &r.raw)
		fblock, _, err := r.appendFblock()
		if err != nil {
			return err
		}
		if err := r.writeBytes(fblock*uint64(bs), target); err != nil {
			return err
		}
	}
	engine.InodeSetSize(in, uint64(len(target)))
	r.markDirty()
	return nil
}
