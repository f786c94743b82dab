package memory

import (
	"fmt"
	"sync"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
)

// chunkBlocks is the allocation granularity of the sparse store (4 KiB).
const chunkBlocks = 8

// MemoryDevice implements blockdev.Device in memory.
//
// Storage is sparse: chunks are allocated on first write and never-written
// ranges read back as zeros, so a large scratch device costs only what is
// actually written. It's designed for:
//   - Tests that need a fresh disk per case
//   - Short-lived scratch images
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Data is copied in and out,
// so callers keep ownership of their buffers.
type MemoryDevice struct {
	mu     sync.RWMutex
	geo    blockdev.Geometry
	chunks map[uint64][]byte
	closed bool
}

// NewMemoryDevice creates an empty (all zero) device of numBlocks blocks.
func NewMemoryDevice(numBlocks uint64) *MemoryDevice {
	return &MemoryDevice{
		geo:    blockdev.NewGeometry(numBlocks, chunkBlocks),
		chunks: make(map[uint64][]byte),
	}
}

// NewMemoryDeviceFromImage creates a device holding a copy of img.
//
// len(img) must be a multiple of blockdev.BlockSize.
func NewMemoryDeviceFromImage(img []byte) (*MemoryDevice, error) {
	if len(img)%blockdev.BlockSize != 0 {
		return nil, fmt.Errorf("image of %d bytes: %w", len(img), blockdev.ErrUnaligned)
	}

	d := NewMemoryDevice(uint64(len(img) / blockdev.BlockSize))
	if _, err := d.WriteBlocks(0, img); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadBlocks copies blocks into buf. Unwritten blocks read as zeros.
func (d *MemoryDevice) ReadBlocks(blockID uint64, buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, blockdev.ErrClosed
	}

	off, err := blockdev.CheckRange(blockID, buf, d.geo.NumBlocks)
	if err != nil {
		return 0, err
	}

	for _, s := range d.geo.Spans(off, len(buf)) {
		dst := buf[s.BufOffset : s.BufOffset+s.Len]
		chunk, ok := d.chunks[s.Chunk]
		if !ok {
			clear(dst)
			continue
		}
		copy(dst, chunk[s.Offset:])
	}

	return len(buf), nil
}

// WriteBlocks copies buf into the device.
func (d *MemoryDevice) WriteBlocks(blockID uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, blockdev.ErrClosed
	}

	off, err := blockdev.CheckRange(blockID, buf, d.geo.NumBlocks)
	if err != nil {
		return 0, err
	}

	for _, s := range d.geo.Spans(off, len(buf)) {
		chunk, ok := d.chunks[s.Chunk]
		if !ok {
			chunk = make([]byte, d.geo.ChunkSize())
			d.chunks[s.Chunk] = chunk
		}
		copy(chunk[s.Offset:], buf[s.BufOffset:s.BufOffset+s.Len])
	}

	return len(buf), nil
}

// NumBlocks returns the device capacity in blocks.
func (d *MemoryDevice) NumBlocks() (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, blockdev.ErrClosed
	}
	return d.geo.NumBlocks, nil
}

// Sync is a no-op.
func (d *MemoryDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return blockdev.ErrClosed
	}
	return nil
}

// Close drops the contents.
func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return blockdev.ErrClosed
	}
	d.closed = true
	d.chunks = nil
	return nil
}

// AllocatedBytes returns the memory held by written chunks.
func (d *MemoryDevice) AllocatedBytes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.chunks) * d.geo.ChunkSize()
}
