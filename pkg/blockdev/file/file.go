package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
)

// FileDeviceConfig contains configuration for a file-backed device.
type FileDeviceConfig struct {
	// Path is the image file or raw device node.
	Path string

	// NumBlocks is the device capacity. When zero the capacity is derived
	// from the current file size, which must then be non-zero.
	NumBlocks uint64

	// Create creates the file if it does not exist and sizes it to
	// NumBlocks blocks.
	Create bool

	// ReadOnly opens the file read-only. Writes fail with an error.
	ReadOnly bool
}

// FileDevice implements blockdev.Device on top of a local file.
//
// Blocks map one to one onto file offsets, so the file is a plain disk
// image usable by other tools. A file shorter than the configured capacity
// is extended (sparsely, where the filesystem supports it).
//
// Thread Safety:
// Reads and writes use positioned I/O and may run concurrently; Close is
// exclusive.
type FileDevice struct {
	mu        sync.RWMutex
	f         *os.File
	path      string
	numBlocks uint64
	readOnly  bool
}

// NewFileDevice opens or creates the image described by cfg.
//
// Parameters:
//   - cfg: File device configuration
//
// Returns:
//   - *FileDevice: Open device
//   - error: Configuration or I/O error
func NewFileDevice(cfg FileDeviceConfig) (*FileDevice, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}
	if cfg.Create && cfg.ReadOnly {
		return nil, fmt.Errorf("file device: create and read_only are mutually exclusive")
	}

	// ========================================================================
	// Step 1: Open the image
	// ========================================================================

	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	if cfg.Create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", cfg.Path, err)
	}

	// ========================================================================
	// Step 2: Resolve capacity
	// ========================================================================

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", cfg.Path, err)
	}

	numBlocks := cfg.NumBlocks
	if numBlocks == 0 {
		numBlocks = uint64(info.Size()) / blockdev.BlockSize
		if numBlocks == 0 {
			_ = f.Close()
			return nil, fmt.Errorf("file device: %s is empty and num_blocks is not set", cfg.Path)
		}
	}

	size := int64(numBlocks) * blockdev.BlockSize
	if info.Mode().IsRegular() && info.Size() < size {
		if cfg.ReadOnly {
			_ = f.Close()
			return nil, fmt.Errorf("file device: %s holds %d bytes, %d required",
				cfg.Path, info.Size(), size)
		}
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to extend image %s: %w", cfg.Path, err)
		}
		logger.Debug("Extended image %s to %d bytes", cfg.Path, size)
	}

	return &FileDevice{
		f:         f,
		path:      cfg.Path,
		numBlocks: numBlocks,
		readOnly:  cfg.ReadOnly,
	}, nil
}

// ReadBlocks reads blocks at their file offset.
func (d *FileDevice) ReadBlocks(blockID uint64, buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return 0, blockdev.ErrClosed
	}

	off, err := blockdev.CheckRange(blockID, buf, d.numBlocks)
	if err != nil {
		return 0, err
	}

	n, err := d.f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		// Raw devices and images truncated behind our back read as zeros.
		clear(buf[n:])
		return len(buf), nil
	}
	if err != nil {
		return n, fmt.Errorf("read %s at %d: %w", d.path, off, err)
	}
	return n, nil
}

// WriteBlocks writes blocks at their file offset.
func (d *FileDevice) WriteBlocks(blockID uint64, buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return 0, blockdev.ErrClosed
	}
	if d.readOnly {
		return 0, fmt.Errorf("write %s: %w", d.path, os.ErrPermission)
	}

	off, err := blockdev.CheckRange(blockID, buf, d.numBlocks)
	if err != nil {
		return 0, err
	}

	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return n, fmt.Errorf("write %s at %d: %w", d.path, off, err)
	}
	return n, nil
}

// NumBlocks returns the device capacity in blocks.
func (d *FileDevice) NumBlocks() (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return 0, blockdev.ErrClosed
	}
	return d.numBlocks, nil
}

// Sync flushes the file to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return blockdev.ErrClosed
	}
	if d.readOnly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", d.path, err)
	}
	return nil
}

// Close syncs and closes the file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return blockdev.ErrClosed
	}

	var syncErr error
	if !d.readOnly {
		syncErr = d.f.Sync()
	}
	closeErr := d.f.Close()
	d.f = nil

	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}
	return nil
}
