// Package blockdev provides storage backends that can host an ext4 image.
//
// Every backend exposes the same narrow surface: fixed 512-byte blocks
// addressed by id, a fixed capacity, and explicit Sync and Close. The ext4
// layer only needs ReadBlocks, WriteBlocks and NumBlocks; Sync and Close are
// for the owner of the device.
//
// Available backends:
//   - memory: a byte slice, for tests and scratch images
//   - file: a regular file or raw image on the local filesystem
//   - badger: fixed-size chunks stored in an embedded BadgerDB
//   - s3: fixed-size chunks stored as objects in an S3 bucket
//
// Thread Safety:
// All backends are safe for concurrent use by multiple goroutines.
package blockdev

import (
	"errors"
	"fmt"
)

// BlockSize is the size in bytes of one addressable block.
const BlockSize = 512

// Device is a fixed-size array of BlockSize-byte blocks.
//
// ReadBlocks and WriteBlocks transfer len(buf)/BlockSize blocks starting at
// blockID and return the number of bytes transferred. len(buf) must be a
// multiple of BlockSize and the range must lie within NumBlocks.
type Device interface {
	ReadBlocks(blockID uint64, buf []byte) (int, error)
	WriteBlocks(blockID uint64, buf []byte) (int, error)
	NumBlocks() (uint64, error)

	// Sync makes previously written blocks durable.
	Sync() error

	// Close releases the device. Any further call returns ErrClosed.
	Close() error
}

var (
	// ErrOutOfRange is returned when a transfer extends past the end of the device.
	ErrOutOfRange = errors.New("block range out of bounds")

	// ErrUnaligned is returned when a buffer is not a multiple of BlockSize.
	ErrUnaligned = errors.New("buffer length is not a multiple of the block size")

	// ErrClosed is returned by any operation on a closed device.
	ErrClosed = errors.New("block device is closed")

	// ErrGeometryMismatch is returned when a persisted device is reopened
	// with a geometry different from the one it was created with.
	ErrGeometryMismatch = errors.New("block device geometry mismatch")
)

// CheckRange validates a transfer of buf starting at blockID against a device
// of numBlocks blocks.
//
// Returns the byte offset of blockID.
func CheckRange(blockID uint64, buf []byte, numBlocks uint64) (int64, error) {
	if len(buf)%BlockSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrUnaligned, len(buf))
	}

	count := uint64(len(buf) / BlockSize)
	if blockID > numBlocks || count > numBlocks-blockID {
		return 0, fmt.Errorf("%w: blocks [%d, %d) on a device of %d blocks",
			ErrOutOfRange, blockID, blockID+count, numBlocks)
	}

	return int64(blockID) * BlockSize, nil
}
