package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
)

// DefaultChunkBlocks is the default chunk size in blocks (64 KiB).
const DefaultChunkBlocks = 128

// Key layout:
//
//	"g"              -> XDR encoded blockdev.Geometry
//	"c" + uint64(be) -> chunk contents (ChunkBlocks * 512 bytes)
const (
	prefixGeometry = "g"
	prefixChunk    = "c"
)

func keyGeometry() []byte {
	return []byte(prefixGeometry)
}

func keyChunk(idx uint64) []byte {
	key := make([]byte, len(prefixChunk)+8)
	copy(key, prefixChunk)
	binary.BigEndian.PutUint64(key[len(prefixChunk):], idx)
	return key
}

// BadgerDeviceConfig contains configuration for a BadgerDB-backed device.
type BadgerDeviceConfig struct {
	// DBPath is the BadgerDB directory. Ignored when InMemory is set.
	DBPath string

	// InMemory keeps the database in memory (for tests).
	InMemory bool

	// NumBlocks is the device capacity. Required when the database is new;
	// when the database already holds a device it must be zero or match.
	NumBlocks uint64

	// ChunkBlocks is the number of blocks per stored value.
	// Default: DefaultChunkBlocks. Must match the stored value on reopen.
	ChunkBlocks uint32

	// BadgerOptions overrides the options derived from the fields above.
	BadgerOptions *badger.Options
}

// BadgerDevice implements blockdev.Device on top of BadgerDB.
//
// The device is split into fixed-size chunks, each stored under its own key.
// Chunks that were never written are absent and read as zeros, so a fresh
// device costs nothing until it is used. Partial chunk writes are
// read-modify-write inside a single transaction.
//
// Storage Model:
// The geometry record is written once when the device is created and checked
// on every reopen, so a database cannot be reopened with a different size or
// chunking.
//
// Thread Safety:
// Badger transactions isolate concurrent readers; writers are serialized by
// mu so read-modify-write of a shared chunk never races.
type BadgerDevice struct {
	mu  sync.RWMutex
	db  *badger.DB
	geo blockdev.Geometry
}

// NewBadgerDevice opens (or creates) a device stored in BadgerDB.
//
// Parameters:
//   - ctx: Context for cancellation (checked before opening the database)
//   - cfg: Device configuration
//
// Returns:
//   - *BadgerDevice: Open device
//   - error: Configuration, database or geometry error
func NewBadgerDevice(ctx context.Context, cfg BadgerDeviceConfig) (*BadgerDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 1: Open BadgerDB
	// ========================================================================

	var opts badger.Options
	switch {
	case cfg.BadgerOptions != nil:
		opts = *cfg.BadgerOptions
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	default:
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger device: db path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}

	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.Snappy)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	// ========================================================================
	// Step 2: Load or initialize the geometry
	// ========================================================================

	chunkBlocks := cfg.ChunkBlocks
	geo, err := loadGeometry(db, blockdev.NewGeometry(cfg.NumBlocks, chunkBlocks))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Badger device ready: path=%s blocks=%d chunk_blocks=%d",
		cfg.DBPath, geo.NumBlocks, geo.ChunkBlocks)

	return &BadgerDevice{db: db, geo: geo}, nil
}

// loadGeometry returns the stored geometry, writing want when the database
// holds none yet.
func loadGeometry(db *badger.DB, want blockdev.Geometry) (blockdev.Geometry, error) {
	var geo blockdev.Geometry

	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyGeometry())
		if err == badger.ErrKeyNotFound {
			if want.NumBlocks == 0 {
				return fmt.Errorf("badger device: num_blocks is required for a new device")
			}
			if want.ChunkBlocks == 0 {
				want.ChunkBlocks = DefaultChunkBlocks
			}

			data, err := want.Encode()
			if err != nil {
				return err
			}
			geo = want
			return txn.Set(keyGeometry(), data)
		}
		if err != nil {
			return fmt.Errorf("failed to read geometry: %w", err)
		}

		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read geometry: %w", err)
		}
		stored, err := blockdev.DecodeGeometry(data)
		if err != nil {
			return err
		}
		geo, err = stored.Reconcile(want)
		return err
	})

	return geo, err
}

// readChunkInto copies the span of a chunk into dst, zero-filling an absent chunk.
func readChunkInto(txn *badger.Txn, s blockdev.Span, dst []byte) error {
	item, err := txn.Get(keyChunk(s.Chunk))
	if err == badger.ErrKeyNotFound {
		clear(dst)
		return nil
	}
	if err != nil {
		return err
	}

	return item.Value(func(val []byte) error {
		copy(dst, val[s.Offset:s.Offset+len(dst)])
		return nil
	})
}

// ReadBlocks reads blocks from their chunks. Unwritten chunks read as zeros.
func (d *BadgerDevice) ReadBlocks(blockID uint64, buf []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return 0, blockdev.ErrClosed
	}

	off, err := blockdev.CheckRange(blockID, buf, d.geo.NumBlocks)
	if err != nil {
		return 0, err
	}

	err = d.db.View(func(txn *badger.Txn) error {
		for _, s := range d.geo.Spans(off, len(buf)) {
			if err := readChunkInto(txn, s, buf[s.BufOffset:s.BufOffset+s.Len]); err != nil {
				return fmt.Errorf("chunk %d: %w", s.Chunk, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger read at block %d: %w", blockID, err)
	}

	return len(buf), nil
}

// WriteBlocks writes blocks into their chunks in one transaction.
//
// A transfer too large for one Badger transaction fails with
// badger.ErrTxnTooBig; the ext4 layer never issues transfers that large.
func (d *BadgerDevice) WriteBlocks(blockID uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return 0, blockdev.ErrClosed
	}

	off, err := blockdev.CheckRange(blockID, buf, d.geo.NumBlocks)
	if err != nil {
		return 0, err
	}

	size := d.geo.ChunkSize()
	err = d.db.Update(func(txn *badger.Txn) error {
		for _, s := range d.geo.Spans(off, len(buf)) {
			chunk := make([]byte, size)
			if !s.Full(size) {
				if err := readChunkInto(txn, blockdev.Span{Chunk: s.Chunk, Len: size}, chunk); err != nil {
					return fmt.Errorf("chunk %d: %w", s.Chunk, err)
				}
			}
			copy(chunk[s.Offset:], buf[s.BufOffset:s.BufOffset+s.Len])

			if err := txn.Set(keyChunk(s.Chunk), chunk); err != nil {
				return fmt.Errorf("chunk %d: %w", s.Chunk, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger write at block %d: %w", blockID, err)
	}

	return len(buf), nil
}

// NumBlocks returns the device capacity in blocks.
func (d *BadgerDevice) NumBlocks() (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return 0, blockdev.ErrClosed
	}
	return d.geo.NumBlocks, nil
}

// Geometry returns the device geometry.
func (d *BadgerDevice) Geometry() blockdev.Geometry {
	return d.geo
}

// Sync flushes the value log to disk.
func (d *BadgerDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return blockdev.ErrClosed
	}
	if d.db.Opts().InMemory {
		return nil
	}
	if err := d.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync BadgerDB: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *BadgerDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return blockdev.ErrClosed
	}

	db := d.db
	d.db = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

// errNotChunk is returned by chunkIndex for keys outside the chunk namespace.
var errNotChunk = errors.New("not a chunk key")

// chunkIndex parses a chunk key.
func chunkIndex(key []byte) (uint64, error) {
	if len(key) != len(prefixChunk)+8 || string(key[:len(prefixChunk)]) != prefixChunk {
		return 0, errNotChunk
	}
	return binary.BigEndian.Uint64(key[len(prefixChunk):]), nil
}

// StoredChunks returns the number of chunks that have been written.
func (d *BadgerDevice) StoredChunks() (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return 0, blockdev.ErrClosed
	}

	var n uint64
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixChunk)})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if _, err := chunkIndex(it.Item().Key()); err == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}
