package blockdev

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// geometryMagic marks a persisted geometry record ("e4bd").
const geometryMagic = 0x65346264

// geometryVersion is the current record layout.
const geometryVersion = 1

// Geometry describes the shape of a chunked device.
//
// Backends that store blocks in fixed-size chunks (badger, s3) persist the
// geometry next to the data so a reopen can detect a configuration that no
// longer matches what is stored. The record is XDR encoded.
type Geometry struct {
	Magic       uint32
	Version     uint32
	BlockSize   uint32
	NumBlocks   uint64
	ChunkBlocks uint32
}

// NewGeometry returns the geometry of a device with numBlocks blocks split
// into chunks of chunkBlocks blocks.
func NewGeometry(numBlocks uint64, chunkBlocks uint32) Geometry {
	return Geometry{
		Magic:       geometryMagic,
		Version:     geometryVersion,
		BlockSize:   BlockSize,
		NumBlocks:   numBlocks,
		ChunkBlocks: chunkBlocks,
	}
}

// ChunkSize returns the size of one chunk in bytes.
func (g Geometry) ChunkSize() int {
	return int(g.ChunkBlocks) * BlockSize
}

// NumChunks returns the number of chunks needed to cover the device.
func (g Geometry) NumChunks() uint64 {
	return (g.NumBlocks + uint64(g.ChunkBlocks) - 1) / uint64(g.ChunkBlocks)
}

// Encode serializes the geometry.
func (g Geometry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &g); err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGeometry parses a record produced by Geometry.Encode.
func DecodeGeometry(data []byte) (Geometry, error) {
	var g Geometry
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &g); err != nil {
		return Geometry{}, fmt.Errorf("decode geometry: %w", err)
	}

	if g.Magic != geometryMagic {
		return Geometry{}, fmt.Errorf("decode geometry: bad magic 0x%08x", g.Magic)
	}
	if g.Version != geometryVersion {
		return Geometry{}, fmt.Errorf("decode geometry: unsupported version %d", g.Version)
	}
	if g.BlockSize != BlockSize || g.ChunkBlocks == 0 {
		return Geometry{}, fmt.Errorf("decode geometry: block size %d, chunk blocks %d",
			g.BlockSize, g.ChunkBlocks)
	}

	return g, nil
}

// Reconcile checks a stored geometry against the requested one.
//
// A zero NumBlocks or ChunkBlocks in want means "whatever is stored".
// Returns the geometry to use, or ErrGeometryMismatch.
func (g Geometry) Reconcile(want Geometry) (Geometry, error) {
	if want.NumBlocks != 0 && want.NumBlocks != g.NumBlocks {
		return Geometry{}, fmt.Errorf("%w: stored %d blocks, requested %d",
			ErrGeometryMismatch, g.NumBlocks, want.NumBlocks)
	}
	if want.ChunkBlocks != 0 && want.ChunkBlocks != g.ChunkBlocks {
		return Geometry{}, fmt.Errorf("%w: stored chunks of %d blocks, requested %d",
			ErrGeometryMismatch, g.ChunkBlocks, want.ChunkBlocks)
	}
	return g, nil
}

// Span is the part of one chunk touched by a transfer.
type Span struct {
	// Chunk is the chunk index.
	Chunk uint64

	// Offset is the byte offset inside the chunk.
	Offset int

	// BufOffset is the byte offset inside the caller's buffer.
	BufOffset int

	// Len is the number of bytes.
	Len int
}

// Full reports whether the span covers the whole chunk.
func (s Span) Full(chunkSize int) bool {
	return s.Offset == 0 && s.Len == chunkSize
}

// Spans splits a transfer of n bytes at byte offset off into per-chunk spans.
func (g Geometry) Spans(off int64, n int) []Span {
	size := int64(g.ChunkSize())
	var spans []Span

	done := 0
	for done < n {
		pos := off + int64(done)
		inChunk := int(pos % size)
		l := int(size) - inChunk
		if l > n-done {
			l = n - done
		}

		spans = append(spans, Span{
			Chunk:     uint64(pos / size),
			Offset:    inChunk,
			BufOffset: done,
			Len:       l,
		})
		done += l
	}

	return spans
}
