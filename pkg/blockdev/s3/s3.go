package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkBlocks is the default chunk size in blocks (1 MiB).
const DefaultChunkBlocks = 2048

// maxParallelRequests bounds concurrent object requests per transfer.
const maxParallelRequests = 8

// Object layout under KeyPrefix:
//
//	geometry           -> XDR encoded blockdev.Geometry
//	chunks/<index hex> -> chunk contents (ChunkBlocks * 512 bytes)
const (
	geometryKey = "geometry"
	chunkDir    = "chunks/"
)

// Client is the subset of *s3.Client used by the device.
type Client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Limiter throttles requests. *ratelimiter.RateLimiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// S3DeviceConfig contains configuration for an S3-backed device.
type S3DeviceConfig struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the S3 bucket name. The bucket must exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "images/vm1/" results in keys like "images/vm1/chunks/0000000000000000"
	KeyPrefix string

	// NumBlocks is the device capacity. Required when no device exists
	// under KeyPrefix yet; must be zero or match otherwise.
	NumBlocks uint64

	// ChunkBlocks is the number of blocks per object.
	// Default: DefaultChunkBlocks. Must match the stored value on reopen.
	ChunkBlocks uint32

	// Metrics receives per-request observations (optional)
	Metrics blockdev.Metrics

	// Limiter is waited on before every request (optional)
	Limiter Limiter
}

// S3Device implements blockdev.Device using Amazon S3 or S3-compatible storage.
//
// The device is split into fixed-size chunks, one object each. Chunks that
// were never written have no object and read as zeros; the set of existing
// chunks is listed once at open and tracked in a bitmap, so reads of
// unwritten ranges never reach S3.
//
// S3 Characteristics:
//   - Reads fetch only the requested byte range of each chunk
//   - A write covering a whole chunk is a single PutObject
//   - A partial chunk write is read-modify-write of the whole chunk
//   - Multi-chunk transfers issue up to maxParallelRequests requests at once
//
// Context:
// The block device surface has no context parameter, so the context given to
// NewS3Device is used for every request; cancelling it fails all further I/O.
//
// Thread Safety:
// Reads run concurrently; writes are serialized so read-modify-write of a
// shared chunk never races.
type S3Device struct {
	ctx       context.Context
	client    Client
	bucket    string
	keyPrefix string
	geo       blockdev.Geometry
	metrics   blockdev.Metrics
	limiter   Limiter

	// mu guards present and closed; writeMu serializes writers.
	mu      sync.RWMutex
	writeMu sync.Mutex
	present *roaring.Bitmap
	closed  bool
}

// NewS3Device opens (or creates) a device stored under a bucket prefix.
//
// Parameters:
//   - ctx: Context used for initialization and all subsequent requests
//   - cfg: S3 device configuration
//
// Returns:
//   - *S3Device: Open device
//   - error: Bucket access, listing or geometry error
func NewS3Device(ctx context.Context, cfg S3DeviceConfig) (*S3Device, error) {
	// ========================================================================
	// Step 1: Validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	d := &S3Device{
		ctx:       ctx,
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   blockdev.OrNoop(cfg.Metrics),
		limiter:   cfg.Limiter,
		present:   roaring.New(),
	}

	// ========================================================================
	// Step 2: Verify bucket access
	// ========================================================================

	if err := d.throttle(); err != nil {
		return nil, err
	}
	start := time.Now()
	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	d.metrics.ObserveOperation("HeadBucket", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	// ========================================================================
	// Step 3: Load or initialize the geometry
	// ========================================================================

	geo, err := d.loadGeometry(blockdev.NewGeometry(cfg.NumBlocks, cfg.ChunkBlocks))
	if err != nil {
		return nil, err
	}
	if geo.NumChunks() > math.MaxUint32 {
		return nil, fmt.Errorf("S3 device: %d chunks exceed the supported maximum", geo.NumChunks())
	}
	d.geo = geo

	// ========================================================================
	// Step 4: Index existing chunks
	// ========================================================================

	if err := d.loadPresent(); err != nil {
		return nil, err
	}

	logger.Info("S3 device initialized: bucket=%s, prefix=%s, blocks=%d, chunks=%d/%d",
		cfg.Bucket, cfg.KeyPrefix, geo.NumBlocks, d.present.GetCardinality(), geo.NumChunks())

	return d, nil
}

func (d *S3Device) objectKey(name string) string {
	return d.keyPrefix + name
}

func (d *S3Device) chunkKey(idx uint64) string {
	return d.objectKey(fmt.Sprintf("%s%016x", chunkDir, idx))
}

// isNotFound reports whether err means the object does not exist.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// throttle waits for the limiter, if any.
func (d *S3Device) throttle() error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.Wait(d.ctx); err != nil {
		return fmt.Errorf("S3 request throttled: %w", err)
	}
	return nil
}

// get fetches an object, or the inclusive byte range [from, to] of it when
// to >= from. Returns (nil, nil) when the object does not exist.
func (d *S3Device) get(key string, from, to int64) ([]byte, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}
	if to >= from {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", from, to))
	}

	if err := d.throttle(); err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := d.client.GetObject(d.ctx, in)
	if err != nil {
		if isNotFound(err) {
			d.metrics.ObserveOperation("GetObject", time.Since(start), nil)
			return nil, nil
		}
		d.metrics.ObserveOperation("GetObject", time.Since(start), err)
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	d.metrics.ObserveOperation("GetObject", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	d.metrics.RecordBytes("GetObject", int64(len(data)))
	return data, nil
}

func (d *S3Device) put(key string, data []byte) error {
	if err := d.throttle(); err != nil {
		return err
	}
	start := time.Now()
	_, err := d.client.PutObject(d.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	d.metrics.ObserveOperation("PutObject", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	d.metrics.RecordBytes("PutObject", int64(len(data)))
	return nil
}

// loadGeometry returns the stored geometry, writing want when none exists.
func (d *S3Device) loadGeometry(want blockdev.Geometry) (blockdev.Geometry, error) {
	data, err := d.get(d.objectKey(geometryKey), 0, -1)
	if err != nil {
		return blockdev.Geometry{}, err
	}

	if data != nil {
		stored, err := blockdev.DecodeGeometry(data)
		if err != nil {
			return blockdev.Geometry{}, err
		}
		return stored.Reconcile(want)
	}

	if want.NumBlocks == 0 {
		return blockdev.Geometry{}, fmt.Errorf("S3 device: num_blocks is required for a new device")
	}
	if want.ChunkBlocks == 0 {
		want.ChunkBlocks = DefaultChunkBlocks
	}

	enc, err := want.Encode()
	if err != nil {
		return blockdev.Geometry{}, err
	}
	if err := d.put(d.objectKey(geometryKey), enc); err != nil {
		return blockdev.Geometry{}, err
	}
	return want, nil
}

// loadPresent lists the chunk objects under the prefix.
func (d *S3Device) loadPresent() error {
	prefix := d.objectKey(chunkDir)
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		if err := d.throttle(); err != nil {
			return err
		}
		start := time.Now()
		page, err := paginator.NextPage(d.ctx)
		d.metrics.ObserveOperation("ListObjectsV2", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("failed to list chunks under %s: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			idx, err := strconv.ParseUint(name, 16, 64)
			if err != nil || idx >= d.geo.NumChunks() {
				logger.Warn("S3 device: ignoring unexpected object %s", aws.ToString(obj.Key))
				continue
			}
			d.present.Add(uint32(idx))
		}
	}

	return nil
}

func (d *S3Device) isPresent(idx uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.present.Contains(uint32(idx))
}

// checkOpen returns ErrClosed after Close.
func (d *S3Device) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return blockdev.ErrClosed
	}
	return nil
}

// ReadBlocks reads the requested range of each touched chunk.
func (d *S3Device) ReadBlocks(blockID uint64, buf []byte) (int, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}

	off, err := blockdev.CheckRange(blockID, buf, d.geo.NumBlocks)
	if err != nil {
		return 0, err
	}

	g, _ := errgroup.WithContext(d.ctx)
	g.SetLimit(maxParallelRequests)

	for _, s := range d.geo.Spans(off, len(buf)) {
		dst := buf[s.BufOffset : s.BufOffset+s.Len]
		if !d.isPresent(s.Chunk) {
			clear(dst)
			continue
		}

		g.Go(func() error {
			data, err := d.get(d.chunkKey(s.Chunk), int64(s.Offset), int64(s.Offset+s.Len-1))
			if err != nil {
				return err
			}
			n := copy(dst, data)
			clear(dst[n:])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("s3 read at block %d: %w", blockID, err)
	}
	return len(buf), nil
}

// WriteBlocks writes every touched chunk, merging partial chunks with their
// stored contents.
func (d *S3Device) WriteBlocks(blockID uint64, buf []byte) (int, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}

	off, err := blockdev.CheckRange(blockID, buf, d.geo.NumBlocks)
	if err != nil {
		return 0, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	size := d.geo.ChunkSize()
	g, _ := errgroup.WithContext(d.ctx)
	g.SetLimit(maxParallelRequests)

	for _, s := range d.geo.Spans(off, len(buf)) {
		src := buf[s.BufOffset : s.BufOffset+s.Len]

		g.Go(func() error {
			chunk := make([]byte, size)
			if !s.Full(size) && d.isPresent(s.Chunk) {
				old, err := d.get(d.chunkKey(s.Chunk), 0, -1)
				if err != nil {
					return err
				}
				copy(chunk, old)
			}
			copy(chunk[s.Offset:], src)

			if err := d.put(d.chunkKey(s.Chunk), chunk); err != nil {
				return err
			}

			d.mu.Lock()
			d.present.Add(uint32(s.Chunk))
			d.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("s3 write at block %d: %w", blockID, err)
	}
	return len(buf), nil
}

// NumBlocks returns the device capacity in blocks.
func (d *S3Device) NumBlocks() (uint64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	return d.geo.NumBlocks, nil
}

// StoredChunks returns the number of chunk objects.
func (d *S3Device) StoredChunks() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.present.GetCardinality()
}

// Sync is a no-op: every completed write is already a durable object.
func (d *S3Device) Sync() error {
	return d.checkOpen()
}

// Close marks the device closed. The client is owned by the caller.
func (d *S3Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return blockdev.ErrClosed
	}
	d.closed = true
	return nil
}
