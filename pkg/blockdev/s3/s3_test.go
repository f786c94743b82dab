package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/ext4bridge/internal/ratelimiter"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
	devtesting "github.com/marmos91/ext4bridge/pkg/blockdev/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory bucket implementing Client.
type fakeClient struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	gets    int
	puts    int
}

func newFakeClient(bucket string) *fakeClient {
	return &fakeClient{bucket: bucket, objects: make(map[string][]byte)}
}

func (c *fakeClient) checkBucket(name *string) error {
	if aws.ToString(name) != c.bucket {
		return &types.NoSuchBucket{}
	}
	return nil
}

func (c *fakeClient) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := c.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (c *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	c.gets++

	data, ok := c.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	if r := aws.ToString(in.Range); r != "" {
		var from, to int
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &from, &to); err != nil {
			return nil, err
		}
		if to >= len(data) {
			to = len(data) - 1
		}
		data = data[from : to+1]
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(bytes.Clone(data)))}, nil
}

func (c *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBucket(in.Bucket); err != nil {
		return nil, err
	}
	c.puts++
	c.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkBucket(in.Bucket); err != nil {
		return nil, err
	}

	var keys []string
	for k := range c.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (c *fakeClient) counts() (gets, puts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.puts
}

// recordingMetrics counts observations per operation.
type recordingMetrics struct {
	mu    sync.Mutex
	ops   map[string]int
	bytes map[string]int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{ops: make(map[string]int), bytes: make(map[string]int64)}
}

func (m *recordingMetrics) ObserveOperation(op string, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
}

func (m *recordingMetrics) RecordBytes(op string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes[op] += n
}

// TestS3Device runs the complete Device test suite against S3Device
// backed by an in-memory bucket.
func TestS3Device(t *testing.T) {
	clients := make(map[blockdev.Device]*fakeClient)

	suite := &devtesting.DeviceTestSuite{
		NewDevice: func(t *testing.T, numBlocks uint64) blockdev.Device {
			client := newFakeClient("disks")
			dev, err := NewS3Device(context.Background(), S3DeviceConfig{
				Client:      client,
				Bucket:      "disks",
				KeyPrefix:   "vm/",
				NumBlocks:   numBlocks,
				ChunkBlocks: 64,
			})
			require.NoError(t, err)
			clients[dev] = client
			return dev
		},
		Reopen: func(t *testing.T, dev blockdev.Device) blockdev.Device {
			client := clients[dev]
			require.NoError(t, dev.Close())

			reopened, err := NewS3Device(context.Background(), S3DeviceConfig{
				Client:    client,
				Bucket:    "disks",
				KeyPrefix: "vm/",
			})
			require.NoError(t, err)
			return reopened
		},
	}

	suite.Run(t)
}

func TestS3DeviceSkipsUnwrittenChunks(t *testing.T) {
	client := newFakeClient("disks")
	dev, err := NewS3Device(context.Background(), S3DeviceConfig{
		Client:      client,
		Bucket:      "disks",
		NumBlocks:   1024,
		ChunkBlocks: 16,
	})
	require.NoError(t, err)

	getsBefore, _ := client.counts()
	buf := make([]byte, 512*blockdev.BlockSize)
	_, err = dev.ReadBlocks(0, buf)
	require.NoError(t, err)

	getsAfter, _ := client.counts()
	assert.Equal(t, getsBefore, getsAfter, "reading unwritten chunks must not reach S3")
	assert.Zero(t, dev.StoredChunks())
}

func TestS3DeviceWritePattern(t *testing.T) {
	client := newFakeClient("disks")
	metrics := newRecordingMetrics()
	dev, err := NewS3Device(context.Background(), S3DeviceConfig{
		Client:      client,
		Bucket:      "disks",
		NumBlocks:   1024,
		ChunkBlocks: 16,
		Metrics:     metrics,
	})
	require.NoError(t, err)
	_, putsStart := client.counts()

	// A full chunk is a single put with no read
	getsBefore, _ := client.counts()
	_, err = dev.WriteBlocks(16, bytes.Repeat([]byte{1}, 16*blockdev.BlockSize))
	require.NoError(t, err)
	getsAfter, puts := client.counts()
	assert.Equal(t, getsBefore, getsAfter)
	assert.Equal(t, putsStart+1, puts)

	// A partial write to an existing chunk reads it back first
	_, err = dev.WriteBlocks(20, bytes.Repeat([]byte{2}, blockdev.BlockSize))
	require.NoError(t, err)
	getsFinal, _ := client.counts()
	assert.Equal(t, getsAfter+1, getsFinal)

	got := make([]byte, 16*blockdev.BlockSize)
	_, err = dev.ReadBlocks(16, got)
	require.NoError(t, err)
	want := bytes.Repeat([]byte{1}, 16*blockdev.BlockSize)
	copy(want[4*blockdev.BlockSize:], bytes.Repeat([]byte{2}, blockdev.BlockSize))
	assert.Equal(t, want, got)

	assert.Equal(t, uint64(1), dev.StoredChunks())
	assert.Positive(t, metrics.ops["PutObject"])
	assert.Positive(t, metrics.ops["HeadBucket"])
	// One read-modify-write fetch plus the final read
	assert.Equal(t, int64(32*blockdev.BlockSize), metrics.bytes["GetObject"])
}

func TestS3DeviceConfigErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient("disks")

	_, err := NewS3Device(ctx, S3DeviceConfig{Bucket: "disks", NumBlocks: 8})
	assert.Error(t, err, "client is required")

	_, err = NewS3Device(ctx, S3DeviceConfig{Client: client, NumBlocks: 8})
	assert.Error(t, err, "bucket is required")

	_, err = NewS3Device(ctx, S3DeviceConfig{Client: client, Bucket: "other", NumBlocks: 8})
	assert.Error(t, err, "bucket must be accessible")

	_, err = NewS3Device(ctx, S3DeviceConfig{Client: client, Bucket: "disks"})
	assert.Error(t, err, "new device needs num_blocks")

	_, err = NewS3Device(ctx, S3DeviceConfig{Client: client, Bucket: "disks", NumBlocks: 8})
	require.NoError(t, err)

	_, err = NewS3Device(ctx, S3DeviceConfig{Client: client, Bucket: "disks", NumBlocks: 16})
	assert.ErrorIs(t, err, blockdev.ErrGeometryMismatch)
}

func TestS3DeviceIgnoresForeignObjects(t *testing.T) {
	client := newFakeClient("disks")
	client.objects["chunks/not-hex"] = []byte("x")

	dev, err := NewS3Device(context.Background(), S3DeviceConfig{Client: client, Bucket: "disks", NumBlocks: 64})
	require.NoError(t, err)
	assert.Zero(t, dev.StoredChunks())
}

// countingLimiter counts waits and fails them once err is set.
type countingLimiter struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return l.err
}

func (l *countingLimiter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits
}

func TestS3DeviceThrottlesRequests(t *testing.T) {
	client := newFakeClient("disks")
	limiter := &countingLimiter{}
	dev, err := NewS3Device(context.Background(), S3DeviceConfig{
		Client:      client,
		Bucket:      "disks",
		NumBlocks:   64,
		ChunkBlocks: 16,
		Limiter:     limiter,
	})
	require.NoError(t, err)

	// HeadBucket, geometry get and put, one listing page.
	assert.Equal(t, 4, limiter.count())

	_, err = dev.WriteBlocks(0, make([]byte, 16*blockdev.BlockSize))
	require.NoError(t, err)
	assert.Equal(t, 5, limiter.count())

	limiter.mu.Lock()
	limiter.err = errors.New("slow down")
	limiter.mu.Unlock()

	_, puts := client.counts()
	_, err = dev.WriteBlocks(0, make([]byte, 16*blockdev.BlockSize))
	assert.ErrorContains(t, err, "throttled")
	_, after := client.counts()
	assert.Equal(t, puts, after, "a throttled request must not reach S3")
}

func TestS3DeviceWithRateLimiter(t *testing.T) {
	client := newFakeClient("disks")
	dev, err := NewS3Device(context.Background(), S3DeviceConfig{
		Client:      client,
		Bucket:      "disks",
		NumBlocks:   64,
		ChunkBlocks: 16,
		Limiter:     ratelimiter.New(1000, 100),
	})
	require.NoError(t, err)

	data := bytes.Repeat([]byte{7}, 2*blockdev.BlockSize)
	_, err = dev.WriteBlocks(3, data)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = dev.ReadBlocks(3, got)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
