package ext4

import (
	"errors"
	"testing"
	"time"

	"github.com/marmos91/ext4bridge/pkg/blockdev/memory"
	"github.com/marmos91/ext4bridge/pkg/engine"
	"github.com/marmos91/ext4bridge/pkg/engine/simfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDeviceBlocks is 4 MiB of 512-byte blocks.
const testDeviceBlocks = 8192

// testTime is what the fixed test clock reports.
const testTime = 1700000000*time.Second + 123456789*time.Nanosecond

func fixedClock() (time.Duration, bool) {
	return testTime, true
}

// countingEngine counts the bulk block transfers issued by the file I/O
// paths. A nonzero addErr makes DirAddEntry fail with that code.
type countingEngine struct {
	*simfs.Engine
	gets   int
	sets   int
	addErr int
}

func (e *countingEngine) DirAddEntry(parent *engine.InodeRef, name []byte, child *engine.InodeRef) int {
	if e.addErr != engine.EOK {
		return e.addErr
	}
	return e.Engine.DirAddEntry(parent, name, child)
}

func (e *countingEngine) BlocksGetDirect(bdev *engine.BlockDev, buf []byte, lba uint64, cnt uint32) int {
	e.gets++
	return e.Engine.BlocksGetDirect(bdev, buf, lba, cnt)
}

func (e *countingEngine) BlocksSetDirect(bdev *engine.BlockDev, buf []byte, lba uint64, cnt uint32) int {
	e.sets++
	return e.Engine.BlocksSetDirect(bdev, buf, lba, cnt)
}

func (e *countingEngine) reset() {
	e.gets, e.sets = 0, 0
}

// faultyDevice fails selected calls of the wrapped device.
type faultyDevice struct {
	BlockDevice
	failNumBlocks bool
	failReads     bool
	failWrites    bool
	shortReads    bool
}

var errInjected = errors.New("injected device failure")

func (d *faultyDevice) ReadBlocks(blockID uint64, buf []byte) (int, error) {
	if d.failReads {
		return 0, errInjected
	}
	n, err := d.BlockDevice.ReadBlocks(blockID, buf)
	if d.shortReads && n > 0 {
		n--
	}
	return n, err
}

func (d *faultyDevice) WriteBlocks(blockID uint64, buf []byte) (int, error) {
	if d.failWrites {
		return 0, errInjected
	}
	return d.BlockDevice.WriteBlocks(blockID, buf)
}

func (d *faultyDevice) NumBlocks() (uint64, error) {
	if d.failNumBlocks {
		return 0, errInjected
	}
	return d.BlockDevice.NumBlocks()
}

// formattedDevice returns a fresh memory device holding an empty
// filesystem.
func formattedDevice(t *testing.T, opts simfs.FormatOptions) *memory.MemoryDevice {
	t.Helper()
	dev := memory.NewMemoryDevice(testDeviceBlocks)
	require.NoError(t, simfs.Format(dev, opts))
	return dev
}

// testFS bundles a mounted filesystem with its engine and device.
type testFS struct {
	*Filesystem
	eng *countingEngine
	dev *memory.MemoryDevice
}

// newTestFS mounts a freshly formatted 1 KiB block filesystem. The
// filesystem is closed at cleanup, after which no inode may still be
// checked out.
func newTestFS(t *testing.T, opts ...Option) *testFS {
	t.Helper()
	return mountTestFS(t, formattedDevice(t, simfs.FormatOptions{}), opts...)
}

func mountTestFS(t *testing.T, dev *memory.MemoryDevice, opts ...Option) *testFS {
	t.Helper()
	eng := &countingEngine{Engine: simfs.New()}
	fs, err := New(eng, dev, append([]Option{WithClock(fixedClock)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, fs.Close())
		assert.Zero(t, eng.OpenInodeRefs(), "inode references leaked")
	})
	return &testFS{Filesystem: fs, eng: eng, dev: dev}
}

// pattern returns n bytes that differ from their neighbours and from zero.
func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i%251) + seed + 1
		if buf[i] == 0 {
			buf[i] = 0xff
		}
	}
	return buf
}

// createFile makes a regular file under the root directory.
func (f *testFS) createFile(t *testing.T, name string) uint32 {
	t.Helper()
	ino, err := f.Create(RootIno, name, TypeRegularFile, 0o644)
	require.NoError(t, err)
	return ino
}

// mkdir makes a directory under parent.
func (f *testFS) mkdir(t *testing.T, parent uint32, name string) uint32 {
	t.Helper()
	ino, err := f.Create(parent, name, TypeDirectory, 0o755)
	require.NoError(t, err)
	return ino
}

func (f *testFS) nlink(t *testing.T, ino uint32) uint16 {
	t.Helper()
	attr, err := f.GetAttr(ino)
	require.NoError(t, err)
	return attr.Nlink
}

func (f *testFS) names(t *testing.T, dir uint32) []string {
	t.Helper()
	entries, err := f.ReadDirAll(dir)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}
