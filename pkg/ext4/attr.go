package ext4

import (
	"time"

	"github.com/marmos91/ext4bridge/pkg/engine"
)

// FileAttr is a snapshot of inode attributes. It is not updated when the
// inode changes.
type FileAttr struct {
	Ino       uint32
	Type      InodeType
	Nlink     uint16
	Mode      uint32
	UID       uint32
	GID       uint32
	Size      uint64
	BlockSize uint32

	// Blocks is the allocated size in 512-byte units.
	Blocks uint64

	// Timestamps are durations since the Unix epoch.
	Atime time.Duration
	Mtime time.Duration
	Ctime time.Duration
}

const (
	timeEpochBits = 2
	timeEpochMask = 1<<timeEpochBits - 1
)

// encodeTime splits d into the 32-bit seconds field and the extra field
// (epoch bits in the low 2 bits, nanoseconds in the high 30).
func encodeTime(d time.Duration) (uint32, uint32) {
	secs := int64(d / time.Second)
	nsec := int64(d % time.Second)
	if nsec < 0 {
		secs--
		nsec += int64(time.Second)
	}
	epoch := uint32((secs-int64(int32(secs)))>>32) & timeEpochMask
	return uint32(secs), epoch | uint32(nsec)<<timeEpochBits
}

// decodeTime is the inverse of encodeTime.
func decodeTime(secs, extra uint32) time.Duration {
	s := int64(int32(secs)) + int64(extra&timeEpochMask)<<32
	nsec := int64(extra >> timeEpochBits)
	return time.Duration(s)*time.Second + time.Duration(nsec)
}

// ============================================================================
// Accessors
// ============================================================================

// InodeType returns the file type.
func (r *InodeRef) InodeType() InodeType {
	return inodeTypeFromMode(r.Mode())
}

// IsDir reports whether the inode is a directory.
func (r *InodeRef) IsDir() bool {
	return r.InodeType() == TypeDirectory
}

// Size returns the file size in bytes.
func (r *InodeRef) Size() uint64 {
	return engine.InodeGetSize(r.sb(), r.inode())
}

// Mode returns the full mode, file type bits included.
func (r *InodeRef) Mode() uint32 {
	return engine.InodeGetMode(r.sb(), r.inode())
}

// Nlink returns the link count.
func (r *InodeRef) Nlink() uint16 {
	return r.inode().LinksCount
}

// UID returns the owner.
func (r *InodeRef) UID() uint32 {
	in := r.inode()
	return uint32(in.UIDHigh)<<16 | uint32(in.UID)
}

// GID returns the group.
func (r *InodeRef) GID() uint32 {
	in := r.inode()
	return uint32(in.GIDHigh)<<16 | uint32(in.GID)
}

// Attr returns a snapshot of the inode attributes.
func (r *InodeRef) Attr() FileAttr {
	in := r.inode()
	return FileAttr{
		Ino:       r.Ino(),
		Type:      r.InodeType(),
		Nlink:     r.Nlink(),
		Mode:      r.Mode(),
		UID:       r.UID(),
		GID:       r.GID(),
		Size:      r.Size(),
		BlockSize: r.blockSize(),
		Blocks:    engine.InodeGetBlocksCount(r.sb(), in),
		Atime:     decodeTime(in.AccessTime, in.AtimeExtra),
		Mtime:     decodeTime(in.ModificationTime, in.MtimeExtra),
		Ctime:     decodeTime(in.ChangeInodeTime, in.CtimeExtra),
	}
}

// ============================================================================
// Mutators
// ============================================================================

// SetMode replaces the full mode.
func (r *InodeRef) SetMode(mode uint32) {
	engine.InodeSetMode(r.sb(), r.inode(), mode)
	r.markDirty()
}

// SetUID sets the owner.
func (r *InodeRef) SetUID(uid uint32) {
	in := r.inode()
	in.UID = uint16(uid)
	in.UIDHigh = uint16(uid >> 16)
	r.markDirty()
}

// SetGID sets the group.
func (r *InodeRef) SetGID(gid uint32) {
	in := r.inode()
	in.GID = uint16(gid)
	in.GIDHigh = uint16(gid >> 16)
	r.markDirty()
}

func (r *InodeRef) SetATime(d time.Duration) {
	in := r.inode()
	in.AccessTime, in.AtimeExtra = encodeTime(d)
	r.markDirty()
}

func (r *InodeRef) SetMTime(d time.Duration) {
	in := r.inode()
	in.ModificationTime, in.MtimeExtra = encodeTime(d)
	r.markDirty()
}

func (r *InodeRef) SetCTime(d time.Duration) {
	in := r.inode()
	in.ChangeInodeTime, in.CtimeExtra = encodeTime(d)
	r.markDirty()
}

// UpdateATime sets the access time from the filesystem clock. It does
// nothing when no clock is available.
func (r *InodeRef) UpdateATime() {
	if now, ok := r.now(); ok {
		r.SetATime(now)
	}
}

// UpdateMTime sets the modification time from the filesystem clock.
func (r *InodeRef) UpdateMTime() {
	if now, ok := r.now(); ok {
		r.SetMTime(now)
	}
}

// UpdateCTime sets the change time from the filesystem clock.
func (r *InodeRef) UpdateCTime() {
	if now, ok := r.now(); ok {
		r.SetCTime(now)
	}
}

func (r *InodeRef) now() (time.Duration, bool) {
	if r.fs.clock == nil {
		return 0, false
	}
	return r.fs.clock()
}
