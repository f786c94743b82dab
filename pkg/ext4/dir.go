package ext4

import (
	"encoding/binary"

	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/engine"
)

// DirEntry is a view of one on-disk directory record. It is only valid
// until the reader steps or the lookup result is closed.
//
// The record layout depends on the filesystem revision: before revision
// (0, 5) byte 7 holds the high byte of the name length and no type is
// stored.
type DirEntry struct {
	raw []byte
	sb  *engine.Superblock
}

func (e DirEntry) oldFormat() bool {
	return e.sb.RevLevel == 0 && e.sb.MinorRevLevel < 5
}

// Ino returns the inode the entry refers to.
func (e DirEntry) Ino() uint32 {
	return binary.LittleEndian.Uint32(e.raw[0:])
}

// RecordLen returns the on-disk length of the record.
func (e DirEntry) RecordLen() uint16 {
	return binary.LittleEndian.Uint16(e.raw[4:])
}

func (e DirEntry) nameLen() int {
	n := int(e.raw[6])
	if e.oldFormat() {
		n |= int(e.raw[7]) << 8
	}
	return n
}

// NameBytes returns the entry name, aliasing the directory block.
func (e DirEntry) NameBytes() []byte {
	return e.raw[engine.DirEntryHeaderSize : engine.DirEntryHeaderSize+e.nameLen()]
}

// Name returns a copy of the entry name.
func (e DirEntry) Name() string {
	return string(e.NameBytes())
}

// InodeType returns the file type stored in the record, or TypeUnknown on
// filesystems whose records carry no type.
func (e DirEntry) InodeType() InodeType {
	if e.oldFormat() {
		return TypeUnknown
	}
	return inodeTypeFromDirent(e.raw[7])
}

// DirEntryInfo is a copied directory entry.
type DirEntryInfo struct {
	Ino  uint32
	Name string
	Type InodeType

	// Offset is the position of the entry in the directory stream.
	Offset uint64
}

// ============================================================================
// Reader
// ============================================================================

// DirReader is a cursor over the entries of a directory in on-disk order.
// Once exhausted it stays exhausted.
type DirReader struct {
	parent *InodeRef
	owned  bool
	it     engine.DirIter
	closed bool
}

// ReadDir opens a reader positioned at byte offset off of the directory
// stream. The reader borrows r and must be closed before r is released.
func (r *InodeRef) ReadDir(off uint64) (*DirReader, error) {
	d := &DirReader{parent: r}
	if err := check(r.fs.eng.DirIteratorInit(&d.it, &r.raw, off), "ext4_dir_iterator_init"); err != nil {
		return nil, err
	}
	return d, nil
}

// Current returns the entry at the cursor, or false once exhausted.
func (d *DirReader) Current() (DirEntry, bool) {
	if d.closed || d.it.Curr == nil {
		return DirEntry{}, false
	}
	return DirEntry{raw: d.it.Curr, sb: d.parent.sb()}, true
}

// Step advances the cursor. Stepping an exhausted reader does nothing.
func (d *DirReader) Step() error {
	if d.closed || d.it.Curr == nil {
		return nil
	}
	return check(d.parent.fs.eng.DirIteratorNext(&d.it), "ext4_dir_iterator_next")
}

// Offset returns the byte offset of the cursor. Passing it to ReadDir
// resumes the listing at the current entry.
func (d *DirReader) Offset() uint64 {
	return d.it.CurrOff
}

// Close finalizes the engine cursor and, for readers opened through
// Filesystem.ReadDir, releases the directory.
func (d *DirReader) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := check(d.parent.fs.eng.DirIteratorFini(&d.it), "ext4_dir_iterator_fini")
	if err != nil {
		logger.Error("ext4: %v", err)
	}
	if d.owned {
		d.parent.Release()
	}
	return err
}

// ============================================================================
// Lookup
// ============================================================================

// DirLookupResult is the result of an exact-name search. It must be closed
// before the directory it was found in is modified or released.
type DirLookupResult struct {
	parent *InodeRef
	owned  bool
	res    engine.DirSearchResult
	closed bool
}

// Lookup searches the directory for name. ErrNotFound reports a missing
// entry.
func (r *InodeRef) Lookup(name string) (*DirLookupResult, error) {
	l := &DirLookupResult{parent: r}
	if err := check(r.fs.eng.DirFindEntry(&l.res, &r.raw, []byte(name)), "ext4_dir_find_entry"); err != nil {
		return nil, err
	}
	return l, nil
}

// Entry returns the entry found.
func (l *DirLookupResult) Entry() DirEntry {
	return DirEntry{raw: l.res.Dentry, sb: l.parent.sb()}
}

// SetIno points the entry at another inode. The record is written back when
// the result is closed. Link counts are not adjusted.
func (l *DirLookupResult) SetIno(ino uint32) {
	binary.LittleEndian.PutUint32(l.res.Dentry[0:], ino)
	l.res.Dirty = true
}

// Close destroys the engine search result and, for results obtained through
// Filesystem.Lookup, releases the directory.
func (l *DirLookupResult) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := check(l.parent.fs.eng.DirDestroyResult(&l.parent.raw, &l.res), "ext4_dir_destroy_result")
	if err != nil {
		logger.Error("ext4: %v", err)
	}
	if l.owned {
		l.parent.Release()
	}
	return err
}

// ============================================================================
// Entry mutation
// ============================================================================

// HasChildren reports whether the directory holds entries other than . and
// ... It is false for anything that is not a directory.
func (r *InodeRef) HasChildren() (bool, error) {
	if !r.IsDir() {
		return false, nil
	}
	d, err := r.ReadDir(0)
	if err != nil {
		return false, err
	}
	defer d.Close()

	for {
		e, ok := d.Current()
		if !ok {
			return false, nil
		}
		if name := e.Name(); name != "." && name != ".." {
			return true, nil
		}
		if err := d.Step(); err != nil {
			return false, err
		}
	}
}

// addEntry links child into the directory as name and increments the link
// count of child.
func (r *InodeRef) addEntry(name string, child *InodeRef) error {
	if err := check(r.fs.eng.DirAddEntry(&r.raw, []byte(name), &child.raw), "ext4_dir_add_entry"); err != nil {
		return err
	}
	child.incNlink()
	return nil
}

// removeEntry unlinks name from the directory. Link counts are not touched.
func (r *InodeRef) removeEntry(name string) error {
	return check(r.fs.eng.DirRemoveEntry(&r.raw, []byte(name)), "ext4_dir_remove_entry")
}
