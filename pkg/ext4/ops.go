package ext4

import (
	"strings"

	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/engine"
)

// checkEntryName rejects names that cannot be created, removed or renamed.
func checkEntryName(name string) error {
	switch name {
	case "":
		return &Error{Code: engine.EINVAL, Context: "empty name"}
	case ".", "..":
		return &Error{Code: engine.EINVAL, Context: "reserved name " + name}
	}
	if strings.ContainsAny(name, "/\x00") {
		return &Error{Code: engine.EINVAL, Context: "name contains '/' or NUL"}
	}
	return nil
}

// freeInode returns an unlinked inode to the engine, logging failures.
func (f *Filesystem) freeInode(ref *InodeRef) {
	ref.setNlink(0)
	if rc := f.eng.FSFreeInode(&ref.raw); rc != engine.EOK {
		logger.Error("ext4: freeing inode %d: %v", ref.Ino(), check(rc, "ext4_fs_free_inode"))
	}
}

// Create makes a new inode of type typ named name in directory parent.
//
// Directories get their . and .. entries and a link count of 2; the ..
// entry adds one link to parent. The permission bits of perm replace the
// default permissions.
//
// Returns:
//   - uint32: Inode number of the new inode
//   - error: ErrExist if name is taken, ErrNotDir if parent is not a
//     directory, or another *Error from the engine
func (f *Filesystem) Create(parent uint32, name string, typ InodeType, perm uint32) (uint32, error) {
	if err := checkEntryName(name); err != nil {
		return 0, err
	}
	p, err := f.inodeRef(parent)
	if err != nil {
		return 0, err
	}
	defer p.Release()

	child, err := f.allocInode(typ)
	if err != nil {
		return 0, err
	}
	defer child.Release()

	if err := p.addEntry(name, child); err != nil {
		f.freeInode(child)
		return 0, err
	}

	if typ == TypeDirectory {
		self := f.cloneRef(child)
		err := child.addEntry(".", self)
		self.Release()
		if err == nil {
			err = child.addEntry("..", p)
		}
		if err != nil {
			if rerr := p.removeEntry(name); rerr != nil {
				logger.Error("ext4: rolling back create of %q: %v", name, rerr)
			}
			f.freeInode(child)
			return 0, err
		}
		child.setNlink(2)
	}

	child.SetMode(child.Mode()&^0o777 | perm&0o777)
	child.UpdateATime()
	child.UpdateMTime()
	child.UpdateCTime()
	p.UpdateMTime()
	p.UpdateCTime()

	logger.Debug("ext4: created %s %q as inode %d in %d", typ, name, child.Ino(), parent)
	return child.Ino(), nil
}

// Link adds a hard link named name in directory dir to inode child.
// Directories cannot be linked.
func (f *Filesystem) Link(dir uint32, name string, child uint32) error {
	if err := checkEntryName(name); err != nil {
		return err
	}
	c, err := f.inodeRef(child)
	if err != nil {
		return err
	}
	defer c.Release()
	if c.IsDir() {
		return &Error{Code: engine.EISDIR, Context: "cannot link to directory"}
	}

	d, err := f.inodeRef(dir)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.addEntry(name, c); err != nil {
		return err
	}
	c.UpdateCTime()
	d.UpdateMTime()
	d.UpdateCTime()
	return nil
}

// Unlink removes entry name from directory dir.
//
// Directories must be empty. Removing a directory drops the link its ..
// entry held on dir. The inode is truncated and freed once no links
// remain; a directory is first cut back to one block, then to zero.
func (f *Filesystem) Unlink(dir uint32, name string) error {
	if err := checkEntryName(name); err != nil {
		return err
	}
	d, err := f.inodeRef(dir)
	if err != nil {
		return err
	}
	defer d.Release()

	res, err := d.Lookup(name)
	if err != nil {
		return err
	}
	ino := res.Entry().Ino()
	if err := res.Close(); err != nil {
		return err
	}

	c, err := f.inodeRef(ino)
	if err != nil {
		return err
	}
	defer c.Release()

	hasChildren, err := c.HasChildren()
	if err != nil {
		return err
	}
	if hasChildren {
		return &Error{Code: engine.ENOTEMPTY, Context: "directory not empty"}
	}

	if err := d.removeEntry(name); err != nil {
		return err
	}
	if c.IsDir() {
		d.decNlink()
		c.setNlink(0)
	} else {
		c.decNlink()
	}
	c.UpdateCTime()
	d.UpdateMTime()
	d.UpdateCTime()

	if c.Nlink() > 0 {
		return nil
	}

	if c.IsDir() {
		if err := c.truncate(uint64(c.blockSize())); err != nil {
			return err
		}
	}
	if err := c.truncate(0); err != nil {
		return err
	}
	return check(f.eng.FSFreeInode(&c.raw), "ext4_fs_free_inode")
}

// Rename moves entry srcName of directory srcDir to dstName in dstDir,
// replacing any entry already there.
//
// A replaced directory must be empty. When a directory moves, its ..
// entry is pointed at dstDir and the link it held moves with it. Renaming
// an entry onto another name for the same inode does nothing.
func (f *Filesystem) Rename(srcDir uint32, srcName string, dstDir uint32, dstName string) error {
	if err := checkEntryName(srcName); err != nil {
		return err
	}
	if err := checkEntryName(dstName); err != nil {
		return err
	}

	// ========================================================================
	// Step 1: Resolve the source and clear the destination
	// ========================================================================

	src, err := f.LookupIno(srcDir, srcName)
	if err != nil {
		return err
	}
	s, err := f.inodeRef(src)
	if err != nil {
		return err
	}
	defer s.Release()

	dst, err := f.LookupIno(dstDir, dstName)
	switch {
	case err == nil && dst == src:
		return nil
	case err == nil:
		dstAttr, err := f.GetAttr(dst)
		if err != nil {
			return err
		}
		if s.IsDir() && dstAttr.Type != TypeDirectory {
			return &Error{Code: engine.ENOTDIR, Context: "cannot replace non-directory with directory"}
		}
		if !s.IsDir() && dstAttr.Type == TypeDirectory {
			return &Error{Code: engine.EISDIR, Context: "cannot replace directory with non-directory"}
		}
		if err := f.Unlink(dstDir, dstName); err != nil && !IsNotFound(err) {
			return err
		}
	case !IsNotFound(err):
		return err
	}

	sd, err := f.inodeRef(srcDir)
	if err != nil {
		return err
	}
	defer sd.Release()
	dd, err := f.inodeRef(dstDir)
	if err != nil {
		return err
	}
	defer dd.Release()

	// ========================================================================
	// Step 2: Move the entry
	// ========================================================================

	// A failed add leaves the source entry in place.
	if err := dd.addEntry(dstName, s); err != nil {
		return err
	}
	if err := sd.removeEntry(srcName); err != nil {
		if rerr := dd.removeEntry(dstName); rerr != nil {
			logger.Error("ext4: rolling back rename to %q: %v", dstName, rerr)
		}
		s.decNlink()
		return err
	}
	// addEntry counted a new link; the entry only moved.
	s.decNlink()

	// ========================================================================
	// Step 3: Repoint .. of a moved directory
	// ========================================================================

	if s.IsDir() && srcDir != dstDir {
		if err := f.setParent(s, dstDir); err != nil {
			return err
		}
		sd.decNlink()
		dd.incNlink()
	}

	s.UpdateCTime()
	sd.UpdateMTime()
	sd.UpdateCTime()
	dd.UpdateMTime()
	dd.UpdateCTime()
	return nil
}

// setParent points the .. entry of directory dir at parent.
func (f *Filesystem) setParent(dir *InodeRef, parent uint32) error {
	self := f.cloneRef(dir)
	defer self.Release()

	res, err := self.Lookup("..")
	if err != nil {
		return err
	}
	res.SetIno(parent)
	return res.Close()
}
