package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/marmos91/ext4bridge/pkg/ext4"
)

// splitPath breaks a slash separated path into its names. Empty elements
// are dropped, so "/a//b/" and "a/b" are the same path. Every path is
// relative to the root directory.
func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// resolve walks path from the root directory and returns its inode number.
// "." and ".." are looked up like any other name, which works because every
// directory carries both entries. Symbolic links are not followed.
func resolve(fs *ext4.Filesystem, path string) (uint32, error) {
	ino := ext4.RootIno
	for _, name := range splitPath(path) {
		next, err := fs.LookupIno(ino, name)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		ino = next
	}
	return ino, nil
}

// resolveParent returns the directory holding the last element of path and
// that element's name.
func resolveParent(fs *ext4.Filesystem, path string) (uint32, string, error) {
	names := splitPath(path)
	if len(names) == 0 {
		return 0, "", fmt.Errorf("%q: %w", path, ext4.ErrInvalid)
	}

	dir, err := resolve(fs, strings.Join(names[:len(names)-1], "/"))
	if err != nil {
		return 0, "", err
	}
	return dir, names[len(names)-1], nil
}

func resolveAttr(fs *ext4.Filesystem, path string) (uint32, ext4.FileAttr, error) {
	ino, err := resolve(fs, path)
	if err != nil {
		return 0, ext4.FileAttr{}, err
	}
	attr, err := fs.GetAttr(ino)
	if err != nil {
		return 0, ext4.FileAttr{}, fmt.Errorf("%s: %w", path, err)
	}
	return ino, attr, nil
}

// inodeFile adapts one inode to io.ReaderAt and io.WriterAt.
type inodeFile struct {
	fs  *ext4.Filesystem
	ino uint32
}

func (f inodeFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ext4.ErrInvalid
	}
	n, err := f.fs.ReadAt(f.ino, p, uint64(off))
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f inodeFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ext4.ErrInvalid
	}
	return f.fs.WriteAt(f.ino, p, uint64(off))
}
