package ext4

import (
	"testing"

	"github.com/marmos91/ext4bridge/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	t.Run("RegularFile", func(t *testing.T) {
		fs := newTestFS(t)
		rootBefore := fs.nlink(t, RootIno)

		ino, err := fs.Create(RootIno, "file", TypeRegularFile, 0o640)
		require.NoError(t, err)
		assert.Greater(t, ino, RootIno)

		attr, err := fs.GetAttr(ino)
		require.NoError(t, err)
		assert.Equal(t, TypeRegularFile, attr.Type)
		assert.Equal(t, uint16(1), attr.Nlink)
		assert.Equal(t, uint32(0o640), attr.Mode&0o777)
		assert.Zero(t, attr.Size)
		assert.Equal(t, testTime, attr.Atime)
		assert.Equal(t, testTime, attr.Mtime)
		assert.Equal(t, testTime, attr.Ctime)

		assert.Equal(t, rootBefore, fs.nlink(t, RootIno))
	})

	t.Run("Directory", func(t *testing.T) {
		fs := newTestFS(t)
		parent := fs.mkdir(t, RootIno, "parent")
		parentBefore := fs.nlink(t, parent)

		child := fs.mkdir(t, parent, "child")

		attr, err := fs.GetAttr(child)
		require.NoError(t, err)
		assert.Equal(t, TypeDirectory, attr.Type)
		assert.Equal(t, uint16(2), attr.Nlink)
		assert.Equal(t, uint32(0o755), attr.Mode&0o777)

		self, err := fs.LookupIno(child, ".")
		require.NoError(t, err)
		assert.Equal(t, child, self)
		up, err := fs.LookupIno(child, "..")
		require.NoError(t, err)
		assert.Equal(t, parent, up)

		assert.Equal(t, []string{".", ".."}, fs.names(t, child))
		assert.Equal(t, parentBefore+1, fs.nlink(t, parent))
	})

	t.Run("AllTypes", func(t *testing.T) {
		fs := newTestFS(t)
		types := map[string]InodeType{
			"fifo":  TypeFifo,
			"chr":   TypeCharDevice,
			"blk":   TypeBlockDevice,
			"sock":  TypeSocket,
			"link":  TypeSymlink,
			"file":  TypeRegularFile,
			"dir":   TypeDirectory,
		}
		for name, typ := range types {
			ino, err := fs.Create(RootIno, name, typ, 0o600)
			require.NoError(t, err, name)
			attr, err := fs.GetAttr(ino)
			require.NoError(t, err, name)
			assert.Equal(t, typ, attr.Type, name)
		}
	})

	t.Run("NameTaken", func(t *testing.T) {
		fs := newTestFS(t)
		fs.createFile(t, "dup")
		before, err := fs.Stat()
		require.NoError(t, err)

		_, err = fs.Create(RootIno, "dup", TypeRegularFile, 0o644)
		assert.ErrorIs(t, err, ErrExist)

		after, err := fs.Stat()
		require.NoError(t, err)
		assert.Equal(t, before.FreeInodesCount, after.FreeInodesCount, "failed create leaked an inode")
	})

	t.Run("ParentNotDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		file := fs.createFile(t, "plain")
		before, err := fs.Stat()
		require.NoError(t, err)

		_, err = fs.Create(file, "child", TypeRegularFile, 0o644)
		assert.ErrorIs(t, err, ErrNotDir)

		after, err := fs.Stat()
		require.NoError(t, err)
		assert.Equal(t, before.FreeInodesCount, after.FreeInodesCount)
	})

	t.Run("ReservedNames", func(t *testing.T) {
		fs := newTestFS(t)
		for _, name := range []string{"", ".", ".."} {
			_, err := fs.Create(RootIno, name, TypeRegularFile, 0o644)
			assert.ErrorIs(t, err, ErrInvalid, "name %q", name)
		}
	})

	t.Run("SeparatorAndNUL", func(t *testing.T) {
		fs := newTestFS(t)
		for _, name := range []string{"e2/y", "/", "a\x00b"} {
			_, err := fs.Create(RootIno, name, TypeRegularFile, 0o644)
			assert.ErrorIs(t, err, ErrInvalid, "name %q", name)
		}
		assert.Equal(t, []string{".", ".."}, fs.names(t, RootIno))
	})

	t.Run("NameTooLong", func(t *testing.T) {
		fs := newTestFS(t)
		long := make([]byte, 256)
		for i := range long {
			long[i] = 'n'
		}
		_, err := fs.Create(RootIno, string(long), TypeRegularFile, 0o644)
		assert.ErrorIs(t, err, ErrNameTooLong)
	})

	t.Run("MissingParent", func(t *testing.T) {
		fs := newTestFS(t)
		_, err := fs.Create(900, "orphan", TypeRegularFile, 0o644)
		assert.True(t, IsNotFound(err))
	})
}

func TestLink(t *testing.T) {
	t.Run("AddsName", func(t *testing.T) {
		fs := newTestFS(t)
		dir := fs.mkdir(t, RootIno, "dir")
		file := fs.createFile(t, "orig")
		data := pattern(100, 1)
		_, err := fs.WriteAt(file, data, 0)
		require.NoError(t, err)

		require.NoError(t, fs.Link(dir, "alias", file))
		assert.Equal(t, uint16(2), fs.nlink(t, file))

		got, err := fs.LookupIno(dir, "alias")
		require.NoError(t, err)
		assert.Equal(t, file, got)
	})

	t.Run("DirectoryRejected", func(t *testing.T) {
		fs := newTestFS(t)
		dir := fs.mkdir(t, RootIno, "dir")

		err := fs.Link(RootIno, "alias", dir)
		assert.ErrorIs(t, err, ErrIsDir)
		assert.Equal(t, uint16(2), fs.nlink(t, dir))
	})

	t.Run("NameTaken", func(t *testing.T) {
		fs := newTestFS(t)
		a := fs.createFile(t, "a")
		fs.createFile(t, "b")

		err := fs.Link(RootIno, "b", a)
		assert.ErrorIs(t, err, ErrExist)
		assert.Equal(t, uint16(1), fs.nlink(t, a))
	})
}

func TestUnlink(t *testing.T) {
	t.Run("File", func(t *testing.T) {
		fs := newTestFS(t)
		ino := fs.createFile(t, "victim")
		_, err := fs.WriteAt(ino, pattern(20*1024, 2), 0)
		require.NoError(t, err)

		before, err := fs.Stat()
		require.NoError(t, err)

		require.NoError(t, fs.Unlink(RootIno, "victim"))

		_, err = fs.LookupIno(RootIno, "victim")
		assert.True(t, IsNotFound(err))
		_, err = fs.GetAttr(ino)
		assert.True(t, IsNotFound(err), "inode must be freed")

		after, err := fs.Stat()
		require.NoError(t, err)
		assert.Equal(t, before.FreeInodesCount+1, after.FreeInodesCount)
		// 20 data blocks and one indirect block
		assert.Equal(t, before.FreeBlocksCount+21, after.FreeBlocksCount)
	})

	t.Run("FileWithOtherLinks", func(t *testing.T) {
		fs := newTestFS(t)
		ino := fs.createFile(t, "one")
		data := pattern(50, 3)
		_, err := fs.WriteAt(ino, data, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Link(RootIno, "two", ino))

		require.NoError(t, fs.Unlink(RootIno, "one"))
		assert.Equal(t, uint16(1), fs.nlink(t, ino))

		buf := make([]byte, 50)
		n, err := fs.ReadAt(ino, buf, 0)
		require.NoError(t, err)
		assert.Equal(t, data, buf[:n])
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		parent := fs.mkdir(t, RootIno, "parent")
		child := fs.mkdir(t, parent, "child")
		parentBefore := fs.nlink(t, parent)

		require.NoError(t, fs.Unlink(parent, "child"))

		assert.Equal(t, parentBefore-1, fs.nlink(t, parent))
		_, err := fs.GetAttr(child)
		assert.True(t, IsNotFound(err))
		assert.Equal(t, []string{".", ".."}, fs.names(t, parent))
	})

	t.Run("NonEmptyDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		dir := fs.mkdir(t, RootIno, "full")
		_, err := fs.Create(dir, "inside", TypeRegularFile, 0o644)
		require.NoError(t, err)
		rootBefore := fs.nlink(t, RootIno)

		err = fs.Unlink(RootIno, "full")
		assert.ErrorIs(t, err, ErrNotEmpty)

		got, err := fs.LookupIno(RootIno, "full")
		require.NoError(t, err)
		assert.Equal(t, dir, got)
		assert.Equal(t, rootBefore, fs.nlink(t, RootIno))
	})

	t.Run("Missing", func(t *testing.T) {
		fs := newTestFS(t)
		err := fs.Unlink(RootIno, "ghost")
		assert.True(t, IsNotFound(err))
	})

	t.Run("ReservedNames", func(t *testing.T) {
		fs := newTestFS(t)
		dir := fs.mkdir(t, RootIno, "dir")
		assert.ErrorIs(t, fs.Unlink(dir, "."), ErrInvalid)
		assert.ErrorIs(t, fs.Unlink(dir, ".."), ErrInvalid)
	})

	t.Run("Symlink", func(t *testing.T) {
		fs := newTestFS(t)
		ino, err := fs.Create(RootIno, "link", TypeSymlink, 0o777)
		require.NoError(t, err)
		require.NoError(t, fs.SetSymlink(ino, []byte("target")))

		require.NoError(t, fs.Unlink(RootIno, "link"))
		_, err = fs.GetAttr(ino)
		assert.True(t, IsNotFound(err))
	})

	t.Run("InodeIsReused", func(t *testing.T) {
		fs := newTestFS(t)
		first := fs.createFile(t, "first")
		require.NoError(t, fs.Unlink(RootIno, "first"))

		second := fs.createFile(t, "second")
		assert.Equal(t, first, second)

		attr, err := fs.GetAttr(second)
		require.NoError(t, err)
		assert.Equal(t, uint16(1), attr.Nlink)
		assert.Zero(t, attr.Size)
	})
}

func TestRename(t *testing.T) {
	t.Run("FileAcrossDirectories", func(t *testing.T) {
		fs := newTestFS(t)
		src := fs.mkdir(t, RootIno, "src")
		dst := fs.mkdir(t, RootIno, "dst")
		ino, err := fs.Create(src, "a", TypeRegularFile, 0o644)
		require.NoError(t, err)
		srcLinks, dstLinks := fs.nlink(t, src), fs.nlink(t, dst)

		require.NoError(t, fs.Rename(src, "a", dst, "b"))

		got, err := fs.LookupIno(dst, "b")
		require.NoError(t, err)
		assert.Equal(t, ino, got)
		_, err = fs.LookupIno(src, "a")
		assert.True(t, IsNotFound(err))

		assert.Equal(t, uint16(1), fs.nlink(t, ino))
		assert.Equal(t, srcLinks, fs.nlink(t, src))
		assert.Equal(t, dstLinks, fs.nlink(t, dst))
	})

	t.Run("WithinDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		ino := fs.createFile(t, "old")

		require.NoError(t, fs.Rename(RootIno, "old", RootIno, "new"))

		got, err := fs.LookupIno(RootIno, "new")
		require.NoError(t, err)
		assert.Equal(t, ino, got)
		assert.Equal(t, []string{".", "..", "new"}, fs.names(t, RootIno))
		assert.Equal(t, uint16(1), fs.nlink(t, ino))
	})

	t.Run("DirectoryRepointsDotDot", func(t *testing.T) {
		fs := newTestFS(t)
		src := fs.mkdir(t, RootIno, "src")
		dst := fs.mkdir(t, RootIno, "dst")
		moved := fs.mkdir(t, src, "a")
		srcLinks, dstLinks := fs.nlink(t, src), fs.nlink(t, dst)

		require.NoError(t, fs.Rename(src, "a", dst, "b"))

		got, err := fs.LookupIno(dst, "b")
		require.NoError(t, err)
		assert.Equal(t, moved, got)
		_, err = fs.LookupIno(src, "a")
		assert.True(t, IsNotFound(err))

		up, err := fs.LookupIno(moved, "..")
		require.NoError(t, err)
		assert.Equal(t, dst, up)

		assert.Equal(t, srcLinks-1, fs.nlink(t, src))
		assert.Equal(t, dstLinks+1, fs.nlink(t, dst))
		assert.Equal(t, uint16(2), fs.nlink(t, moved))
	})

	t.Run("DirectoryWithinParent", func(t *testing.T) {
		fs := newTestFS(t)
		dir := fs.mkdir(t, RootIno, "before")
		rootLinks := fs.nlink(t, RootIno)

		require.NoError(t, fs.Rename(RootIno, "before", RootIno, "after"))

		up, err := fs.LookupIno(dir, "..")
		require.NoError(t, err)
		assert.Equal(t, RootIno, up)
		assert.Equal(t, rootLinks, fs.nlink(t, RootIno))
		assert.Equal(t, uint16(2), fs.nlink(t, dir))
	})

	t.Run("ReplacesFile", func(t *testing.T) {
		fs := newTestFS(t)
		a := fs.createFile(t, "a")
		b := fs.createFile(t, "b")
		_, err := fs.WriteAt(b, pattern(3000, 1), 0)
		require.NoError(t, err)
		before, err := fs.Stat()
		require.NoError(t, err)

		require.NoError(t, fs.Rename(RootIno, "a", RootIno, "b"))

		got, err := fs.LookupIno(RootIno, "b")
		require.NoError(t, err)
		assert.Equal(t, a, got)
		_, err = fs.GetAttr(b)
		assert.True(t, IsNotFound(err), "replaced inode must be freed")
		assert.Equal(t, []string{".", "..", "b"}, fs.names(t, RootIno))

		after, err := fs.Stat()
		require.NoError(t, err)
		assert.Equal(t, before.FreeInodesCount+1, after.FreeInodesCount)
		assert.Equal(t, before.FreeBlocksCount+3, after.FreeBlocksCount)
	})

	t.Run("ReplacesEmptyDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		a := fs.mkdir(t, RootIno, "a")
		b := fs.mkdir(t, RootIno, "b")
		rootLinks := fs.nlink(t, RootIno)

		require.NoError(t, fs.Rename(RootIno, "a", RootIno, "b"))

		got, err := fs.LookupIno(RootIno, "b")
		require.NoError(t, err)
		assert.Equal(t, a, got)
		_, err = fs.GetAttr(b)
		assert.True(t, IsNotFound(err))
		assert.Equal(t, rootLinks-1, fs.nlink(t, RootIno))
	})

	t.Run("RefusesNonEmptyDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		fs.mkdir(t, RootIno, "a")
		b := fs.mkdir(t, RootIno, "b")
		_, err := fs.Create(b, "keep", TypeRegularFile, 0o644)
		require.NoError(t, err)

		err = fs.Rename(RootIno, "a", RootIno, "b")
		assert.ErrorIs(t, err, ErrNotEmpty)

		_, err = fs.LookupIno(RootIno, "a")
		assert.NoError(t, err)
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		fs := newTestFS(t)
		fs.mkdir(t, RootIno, "dir")
		fs.createFile(t, "file")

		assert.ErrorIs(t, fs.Rename(RootIno, "dir", RootIno, "file"), ErrNotDir)
		assert.ErrorIs(t, fs.Rename(RootIno, "file", RootIno, "dir"), ErrIsDir)
	})

	t.Run("SameInodeIsNoop", func(t *testing.T) {
		fs := newTestFS(t)
		ino := fs.createFile(t, "x")
		require.NoError(t, fs.Link(RootIno, "y", ino))

		require.NoError(t, fs.Rename(RootIno, "x", RootIno, "y"))

		assert.Equal(t, []string{".", "..", "x", "y"}, fs.names(t, RootIno))
		assert.Equal(t, uint16(2), fs.nlink(t, ino))
	})

	t.Run("MissingSource", func(t *testing.T) {
		fs := newTestFS(t)
		err := fs.Rename(RootIno, "ghost", RootIno, "other")
		assert.True(t, IsNotFound(err))
	})

	t.Run("SeparatorAndNUL", func(t *testing.T) {
		fs := newTestFS(t)
		ino := fs.createFile(t, "x2")
		fs.mkdir(t, RootIno, "e2")

		for _, name := range []string{"e2/y", "a\x00b"} {
			assert.ErrorIs(t, fs.Rename(RootIno, "x2", RootIno, name), ErrInvalid, "name %q", name)
			assert.ErrorIs(t, fs.Link(RootIno, name, ino), ErrInvalid, "name %q", name)
		}
		assert.Equal(t, []string{".", "..", "e2", "x2"}, fs.names(t, RootIno))
		assert.Equal(t, uint16(1), fs.nlink(t, ino))
	})

	t.Run("FailedAddKeepsSource", func(t *testing.T) {
		fs := newTestFS(t)
		src := fs.mkdir(t, RootIno, "src")
		dst := fs.mkdir(t, RootIno, "dst")
		ino, err := fs.Create(src, "a", TypeRegularFile, 0o644)
		require.NoError(t, err)

		fs.eng.addErr = engine.ENOSPC
		err = fs.Rename(src, "a", dst, "b")
		fs.eng.addErr = engine.EOK
		assert.Equal(t, engine.ENOSPC, Code(err))

		got, err := fs.LookupIno(src, "a")
		require.NoError(t, err)
		assert.Equal(t, ino, got)
		assert.Equal(t, []string{".", ".."}, fs.names(t, dst))
		assert.Equal(t, uint16(1), fs.nlink(t, ino))
	})

	t.Run("FailedAddKeepsDirectory", func(t *testing.T) {
		fs := newTestFS(t)
		src := fs.mkdir(t, RootIno, "src")
		dst := fs.mkdir(t, RootIno, "dst")
		moved := fs.mkdir(t, src, "a")
		srcLinks, dstLinks := fs.nlink(t, src), fs.nlink(t, dst)

		fs.eng.addErr = engine.ENOSPC
		err := fs.Rename(src, "a", dst, "b")
		fs.eng.addErr = engine.EOK
		assert.Equal(t, engine.ENOSPC, Code(err))

		got, err := fs.LookupIno(src, "a")
		require.NoError(t, err)
		assert.Equal(t, moved, got)
		up, err := fs.LookupIno(moved, "..")
		require.NoError(t, err)
		assert.Equal(t, src, up)

		assert.Equal(t, srcLinks, fs.nlink(t, src))
		assert.Equal(t, dstLinks, fs.nlink(t, dst))
		assert.Equal(t, uint16(2), fs.nlink(t, moved))
	})
}
