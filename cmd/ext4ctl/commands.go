package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"github.com/marmos91/ext4bridge/pkg/config"
	"github.com/marmos91/ext4bridge/pkg/engine/simfs"
	"github.com/marmos91/ext4bridge/pkg/ext4"
)

// copyBufferSize is the transfer size used by cat and put.
const copyBufferSize = 64 * 1024

func cmdInit(configPath string, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	force := flags.Bool("force", false, "Overwrite an existing config file")
	if _, err := parseFlags(flags, args, 0, 0); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Fprintf(out, "Configuration written to %s\n", path)
	return nil
}

// cmdMkfs formats the configured device. With -size the device is created
// (or resized) to hold that many bytes first.
func cmdMkfs(s *session, args []string) error {
	flags := flag.NewFlagSet("mkfs", flag.ContinueOnError)
	size := flags.String("size", "", "Device size, e.g. 64MiB (default: from config or the existing image)")
	label := flags.String("label", "", "Volume label")
	if _, err := parseFlags(flags, args, 0, 0); err != nil {
		return err
	}

	if *size != "" {
		bytes, err := humanize.ParseBytes(*size)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", *size, err)
		}
		if err := setDeviceBlocks(&s.cfg.Device, bytes/blockdev.BlockSize); err != nil {
			return err
		}
	}

	opts := config.FormatOptions(&s.cfg.Filesystem.Format)
	if *label != "" {
		opts.VolumeName = *label
	}

	return s.withDevice(func(dev blockdev.Device) error {
		numBlocks, err := dev.NumBlocks()
		if err != nil {
			return err
		}

		logger.Info("Formatting %s device: %s", s.cfg.Device.Type,
			humanize.IBytes(numBlocks*blockdev.BlockSize))

		if err := simfs.Format(dev, opts); err != nil {
			return fmt.Errorf("mkfs failed: %w", err)
		}
		if err := dev.Sync(); err != nil {
			return fmt.Errorf("failed to sync device: %w", err)
		}

		fmt.Fprintf(s.out, "Formatted %s (block size %d, volume %q)\n",
			humanize.IBytes(numBlocks*blockdev.BlockSize), opts.BlockSize, opts.VolumeName)
		return nil
	})
}

// setDeviceBlocks overrides the capacity of the selected backend.
func setDeviceBlocks(cfg *config.DeviceConfig, numBlocks uint64) error {
	if numBlocks == 0 {
		return fmt.Errorf("size must be at least %d bytes", blockdev.BlockSize)
	}

	switch cfg.Type {
	case "memory":
		cfg.Memory["num_blocks"] = numBlocks
	case "file":
		cfg.File["num_blocks"] = numBlocks
		cfg.File["create"] = true
	case "badger":
		cfg.Badger["num_blocks"] = numBlocks
	case "s3":
		cfg.S3["num_blocks"] = numBlocks
	default:
		return fmt.Errorf("unknown device type: %q", cfg.Type)
	}
	return nil
}

func cmdStat(s *session, args []string) error {
	if _, err := parseFlags(flag.NewFlagSet("stat", flag.ContinueOnError), args, 0, 0); err != nil {
		return err
	}

	return s.withFS(true, func(fs *ext4.Filesystem) error {
		st, err := fs.Stat()
		if err != nil {
			return err
		}

		bs := uint64(st.BlockSize)
		fmt.Fprintf(s.out, "Block size:   %d\n", st.BlockSize)
		fmt.Fprintf(s.out, "Blocks:       %d total, %d free\n", st.BlocksCount, st.FreeBlocksCount)
		fmt.Fprintf(s.out, "Inodes:       %d total, %d free\n", st.InodesCount, st.FreeInodesCount)
		fmt.Fprintf(s.out, "Size:         %s\n", humanize.IBytes(st.BlocksCount*bs))
		fmt.Fprintf(s.out, "Used:         %s\n", humanize.IBytes((st.BlocksCount-st.FreeBlocksCount)*bs))
		fmt.Fprintf(s.out, "Available:    %s\n", humanize.IBytes(st.FreeBlocksCount*bs))
		return nil
	})
}

func cmdLs(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("ls", flag.ContinueOnError), args, 0, 1)
	if err != nil {
		return err
	}
	path := "/"
	if len(rest) == 1 {
		path = rest[0]
	}

	return s.withFS(true, func(fs *ext4.Filesystem) error {
		ino, err := resolve(fs, path)
		if err != nil {
			return err
		}
		attr, err := fs.GetAttr(ino)
		if err != nil {
			return err
		}
		if attr.Type != ext4.TypeDirectory {
			printAttrLine(s.out, attr, path)
			return nil
		}

		entries, err := fs.ReadDirAll(ino)
		if err != nil {
			return err
		}
		for _, e := range entries {
			child, err := fs.GetAttr(e.Ino)
			if err != nil {
				return fmt.Errorf("%s: %w", e.Name, err)
			}
			printAttrLine(s.out, child, e.Name)
		}
		return nil
	})
}

func printAttrLine(out io.Writer, attr ext4.FileAttr, name string) {
	fmt.Fprintf(out, "%s %3d %5d %5d %10d %s %s\n",
		fileMode(attr), attr.Nlink, attr.UID, attr.GID, attr.Size,
		formatTime(attr.Mtime, time.DateTime), name)
}

func cmdCat(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("cat", flag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return s.withFS(true, func(fs *ext4.Filesystem) error {
		ino, attr, err := resolveAttr(fs, rest[0])
		if err != nil {
			return err
		}
		if attr.Type == ext4.TypeDirectory {
			return fmt.Errorf("%s: %w", rest[0], ext4.ErrIsDir)
		}

		r := io.NewSectionReader(inodeFile{fs: fs, ino: ino}, 0, int64(attr.Size))
		_, err = io.CopyBuffer(s.out, r, make([]byte, copyBufferSize))
		return err
	})
}

// cmdPut copies a local file into the image, replacing the contents of an
// existing regular file.
func cmdPut(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("put", flag.ContinueOnError), args, 2, 2)
	if err != nil {
		return err
	}

	src, err := os.Open(rest[0])
	if err != nil {
		return err
	}
	defer src.Close()

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		ino, err := lookupOrCreate(fs, rest[1], ext4.TypeRegularFile, 0o644)
		if err != nil {
			return err
		}
		if err := fs.SetLen(ino, 0); err != nil {
			return err
		}

		w := io.NewOffsetWriter(inodeFile{fs: fs, ino: ino}, 0)
		n, err := io.CopyBuffer(w, src, make([]byte, copyBufferSize))
		if err != nil {
			return fmt.Errorf("%s: %w", rest[1], err)
		}

		logger.Debug("put %s -> %s (ino %d, %d bytes)", rest[0], rest[1], ino, n)
		return nil
	})
}

// lookupOrCreate returns the inode at path, creating it with the given type
// when the name does not exist yet. An existing entry of another type is an
// error.
func lookupOrCreate(fs *ext4.Filesystem, path string, typ ext4.InodeType, perm uint32) (uint32, error) {
	parent, name, err := resolveParent(fs, path)
	if err != nil {
		return 0, err
	}

	ino, err := fs.LookupIno(parent, name)
	switch {
	case err == nil:
		attr, err := fs.GetAttr(ino)
		if err != nil {
			return 0, err
		}
		if attr.Type != typ {
			return 0, fmt.Errorf("%s: %w", path, ext4.ErrExist)
		}
		return ino, nil
	case ext4.IsNotFound(err):
		return fs.Create(parent, name, typ, perm)
	default:
		return 0, err
	}
}

func cmdMkdir(s *session, args []string) error {
	flags := flag.NewFlagSet("mkdir", flag.ContinueOnError)
	parents := flags.Bool("p", false, "Create missing parents and accept an existing directory")
	rest, err := parseFlags(flags, args, 1, 1)
	if err != nil {
		return err
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		if *parents {
			_, err := mkdirAll(fs, rest[0])
			return err
		}

		parent, name, err := resolveParent(fs, rest[0])
		if err != nil {
			return err
		}
		_, err = fs.Create(parent, name, ext4.TypeDirectory, 0o755)
		return err
	})
}

// mkdirAll creates every missing directory along path.
func mkdirAll(fs *ext4.Filesystem, path string) (uint32, error) {
	ino := ext4.RootIno
	for _, name := range splitPath(path) {
		next, err := fs.LookupIno(ino, name)
		if ext4.IsNotFound(err) {
			next, err = fs.Create(ino, name, ext4.TypeDirectory, 0o755)
		}
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		ino = next
	}

	attr, err := fs.GetAttr(ino)
	if err != nil {
		return 0, err
	}
	if attr.Type != ext4.TypeDirectory {
		return 0, fmt.Errorf("%s: %w", path, ext4.ErrNotDir)
	}
	return ino, nil
}

func cmdTouch(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("touch", flag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		parent, name, err := resolveParent(fs, rest[0])
		if err != nil {
			return err
		}

		ino, err := fs.LookupIno(parent, name)
		if ext4.IsNotFound(err) {
			_, err = fs.Create(parent, name, ext4.TypeRegularFile, 0o644)
			return err
		}
		if err != nil {
			return err
		}

		return fs.WithInodeRef(ino, func(ref *ext4.InodeRef) error {
			ref.UpdateATime()
			ref.UpdateMTime()
			ref.UpdateCTime()
			return nil
		})
	})
}

func cmdRm(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("rm", flag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		parent, name, err := resolveParent(fs, rest[0])
		if err != nil {
			return err
		}
		return fs.Unlink(parent, name)
	})
}

func cmdMv(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("mv", flag.ContinueOnError), args, 2, 2)
	if err != nil {
		return err
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		srcDir, srcName, err := resolveParent(fs, rest[0])
		if err != nil {
			return err
		}
		dstDir, dstName, err := resolveParent(fs, rest[1])
		if err != nil {
			return err
		}
		return fs.Rename(srcDir, srcName, dstDir, dstName)
	})
}

func cmdLn(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("ln", flag.ContinueOnError), args, 2, 2)
	if err != nil {
		return err
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		target, err := resolve(fs, rest[0])
		if err != nil {
			return err
		}
		parent, name, err := resolveParent(fs, rest[1])
		if err != nil {
			return err
		}
		return fs.Link(parent, name, target)
	})
}

func cmdSymlink(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("symlink", flag.ContinueOnError), args, 2, 2)
	if err != nil {
		return err
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		parent, name, err := resolveParent(fs, rest[1])
		if err != nil {
			return err
		}

		ino, err := fs.Create(parent, name, ext4.TypeSymlink, 0o777)
		if err != nil {
			return err
		}
		if err := fs.SetSymlink(ino, []byte(rest[0])); err != nil {
			if unlinkErr := fs.Unlink(parent, name); unlinkErr != nil {
				logger.Warn("Failed to remove partial symlink %s: %v", rest[1], unlinkErr)
			}
			return err
		}
		return nil
	})
}

func cmdReadlink(s *session, args []string) error {
	rest, err := parseFlags(flag.NewFlagSet("readlink", flag.ContinueOnError), args, 1, 1)
	if err != nil {
		return err
	}

	return s.withFS(true, func(fs *ext4.Filesystem) error {
		ino, attr, err := resolveAttr(fs, rest[0])
		if err != nil {
			return err
		}
		if attr.Type != ext4.TypeSymlink {
			return fmt.Errorf("%s: not a symbolic link: %w", rest[0], ext4.ErrInvalid)
		}

		target := make([]byte, attr.Size)
		n, err := fs.ReadAt(ino, target, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\n", target[:n])
		return nil
	})
}

func cmdTruncate(s *session, args []string) error {
	flags := flag.NewFlagSet("truncate", flag.ContinueOnError)
	size := flags.String("size", "", "New size, e.g. 0, 4KiB, 10MB")
	rest, err := parseFlags(flags, args, 1, 1)
	if err != nil {
		return err
	}
	if *size == "" {
		return errors.New("truncate: -size is required")
	}

	n, err := humanize.ParseBytes(*size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", *size, err)
	}

	return s.withFS(false, func(fs *ext4.Filesystem) error {
		ino, err := resolve(fs, rest[0])
		if err != nil {
			return err
		}
		return fs.SetLen(ino, n)
	})
}

// cmdAttr prints the attributes of an inode after applying any requested
// ownership or permission changes.
func cmdAttr(s *session, args []string) error {
	flags := flag.NewFlagSet("attr", flag.ContinueOnError)
	mode := flags.String("mode", "", "Permission bits in octal, e.g. 0644")
	uid := flags.String("uid", "", "Owner user ID")
	gid := flags.String("gid", "", "Owner group ID")
	rest, err := parseFlags(flags, args, 1, 1)
	if err != nil {
		return err
	}

	changes, err := parseAttrChanges(*mode, *uid, *gid)
	if err != nil {
		return err
	}

	return s.withFS(len(changes) == 0, func(fs *ext4.Filesystem) error {
		ino, err := resolve(fs, rest[0])
		if err != nil {
			return err
		}

		if len(changes) > 0 {
			err := fs.WithInodeRef(ino, func(ref *ext4.InodeRef) error {
				for _, apply := range changes {
					apply(ref)
				}
				ref.UpdateCTime()
				return nil
			})
			if err != nil {
				return err
			}
		}

		attr, err := fs.GetAttr(ino)
		if err != nil {
			return err
		}
		printAttr(s.out, attr)
		return nil
	})
}

// parseAttrChanges turns the attr flags into inode mutations. Empty values
// are left unchanged.
func parseAttrChanges(mode, uid, gid string) ([]func(*ext4.InodeRef), error) {
	var changes []func(*ext4.InodeRef)

	if mode != "" {
		perm, err := strconv.ParseUint(mode, 8, 32)
		if err != nil || perm > 0o7777 {
			return nil, fmt.Errorf("invalid mode %q", mode)
		}
		changes = append(changes, func(ref *ext4.InodeRef) {
			ref.SetMode(ref.Mode()&^0o7777 | uint32(perm))
		})
	}
	if uid != "" {
		v, err := strconv.ParseUint(uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid uid %q", uid)
		}
		changes = append(changes, func(ref *ext4.InodeRef) { ref.SetUID(uint32(v)) })
	}
	if gid != "" {
		v, err := strconv.ParseUint(gid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid gid %q", gid)
		}
		changes = append(changes, func(ref *ext4.InodeRef) { ref.SetGID(uint32(v)) })
	}

	return changes, nil
}

func printAttr(out io.Writer, attr ext4.FileAttr) {
	fmt.Fprintf(out, "Inode:  %d\n", attr.Ino)
	fmt.Fprintf(out, "Type:   %s\n", attr.Type)
	fmt.Fprintf(out, "Mode:   %s (%04o)\n", fileMode(attr), attr.Mode&0o7777)
	fmt.Fprintf(out, "Links:  %d\n", attr.Nlink)
	fmt.Fprintf(out, "Owner:  %d:%d\n", attr.UID, attr.GID)
	fmt.Fprintf(out, "Size:   %d (%s)\n", attr.Size, humanize.IBytes(attr.Size))
	fmt.Fprintf(out, "Blocks: %d\n", attr.Blocks)
	fmt.Fprintf(out, "Access: %s\n", formatTime(attr.Atime, time.RFC3339Nano))
	fmt.Fprintf(out, "Modify: %s\n", formatTime(attr.Mtime, time.RFC3339Nano))
	fmt.Fprintf(out, "Change: %s\n", formatTime(attr.Ctime, time.RFC3339Nano))
}

func formatTime(d time.Duration, layout string) string {
	return time.Unix(0, int64(d)).UTC().Format(layout)
}

// fileMode converts inode type and permission bits into an os.FileMode for
// display.
func fileMode(attr ext4.FileAttr) os.FileMode {
	m := os.FileMode(attr.Mode & 0o777)
	if attr.Mode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if attr.Mode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if attr.Mode&0o1000 != 0 {
		m |= os.ModeSticky
	}

	switch attr.Type {
	case ext4.TypeDirectory:
		m |= os.ModeDir
	case ext4.TypeSymlink:
		m |= os.ModeSymlink
	case ext4.TypeFifo:
		m |= os.ModeNamedPipe
	case ext4.TypeSocket:
		m |= os.ModeSocket
	case ext4.TypeCharDevice:
		m |= os.ModeDevice | os.ModeCharDevice
	case ext4.TypeBlockDevice:
		m |= os.ModeDevice
	}
	return m
}
