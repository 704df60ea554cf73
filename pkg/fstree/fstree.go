// Package fstree walks a root filesystem tree and emits one entry per
// inode in a deterministic order: depth first, siblings sorted byte-wise,
// parents always before their children. Symlink targets are recorded as
// data and never followed. Hardlinks are detected by (device, inode)
// pair; the first occurrence is emitted as a regular entry, later ones as
// hardlink references to it.
package fstree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAccess is returned when an entry in the tree cannot be read. With
// WalkOptions.SkipUnreadable the walk logs a warning and continues
// instead.
var ErrAccess = errors.New("cannot access path")

// Kind classifies a walked entry.
type Kind int

const (
	KindRegular Kind = iota
	KindDir
	KindSymlink
	KindChardev
	KindBlockdev
	KindFifo
	KindSocket
	KindHardlink
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindChardev:
		return "chardev"
	case KindBlockdev:
		return "blockdev"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	case KindHardlink:
		return "hardlink"
	default:
		return "unknown"
	}
}

// Entry describes one filesystem object relative to the walk root.
type Entry struct {
	Path    string // relative, slash separated
	Kind    Kind
	Mode    uint32 // raw mode bits including the file type
	UID     uint32
	GID     uint32
	Size    int64 // regular files only
	ModTime time.Time

	// LinkTarget holds the symlink target, or for hardlink entries the
	// previously emitted path they alias.
	LinkTarget string

	// Device numbers for chardev and blockdev entries.
	DevMajor uint32
	DevMinor uint32
}

// WalkOptions control tree traversal. The zero value walks everything and
// fails on the first unreadable entry.
type WalkOptions struct {
	// SkipUnreadable logs and skips entries that cannot be read instead
	// of failing the walk.
	SkipUnreadable bool

	// OneFilesystem emits mount points as empty directories without
	// descending into them.
	OneFilesystem bool

	// Exclude patterns are matched against the relative path, and for
	// patterns without a separator also against the base name. Matching
	// directories are skipped with their whole subtree.
	Exclude []string

	Logger *slog.Logger
}

type linkKey struct {
	dev uint64
	ino uint64
}

type walker struct {
	root    string
	opts    WalkOptions
	fn      func(Entry) error
	logger  *slog.Logger
	rootDev uint64
	links   map[linkKey]string
}

// Walk traverses the tree rooted at root and calls fn for every entry.
// The root itself is not emitted. Any error from fn aborts the walk and
// is returned unwrapped.
func Walk(ctx context.Context, root string, opts WalkOptions, fn func(Entry) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var st unix.Stat_t
	if err := unix.Lstat(root, &st); err != nil {
		return fmt.Errorf("%w: failed to stat root %s: %v", ErrAccess, root, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("walk root %s is not a directory", root)
	}

	w := &walker{
		root:    root,
		opts:    opts,
		fn:      fn,
		logger:  logger,
		rootDev: uint64(st.Dev),
		links:   make(map[linkKey]string),
	}

	return w.walkDir(ctx, "")
}

func (w *walker) walkDir(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full := filepath.Join(w.root, filepath.FromSlash(rel))
	dirents, err := os.ReadDir(full)
	if err != nil {
		if w.opts.SkipUnreadable {
			w.logger.Warn("skipping unreadable directory", "path", rel, "error", err)
			return nil
		}
		return fmt.Errorf("%w: failed to read directory %s: %v", ErrAccess, rel, err)
	}

	for _, de := range dirents {
		if err := ctx.Err(); err != nil {
			return err
		}

		childRel := path.Join(rel, de.Name())
		if w.excluded(childRel) {
			w.logger.Debug("excluding entry", "path", childRel)
			continue
		}

		var st unix.Stat_t
		childFull := filepath.Join(full, de.Name())
		if err := unix.Lstat(childFull, &st); err != nil {
			if w.opts.SkipUnreadable {
				w.logger.Warn("skipping unreadable entry", "path", childRel, "error", err)
				continue
			}
			return fmt.Errorf("%w: failed to stat %s: %v", ErrAccess, childRel, err)
		}

		entry := entryFromStat(childRel, &st)

		if entry.Kind == KindSymlink {
			target, err := os.Readlink(childFull)
			if err != nil {
				if w.opts.SkipUnreadable {
					w.logger.Warn("skipping unreadable symlink", "path", childRel, "error", err)
					continue
				}
				return fmt.Errorf("%w: failed to read symlink %s: %v", ErrAccess, childRel, err)
			}
			entry.LinkTarget = target
		}

		// Everything except directories can be hardlinked. The first
		// occurrence stays what it is, later ones become references.
		if entry.Kind != KindDir && st.Nlink > 1 {
			key := linkKey{dev: uint64(st.Dev), ino: st.Ino}
			if first, ok := w.links[key]; ok {
				entry.Kind = KindHardlink
				entry.LinkTarget = first
				entry.Size = 0
			} else {
				w.links[key] = childRel
			}
		}

		if err := w.fn(entry); err != nil {
			return err
		}

		if entry.Kind != KindDir {
			continue
		}
		if w.opts.OneFilesystem && uint64(st.Dev) != w.rootDev {
			w.logger.Debug("not crossing filesystem boundary", "path", childRel)
			continue
		}
		if err := w.walkDir(ctx, childRel); err != nil {
			return err
		}
	}

	return nil
}

func (w *walker) excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range w.opts.Exclude {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if !containsSeparator(pattern) {
			if ok, _ := path.Match(pattern, base); ok {
				return true
			}
		}
	}

	return false
}

func containsSeparator(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '/' {
			return true
		}
	}

	return false
}

func entryFromStat(rel string, st *unix.Stat_t) Entry {
	e := Entry{
		Path:    rel,
		Mode:    uint32(st.Mode),
		UID:     st.Uid,
		GID:     st.Gid,
		ModTime: time.Unix(st.Mtim.Unix()),
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		e.Kind = KindDir
	case unix.S_IFREG:
		e.Kind = KindRegular
		e.Size = st.Size
	case unix.S_IFLNK:
		e.Kind = KindSymlink
	case unix.S_IFCHR:
		e.Kind = KindChardev
		e.DevMajor = unix.Major(uint64(st.Rdev))
		e.DevMinor = unix.Minor(uint64(st.Rdev))
	case unix.S_IFBLK:
		e.Kind = KindBlockdev
		e.DevMajor = unix.Major(uint64(st.Rdev))
		e.DevMinor = unix.Minor(uint64(st.Rdev))
	case unix.S_IFIFO:
		e.Kind = KindFifo
	case unix.S_IFSOCK:
		e.Kind = KindSocket
	}

	return e
}
