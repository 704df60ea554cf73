package ext4

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/maxdollinger/bundle.io/pkg/fstree"
)

// AddEntry adds one walked entry to the filesystem. Entries must arrive
// parents first; regular file contents are streamed from r and written
// out immediately. Paths are relative and slash separated.
func (b *Builder) AddEntry(ctx context.Context, e fstree.Entry, r io.Reader) error {
	switch b.state {
	case stateSealed:
		return ErrSealed
	case stateEmpty:
		return fmt.Errorf("filesystem not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rel := path.Clean(e.Path)
	if rel == "." || rel == ".." || path.IsAbs(rel) || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("invalid entry path %q", e.Path)
	}

	if ts := e.ModTime.Unix(); ts > b.maxMtime {
		b.maxMtime = ts
	}

	parentNum, ok := b.paths[path.Dir(rel)]
	if !ok {
		return fmt.Errorf("%w: %s arrived before %s", ErrOrphanEntry, rel, path.Dir(rel))
	}
	parent := b.inodes[parentNum]
	if parent.dir == nil {
		return fmt.Errorf("%w: parent of %s is not a directory", ErrOrphanEntry, rel)
	}

	name := path.Base(rel)
	mtime := e.ModTime.Unix()
	if mtime < 0 {
		mtime = 0
	}
	if b.opts.Timestamp != 0 && mtime > b.opts.Timestamp {
		mtime = b.opts.Timestamp
	}
	perm := uint16(e.Mode & 0o7777)

	if e.Kind == fstree.KindHardlink {
		return b.addHardlink(parent, name, rel, e.LinkTarget)
	}

	if existing, ok := b.paths[rel]; ok {
		// A tree can carry its own lost+found. Re-adding a directory
		// that already exists just refreshes its metadata.
		info := b.inodes[existing]
		if e.Kind == fstree.KindDir && info.dir != nil {
			info.mode = sIFDIR | perm
			info.uid = e.UID
			info.gid = e.GID
			info.mtime = mtime
			return nil
		}
		return fmt.Errorf("duplicate entry %s", rel)
	}

	switch e.Kind {
	case fstree.KindDir:
		info, err := b.makeDirectory(name, parentNum, sIFDIR|perm, e.UID, e.GID, mtime)
		if err != nil {
			return fmt.Errorf("failed to add directory %s: %w", rel, err)
		}
		b.paths[rel] = info.num

	case fstree.KindRegular:
		num, err := b.allocInode()
		if err != nil {
			return fmt.Errorf("failed to add file %s: %w", rel, err)
		}
		info := &inodeInfo{
			num:   num,
			mode:  sIFREG | perm,
			uid:   e.UID,
			gid:   e.GID,
			links: 1,
			mtime: mtime,
			flags: inodeFlagExtents,
		}
		if err := b.writeFileData(ctx, info, r); err != nil {
			return fmt.Errorf("failed to write data of %s: %w", rel, err)
		}
		if err := parent.dir.add(name, num, ftRegular); err != nil {
			return fmt.Errorf("failed to link %s: %w", rel, err)
		}
		b.inodes[num] = info
		b.paths[rel] = num

	case fstree.KindSymlink:
		info, err := b.addSymlink(e, mtime)
		if err != nil {
			return fmt.Errorf("failed to add symlink %s: %w", rel, err)
		}
		if err := parent.dir.add(name, info.num, ftSymlink); err != nil {
			return fmt.Errorf("failed to link %s: %w", rel, err)
		}
		b.inodes[info.num] = info
		b.paths[rel] = info.num

	case fstree.KindChardev, fstree.KindBlockdev, fstree.KindFifo, fstree.KindSocket:
		info, err := b.addSpecial(e, perm, mtime)
		if err != nil {
			return fmt.Errorf("failed to add %s %s: %w", e.Kind, rel, err)
		}
		if err := parent.dir.add(name, info.num, fileTypeOfMode(info.mode)); err != nil {
			return fmt.Errorf("failed to link %s: %w", rel, err)
		}
		b.inodes[info.num] = info
		b.paths[rel] = info.num

	default:
		return fmt.Errorf("unsupported entry kind %v for %s", e.Kind, rel)
	}

	return nil
}

func (b *Builder) addHardlink(parent *inodeInfo, name, rel, target string) error {
	num, ok := b.paths[path.Clean(target)]
	if !ok {
		return fmt.Errorf("%w: %s references %s", ErrDanglingHardlink, rel, target)
	}

	info := b.inodes[num]
	if info.dir != nil {
		return fmt.Errorf("cannot hardlink directory %s", target)
	}

	if err := parent.dir.add(name, num, fileTypeOfMode(info.mode)); err != nil {
		return fmt.Errorf("failed to link %s: %w", rel, err)
	}
	info.links++
	b.paths[rel] = num

	return nil
}

// writeFileData streams r into freshly allocated blocks. Blocks are never
// reused and the store starts zeroed, so a partial final block needs no
// explicit padding.
func (b *Builder) writeFileData(ctx context.Context, info *inodeInfo, r io.Reader) error {
	if r == nil {
		return b.setExtents(info)
	}

	buf := make([]byte, BlockSize)
	var logical int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("failed to read contents: %w", err)
		}

		blk, allocErr := b.allocBlock()
		if allocErr != nil {
			return allocErr
		}
		if _, writeErr := b.dev.WriteAt(buf[:n], blk*BlockSize); writeErr != nil {
			return fmt.Errorf("failed to write block %d: %w", blk, writeErr)
		}

		info.extents = appendBlock(info.extents, logical, blk)
		logical++
		info.size += int64(n)
		info.blocks512 += BlockSize / 512

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	return b.setExtents(info)
}

// appendBlock grows the last extent when the new block continues it,
// otherwise starts a new extent.
func appendBlock(extents []extent, logical, blk int64) []extent {
	if n := len(extents); n > 0 {
		last := &extents[n-1]
		if last.start+last.length == blk && last.logical+last.length == logical && last.length < maxExtentLength {
			last.length++
			return extents
		}
	}

	return append(extents, extent{logical: logical, start: blk, length: 1})
}

// setExtents encodes the extent tree into the inode block area. Up to
// four extents are stored inline, more go through a single leaf block.
func (b *Builder) setExtents(info *inodeInfo) error {
	if len(info.extents) <= maxInlineExtents {
		putExtentHeader(info.block[:], uint16(len(info.extents)), maxInlineExtents, 0)
		for i, ext := range info.extents {
			putExtent(info.block[12+i*12:], ext)
		}
		return nil
	}

	maxLeafExtents := (BlockSize - 12) / 12
	if len(info.extents) > maxLeafExtents {
		return fmt.Errorf("file needs %d extents, at most %d supported", len(info.extents), maxLeafExtents)
	}

	leaf, err := b.allocBlock()
	if err != nil {
		return err
	}

	block := make([]byte, BlockSize)
	putExtentHeader(block, uint16(len(info.extents)), uint16(maxLeafExtents), 0)
	for i, ext := range info.extents {
		putExtent(block[12+i*12:], ext)
	}
	if _, err := b.dev.WriteAt(block, leaf*BlockSize); err != nil {
		return fmt.Errorf("failed to write extent block: %w", err)
	}

	putExtentHeader(info.block[:], 1, maxInlineExtents, 1)
	putExtentIndex(info.block[12:], 0, leaf)
	info.blocks512 += BlockSize / 512

	return nil
}

func (b *Builder) addSymlink(e fstree.Entry, mtime int64) (*inodeInfo, error) {
	target := e.LinkTarget
	if target == "" {
		return nil, fmt.Errorf("symlink without target")
	}
	if len(target) >= BlockSize {
		return nil, fmt.Errorf("symlink target of %d bytes too long", len(target))
	}

	num, err := b.allocInode()
	if err != nil {
		return nil, err
	}

	info := &inodeInfo{
		num:   num,
		mode:  sIFLNK | 0o777,
		uid:   e.UID,
		gid:   e.GID,
		links: 1,
		mtime: mtime,
		size:  int64(len(target)),
	}

	if len(target) <= maxInlineSymlink {
		copy(info.block[:], target)
		return info, nil
	}

	blk, err := b.allocBlock()
	if err != nil {
		return nil, err
	}
	if _, err := b.dev.WriteAt([]byte(target), blk*BlockSize); err != nil {
		return nil, fmt.Errorf("failed to write target block: %w", err)
	}

	info.flags = inodeFlagExtents
	info.extents = []extent{{logical: 0, start: blk, length: 1}}
	info.blocks512 = BlockSize / 512
	if err := b.setExtents(info); err != nil {
		return nil, err
	}

	return info, nil
}

// addSpecial handles device nodes, fifos and sockets. Device numbers are
// encoded in the inode block area, the old compact form when they fit in
// a byte each, the large form otherwise.
func (b *Builder) addSpecial(e fstree.Entry, perm uint16, mtime int64) (*inodeInfo, error) {
	num, err := b.allocInode()
	if err != nil {
		return nil, err
	}

	var mode uint16
	switch e.Kind {
	case fstree.KindChardev:
		mode = sIFCHR
	case fstree.KindBlockdev:
		mode = sIFBLK
	case fstree.KindFifo:
		mode = sIFIFO
	case fstree.KindSocket:
		mode = sIFSOCK
	}

	info := &inodeInfo{
		num:   num,
		mode:  mode | perm,
		uid:   e.UID,
		gid:   e.GID,
		links: 1,
		mtime: mtime,
	}

	if e.Kind == fstree.KindChardev || e.Kind == fstree.KindBlockdev {
		if e.DevMajor < 256 && e.DevMinor < 256 {
			binary.LittleEndian.PutUint32(info.block[0:], e.DevMajor<<8|e.DevMinor)
		} else {
			huge := (e.DevMinor & 0xFF) | (e.DevMajor << 8) | ((e.DevMinor &^ 0xFF) << 12)
			binary.LittleEndian.PutUint32(info.block[4:], huge)
		}
	}

	return info, nil
}

func putExtentHeader(dst []byte, entries, max, depth uint16) {
	binary.LittleEndian.PutUint16(dst[0:], extentMagic)
	binary.LittleEndian.PutUint16(dst[2:], entries)
	binary.LittleEndian.PutUint16(dst[4:], max)
	binary.LittleEndian.PutUint16(dst[6:], depth)
	binary.LittleEndian.PutUint32(dst[8:], 0)
}

func putExtent(dst []byte, ext extent) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(ext.logical))
	binary.LittleEndian.PutUint16(dst[4:], uint16(ext.length))
	binary.LittleEndian.PutUint16(dst[6:], uint16(ext.start>>32))
	binary.LittleEndian.PutUint32(dst[8:], uint32(ext.start))
}

func putExtentIndex(dst []byte, logical, leaf int64) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(logical))
	binary.LittleEndian.PutUint32(dst[4:], uint32(leaf))
	binary.LittleEndian.PutUint16(dst[8:], uint16(leaf>>32))
	binary.LittleEndian.PutUint16(dst[10:], 0)
}
