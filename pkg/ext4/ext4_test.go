package ext4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/maxdollinger/bundle.io/pkg/fstree"
	"github.com/maxdollinger/bundle.io/pkg/store"
)

func newTestBuilder(t *testing.T, size int64, opts Options) (*Builder, *store.MemStore) {
	t.Helper()

	dev := store.NewMemory(size)
	b, err := NewBuilder(dev, opts)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatalf("failed to init filesystem: %v", err)
	}

	return b, dev
}

func add(t *testing.T, b *Builder, e fstree.Entry, content string) {
	t.Helper()

	var r io.Reader
	if e.Kind == fstree.KindRegular {
		r = strings.NewReader(content)
	}
	if err := b.AddEntry(context.Background(), e, r); err != nil {
		t.Fatalf("failed to add %s: %v", e.Path, err)
	}
}

func dirE(path string, mode uint32) fstree.Entry {
	return fstree.Entry{Path: path, Kind: fstree.KindDir, Mode: mode, ModTime: time.Unix(1700000000, 0)}
}

func fileE(path string, mode uint32) fstree.Entry {
	return fstree.Entry{Path: path, Kind: fstree.KindRegular, Mode: mode, ModTime: time.Unix(1700000000, 0)}
}

// TestBuildAndReadBack tests the full populate and seal cycle against the
// package's own reader.
func TestBuildAndReadBack(t *testing.T) {
	b, dev := newTestBuilder(t, 32<<20, Options{Label: "rootfs"})

	add(t, b, dirE("etc", 0o755), "")
	add(t, b, fstree.Entry{
		Path: "etc/hostname", Kind: fstree.KindRegular, Mode: 0o644,
		UID: 12, GID: 34, ModTime: time.Unix(1700000100, 0),
	}, "host\n")
	add(t, b, dirE("bin", 0o755), "")
	add(t, b, fileE("bin/sh", 0o755), "#!/bin/true\n")
	add(t, b, fstree.Entry{Path: "bin/static-sh", Kind: fstree.KindHardlink, LinkTarget: "bin/sh"}, "")
	add(t, b, dirE("var", 0o700), "")
	add(t, b, fstree.Entry{Path: "etc/localtime", Kind: fstree.KindSymlink, LinkTarget: "../usr/zoneinfo/UTC"}, "")

	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open filesystem: %v", err)
	}

	content, err := fs.ReadFile("etc/hostname")
	if err != nil {
		t.Fatalf("failed to read file back: %v", err)
	}
	if string(content) != "host\n" {
		t.Errorf("expected %q, got %q", "host\n", content)
	}

	fi, err := fs.Stat("etc/hostname")
	if err != nil {
		t.Fatalf("failed to stat: %v", err)
	}
	if fi.Mode&0o777 != 0o644 {
		t.Errorf("expected mode 0644, got %o", fi.Mode&0o777)
	}
	if fi.UID != 12 || fi.GID != 34 {
		t.Errorf("expected owner 12:34, got %d:%d", fi.UID, fi.GID)
	}
	if fi.ModTime != 1700000100 {
		t.Errorf("expected mtime 1700000100, got %d", fi.ModTime)
	}

	sh, err := fs.Stat("bin/sh")
	if err != nil {
		t.Fatalf("failed to stat bin/sh: %v", err)
	}
	link, err := fs.Stat("bin/static-sh")
	if err != nil {
		t.Fatalf("failed to stat hardlink: %v", err)
	}
	if sh.Inode != link.Inode {
		t.Errorf("expected hardlink to share inode %d, got %d", sh.Inode, link.Inode)
	}
	if sh.Links != 2 {
		t.Errorf("expected link count 2, got %d", sh.Links)
	}

	lnk, err := fs.Stat("etc/localtime")
	if err != nil {
		t.Fatalf("failed to stat symlink: %v", err)
	}
	if lnk.LinkTarget != "../usr/zoneinfo/UTC" {
		t.Errorf("unexpected symlink target %q", lnk.LinkTarget)
	}

	var names []string
	entries, err := fs.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read root: %v", err)
	}
	for _, e := range entries {
		names = append(names, e.Name)
	}
	for _, want := range []string{"lost+found", "etc", "bin", "var"} {
		found := false
		for _, got := range names {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Errorf("root listing misses %s, got %v", want, names)
		}
	}

	sb, err := ReadSuperblock(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to read superblock: %v", err)
	}
	if sb.Label != "rootfs" {
		t.Errorf("expected label rootfs, got %q", sb.Label)
	}
	usedBlocks, _ := b.Usage()
	if sb.FreeBlocks != sb.BlockCount-usedBlocks {
		t.Errorf("free block count off: %d free of %d with %d used", sb.FreeBlocks, sb.BlockCount, usedBlocks)
	}
}

func TestStateMachine(t *testing.T) {
	dev := store.NewMemory(16 << 20)
	b, err := NewBuilder(dev, Options{})
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	if err := b.AddEntry(context.Background(), dirE("etc", 0o755), nil); err == nil {
		t.Error("expected error adding before init")
	}

	if err := b.Init(); err != nil {
		t.Fatalf("failed to init: %v", err)
	}
	if err := b.Init(); err == nil {
		t.Error("expected error on double init")
	}

	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	if err := b.AddEntry(context.Background(), dirE("etc", 0o755), nil); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed, got %v", err)
	}
	if err := b.Seal(context.Background()); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed on double seal, got %v", err)
	}
}

func TestOrphanEntry(t *testing.T) {
	b, _ := newTestBuilder(t, 16<<20, Options{})

	err := b.AddEntry(context.Background(), fileE("missing/file", 0o644), strings.NewReader("x"))
	if !errors.Is(err, ErrOrphanEntry) {
		t.Errorf("expected ErrOrphanEntry, got %v", err)
	}
}

func TestDanglingHardlink(t *testing.T) {
	b, _ := newTestBuilder(t, 16<<20, Options{})

	err := b.AddEntry(context.Background(), fstree.Entry{
		Path: "link", Kind: fstree.KindHardlink, LinkTarget: "never-added",
	}, nil)
	if !errors.Is(err, ErrDanglingHardlink) {
		t.Errorf("expected ErrDanglingHardlink, got %v", err)
	}
}

func TestBlockCapacityExhausted(t *testing.T) {
	b, _ := newTestBuilder(t, 8<<20, Options{})

	// 8 MiB of content cannot fit an 8 MiB region next to the metadata.
	big := bytes.Repeat([]byte{0xAB}, 1<<20)
	var err error
	for i := 0; i < 8 && err == nil; i++ {
		err = b.AddEntry(context.Background(), fileE(fmt.Sprintf("blob-%d", i), 0o644), bytes.NewReader(big))
	}
	if !errors.Is(err, ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}
}

func TestInodeCapacityExhausted(t *testing.T) {
	b, _ := newTestBuilder(t, 64<<20, Options{})

	var err error
	for i := 0; err == nil && i < inodesPerGroup+10; i++ {
		err = b.AddEntry(context.Background(), fileE(fmt.Sprintf("f%05d", i), 0o644), nil)
	}
	if !errors.Is(err, ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}
}

func TestRegionTooSmall(t *testing.T) {
	_, err := NewBuilder(store.NewMemory(1<<20), Options{})
	if !errors.Is(err, ErrCapacity) {
		t.Errorf("expected ErrCapacity for tiny region, got %v", err)
	}
}

func TestMinSizeForInodes(t *testing.T) {
	for _, n := range []int64{1, 100, inodesPerGroup, inodesPerGroup + 1, 100000} {
		size := MinSizeForInodes(n)

		geo, err := computeGeometry(size)
		if err != nil {
			t.Fatalf("geometry rejected min size for %d inodes: %v", n, err)
		}
		if int64(geo.InodeCount) < n {
			t.Errorf("min size for %d inodes only provides %d", n, geo.InodeCount)
		}
	}

	// One block less and the single group cannot hold its metadata.
	if _, err := computeGeometry(MinSizeForInodes(1) - BlockSize); !errors.Is(err, ErrCapacity) {
		t.Errorf("expected ErrCapacity one block under the minimum, got %v", err)
	}

	// Crossing the per group allotment forces a second group.
	if MinSizeForInodes(inodesPerGroup+1) <= blocksPerGroup*BlockSize {
		t.Errorf("expected %d inodes to spill into a second group", inodesPerGroup+1)
	}
}

func TestTimestampResolution(t *testing.T) {
	b, _ := newTestBuilder(t, 16<<20, Options{})

	for i, ts := range []int64{100, 500, 300} {
		e := fileE(fmt.Sprintf("f%d", i), 0o644)
		e.ModTime = time.Unix(ts, 0)
		add(t, b, e, "x")
	}
	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	if b.Timestamp() != 500 {
		t.Errorf("expected newest mtime 500, got %d", b.Timestamp())
	}

	forced, dev := newTestBuilder(t, 16<<20, Options{Timestamp: 42})
	add(t, forced, fileE("f", 0o644), "x")
	if err := forced.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	if forced.Timestamp() != 42 {
		t.Errorf("expected forced timestamp 42, got %d", forced.Timestamp())
	}

	// Entry mtimes newer than the forced timestamp are clamped down.
	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open filesystem: %v", err)
	}
	fi, err := fs.Stat("f")
	if err != nil {
		t.Fatalf("failed to stat: %v", err)
	}
	if fi.ModTime != 42 {
		t.Errorf("expected clamped mtime 42, got %d", fi.ModTime)
	}
}

// TestIdenticalBuilds tests that the same entries produce byte identical
// filesystems.
func TestIdenticalBuilds(t *testing.T) {
	build := func() []byte {
		b, dev := newTestBuilder(t, 16<<20, Options{Label: "twin"})
		add(t, b, dirE("etc", 0o755), "")
		add(t, b, fileE("etc/issue", 0o644), "hello\n")
		add(t, b, fstree.Entry{Path: "etc/alias", Kind: fstree.KindSymlink, LinkTarget: "issue"}, "")
		if err := b.Seal(context.Background()); err != nil {
			t.Fatalf("failed to seal: %v", err)
		}
		return dev.Bytes()
	}

	if !bytes.Equal(build(), build()) {
		t.Error("two identical builds differ")
	}
}

func TestDirentPackingAcrossBlocks(t *testing.T) {
	b, dev := newTestBuilder(t, 32<<20, Options{})

	add(t, b, dirE("d", 0o755), "")
	name := strings.Repeat("n", 200)
	for i := 0; i < 40; i++ {
		add(t, b, fileE(fmt.Sprintf("d/%s-%02d", name, i), 0o644), "")
	}
	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	entries, err := fs.ReadDir("d")
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 40 {
		t.Fatalf("expected 40 entries, got %d", len(entries))
	}

	fi, err := fs.Stat("d")
	if err != nil {
		t.Fatalf("failed to stat dir: %v", err)
	}
	if fi.Size <= BlockSize {
		t.Errorf("expected listing to span multiple blocks, size is %d", fi.Size)
	}
	if fi.Size%BlockSize != 0 {
		t.Errorf("directory size %d not block aligned", fi.Size)
	}
}

func TestSymlinkEncodings(t *testing.T) {
	b, dev := newTestBuilder(t, 16<<20, Options{})

	short := "short/target"
	long := strings.Repeat("deep/", 30) + "end"
	add(t, b, fstree.Entry{Path: "s", Kind: fstree.KindSymlink, LinkTarget: short}, "")
	add(t, b, fstree.Entry{Path: "l", Kind: fstree.KindSymlink, LinkTarget: long}, "")
	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	for p, want := range map[string]string{"s": short, "l": long} {
		fi, err := fs.Stat(p)
		if err != nil {
			t.Fatalf("failed to stat %s: %v", p, err)
		}
		if fi.LinkTarget != want {
			t.Errorf("symlink %s: want target %q, got %q", p, want, fi.LinkTarget)
		}
	}
}

func TestDeviceNodeEncodings(t *testing.T) {
	b, dev := newTestBuilder(t, 16<<20, Options{})

	add(t, b, fstree.Entry{Path: "null", Kind: fstree.KindChardev, Mode: 0o666, DevMajor: 1, DevMinor: 3}, "")
	add(t, b, fstree.Entry{Path: "nvme", Kind: fstree.KindBlockdev, Mode: 0o660, DevMajor: 259, DevMinor: 7}, "")
	add(t, b, fstree.Entry{Path: "pipe", Kind: fstree.KindFifo, Mode: 0o600}, "")
	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	null, err := fs.Stat("null")
	if err != nil {
		t.Fatalf("failed to stat null: %v", err)
	}
	if null.Mode&sIFMT != sIFCHR || null.DevMajor != 1 || null.DevMinor != 3 {
		t.Errorf("expected chardev 1:3, got mode %04x dev %d:%d", null.Mode, null.DevMajor, null.DevMinor)
	}

	nvme, err := fs.Stat("nvme")
	if err != nil {
		t.Fatalf("failed to stat nvme: %v", err)
	}
	if nvme.Mode&sIFMT != sIFBLK || nvme.DevMajor != 259 || nvme.DevMinor != 7 {
		t.Errorf("expected blockdev 259:7, got mode %04x dev %d:%d", nvme.Mode, nvme.DevMajor, nvme.DevMinor)
	}

	pipe, err := fs.Stat("pipe")
	if err != nil {
		t.Fatalf("failed to stat pipe: %v", err)
	}
	if pipe.Mode&sIFMT != sIFIFO {
		t.Errorf("expected fifo, got mode %04x", pipe.Mode)
	}
}

func TestLargeFileUsesExtentBlock(t *testing.T) {
	b, dev := newTestBuilder(t, 64<<20, Options{})

	// Build one file with forced fragmentation so it exceeds the four
	// inline extents and has to go through a leaf block.
	chunk := bytes.Repeat([]byte{0xCD}, BlockSize)
	ctx := context.Background()

	num, err := b.allocInode()
	if err != nil {
		t.Fatalf("failed to alloc inode: %v", err)
	}
	info := &inodeInfo{num: num, mode: sIFREG | 0o644, links: 1, flags: inodeFlagExtents}
	for i := 0; i < maxInlineExtents+1; i++ {
		blk, err := b.allocBlock()
		if err != nil {
			t.Fatalf("failed to alloc block: %v", err)
		}
		if _, err := b.dev.WriteAt(chunk, blk*BlockSize); err != nil {
			t.Fatalf("failed to write block: %v", err)
		}
		// Force a gap so runs cannot merge.
		if _, err := b.allocBlock(); err != nil {
			t.Fatalf("failed to alloc gap block: %v", err)
		}
		info.extents = append(info.extents, extent{logical: int64(i), start: blk, length: 1})
		info.size += BlockSize
		info.blocks512 += BlockSize / 512
	}
	if err := b.setExtents(info); err != nil {
		t.Fatalf("failed to set extents: %v", err)
	}
	b.inodes[num] = info
	if err := b.inodes[RootInode].dir.add("frag", num, ftRegular); err != nil {
		t.Fatalf("failed to link: %v", err)
	}
	b.paths["frag"] = num

	if err := b.Seal(ctx); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	data, err := fs.ReadFile("frag")
	if err != nil {
		t.Fatalf("failed to read fragmented file: %v", err)
	}
	if int64(len(data)) != int64(maxInlineExtents+1)*BlockSize {
		t.Fatalf("expected %d bytes, got %d", (maxInlineExtents+1)*BlockSize, len(data))
	}
	for i, by := range data {
		if by != 0xCD {
			t.Fatalf("unexpected byte %02x at %d", by, i)
		}
	}
}

func TestTreeWithOwnLostFound(t *testing.T) {
	b, dev := newTestBuilder(t, 16<<20, Options{})

	e := dirE("lost+found", 0o750)
	e.UID = 5
	add(t, b, e, "")
	if err := b.Seal(context.Background()); err != nil {
		t.Fatalf("failed to seal: %v", err)
	}

	fs, err := Open(bytes.NewReader(dev.Bytes()))
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	fi, err := fs.Stat("lost+found")
	if err != nil {
		t.Fatalf("failed to stat: %v", err)
	}
	if fi.Mode&0o777 != 0o750 || fi.UID != 5 {
		t.Errorf("expected refreshed metadata 0750/uid 5, got %o/uid %d", fi.Mode&0o777, fi.UID)
	}
}
