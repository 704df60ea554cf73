// Package ext4 builds an ext4 filesystem directly into a block device
// region, without mkfs or mount. The builder runs through three states:
// created empty, populating while entries stream in, and sealed once all
// metadata is written. Entries must arrive parents first, the way the
// tree walker emits them. File data is written immediately; directory
// blocks, inode tables, bitmaps, group descriptors and the superblock
// are laid down at seal time, when the final counts and the build
// timestamp are known.
//
// The produced filesystem uses extents, the directory file type byte and
// sparse superblock copies, and is mountable read-only by the Linux
// kernel.
package ext4

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/maxdollinger/bundle.io/pkg/store"
)

var (
	// ErrOrphanEntry is returned when an entry arrives before its
	// parent directory.
	ErrOrphanEntry = errors.New("parent directory not present")

	// ErrDanglingHardlink is returned when a hardlink references a path
	// that was never added.
	ErrDanglingHardlink = errors.New("hardlink referent not present")

	// ErrCapacity is returned when the region runs out of blocks or
	// inodes. The build aborts, a truncated filesystem is never
	// produced.
	ErrCapacity = errors.New("filesystem capacity exhausted")

	// ErrSealed is returned when entries are added after Seal.
	ErrSealed = errors.New("filesystem already sealed")
)

// uuidNamespace seeds the derived filesystem UUID.
var uuidNamespace = uuid.MustParse("35c38fbe-1879-4f7a-b165-a0b0d61c2c52")

type buildState int

const (
	stateEmpty buildState = iota
	statePopulating
	stateSealed
)

// Options configure a filesystem build.
type Options struct {
	Label string // volume name, at most 16 bytes

	// Timestamp overrides the filesystem timestamps. When zero the
	// newest modification time of the added entries is used, so
	// unchanged trees produce identical filesystems. When set, entry
	// mtimes newer than it are clamped down to it.
	Timestamp int64

	Logger *slog.Logger
}

// inodeInfo carries everything about an inode until seal time.
type inodeInfo struct {
	num       uint32
	mode      uint16
	uid       uint32
	gid       uint32
	size      int64
	links     uint16
	mtime     int64
	flags     uint32
	block     [60]byte
	extents   []extent
	blocks512 int64
	dir       *directory
}

// Builder assembles an ext4 filesystem in a device region.
type Builder struct {
	dev    store.Device
	geo    geometry
	opts   Options
	logger *slog.Logger
	state  buildState

	inodes map[uint32]*inodeInfo
	paths  map[string]uint32

	blockBitmaps    []bitmap
	inodeBitmaps    []bitmap
	groupUsedBlocks []int64
	groupUsedInodes []uint32
	groupDirs       []uint16

	nextInode   uint32
	blockCursor int64
	usedBlocks  int64
	usedInodes  uint32
	maxMtime    int64

	timestamp int64
	fsUUID    uuid.UUID
}

// NewBuilder computes the filesystem geometry for the region. The region
// must be zero-filled, the builder only writes blocks it allocates.
func NewBuilder(dev store.Device, opts Options) (*Builder, error) {
	geo, err := computeGeometry(dev.Size())
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		dev:       dev,
		geo:       geo,
		opts:      opts,
		logger:    logger,
		state:     stateEmpty,
		inodes:    make(map[uint32]*inodeInfo),
		paths:     make(map[string]uint32),
		nextInode: firstFreeInode,
	}, nil
}

// Init reserves all metadata regions and creates the root directory and
// lost+found. After Init the builder accepts entries.
func (b *Builder) Init() error {
	if b.state != stateEmpty {
		return fmt.Errorf("filesystem already initialized")
	}

	b.blockBitmaps = make([]bitmap, b.geo.GroupCount)
	b.inodeBitmaps = make([]bitmap, b.geo.GroupCount)
	b.groupUsedBlocks = make([]int64, b.geo.GroupCount)
	b.groupUsedInodes = make([]uint32, b.geo.GroupCount)
	b.groupDirs = make([]uint16, b.geo.GroupCount)

	for g := int64(0); g < b.geo.GroupCount; g++ {
		bb := newBitmap()
		for i := int64(0); i < b.geo.metadataBlocks(g); i++ {
			bb.set(i)
		}
		bb.setFrom(b.geo.groupBlockCount(g))
		b.blockBitmaps[g] = bb
		b.groupUsedBlocks[g] = b.geo.metadataBlocks(g)
		b.usedBlocks += b.geo.metadataBlocks(g)

		ib := newBitmap()
		ib.setFrom(inodesPerGroup)
		b.inodeBitmaps[g] = ib
	}

	// Inodes 1 through 10 are reserved by the format.
	for i := int64(0); i < firstFreeInode-1; i++ {
		b.inodeBitmaps[0].set(i)
	}
	b.groupUsedInodes[0] = firstFreeInode - 1
	b.usedInodes = firstFreeInode - 1

	root := &inodeInfo{
		num:   RootInode,
		mode:  sIFDIR | 0o755,
		links: 2,
		dir:   newDirectory(RootInode, RootInode),
	}
	b.inodes[RootInode] = root
	b.paths["."] = RootInode
	b.groupDirs[0]++

	b.state = statePopulating

	lostFound, err := b.makeDirectory("lost+found", RootInode, sIFDIR|0o700, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to create lost+found: %w", err)
	}
	b.paths["lost+found"] = lostFound.num

	b.logger.Debug("filesystem initialized",
		"blocks", b.geo.TotalBlocks,
		"groups", b.geo.GroupCount,
		"inodes", b.geo.InodeCount,
	)

	return nil
}

// makeDirectory allocates an inode for a new directory under parent and
// links it in.
func (b *Builder) makeDirectory(name string, parent uint32, mode uint16, uid, gid uint32, mtime int64) (*inodeInfo, error) {
	num, err := b.allocInode()
	if err != nil {
		return nil, err
	}

	info := &inodeInfo{
		num:   num,
		mode:  mode,
		uid:   uid,
		gid:   gid,
		links: 2,
		mtime: mtime,
		dir:   newDirectory(num, parent),
	}
	b.inodes[num] = info
	b.groupDirs[b.geo.groupOfInode(num)]++

	parentInfo := b.inodes[parent]
	if err := parentInfo.dir.add(name, num, ftDir); err != nil {
		return nil, err
	}
	parentInfo.links++

	return info, nil
}

func (b *Builder) allocBlock() (int64, error) {
	for blk := b.blockCursor; blk < b.geo.TotalBlocks; blk++ {
		g := blk / blocksPerGroup
		rel := blk % blocksPerGroup
		if b.blockBitmaps[g].test(rel) {
			continue
		}

		b.blockBitmaps[g].set(rel)
		b.groupUsedBlocks[g]++
		b.usedBlocks++
		b.blockCursor = blk + 1

		return blk, nil
	}

	return 0, fmt.Errorf("%w: out of blocks, %d of %d used", ErrCapacity, b.usedBlocks, b.geo.TotalBlocks)
}

// allocInode hands out inode numbers monotonically. Numbers are never
// reused, even if an entry later fails.
func (b *Builder) allocInode() (uint32, error) {
	if b.nextInode > b.geo.InodeCount {
		return 0, fmt.Errorf("%w: out of inodes, all %d used", ErrCapacity, b.geo.InodeCount)
	}

	num := b.nextInode
	b.nextInode++

	g := b.geo.groupOfInode(num)
	b.inodeBitmaps[g].set(int64(num-1) % inodesPerGroup)
	b.groupUsedInodes[g]++
	b.usedInodes++

	return num, nil
}

// Timestamp returns the resolved build timestamp. Valid after Seal.
func (b *Builder) Timestamp() int64 {
	return b.timestamp
}

// UUID returns the filesystem UUID. Valid after Seal.
func (b *Builder) UUID() uuid.UUID {
	return b.fsUUID
}

// Usage returns the number of allocated blocks and inodes.
func (b *Builder) Usage() (blocks int64, inodes uint32) {
	return b.usedBlocks, b.usedInodes
}
