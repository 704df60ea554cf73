package ext4

import "fmt"

const (
	// BlockSize is the only block size the builder produces.
	BlockSize = 4096

	blockSizeLog   = 2 // 1024 << 2 == 4096
	blocksPerGroup = 32768
	inodesPerGroup = 8192
	inodeSize      = 256
	descSize       = 32

	superblockOffset = 1024

	// RootInode is the well-known inode number of the root directory.
	RootInode = 2

	// firstFreeInode is where allocation starts, right behind the
	// reserved inodes. lost+found takes it.
	firstFreeInode = 11

	inodeTableBlocksPerGroup = inodesPerGroup * inodeSize / BlockSize
)

// MinSizeForInodes returns the smallest region size whose geometry
// provides at least n inodes. Inode slots come in fixed per group
// allotments, so inode heavy trees force extra groups regardless of
// how many bytes they hold.
func MinSizeForInodes(n int64) int64 {
	groups := (n + inodesPerGroup - 1) / inodesPerGroup
	if groups < 1 {
		groups = 1
	}

	gdtBlocks := (groups*descSize + BlockSize - 1) / BlockSize
	// The trailing group carries a full inode allotment as long as its
	// metadata and one data block fit.
	shortGroup := int64(2+inodeTableBlocksPerGroup) + 1 + gdtBlocks + 1

	return ((groups-1)*blocksPerGroup + shortGroup) * BlockSize
}

// geometry fixes where every piece of filesystem metadata lives. It is
// fully determined by the region size.
type geometry struct {
	TotalBlocks int64
	GroupCount  int64
	InodeCount  uint32

	// gdtBlocks is the size of one copy of the group descriptor table.
	gdtBlocks int64
}

func computeGeometry(regionSize int64) (geometry, error) {
	totalBlocks := regionSize / BlockSize
	groupCount := (totalBlocks + blocksPerGroup - 1) / blocksPerGroup
	if groupCount == 0 {
		return geometry{}, fmt.Errorf("%w: region of %d bytes holds no blocks", ErrCapacity, regionSize)
	}

	geo := geometry{
		TotalBlocks: totalBlocks,
		GroupCount:  groupCount,
		InodeCount:  uint32(groupCount * inodesPerGroup),
		gdtBlocks:   (groupCount*descSize + BlockSize - 1) / BlockSize,
	}

	// The last group must at least hold its own metadata plus one data
	// block, otherwise nothing fits.
	for g := int64(0); g < groupCount; g++ {
		if geo.groupBlockCount(g) <= geo.metadataBlocks(g) {
			return geometry{}, fmt.Errorf("%w: region of %d bytes cannot hold group %d metadata", ErrCapacity, regionSize, g)
		}
	}

	return geo, nil
}

// groupFirstBlock returns the absolute number of the first block in the
// group.
func (g geometry) groupFirstBlock(group int64) int64 {
	return group * blocksPerGroup
}

// groupBlockCount returns how many blocks the group actually covers. Only
// the last group can be short.
func (g geometry) groupBlockCount(group int64) int64 {
	if count := g.TotalBlocks - g.groupFirstBlock(group); count < blocksPerGroup {
		return count
	}

	return blocksPerGroup
}

// hasSuperblockCopy reports whether the group starts with a superblock
// and group descriptor copy. With sparse_super that is group 0 and the
// powers of 3, 5 and 7.
func (g geometry) hasSuperblockCopy(group int64) bool {
	if group == 0 || group == 1 {
		return true
	}

	for _, base := range []int64{3, 5, 7} {
		n := base
		for n < group {
			n *= base
		}
		if n == group {
			return true
		}
	}

	return false
}

// metadataBlocks returns the number of blocks at the start of the group
// reserved for metadata: optional superblock and descriptor copies, then
// block bitmap, inode bitmap and inode table.
func (g geometry) metadataBlocks(group int64) int64 {
	n := int64(2 + inodeTableBlocksPerGroup)
	if g.hasSuperblockCopy(group) {
		n += 1 + g.gdtBlocks
	}

	return n
}

// blockBitmapBlock returns the absolute block number of the group's block
// bitmap.
func (g geometry) blockBitmapBlock(group int64) int64 {
	first := g.groupFirstBlock(group)
	if g.hasSuperblockCopy(group) {
		return first + 1 + g.gdtBlocks
	}

	return first
}

func (g geometry) inodeBitmapBlock(group int64) int64 {
	return g.blockBitmapBlock(group) + 1
}

func (g geometry) inodeTableBlock(group int64) int64 {
	return g.inodeBitmapBlock(group) + 1
}

// inodeLocation returns the byte offset of an inode in the region. Inode
// numbers start at 1.
func (g geometry) inodeLocation(num uint32) int64 {
	index := int64(num - 1)
	group := index / inodesPerGroup
	slot := index % inodesPerGroup

	return g.inodeTableBlock(group)*BlockSize + slot*inodeSize
}

// groupOfInode returns the block group an inode lives in.
func (g geometry) groupOfInode(num uint32) int64 {
	return int64(num-1) / inodesPerGroup
}
