package ext4

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Seal writes all remaining metadata: directory blocks, the inode table,
// bitmaps, group descriptors and the superblock with its sparse backup
// copies. After Seal the filesystem is complete and the builder rejects
// further entries.
func (b *Builder) Seal(ctx context.Context) error {
	switch b.state {
	case stateSealed:
		return ErrSealed
	case stateEmpty:
		return fmt.Errorf("filesystem not initialized")
	}

	b.timestamp = b.opts.Timestamp
	if b.timestamp == 0 {
		b.timestamp = b.maxMtime
	}
	b.fsUUID = uuid.NewSHA1(uuidNamespace, []byte(fmt.Sprintf("%s|%d", b.opts.Label, b.timestamp)))

	// Root and lost+found were created before any entry arrived. If the
	// tree did not bring its own timestamps for them, they get the
	// build timestamp.
	for _, num := range []uint32{RootInode, b.paths["lost+found"]} {
		if info := b.inodes[num]; info != nil && info.mtime == 0 {
			info.mtime = b.timestamp
		}
	}

	if err := b.writeDirectories(ctx); err != nil {
		return err
	}
	if err := b.writeInodeTable(ctx); err != nil {
		return err
	}
	if err := b.writeBitmaps(); err != nil {
		return err
	}
	if err := b.writeGroupDescriptors(); err != nil {
		return err
	}
	if err := b.writeSuperblocks(); err != nil {
		return err
	}

	b.state = stateSealed
	b.logger.Debug("filesystem sealed",
		"blocks_used", b.usedBlocks,
		"inodes_used", b.usedInodes,
		"timestamp", b.timestamp,
	)

	return nil
}

// writeDirectories packs the accumulated listings into blocks. Inode
// numbers are handed out monotonically, so iterating them in order keeps
// the block layout deterministic.
func (b *Builder) writeDirectories(ctx context.Context) error {
	for num := uint32(RootInode); num < b.nextInode; num++ {
		info, ok := b.inodes[num]
		if !ok || info.dir == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		blocks := info.dir.pack()
		for i, data := range blocks {
			blk, err := b.allocBlock()
			if err != nil {
				return fmt.Errorf("directory inode %d: %w", num, err)
			}
			if _, err := b.dev.WriteAt(data, blk*BlockSize); err != nil {
				return fmt.Errorf("failed to write directory block: %w", err)
			}
			info.extents = appendBlock(info.extents, int64(i), blk)
		}

		info.size = int64(len(blocks)) * BlockSize
		info.blocks512 += int64(len(blocks)) * (BlockSize / 512)
		info.flags |= inodeFlagExtents
		if err := b.setExtents(info); err != nil {
			return fmt.Errorf("directory inode %d: %w", num, err)
		}
	}

	return nil
}

func (b *Builder) writeInodeTable(ctx context.Context) error {
	buf := new(bytes.Buffer)

	for num := uint32(1); num < b.nextInode; num++ {
		info, ok := b.inodes[num]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		buf.Reset()
		if err := binary.Write(buf, binary.LittleEndian, encodeInode(info)); err != nil {
			return fmt.Errorf("failed to encode inode %d: %w", num, err)
		}
		if _, err := b.dev.WriteAt(buf.Bytes(), b.geo.inodeLocation(num)); err != nil {
			return fmt.Errorf("failed to write inode %d: %w", num, err)
		}
	}

	return nil
}

func encodeInode(info *inodeInfo) inode {
	ts := uint32(info.mtime)

	return inode{
		Mode:       info.mode,
		UID:        uint16(info.uid),
		UIDHi:      uint16(info.uid >> 16),
		GID:        uint16(info.gid),
		GIDHi:      uint16(info.gid >> 16),
		SizeLo:     uint32(info.size),
		SizeHi:     uint32(info.size >> 32),
		Atime:      ts,
		Ctime:      ts,
		Mtime:      ts,
		Crtime:     ts,
		LinksCount: info.links,
		BlocksLo:   uint32(info.blocks512),
		Flags:      info.flags,
		Block:      info.block,
		ExtraIsize: extraIsize,
	}
}

func (b *Builder) writeBitmaps() error {
	for g := int64(0); g < b.geo.GroupCount; g++ {
		if _, err := b.dev.WriteAt(b.blockBitmaps[g], b.geo.blockBitmapBlock(g)*BlockSize); err != nil {
			return fmt.Errorf("failed to write block bitmap of group %d: %w", g, err)
		}
		if _, err := b.dev.WriteAt(b.inodeBitmaps[g], b.geo.inodeBitmapBlock(g)*BlockSize); err != nil {
			return fmt.Errorf("failed to write inode bitmap of group %d: %w", g, err)
		}
	}

	return nil
}

func (b *Builder) writeGroupDescriptors() error {
	buf := new(bytes.Buffer)
	for g := int64(0); g < b.geo.GroupCount; g++ {
		desc := groupDesc{
			BlockBitmapLo:     uint32(b.geo.blockBitmapBlock(g)),
			InodeBitmapLo:     uint32(b.geo.inodeBitmapBlock(g)),
			InodeTableLo:      uint32(b.geo.inodeTableBlock(g)),
			FreeBlocksCountLo: uint16(b.geo.groupBlockCount(g) - b.groupUsedBlocks[g]),
			FreeInodesCountLo: uint16(inodesPerGroup - b.groupUsedInodes[g]),
			UsedDirsCountLo:   b.groupDirs[g],
		}
		if err := binary.Write(buf, binary.LittleEndian, desc); err != nil {
			return fmt.Errorf("failed to encode descriptor of group %d: %w", g, err)
		}
	}

	table := make([]byte, b.geo.gdtBlocks*BlockSize)
	copy(table, buf.Bytes())

	for g := int64(0); g < b.geo.GroupCount; g++ {
		if !b.geo.hasSuperblockCopy(g) {
			continue
		}
		if _, err := b.dev.WriteAt(table, (b.geo.groupFirstBlock(g)+1)*BlockSize); err != nil {
			return fmt.Errorf("failed to write descriptor table in group %d: %w", g, err)
		}
	}

	return nil
}

func (b *Builder) writeSuperblocks() error {
	sb := b.makeSuperblock()

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("failed to encode superblock: %w", err)
	}
	if _, err := b.dev.WriteAt(buf.Bytes(), superblockOffset); err != nil {
		return fmt.Errorf("failed to write superblock: %w", err)
	}

	// Backup copies sit at the start of their group, not at the 1024
	// byte offset the primary keeps for historic reasons.
	for g := int64(1); g < b.geo.GroupCount; g++ {
		if !b.geo.hasSuperblockCopy(g) {
			continue
		}

		sb.BlockGroupNr = uint16(g)
		buf.Reset()
		if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
			return fmt.Errorf("failed to encode backup superblock: %w", err)
		}
		if _, err := b.dev.WriteAt(buf.Bytes(), b.geo.groupFirstBlock(g)*BlockSize); err != nil {
			return fmt.Errorf("failed to write backup superblock in group %d: %w", g, err)
		}
	}

	return nil
}

func (b *Builder) makeSuperblock() superblock {
	ts := uint32(b.timestamp)

	sb := superblock{
		InodesCount:       b.geo.InodeCount,
		BlocksCountLo:     uint32(b.geo.TotalBlocks),
		RBlocksCountLo:    uint32(b.geo.TotalBlocks / 20),
		FreeBlocksCountLo: uint32(b.geo.TotalBlocks - b.usedBlocks),
		FreeInodesCount:   b.geo.InodeCount - b.usedInodes,
		LogBlockSize:      blockSizeLog,
		LogClusterSize:    blockSizeLog,
		BlocksPerGroup:    blocksPerGroup,
		ClustersPerGroup:  blocksPerGroup,
		InodesPerGroup:    inodesPerGroup,
		Wtime:             ts,
		MaxMntCount:       0xFFFF,
		Magic:             ext4Magic,
		State:             1,
		Errors:            1,
		LastCheck:         ts,
		RevLevel:          1,
		FirstIno:          firstFreeInode,
		InodeSize:         inodeSize,
		FeatureCompat:     featureCompat,
		FeatureIncompat:   featureIncompat,
		FeatureRoCompat:   featureRoCompat,
		UUID:              [16]byte(b.fsUUID),
		DefHashVersion:    1,
		MkfsTime:          ts,
		MinExtraIsize:     extraIsize,
		WantExtraIsize:    extraIsize,
	}
	copy(sb.VolumeName[:], b.opts.Label)

	return sb
}
