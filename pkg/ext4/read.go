package ext4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a path does not exist in the filesystem.
var ErrNotFound = errors.New("path not found")

// Superblock is the readable summary of a filesystem.
type Superblock struct {
	BlockCount int64
	InodeCount uint32
	FreeBlocks int64
	FreeInodes uint32
	UUID       uuid.UUID
	Label      string
	Timestamp  int64
}

// ReadSuperblock parses and sanity checks the primary superblock.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {
	var sb superblock
	raw := make([]byte, 1024)
	if _, err := r.ReadAt(raw, superblockOffset); err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("failed to decode superblock: %w", err)
	}

	if sb.Magic != ext4Magic {
		return nil, fmt.Errorf("bad filesystem magic %04x", sb.Magic)
	}
	if sb.LogBlockSize != blockSizeLog {
		return nil, fmt.Errorf("unsupported block size %d", 1024<<sb.LogBlockSize)
	}

	label := sb.VolumeName[:]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}

	return &Superblock{
		BlockCount: int64(sb.BlocksCountLo),
		InodeCount: sb.InodesCount,
		FreeBlocks: int64(sb.FreeBlocksCountLo),
		FreeInodes: sb.FreeInodesCount,
		UUID:       uuid.UUID(sb.UUID),
		Label:      string(label),
		Timestamp:  int64(sb.MkfsTime),
	}, nil
}

// FileInfo describes one inode as read back from the filesystem.
type FileInfo struct {
	Inode      uint32
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       int64
	Links      uint16
	ModTime    int64
	LinkTarget string
	DevMajor   uint32
	DevMinor   uint32
}

// IsDir reports whether the inode is a directory.
func (fi *FileInfo) IsDir() bool {
	return fi.Mode&sIFMT == sIFDIR
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name     string
	Inode    uint32
	FileType byte
}

// FS navigates a built filesystem without mounting it. It exists for the
// verify path and for tests; it reads just enough of the format to
// resolve paths and file contents.
type FS struct {
	r           io.ReaderAt
	sb          superblock
	inodeTables []int64
}

// Open reads the superblock and group descriptors of a filesystem.
func Open(r io.ReaderAt) (*FS, error) {
	if _, err := ReadSuperblock(r); err != nil {
		return nil, err
	}

	fs := &FS{r: r}
	raw := make([]byte, 1024)
	if _, err := r.ReadAt(raw, superblockOffset); err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fs.sb); err != nil {
		return nil, fmt.Errorf("failed to decode superblock: %w", err)
	}

	groupCount := (int64(fs.sb.BlocksCountLo) + blocksPerGroup - 1) / blocksPerGroup
	descs := make([]byte, groupCount*descSize)
	if _, err := r.ReadAt(descs, BlockSize); err != nil {
		return nil, fmt.Errorf("failed to read group descriptors: %w", err)
	}

	for g := int64(0); g < groupCount; g++ {
		var desc groupDesc
		if err := binary.Read(bytes.NewReader(descs[g*descSize:]), binary.LittleEndian, &desc); err != nil {
			return nil, fmt.Errorf("failed to decode descriptor of group %d: %w", g, err)
		}
		fs.inodeTables = append(fs.inodeTables, int64(desc.InodeTableLo))
	}

	return fs, nil
}

func (fs *FS) readInode(num uint32) (inode, error) {
	var ino inode
	if num == 0 || num > fs.sb.InodesCount {
		return ino, fmt.Errorf("inode %d out of range", num)
	}

	group := int64(num-1) / int64(fs.sb.InodesPerGroup)
	slot := int64(num-1) % int64(fs.sb.InodesPerGroup)
	off := fs.inodeTables[group]*BlockSize + slot*int64(fs.sb.InodeSize)

	raw := make([]byte, inodeSize)
	if _, err := fs.r.ReadAt(raw, off); err != nil {
		return ino, fmt.Errorf("failed to read inode %d: %w", num, err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ino); err != nil {
		return ino, fmt.Errorf("failed to decode inode %d: %w", num, err)
	}

	return ino, nil
}

// extentsOf decodes the extent tree of an inode, following one level of
// indirection when the tree does not fit inline.
func (fs *FS) extentsOf(ino inode) ([]extent, error) {
	return fs.parseExtentNode(ino.Block[:])
}

func (fs *FS) parseExtentNode(node []byte) ([]extent, error) {
	magic := binary.LittleEndian.Uint16(node[0:])
	if magic != extentMagic {
		return nil, fmt.Errorf("bad extent magic %04x", magic)
	}
	entries := int(binary.LittleEndian.Uint16(node[2:]))
	depth := binary.LittleEndian.Uint16(node[6:])

	if depth == 0 {
		extents := make([]extent, 0, entries)
		for i := 0; i < entries; i++ {
			raw := node[12+i*12:]
			extents = append(extents, extent{
				logical: int64(binary.LittleEndian.Uint32(raw[0:])),
				length:  int64(binary.LittleEndian.Uint16(raw[4:])),
				start:   int64(binary.LittleEndian.Uint16(raw[6:]))<<32 | int64(binary.LittleEndian.Uint32(raw[8:])),
			})
		}
		return extents, nil
	}

	var extents []extent
	for i := 0; i < entries; i++ {
		raw := node[12+i*12:]
		leaf := int64(binary.LittleEndian.Uint16(raw[8:]))<<32 | int64(binary.LittleEndian.Uint32(raw[4:]))

		block := make([]byte, BlockSize)
		if _, err := fs.r.ReadAt(block, leaf*BlockSize); err != nil {
			return nil, fmt.Errorf("failed to read extent block %d: %w", leaf, err)
		}
		sub, err := fs.parseExtentNode(block)
		if err != nil {
			return nil, err
		}
		extents = append(extents, sub...)
	}

	return extents, nil
}

// inodeData reads the full content mapped by an inode's extents,
// truncated to size.
func (fs *FS) inodeData(ino inode) ([]byte, error) {
	size := int64(ino.SizeLo) | int64(ino.SizeHi)<<32
	extents, err := fs.extentsOf(ino)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size)
	for _, ext := range extents {
		for i := int64(0); i < ext.length; i++ {
			logicalOff := (ext.logical + i) * BlockSize
			if logicalOff >= size {
				break
			}
			n := size - logicalOff
			if n > BlockSize {
				n = BlockSize
			}
			if _, err := fs.r.ReadAt(data[logicalOff:logicalOff+n], (ext.start+i)*BlockSize); err != nil {
				return nil, fmt.Errorf("failed to read data block: %w", err)
			}
		}
	}

	return data, nil
}

func parseDirBlock(block []byte) ([]DirEntry, error) {
	var entries []DirEntry
	off := 0
	for off < len(block) {
		inodeNum := binary.LittleEndian.Uint32(block[off:])
		recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
		nameLen := int(block[off+6])
		if recLen < 8 || off+recLen > len(block) {
			return nil, fmt.Errorf("corrupt directory entry at offset %d", off)
		}
		if inodeNum != 0 {
			entries = append(entries, DirEntry{
				Name:     string(block[off+8 : off+8+nameLen]),
				Inode:    inodeNum,
				FileType: block[off+7],
			})
		}
		off += recLen
	}

	return entries, nil
}

// lookup resolves a slash separated path to an inode number.
func (fs *FS) lookup(p string) (uint32, error) {
	num := uint32(RootInode)
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return num, nil
	}

	for _, component := range strings.Split(p, "/") {
		ino, err := fs.readInode(num)
		if err != nil {
			return 0, err
		}
		if ino.Mode&sIFMT != sIFDIR {
			return 0, fmt.Errorf("%w: %s crosses a non-directory", ErrNotFound, p)
		}

		data, err := fs.inodeData(ino)
		if err != nil {
			return 0, err
		}

		next := uint32(0)
		for off := 0; off < len(data); off += BlockSize {
			entries, err := parseDirBlock(data[off : off+BlockSize])
			if err != nil {
				return 0, err
			}
			for _, e := range entries {
				if e.Name == component {
					next = e.Inode
					break
				}
			}
			if next != 0 {
				break
			}
		}
		if next == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		num = next
	}

	return num, nil
}

// Stat resolves a path and returns the inode metadata.
func (fs *FS) Stat(p string) (*FileInfo, error) {
	num, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}

	ino, err := fs.readInode(num)
	if err != nil {
		return nil, err
	}

	fi := &FileInfo{
		Inode:   num,
		Mode:    ino.Mode,
		UID:     uint32(ino.UID) | uint32(ino.UIDHi)<<16,
		GID:     uint32(ino.GID) | uint32(ino.GIDHi)<<16,
		Size:    int64(ino.SizeLo) | int64(ino.SizeHi)<<32,
		Links:   ino.LinksCount,
		ModTime: int64(ino.Mtime),
	}

	switch ino.Mode & sIFMT {
	case sIFLNK:
		if ino.Flags&inodeFlagExtents == 0 {
			fi.LinkTarget = string(ino.Block[:fi.Size])
		} else {
			data, err := fs.inodeData(ino)
			if err != nil {
				return nil, err
			}
			fi.LinkTarget = string(data)
		}
	case sIFCHR, sIFBLK:
		if v := binary.LittleEndian.Uint32(ino.Block[0:]); v != 0 {
			fi.DevMajor = v >> 8 & 0xFF
			fi.DevMinor = v & 0xFF
		} else {
			v := binary.LittleEndian.Uint32(ino.Block[4:])
			fi.DevMajor = v >> 8 & 0xFFF
			fi.DevMinor = v&0xFF | v>>12&^0xFF
		}
	}

	return fi, nil
}

// ReadFile resolves a path and returns the file contents.
func (fs *FS) ReadFile(p string) ([]byte, error) {
	num, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}

	ino, err := fs.readInode(num)
	if err != nil {
		return nil, err
	}
	if ino.Mode&sIFMT != sIFREG {
		return nil, fmt.Errorf("%s is not a regular file", p)
	}

	return fs.inodeData(ino)
}

// ReadDir resolves a path and returns the directory listing without the
// dot entries.
func (fs *FS) ReadDir(p string) ([]DirEntry, error) {
	num, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}

	ino, err := fs.readInode(num)
	if err != nil {
		return nil, err
	}
	if ino.Mode&sIFMT != sIFDIR {
		return nil, fmt.Errorf("%s is not a directory", p)
	}

	data, err := fs.inodeData(ino)
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	for off := 0; off < len(data); off += BlockSize {
		blockEntries, err := parseDirBlock(data[off : off+BlockSize])
		if err != nil {
			return nil, err
		}
		for _, e := range blockEntries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			entries = append(entries, e)
		}
	}

	return entries, nil
}
