package ext4

import (
	"encoding/binary"
	"fmt"
)

const maxNameLen = 255

// dirent is one directory entry waiting to be packed into a block.
type dirent struct {
	inode    uint32
	name     string
	fileType byte
}

// directory accumulates entries in memory during population. The blocks
// are only laid out at seal time, so the record length packing happens
// once, over the complete listing.
type directory struct {
	entries []dirent
	names   map[string]struct{}
}

func newDirectory(self, parent uint32) *directory {
	d := &directory{names: make(map[string]struct{})}
	d.add(".", self, ftDir)
	d.add("..", parent, ftDir)

	return d
}

func (d *directory) add(name string, inode uint32, fileType byte) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return fmt.Errorf("invalid entry name %q", name)
	}
	if _, ok := d.names[name]; ok {
		return fmt.Errorf("duplicate entry name %q", name)
	}

	d.names[name] = struct{}{}
	d.entries = append(d.entries, dirent{inode: inode, name: name, fileType: fileType})

	return nil
}

// direntSize returns the record length of an entry: 8 byte header plus
// the name, rounded up to 4 bytes.
func direntSize(nameLen int) int {
	return 8 + (nameLen+3)&^3
}

// pack lays the entries into directory blocks. The last entry of every
// block absorbs the remaining space in its record length, as the format
// requires.
func (d *directory) pack() [][]byte {
	var blocks [][]byte
	block := make([]byte, BlockSize)
	off := 0
	last := -1

	closeBlock := func() {
		binary.LittleEndian.PutUint16(block[last+4:], uint16(BlockSize-last))
		blocks = append(blocks, block)
		block = make([]byte, BlockSize)
		off = 0
		last = -1
	}

	for _, e := range d.entries {
		need := direntSize(len(e.name))
		if off+need > BlockSize {
			closeBlock()
		}

		binary.LittleEndian.PutUint32(block[off:], e.inode)
		binary.LittleEndian.PutUint16(block[off+4:], uint16(need))
		block[off+6] = byte(len(e.name))
		block[off+7] = e.fileType
		copy(block[off+8:], e.name)

		last = off
		off += need
	}
	closeBlock()

	return blocks
}
