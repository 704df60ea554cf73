// Package gpt plans and writes GUID partition tables. The layout is
// computed up front from partition requests, then written as protective
// MBR, primary header and entry array at the start of the device and
// backup entry array and header at the end. All GUIDs are derived
// deterministically from the disk label and build timestamp, so the same
// inputs always produce the same table bytes.
package gpt

import (
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// ErrLayout is returned when partition requests cannot be placed inside
// the store, for example because the store is too small.
var ErrLayout = errors.New("partition layout does not fit")

// ErrInvalidTable is returned by ReadTable when the on-disk table fails
// signature, checksum or extent validation.
var ErrInvalidTable = errors.New("invalid partition table")

const (
	// SectorSize is the logical block size the table is addressed in.
	SectorSize = 512

	// Alignment is the partition start alignment. Partition starts and
	// sizes are multiples of it.
	Alignment = 1 << 20

	headerSize     = 92
	entrySize      = 128
	numEntries     = 128
	entryArraySize = entrySize * numEntries

	primaryHeaderLBA = 1
	entryArrayLBA    = 2
	entryArrayLBAs   = entryArraySize / SectorSize

	maxNameRunes = 36
)

// Partition type GUIDs
// https://uapi-group.org/specifications/specs/discoverable_partitions_specification/
const (
	TypeESP        = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	TypeRootX86_64 = "4f68bce3-e8cd-4db1-96e7-fbcaf984b709"
	TypeLinuxFS    = "0fc63daf-8483-4772-8e79-3d69d8477de4"
)

// PartitionRequest describes one partition to place. Size is rounded up
// to the alignment during planning.
type PartitionRequest struct {
	Name string // GPT partition name, at most 36 UTF-16 code units
	Type string // partition type GUID
	Size int64  // requested size in bytes
}

// Partition is a placed partition.
type Partition struct {
	Name  string
	Type  string
	GUID  uuid.UUID
	Start int64 // byte offset into the store
	Size  int64 // length in bytes
}

// End returns the first byte after the partition.
func (p Partition) End() int64 {
	return p.Start + p.Size
}

// Table is a planned partition table. The geometry is fixed by
// PlanLayout; the GUIDs are derived by Write once the build timestamp is
// known, which is only after the filesystem content has been walked.
type Table struct {
	DiskGUID   uuid.UUID
	Partitions []Partition

	storeSize int64
}

// PlanLayout places the requested partitions sequentially starting at the
// first alignment boundary. The region below it holds the protective MBR,
// the primary header and the entry array; the final sectors hold the
// backup entry array and header. Requests that do not fit fail with
// ErrLayout.
func PlanLayout(storeSize int64, reqs []PartitionRequest) (*Table, error) {
	if storeSize%SectorSize != 0 {
		return nil, fmt.Errorf("%w: store size %d is not sector aligned", ErrLayout, storeSize)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: at least one partition is required", ErrLayout)
	}

	totalSectors := storeSize / SectorSize
	lastUsableLBA := totalSectors - 2 - entryArrayLBAs
	if lastUsableLBA <= Alignment/SectorSize {
		return nil, fmt.Errorf("%w: store of %d bytes leaves no usable space", ErrLayout, storeSize)
	}
	usableEnd := (lastUsableLBA + 1) * SectorSize

	table := &Table{storeSize: storeSize}

	next := int64(Alignment)
	for _, req := range reqs {
		if req.Size <= 0 {
			return nil, fmt.Errorf("%w: partition %q has size %d", ErrLayout, req.Name, req.Size)
		}
		if len(utf16.Encode([]rune(req.Name))) > maxNameRunes {
			return nil, fmt.Errorf("%w: partition name %q too long", ErrLayout, req.Name)
		}
		if _, err := uuid.Parse(req.Type); err != nil {
			return nil, fmt.Errorf("%w: partition %q has invalid type guid: %v", ErrLayout, req.Name, err)
		}

		size := alignUp(req.Size, Alignment)
		table.Partitions = append(table.Partitions, Partition{
			Name:  req.Name,
			Type:  req.Type,
			Start: next,
			Size:  size,
		})
		next += size
	}

	if next > usableEnd {
		return nil, fmt.Errorf("%w: partitions need %d bytes, store has %d usable", ErrLayout, next, usableEnd)
	}

	return table, nil
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
