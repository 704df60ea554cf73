package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"unicode/utf16"
)

// ReadTable parses and validates the primary GPT of an image. It checks
// the header signature and checksum, the entry array checksum, that every
// partition lies inside the usable region and that no two partitions
// overlap. Used by the verify path and by tests that inspect built
// images.
func ReadTable(r io.ReaderAt, size int64) (*Table, error) {
	if size < (entryArrayLBA+entryArrayLBAs)*SectorSize {
		return nil, fmt.Errorf("%w: image of %d bytes too small for a table", ErrInvalidTable, size)
	}

	var h header
	sector := make([]byte, SectorSize)
	if _, err := r.ReadAt(sector, primaryHeaderLBA*SectorSize); err != nil {
		return nil, fmt.Errorf("failed to read primary header: %w", err)
	}
	if err := binary.Read(bytes.NewReader(sector), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to decode primary header: %w", err)
	}

	if h.Signature != headerSignature {
		return nil, fmt.Errorf("%w: bad signature %q", ErrInvalidTable, h.Signature[:])
	}
	if h.HeaderSize != headerSize {
		return nil, fmt.Errorf("%w: unexpected header size %d", ErrInvalidTable, h.HeaderSize)
	}
	if sum := headerChecksum(h); sum != h.HeaderCRC32 {
		return nil, fmt.Errorf("%w: header checksum mismatch, want %08x got %08x", ErrInvalidTable, h.HeaderCRC32, sum)
	}
	if h.SizeOfPartitionEntry != entrySize {
		return nil, fmt.Errorf("%w: unexpected entry size %d", ErrInvalidTable, h.SizeOfPartitionEntry)
	}

	arrayLen := int64(h.NumberOfPartitionEntries) * int64(h.SizeOfPartitionEntry)
	arrayOff := int64(h.PartitionEntryLBA) * SectorSize
	if arrayOff <= 0 || arrayOff+arrayLen > size {
		return nil, fmt.Errorf("%w: entry array outside image", ErrInvalidTable)
	}

	entries := make([]byte, arrayLen)
	if _, err := r.ReadAt(entries, arrayOff); err != nil {
		return nil, fmt.Errorf("failed to read entry array: %w", err)
	}
	if sum := crc32.ChecksumIEEE(entries); sum != h.PartitionEntryArrayCRC32 {
		return nil, fmt.Errorf("%w: entry array checksum mismatch, want %08x got %08x", ErrInvalidTable, h.PartitionEntryArrayCRC32, sum)
	}

	table := &Table{
		DiskGUID:  decodeGUID(h.DiskGUID),
		storeSize: size,
	}

	for i := uint32(0); i < h.NumberOfPartitionEntries; i++ {
		var e entry
		raw := entries[int64(i)*int64(h.SizeOfPartitionEntry):]
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry %d: %w", i, err)
		}
		if e.TypeGUID == ([16]byte{}) {
			continue
		}

		if e.FirstLBA < h.FirstUsableLBA || e.LastLBA > h.LastUsableLBA || e.LastLBA < e.FirstLBA {
			return nil, fmt.Errorf("%w: partition %d extent [%d, %d] outside usable region", ErrInvalidTable, i, e.FirstLBA, e.LastLBA)
		}

		table.Partitions = append(table.Partitions, Partition{
			Name:  decodeName(e.Name),
			Type:  decodeGUID(e.TypeGUID).String(),
			GUID:  decodeGUID(e.UniqueGUID),
			Start: int64(e.FirstLBA) * SectorSize,
			Size:  int64(e.LastLBA-e.FirstLBA+1) * SectorSize,
		})
	}

	if err := checkOverlap(table.Partitions); err != nil {
		return nil, err
	}

	return table, nil
}

func checkOverlap(parts []Partition) error {
	sorted := make([]Partition, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End() {
			return fmt.Errorf("%w: partitions %q and %q overlap", ErrInvalidTable, sorted[i-1].Name, sorted[i].Name)
		}
	}

	return nil
}

func decodeName(raw [72]byte) string {
	var units []uint16
	for i := 0; i < len(raw); i += 2 {
		u := binary.LittleEndian.Uint16(raw[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}

	return string(utf16.Decode(units))
}
