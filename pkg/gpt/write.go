package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/maxdollinger/bundle.io/pkg/store"
)

var headerSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

const headerRevision = 0x00010000

// header is the on-disk GPT header, 92 bytes followed by zero padding to
// the end of the sector.
type header struct {
	Signature                [8]byte
	Revision                 uint32
	HeaderSize               uint32
	HeaderCRC32              uint32
	Reserved                 uint32
	CurrentLBA               uint64
	BackupLBA                uint64
	FirstUsableLBA           uint64
	LastUsableLBA            uint64
	DiskGUID                 [16]byte
	PartitionEntryLBA        uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry     uint32
	PartitionEntryArrayCRC32 uint32
}

// entry is one on-disk partition entry, 128 bytes.
type entry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

// protectiveMBR covers the whole disk with a single 0xEE partition so
// tools that only speak MBR leave the GPT alone.
type protectiveMBR struct {
	BootCode      [440]byte
	DiskSignature uint32
	Reserved      uint16
	Partitions    [4]mbrPartition
	Signature     uint16
}

type mbrPartition struct {
	BootIndicator byte
	StartingCHS   [3]byte
	OSType        byte
	EndingCHS     [3]byte
	StartingLBA   uint32
	SizeInLBA     uint32
}

// Write derives the disk and partition GUIDs from label and timestamp,
// then lays the table down on the device: protective MBR, primary header
// and entry array at the front, backup entry array and header at the very
// end. Both header checksums and the entry array checksum are computed
// here; a table without valid checksums is rejected by firmware and by
// ReadTable alike.
func (t *Table) Write(dev store.Device, label string, timestamp int64) error {
	if dev.Size() != t.storeSize {
		return fmt.Errorf("%w: table planned for %d bytes, device has %d", ErrLayout, t.storeSize, dev.Size())
	}

	t.DiskGUID = DeriveGUID(label, timestamp, "disk")
	for i := range t.Partitions {
		t.Partitions[i].GUID = DeriveGUID(label, timestamp, fmt.Sprintf("partition-%d-%s", i, t.Partitions[i].Name))
	}

	totalSectors := t.storeSize / SectorSize
	backupHeaderLBA := totalSectors - 1
	backupEntryLBA := backupHeaderLBA - entryArrayLBAs

	entries, err := t.encodeEntries()
	if err != nil {
		return err
	}
	entriesCRC := crc32.ChecksumIEEE(entries)

	primary := header{
		Signature:                headerSignature,
		Revision:                 headerRevision,
		HeaderSize:               headerSize,
		CurrentLBA:               primaryHeaderLBA,
		BackupLBA:                uint64(backupHeaderLBA),
		FirstUsableLBA:           Alignment / SectorSize,
		LastUsableLBA:            uint64(backupEntryLBA - 1),
		DiskGUID:                 encodeGUID(t.DiskGUID),
		PartitionEntryLBA:        entryArrayLBA,
		NumberOfPartitionEntries: numEntries,
		SizeOfPartitionEntry:     entrySize,
		PartitionEntryArrayCRC32: entriesCRC,
	}

	backup := primary
	backup.CurrentLBA = uint64(backupHeaderLBA)
	backup.BackupLBA = primaryHeaderLBA
	backup.PartitionEntryLBA = uint64(backupEntryLBA)

	if err := writeMBR(dev, totalSectors); err != nil {
		return err
	}
	if err := writeHeader(dev, primary, primaryHeaderLBA); err != nil {
		return err
	}
	if _, err := dev.WriteAt(entries, entryArrayLBA*SectorSize); err != nil {
		return fmt.Errorf("failed to write entry array: %w", err)
	}
	if _, err := dev.WriteAt(entries, backupEntryLBA*SectorSize); err != nil {
		return fmt.Errorf("failed to write backup entry array: %w", err)
	}
	if err := writeHeader(dev, backup, backupHeaderLBA); err != nil {
		return err
	}

	return nil
}

func (t *Table) encodeEntries() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, entryArraySize))

	for _, p := range t.Partitions {
		typeGUID, err := uuid.Parse(p.Type)
		if err != nil {
			return nil, fmt.Errorf("invalid type guid for partition %q: %w", p.Name, err)
		}

		e := entry{
			TypeGUID:   encodeGUID(typeGUID),
			UniqueGUID: encodeGUID(p.GUID),
			FirstLBA:   uint64(p.Start / SectorSize),
			LastLBA:    uint64(p.End()/SectorSize - 1),
		}
		encodeName(&e.Name, p.Name)

		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return nil, fmt.Errorf("failed to encode partition entry: %w", err)
		}
	}

	buf.Write(make([]byte, entryArraySize-buf.Len()))

	return buf.Bytes(), nil
}

func encodeName(dst *[72]byte, name string) {
	for i, r := range utf16.Encode([]rune(name)) {
		binary.LittleEndian.PutUint16(dst[i*2:], r)
	}
}

func writeHeader(dev store.Device, h header, lba int64) error {
	h.HeaderCRC32 = headerChecksum(h)

	sector := make([]byte, SectorSize)
	buf := bytes.NewBuffer(sector[:0])
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	if _, err := dev.WriteAt(sector, lba*SectorSize); err != nil {
		return fmt.Errorf("failed to write header at lba %d: %w", lba, err)
	}

	return nil
}

// headerChecksum computes the CRC32 of the header with its own checksum
// field zeroed, as the format requires.
func headerChecksum(h header) uint32 {
	h.HeaderCRC32 = 0

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)

	return crc32.ChecksumIEEE(buf.Bytes()[:headerSize])
}

func writeMBR(dev store.Device, totalSectors int64) error {
	sizeInLBA := totalSectors - 1
	if sizeInLBA > 0xFFFFFFFF {
		sizeInLBA = 0xFFFFFFFF
	}

	mbr := protectiveMBR{Signature: 0xAA55}
	mbr.Partitions[0] = mbrPartition{
		StartingCHS: [3]byte{0x00, 0x02, 0x00},
		OSType:      0xEE,
		EndingCHS:   [3]byte{0xFF, 0xFF, 0xFF},
		StartingLBA: 1,
		SizeInLBA:   uint32(sizeInLBA),
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, mbr); err != nil {
		return fmt.Errorf("failed to encode protective mbr: %w", err)
	}

	if _, err := dev.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write protective mbr: %w", err)
	}

	return nil
}
