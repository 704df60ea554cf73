package bar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type record struct {
	name string
	off  int64
	size int64
}

// Reader exposes the records of a bundle archive. Payloads are read
// lazily through section readers.
type Reader struct {
	f       *os.File
	size    int64
	records []record
	byName  map[string]int
}

// Open parses an archive's structure and validates its framing.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	r := &Reader{f: f, byName: make(map[string]int)}
	if err := r.parse(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reader) parse() error {
	info, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	r.size = info.Size()

	var hdr [headerSize]byte
	if err := r.readAt(hdr[:], 0); err != nil {
		return err
	}

	if !bytes.Equal(hdr[:4], magic[:]) {
		return fmt.Errorf("%w: bad magic", ErrInvalidArchive)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrInvalidArchive, v)
	}
	count := int(binary.LittleEndian.Uint16(hdr[6:8]))

	off := int64(headerSize)
	for i := 0; i < count; i++ {
		var nameLenBuf [2]byte
		if err := r.readAt(nameLenBuf[:], off); err != nil {
			return err
		}
		nameLen := int64(binary.LittleEndian.Uint16(nameLenBuf[:]))
		if nameLen == 0 {
			return fmt.Errorf("%w: empty record name", ErrInvalidArchive)
		}

		nameBuf := make([]byte, nameLen)
		if err := r.readAt(nameBuf, off+2); err != nil {
			return err
		}

		var lenBuf [8]byte
		if err := r.readAt(lenBuf[:], off+2+nameLen); err != nil {
			return err
		}
		payloadLen := binary.LittleEndian.Uint64(lenBuf[:])

		dataOff := off + 2 + nameLen + 8
		if payloadLen > uint64(r.size-dataOff) {
			return fmt.Errorf("%w: record %q payload truncated", ErrInvalidArchive, nameBuf)
		}

		name := string(nameBuf)
		if _, dup := r.byName[name]; !dup {
			r.byName[name] = i
		}
		r.records = append(r.records, record{name: name, off: dataOff, size: int64(payloadLen)})

		off = dataOff + int64(payloadLen)
	}

	if off != r.size {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidArchive, r.size-off)
	}

	return nil
}

func (r *Reader) readAt(buf []byte, off int64) error {
	if _, err := r.f.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: truncated at offset %d", ErrInvalidArchive, off)
	}

	return nil
}

// Records returns the record names in archive order.
func (r *Reader) Records() []string {
	names := make([]string, len(r.records))
	for i, rec := range r.records {
		names[i] = rec.name
	}

	return names
}

// Record returns a reader over a record's payload.
func (r *Reader) Record(name string) (*io.SectionReader, error) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRecord, name)
	}

	rec := r.records[idx]

	return io.NewSectionReader(r.f, rec.off, rec.size), nil
}

// ReadRecord reads a record's payload into memory.
func (r *Reader) ReadRecord(name string) ([]byte, error) {
	sr, err := r.Record(name)
	if err != nil {
		return nil, err
	}

	data := make([]byte, sr.Size())
	if _, err := io.ReadFull(sr, data); err != nil {
		return nil, fmt.Errorf("failed to read record %q: %w", name, err)
	}

	return data, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
