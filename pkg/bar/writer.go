package bar

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer assembles an archive in a temp file and publishes it with a
// rename. Atomicity is only guaranteed when the destination directory
// and the temp file share a filesystem, which they do because the temp
// file is created next to the destination.
type Writer struct {
	path    string
	tmp     *os.File
	tmpName string
	count   uint16
	open    bool
	done    bool
}

// Create starts a new archive. Nothing appears at path until Close
// succeeds.
func Create(path string) (*Writer, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp archive: %w", err)
	}

	w := &Writer{path: path, tmp: tmp, tmpName: tmp.Name()}

	var hdr [headerSize]byte
	copy(hdr[:4], magic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], FormatVersion)
	// The record count at offset 6 is patched in Close.
	if _, err := tmp.Write(hdr[:]); err != nil {
		w.discard()
		return nil, fmt.Errorf("failed to write archive header: %w", err)
	}

	return w, nil
}

// BeginRecord starts a streamed record. The returned writer must be
// closed before the next record starts.
func (w *Writer) BeginRecord(name string) (io.WriteCloser, error) {
	if w.done {
		return nil, fmt.Errorf("archive already closed")
	}
	if w.open {
		return nil, fmt.Errorf("previous record still open")
	}
	if name == "" || len(name) > maxNameLen {
		return nil, fmt.Errorf("invalid record name %q", name)
	}

	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(name)))
	if _, err := w.tmp.Write(nameLen[:]); err != nil {
		return nil, fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.tmp.WriteString(name); err != nil {
		return nil, fmt.Errorf("failed to write record name: %w", err)
	}

	lenOff, err := w.tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to locate record length field: %w", err)
	}

	// Payload length placeholder, patched when the record closes.
	var lenBuf [8]byte
	if _, err := w.tmp.Write(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to write record header: %w", err)
	}

	w.open = true

	return &recordWriter{w: w, lenOff: lenOff}, nil
}

// AddRecord writes a complete record in one call.
func (w *Writer) AddRecord(name string, data []byte) error {
	rw, err := w.BeginRecord(name)
	if err != nil {
		return err
	}

	if _, err := rw.Write(data); err != nil {
		return fmt.Errorf("failed to write record %q: %w", name, err)
	}

	return rw.Close()
}

// Close finalizes the archive and publishes it at its destination.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	if w.open {
		return fmt.Errorf("record still open")
	}
	w.done = true

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], w.count)
	if _, err := w.tmp.WriteAt(countBuf[:], 6); err != nil {
		w.discard()
		return fmt.Errorf("failed to patch record count: %w", err)
	}

	if err := w.tmp.Chmod(0o644); err != nil {
		w.discard()
		return fmt.Errorf("failed to chmod archive: %w", err)
	}

	if err := w.tmp.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("failed to sync archive: %w", err)
	}

	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmpName)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Rename(w.tmpName, w.path); err != nil {
		_ = os.Remove(w.tmpName)
		return fmt.Errorf("failed to publish archive: %w", err)
	}

	// fsync dir so the rename is durable across power loss
	dfd, err := os.Open(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("failed to open archive directory: %w", err)
	}
	defer dfd.Close()

	if err := dfd.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive directory: %w", err)
	}

	return nil
}

// Abort drops the temp file. Calling Abort after a successful Close is
// a no-op, so it is safe to defer.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.discard()
}

func (w *Writer) discard() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmpName)
}

// recordWriter counts payload bytes and patches the record's length
// field on close.
type recordWriter struct {
	w      *Writer
	lenOff int64
	n      uint64
	closed bool
}

func (r *recordWriter) Write(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("record already closed")
	}

	n, err := r.w.tmp.Write(p)
	r.n += uint64(n)

	return n, err
}

func (r *recordWriter) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.w.open = false

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], r.n)
	if _, err := r.w.tmp.WriteAt(lenBuf[:], r.lenOff); err != nil {
		return fmt.Errorf("failed to patch record length: %w", err)
	}

	r.w.count++

	return nil
}
