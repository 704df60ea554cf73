// Package store provides the fixed-size backing region a disk image is
// assembled in. A store begins fully zeroed and is range checked on every
// access: writers that step outside the declared size get ErrOutOfRange,
// which always indicates a bug in the layout math upstream, never a
// recoverable condition.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when a read, write or zero would touch bytes
// outside the store.
var ErrOutOfRange = errors.New("access out of range")

// Device is the access surface handed to partition and filesystem writers.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// ZeroRange resets [off, off+length) to zeros.
	ZeroRange(off, length int64) error
	// Size returns the fixed length of the device in bytes.
	Size() int64
}

// Store is a whole backing store. It owns the underlying bytes exclusively;
// partition writers only ever see a Region of it.
type Store interface {
	Device

	Sync() error
	Close() error
}

// FileStore is a Store backed by a sparse file on disk.
type FileStore struct {
	file *os.File
	path string
	size int64
}

// Allocate creates the backing file for a new image at path. The file is
// created sparse so the full size is addressable immediately, and unwritten
// ranges read back as zeros.
func Allocate(path string, size int64) (*FileStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid store size %d", size)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create backing file: %w", err)
	}

	if _, err := file.Seek(size-1, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek to end of backing file: %w", err)
	}

	if _, err := file.Write([]byte{0}); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to extend backing file: %w", err)
	}

	return &FileStore{file: file, path: path, size: size}, nil
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), s.size); err != nil {
		return 0, err
	}

	return s.file.ReadAt(p, off)
}

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), s.size); err != nil {
		return 0, err
	}

	return s.file.WriteAt(p, off)
}

// ZeroRange resets the range to zeros. Filesystems that support it get a
// real hole punched, everything else gets zeros written out.
func (s *FileStore) ZeroRange(off, length int64) error {
	if err := checkRange(off, length, s.size); err != nil {
		return err
	}

	if length == 0 {
		return nil
	}

	if err := unix.Fallocate(int(s.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length); err == nil {
		return nil
	}

	return writeZeros(s.file, off, length)
}

// Size returns the fixed store length in bytes.
func (s *FileStore) Size() int64 {
	return s.size
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Sync() error {
	return s.file.Sync()
}

func (s *FileStore) Close() error {
	return s.file.Close()
}

func checkRange(off, length, size int64) error {
	if off < 0 || length < 0 || off+length > size {
		return fmt.Errorf("%w: [%d, %d) in store of %d bytes", ErrOutOfRange, off, off+length, size)
	}

	return nil
}

func writeZeros(w io.WriterAt, off, length int64) error {
	buf := make([]byte, 1<<20)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}

		if _, err := w.WriteAt(buf[:n], off); err != nil {
			return fmt.Errorf("failed to zero range: %w", err)
		}

		off += n
		length -= n
	}

	return nil
}
