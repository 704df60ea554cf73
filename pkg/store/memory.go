package store

// MemStore keeps the whole store in memory. Intended for tests where
// asserting on raw byte offsets should not involve the filesystem.
type MemStore struct {
	buf []byte
}

// NewMemory returns a zeroed in-memory store of the given size.
func NewMemory(size int64) *MemStore {
	return &MemStore{buf: make([]byte, size)}
}

func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), int64(len(s.buf))); err != nil {
		return 0, err
	}

	return copy(p, s.buf[off:]), nil
}

func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), int64(len(s.buf))); err != nil {
		return 0, err
	}

	return copy(s.buf[off:], p), nil
}

func (s *MemStore) ZeroRange(off, length int64) error {
	if err := checkRange(off, length, int64(len(s.buf))); err != nil {
		return err
	}

	for i := off; i < off+length; i++ {
		s.buf[i] = 0
	}

	return nil
}

func (s *MemStore) Size() int64 {
	return int64(len(s.buf))
}

func (s *MemStore) Sync() error {
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

// Bytes exposes the underlying buffer for test assertions.
func (s *MemStore) Bytes() []byte {
	return s.buf
}
