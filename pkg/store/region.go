package store

// Region is an offset-scoped window into a device. Filesystem builders get
// a region covering exactly their partition extent, so a stray offset can
// never reach bytes owned by the partition table or a neighbouring
// partition.
type Region struct {
	dev  Device
	off  int64
	size int64
}

// NewRegion scopes dev down to [off, off+size).
func NewRegion(dev Device, off, size int64) (*Region, error) {
	if err := checkRange(off, size, dev.Size()); err != nil {
		return nil, err
	}

	return &Region{dev: dev, off: off, size: size}, nil
}

func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), r.size); err != nil {
		return 0, err
	}

	return r.dev.ReadAt(p, r.off+off)
}

func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), r.size); err != nil {
		return 0, err
	}

	return r.dev.WriteAt(p, r.off+off)
}

func (r *Region) ZeroRange(off, length int64) error {
	if err := checkRange(off, length, r.size); err != nil {
		return err
	}

	return r.dev.ZeroRange(r.off+off, length)
}

// Size returns the length of the window, not of the underlying device.
func (r *Region) Size() int64 {
	return r.size
}
