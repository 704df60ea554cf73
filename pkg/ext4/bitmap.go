package ext4

// bitmap is one block worth of allocation bits, least significant bit
// first as the filesystem stores them.
type bitmap []byte

func newBitmap() bitmap {
	return make(bitmap, BlockSize)
}

func (b bitmap) set(i int64) {
	b[i/8] |= 1 << (i % 8)
}

func (b bitmap) test(i int64) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

// setFrom marks every bit from i to the end of the bitmap. Used for the
// bits beyond the end of a short last group and beyond the inode count.
func (b bitmap) setFrom(i int64) {
	for ; i%8 != 0 && i < int64(len(b))*8; i++ {
		b.set(i)
	}
	for ; i < int64(len(b))*8; i += 8 {
		b[i/8] = 0xFF
	}
}
