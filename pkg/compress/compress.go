// Package compress wraps the codecs an archive payload can be stored
// with. The encoder settings are fixed so that compressing the same
// image twice yields the same bytes.
package compress

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Supported algorithm names. None is the default.
const (
	None = "none"
	Gzip = "gzip"
	Zstd = "zstd"
	Xz   = "xz"
)

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	return []string{None, Gzip, Zstd, Xz}
}

// Writer wraps a compression writer.
type Writer struct {
	writer io.WriteCloser
	base   io.Writer
}

// NewWriter creates a compression writer for the given algorithm.
func NewWriter(w io.Writer, algorithm string) (*Writer, error) {
	var compressor io.WriteCloser
	var err error

	switch algorithm {
	case Gzip:
		compressor, err = gzip.NewWriterLevel(w, gzip.BestCompression)
	case Zstd:
		var enc *zstd.Encoder
		// Concurrency 1 keeps the frame layout independent of the
		// host's core count.
		enc, err = zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		compressor = enc
	case Xz:
		var xzw *xz.Writer
		xzw, err = xz.NewWriter(w)
		compressor = xzw
	case None, "":
		return &Writer{
			writer: &nopWriteCloser{w},
			base:   w,
		}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", algorithm, err)
	}

	return &Writer{
		writer: compressor,
		base:   w,
	}, nil
}

// Write writes data to the compressor.
func (w *Writer) Write(p []byte) (int, error) {
	return w.writer.Write(p)
}

// Close flushes and closes the compressor. The underlying writer is
// left open.
func (w *Writer) Close() error {
	return w.writer.Close()
}

// NewReader creates a decompression reader for the given algorithm.
func NewReader(r io.Reader, algorithm string) (io.ReadCloser, error) {
	switch algorithm {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case Xz:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return io.NopCloser(xzr), nil
	case None, "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}
}

// nopWriteCloser wraps an io.Writer with a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (n *nopWriteCloser) Close() error {
	return nil
}
