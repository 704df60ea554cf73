package bundler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
)

const copyChunkSize = 1 << 20

// writeFileAtomic writes data via a temp file and rename so readers
// never observe a partial file.
func writeFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filePath)

	tmpFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmpFile.Name()

	defer func() {
		tmpFile.Close()
		os.Remove(tmpName)
	}()

	if err := tmpFile.Chmod(perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// fsync dir so rename is durable across power loss
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}

	return nil
}

// isNewestBuild reports whether this run still owns the wanted file.
// An unreadable or mangled claim never blocks publishing.
func isNewestBuild(filePath string, timestamp int64) bool {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return true
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return true
	}

	return ts <= timestamp
}

// sweepStaleBuilds removes leftover build directories from crashed
// runs. Anything older than a day cannot belong to a live build.
func sweepStaleBuilds(ctx context.Context, workBase string, logger *slog.Logger) {
	entries, err := os.ReadDir(workBase)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-staleBuildAge)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "build-") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(workBase, entry.Name())
		logger.InfoContext(ctx, "removing stale build directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			logger.WarnContext(ctx, "failed to remove stale build directory", "error", err, "path", path)
		}
	}
}

// digestStore hashes size bytes of the store in fixed chunks.
func digestStore(ctx context.Context, r io.ReaderAt, size int64) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	hash := digester.Hash()

	buf := make([]byte, copyChunkSize)
	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return "", err
		}
		hash.Write(buf[:n])
		off += n
	}

	return digester.Digest(), nil
}

// copyStore streams size bytes of the store into w in fixed chunks.
func copyStore(ctx context.Context, w io.Writer, r io.ReaderAt, size int64) error {
	buf := make([]byte, copyChunkSize)
	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := int64(len(buf))
		if size-off < n {
			n = size - off
		}
		if _, err := r.ReadAt(buf[:n], off); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		off += n
	}

	return nil
}

// copyAll drains src into dst, checking for cancellation between
// chunks, and returns the number of bytes copied.
func copyAll(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// countingWriter tallies bytes on their way through.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
