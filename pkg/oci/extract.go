package oci

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/maxdollinger/bundle.io/pkg/compress"
)

// Flattener extracts and merges OCI image layers into a single root
// filesystem directory. It handles:
//   - Layer ordering and file overwrites
//   - OCI whiteout markers (.wh.* files) for deletions
//   - Opaque whiteouts (.wh..wh..opaque) for directory clearing
//   - Directory traversal protection
//   - Context cancellation
//
// Modification times are restored from the layer tars, so the newest
// mtime in the flattened tree depends only on the image content.
type Flattener struct {
	log *slog.Logger
}

func NewFlattener() *Flattener {
	return &Flattener{log: slog.Default()}
}

// Flatten extracts all layers to the target directory in order.
func (f *Flattener) Flatten(ctx context.Context, layers []Layer, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	dirTimes := make(map[string]time.Time)

	for i, layer := range layers {
		if err := f.extractLayer(ctx, layer, targetDir, dirTimes); err != nil {
			return fmt.Errorf("extract layer %d: %w", i, err)
		}
	}

	// Restored last because extracting children bumps directory mtimes.
	return restoreDirTimes(dirTimes)
}

func (f *Flattener) extractLayer(ctx context.Context, layer Layer, targetDir string, dirTimes map[string]time.Time) error {
	reader, err := layer.Compressed(ctx)
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer reader.Close()

	decompressed, err := compress.NewReader(reader, layerCodec(layer.MediaType()))
	if err != nil {
		return fmt.Errorf("decompress layer: %w", err)
	}
	defer decompressed.Close()

	tarReader := tar.NewReader(decompressed)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := f.handleWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if err := f.extractTarEntry(ctx, targetDir, header, tarReader, dirTimes); err != nil {
			return fmt.Errorf("extract tar entry %q: %w", header.Name, err)
		}
	}

	return nil
}

// layerCodec maps a layer media type to a compression algorithm. Both
// OCI ("...tar+gzip") and docker ("...tar.gzip") spellings occur in the
// wild. Layers without a media type are assumed gzip, which is what
// registries serve by default.
func layerCodec(mediaType string) string {
	switch {
	case strings.Contains(mediaType, "zstd"):
		return compress.Zstd
	case strings.Contains(mediaType, "gzip"), mediaType == "":
		return compress.Gzip
	default:
		return compress.None
	}
}

func isWhiteout(name string) bool {
	// OCI whiteout: .wh.FILENAME deletes FILENAME
	// Opaque whiteout: .wh..wh..opq clears the directory
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

// handleWhiteout removes a file or directory indicated by a whiteout marker
func (f *Flattener) handleWhiteout(targetDir, whiteoutPath string) error {
	// Remove .wh. prefix to get the actual filename
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	// Check for opaque whiteout
	if actualName == ".wh..opq" {
		// Clear the directory but keep it
		opaqueDir := filepath.Join(targetDir, dir)
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove opaque directory: %w", err)
		}
		if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
			return fmt.Errorf("recreate opaque directory: %w", err)
		}
		return nil
	}

	// Regular whiteout: delete the file
	deletePath := filepath.Join(targetDir, dir, actualName)
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout file: %w", err)
	}

	return nil
}

// extractTarEntry extracts a single tar entry to the target directory
func (f *Flattener) extractTarEntry(ctx context.Context, targetDir string, header *tar.Header, reader io.Reader, dirTimes map[string]time.Time) error {
	// Sanitize path to prevent directory traversal
	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))
	if targetPath != targetDir && !strings.HasPrefix(targetPath, targetDir+string(os.PathSeparator)) {
		return fmt.Errorf("path traversal detected: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		// Restore ownership if possible (may require root)
		_ = os.Lchown(targetPath, header.Uid, header.Gid)
		dirTimes[targetPath] = header.ModTime

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}

		// Remove first so a symlink or hardlinked inode from an earlier
		// layer is replaced, not written through.
		_ = os.Remove(targetPath)
		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}

		if _, err := io.CopyN(file, reader, header.Size); err != nil {
			_ = file.Close()
			return fmt.Errorf("copy file content: %w", err)
		}

		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}

		_ = os.Lchown(targetPath, header.Uid, header.Gid)
		if err := os.Chtimes(targetPath, header.ModTime, header.ModTime); err != nil {
			return fmt.Errorf("restore mtime: %w", err)
		}

	case tar.TypeSymlink:
		// Replace existing entry, links cannot be overwritten in place
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		_ = os.Lchown(targetPath, header.Uid, header.Gid)
		tv := unix.NsecToTimeval(header.ModTime.UnixNano())
		_ = unix.Lutimes(targetPath, []unix.Timeval{tv, tv})

	case tar.TypeLink:
		linkTarget := filepath.Join(targetDir, filepath.Clean(header.Linkname))
		if !strings.HasPrefix(linkTarget, targetDir+string(os.PathSeparator)) {
			return fmt.Errorf("hardlink target outside root: %s", header.Linkname)
		}
		_ = os.Remove(targetPath)
		if err := os.Link(linkTarget, targetPath); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device nodes need privileges to create and get recreated at
		// boot, skip them
		f.log.WarnContext(ctx, "skipping special file in layer", "path", header.Name)
		return nil

	default:
		// Unknown type - skip
		return nil
	}

	return nil
}

func restoreDirTimes(dirTimes map[string]time.Time) error {
	for dir, mtime := range dirTimes {
		if err := os.Chtimes(dir, mtime, mtime); err != nil {
			if os.IsNotExist(err) {
				// Removed again by a later whiteout
				continue
			}
			return fmt.Errorf("restore directory mtime: %w", err)
		}
	}

	return nil
}
