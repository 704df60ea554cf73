// Package esp stages an EFI system partition as FAT32 and copies it
// into an image. Firmware only reads FAT, so the partition is built
// with go-diskfs instead of the native filesystem builder.
package esp

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/maxdollinger/bundle.io/pkg/store"
)

// Options configures the staged partition.
type Options struct {
	Label  string // FAT volume label
	Logger *slog.Logger
}

// Build stages a FAT32 filesystem in scratchDir, copies sourceDir into
// it, and blits the staged bytes into dev. The staged file matches the
// size of dev exactly.
func Build(ctx context.Context, dev store.Device, scratchDir, sourceDir string, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stagePath := filepath.Join(scratchDir, "esp.img")
	defer func() { _ = os.Remove(stagePath) }()

	d, err := diskfs.Create(stagePath, dev.Size(), diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("failed to create staging image: %w", err)
	}

	fatfs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: opts.Label,
	})
	if err != nil {
		return fmt.Errorf("failed to create FAT32 filesystem: %w", err)
	}

	if sourceDir != "" {
		if err := copyTree(ctx, fatfs, sourceDir, logger); err != nil {
			return err
		}
	}

	logger.DebugContext(ctx, "staged esp", "size", dev.Size(), "source", sourceDir)

	return blit(ctx, dev, stagePath)
}

// copyTree copies regular files and directories from sourceDir into
// the FAT filesystem. FAT has no symlinks or special files, those are
// skipped with a warning.
func copyTree(ctx context.Context, fatfs filesystem.FileSystem, sourceDir string, logger *slog.Logger) error {
	return filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk esp source: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return fmt.Errorf("failed to resolve esp path: %w", err)
		}
		if rel == "." {
			return nil
		}
		target := "/" + filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			return ensureDir(fatfs, target)
		case d.Type().IsRegular():
			return copyFile(fatfs, p, target)
		default:
			logger.WarnContext(ctx, "skipping entry unsupported on FAT", "path", rel, "type", d.Type().String())
			return nil
		}
	})
}

// ensureDir creates a directory and its parents inside the FAT
// filesystem.
func ensureDir(fatfs filesystem.FileSystem, dirPath string) error {
	parts := strings.Split(dirPath, "/")
	currentPath := "/"

	for _, part := range parts {
		if part == "" {
			continue
		}

		currentPath = path.Join(currentPath, part)

		if err := fatfs.Mkdir(currentPath); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create directory %s: %w", currentPath, err)
		}
	}

	return nil
}

func copyFile(fatfs filesystem.FileSystem, sourcePath, target string) error {
	if err := ensureDir(fatfs, path.Dir(target)); err != nil {
		return err
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open esp source file: %w", err)
	}
	defer source.Close()

	file, err := fatfs.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, source); err != nil {
		return fmt.Errorf("failed to copy %s: %w", target, err)
	}

	return nil
}

// blit copies the staged image into the device.
func blit(ctx context.Context, dev store.Device, stagePath string) error {
	staged, err := os.Open(stagePath)
	if err != nil {
		return fmt.Errorf("failed to open staged image: %w", err)
	}
	defer staged.Close()

	buf := make([]byte, 1<<20)
	var off int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := staged.Read(buf)
		if n > 0 {
			if _, werr := dev.WriteAt(buf[:n], off); werr != nil {
				return fmt.Errorf("failed to write esp partition: %w", werr)
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read staged image: %w", err)
		}
	}

	return nil
}
