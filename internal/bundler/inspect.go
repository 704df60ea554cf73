package bundler

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/maxdollinger/bundle.io/pkg/bar"
	"github.com/maxdollinger/bundle.io/pkg/compress"
	"github.com/maxdollinger/bundle.io/pkg/ext4"
	"github.com/maxdollinger/bundle.io/pkg/gpt"
	"github.com/maxdollinger/bundle.io/pkg/manifest"
)

// ImageInfo is what InspectImage digs out of the actual image bytes
// instead of trusting the manifest alone.
type ImageInfo struct {
	Manifest   *manifest.Manifest
	Table      *gpt.Table
	Superblock *ext4.Superblock
	RootDir    []ext4.DirEntry
}

// Inspect decodes the manifest of an archive.
func Inspect(archivePath string) (*manifest.Manifest, error) {
	r, err := bar.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := r.ReadRecord(bar.RecordManifest)
	if err != nil {
		return nil, err
	}

	return manifest.Decode(data)
}

// InspectImage decompresses the image into scratchDir and reads the
// partition table and root filesystem back from the raw bytes. An
// empty scratchDir falls back to the system temp directory.
func InspectImage(ctx context.Context, archivePath, scratchDir string) (*ImageInfo, error) {
	r, err := bar.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	manifestBytes, err := r.ReadRecord(bar.RecordManifest)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(manifestBytes)
	if err != nil {
		return nil, err
	}

	imageRecord, err := r.Record(bar.RecordImage)
	if err != nil {
		return nil, err
	}
	dec, err := compress.NewReader(imageRecord, m.Compression)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	tmp, err := os.CreateTemp(scratchDir, "image-*.raw")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch image: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := copyAll(ctx, tmp, dec)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack image: %w", err)
	}
	if size != m.ImageSize {
		return nil, fmt.Errorf("image is %d bytes, manifest says %d", size, m.ImageSize)
	}

	table, err := gpt.ReadTable(tmp, size)
	if err != nil {
		return nil, err
	}
	if len(table.Partitions) == 0 {
		return nil, fmt.Errorf("image has no partitions")
	}

	// The root filesystem always sits in the last partition.
	rootPart := table.Partitions[len(table.Partitions)-1]
	region := io.NewSectionReader(tmp, rootPart.Start, rootPart.Size)

	sb, err := ext4.ReadSuperblock(region)
	if err != nil {
		return nil, err
	}

	fs, err := ext4.Open(region)
	if err != nil {
		return nil, err
	}
	rootDir, err := fs.ReadDir("/")
	if err != nil {
		return nil, err
	}

	return &ImageInfo{
		Manifest:   m,
		Table:      table,
		Superblock: sb,
		RootDir:    rootDir,
	}, nil
}
