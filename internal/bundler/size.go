package bundler

import (
	"context"
	"fmt"

	continuityfs "github.com/containerd/continuity/fs"

	"github.com/maxdollinger/bundle.io/pkg/ext4"
	"github.com/maxdollinger/bundle.io/pkg/gpt"
)

const (
	// sizeOverhead is the fixed floor added on top of the measured tree
	// for filesystem metadata and a little breathing room.
	sizeOverhead = 16 << 20

	// tableReserve covers the partition table structures at both ends of
	// the image.
	tableReserve = 2 * gpt.Alignment

	minRootSize = 8 << 20

	// inodeReserve keeps slots free for the reserved inodes and for
	// directories the walk synthesizes.
	inodeReserve = 64
)

// planSize settles the total image size. An explicit size wins after
// validation, otherwise the tree's disk usage plus a quarter growth
// margin is rounded up to a full alignment unit.
func planSize(ctx context.Context, rootDir string, espSize, explicit int64) (int64, error) {
	if explicit > 0 {
		if explicit%gpt.Alignment != 0 {
			return 0, fmt.Errorf("image size %d is not a multiple of %d", explicit, gpt.Alignment)
		}
		if explicit < tableReserve+espSize+minRootSize {
			return 0, fmt.Errorf("image size %d leaves no room for the root filesystem", explicit)
		}
		return explicit, nil
	}

	usage, err := continuityfs.DiskUsage(ctx, rootDir)
	if err != nil {
		return 0, fmt.Errorf("failed to measure source tree: %w", err)
	}

	rootSize := usage.Size + usage.Size/4 + sizeOverhead
	if min := ext4.MinSizeForInodes(usage.Inodes + inodeReserve); rootSize < min {
		rootSize = min
	}
	if rootSize < minRootSize {
		rootSize = minRootSize
	}
	rootSize = alignUp(rootSize, gpt.Alignment)

	return tableReserve + espSize + rootSize, nil
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
