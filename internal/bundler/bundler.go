// Package bundler turns a root filesystem tree into a distributable
// disk image bundle. A build plans the partition layout, walks the
// source into a freshly built filesystem, stamps the partition table
// and publishes the compressed image together with its manifest and
// signature as a single archive.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/maxdollinger/bundle.io/internal/catalog"
	"github.com/maxdollinger/bundle.io/internal/esp"
	"github.com/maxdollinger/bundle.io/pkg/bar"
	"github.com/maxdollinger/bundle.io/pkg/compress"
	"github.com/maxdollinger/bundle.io/pkg/ext4"
	"github.com/maxdollinger/bundle.io/pkg/fstree"
	"github.com/maxdollinger/bundle.io/pkg/gpt"
	"github.com/maxdollinger/bundle.io/pkg/lock"
	"github.com/maxdollinger/bundle.io/pkg/manifest"
	"github.com/maxdollinger/bundle.io/pkg/signature"
	"github.com/maxdollinger/bundle.io/pkg/store"
)

const (
	defaultESPSize = 64 << 20
	staleBuildAge  = 24 * time.Hour
)

// Builder runs complete image builds.
type Builder interface {
	Build(ctx context.Context, source Source, opts BuildOptions) (*BuildResult, error)
}

// BuildOptions configures a single build.
type BuildOptions struct {
	OutputPath     string            // where the finished archive is published
	WorkDir        string            // scratch space for build runs
	Label          string            // filesystem label and root partition name
	SizeBytes      int64             // image size, 0 sizes the image from the tree
	Timestamp      int64             // build timestamp override, 0 derives it from the tree
	Compression    string            // archive payload codec
	Exclude        []string          // path patterns left out of the walk
	SkipUnreadable bool              // log and skip unreadable subtrees instead of failing
	OneFilesystem  bool              // do not cross mount points
	ESP            ESPOptions        // EFI system partition
	Signer         *signature.Signer // nil publishes an unsigned bundle
}

// ESPOptions configures the EFI system partition of a build.
type ESPOptions struct {
	Enabled   bool
	SizeBytes int64  // 0 uses the default size
	SourceDir string // tree staged into the partition, may be empty
}

// BuildResult describes a published bundle.
type BuildResult struct {
	ArchivePath  string
	Digest       digest.Digest
	ImageSize    int64
	ArchiveSize  int64
	EntryCount   int64
	PayloadBytes int64
	Timestamp    int64
	Duration     time.Duration
}

type builder struct {
	locker  lock.Locker
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewBuilder wires a build pipeline. The catalog may be nil, build
// records are best effort either way.
func NewBuilder(locker lock.Locker, cat *catalog.Catalog) Builder {
	return &builder{
		locker:  locker,
		catalog: cat,
		logger:  slog.Default(),
	}
}

func (b *builder) Build(ctx context.Context, source Source, opts BuildOptions) (*BuildResult, error) {
	startTime := time.Now()

	if opts.OutputPath == "" {
		return nil, errors.New("no output path")
	}
	if opts.Label == "" {
		opts.Label = "rootfs"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Compression == "" {
		opts.Compression = compress.None
	}
	if !slices.Contains(compress.Algorithms(), opts.Compression) {
		return nil, fmt.Errorf("unknown compression algorithm %q", opts.Compression)
	}

	logger := b.logger.With("source", source.Info(), "output", opts.OutputPath)
	logger.InfoContext(ctx, "starting build")

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	held, err := b.locker.AcquireLock(ctx, opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to lock output: %w", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			logger.WarnContext(ctx, "failed to release build lock", "error", err)
		}
	}()

	var buildID string
	if b.catalog != nil {
		buildID, err = b.catalog.Begin(ctx, source.Info(), opts.OutputPath)
		if err != nil {
			logger.WarnContext(ctx, "failed to record build in catalog", "error", err)
			buildID = ""
		}
	}

	result, err := b.run(ctx, logger, source, opts, startTime)
	b.record(ctx, logger, buildID, result, err)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "build published",
		"digest", result.Digest.Hex()[:12],
		"size_mb", result.ImageSize/1024/1024,
		"archive_mb", result.ArchiveSize/1024/1024,
		"entries", result.EntryCount,
		"duration", result.Duration.Round(time.Millisecond).String(),
	)

	return result, nil
}

// record writes the build outcome to the catalog. Recording survives a
// cancelled build context, the bookkeeping should not be lost with it.
func (b *builder) record(ctx context.Context, logger *slog.Logger, buildID string, result *BuildResult, buildErr error) {
	if b.catalog == nil || buildID == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if buildErr != nil {
		if err := b.catalog.Fail(ctx, buildID, buildErr); err != nil {
			logger.WarnContext(ctx, "failed to record build failure in catalog", "error", err)
		}
		return
	}

	if err := b.catalog.Complete(ctx, buildID, result.Digest.String(), result.ImageSize, result.EntryCount, result.Duration); err != nil {
		logger.WarnContext(ctx, "failed to record build result in catalog", "error", err)
	}
}

func (b *builder) run(ctx context.Context, logger *slog.Logger, source Source, opts BuildOptions, startTime time.Time) (*BuildResult, error) {
	workBase := filepath.Join(opts.WorkDir, "bundle")
	sweepStaleBuilds(ctx, workBase, logger)

	buildDir := filepath.Join(workBase, fmt.Sprintf("build-%d", startTime.UnixNano()))
	logger.DebugContext(ctx, "creating build directory", "path", buildDir)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(buildDir); err != nil {
			logger.WarnContext(ctx, "failed to cleanup build directory", "error", err, "path", buildDir)
		}
	}()

	// Claim the output for this run. A later build overwrites the claim
	// and this one steps aside instead of publishing stale bytes.
	wantedFile := opts.OutputPath + ".wanted"
	if err := writeFileAtomic(wantedFile, fmt.Appendf(nil, "%d", startTime.UnixNano()), 0o644); err != nil {
		return nil, fmt.Errorf("error writing wanted file: %w", err)
	}

	rootDir, err := source.Materialize(ctx, buildDir)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize source: %w", err)
	}

	espSize := int64(0)
	if opts.ESP.Enabled {
		espSize = opts.ESP.SizeBytes
		if espSize == 0 {
			espSize = defaultESPSize
		}
		if espSize%gpt.Alignment != 0 {
			return nil, fmt.Errorf("esp size %d is not a multiple of %d", espSize, gpt.Alignment)
		}
	}

	totalSize, err := planSize(ctx, rootDir, espSize, opts.SizeBytes)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "planned image", "size_mb", totalSize/1024/1024, "esp", opts.ESP.Enabled)

	st, err := store.Allocate(filepath.Join(buildDir, "image.raw"), totalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate image store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var reqs []gpt.PartitionRequest
	rootType := gpt.TypeLinuxFS
	if opts.ESP.Enabled {
		reqs = append(reqs, gpt.PartitionRequest{Name: "esp", Type: gpt.TypeESP, Size: espSize})
		rootType = gpt.TypeRootX86_64
	}
	reqs = append(reqs, gpt.PartitionRequest{Name: opts.Label, Type: rootType, Size: totalSize - espSize - 2*gpt.Alignment})

	table, err := gpt.PlanLayout(totalSize, reqs)
	if err != nil {
		return nil, err
	}

	rootPart := table.Partitions[len(table.Partitions)-1]
	rootRegion, err := store.NewRegion(st, rootPart.Start, rootPart.Size)
	if err != nil {
		return nil, err
	}

	fsb, err := ext4.NewBuilder(rootRegion, ext4.Options{
		Label:     opts.Label,
		Timestamp: opts.Timestamp,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare filesystem: %w", err)
	}
	if err := fsb.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem: %w", err)
	}

	counts, err := populate(ctx, fsb, rootDir, fstree.WalkOptions{
		SkipUnreadable: opts.SkipUnreadable,
		OneFilesystem:  opts.OneFilesystem,
		Exclude:        opts.Exclude,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to populate filesystem: %w", err)
	}

	if err := fsb.Seal(ctx); err != nil {
		return nil, fmt.Errorf("failed to seal filesystem: %w", err)
	}
	buildTimestamp := fsb.Timestamp()
	blocks, inodes := fsb.Usage()
	logger.DebugContext(ctx, "filesystem sealed", "blocks_used", blocks, "inodes_used", inodes, "timestamp", buildTimestamp)

	if err := table.Write(st, opts.Label, buildTimestamp); err != nil {
		return nil, fmt.Errorf("failed to write partition table: %w", err)
	}

	if opts.ESP.Enabled {
		espPart := table.Partitions[0]
		espRegion, err := store.NewRegion(st, espPart.Start, espPart.Size)
		if err != nil {
			return nil, err
		}
		if err := esp.Build(ctx, espRegion, buildDir, opts.ESP.SourceDir, esp.Options{Label: "ESP", Logger: logger}); err != nil {
			return nil, fmt.Errorf("failed to build esp: %w", err)
		}
	}

	if err := st.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync image store: %w", err)
	}

	imageDigest, err := digestStore(ctx, st, totalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to digest image: %w", err)
	}

	if !isNewestBuild(wantedFile, startTime.UnixNano()) {
		return nil, errors.New("newer build detected not publishing")
	}

	archiveSize, err := writeArchive(ctx, st, table, imageDigest, counts, buildTimestamp, opts)
	if err != nil {
		return nil, err
	}

	return &BuildResult{
		ArchivePath:  opts.OutputPath,
		Digest:       imageDigest,
		ImageSize:    totalSize,
		ArchiveSize:  archiveSize,
		EntryCount:   counts.entries,
		PayloadBytes: counts.payload,
		Timestamp:    buildTimestamp,
		Duration:     time.Since(startTime),
	}, nil
}

type populateCounts struct {
	entries int64 // leaf entries in the tree
	payload int64 // regular file bytes, hardlinks counted once
}

// populate walks the tree into the filesystem builder and tallies the
// manifest counts. A directory only counts as an entry when nothing
// lives inside it.
func populate(ctx context.Context, fsb *ext4.Builder, rootDir string, walkOpts fstree.WalkOptions) (populateCounts, error) {
	var counts populateCounts
	var pendingDir string

	err := fstree.Walk(ctx, rootDir, walkOpts, func(e fstree.Entry) error {
		if pendingDir != "" && !strings.HasPrefix(e.Path, pendingDir+"/") {
			counts.entries++
		}
		if e.Kind == fstree.KindDir {
			pendingDir = e.Path
		} else {
			pendingDir = ""
			counts.entries++
		}

		if e.Kind != fstree.KindRegular {
			return fsb.AddEntry(ctx, e, nil)
		}

		counts.payload += e.Size

		f, err := os.Open(filepath.Join(rootDir, e.Path))
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", e.Path, err)
		}
		addErr := fsb.AddEntry(ctx, e, f)
		if err := f.Close(); addErr == nil {
			addErr = err
		}
		return addErr
	})
	if err != nil {
		return populateCounts{}, err
	}

	if pendingDir != "" {
		counts.entries++
	}

	return counts, nil
}

// writeArchive compresses the image into a fresh archive next to its
// manifest and optional signature, then publishes it atomically.
func writeArchive(ctx context.Context, st *store.FileStore, table *gpt.Table, imageDigest digest.Digest, counts populateCounts, timestamp int64, opts BuildOptions) (int64, error) {
	w, err := bar.Create(opts.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer w.Abort()

	rw, err := w.BeginRecord(bar.RecordImage)
	if err != nil {
		return 0, err
	}
	counter := &countingWriter{w: rw}
	cw, err := compress.NewWriter(counter, opts.Compression)
	if err != nil {
		return 0, err
	}
	if err := copyStore(ctx, cw, st, st.Size()); err != nil {
		return 0, fmt.Errorf("failed to archive image: %w", err)
	}
	if err := cw.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush compressor: %w", err)
	}
	if err := rw.Close(); err != nil {
		return 0, err
	}

	parts := make([]manifest.Partition, len(table.Partitions))
	for i, p := range table.Partitions {
		parts[i] = manifest.Partition{Name: p.Name, Type: p.Type, Start: p.Start, Size: p.Size}
	}

	m := &manifest.Manifest{
		Version:        manifest.FormatVersion,
		ImageDigest:    imageDigest,
		ImageSize:      st.Size(),
		EntryCount:     counts.entries,
		PayloadBytes:   counts.payload,
		Compression:    opts.Compression,
		CompressedSize: counter.n,
		BuildTimestamp: timestamp,
		Label:          opts.Label,
		Partitions:     parts,
		Signed:         opts.Signer != nil,
	}
	data, err := m.Encode()
	if err != nil {
		return 0, err
	}
	if err := w.AddRecord(bar.RecordManifest, data); err != nil {
		return 0, err
	}

	if opts.Signer != nil {
		if err := w.AddRecord(bar.RecordSignature, opts.Signer.Sign([]byte(imageDigest))); err != nil {
			return 0, err
		}
	}

	if err := w.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(opts.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}

	return info.Size(), nil
}
