package bundler

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/maxdollinger/bundle.io/pkg/bar"
	"github.com/maxdollinger/bundle.io/pkg/compress"
	"github.com/maxdollinger/bundle.io/pkg/ext4"
	"github.com/maxdollinger/bundle.io/pkg/gpt"
	"github.com/maxdollinger/bundle.io/pkg/manifest"
	"github.com/maxdollinger/bundle.io/pkg/signature"
)

// VerifyOptions controls archive verification.
type VerifyOptions struct {
	PublicKey  ed25519.PublicKey // nil skips the signature check
	ScratchDir string            // image unpack dir, system temp when empty
	Logger     *slog.Logger
}

// Verify checks an archive end to end: container structure, manifest
// consistency, the image digest, the partition table and root
// superblock read back from the unpacked image and, when a public key
// is given, the signature. The decoded manifest is returned for
// display.
func Verify(ctx context.Context, archivePath string, opts VerifyOptions) (*manifest.Manifest, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

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
	if imageRecord.Size() != m.CompressedSize {
		return nil, fmt.Errorf("image record is %d bytes, manifest says %d", imageRecord.Size(), m.CompressedSize)
	}

	dec, err := compress.NewReader(imageRecord, m.Compression)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	tmp, err := os.CreateTemp(opts.ScratchDir, "verify-*.raw")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch image: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digester := digest.Canonical.Digester()
	size, err := copyAll(ctx, io.MultiWriter(tmp, digester.Hash()), dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if size != m.ImageSize {
		return nil, fmt.Errorf("image is %d bytes, manifest says %d", size, m.ImageSize)
	}
	if d := digester.Digest(); d != m.ImageDigest {
		return nil, fmt.Errorf("image digest %s does not match manifest %s", d, m.ImageDigest)
	}

	if err := verifyImage(tmp, size, m); err != nil {
		return nil, err
	}

	if opts.PublicKey == nil {
		if m.Signed {
			logger.WarnContext(ctx, "archive is signed but no public key given, skipping signature check")
		}
		return m, nil
	}

	if !m.Signed {
		return nil, errors.New("archive is not signed")
	}
	sig, err := r.ReadRecord(bar.RecordSignature)
	if err != nil {
		return nil, err
	}
	if err := signature.Verify(opts.PublicKey, []byte(m.ImageDigest), sig); err != nil {
		return nil, err
	}

	return m, nil
}

// verifyImage reads the partition table and root superblock back from
// the unpacked image and checks them against the manifest.
func verifyImage(img io.ReaderAt, size int64, m *manifest.Manifest) error {
	table, err := gpt.ReadTable(img, size)
	if err != nil {
		return fmt.Errorf("partition table does not read back: %w", err)
	}
	if len(table.Partitions) != len(m.Partitions) {
		return fmt.Errorf("image has %d partitions, manifest says %d", len(table.Partitions), len(m.Partitions))
	}

	rootPart := table.Partitions[len(table.Partitions)-1]
	sb, err := ext4.ReadSuperblock(io.NewSectionReader(img, rootPart.Start, rootPart.Size))
	if err != nil {
		return fmt.Errorf("root filesystem does not read back: %w", err)
	}
	if sb.Label != m.Label {
		return fmt.Errorf("filesystem label %q does not match manifest %q", sb.Label, m.Label)
	}
	if sb.Timestamp != m.BuildTimestamp {
		return fmt.Errorf("filesystem timestamp %d does not match manifest %d", sb.Timestamp, m.BuildTimestamp)
	}

	return nil
}
