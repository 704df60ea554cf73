// Package manifest defines the metadata record packaged next to the
// image in an archive. Manifests are encoded as deterministic CBOR, so
// identical builds produce identical manifest bytes.
package manifest

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	digest "github.com/opencontainers/go-digest"
)

// FormatVersion is bumped when the manifest schema changes.
const FormatVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
}

// Partition summarizes one partition of the image.
type Partition struct {
	Name  string `cbor:"name"`
	Type  string `cbor:"type"`
	Start int64  `cbor:"start"`
	Size  int64  `cbor:"size"`
}

// Manifest describes a built image. The digest covers the uncompressed
// store bytes, partition table included.
type Manifest struct {
	Version        uint32        `cbor:"version"`
	ImageDigest    digest.Digest `cbor:"imageDigest"`
	ImageSize      int64         `cbor:"imageSize"`
	EntryCount     int64         `cbor:"entryCount"`
	PayloadBytes   int64         `cbor:"payloadBytes"`
	Compression    string        `cbor:"compression"`
	CompressedSize int64         `cbor:"compressedSize"`
	BuildTimestamp int64         `cbor:"buildTimestamp"`
	Label          string        `cbor:"label"`
	Partitions     []Partition   `cbor:"partitions"`
	Signed         bool          `cbor:"signed"`
}

// Encode marshals the manifest as deterministic CBOR.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	return data, nil
}

// Decode parses and validates a manifest.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks the manifest for internal consistency.
func (m *Manifest) Validate() error {
	if m.Version != FormatVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if err := m.ImageDigest.Validate(); err != nil {
		return fmt.Errorf("invalid image digest: %w", err)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("invalid image size %d", m.ImageSize)
	}
	if m.EntryCount < 0 || m.PayloadBytes < 0 {
		return fmt.Errorf("negative entry count or payload size")
	}
	if len(m.Partitions) == 0 {
		return fmt.Errorf("manifest lists no partitions")
	}
	for _, p := range m.Partitions {
		if p.Start < 0 || p.Size <= 0 || p.Start+p.Size > m.ImageSize {
			return fmt.Errorf("partition %q extent outside image", p.Name)
		}
	}

	return nil
}
