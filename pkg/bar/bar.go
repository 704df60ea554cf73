// Package bar reads and writes bundle archives. An archive is a flat
// container of named records: the image payload, its manifest, and an
// optional signature.
//
// The layout is a fixed header (magic, format version, record count)
// followed by length-prefixed records. All integers are little endian.
// Readers ignore record names they do not know, so later format
// versions can add records without breaking older tools.
package bar

import "errors"

// FormatVersion is bumped when the container layout changes.
const FormatVersion = 1

// Record names written by the builder.
const (
	RecordImage     = "image"
	RecordManifest  = "manifest"
	RecordSignature = "signature"
)

const (
	headerSize = 8
	maxNameLen = 255
)

var magic = [4]byte{'B', 'N', 'D', 'L'}

var (
	// ErrInvalidArchive reports a file that is not a bundle archive or
	// is structurally damaged.
	ErrInvalidArchive = errors.New("invalid bundle archive")
	// ErrNoRecord reports a record name the archive does not carry.
	ErrNoRecord = errors.New("record not found")
)
