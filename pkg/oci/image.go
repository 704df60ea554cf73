package oci

import (
	"github.com/opencontainers/go-digest"
)

// Image represents a pulled OCI image. Only the pieces a rootfs build
// needs are kept: the layers and the digest identifying them.
type Image struct {
	Ref    string // normalized reference the image was resolved from
	Digest digest.Digest
	Layers []Layer
}
