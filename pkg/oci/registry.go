// Package oci pulls container images and flattens their layers into a
// root filesystem directory that can be bundled.
package oci

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistryProvider fetches OCI images from a container registry using
// go-containerregistry. It implements the ImageSource interface.
//
// GetImage downloads the image manifest and layer metadata from the
// registry. The actual layer content is not downloaded until the
// layers are read.
type RegistryProvider struct {
	imageRef name.Reference
}

// NewRegistryProvider creates a new provider for the given image reference
// ref can be:
//   - "nginx:latest" (defaults to docker.io/library)
//   - "docker.io/nginx:latest"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image:tag"
func NewRegistryProvider(imageRef string) (ImageSource, error) {
	// Add docker.io default if no registry specified
	normalizedRef := imageRef
	if !strings.Contains(imageRef, "/") {
		normalizedRef = "docker.io/library/" + imageRef
	} else if !strings.Contains(strings.Split(imageRef, "/")[0], ".") && !strings.Contains(strings.Split(imageRef, "/")[0], ":") {
		// If first component has no dots or colons, prepend docker.io
		normalizedRef = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	return &RegistryProvider{
		imageRef: ref,
	}, nil
}

func (p *RegistryProvider) Info() string {
	return p.imageRef.String()
}

// GetImage fetches the image from the registry and returns it with all layers
func (p *RegistryProvider) GetImage(ctx context.Context) (*Image, error) {
	platformStr := fmt.Sprintf("linux/%s", runtime.GOARCH)
	platform, err := v1.ParsePlatform(platformStr)
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	img, err := remote.Image(p.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrappedLayers[i] = &registryLayer{layer: layer}
	}

	return &Image{
		Ref:    p.imageRef.String(),
		Digest: digest.Digest(dgst.String()),
		Layers: wrappedLayers,
	}, nil
}

// registryLayer wraps a go-containerregistry layer to implement the Layer interface.
// It provides lazy access to layer content - data is only downloaded when read.
type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return digest.Digest("")
	}
	// Convert go-containerregistry digest to opencontainers digest
	return digest.Digest(dgst.String())
}

func (l *registryLayer) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *registryLayer) MediaType() string {
	mediaType, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mediaType)
}

// Compressed returns a reader for the compressed layer data
func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	reader, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return reader, nil
}

// NoOpImageProvider for testing
type NoOpImageProvider struct{}

func NewNoOpImageProvider() *NoOpImageProvider {
	return &NoOpImageProvider{}
}

func (p *NoOpImageProvider) Info() string {
	return "registry.com/noop-image:latest"
}

func (p *NoOpImageProvider) GetImage(ctx context.Context) (*Image, error) {
	// Return a dummy image with a fake digest
	return &Image{
		Ref:    "registry.com/noop-image:latest",
		Digest: digest.FromString("noop-image"),
		Layers: []Layer{},
	}, nil
}
