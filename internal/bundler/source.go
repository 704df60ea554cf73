package bundler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxdollinger/bundle.io/pkg/oci"
)

// Source provides the root filesystem tree a build walks.
type Source interface {
	// Materialize makes the tree available on disk and returns its root.
	// Anything staged under scratchDir is cleaned up with the build.
	Materialize(ctx context.Context, scratchDir string) (string, error)
	// Info describes the source for logs and build records.
	Info() string
}

// DirSource bundles an existing directory tree, a live root filesystem
// or a staged chroot. The tree is read in place.
type DirSource struct {
	Path string
}

func (s *DirSource) Materialize(_ context.Context, _ string) (string, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source %s is not a directory", s.Path)
	}

	return s.Path, nil
}

func (s *DirSource) Info() string {
	return "dir:" + s.Path
}

// OCISource bundles a container image. The image is pulled and its
// layers flattened into a scratch directory before the walk.
type OCISource struct {
	provider oci.ImageSource
}

func NewOCISource(provider oci.ImageSource) *OCISource {
	return &OCISource{provider: provider}
}

func (s *OCISource) Materialize(ctx context.Context, scratchDir string) (string, error) {
	img, err := s.provider.GetImage(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to pull image: %w", err)
	}

	rootDir := filepath.Join(scratchDir, "rootfs")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create rootfs directory: %w", err)
	}

	if err := oci.NewFlattener().Flatten(ctx, img.Layers, rootDir); err != nil {
		return "", fmt.Errorf("failed to flatten image: %w", err)
	}

	return rootDir, nil
}

func (s *OCISource) Info() string {
	return s.provider.Info()
}
