package oci

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

type memLayer struct {
	data      []byte
	mediaType string
}

func (l *memLayer) Digest() digest.Digest { return digest.FromBytes(l.data) }
func (l *memLayer) Size() int64           { return int64(len(l.data)) }
func (l *memLayer) MediaType() string     { return l.mediaType }

func (l *memLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	content  string
	linkname string
	modTime  time.Time
}

func buildLayer(t *testing.T, entries []tarEntry) Layer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Size:     int64(len(e.content)),
			Linkname: e.linkname,
			ModTime:  e.modTime,
		}
		if hdr.ModTime.IsZero() {
			hdr.ModTime = time.Unix(1700000000, 0)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write tar header: %v", err)
		}
		if e.typeflag == tar.TypeReg && e.content != "" {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("failed to write tar content: %v", err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}

	return &memLayer{data: buf.Bytes(), mediaType: "application/vnd.oci.image.layer.v1.tar+gzip"}
}

func TestFlattenMergesLayers(t *testing.T) {
	base := buildLayer(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0o644, content: "one\n"},
		{name: "keep.txt", typeflag: tar.TypeReg, mode: 0o644, content: "keep"},
	})
	upper := buildLayer(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0o644, content: "two\n"},
		{name: ".wh.keep.txt", typeflag: tar.TypeReg, mode: 0o644},
	})

	target := t.TempDir()
	if err := NewFlattener().Flatten(context.Background(), []Layer{base, upper}, target); err != nil {
		t.Fatalf("failed to flatten layers: %v", err)
	}

	hostname, err := os.ReadFile(filepath.Join(target, "etc", "hostname"))
	if err != nil {
		t.Fatalf("failed to read hostname: %v", err)
	}
	if string(hostname) != "two\n" {
		t.Errorf("hostname = %q, want overwrite from upper layer", hostname)
	}

	if _, err := os.Lstat(filepath.Join(target, "keep.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("whiteout did not remove keep.txt")
	}
}

func TestFlattenOpaqueWhiteout(t *testing.T) {
	base := buildLayer(t, []tarEntry{
		{name: "data/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "data/a", typeflag: tar.TypeReg, mode: 0o644, content: "a"},
		{name: "data/b", typeflag: tar.TypeReg, mode: 0o644, content: "b"},
	})
	upper := buildLayer(t, []tarEntry{
		{name: "data/.wh..wh..opq", typeflag: tar.TypeReg, mode: 0o644},
		{name: "data/c", typeflag: tar.TypeReg, mode: 0o644, content: "c"},
	})

	target := t.TempDir()
	if err := NewFlattener().Flatten(context.Background(), []Layer{base, upper}, target); err != nil {
		t.Fatalf("failed to flatten layers: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(target, "data"))
	if err != nil {
		t.Fatalf("failed to read data dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "c" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("data dir = %v, want only [c]", names)
	}
}

func TestFlattenRestoresModTimes(t *testing.T) {
	fileTime := time.Unix(1690000000, 0)
	dirTime := time.Unix(1680000000, 0)

	layer := buildLayer(t, []tarEntry{
		{name: "opt/", typeflag: tar.TypeDir, mode: 0o755, modTime: dirTime},
		{name: "opt/app", typeflag: tar.TypeReg, mode: 0o755, content: "#!/bin/sh\n", modTime: fileTime},
	})

	target := t.TempDir()
	if err := NewFlattener().Flatten(context.Background(), []Layer{layer}, target); err != nil {
		t.Fatalf("failed to flatten layers: %v", err)
	}

	fi, err := os.Lstat(filepath.Join(target, "opt", "app"))
	if err != nil {
		t.Fatalf("failed to stat file: %v", err)
	}
	if !fi.ModTime().Equal(fileTime) {
		t.Errorf("file mtime = %v, want %v", fi.ModTime(), fileTime)
	}

	di, err := os.Lstat(filepath.Join(target, "opt"))
	if err != nil {
		t.Fatalf("failed to stat dir: %v", err)
	}
	if !di.ModTime().Equal(dirTime) {
		t.Errorf("dir mtime = %v, want %v", di.ModTime(), dirTime)
	}
}

func TestFlattenHardlinks(t *testing.T) {
	layer := buildLayer(t, []tarEntry{
		{name: "bin/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "bin/sh", typeflag: tar.TypeReg, mode: 0o755, content: "ELF"},
		{name: "bin/static-sh", typeflag: tar.TypeLink, linkname: "bin/sh"},
	})

	target := t.TempDir()
	if err := NewFlattener().Flatten(context.Background(), []Layer{layer}, target); err != nil {
		t.Fatalf("failed to flatten layers: %v", err)
	}

	a, err := os.Lstat(filepath.Join(target, "bin", "sh"))
	if err != nil {
		t.Fatalf("failed to stat original: %v", err)
	}
	b, err := os.Lstat(filepath.Join(target, "bin", "static-sh"))
	if err != nil {
		t.Fatalf("failed to stat link: %v", err)
	}
	if !os.SameFile(a, b) {
		t.Errorf("hardlink does not share inode with original")
	}
}

func TestFlattenReplacesSymlinkWithFile(t *testing.T) {
	base := buildLayer(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "etc/target", typeflag: tar.TypeReg, mode: 0o644, content: "orig"},
		{name: "etc/alias", typeflag: tar.TypeSymlink, linkname: "target"},
	})
	upper := buildLayer(t, []tarEntry{
		{name: "etc/alias", typeflag: tar.TypeReg, mode: 0o644, content: "new"},
	})

	target := t.TempDir()
	if err := NewFlattener().Flatten(context.Background(), []Layer{base, upper}, target); err != nil {
		t.Fatalf("failed to flatten layers: %v", err)
	}

	fi, err := os.Lstat(filepath.Join(target, "etc", "alias"))
	if err != nil {
		t.Fatalf("failed to stat alias: %v", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		t.Errorf("alias is still a symlink, want regular file")
	}

	orig, err := os.ReadFile(filepath.Join(target, "etc", "target"))
	if err != nil {
		t.Fatalf("failed to read target: %v", err)
	}
	if string(orig) != "orig" {
		t.Errorf("target = %q, upper layer wrote through the symlink", orig)
	}
}

func TestFlattenRejectsTraversal(t *testing.T) {
	layer := buildLayer(t, []tarEntry{
		{name: "../evil", typeflag: tar.TypeReg, mode: 0o644, content: "nope"},
	})

	target := t.TempDir()
	if err := NewFlattener().Flatten(context.Background(), []Layer{layer}, target); err == nil {
		t.Errorf("expected traversal error")
	}
}

func TestFlattenCancellation(t *testing.T) {
	layer := buildLayer(t, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, mode: 0o644, content: "a"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewFlattener().Flatten(ctx, []Layer{layer}, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLayerCodec(t *testing.T) {
	tests := []struct {
		mediaType string
		want      string
	}{
		{"application/vnd.oci.image.layer.v1.tar+gzip", "gzip"},
		{"application/vnd.docker.image.rootfs.diff.tar.gzip", "gzip"},
		{"application/vnd.oci.image.layer.v1.tar+zstd", "zstd"},
		{"application/vnd.oci.image.layer.v1.tar", "none"},
		{"", "gzip"},
	}

	for _, tt := range tests {
		if got := layerCodec(tt.mediaType); got != tt.want {
			t.Errorf("layerCodec(%q) = %q, want %q", tt.mediaType, got, tt.want)
		}
	}
}
