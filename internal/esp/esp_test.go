package esp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"

	"github.com/maxdollinger/bundle.io/pkg/store"
)

// 64 MiB, the smallest size the FAT32 staging comfortably supports.
const testSize = 64 << 20

func writeSource(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "EFI", "BOOT"), 0o755); err != nil {
		t.Fatalf("failed to create source dirs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "EFI", "BOOT", "BOOTX64.EFI"), []byte("efi stub payload"), 0o644); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}

	return dir
}

func TestBuildProducesMountableFat(t *testing.T) {
	dev := store.NewMemory(testSize)

	err := Build(context.Background(), dev, t.TempDir(), writeSource(t), Options{Label: "ESP"})
	if err != nil {
		t.Fatalf("failed to build esp: %v", err)
	}

	raw := dev.Bytes()
	if raw[510] != 0x55 || raw[511] != 0xAA {
		t.Errorf("boot sector signature = %x %x", raw[510], raw[511])
	}

	// Read the tree back through an independent FAT implementation
	// pass.
	imgPath := filepath.Join(t.TempDir(), "esp-check.img")
	if err := os.WriteFile(imgPath, raw, 0o644); err != nil {
		t.Fatalf("failed to dump image: %v", err)
	}

	d, err := diskfs.Open(imgPath)
	if err != nil {
		t.Fatalf("failed to open image: %v", err)
	}

	fatfs, err := d.GetFilesystem(0)
	if err != nil {
		t.Fatalf("failed to get filesystem: %v", err)
	}

	file, err := fatfs.OpenFile("/EFI/BOOT/BOOTX64.EFI", os.O_RDONLY)
	if err != nil {
		t.Fatalf("failed to open file in esp: %v", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("failed to read file in esp: %v", err)
	}
	if string(content) != "efi stub payload" {
		t.Errorf("content = %q", content)
	}
}

func TestBuildEmptySource(t *testing.T) {
	dev := store.NewMemory(testSize)

	if err := Build(context.Background(), dev, t.TempDir(), "", Options{Label: "ESP"}); err != nil {
		t.Fatalf("failed to build empty esp: %v", err)
	}

	raw := dev.Bytes()
	if raw[510] != 0x55 || raw[511] != 0xAA {
		t.Errorf("boot sector signature = %x %x", raw[510], raw[511])
	}
}

func TestBuildSkipsSymlinks(t *testing.T) {
	source := writeSource(t)
	if err := os.Symlink("EFI", filepath.Join(source, "efi-link")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	dev := store.NewMemory(testSize)
	if err := Build(context.Background(), dev, t.TempDir(), source, Options{Label: "ESP"}); err != nil {
		t.Fatalf("failed to build esp with symlink in source: %v", err)
	}
}

func TestBuildCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := store.NewMemory(testSize)
	err := Build(ctx, dev, t.TempDir(), writeSource(t), Options{Label: "ESP"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBuildLeavesNoScratchFiles(t *testing.T) {
	scratch := t.TempDir()
	dev := store.NewMemory(testSize)

	if err := Build(context.Background(), dev, scratch, writeSource(t), Options{Label: "ESP"}); err != nil {
		t.Fatalf("failed to build esp: %v", err)
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("failed to read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch files left behind: %v", entries)
	}
}
