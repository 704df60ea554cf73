package bundler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxdollinger/bundle.io/pkg/gpt"
)

func TestPlanSizeExplicit(t *testing.T) {
	tree := t.TempDir()

	size, err := planSize(context.Background(), tree, 0, 32<<20)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if size != 32<<20 {
		t.Errorf("expected the explicit size back, got %d", size)
	}

	if _, err := planSize(context.Background(), tree, 0, 32<<20+1); err == nil {
		t.Error("expected an error for an unaligned size")
	}

	// 10 MiB barely fits without an esp but not with one.
	if _, err := planSize(context.Background(), tree, 0, 10<<20); err != nil {
		t.Errorf("plan failed: %v", err)
	}
	if _, err := planSize(context.Background(), tree, 64<<20, 10<<20); err == nil {
		t.Error("expected an error when the esp leaves no room for the root")
	}
}

func TestPlanSizeDerived(t *testing.T) {
	tree := t.TempDir()
	payload := make([]byte, 3<<20)
	if err := os.WriteFile(filepath.Join(tree, "blob"), payload, 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := planSize(context.Background(), tree, 0, 0)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if size%gpt.Alignment != 0 {
		t.Errorf("derived size %d is not aligned", size)
	}
	if min := tableReserve + minRootSize; size < min {
		t.Errorf("derived size %d is below the floor %d", size, min)
	}
	// The tree plus its growth margin must fit inside the root partition.
	rootSize := size - tableReserve
	if want := int64(len(payload)) + int64(len(payload))/4; rootSize < want {
		t.Errorf("root partition %d cannot hold the tree plus margin %d", rootSize, want)
	}

	withESP, err := planSize(context.Background(), tree, 64<<20, 0)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if withESP != size+64<<20 {
		t.Errorf("esp should grow the image by its size, got %d vs %d", withESP, size)
	}
}

func TestPlanSizeMissingTree(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	if _, err := planSize(context.Background(), missing, 0, 0); err == nil {
		t.Error("expected an error for a missing tree")
	}
}
