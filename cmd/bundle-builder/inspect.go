package main

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"

	"github.com/maxdollinger/bundle.io/internal/bundler"
)

// Run executes the inspect command
func (c *InspectCmd) Run(ctx context.Context) error {
	if !c.Image {
		m, err := bundler.Inspect(c.Archive)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", c.Archive)
		printManifest(m)
		return nil
	}

	info, err := bundler.InspectImage(ctx, c.Archive, "")
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", c.Archive)
	printManifest(info.Manifest)

	sb := info.Superblock
	fmt.Printf("  filesystem:\n")
	fmt.Printf("    uuid:   %s\n", sb.UUID)
	fmt.Printf("    blocks: %d used of %d\n", sb.BlockCount-sb.FreeBlocks, sb.BlockCount)
	fmt.Printf("    inodes: %d used of %d\n", sb.InodeCount-sb.FreeInodes, sb.InodeCount)
	fmt.Printf("    root:")
	for _, e := range info.RootDir {
		fmt.Printf(" %s", e.Name)
	}
	fmt.Println()

	fmt.Printf("  on disk:\n")
	for i, p := range info.Table.Partitions {
		fmt.Printf("    %d  %-12s start %-10s %s\n",
			i+1, p.Name, units.BytesSize(float64(p.Start)), units.BytesSize(float64(p.Size)))
	}

	return nil
}
