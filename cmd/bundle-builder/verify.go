package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	units "github.com/docker/go-units"

	"github.com/maxdollinger/bundle.io/internal/bundler"
	"github.com/maxdollinger/bundle.io/pkg/manifest"
	"github.com/maxdollinger/bundle.io/pkg/signature"
)

// Run executes the verify command
func (c *VerifyCmd) Run(ctx context.Context) error {
	var pub ed25519.PublicKey
	if c.Key != "" {
		var err error
		pub, err = signature.LoadPublicKey(c.Key)
		if err != nil {
			return err
		}
	}

	m, err := bundler.Verify(ctx, c.Archive, bundler.VerifyOptions{PublicKey: pub})
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Printf("OK %s\n", c.Archive)
	printManifest(m)

	return nil
}

func printManifest(m *manifest.Manifest) {
	signed := "no"
	if m.Signed {
		signed = "yes"
	}

	fmt.Printf("  label:       %s\n", m.Label)
	fmt.Printf("  digest:      %s\n", m.ImageDigest)
	fmt.Printf("  image:       %s (%s %s)\n",
		units.BytesSize(float64(m.ImageSize)), m.Compression, units.BytesSize(float64(m.CompressedSize)))
	fmt.Printf("  entries:     %d\n", m.EntryCount)
	fmt.Printf("  payload:     %s\n", units.BytesSize(float64(m.PayloadBytes)))
	fmt.Printf("  built:       %s\n", time.Unix(m.BuildTimestamp, 0).UTC().Format(time.RFC3339))
	fmt.Printf("  signed:      %s\n", signed)
	fmt.Printf("  partitions:\n")
	for i, p := range m.Partitions {
		fmt.Printf("    %d  %-12s %-10s %s\n",
			i+1, p.Name, units.BytesSize(float64(p.Size)), p.Type)
	}
}
