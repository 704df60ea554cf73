package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	units "github.com/docker/go-units"

	"github.com/maxdollinger/bundle.io/internal/bundler"
	"github.com/maxdollinger/bundle.io/internal/catalog"
	"github.com/maxdollinger/bundle.io/internal/config"
	"github.com/maxdollinger/bundle.io/pkg/lock"
	"github.com/maxdollinger/bundle.io/pkg/oci"
	"github.com/maxdollinger/bundle.io/pkg/signature"
)

// Run executes the build command
func (c *BuildCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	// Override config with CLI flags
	if c.WorkDir != "" {
		cfg.WorkDir = c.WorkDir
	}
	if c.Label != "" {
		cfg.Label = c.Label
	}
	if c.Compression != "" {
		cfg.Compression = c.Compression
	}
	if len(c.Exclude) > 0 {
		cfg.Exclude = c.Exclude
	}
	if c.Key != "" {
		cfg.KeyFile = c.Key
	}
	if c.ESP {
		cfg.ESP.Enabled = true
	}
	if c.ESPSource != "" {
		cfg.ESP.SourceDir = c.ESPSource
	}
	if c.Debug {
		cfg.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	source, err := c.buildSource()
	if err != nil {
		return err
	}

	opts := bundler.BuildOptions{
		OutputPath:     c.Output,
		WorkDir:        cfg.WorkDir,
		Label:          cfg.Label,
		Timestamp:      c.Timestamp,
		Compression:    cfg.Compression,
		Exclude:        cfg.Exclude,
		SkipUnreadable: c.SkipUnreadable,
		OneFilesystem:  c.OneFilesystem,
	}
	if opts.OutputPath == "" {
		return errors.New("no output path, pass --output")
	}

	if c.Size != "" {
		size, err := units.RAMInBytes(c.Size)
		if err != nil {
			return fmt.Errorf("failed to parse size %q: %w", c.Size, err)
		}
		opts.SizeBytes = size
	}

	if cfg.ESP.Enabled {
		opts.ESP = bundler.ESPOptions{
			Enabled:   true,
			SizeBytes: cfg.ESP.SizeMB << 20,
			SourceDir: cfg.ESP.SourceDir,
		}
		if c.ESPSize != "" {
			size, err := units.RAMInBytes(c.ESPSize)
			if err != nil {
				return fmt.Errorf("failed to parse esp size %q: %w", c.ESPSize, err)
			}
			opts.ESP.SizeBytes = size
		}
	}

	if cfg.KeyFile != "" {
		signer, err := signature.LoadSigner(cfg.KeyFile)
		if err != nil {
			return err
		}
		opts.Signer = signer
	}

	var cat *catalog.Catalog
	if cfg.CatalogDB != "" {
		cat, err = catalog.Open(ctx, cfg.CatalogDB)
		if err != nil {
			logger.WarnContext(ctx, "failed to open build catalog, continuing without", "error", err)
		} else {
			defer cat.Close()
		}
	}

	b := bundler.NewBuilder(lock.NewFileLocker(), cat)
	result, err := b.Build(ctx, source, opts)
	if err != nil {
		return err
	}

	fmt.Printf("published %s\n", result.ArchivePath)
	fmt.Printf("  digest:  %s\n", result.Digest)
	fmt.Printf("  image:   %s  archive: %s\n",
		units.BytesSize(float64(result.ImageSize)), units.BytesSize(float64(result.ArchiveSize)))
	fmt.Printf("  entries: %d  payload: %s\n",
		result.EntryCount, units.BytesSize(float64(result.PayloadBytes)))
	fmt.Printf("  took:    %s\n", result.Duration.Round(time.Millisecond))

	return nil
}

// buildSource picks between the directory tree argument and a container
// image reference. Exactly one of the two must be given.
func (c *BuildCmd) buildSource() (bundler.Source, error) {
	switch {
	case c.Source != "" && c.Image != "":
		return nil, errors.New("pass either a source directory or --image, not both")
	case c.Image != "":
		provider, err := oci.NewRegistryProvider(c.Image)
		if err != nil {
			return nil, err
		}
		return bundler.NewOCISource(provider), nil
	case c.Source != "":
		return &bundler.DirSource{Path: c.Source}, nil
	default:
		return nil, errors.New("pass a source directory or --image")
	}
}
