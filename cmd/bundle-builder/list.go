package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/maxdollinger/bundle.io/internal/catalog"
	"github.com/maxdollinger/bundle.io/internal/config"
)

// Run executes the list command
func (c *ListCmd) Run(ctx context.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	dbPath := c.DB
	if dbPath == "" {
		dbPath = cfg.CatalogDB
	}
	if dbPath == "" {
		return errors.New("no catalog database, pass --db or set catalog_db in the config")
	}

	cat, err := catalog.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	builds, err := cat.List(ctx, c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 1, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tSTATUS\tSOURCE\tDIGEST\tSIZE\tENTRIES\tTOOK")
	for _, b := range builds {
		digest := "-"
		if b.Digest != nil && len(*b.Digest) >= 19 {
			digest = (*b.Digest)[:19]
		}
		size := "-"
		if b.SizeBytes != nil {
			size = units.BytesSize(float64(*b.SizeBytes))
		}
		entries := "-"
		if b.EntryCount != nil {
			entries = fmt.Sprintf("%d", *b.EntryCount)
		}
		took := "-"
		if b.DurationMS != nil {
			took = (time.Duration(*b.DurationMS) * time.Millisecond).String()
		}
		status := b.Status
		if b.Error != nil {
			status = fmt.Sprintf("%s (%s)", b.Status, *b.Error)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.CreatedAt.UTC().Format(time.RFC3339), status, b.Source, digest, size, entries, took)
	}

	return w.Flush()
}
