package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bundle-builder"),
		kong.Description("Builds distributable bootable disk image bundles from directory trees and container images"),
		kong.UsageOnError(),
		kong.BindTo(runCtx, (*context.Context)(nil)),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
