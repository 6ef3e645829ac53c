// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/go-wim/wimextract/wim/diskarchive"
)

var infoCommand = cli.Command{
	Name:      "info",
	Usage:     "print an archive's format version and image list",
	ArgsUsage: "<wim-file>",
	Action:    infoAction,
}

func infoAction(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 1 {
		return fmt.Errorf("expected exactly 1 argument: %s", ctx.Command.ArgsUsage)
	}
	wimPath := args[0]

	fh, err := os.Open(wimPath) //nolint:gosec // user-supplied archive path is the whole point of this command
	if err != nil {
		return fmt.Errorf("open %s: %w", wimPath, err)
	}
	defer fh.Close() //nolint:errcheck // read-only handle

	archive, err := diskarchive.Open(fh, nil)
	if err != nil {
		return fmt.Errorf("parse %s: %w", wimPath, err)
	}

	fmt.Printf("format version: %s\n", archive.FormatVersion())
	fmt.Printf("seekable: %v\n", archive.Seekable())

	images, err := archive.Images()
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	blobs, err := archive.Blobs()
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	fmt.Printf("blobs: %d\n", len(blobs))

	for _, img := range images {
		name := img.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("image %d: %s (%s, %d entries)\n", img.Index, name, units.BytesSize(float64(img.TotalBytes)), len(img.Dentries))
	}
	return nil
}
