// SPDX-License-Identifier: Apache-2.0

// Package main is the cli implementation of wimextract.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
	logcli "github.com/apex/log/handlers/cli"
	"github.com/urfave/cli"
)

const usage = `wimextract extracts images from Windows Imaging Format (WIM) archives`

// Main is the underlying main() implementation, callable directly with
// argv-shaped arguments for testing.
func Main(args []string) error {
	app := cli.NewApp()
	app.Name = "wimextract"
	app.Usage = usage
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "alias for --log=info",
		},
		cli.StringFlag{
			Name:  "log",
			Usage: "set the log level (debug, info, [warn], error, fatal)",
			Value: "warn",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		log.SetHandler(logcli.New(os.Stderr))

		if ctx.GlobalBool("verbose") {
			if ctx.GlobalIsSet("log") {
				return errors.New("--log=* and --verbose are mutually exclusive")
			}
			if err := ctx.GlobalSet("log", "info"); err != nil {
				return fmt.Errorf("[internal error] failure auto-setting --log=info: %w", err)
			}
		}
		level, err := log.ParseLevel(ctx.GlobalString("log"))
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		log.SetLevel(level)
		return nil
	}

	app.Commands = []cli.Command{
		extractCommand,
		verifyCommand,
		infoCommand,
	}

	return app.Run(args)
}

func main() {
	if err := Main(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}
