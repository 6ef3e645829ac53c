// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/apex/log"
	"github.com/urfave/cli"

	"github.com/go-wim/wimextract/wim/extract"
)

var verifyCommand = cli.Command{
	Name:      "verify",
	Usage:     "generate or check an mtree manifest of a previously extracted directory",
	ArgsUsage: "generate <dir> <manifest> | check <dir> <manifest>",
	Action:    verifyAction,
}

func verifyAction(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 3 {
		return fmt.Errorf("expected exactly 3 arguments: %s", ctx.Command.ArgsUsage)
	}
	sub, dir, manifest := args[0], args[1], args[2]

	switch sub {
	case "generate":
		dh, err := extract.GenerateManifest(dir)
		if err != nil {
			return err
		}
		return extract.WriteManifest(manifest, dh)
	case "check":
		dh, err := extract.LoadManifest(manifest)
		if err != nil {
			return err
		}
		diffs, err := extract.CheckAgainstManifest(dir, dh)
		if err != nil {
			return err
		}
		if len(diffs) == 0 {
			log.Infof("%s matches %s", dir, manifest)
			return nil
		}
		for _, d := range diffs {
			log.Warnf("%s", d.String())
		}
		return fmt.Errorf("%s does not match %s: %d differences", dir, manifest, len(diffs))
	default:
		return fmt.Errorf("unknown verify subcommand %q, expected \"generate\" or \"check\"", sub)
	}
}
