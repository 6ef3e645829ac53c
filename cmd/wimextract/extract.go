// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/apex/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/go-wim/wimextract/wim/diskarchive"
	"github.com/go-wim/wimextract/wim/extract"
)

var extractCommand = cli.Command{
	Name:      "extract",
	Usage:     "extract an image from a WIM archive to a directory",
	ArgsUsage: "<wim-file> <image-index> <target-dir>",
	Flags: []cli.Flag{
		cli.StringSliceFlag{
			Name:  "path",
			Usage: "restrict extraction to this in-archive path (repeatable)",
		},
		cli.BoolFlag{
			Name:  "glob",
			Usage: "treat --path values as glob patterns",
		},
		cli.BoolFlag{
			Name:  "flatten",
			Usage: "extract every selected file directly into the target directory",
		},
		cli.BoolFlag{
			Name:  "no-acls",
			Usage: "skip restoring security descriptors",
		},
		cli.BoolFlag{
			Name:  "no-attributes",
			Usage: "skip applying Windows file attribute bits",
		},
		cli.BoolFlag{
			Name:  "unix-data",
			Usage: "restore POSIX owner/permission metadata recorded by wimlib's UNIX extension",
		},
		cli.BoolFlag{
			Name:  "strict",
			Usage: "abort instead of warning when the backend cannot represent an ACL, short name or symlink/reparse point the archive uses",
		},
		cli.BoolFlag{
			Name:  "strict-timestamps",
			Usage: "abort instead of warning when timestamps/attributes cannot be applied",
		},
		cli.BoolFlag{
			Name:  "sequential",
			Usage: "force the two-pass, offset-sorted extraction strategy instead of the single-pass default",
		},
		cli.BoolFlag{
			Name:  "to-stdout",
			Usage: "write the single selected file's unnamed stream to standard output instead of extracting to disk",
		},
		cli.BoolFlag{
			Name:  "replace-invalid-filenames",
			Usage: "substitute invalid characters instead of skipping a dentry with an illegal name",
		},
		cli.BoolFlag{
			Name:  "all-case-conflicts",
			Usage: "substitute a disambiguated name instead of skipping a case-fold collision (Windows-family targets only)",
		},
		cli.BoolFlag{
			Name:  "ntfs",
			Usage: "apply Windows-family naming and case-fold rules even on a POSIX-named backend",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "extraction backend: posix, ntfs-3g",
			Value: "posix",
		},
		cli.StringFlag{
			Name:  "rpfix-old-prefix",
			Usage: "override the captured-volume prefix rewritten by reparse point fixup",
		},
	},
	Action: extractAction,
}

func extractAction(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 3 {
		return fmt.Errorf("expected exactly 3 arguments, got %d: %s", len(args), usage)
	}
	wimPath, indexArg, targetDir := args[0], args[1], args[2]

	index, err := strconv.Atoi(indexArg)
	if err != nil {
		return fmt.Errorf("invalid image index %q: %w", indexArg, err)
	}

	fh, err := os.Open(wimPath) //nolint:gosec // user-supplied archive path is the whole point of this command
	if err != nil {
		return fmt.Errorf("open %s: %w", wimPath, err)
	}
	defer fh.Close() //nolint:errcheck // read-only handle

	archive, err := diskarchive.Open(fh, nil)
	if err != nil {
		return fmt.Errorf("parse %s: %w", wimPath, err)
	}

	var backend extract.Backend
	switch b := ctx.String("backend"); b {
	case "posix":
		backend = extract.NewPosixBackend(targetDir)
	case "ntfs-3g":
		backend = extract.NewNTFSLibBackend(targetDir)
	default:
		return fmt.Errorf("unknown backend %q", b)
	}

	var flags extract.Flags
	if ctx.Bool("glob") {
		flags |= extract.FlagGlobPaths
	}
	if ctx.Bool("flatten") {
		flags |= extract.FlagFlattenDirStructure
	}
	if ctx.Bool("no-acls") {
		flags |= extract.FlagNoACLs
	}
	if ctx.Bool("no-attributes") {
		flags |= extract.FlagNoAttributes
	}
	if ctx.Bool("unix-data") {
		flags |= extract.FlagUnixData
	}
	if ctx.Bool("strict") {
		flags |= extract.FlagStrictACLs | extract.FlagStrictShortNames | extract.FlagStrictSymlinks
	}
	if ctx.Bool("strict-timestamps") {
		flags |= extract.FlagStrictTimestamps
	}
	if ctx.Bool("sequential") {
		flags |= extract.FlagSequential
	}
	if ctx.Bool("to-stdout") {
		flags |= extract.FlagToStdout
	}
	if ctx.Bool("replace-invalid-filenames") {
		flags |= extract.FlagReplaceInvalidFilenames
	}
	if ctx.Bool("all-case-conflicts") {
		flags |= extract.FlagAllCaseConflicts
	}
	if ctx.Bool("ntfs") {
		flags |= extract.FlagNTFS
	}

	opts := &extract.Options{
		Flags:          flags,
		Paths:          ctx.StringSlice("path"),
		RPFixOldPrefix: ctx.String("rpfix-old-prefix"),
		Progress:       progressLogger(),
	}

	driver := extract.NewDriver(archive, backend)
	if err := driver.Run(index, opts); err != nil {
		return fmt.Errorf("extract image %d: %w", index, err)
	}
	return nil
}

// progressLogger renders extract.Message events as apex/log info lines
// with human-readable byte counts, the CLI-facing counterpart to
// progress.go's threshold-based firing.
func progressLogger() extract.ProgressCallback {
	return func(m extract.Message) error {
		switch m.Type {
		case extract.MsgExtractTreeBegin:
			log.Info("building directory structure")
		case extract.MsgExtractDentry:
			log.Debugf("wrote %s (%d/%d)", m.CurrentPath, m.CompletedFiles, m.TotalFiles)
		case extract.MsgExtractStreams:
			log.Debugf("extracting: %s (%s)", m.CurrentPath, units.BytesSize(float64(m.CompletedBytes)))
		case extract.MsgExtractApplyTimestamps:
			log.Debugf("applying timestamps: %s", m.CurrentPath)
		case extract.MsgExtractImageEnd:
			log.Infof("done: %s of %s", units.BytesSize(float64(m.CompletedBytes)), units.BytesSize(float64(m.TotalBytes)))
		}
		return nil
	}
}
