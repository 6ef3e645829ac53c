// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/apex/log"

	"github.com/go-wim/wimextract/internal/system"
	"github.com/go-wim/wimextract/wim"
)

// stage names the extraction state machine's current step, for logging
// and for the ABORT bookkeeping described in §5.
type stage int

const (
	stageInit stage = iota
	stagePlan
	stageCreateSkeleton
	stageWriteStreams
	stageFinalize
	stageDone
	stageAbort
)

func (s stage) String() string {
	switch s {
	case stageInit:
		return "INIT"
	case stagePlan:
		return "PLAN"
	case stageCreateSkeleton:
		return "CREATE_SKELETON"
	case stageWriteStreams:
		return "WRITE_STREAMS"
	case stageFinalize:
		return "FINALIZE"
	case stageDone:
		return "DONE"
	default:
		return "ABORT"
	}
}

// Driver is C8: it owns one extraction run's state machine, wiring
// together the Sanitizer, FeatureMatrix, Planner, Backend, Skeleton,
// StreamExtractor and Finalizer collaborators in the order §5 requires,
// and guaranteeing that scratch state is released on every exit path
// (success or ABORT) by never leaving live references to per-run
// collaborators once Run returns.
type Driver struct {
	Archive wim.Archive
	Backend Backend

	stage stage
}

// NewDriver constructs a Driver bound to one archive and target backend.
// A Driver can be reused for multiple Run calls against different
// images; per-run collaborators are constructed fresh each time.
func NewDriver(archive wim.Archive, backend Backend) *Driver {
	return &Driver{Archive: archive, Backend: backend, stage: stageInit}
}

// Stage returns the driver's current state, primarily for tests asserting
// on ABORT behavior.
func (d *Driver) Stage() string { return d.stage.String() }

// Run extracts imageIndex (1-based, matching wim.Image.Index) according
// to opts, driving the state machine to completion or ABORT. On any
// stage's error the backend's AbortExtract runs instead of
// FinishExtract, per §5/§7's cleanup contract.
func (d *Driver) Run(imageIndex int, rawOpts *Options) (err error) {
	d.stage = stageInit
	if serr := d.Backend.StartExtract(); serr != nil {
		return serr
	}
	defer func() {
		if err != nil && d.stage != stageDone {
			log.Debugf("extraction aborted at stage %s: %v", d.stage, err)
			d.stage = stageAbort
			if aerr := d.Backend.AbortExtract(); aerr != nil {
				log.Warnf("abort_extract: %v", aerr)
			}
			return
		}
		if ferr := d.Backend.FinishExtract(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	opts := rawOpts.fill()

	images, err := d.Archive.Images()
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "list images", "", err)
	}
	img, err := selectImage(images, imageIndex)
	if err != nil {
		return err
	}

	inodesArc, ok := d.Archive.(interface{ Inodes() []wim.Inode })
	if !ok {
		return wim.Errorf(wim.ErrInvalidParam, "run", "", "archive does not expose an inode table")
	}
	inodes := inodesArc.Inodes()

	blobs, err := d.Archive.Blobs()
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "list blobs", "", err)
	}
	sec, err := d.Archive.Security()
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "list security descriptors", "", err)
	}

	d.stage = stagePlan
	// Only a plain POSIX filesystem tolerates POSIX-only names, unless
	// the caller overrides that with FlagNTFS (the destination, though
	// reached through POSIX syscalls, is actually NTFS); the NTFS and
	// native Windows backends always target NTFS naming rules.
	posixNaming := d.Backend.Name() == "posix" && !opts.Flags.Has(FlagNTFS)
	sanitizer := NewSanitizer(posixNaming, opts)
	planner := &Planner{
		Image: img, Inodes: inodes, Blobs: blobs,
		Sanitizer: sanitizer, Backend: d.Backend, Opts: opts, Seekable: d.Archive.Seekable(),
	}
	plan, err := planner.Plan()
	if err != nil {
		return err
	}

	if opts.Flags.Has(FlagToStdout) {
		return d.extractToStdout(img, inodes, plan)
	}

	matrix := NewFeatureMatrix(d.Backend, strictFeatures(opts))
	// A dry pass over the plan to populate feature-demand tallies before
	// any I/O happens, so a strict-mode caller aborts before touching the
	// filesystem.
	registerFeatureDemand(matrix, img, inodes, plan)
	if err := matrix.Check(); err != nil {
		return err
	}
	if opts.Flags.Has(FlagUnixData) {
		if _, ok := d.Backend.(UnixDataBackend); !ok {
			return wim.Errorf(wim.ErrUnsupported, "run", "", "unix data requested but backend %s cannot restore it", d.Backend.Name())
		}
	}
	if len(opts.LinkedImages) > 0 {
		switch {
		case opts.Flags.Has(FlagHardlink):
			if _, ok := d.Backend.(HardlinkBackend); !ok {
				return wim.Errorf(wim.ErrUnsupported, "run", "", "linked image extraction requested hardlinks but backend %s cannot hardlink", d.Backend.Name())
			}
		case opts.Flags.Has(FlagSymlink):
			if _, ok := d.Backend.(SymlinkBackend); !ok {
				return wim.Errorf(wim.ErrUnsupported, "run", "", "linked image extraction requested symlinks but backend %s cannot symlink", d.Backend.Name())
			}
		}
	}
	for _, line := range matrix.Summary() {
		log.Warnf("feature matrix: %s", line)
	}

	tracker := newProgressTracker(opts.Progress, plan.TotalBytes, len(plan.Selected))
	if err := tracker.fire(MsgExtractImageBegin); err != nil {
		return err
	}
	if err := tracker.fire(MsgExtractTreeBegin); err != nil {
		return err
	}

	skeleton := NewSkeleton(d.Backend, img, inodes, matrix, opts, tracker, d.rpfixEnabled(opts))
	streamExtractor := NewStreamExtractor(d.Backend, d.Archive, img, inodes, blobs, matrix, tracker, plan)

	if err := tracker.fire(MsgExtractDirStructureBegin); err != nil {
		return err
	}
	switch {
	case !d.Archive.Seekable():
		d.stage = stageCreateSkeleton
		if err := skeleton.Build(plan); err != nil {
			return err
		}
		streamExtractor.IndexCopies(plan, skeleton.WasLinked)
		if err := tracker.fire(MsgExtractDirStructureEnd); err != nil {
			return err
		}
		d.stage = stageWriteStreams
		pipeArc, ok := d.Archive.(interface {
			PipeSource() (*PipeReader, int)
		})
		if !ok {
			return wim.Errorf(wim.ErrNotPipable, "run", "", "archive is not seekable and does not implement pipe extraction")
		}
		pr, count := pipeArc.PipeSource()
		if err := streamExtractor.RunPipe(pr, count); err != nil {
			return err
		}
	case opts.Flags.Has(FlagSequential):
		d.stage = stageCreateSkeleton
		if err := skeleton.Build(plan); err != nil {
			return err
		}
		streamExtractor.IndexCopies(plan, skeleton.WasLinked)
		if err := tracker.fire(MsgExtractDirStructureEnd); err != nil {
			return err
		}
		d.stage = stageWriteStreams
		if err := streamExtractor.RunSequential(plan); err != nil {
			return err
		}
	default:
		// Single-pass, the default: interleave skeleton creation and
		// stream content per dentry instead of running two full passes
		// over the plan.
		d.stage = stageCreateSkeleton
		if err := streamExtractor.RunSinglePass(plan, skeleton.BuildOne, skeleton.WasLinked); err != nil {
			return err
		}
		d.stage = stageWriteStreams
		if err := tracker.fire(MsgExtractDirStructureEnd); err != nil {
			return err
		}
	}

	d.stage = stageFinalize
	finalizer := &Finalizer{Backend: d.Backend, Image: img, Inodes: inodes, Matrix: matrix, Sec: sec, Opts: opts, Tracker: tracker}
	if err := finalizer.Finalize(plan); err != nil {
		return err
	}

	if err := tracker.fire(MsgExtractTreeEnd); err != nil {
		return err
	}

	if err := d.extractLinkedImages(opts, plan, img, inodes); err != nil {
		return err
	}

	if err := tracker.fire(MsgExtractImageEnd); err != nil {
		return err
	}
	d.stage = stageDone
	return nil
}

// extractToStdout implements §4.8's TO_STDOUT shortcut: the selected
// path must resolve to exactly one regular file (the first non-directory
// dentry the plan selected), whose unnamed stream is copied to stdout in
// place of the whole skeleton/stream/finalize pipeline.
func (d *Driver) extractToStdout(img *wim.Image, inodes []wim.Inode, plan *Plan) error {
	for _, pd := range plan.Selected {
		dentry := img.DentryByIndex(pd.Index)
		if dentry == nil || dentry.Inode == wim.NoInode {
			continue
		}
		inode := &inodes[dentry.Inode]
		if inode.Attributes.IsDir() {
			continue
		}
		for _, s := range inode.Streams {
			if s.Name != "" || s.Blob == wim.NoBlob {
				continue
			}
			rc, err := d.Archive.OpenBlob(s.Blob)
			if err != nil {
				return wim.WrapErr(wim.ErrOpen, "open blob", pd.TargetPath, err)
			}
			defer rc.Close() //nolint:errcheck // read-only handle
			if _, err := system.Copy(os.Stdout, rc); err != nil {
				return wim.WrapErr(wim.ErrWrite, "write stdout", pd.TargetPath, err)
			}
			return nil
		}
		return wim.Errorf(wim.ErrNotRegularFile, "extract to stdout", pd.TargetPath, "selected file has no unnamed data stream")
	}
	return wim.Errorf(wim.ErrNotRegularFile, "extract to stdout", "", "no regular file selected")
}

func selectImage(images []*wim.Image, index int) (*wim.Image, error) {
	if index <= 0 || index > len(images) {
		return nil, wim.Errorf(wim.ErrInvalidImage, "select image", "", "index %d out of range (archive has %d images)", index, len(images))
	}
	for _, img := range images {
		if img.Index == index {
			return img, nil
		}
	}
	return images[index-1], nil
}

// rpfixEnabled resolves §4.8's RPFIX default for this run: on when the
// archive header's RP_FIX flag is set, off unconditionally for a
// Paths-scoped (subtree) extraction regardless of the header or flags
// (SPEC_FULL.md §3), and overridable in either direction by
// FlagRPFix/FlagNoRPFix. An archive that does not expose a header (e.g.
// pkg/fakearchive's test double) defaults to on, matching this engine's
// behavior before header parsing was wired in.
func (d *Driver) rpfixEnabled(opts *Options) bool {
	enabled := true
	if hdrArc, ok := d.Archive.(interface{ RPFixEnabled() bool }); ok {
		enabled = hdrArc.RPFixEnabled()
	}
	if opts.Flags.Has(FlagRPFix) {
		enabled = true
	}
	if opts.Flags.Has(FlagNoRPFix) {
		enabled = false
	}
	if len(opts.Paths) > 0 {
		enabled = false
	}
	return enabled
}

// strictFeatures translates the per-feature strict flags into the
// per-category map FeatureMatrix.Check enforces, so that e.g.
// FlagStrictShortNames alone never aborts extraction over an unrelated
// missing feature (§4.2/§7).
func strictFeatures(opts *Options) map[Feature]bool {
	s := make(map[Feature]bool)
	if opts.Flags.Has(FlagStrictACLs) {
		s[FeatureSecurity] = true
	}
	if opts.Flags.Has(FlagStrictShortNames) {
		s[FeatureShortNames] = true
	}
	if opts.Flags.Has(FlagStrictSymlinks) {
		s[FeatureSymlinks] = true
		s[FeatureReparsePoints] = true
	}
	return s
}

func registerFeatureDemand(matrix *FeatureMatrix, img *wim.Image, inodes []wim.Inode, plan *Plan) {
	seen := make(map[wim.InodeIndex]bool)
	for _, pd := range plan.Selected {
		d := img.DentryByIndex(pd.Index)
		if d == nil || d.Inode == wim.NoInode || seen[d.Inode] {
			continue
		}
		seen[d.Inode] = true
		inode := &inodes[d.Inode]
		if inode.IsHardlinked() {
			matrix.Require(FeatureHardlinks)
		}
		if inode.Attributes.IsReparsePoint() {
			matrix.Require(FeatureReparsePoints)
		}
		if inode.Attributes.IsEncrypted() {
			matrix.Require(FeatureEncryptedFiles)
		}
		if inode.Attributes.IsSparse() {
			matrix.Require(FeatureSparse)
		}
		if len(inode.NamedStreams()) > 0 {
			matrix.Require(FeatureNamedStreams)
		}
		if inode.Security != wim.NoSecurityID {
			matrix.Require(FeatureSecurity)
		}
		if inode.UnixData != nil {
			matrix.Require(FeatureUnixData)
		}
		if d.ShortName != "" {
			matrix.Require(FeatureShortNames)
		}
	}
}

// extractLinkedImages implements §4.5.1: every additional target shares
// regular-file content with the primary extraction by hardlinking or
// symlinking back to the primary's already-written files, instead of
// re-reading the same blobs from the archive a second time. mode is
// "copy" (fall back to an ordinary independent Run) when neither
// FlagHardlink nor FlagSymlink is set, or when the primary backend's
// root path cannot be resolved for building a relative target.
func (d *Driver) extractLinkedImages(opts *Options, primaryPlan *Plan, img *wim.Image, inodes []wim.Inode) error {
	if len(opts.LinkedImages) == 0 {
		return nil
	}

	mode := "copy"
	switch {
	case opts.Flags.Has(FlagHardlink):
		if _, ok := d.Backend.(HardlinkBackend); ok {
			mode = "hardlink"
		}
	case opts.Flags.Has(FlagSymlink):
		if _, ok := d.Backend.(SymlinkBackend); ok {
			mode = "symlink"
		}
	}

	primaryRoot, haveRoot := backendRoot(d.Backend)
	if !haveRoot {
		mode = "copy"
	}

	// blobPrimaryPath records, for every unnamed-stream blob this run
	// wrote, the absolute on-disk path of its first (primary) copy, so a
	// linked image's matching dentry can point back at it instead of
	// asking the archive for the same bytes again.
	blobPrimaryPath := make(map[wim.BlobIndex]string)
	if mode != "copy" {
		for _, pd := range primaryPlan.Selected {
			dentry := img.DentryByIndex(pd.Index)
			if dentry == nil || dentry.Inode == wim.NoInode || !pd.IsPrimary {
				continue
			}
			for _, s := range inodes[dentry.Inode].Streams {
				if s.Name != "" || s.Blob == wim.NoBlob {
					continue
				}
				if _, exists := blobPrimaryPath[s.Blob]; !exists {
					blobPrimaryPath[s.Blob] = filepath.Join(primaryRoot, filepath.FromSlash(pd.TargetPath))
				}
			}
		}
	}

	for _, link := range opts.LinkedImages {
		linkedBackend := NewPosixBackend(link.TargetRoot)
		linkedDriver := NewDriver(d.Archive, linkedBackend)
		linkedOpts := *opts
		linkedOpts.LinkedImages = nil // a linked target is not itself further linked
		if mode == "copy" {
			if err := linkedDriver.Run(link.ImageIndex, &linkedOpts); err != nil {
				return fmt.Errorf("linked image %d: %w", link.ImageIndex, err)
			}
			continue
		}
		if err := linkedDriver.runLinked(link.ImageIndex, &linkedOpts, mode, link.TargetRoot, blobPrimaryPath); err != nil {
			return fmt.Errorf("linked image %d: %w", link.ImageIndex, err)
		}
	}
	return nil
}

// runLinked extracts imageIndex the same way Run does, except that a
// regular file whose unnamed-stream blob was already written for the
// primary target is populated by hardlink or relative symlink instead
// of by re-reading the archive.
func (d *Driver) runLinked(imageIndex int, opts *Options, mode, targetRoot string, blobPrimaryPath map[wim.BlobIndex]string) error {
	images, err := d.Archive.Images()
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "list images", "", err)
	}
	img, err := selectImage(images, imageIndex)
	if err != nil {
		return err
	}
	inodesArc, ok := d.Archive.(interface{ Inodes() []wim.Inode })
	if !ok {
		return wim.Errorf(wim.ErrInvalidParam, "run", "", "archive does not expose an inode table")
	}
	inodes := inodesArc.Inodes()
	blobs, err := d.Archive.Blobs()
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "list blobs", "", err)
	}
	sec, err := d.Archive.Security()
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "list security descriptors", "", err)
	}

	sanitizer := NewSanitizer(d.Backend.Name() == "posix" && !opts.Flags.Has(FlagNTFS), opts)
	planner := &Planner{Image: img, Inodes: inodes, Blobs: blobs, Sanitizer: sanitizer, Backend: d.Backend, Opts: opts, Seekable: d.Archive.Seekable()}
	plan, err := planner.Plan()
	if err != nil {
		return err
	}

	matrix := NewFeatureMatrix(d.Backend, strictFeatures(opts))
	registerFeatureDemand(matrix, img, inodes, plan)
	if err := matrix.Check(); err != nil {
		return err
	}

	// Split the plan: dentries whose unnamed blob is already extracted
	// for the primary target are linked directly below; everything else
	// goes through the ordinary skeleton/stream pipeline.
	var restPlan Plan
	restPlan.Blobs, restPlan.OutRefCnt, restPlan.TotalBytes = plan.Blobs, plan.OutRefCnt, plan.TotalBytes
	var linked []struct {
		pd          PlannedDentry
		primaryPath string
	}
	for _, pd := range plan.Selected {
		dentry := img.DentryByIndex(pd.Index)
		if dentry == nil || dentry.Inode == wim.NoInode || inodes[dentry.Inode].Attributes.IsDir() {
			restPlan.Selected = append(restPlan.Selected, pd)
			continue
		}
		unnamed := wim.NoBlob
		for _, s := range inodes[dentry.Inode].Streams {
			if s.Name == "" {
				unnamed = s.Blob
			}
		}
		if primaryPath, ok := blobPrimaryPath[unnamed]; ok {
			linked = append(linked, struct {
				pd          PlannedDentry
				primaryPath string
			}{pd, primaryPath})
			continue
		}
		restPlan.Selected = append(restPlan.Selected, pd)
	}

	silent := newProgressTracker(nil, 0, 0)
	skeleton := NewSkeleton(d.Backend, img, inodes, matrix, opts, silent, d.rpfixEnabled(opts))
	if err := skeleton.Build(&Plan{Selected: plan.Selected}); err != nil {
		return err
	}
	for _, l := range linked {
		if err := d.linkExtractedFile(l.pd, l.primaryPath, mode, targetRoot); err != nil {
			return err
		}
	}

	streamExtractor := NewStreamExtractor(d.Backend, d.Archive, img, inodes, blobs, matrix, silent, &restPlan)
	streamExtractor.IndexCopies(&restPlan, skeleton.WasLinked)
	if d.Archive.Seekable() {
		if err := streamExtractor.RunSequential(&restPlan); err != nil {
			return err
		}
	} else {
		pipeArc, ok := d.Archive.(interface {
			PipeSource() (*PipeReader, int)
		})
		if !ok {
			return wim.Errorf(wim.ErrNotPipable, "run", "", "archive is not seekable and does not implement pipe extraction")
		}
		pr, count := pipeArc.PipeSource()
		if err := streamExtractor.RunPipe(pr, count); err != nil {
			return err
		}
	}

	finalizer := &Finalizer{Backend: d.Backend, Image: img, Inodes: inodes, Matrix: matrix, Sec: sec, Opts: opts, Tracker: silent}
	return finalizer.Finalize(&Plan{Selected: plan.Selected})
}

// linkExtractedFile replaces the skeleton's empty placeholder at pd with
// a hardlink or relative symlink to the primary target's already-written
// copy of the same content.
func (d *Driver) linkExtractedFile(pd PlannedDentry, primaryPath, mode, targetRoot string) error {
	if err := d.Backend.Remove(pd.TargetPath); err != nil {
		log.Debugf("linked{%s} remove placeholder: %v", pd.TargetPath, err)
	}
	full, err := securejoin.SecureJoinVFS(targetRoot, pd.TargetPath, nil)
	if err != nil {
		return wim.WrapErr(wim.ErrInvalidParam, "resolve linked path", pd.TargetPath, err)
	}
	if mode == "hardlink" {
		if _, ok := d.Backend.(HardlinkBackend); !ok {
			return wim.Errorf(wim.ErrUnsupported, "link extracted file", pd.TargetPath, "backend cannot hardlink")
		}
		// os.Link rather than HardlinkBackend.Link: Link resolves both of
		// its arguments against its own backend's root, which would
		// clamp primaryPath -- a path under an entirely different
		// backend's root -- back inside targetRoot instead of pointing
		// at the primary target's real file.
		if err := os.Link(primaryPath, full); err != nil {
			return wim.WrapErr(wim.ErrWrite, "hardlink", pd.TargetPath, err)
		}
		return nil
	}
	if _, ok := d.Backend.(SymlinkBackend); !ok {
		return wim.Errorf(wim.ErrUnsupported, "link extracted file", pd.TargetPath, "backend cannot symlink")
	}
	rel := relativeSymlinkTarget(targetRoot, pd.TargetPath, primaryPath)
	if err := os.Symlink(rel, full); err != nil {
		return wim.WrapErr(wim.ErrWrite, "symlink", pd.TargetPath, err)
	}
	return nil
}

// relativeSymlinkTarget computes primaryAbsPath relative to the
// directory pdPath will live in under targetRoot, counting path
// components back to their common ancestor as §4.5.1 describes; if no
// relative path can be computed, the absolute primary path is used
// instead (still correct, just not portable if the tree is moved).
func relativeSymlinkTarget(targetRoot, pdPath, primaryAbsPath string) string {
	fromDir := filepath.Dir(filepath.Join(targetRoot, filepath.FromSlash(pdPath)))
	rel, err := filepath.Rel(fromDir, primaryAbsPath)
	if err != nil {
		return primaryAbsPath
	}
	return filepath.ToSlash(rel)
}

func backendRoot(b Backend) (string, bool) {
	switch v := b.(type) {
	case *PosixBackend:
		return v.Root, true
	case *NTFSLibBackend:
		return v.PosixBackend.Root, true
	default:
		return "", false
	}
}
