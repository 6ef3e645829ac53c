// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"path"
	"path/filepath"

	"github.com/apex/log"

	"github.com/go-wim/wimextract/wim"
	"github.com/go-wim/wimextract/pkg/pathtrie"
)

// Skeleton is C5: it creates the directory tree, placeholder regular
// files, hardlinks and symlinks/reparse points for a Plan, without yet
// writing any stream content (that is Stream Extractor's job). Splitting
// structure creation from content writing lets the driver interleave them
// per-dentry in single-pass mode or fully separate them in sequential
// mode, matching §5's two extraction strategies.
type Skeleton struct {
	Backend Backend
	Image   *wim.Image
	Inodes  []wim.Inode
	Matrix  *FeatureMatrix
	Opts    *Options
	Tracker *progressTracker

	// linkTargets maps an InodeIndex that has already had its skeleton
	// created to the target path used, so later dentries sharing the
	// same inode (hardlinks) can Link to it instead of recreating it.
	linkTargets map[wim.InodeIndex]string

	// linked records which dentries, among those sharing an already-seen
	// inode, were actually given a real backend hardlink rather than an
	// independent copy (because the backend cannot hardlink). The Stream
	// Extractor consults WasLinked to know which of those dentries still
	// owe their own stream write.
	linked map[wim.DentryIndex]bool

	// RPFixEnabled gates buildReparsePoint's call to maybeFixupPrefix. It
	// is resolved once by Driver.Run from the archive header's RPFIX bit,
	// Options.Flags and Options.Paths (SPEC_FULL.md §4.8), rather than
	// read from Opts directly, so a Paths-scoped run can force it off
	// regardless of what the header or flags say.
	RPFixEnabled bool

	// madeDirs tracks which directories have already been created this
	// run, keyed hierarchically so a deeply nested tree only ever issues
	// one MkdirAll per directory even though many sibling files resolve
	// to the same parent. A plain map keyed by full path would do the
	// same job, but PathTrie is what this codebase already uses for
	// "have I dealt with this path before" bookkeeping (see
	// pkg/pathtrie), so extraction reuses it here too.
	madeDirs *pathtrie.PathTrie[bool]
}

// NewSkeleton constructs a Skeleton for one driver run. rpfixEnabled is
// the effective RPFIX decision for this run, resolved by the caller (see
// Driver.rpfixEnabled).
func NewSkeleton(b Backend, img *wim.Image, inodes []wim.Inode, matrix *FeatureMatrix, opts *Options, tracker *progressTracker, rpfixEnabled bool) *Skeleton {
	return &Skeleton{
		Backend:      b,
		Image:        img,
		Inodes:       inodes,
		Matrix:       matrix,
		Opts:         opts,
		Tracker:      tracker,
		RPFixEnabled: rpfixEnabled,
		linkTargets:  make(map[wim.InodeIndex]string),
		linked:       make(map[wim.DentryIndex]bool),
		madeDirs:     pathtrie.NewTrie[bool](),
	}
}

// WasLinked reports whether the dentry at idx had its content shared via
// a real backend hardlink to an earlier dentry, rather than written as an
// independent copy. Only a linked dentry can safely skip its own stream
// write; an independent copy still needs one even though it is not the
// inode's primary dentry.
func (s *Skeleton) WasLinked(idx wim.DentryIndex) bool {
	return s.linked[idx]
}

// Build creates the on-disk structure for every dentry in plan, in
// pre-order (parents before children, guaranteed by Plan.Selected's
// traversal order).
func (s *Skeleton) Build(plan *Plan) error {
	for _, pd := range plan.Selected {
		if err := s.BuildOne(pd); err != nil {
			return err
		}
	}
	return nil
}

// BuildOne creates the on-disk structure for a single planned dentry,
// including its parent directory if not already created. It is exported
// so the driver's single-pass strategy can interleave one dentry's
// skeleton creation with writing its stream content, instead of running
// the whole plan through Build before any content is written.
func (s *Skeleton) BuildOne(pd PlannedDentry) error {
	dir := path.Dir(pd.TargetPath)
	if dir != "." {
		if _, ok := s.madeDirs.Get(dir); !ok {
			if err := s.Backend.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			s.madeDirs.Set(dir, true)
		}
	}
	if err := s.buildOne(pd); err != nil {
		return err
	}
	return s.Tracker.Dentry(pd.TargetPath)
}

func (s *Skeleton) buildOne(pd PlannedDentry) error {
	d := s.Image.DentryByIndex(pd.Index)
	if d == nil || d.Inode == wim.NoInode {
		return nil
	}
	inode := &s.Inodes[d.Inode]

	if inode.Attributes.IsDir() {
		return s.Backend.MkdirAll(pd.TargetPath, 0o755)
	}

	// Hardlink dispatch: if this inode's skeleton already exists (this
	// dentry or an earlier one in the plan shares the inode), link to
	// it instead of recreating content, matching §4.1's dedup-by-inode
	// requirement.
	if existing, ok := s.linkTargets[d.Inode]; ok {
		if hb, ok := s.Backend.(HardlinkBackend); ok && s.Matrix.Require(FeatureHardlinks) {
			if err := hb.Link(existing, pd.TargetPath); err != nil {
				return err
			}
			s.linked[pd.Index] = true
			return nil
		}
		log.Warnf("hardlink{%s} backend cannot hardlink, extracting a full copy of %s instead", pd.TargetPath, existing)
		return s.createRegular(pd, inode)
	}

	var err error
	switch {
	case inode.Attributes.IsReparsePoint():
		err = s.buildReparsePoint(pd, inode)
	default:
		err = s.createRegular(pd, inode)
	}
	if err != nil {
		return err
	}
	if inode.IsHardlinked() {
		s.linkTargets[d.Inode] = pd.TargetPath
	}
	return nil
}

func (s *Skeleton) createRegular(pd PlannedDentry, inode *wim.Inode) error {
	if inode.Attributes.IsEncrypted() {
		eb, ok := s.Backend.(EncryptedStreamBackend)
		if !ok || !s.Matrix.Require(FeatureEncryptedFiles) {
			log.Warnf("encrypted{%s} backend cannot restore encrypted files, extracting as plaintext-shaped placeholder", pd.TargetPath)
			w, err := s.Backend.CreateFile(pd.TargetPath)
			if err != nil {
				return err
			}
			return w.Close()
		}
		w, err := eb.CreateEncryptedFile(pd.TargetPath)
		if err != nil {
			return err
		}
		return w.Close()
	}
	w, err := s.Backend.CreateFile(pd.TargetPath)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return wim.WrapErr(wim.ErrWrite, "close skeleton file", pd.TargetPath, err)
	}
	for _, ns := range inode.NamedStreams() {
		nb, ok := s.Backend.(NamedStreamBackend)
		if !ok || !s.Matrix.Require(FeatureNamedStreams) {
			log.Warnf("stream{%s:%s} backend cannot store named streams, skipping", pd.TargetPath, ns.Name)
			continue
		}
		nw, err := nb.CreateNamedStream(pd.TargetPath, ns.Name)
		if err != nil {
			return err
		}
		if err := nw.Close(); err != nil {
			return wim.WrapErr(wim.ErrWrite, "close named stream skeleton", pd.TargetPath, err)
		}
	}
	return nil
}

// buildReparsePoint handles only the real-symlink case, which must be
// created atomically at skeleton-creation time (a symlink has no
// "content" phase to defer). A non-symlink-shaped reparse point, or one
// on a backend without SymlinkBackend, gets an empty placeholder file
// here; the Finalizer applies the raw reparse buffer in its post-order
// pass once every dentry's skeleton and stream content is settled (§4.7
// step 1).
func (s *Skeleton) buildReparsePoint(pd PlannedDentry, inode *wim.Inode) error {
	sb, hasSymlink := s.Backend.(SymlinkBackend)
	if hasSymlink && s.Matrix.Require(FeatureReparsePoints) && isSymlinkReparseTag(inode.ReparseTag) {
		target, err := decodeSymlinkReparseTarget(inode.ReparseData)
		if err != nil {
			if s.Opts.Flags.Has(FlagStrictSymlinks) {
				return wim.WrapErr(wim.ErrReparseFixupFailed, "decode symlink reparse data", pd.TargetPath, err)
			}
			log.Warnf("symlink{%s} could not decode reparse data (%v), extracting empty file", pd.TargetPath, err)
			return s.createRegular(pd, inode)
		}
		root, _ := backendRoot(s.Backend)
		if abs, err := filepath.Abs(root); root != "" && err == nil {
			root = filepath.ToSlash(abs)
		}
		target = maybeFixupPrefix(target, s.RPFixEnabled, s.Opts.RPFixOldPrefix, root)
		if err := sb.Symlink(target, pd.TargetPath); err != nil {
			if s.Opts.Flags.Has(FlagStrictSymlinks) {
				return err
			}
			log.Warnf("symlink{%s} failed to create symlink (%v), extracting empty file instead", pd.TargetPath, err)
			return s.createRegular(pd, inode)
		}
		return nil
	}
	return s.createRegular(pd, inode)
}

// reparse tags that carry a symlink-shaped target buffer this module
// knows how to translate into a POSIX/portable symlink.
const (
	reparseTagSymlink     = 0xA000000C
	reparseTagMountPoint  = 0xA0000003
)

func isSymlinkReparseTag(tag uint32) bool {
	return tag == reparseTagSymlink || tag == reparseTagMountPoint
}

// decodeSymlinkReparseTarget parses the REPARSE_DATA_BUFFER symlink
// payload (a wide-char substitute name plus offsets), returning the
// print-name target as a plain string. Grounded on the reparse buffer
// layout documented for IO_REPARSE_TAG_SYMLINK / MOUNT_POINT.
func decodeSymlinkReparseTarget(data []byte) (string, error) {
	if len(data) < 8 {
		return "", wim.Errorf(wim.ErrReparseFixupFailed, "decode reparse", "", "buffer too short (%d bytes)", len(data))
	}
	substOff := int(le16(data[0:2]))
	substLen := int(le16(data[2:4]))
	printOff := int(le16(data[4:6]))
	printLen := int(le16(data[6:8]))
	body := data[8:]
	off, n := printOff, printLen
	if n == 0 {
		off, n = substOff, substLen
	}
	if off < 0 || off+n > len(body) {
		return "", wim.Errorf(wim.ErrReparseFixupFailed, "decode reparse", "", "target out of range")
	}
	return utf16leToString(body[off : off+n]), nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func utf16leToString(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = le16(b[i*2:])
	}
	return string(utf16Decode(units))
}

func utf16Decode(units []uint16) []rune {
	var out []rune
	for i := 0; i < len(units); i++ {
		r := rune(units[i])
		if r >= 0xd800 && r < 0xdc00 && i+1 < len(units) {
			r2 := rune(units[i+1])
			if r2 >= 0xdc00 && r2 < 0xe000 {
				out = append(out, ((r-0xd800)<<10|(r2-0xdc00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// maybeFixupPrefix applies RPFix: rewriting a target that begins with the
// original captured volume prefix (\??\C:\ or a caller-supplied
// oldPrefix) to instead point beneath root, the extraction root's
// absolute '/'-separated path, so the symlink resolves inside the
// extracted tree rather than on the machine that captured the image. An
// empty root (a backend whose root is not known) leaves the remainder
// anchored at "/". enabled is the effective RPFIX decision resolved by the
// caller (see Driver.rpfixEnabled): whether the archive's header flag, the
// caller's Flags overrides and any Paths-scoping already settled this
// for the run.
func maybeFixupPrefix(target string, enabled bool, oldPrefix, root string) string {
	if !enabled {
		return target
	}
	prefix := oldPrefix
	if prefix == "" {
		prefix = `\??\`
	}
	if len(target) > len(prefix) && target[:len(prefix)] == prefix {
		rest := target[len(prefix):]
		// Drop a leading "C:\"-shaped drive prefix too, if present.
		if len(rest) > 2 && rest[1] == ':' {
			rest = rest[2:]
		}
		return path.Join("/", root, toForwardSlash(rest))
	}
	return target
}

func toForwardSlash(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c == '\\' {
			out[i] = '/'
		}
	}
	return string(out)
}
