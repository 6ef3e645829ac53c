// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/go-wim/wimextract/wim"
)

// Finalizer is C7: it applies metadata (reparse data, security
// descriptor or UNIX data, then attributes/timestamps) after all
// skeleton structure and stream content has been written, in the order
// §4.7 mandates. Directory metadata is applied last and in reverse-depth
// order, since writing a child's content or attributes updates its
// parent directory's mtime -- the same ordering rule umoci's
// TarExtractor follows by deferring directory metadata restoration until
// the whole archive has been unpacked.
type Finalizer struct {
	Backend Backend
	Image   *wim.Image
	Inodes  []wim.Inode
	Matrix  *FeatureMatrix
	Sec     *wim.SecurityDescriptorTable
	Opts    *Options
	Tracker *progressTracker
}

// Finalize applies metadata to every planned dentry, files first (order
// does not matter for files) then directories deepest-first.
func (f *Finalizer) Finalize(plan *Plan) error {
	var dirs []PlannedDentry
	for _, pd := range plan.Selected {
		d := f.Image.DentryByIndex(pd.Index)
		if d == nil || d.Inode == wim.NoInode {
			continue
		}
		if f.Inodes[d.Inode].Attributes.IsDir() {
			dirs = append(dirs, pd)
			continue
		}
		if err := f.applyOne(pd); err != nil {
			return err
		}
	}
	// Deepest paths first: more path separators == deeper.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].TargetPath, "/") > strings.Count(dirs[j].TargetPath, "/")
	})
	for _, pd := range dirs {
		if err := f.applyOne(pd); err != nil {
			return err
		}
	}
	return nil
}

// applyOne runs §4.7's three ordered steps for one dentry: reparse data,
// then security descriptor/UNIX data/short name, then attributes and
// timestamps last so none of the earlier steps clobber them (setting a
// short name or an xattr-backed security descriptor can itself touch
// the inode's ctime/mtime on some filesystems).
func (f *Finalizer) applyOne(pd PlannedDentry) error {
	d := f.Image.DentryByIndex(pd.Index)
	inode := &f.Inodes[d.Inode]

	if err := f.applyReparseData(pd, inode); err != nil {
		return err
	}

	if d.ShortName != "" {
		if sb, ok := f.Backend.(ShortNameBackend); ok && f.Matrix.Require(FeatureShortNames) {
			if err := sb.SetShortName(pd.TargetPath, d.ShortName); err != nil {
				if f.Opts.Flags.Has(FlagStrictShortNames) {
					return err
				}
				log.Warnf("shortname{%s} failed to set short name %q: %v", pd.TargetPath, d.ShortName, err)
			}
		}
	}

	if inode.UnixData != nil && f.Opts.Flags.Has(FlagUnixData) {
		if ub, ok := f.Backend.(UnixDataBackend); ok && f.Matrix.Require(FeatureUnixData) {
			if err := ub.SetUnixData(pd.TargetPath, *inode.UnixData); err != nil {
				return err
			}
		}
	}

	if !f.Opts.Flags.Has(FlagNoACLs) && inode.Security != wim.NoSecurityID {
		raw := f.Sec.Get(inode.Security)
		if raw != nil {
			if sdb, ok := f.Backend.(SecurityDescriptorBackend); ok && f.Matrix.Require(FeatureSecurity) {
				if err := sdb.SetSecurityDescriptor(pd.TargetPath, raw); err != nil {
					if f.Opts.Flags.Has(FlagStrictACLs) {
						return err
					}
					log.Warnf("security{%s} failed to set security descriptor: %v", pd.TargetPath, err)
				}
			}
		}
	}

	if !f.Opts.Flags.Has(FlagNoAttributes) {
		if err := f.Backend.SetAttributes(pd.TargetPath, inode.Attributes, inode.CreationTime, inode.LastAccessTime, inode.LastWriteTime); err != nil {
			if f.Opts.Flags.Has(FlagStrictTimestamps) {
				return err
			}
			log.Warnf("attributes{%s} failed to set attributes/timestamps: %v", pd.TargetPath, err)
		}
	}
	if f.Tracker != nil {
		return f.Tracker.ApplyTimestamps(pd.TargetPath)
	}
	return nil
}

// applyReparseData implements §4.7 step 1. A symlink-shaped reparse
// point on a backend with SymlinkBackend was already turned into a real
// symlink by the Skeleton Builder (there is no raw buffer left to
// apply); everything else -- a non-symlink reparse tag, or a
// symlink-shaped one on a backend without SymlinkBackend -- gets its raw
// reparse buffer written here via ReparseDataBackend.
func (f *Finalizer) applyReparseData(pd PlannedDentry, inode *wim.Inode) error {
	if !inode.Attributes.IsReparsePoint() {
		return nil
	}
	if _, hasSymlink := f.Backend.(SymlinkBackend); hasSymlink && isSymlinkReparseTag(inode.ReparseTag) {
		return nil
	}
	rb, ok := f.Backend.(ReparseDataBackend)
	if !ok || !f.Matrix.Require(FeatureReparsePoints) {
		return nil
	}
	if err := rb.SetReparseData(pd.TargetPath, inode.ReparseTag, inode.ReparseData); err != nil {
		if isAccessDenied(err) && !f.Opts.Flags.Has(FlagStrictSymlinks) {
			log.Warnf("reparse{%s} access denied setting reparse data: %v", pd.TargetPath, err)
			return nil
		}
		return err
	}
	return nil
}

func isAccessDenied(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
