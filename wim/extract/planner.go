// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"path"
	"sort"
	"strings"

	"github.com/go-wim/wimextract/wim"
)

// Plan is the output of the Blob Reference Planner (C3): for the dentries
// selected by an extraction request, which blobs must be read, how many
// times each will actually be extracted (OutRefCnt), and in what order
// they should be visited for a sequential (offset-sorted) pass.
type Plan struct {
	// Selected holds every dentry (in pre-order) chosen for extraction,
	// after Paths/glob scoping and flatten-dir-structure renaming.
	Selected []PlannedDentry

	// Blobs is the set of distinct blobs that will be read, in the order
	// best suited to a sequential pass (offset order for a seekable
	// archive; encounter order for a pipe).
	Blobs []wim.BlobIndex

	// OutRefCnt mirrors wim.Blob.OutRefCnt, but scoped to this plan: it
	// is the number of times each blob will be written to the target,
	// which can be smaller than wim.Blob.RefCount() when Paths scoping
	// excludes some of the blob's referencing dentries.
	OutRefCnt map[wim.BlobIndex]int

	// TotalBytes is the sum of the uncompressed size of every distinct
	// selected blob, counted once each -- the commitment recorded in
	// SPEC_FULL.md §4 for progress accounting, deliberately not using the
	// image's XML TotalBytes estimate.
	TotalBytes int64
}

// PlannedDentry is one dentry selected for extraction, with its
// already-sanitized, already-scoped target path attached so downstream
// stages (skeleton, stream, finalize) never need to recompute path
// policy.
type PlannedDentry struct {
	Index      wim.DentryIndex
	TargetPath string // relative to the backend root, '/'-separated
	IsPrimary  bool   // first dentry to reference its inode, in traversal order
}

// Planner implements C3.
type Planner struct {
	Image     *wim.Image
	Inodes    []wim.Inode
	Blobs     []wim.Blob
	Sanitizer *Sanitizer
	Backend   Backend
	Opts      *Options
	Seekable  bool
}

// Plan runs the planner and returns the extraction plan, or an error if
// the requested Paths selector matches nothing.
//
// Traversal is pre-order and hand-rolled (rather than wim.Image.Walk,
// whose boolean return stops the whole walk rather than just one
// subtree) so that C1's "a skipped directory marks every descendant
// skipped" (the subtree skip of rule 6) can be implemented by threading a parentSkipped
// flag down the recursion without aborting sibling subtrees.
func (p *Planner) Plan() (*Plan, error) {
	matcher, err := newPathMatcher(p.Opts.Paths, p.Opts.Flags.Has(FlagGlobPaths))
	if err != nil {
		return nil, err
	}

	for i := range p.Blobs {
		p.Blobs[i].OutRefCnt = 0
	}

	plan := &Plan{OutRefCnt: make(map[wim.BlobIndex]int)}
	seenInode := make(map[wim.InodeIndex]bool)
	flatten := p.Opts.Flags.Has(FlagFlattenDirStructure)
	flatSeen := make(map[string]int)

	var walk func(idx wim.DentryIndex, parentSkipped bool, parentPath string)
	walk = func(idx wim.DentryIndex, parentSkipped bool, parentPath string) {
		d := p.Image.DentryByIndex(idx)
		if d == nil {
			return
		}
		if idx == wim.Root {
			for _, c := range d.Children {
				walk(c, false, "")
			}
			return
		}

		// Rule 1: the root is never renamed and never reaches this
		// point (handled above); every other dentry is classified.
		skip := parentSkipped
		clean := d.Name
		if !skip {
			var drop bool
			clean, drop = p.Sanitizer.Classify(DentryScope{Parent: int32(d.Parent)}, d.Name)
			skip = drop
		}
		// Rule 3: reject a dentry type the backend cannot represent at
		// all (e.g. a non-symlink reparse point with neither a
		// SymlinkBackend nor a ReparseDataBackend available).
		if !skip && d.Inode != wim.NoInode && !p.backendSupportsType(&p.Inodes[d.Inode]) {
			skip = true
		}

		target := clean
		if parentPath != "" {
			target = parentPath + "/" + clean
		}

		if !skip {
			archivePath := p.archivePath(idx)
			if matcher.match(archivePath) {
				outPath := target
				if flatten {
					outPath = p.flattenName(archivePath, flatSeen)
				}
				primary := d.Inode != wim.NoInode && !seenInode[d.Inode]
				if d.Inode != wim.NoInode {
					seenInode[d.Inode] = true
				}
				plan.Selected = append(plan.Selected, PlannedDentry{Index: idx, TargetPath: outPath, IsPrimary: primary})
				if d.Inode != wim.NoInode {
					for _, s := range p.Inodes[d.Inode].Streams {
						if s.Blob == wim.NoBlob {
							continue
						}
						if plan.OutRefCnt[s.Blob] == 0 {
							plan.Blobs = append(plan.Blobs, s.Blob)
						}
						plan.OutRefCnt[s.Blob]++
					}
				}
			}
		}

		for _, c := range d.Children {
			walk(c, skip, target)
		}
	}
	walk(wim.Root, false, "")

	for _, idx := range plan.Blobs {
		if int(idx) < len(p.Blobs) {
			p.Blobs[idx].OutRefCnt = plan.OutRefCnt[idx]
		}
		plan.TotalBytes += p.Blobs[idx].Size
	}
	if p.Seekable {
		sort.Slice(plan.Blobs, func(i, j int) bool {
			return p.Blobs[plan.Blobs[i]].Offset < p.Blobs[plan.Blobs[j]].Offset
		})
	}

	if len(p.Opts.Paths) > 0 && len(plan.Selected) == 0 {
		return nil, wim.Errorf(wim.ErrPathDoesNotExist, "plan", "", "no dentries matched any of %v", p.Opts.Paths)
	}
	return plan, nil
}

// backendSupportsType implements C1 rule 3: a reparse point needs either
// a real SymlinkBackend translation or a backend that can store the raw
// reparse buffer; anything else is a dentry type this backend cannot
// represent at all and must be skipped rather than silently corrupted
// into an empty regular file.
func (p *Planner) backendSupportsType(inode *wim.Inode) bool {
	if !inode.Attributes.IsReparsePoint() {
		return true
	}
	if _, ok := p.Backend.(SymlinkBackend); ok {
		return true
	}
	_, ok := p.Backend.(ReparseDataBackend)
	return ok
}

// archivePath reconstructs the '/'-separated path of dentry idx from the
// image root, using dentry.Name (not the sanitized name).
func (p *Planner) archivePath(idx wim.DentryIndex) string {
	var comps []string
	for cur := idx; cur != wim.Root && cur != wim.NoDentry; {
		d := p.Image.DentryByIndex(cur)
		if d == nil {
			break
		}
		comps = append([]string{d.Name}, comps...)
		cur = d.Parent
	}
	return strings.Join(comps, "/")
}

// flattenName computes the on-disk basename for a dentry in flatten
// mode, disambiguating a collision against every other flattened name
// seen so far with a numeric suffix (a Windows-family case-fold or
// invalid-character collision is instead handled by Classify itself,
// against the synthetic scope below).
func (p *Planner) flattenName(archivePath string, flatSeen map[string]int) string {
	base := path.Base(archivePath)
	clean, drop := p.Sanitizer.Classify(DentryScope{Parent: -1}, base)
	if drop {
		clean = "_"
	}
	key := strings.ToLower(clean)
	if n, ok := flatSeen[key]; ok {
		n++
		flatSeen[key] = n
		ext := path.Ext(clean)
		clean = strings.TrimSuffix(clean, ext) + "_" + itoa(n) + ext
	} else {
		flatSeen[key] = 0
	}
	return clean
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

// pathMatcher implements the Paths/glob selector from SPEC_FULL.md §3.
// Unlike C1's skip, a path that fails to match does not propagate: a
// descendant independently matching a more specific --path is still
// selected even though its ancestor directory itself was not.
type pathMatcher struct {
	patterns []string
	glob     bool
}

func newPathMatcher(patterns []string, glob bool) (*pathMatcher, error) {
	return &pathMatcher{patterns: patterns, glob: glob}, nil
}

func (m *pathMatcher) match(archivePath string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	norm := strings.ToLower(strings.TrimPrefix(archivePath, "/"))
	for _, p := range m.patterns {
		pat := strings.ToLower(strings.TrimPrefix(p, "/"))
		if norm == pat || strings.HasPrefix(norm, pat+"/") {
			return true
		}
		if m.glob {
			if ok, _ := path.Match(pat, norm); ok {
				return true
			}
			// Allow a glob to match any ancestor path component so that
			// e.g. "Windows/*.log" also matches when norm is a
			// descendant needing selection because the pattern matched a
			// parent directory.
			if matched, _ := path.Match(pat+"/*", norm); matched {
				return true
			}
		}
	}
	return false
}
