// SPDX-License-Identifier: Apache-2.0

package wim

import "time"

// Image is one indexed image within a (possibly multi-image) WIM archive:
// its own dentry tree and inode arena, plus the XML-derived metadata
// wimlib callers commonly key extraction decisions on.
type Image struct {
	// Index is the 1-based image index within the archive, matching the
	// convention used by wimlib and DISM (`wimlib_extract_image` takes a
	// 1-based index, with 0 reserved to mean "bootable image" and -1/ALL
	// meaning "every image").
	Index int
	Name  string

	// Dentries is this image's namespace tree, arena-indexed by
	// DentryIndex. Dentries[Root] is the tree root.
	Dentries []Dentry

	// TotalBytes is the XML-recorded estimate of this image's total
	// uncompressed size. Per SPEC_FULL.md's clarified open question, the
	// extraction driver does NOT use this field for progress accounting
	// (it double-counts shared blobs); it is exposed for informational
	// display only.
	TotalBytes uint64

	CreationTime  time.Time
	ModifiedTime  time.Time
	FlagsRaw      []string // <FLAGS> entries from the XML blob, if any
}

// DentryByIndex is a convenience accessor with bounds checking, returning
// nil for an out-of-range or NoDentry index.
func (img *Image) DentryByIndex(i DentryIndex) *Dentry {
	if i < 0 || int(i) >= len(img.Dentries) {
		return nil
	}
	return &img.Dentries[i]
}

// Walk performs a pre-order traversal of the image's tree starting at
// Root, calling fn for every dentry. Walking stops early if fn returns
// false.
func (img *Image) Walk(fn func(idx DentryIndex, d *Dentry) bool) {
	var visit func(DentryIndex) bool
	visit = func(idx DentryIndex) bool {
		d := img.DentryByIndex(idx)
		if d == nil {
			return true
		}
		if !fn(idx, d) {
			return false
		}
		for _, c := range d.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(Root)
}

// Lookup resolves a slash-separated in-archive path (relative to the
// image root, no leading slash required) to a DentryIndex, or NoDentry if
// no such path exists. Path components are compared case-insensitively,
// matching Windows namespace semantics.
func (img *Image) Lookup(path string) DentryIndex {
	comps := splitArchivePath(path)
	cur := Root
	for _, c := range comps {
		d := img.DentryByIndex(cur)
		if d == nil {
			return NoDentry
		}
		next := NoDentry
		for _, childIdx := range d.Children {
			child := img.DentryByIndex(childIdx)
			if child != nil && equalFold(child.Name, c) {
				next = childIdx
				break
			}
		}
		if next == NoDentry {
			return NoDentry
		}
		cur = next
	}
	return cur
}

func splitArchivePath(path string) []string {
	var comps []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' || path[i] == '\\' {
			if i > start {
				comps = append(comps, path[start:i])
			}
			start = i + 1
		}
	}
	return comps
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
