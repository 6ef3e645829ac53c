// SPDX-License-Identifier: Apache-2.0

package wim

import "github.com/opencontainers/go-digest"

// inlineDentryRefs is the number of dentry references a Blob can record
// without spilling to a heap-allocated slice. The overwhelming majority of
// blobs in a real-world WIM are referenced by exactly one dentry (a normal
// file's unnamed data stream); a handful of shared blobs (common DLLs
// duplicated across many files in a Windows image, or hardlinked files) are
// referenced by dozens. Sizing the inline array at 4 covers the common
// "small number of hardlinks" case without an allocation, and transparently
// grows onto the heap for the long tail.
const inlineDentryRefs = 4

// dentryRefArray is an append-only set of DentryIndex values that stores up
// to inlineDentryRefs entries inline and grows onto a heap slice (doubling
// capacity, like append()) beyond that. It intentionally does not
// deduplicate: a dentry may reference the same blob through more than one
// named stream, and the planner needs an accurate count for §8's
// blob-refcount invariant.
type dentryRefArray struct {
	inline [inlineDentryRefs]DentryIndex
	n      int // number of valid entries; if n <= inlineDentryRefs, all live in `inline`
	heap   []DentryIndex
}

// Add appends d to the array.
func (a *dentryRefArray) Add(d DentryIndex) {
	if a.n < inlineDentryRefs {
		a.inline[a.n] = d
		a.n++
		return
	}
	if a.heap == nil {
		// First overflow: seed the heap slice with the inline contents so
		// callers only ever need to consult one place (Slice()).
		a.heap = make([]DentryIndex, inlineDentryRefs, inlineDentryRefs*2)
		copy(a.heap, a.inline[:])
	}
	a.heap = append(a.heap, d)
	a.n++
}

// Len returns the number of recorded references.
func (a *dentryRefArray) Len() int { return a.n }

// Slice returns the recorded references as a slice. The returned slice
// aliases internal storage and must not be retained across further Add
// calls.
func (a *dentryRefArray) Slice() []DentryIndex {
	if a.heap != nil {
		return a.heap
	}
	return a.inline[:a.n]
}

// Blob is a single content-addressed stream of bytes stored in the
// archive: a file's unnamed data, a named alternate data stream, a reparse
// point's target buffer, or (in a solid/packed WIM) a member of a shared
// resource chunk. Blobs are deduplicated by digest at archive-parse time,
// matching the "Deduplication" invariant in §3.
type Blob struct {
	// Digest is the content hash (SHA-1 on the wire, per the WIM format),
	// used both for deduplication and for the round-trip verification
	// property in §8.
	Digest digest.Digest

	// Size is the uncompressed size in bytes.
	Size int64

	// Compressed and CompressedSize describe the on-disk representation
	// when the blob is stored inline in the archive rather than being
	// piped in (FROM_PIPE mode never has a resolved on-disk offset).
	Compressed     bool
	CompressedSize int64

	// Offset is the byte offset of the (possibly compressed) resource in
	// the archive, or -1 if the blob has not been resolved to an on-disk
	// location (pipe mode, or a to-be-supplied external blob).
	Offset int64

	// refs is the set of dentries recorded as referencing this blob
	// (through any stream, named or unnamed). It is filled only through
	// AddRef; neither wim/diskarchive, pkg/fakearchive nor the Blob
	// Reference Planner (C3) calls AddRef, and the planner computes
	// OutRefCnt from the selected dentries' inode streams, not from refs.
	refs dentryRefArray

	// OutRefCnt is the number of times this blob will actually be
	// extracted (accounting for hardlinked inodes sharing one extraction
	// and for Paths-scoped extraction skipping some referencing
	// dentries). Zero until the planner runs; Planner.Plan resets it to zero
	// on every blob and then sets it for each blob a selected dentry
	// references.
	OutRefCnt int
}

// AddRef records that dentry d references this blob through some stream.
func (b *Blob) AddRef(d DentryIndex) { b.refs.Add(d) }

// Refs returns the dentries that reference this blob in the archive
// (before planning has narrowed that down to OutRefCnt).
func (b *Blob) Refs() []DentryIndex { return b.refs.Slice() }

// RefCount returns the total number of dentry references recorded for
// this blob, prior to any extraction-scope narrowing.
func (b *Blob) RefCount() int { return b.refs.Len() }
