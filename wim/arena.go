// SPDX-License-Identifier: Apache-2.0

package wim

// This file replaces the reference implementation's pointer-linked tree
// (dentries and inodes referencing each other directly, with mutable
// scratch fields hanging off each node) with index-based arenas. Every
// Dentry, Inode and Blob lives in a flat slice on the owning Image/Archive,
// and cross-references are plain integer handles into those slices. This
// keeps the data model free of internal pointers (so an Image is trivially
// copyable/serializable for tests) and keeps mutable per-run scratch state
// (visited marks, reference counters used during planning) out of the
// value types entirely -- that state lives in the planner/skeleton/stream
// structs that operate over the arena, not in the arena itself.

// DentryIndex is a handle into Image.Dentries. The zero value indexes the
// root dentry of the image.
type DentryIndex int32

// NoDentry is returned by lookups that find nothing.
const NoDentry DentryIndex = -1

// InodeIndex is a handle into Archive.Inodes.
type InodeIndex int32

// NoInode is returned by lookups that find nothing.
const NoInode InodeIndex = -1

// BlobIndex is a handle into Archive.Blobs.
type BlobIndex int32

// NoBlob means a stream slot with no backing data (e.g. a zero-length
// stream, or a directory with no unnamed data stream).
const NoBlob BlobIndex = -1
