// SPDX-License-Identifier: Apache-2.0

package wim

import "time"

// Attr mirrors the Windows FILE_ATTRIBUTE_* bitmask recorded on every
// inode. Only the bits this module's backends act on are named; the rest
// round-trip unmodified through extract.FlagNoAttributes handling.
type Attr uint32

const (
	AttrReadonly          Attr = 1 << 0
	AttrHidden            Attr = 1 << 1
	AttrSystem            Attr = 1 << 2
	AttrDirectory         Attr = 1 << 4
	AttrArchive           Attr = 1 << 5
	AttrReparsePoint      Attr = 1 << 10
	AttrCompressed        Attr = 1 << 11
	AttrSparseFile        Attr = 1 << 9
	AttrEncrypted         Attr = 1 << 14
	AttrNotContentIndexed Attr = 1 << 13
)

func (a Attr) IsDir() bool          { return a&AttrDirectory != 0 }
func (a Attr) IsReparsePoint() bool { return a&AttrReparsePoint != 0 }
func (a Attr) IsEncrypted() bool    { return a&AttrEncrypted != 0 }
func (a Attr) IsSparse() bool       { return a&AttrSparseFile != 0 }

// StreamRef names one data stream owned by an inode: the unnamed ("main")
// stream when Name == "", or a named alternate data stream / encrypted
// stream otherwise. It carries a BlobIndex rather than the blob content
// itself, per the arena model in arena.go.
type StreamRef struct {
	Name string
	Blob BlobIndex
}

// Inode is the file-identity object: everything that is shared between
// hardlinked dentries lives here (attributes, timestamps, security
// descriptor, data streams), matching the WIM on-disk model where multiple
// directory entries can point at one inode via a shared hard-link group
// ID. A dentry's name and parent/child tree position are NOT part of the
// inode; see dentry.go.
type Inode struct {
	// HardLinkGroup is the on-disk hard link group identifier; inodes with
	// HardLinkGroup == 0 are never linked to another dentry to it (0 is
	// wimlib's "not hardlinked" sentinel, kept as-is rather than remapped
	// so archive round-tripping is lossless).
	HardLinkGroup uint64

	Attributes Attr
	Security   SecurityID

	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time

	// ReparseTag is meaningful only when Attributes.IsReparsePoint(). Zero
	// otherwise.
	ReparseTag uint32
	// ReparseData is the raw reparse buffer payload (symlink/junction
	// target and flags), stored inline because it is bounded in size by
	// the WIM format (unlike a data stream, it is never chunked).
	ReparseData []byte

	// Streams holds every data stream owned by this inode: index 0 is
	// conventionally the unnamed stream (may have Blob == NoBlob for a
	// directory or a zero-length file), and any further entries are named
	// alternate data streams / the encrypted stream.
	Streams []StreamRef

	// UnixData carries the optional POSIX permission/owner metadata some
	// WIM producers (e.g. wimlib itself, when built with UNIX extensions)
	// store in a special alternate data stream. Nil when absent.
	UnixData *UnixData
}

// UnixData is wimlib's optional UNIX-owner/permission extension, stored as
// a well-known named data stream on the inode.
type UnixData struct {
	UID, GID uint32
	Mode     uint32 // full st_mode, including S_IFMT bits
	RDev     uint32
}

// MainStream returns the unnamed data stream's blob, or NoBlob if the
// inode has none (directories, or a zero-length regular file recorded
// without a stream entry at all).
func (i *Inode) MainStream() BlobIndex {
	for _, s := range i.Streams {
		if s.Name == "" {
			return s.Blob
		}
	}
	return NoBlob
}

// NamedStreams returns every alternate (named) data stream on the inode.
func (i *Inode) NamedStreams() []StreamRef {
	var out []StreamRef
	for _, s := range i.Streams {
		if s.Name != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsHardlinked reports whether this inode's identity is shared by more
// than one dentry, i.e. it participates in a hard link group.
func (i *Inode) IsHardlinked() bool { return i.HardLinkGroup != 0 }
