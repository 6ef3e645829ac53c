// SPDX-License-Identifier: Apache-2.0

// Package fakearchive provides an in-memory wim.Archive implementation
// used by wim/extract's tests, the same role umoci's tar_extract_test.go
// synthetic archives play
// for TarExtractor tests: a collaborator that satisfies the real
// interface without needing an actual on-disk WIM file.
package fakearchive

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // WIM specifies SHA-1 content addressing on the wire
	"fmt"
	"io"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/go-wim/wimextract/wim"
	"github.com/go-wim/wimextract/wim/extract"
)

// Archive is an in-memory wim.Archive. Zero value is not usable; build
// one with New and populate it with AddBlob/AddImage before use.
type Archive struct {
	version  wim.FormatVersion
	images   []*wim.Image
	inodes   []wim.Inode
	blobs    []wim.Blob
	contents [][]byte // parallel to blobs
	security wim.SecurityDescriptorTable
	seekable bool
}

// New constructs an empty fake archive. If seekable is false, OpenBlob
// may only be called once per blob and only in the order blobs were
// added, and PipeSource becomes available -- exercising the driver's
// FROM_PIPE code path in tests without a real pipe.
func New(seekable bool) *Archive {
	return &Archive{version: wim.FormatVersionDefault, seekable: seekable}
}

func (a *Archive) FormatVersion() wim.FormatVersion { return a.version }

func (a *Archive) Images() ([]*wim.Image, error) { return a.images, nil }

func (a *Archive) Security() (*wim.SecurityDescriptorTable, error) { return &a.security, nil }

func (a *Archive) Blobs() ([]wim.Blob, error) { return a.blobs, nil }

// Inodes satisfies the extra interface wim/extract.Driver probes for.
func (a *Archive) Inodes() []wim.Inode { return a.inodes }

func (a *Archive) Seekable() bool { return a.seekable }

func (a *Archive) OpenBlob(idx wim.BlobIndex) (io.ReadCloser, error) {
	if idx < 0 || int(idx) >= len(a.contents) {
		return nil, fmt.Errorf("fakearchive: blob index %d out of range", idx)
	}
	return io.NopCloser(bytes.NewReader(a.contents[idx])), nil
}

// PipeSource renders the archive's blobs, in addition order, as a
// pipable-record stream, satisfying the interface extract.Driver uses
// for non-seekable archives.
func (a *Archive) PipeSource() (*extract.PipeReader, int) {
	var buf bytes.Buffer
	for i, content := range a.contents {
		writePipableRecord(&buf, a.blobs[i].Digest, content)
	}
	return extract.NewPipeReader(&buf, nil), len(a.contents)
}

func writePipableRecord(w *bytes.Buffer, d digest.Digest, content []byte) {
	w.WriteString("PWMS")
	var sizeBuf [8]byte
	putLE64(sizeBuf[:], uint64(len(content)))
	w.Write(sizeBuf[:])
	sum := sha1.Sum(content) //nolint:gosec
	w.Write(sum[:])
	var flagsBuf [4]byte // flags = 0, uncompressed
	w.Write(flagsBuf[:])
	w.Write(content)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// AddBlob registers content, deduplicating by digest exactly as a real
// WIM parser would, and returns its BlobIndex.
func (a *Archive) AddBlob(content []byte) wim.BlobIndex {
	d := digest.FromBytes(content)
	for i, b := range a.blobs {
		if b.Digest == d {
			return wim.BlobIndex(i)
		}
	}
	a.blobs = append(a.blobs, wim.Blob{Digest: d, Size: int64(len(content)), Offset: int64(len(a.contents))})
	a.contents = append(a.contents, content)
	return wim.BlobIndex(len(a.blobs) - 1)
}

// AddInode registers inode and returns its InodeIndex.
func (a *Archive) AddInode(inode wim.Inode) wim.InodeIndex {
	a.inodes = append(a.inodes, inode)
	return wim.InodeIndex(len(a.inodes) - 1)
}

// NewImage creates and registers an empty image (root directory only)
// with the given 1-based index, returning it for the caller to populate
// via AddDentry.
func (a *Archive) NewImage(index int, name string) *wim.Image {
	rootInode := a.AddInode(wim.Inode{Attributes: wim.AttrDirectory, Security: wim.NoSecurityID})
	img := &wim.Image{
		Index: index,
		Name:  name,
		Dentries: []wim.Dentry{
			{Name: "", Parent: wim.NoDentry, Inode: rootInode},
		},
	}
	a.images = append(a.images, img)
	sort.Slice(a.images, func(i, j int) bool { return a.images[i].Index < a.images[j].Index })
	return img
}

// AddDentry appends a child dentry under parent, returning its index.
func AddDentry(img *wim.Image, parent wim.DentryIndex, d wim.Dentry) wim.DentryIndex {
	d.Parent = parent
	idx := wim.DentryIndex(len(img.Dentries))
	img.Dentries = append(img.Dentries, d)
	img.Dentries[parent].Children = append(img.Dentries[parent].Children, idx)
	return idx
}

var _ wim.Archive = (*Archive)(nil)
