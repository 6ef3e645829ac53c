// SPDX-License-Identifier: Apache-2.0

package wim

import "io"

// Archive is the collaborator this module needs in order to extract
// images: something that can hand back the parsed metadata for an image
// and open a reader for any blob by its BlobIndex. It plays the same role that
// oci/cas.Engine plays for umoci's layer extractor -- the extraction
// engine in wim/extract never touches archive storage directly, it only
// calls through this interface, so a caller can back it with a seekable
// on-disk *.wim file, an in-memory fake (pkg/fakearchive, used by tests),
// or a non-seekable pipe reader for FROM_PIPE mode.
type Archive interface {
	// FormatVersion returns the on-disk WIM header version (see
	// version.go). No backend or driver code in this module consults it.
	FormatVersion() FormatVersion

	// Images returns every image indexed by this archive. Index 0 of the
	// returned slice corresponds to wimlib image index 1, matching the
	// convention documented on Image.Index.
	Images() ([]*Image, error)

	// Security returns the archive-wide security descriptor table, shared
	// across all images (this matches the on-disk format: one security
	// data table per WIM, referenced by SecurityID from every image's
	// dentries).
	Security() (*SecurityDescriptorTable, error)

	// Blobs returns the archive's deduplicated blob table. BlobIndex
	// values recorded on Inode.Streams index into this slice.
	Blobs() ([]Blob, error)

	// OpenBlob returns a reader over the given blob's decompressed
	// content. The caller must Close it. Implementations that only ever
	// see their content once (a pipe-backed archive mid-stream) may
	// return an error if the blob has already been consumed and the
	// archive is not seekable; callers should consult Seekable() first.
	OpenBlob(idx BlobIndex) (io.ReadCloser, error)

	// Seekable reports whether OpenBlob may be called more than once, or
	// out of on-disk-offset order. A pipe-backed archive returns false.
	Seekable() bool
}

// Decompressor knows how to inflate one WIM chunk-compression method
// (LZX, XPRESS, LZMS). This module never bundles a from-scratch
// implementation of any of them: it accepts a Decompressor as an external
// collaborator, matching the reference implementation's compression
// library boundary and this module's own "compression is external"
// design note.
type Decompressor interface {
	// Decompress inflates src (one on-disk compressed chunk) into a
	// buffer of exactly dstLen bytes and returns it.
	Decompress(src []byte, dstLen int) ([]byte, error)
}

// CompressionMethod identifies which Decompressor an archive's resources
// were compressed with, as recorded in the WIM header.
type CompressionMethod uint32

const (
	CompressionNone   CompressionMethod = 0
	CompressionXPRESS CompressionMethod = 1
	CompressionLZX    CompressionMethod = 2
	CompressionLZMS   CompressionMethod = 3
)

func (m CompressionMethod) String() string {
	switch m {
	case CompressionNone:
		return "none"
	case CompressionXPRESS:
		return "XPRESS"
	case CompressionLZX:
		return "LZX"
	case CompressionLZMS:
		return "LZMS"
	default:
		return "unknown"
	}
}
