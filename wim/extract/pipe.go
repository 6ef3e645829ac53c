// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/go-wim/wimextract/wim"
)

// pipableMagic is the 4-byte magic ("PWMS") that begins every stream
// record in a pipable WIM.
var pipableMagic = [4]byte{'P', 'W', 'M', 'S'}

// pipableFlagCompressed marks a stream record as holding compressed
// bytes rather than a raw copy of the blob content.
const pipableFlagCompressed = 1 << 0

// pipableRecordHeaderSize is magic(4) + uncompressedSize(8) + sha1(20) +
// flags(4).
const pipableRecordHeaderSize = 4 + 8 + 20 + 4

// PipableRecordHeader is one stream record header from a pipable WIM,
// read sequentially from a non-seekable source in FROM_PIPE mode.
type PipableRecordHeader struct {
	UncompressedSize int64
	Digest           digest.Digest
	Compressed       bool
}

// ReadPipableRecordHeader reads and validates one record header from r.
// It returns io.EOF (unwrapped) only when r is exhausted exactly at a
// record boundary; a short read partway through a header is reported as
// ErrInvalidPipableWIM.
func ReadPipableRecordHeader(r io.Reader) (*PipableRecordHeader, error) {
	var buf [pipableRecordHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, wim.WrapErr(wim.ErrInvalidPipableWIM, "read pipable magic", "", err)
	}
	if buf[0] != pipableMagic[0] || buf[1] != pipableMagic[1] || buf[2] != pipableMagic[2] || buf[3] != pipableMagic[3] {
		return nil, wim.Errorf(wim.ErrInvalidPipableWIM, "read pipable record", "", "bad magic %x", buf[:4])
	}
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, wim.WrapErr(wim.ErrInvalidPipableWIM, "read pipable record", "", err)
	}
	size := binary.LittleEndian.Uint64(buf[4:12])
	sha1 := make([]byte, 20)
	copy(sha1, buf[12:32])
	flags := binary.LittleEndian.Uint32(buf[32:36])
	return &PipableRecordHeader{
		UncompressedSize: int64(size),
		Digest:           digest.NewDigestFromEncoded(digest.SHA1, fmt.Sprintf("%x", sha1)),
		Compressed:       flags&pipableFlagCompressed != 0,
	}, nil
}

// PipeReader sequentially reads stream records from a non-seekable
// pipable WIM, decompressing each with dc if the record header marks it
// compressed. This is the only supported extraction path for a
// non-seekable Archive per §5.
type PipeReader struct {
	r  *bufio.Reader
	dc wim.Decompressor
}

// NewPipeReader wraps r for pipable-record reading.
func NewPipeReader(r io.Reader, dc wim.Decompressor) *PipeReader {
	return &PipeReader{r: bufio.NewReaderSize(r, 64*1024), dc: dc}
}

// Next reads the next record's header and returns a reader limited (and,
// if necessary, decompressed) to exactly its uncompressed content. The
// returned reader must be fully consumed before calling Next again.
func (p *PipeReader) Next() (*PipableRecordHeader, io.Reader, error) {
	hdr, err := ReadPipableRecordHeader(p.r)
	if err != nil {
		return nil, nil, err
	}
	if !hdr.Compressed {
		return hdr, io.LimitReader(p.r, hdr.UncompressedSize), nil
	}
	if p.dc == nil {
		return nil, nil, wim.Errorf(wim.ErrUnsupported, "pipe reader", "", "record is compressed but no decompressor was configured")
	}
	// Compressed pipable records are prefixed with their compressed
	// chunk length so the reader knows how many bytes to feed the
	// decompressor without needing random access.
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.r, lenBuf[:]); err != nil {
		return nil, nil, wim.WrapErr(wim.ErrInvalidPipableWIM, "read compressed chunk length", "", err)
	}
	compLen := binary.LittleEndian.Uint32(lenBuf[:])
	compBuf := make([]byte, compLen)
	if _, err := io.ReadFull(p.r, compBuf); err != nil {
		return nil, nil, wim.WrapErr(wim.ErrInvalidPipableWIM, "read compressed chunk", "", err)
	}
	plain, err := p.dc.Decompress(compBuf, int(hdr.UncompressedSize))
	if err != nil {
		return nil, nil, wim.WrapErr(wim.ErrRead, "decompress pipable record", "", err)
	}
	return hdr, newByteReader(plain), nil
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
