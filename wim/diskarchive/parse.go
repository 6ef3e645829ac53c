// SPDX-License-Identifier: Apache-2.0

package diskarchive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf16"

	"github.com/opencontainers/go-digest"

	"github.com/go-wim/wimextract/wim"
)

// blobResourceReader returns a reader over a resource's decompressed
// content. Uncompressed resources are read directly; compressed
// resources are split into ChunkSize-sized chunks (per the on-disk chunk
// offset table) and inflated one at a time through a.dc.
func (a *Archive) blobResourceReader(res resourceDescriptor) io.Reader {
	sr := io.NewSectionReader(a.ra, res.Offset, res.compressedSize())
	if res.flags()&resFlagCompressed == 0 {
		return sr
	}
	return &chunkedReader{a: a, sr: sr, res: res}
}

// chunkedReader lazily decompresses one chunk at a time as it is read,
// so a caller streaming a large resource never needs the whole thing in
// memory at once.
type chunkedReader struct {
	a       *Archive
	sr      *io.SectionReader
	res     resourceDescriptor
	chunks  [][2]int64 // [start,end) compressed byte ranges, relative to sr
	pending *bytes.Reader
	chunkIdx int
	loaded  bool
}

func (c *chunkedReader) load() error {
	if c.loaded {
		return nil
	}
	c.loaded = true
	chunkSize := int64(c.a.hdr.ChunkSize)
	if chunkSize == 0 {
		chunkSize = 0x8000
	}
	numChunks := (c.res.OriginalSize + chunkSize - 1) / chunkSize
	if numChunks <= 1 {
		c.chunks = [][2]int64{{0, c.res.compressedSize()}}
		return nil
	}
	// (numChunks-1) little-endian offsets, 4 bytes each for a resource
	// under 4GiB (the common case for anything this module targets).
	tableLen := (numChunks - 1) * 4
	tableBuf := make([]byte, tableLen)
	if _, err := io.ReadFull(io.NewSectionReader(c.sr, 0, tableLen), tableBuf); err != nil {
		return fmt.Errorf("read chunk offset table: %w", err)
	}
	dataStart := tableLen
	offsets := make([]int64, numChunks+1)
	offsets[0] = dataStart
	for i := int64(0); i < numChunks-1; i++ {
		offsets[i+1] = dataStart + int64(binary.LittleEndian.Uint32(tableBuf[i*4:i*4+4]))
	}
	offsets[numChunks] = c.res.compressedSize()
	for i := int64(0); i < numChunks; i++ {
		c.chunks = append(c.chunks, [2]int64{offsets[i], offsets[i+1]})
	}
	return nil
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if err := c.load(); err != nil {
		return 0, err
	}
	for {
		if c.pending != nil {
			n, err := c.pending.Read(p)
			if err != io.EOF {
				return n, err
			}
			c.pending = nil
			if n > 0 {
				return n, nil
			}
		}
		if c.chunkIdx >= len(c.chunks) {
			return 0, io.EOF
		}
		rng := c.chunks[c.chunkIdx]
		chunkSize := int64(c.a.hdr.ChunkSize)
		if chunkSize == 0 {
			chunkSize = 0x8000
		}
		plainLen := chunkSize
		if remaining := c.res.OriginalSize - int64(c.chunkIdx)*chunkSize; remaining < chunkSize {
			plainLen = remaining
		}
		compBuf := make([]byte, rng[1]-rng[0])
		if _, err := io.ReadFull(io.NewSectionReader(c.sr, rng[0], rng[1]-rng[0]), compBuf); err != nil {
			return 0, fmt.Errorf("read chunk %d: %w", c.chunkIdx, err)
		}
		c.chunkIdx++
		if int64(len(compBuf)) == plainLen {
			// Some encoders store a chunk verbatim if compression would
			// not shrink it; treat an exact-size chunk as already plain.
			c.pending = bytes.NewReader(compBuf)
			continue
		}
		if c.a.dc == nil {
			return 0, wim.Errorf(wim.ErrUnsupported, "decompress chunk", "", "archive is compressed but no decompressor was configured")
		}
		plain, err := c.a.dc.Decompress(compBuf, int(plainLen))
		if err != nil {
			return 0, fmt.Errorf("decompress chunk %d: %w", c.chunkIdx-1, err)
		}
		c.pending = bytes.NewReader(plain)
	}
}

func (a *Archive) readResourceBytes(res resourceDescriptor) ([]byte, error) {
	return io.ReadAll(a.blobResourceReader(res))
}

func (a *Archive) readOffsetTable() error {
	raw, err := a.readResourceBytes(a.hdr.OffsetTable)
	if err != nil {
		return fmt.Errorf("read offset table: %w", err)
	}
	br := bytes.NewReader(raw)
	for br.Len() > 0 {
		var entry struct {
			resourceDescriptor
			PartNumber uint16
			RefCount   uint32
			Hash       [20]byte
		}
		if err := binary.Read(br, binary.LittleEndian, &entry); err != nil {
			return fmt.Errorf("read offset table entry: %w", err)
		}
		if entry.flags()&resFlagMetadata != 0 {
			a.imageResources = append(a.imageResources, entry.resourceDescriptor)
			continue
		}
		if _, exists := a.blobIndex[entry.Hash]; exists {
			continue
		}
		idx := wim.BlobIndex(len(a.blobs))
		a.blobIndex[entry.Hash] = idx
		a.blobs = append(a.blobs, wim.Blob{
			Digest:         digest.NewDigestFromEncoded(digest.SHA1, fmt.Sprintf("%x", entry.Hash)),
			Size:           entry.OriginalSize,
			Compressed:     entry.flags()&resFlagCompressed != 0,
			CompressedSize: entry.compressedSize(),
			Offset:         entry.Offset,
		})
		a.blobResources = append(a.blobResources, entry.resourceDescriptor)
	}
	if uint32(len(a.imageResources)) != a.hdr.ImageCount {
		return wim.Errorf(wim.ErrImageCount, "read offset table", "", "expected %d images, found %d metadata resources", a.hdr.ImageCount, len(a.imageResources))
	}
	return nil
}

func (a *Archive) readSecurity() error {
	if len(a.imageResources) == 0 {
		return nil
	}
	// The security descriptor table is stored at the start of the first
	// image's metadata resource.
	raw, err := a.readResourceBytes(a.imageResources[0])
	if err != nil {
		return fmt.Errorf("read security block: %w", err)
	}
	if len(raw) < 8 {
		return nil
	}
	numEntries := binary.LittleEndian.Uint32(raw[4:8])
	off := 8
	sizes := make([]int64, numEntries)
	for i := range sizes {
		if off+8 > len(raw) {
			return wim.Errorf(wim.ErrXML, "read security table", "", "truncated size table")
		}
		sizes[i] = int64(binary.LittleEndian.Uint64(raw[off : off+8]))
		off += 8
	}
	for _, size := range sizes {
		if off+int(size) > len(raw) {
			return wim.Errorf(wim.ErrXML, "read security table", "", "truncated descriptor")
		}
		a.security.Add(raw[off : off+int(size)])
		off += int(size)
	}
	return nil
}

// direntry mirrors the 102-byte on-disk directory entry fixed header.
type direntryDisk struct {
	Length          int64
	Attributes      uint32
	SecurityID      uint32
	SubdirOffset    int64
	Unused1, Unused2 int64
	CreationTime    fileTime
	LastAccessTime  fileTime
	LastWriteTime   fileTime
	Hash            [20]byte
	Padding         uint32
	ReparseOrLink   int64
	StreamCount     uint16
	ShortNameLength uint16
	FileNameLength  uint16
}

type fileTime struct {
	LowDateTime, HighDateTime uint32
}

func (t fileTime) toTime() time.Time {
	if t.LowDateTime == 0 && t.HighDateTime == 0 {
		return time.Time{}
	}
	ticks := int64(t.HighDateTime)<<32 | int64(t.LowDateTime)
	// FILETIME: 100ns ticks since 1601-01-01.
	sec := ticks / 10000000
	nsec := (ticks % 10000000) * 100
	epoch := time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)
	return epoch.Add(time.Duration(sec)*time.Second + time.Duration(nsec))
}

func (a *Archive) readAllImages() error {
	for i, res := range a.imageResources {
		img, err := a.readImage(i+1, res)
		if err != nil {
			return fmt.Errorf("read image %d: %w", i+1, err)
		}
		a.images = append(a.images, img)
	}
	return nil
}

// securityBlockLength returns the byte length of the security descriptor
// block at the start of raw (an image's metadata resource), 8-byte
// aligned exactly as on-disk, without retaining the descriptors
// themselves -- readSecurity does that once for image 1; every image's
// metadata resource repeats the block on disk, but this module only
// keeps the first (they are required to be identical).
func securityBlockLength(raw []byte) int {
	if len(raw) < 8 {
		return len(raw)
	}
	numEntries := binary.LittleEndian.Uint32(raw[4:8])
	off := 8
	for i := uint32(0); i < numEntries && off+8 <= len(raw); i++ {
		size := int64(binary.LittleEndian.Uint64(raw[off : off+8]))
		off += 8 + int(size)
	}
	length := (off + 7) &^ 7
	if length > len(raw) {
		length = len(raw)
	}
	return length
}

// readImage parses one image's metadata resource: the security block
// (skipped; already loaded from image 1 by readSecurity), then exactly
// one root directory entry, then -- if the root is a directory -- its
// children by following SubdirOffset, recursively.
//
// This mirrors microsoft/go-winio's Image.Open()/readdir() sequence: the
// metadata resource is not a flat pre-order dump of the whole tree, it is
// a set of sibling runs, each addressed by its parent's SubdirOffset (an
// absolute byte offset into this same resource).
func (a *Archive) readImage(index int, res resourceDescriptor) (*wim.Image, error) {
	raw, err := a.readResourceBytes(res)
	if err != nil {
		return nil, err
	}
	secLen := securityBlockLength(raw)

	entries, err := a.readEntryRun(raw, int64(secLen))
	if err != nil {
		return nil, fmt.Errorf("read root entry: %w", err)
	}
	if len(entries) != 1 {
		return nil, wim.Errorf(wim.ErrInvalidImage, "read image", "", "expected exactly 1 root directory entry, found %d", len(entries))
	}
	root := entries[0]

	img := &wim.Image{Index: index}
	rootInodeIdx := wim.InodeIndex(len(a.inodes))
	a.inodes = append(a.inodes, a.buildInode(root))
	img.Dentries = append(img.Dentries, wim.Dentry{Name: "", Parent: wim.NoDentry, Inode: rootInodeIdx})

	if a.inodes[rootInodeIdx].Attributes.IsDir() && root.disk.SubdirOffset != 0 {
		if err := a.readChildren(img, wim.Root, raw, root.disk.SubdirOffset); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// readChildren parses the sibling run at the given absolute offset into
// raw and attaches each entry as a child of parent, recursing into any
// subdirectory found along the way.
func (a *Archive) readChildren(img *wim.Image, parent wim.DentryIndex, raw []byte, offset int64) error {
	entries, err := a.readEntryRun(raw, offset)
	if err != nil {
		return fmt.Errorf("read directory at offset %d: %w", offset, err)
	}
	for _, e := range entries {
		inode := a.buildInode(e)
		inodeIdx := wim.InodeIndex(len(a.inodes))
		a.inodes = append(a.inodes, inode)

		idx := wim.DentryIndex(len(img.Dentries))
		img.Dentries = append(img.Dentries, wim.Dentry{
			Name: e.name, ShortName: e.shortName, Parent: parent, Inode: inodeIdx,
		})
		img.Dentries[parent].Children = append(img.Dentries[parent].Children, idx)

		if inode.Attributes.IsDir() && e.disk.SubdirOffset != 0 {
			if err := a.readChildren(img, idx, raw, e.disk.SubdirOffset); err != nil {
				return err
			}
		}
	}
	return nil
}

// parsedEntry is one directory entry as read off the wire, before it is
// turned into a wim.Inode/wim.Dentry pair.
type parsedEntry struct {
	disk      direntryDisk
	name      string
	shortName string
	streams   []wim.StreamRef
	reparse   []byte
}

// readEntryRun parses the run of sibling directory entries starting at
// the given absolute byte offset into raw, stopping at the first 8-byte
// zero-length terminator (or the end of raw).
func (a *Archive) readEntryRun(raw []byte, offset int64) ([]parsedEntry, error) {
	var entries []parsedEntry
	pos := offset
	for {
		if pos < 0 || pos+8 > int64(len(raw)) {
			return entries, nil
		}
		length := int64(binary.LittleEndian.Uint64(raw[pos : pos+8]))
		if length == 0 {
			return entries, nil
		}
		if pos+length > int64(len(raw)) {
			return nil, wim.Errorf(wim.ErrInvalidImage, "read directory entry", "", "entry length %d overruns metadata resource", length)
		}
		e, err := a.parseEntry(raw[pos : pos+length])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		pos += length
	}
}

// parseEntry decodes one direntry record (fixed header, names, and its
// stream entries) from b, which holds exactly the record's declared
// length -- any bytes left over after the last field read are alignment
// padding and are ignored.
func (a *Archive) parseEntry(b []byte) (parsedEntry, error) {
	r := bytes.NewReader(b)
	var d direntryDisk
	if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
		return parsedEntry{}, fmt.Errorf("read dentry header: %w", err)
	}
	e := parsedEntry{disk: d}

	if d.FileNameLength > 0 {
		buf := make([]byte, int(d.FileNameLength)+2) // +2: on-disk name is NUL-terminated
		if _, err := io.ReadFull(r, buf); err != nil {
			return parsedEntry{}, fmt.Errorf("read dentry name: %w", err)
		}
		e.name = utf16ToString(buf[:d.FileNameLength])
	}
	if d.ShortNameLength > 0 {
		buf := make([]byte, int(d.ShortNameLength)+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return parsedEntry{}, fmt.Errorf("read dentry short name: %w", err)
		}
		e.shortName = utf16ToString(buf[:d.ShortNameLength])
	}

	attrs := wim.Attr(d.Attributes)
	var zero [20]byte
	if d.Hash != zero {
		if bidx, ok := a.blobIndex[d.Hash]; ok {
			e.streams = append(e.streams, wim.StreamRef{Blob: bidx})
		}
	} else if !attrs.IsDir() {
		e.streams = append(e.streams, wim.StreamRef{Blob: wim.NoBlob})
	}

	for i := uint16(0); i < d.StreamCount; i++ {
		ref, name, err := a.readStreamEntry(r)
		if err != nil {
			return parsedEntry{}, err
		}
		if name == "" && attrs.IsReparsePoint() {
			if ref.Blob != wim.NoBlob {
				e.reparse, _ = a.readResourceBytes(a.blobResources[ref.Blob])
			}
			continue
		}
		e.streams = append(e.streams, wim.StreamRef{Name: name, Blob: ref.Blob})
	}
	return e, nil
}

// buildInode translates a parsedEntry's fixed-header fields into a
// wim.Inode, resolving the ReparseHardLink union field per its
// FILE_ATTRIBUTE_REPARSE_POINT-gated meaning.
func (a *Archive) buildInode(e parsedEntry) wim.Inode {
	inode := wim.Inode{
		Attributes:     wim.Attr(e.disk.Attributes),
		CreationTime:   e.disk.CreationTime.toTime(),
		LastAccessTime: e.disk.LastAccessTime.toTime(),
		LastWriteTime:  e.disk.LastWriteTime.toTime(),
		Security:       wim.NoSecurityID,
		Streams:        e.streams,
		ReparseData:    e.reparse,
	}
	if e.disk.SecurityID != 0xffffffff {
		inode.Security = wim.SecurityID(e.disk.SecurityID)
	}
	if inode.Attributes.IsReparsePoint() {
		inode.ReparseTag = uint32(e.disk.ReparseOrLink)
	} else if e.disk.ReparseOrLink != 0 {
		inode.HardLinkGroup = uint64(e.disk.ReparseOrLink)
	}
	return inode
}

type streamEntryDisk struct {
	Length     int64
	Unused     int64
	Hash       [20]byte
	NameLength uint16
}

// readStreamEntry decodes one alternate-stream record from r, consuming
// exactly its declared Length (including alignment padding) so the
// caller's reader is left positioned at the next record.
func (a *Archive) readStreamEntry(r *bytes.Reader) (wim.StreamRef, string, error) {
	startLen := r.Len()
	var s streamEntryDisk
	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return wim.StreamRef{}, "", fmt.Errorf("read stream entry: %w", err)
	}
	var name string
	if s.NameLength > 0 {
		buf := make([]byte, s.NameLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return wim.StreamRef{}, "", fmt.Errorf("read stream name: %w", err)
		}
		name = utf16ToString(buf)
	}
	if pad := s.Length - int64(startLen-r.Len()); pad > 0 {
		if _, err := io.CopyN(io.Discard, r, pad); err != nil {
			return wim.StreamRef{}, "", fmt.Errorf("skip stream padding: %w", err)
		}
	}
	ref := wim.StreamRef{Blob: wim.NoBlob}
	var zero [20]byte
	if s.Hash != zero {
		if bidx, ok := a.blobIndex[s.Hash]; ok {
			ref.Blob = bidx
		}
	}
	return ref, name, nil
}

func utf16ToString(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

// ReadXML returns the archive's XML info blob, decoded from UTF-16LE
// (with its leading BOM stripped), the source of each Image's
// TotalBytes/Name/timestamps when a caller chooses to parse it further.
func (a *Archive) ReadXML() (string, error) {
	if a.hdr.XMLData.OriginalSize == 0 {
		return "", nil
	}
	raw, err := a.readResourceBytes(a.hdr.XMLData)
	if err != nil {
		return "", fmt.Errorf("read xml data: %w", err)
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	if len(units) > 0 && units[0] == 0xfeff {
		units = units[1:]
	}
	return string(utf16.Decode(units)), nil
}
