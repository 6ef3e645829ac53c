// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"io"
	"os"

	"github.com/apex/log"

	"github.com/go-wim/wimextract/internal/hardening"
	"github.com/go-wim/wimextract/internal/system"
	"github.com/go-wim/wimextract/wim"
)

// StreamExtractor is C6: it writes blob content to every dentry/stream
// that references it, in one of three strategies:
//
//   - single-pass: for a seekable archive, each selected dentry's streams
//     are opened and written to that dentry's own path right after its
//     skeleton is created (Driver chooses this when the caller has not
//     forced sequential mode).
//   - sequential: blobs are visited in on-disk offset order (Plan.Blobs is
//     already sorted that way for a seekable archive) after the skeleton
//     pass completes; better I/O locality for spinning media or an
//     archive with many small blobs.
//   - pipe: mandatory for a non-seekable Archive. Blobs arrive exactly
//     once, in encounter order, on a PipeReader; a blob referenced by more
//     than one target is written to a temp file first and then fanned out
//     with system.Copy, since the pipe cannot be re-read.
type StreamExtractor struct {
	Backend  Backend
	Archive  wim.Archive
	Image    *wim.Image
	Inodes   []wim.Inode
	Blobs    []wim.Blob
	Tracker  *progressTracker
	Matrix   *FeatureMatrix

	// targetsByBlob maps each blob to every (dentry, stream name) pair
	// that must receive its content, built once from Plan.Selected.
	targetsByBlob map[wim.BlobIndex][]streamTarget
}

type streamTarget struct {
	path       string
	streamName string
}

// NewStreamExtractor builds the blob->targets index from plan.
func NewStreamExtractor(b Backend, arc wim.Archive, img *wim.Image, inodes []wim.Inode, blobs []wim.Blob, matrix *FeatureMatrix, tracker *progressTracker, plan *Plan) *StreamExtractor {
	se := &StreamExtractor{
		Backend: b, Archive: arc, Image: img, Inodes: inodes, Blobs: blobs,
		Tracker: tracker, Matrix: matrix,
		targetsByBlob: make(map[wim.BlobIndex][]streamTarget),
	}
	for _, pd := range plan.Selected {
		d := img.DentryByIndex(pd.Index)
		if d == nil || d.Inode == wim.NoInode {
			continue
		}
		if !pd.IsPrimary {
			// Hardlinked dentries share their primary's content; the
			// skeleton builder already linked them, so no separate
			// stream write is needed.
			continue
		}
		for _, s := range inodes[d.Inode].Streams {
			if s.Blob == wim.NoBlob {
				continue
			}
			se.targetsByBlob[s.Blob] = append(se.targetsByBlob[s.Blob], streamTarget{path: pd.TargetPath, streamName: s.Name})
		}
	}
	return se
}

// ExtractDentry writes every stream belonging to pd's inode. It is the
// building block for the single-pass strategy, which calls this
// immediately after the Skeleton Builder creates pd rather than running
// the whole plan through a separate pass. linked reports whether the
// Skeleton Builder actually shared pd's content via a real backend
// hardlink (see Skeleton.WasLinked); only then is it safe to skip a
// non-primary dentry's own stream write. A non-primary dentry the
// skeleton instead gave an independent copy -- because the backend
// cannot hardlink -- still needs its own content, so it is registered as
// an extraction target here, on demand.
func (se *StreamExtractor) ExtractDentry(pd PlannedDentry, linked bool) error {
	d := se.Image.DentryByIndex(pd.Index)
	if d == nil || d.Inode == wim.NoInode {
		return nil
	}
	if !pd.IsPrimary {
		if linked {
			return nil
		}
		se.registerCopy(pd)
	}
	inode := &se.Inodes[d.Inode]
	if inode.Attributes.IsDir() {
		return nil
	}
	for _, s := range inode.Streams {
		if s.Blob == wim.NoBlob {
			continue
		}
		rc, err := se.Archive.OpenBlob(s.Blob)
		if err != nil {
			return wim.WrapErr(wim.ErrOpen, "open blob", se.Blobs[s.Blob].Digest.String(), err)
		}
		vr := &hardening.VerifiedReadCloser{Reader: rc, ExpectedDigest: se.Blobs[s.Blob].Digest}
		err = se.writeTo(streamTarget{path: pd.TargetPath, streamName: s.Name}, vr, se.Blobs[s.Blob].Size)
		vr.Close() //nolint:errcheck // same handling as extractOne
		if err != nil {
			return err
		}
	}
	return nil
}

// registerCopy adds pd's own streams as extraction targets, on top of
// the primary-only index NewStreamExtractor builds. Used for a dentry
// the Skeleton Builder could not share via a real hardlink and instead
// gave an independent placeholder that still needs content.
func (se *StreamExtractor) registerCopy(pd PlannedDentry) {
	d := se.Image.DentryByIndex(pd.Index)
	if d == nil || d.Inode == wim.NoInode {
		return
	}
	for _, s := range se.Inodes[d.Inode].Streams {
		if s.Blob == wim.NoBlob {
			continue
		}
		se.targetsByBlob[s.Blob] = append(se.targetsByBlob[s.Blob], streamTarget{path: pd.TargetPath, streamName: s.Name})
	}
}

// IndexCopies scans plan for non-primary dentries the Skeleton Builder
// resolved as independent copies rather than real hardlinks -- linked
// reports which, keyed by DentryIndex, typically Skeleton.WasLinked --
// and adds their own streams to the blob->targets index. Call this after
// the skeleton pass fully completes and before RunSequential or RunPipe,
// both of which visit each blob once and need every target known
// upfront; RunSinglePass instead calls registerCopy per dentry through
// ExtractDentry, since it interleaves skeleton creation with extraction.
func (se *StreamExtractor) IndexCopies(plan *Plan, linked func(wim.DentryIndex) bool) {
	for _, pd := range plan.Selected {
		if pd.IsPrimary || linked(pd.Index) {
			continue
		}
		se.registerCopy(pd)
	}
}

// RunSinglePass drives the default (non-sequential) strategy from §4.8:
// for a seekable archive, stream content is written immediately after
// each dentry's skeleton is created (buildOne) instead of in a
// dedicated pass over the whole plan, so a large extraction never needs
// its entire directory structure resident on disk before the first byte
// of file content is written.
func (se *StreamExtractor) RunSinglePass(plan *Plan, buildOne func(PlannedDentry) error, linked func(wim.DentryIndex) bool) error {
	for _, pd := range plan.Selected {
		if err := buildOne(pd); err != nil {
			return err
		}
		if err := se.ExtractDentry(pd, linked(pd.Index)); err != nil {
			return err
		}
	}
	return se.Tracker.Add(0, "", true)
}

// RunSequential writes every blob in plan.Blobs order, reading each once
// from the (necessarily seekable) archive and fanning its content out to
// every recorded target.
func (se *StreamExtractor) RunSequential(plan *Plan) error {
	for _, bidx := range plan.Blobs {
		if err := se.extractOne(bidx); err != nil {
			return err
		}
	}
	return se.Tracker.Add(0, "", true)
}

// RunPipe consumes records from pr strictly in the order they appear on
// the wire, matching each to the blob whose digest it names. A blob with
// more than one target is buffered to a temporary file so it can be
// fanned out after the single pipe read completes.
func (se *StreamExtractor) RunPipe(pr *PipeReader, remaining int) error {
	digestToBlob := make(map[string]wim.BlobIndex, len(se.targetsByBlob))
	for bidx := range se.targetsByBlob {
		digestToBlob[se.Blobs[bidx].Digest.String()] = bidx
	}
	for remaining > 0 {
		hdr, r, err := pr.Next()
		if err != nil {
			return wim.WrapErr(wim.ErrRead, "read pipable record", "", err)
		}
		bidx, ok := digestToBlob[hdr.Digest.String()]
		if !ok {
			// Not one of our selected blobs (e.g. belongs to an
			// unselected image sharing the pipe); drain and skip.
			if _, err := io.Copy(io.Discard, r); err != nil {
				return wim.WrapErr(wim.ErrRead, "drain unselected pipable record", "", err)
			}
			continue
		}
		remaining--
		targets := se.targetsByBlob[bidx]
		if len(targets) == 0 {
			continue
		}
		vr := &hardening.VerifiedReadCloser{Reader: io.NopCloser(r), ExpectedDigest: se.Blobs[bidx].Digest}
		if len(targets) == 1 {
			if err := se.writeTo(targets[0], vr, se.Blobs[bidx].Size); err != nil {
				return err
			}
			continue
		}
		if err := se.fanOutViaTempFile(vr, se.Blobs[bidx], targets); err != nil {
			return err
		}
	}
	return se.Tracker.Add(0, "", true)
}

func (se *StreamExtractor) extractOne(bidx wim.BlobIndex) error {
	targets := se.targetsByBlob[bidx]
	if len(targets) == 0 {
		return nil
	}
	rc, err := se.Archive.OpenBlob(bidx)
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "open blob", se.Blobs[bidx].Digest.String(), err)
	}
	vr := &hardening.VerifiedReadCloser{Reader: rc, ExpectedDigest: se.Blobs[bidx].Digest}
	defer vr.Close() //nolint:errcheck // primary error path already checked below

	if len(targets) == 1 {
		return se.writeTo(targets[0], vr, se.Blobs[bidx].Size)
	}
	if !se.Archive.Seekable() {
		return se.fanOutViaTempFile(vr, se.Blobs[bidx], targets)
	}
	// Seekable archive: just re-open per target instead of buffering.
	for i, t := range targets {
		var reader io.Reader = vr
		if i > 0 {
			rc2, err := se.Archive.OpenBlob(bidx)
			if err != nil {
				return wim.WrapErr(wim.ErrOpen, "reopen blob", se.Blobs[bidx].Digest.String(), err)
			}
			vr2 := &hardening.VerifiedReadCloser{Reader: rc2, ExpectedDigest: se.Blobs[bidx].Digest}
			reader = vr2
			defer vr2.Close() //nolint:errcheck
		}
		if err := se.writeTo(t, reader, se.Blobs[bidx].Size); err != nil {
			return err
		}
	}
	return nil
}

func (se *StreamExtractor) fanOutViaTempFile(r io.Reader, blob wim.Blob, targets []streamTarget) error {
	tmp, err := os.CreateTemp("", "wimextract-blob-*")
	if err != nil {
		return wim.WrapErr(wim.ErrOpen, "create temp blob file", "", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	defer tmp.Close()           //nolint:errcheck

	if _, err := system.Copy(tmp, r); err != nil {
		return wim.WrapErr(wim.ErrWrite, "buffer shared blob", "", err)
	}
	for _, t := range targets {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return wim.WrapErr(wim.ErrRead, "seek temp blob file", "", err)
		}
		if err := se.writeTo(t, io.NopCloser(tmp), blob.Size); err != nil {
			return err
		}
	}
	return nil
}

func (se *StreamExtractor) writeTo(t streamTarget, r io.Reader, size int64) error {
	var (
		w   io.WriteCloser
		err error
	)
	if t.streamName == "" {
		w, err = se.Backend.CreateFile(t.path)
	} else {
		nb, ok := se.Backend.(NamedStreamBackend)
		if !ok {
			log.Warnf("stream{%s:%s} backend cannot store named streams, discarding content", t.path, t.streamName)
			_, err := io.Copy(io.Discard, r)
			return err
		}
		w, err = nb.CreateNamedStream(t.path, t.streamName)
	}
	if err != nil {
		return err
	}
	n, err := system.Copy(w, r)
	closeErr := w.Close()
	if err != nil {
		return wim.WrapErr(wim.ErrWrite, "write stream", t.path, err)
	}
	if closeErr != nil {
		return wim.WrapErr(wim.ErrWrite, "close stream", t.path, closeErr)
	}
	return se.Tracker.Add(n, t.path, false)
}
