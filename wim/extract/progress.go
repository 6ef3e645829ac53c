// SPDX-License-Identifier: Apache-2.0

package extract

// MessageType identifies the kind of progress event delivered to an
// Options.Progress callback, matching the WIMLIB_PROGRESS_MSG_* set
// named in the extraction specification.
type MessageType int

const (
	MsgExtractTreeBegin MessageType = iota
	MsgExtractTreeEnd
	MsgExtractImageBegin
	MsgExtractImageEnd
	MsgExtractDirStructureBegin
	MsgExtractDirStructureEnd
	MsgExtractStreams
	MsgExtractDentry
	MsgExtractApplyTimestamps
)

// Message is delivered to Options.Progress as extraction proceeds.
// Fields not relevant to Type are left zero.
type Message struct {
	Type MessageType

	// CompletedBytes/TotalBytes describe stream-writing progress and are
	// only meaningful for MsgExtractStreams; they update by whole-blob
	// increments and additionally whenever the running total crosses a
	// TotalBytes/128 threshold, matching the reference implementation's
	// firing cadence.
	CompletedBytes int64
	TotalBytes     int64

	// CompletedFiles/TotalFiles count dentries processed so far and are
	// meaningful for MsgExtractDentry.
	CompletedFiles int
	TotalFiles     int

	// CurrentPath is the target path of the file the event concerns; set
	// for MsgExtractStreams, MsgExtractDentry and MsgExtractApplyTimestamps.
	CurrentPath string
}

// progressTracker centralizes the threshold-based firing logic so
// stream.go, skeleton.go and finalize.go all report through one place
// with consistent semantics.
type progressTracker struct {
	cb        ProgressCallback
	total     int64
	completed int64
	lastFired int64
	threshold int64

	totalFiles     int
	completedFiles int
}

func newProgressTracker(cb ProgressCallback, total int64, totalFiles int) *progressTracker {
	th := total / 128
	if th < 1 {
		th = 1
	}
	return &progressTracker{cb: cb, total: total, threshold: th, totalFiles: totalFiles}
}

// Add records n more completed bytes and fires MsgExtractStreams if the
// completed total has crossed the next threshold boundary, or if force is
// true (used for the final call so 100% is always reported).
func (t *progressTracker) Add(n int64, path string, force bool) error {
	if t.cb == nil {
		return nil
	}
	t.completed += n
	if force && t.total == 0 {
		// Nothing was ever selected for stream content (e.g. a zero-file
		// image); firing a 0/0 event would be a spurious byte-progress
		// message the caller never asked for.
		return nil
	}
	if !force && t.completed-t.lastFired < t.threshold && t.completed < t.total {
		return nil
	}
	t.lastFired = t.completed
	return t.cb(Message{
		Type:           MsgExtractStreams,
		CompletedBytes: t.completed,
		TotalBytes:     t.total,
		CurrentPath:    path,
	})
}

// Dentry fires MsgExtractDentry for one processed dentry, advancing the
// completed-file count. Called from the Skeleton Builder so it fires
// once per dentry regardless of which stream-extraction strategy is in
// use.
func (t *progressTracker) Dentry(path string) error {
	t.completedFiles++
	if t.cb == nil {
		return nil
	}
	return t.cb(Message{
		Type:           MsgExtractDentry,
		CompletedFiles: t.completedFiles,
		TotalFiles:     t.totalFiles,
		CurrentPath:    path,
	})
}

// ApplyTimestamps fires MsgExtractApplyTimestamps once a dentry's
// timestamps have been applied, the last of the Finalizer's per-dentry
// steps.
func (t *progressTracker) ApplyTimestamps(path string) error {
	if t.cb == nil {
		return nil
	}
	return t.cb(Message{Type: MsgExtractApplyTimestamps, CurrentPath: path})
}

func (t *progressTracker) fire(typ MessageType) error {
	if t.cb == nil {
		return nil
	}
	return t.cb(Message{Type: typ, CompletedBytes: t.completed, TotalBytes: t.total})
}
