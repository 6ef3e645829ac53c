// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"io"
	"os"
	"time"

	"github.com/go-wim/wimextract/wim"
)

// Backend is C4: the minimal set of operations every extraction target
// must support. This mirrors pkg/fseval.FsEval's role in the teacher --
// TarExtractor never touches the os package directly, it calls through
// FsEval so the "act as root" and "act as current user" filesystem
// evaluators can be swapped transparently. Here the swap axis is instead
// POSIX vs. mounted-NTFS-library vs. native Win32, each with a
// wildly different notion of "set an ACL" or "write a named stream" -- so
// rather than one FsEval interface with every method always present,
// optional capabilities are split into the interfaces below and probed
// with a type assertion, the same pattern net/http uses for Hijacker and
// io uses for ReaderAt.
type Backend interface {
	// Name identifies the backend for logging (e.g. "posix", "ntfs-3g",
	// "win32").
	Name() string

	// MkdirAll creates dir and all missing parents with the given
	// permissions, tolerating dir already existing as a directory.
	MkdirAll(dir string, perm os.FileMode) error

	// CreateFile creates (or truncates) a regular file at path and
	// returns a writer for its unnamed data stream.
	CreateFile(path string) (io.WriteCloser, error)

	// SetAttributes applies Windows file attribute bits and timestamps to
	// path. Called after all of a file/directory's content has been
	// written, per §5's ordering rules.
	SetAttributes(path string, attr wim.Attr, created, accessed, modified time.Time) error

	// Remove deletes whatever is at path, used by the skeleton builder to
	// clear a case-conflicting placeholder before recreating it.
	Remove(path string) error

	// Lstat returns file info without following symlinks, used by
	// mkdirAll-style recovery and by verify.go.
	Lstat(path string) (os.FileInfo, error)

	// StartExtract is called once, before any other Backend method, at
	// the start of Driver.Run (§4.4/§5). It exists so a backend can
	// prepare its target (e.g. ensure the root directory exists) before
	// the pipeline begins touching it.
	StartExtract() error

	// FinishExtract is called once every stage has completed
	// successfully, after the Finalizer's post-order pass.
	FinishExtract() error

	// AbortExtract is called instead of FinishExtract when any stage
	// returns an error, giving the backend a chance to clean up
	// best-effort. A backend that cannot roll back partial output (the
	// common case) may simply log and return nil.
	AbortExtract() error
}

// HardlinkBackend is implemented by backends that can make path a new
// hardlink to an existing file at target.
type HardlinkBackend interface {
	Backend
	Link(target, path string) error
}

// SymlinkBackend is implemented by backends that can create symlinks
// (POSIX) or reparse-point junctions/symlinks (NTFS/Win32).
type SymlinkBackend interface {
	Backend
	Symlink(target, path string) error
}

// NamedStreamBackend is implemented by backends that can store more than
// one data stream per file (NTFS alternate data streams). The POSIX
// backend emulates this with a reserved xattr namespace; see
// backend_posix.go.
type NamedStreamBackend interface {
	Backend
	CreateNamedStream(path, streamName string) (io.WriteCloser, error)
}

// EncryptedStreamBackend is implemented by backends that can restore an
// EFS-encrypted file's raw encrypted stream (rather than plaintext
// content, which this module never has access to).
type EncryptedStreamBackend interface {
	Backend
	CreateEncryptedFile(path string) (io.WriteCloser, error)
}

// ShortNameBackend is implemented by backends that can record an 8.3
// short name alongside a long name.
type ShortNameBackend interface {
	Backend
	SetShortName(path, shortName string) error
}

// ReparseDataBackend is implemented by backends that can write a raw
// reparse point buffer directly (as opposed to translating well-known
// reparse tags into SymlinkBackend.Symlink calls).
type ReparseDataBackend interface {
	Backend
	SetReparseData(path string, tag uint32, data []byte) error
}

// SecurityDescriptorBackend is implemented by backends that can restore
// Windows security descriptors (ACLs/owner/group).
type SecurityDescriptorBackend interface {
	Backend
	SetSecurityDescriptor(path string, raw []byte) error
}

// UnixDataBackend is implemented by backends that can restore wimlib's
// UNIX owner/permission extension.
type UnixDataBackend interface {
	Backend
	SetUnixData(path string, data wim.UnixData) error
}
