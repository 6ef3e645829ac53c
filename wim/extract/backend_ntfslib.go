// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-wim/wimextract/wim"
)

// NTFSLibBackend targets a volume mounted through a userspace NTFS
// implementation (ntfs-3g and compatible FUSE mounts), reached through
// ordinary POSIX filesystem calls but capable of storing genuine NTFS
// alternate data streams (opened as "path:streamName" files) and reparse
// points, security descriptors and attributes (through the mount's
// private `system.ntfs_*` xattrs), instead of this module's own emulation
// namespace used by PosixBackend.
//
// It embeds a PosixBackend for everything that is identical between the
// two (mkdir, regular file content, hardlinks), and overrides only the
// operations where ntfs-3g exposes a real NTFS feature through its own
// xattr convention.
type NTFSLibBackend struct {
	*PosixBackend
}

// NewNTFSLibBackend constructs a backend rooted at an ntfs-3g mount
// point. root must be inside an active ntfs-3g mount for the xattr
// conventions below to have any effect. On a plain filesystem it does not
// behave like PosixBackend: named streams become separate files named
// "path:streamName", and setting reparse data or a security descriptor
// fails because the `system.ntfs_*` xattrs are not available.
func NewNTFSLibBackend(root string) *NTFSLibBackend {
	return &NTFSLibBackend{PosixBackend: NewPosixBackend(root)}
}

func (b *NTFSLibBackend) Name() string { return "ntfs-3g" }

func (b *NTFSLibBackend) CreateNamedStream(path, streamName string) (io.WriteCloser, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	// ntfs-3g exposes named streams as "path:streamName" through its
	// FUSE mount, mirroring native NTFS ADS syntax.
	f, err := os.OpenFile(full+":"+streamName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, wim.WrapErr(wim.ErrOpen, "create named stream", path, err)
	}
	return f, nil
}

func (b *NTFSLibBackend) SetReparseData(path string, tag uint32, data []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	buf := append([]byte{byte(tag), byte(tag >> 8), byte(tag >> 16), byte(tag >> 24)}, data...)
	if err := unix.Lsetxattr(full, "system.ntfs_reparse_data", buf, 0); err != nil {
		return wim.WrapErr(wim.ErrWrite, "set reparse data", path, err)
	}
	return nil
}

func (b *NTFSLibBackend) SetSecurityDescriptor(path string, raw []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := unix.Lsetxattr(full, "system.ntfs_acl", raw, 0); err != nil {
		return wim.WrapErr(wim.ErrWrite, "set security descriptor", path, err)
	}
	return nil
}

func (b *NTFSLibBackend) SetAttributes(path string, attr wim.Attr, created, accessed, modified time.Time) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	le := func(v uint32) []byte {
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	}
	if err := unix.Lsetxattr(full, "system.ntfs_attrib", le(uint32(attr)), 0); err != nil && err != unix.ENOTSUP {
		return wim.WrapErr(wim.ErrWrite, "set attributes", path, err)
	}
	return b.PosixBackend.SetAttributes(path, attr, created, accessed, modified)
}

var (
	_ Backend                  = (*NTFSLibBackend)(nil)
	_ NamedStreamBackend       = (*NTFSLibBackend)(nil)
	_ ReparseDataBackend       = (*NTFSLibBackend)(nil)
	_ SecurityDescriptorBackend = (*NTFSLibBackend)(nil)
)
