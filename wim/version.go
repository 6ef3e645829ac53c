// SPDX-License-Identifier: Apache-2.0

package wim

import (
	"fmt"

	"github.com/blang/semver/v4"
)

// FormatVersion is the on-disk WIM format version, as recorded in the WIM
// header's version field. wimlib and Microsoft's own tooling encode this as
// a plain uint32 (0x0e00000d17000 and friends do not apply here -- WIM uses
// a much smaller integer than the union filesystems this module's ancestor
// dealt with). Semver and SupportRange let a version be checked against a
// semver range; no backend in this module declares such a range, and
// extraction does not check the archive's version.
type FormatVersion uint32

// Well-known WIM format versions.
const (
	FormatVersionDefault FormatVersion = 0x0d00
	FormatVersionSolid   FormatVersion = 0x0e00
)

// Semver converts the on-disk integer version into a semver.Version so it
// can be compared against a backend's declared support range. WIM versions
// are conventionally read as (major<<8 | minor) with no patch component.
func (v FormatVersion) Semver() semver.Version {
	return semver.Version{Major: uint64(v >> 8), Minor: uint64(v & 0xff)}
}

func (v FormatVersion) String() string {
	return fmt.Sprintf("0x%04x (%s)", uint32(v), v.Semver())
}

// SupportRange describes a minimum and maximum supported on-disk format
// version; Supports checks a version against it. The extraction driver does
// not call it. A zero-value SupportRange accepts any version.
type SupportRange struct {
	Min, Max semver.Range
}

// Supports reports whether the given format version satisfies the range. A
// nil Min/Max is treated as unbounded on that side.
func (r SupportRange) Supports(v FormatVersion) bool {
	sv := v.Semver()
	if r.Min != nil && !r.Min(sv) {
		return false
	}
	if r.Max != nil && !r.Max(sv) {
		return false
	}
	return true
}

// MustRange parses a semver.Range expression, panicking on error. Intended
// for use in package-level var initializers describing a backend's declared
// support window, where a malformed range is a programming error.
func MustRange(expr string) semver.Range {
	return semver.MustParseRange(expr)
}
