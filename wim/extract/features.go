// SPDX-License-Identifier: Apache-2.0

package extract

import (
	"fmt"

	"github.com/go-wim/wimextract/wim"
)

// Feature names a filesystem/archive capability the Feature Matrix (C2)
// tallies mismatches for.
type Feature string

const (
	FeatureSymlinks       Feature = "symlinks"
	FeatureHardlinks      Feature = "hardlinks"
	FeatureReparsePoints  Feature = "reparse points"
	FeatureNamedStreams   Feature = "named data streams"
	FeatureEncryptedFiles Feature = "encrypted files"
	FeatureSecurity       Feature = "security descriptors"
	FeatureShortNames     Feature = "short names"
	FeatureUnixData       Feature = "unix data"
	// FeatureSparse tracks sparse files. SPEC_FULL.md §4 documents the
	// deliberate fix to the reference implementation's bug where the
	// not-content-indexed tally was reported instead of the sparse
	// tally.
	FeatureSparse Feature = "sparse files"
)

// allFeatures lists every tracked feature in the fixed order the summary
// is reported in.
var allFeatures = []Feature{
	FeatureSymlinks, FeatureHardlinks, FeatureReparsePoints,
	FeatureNamedStreams, FeatureEncryptedFiles, FeatureSecurity,
	FeatureShortNames, FeatureUnixData, FeatureSparse,
}

// FeatureMatrix tallies, for each Feature, how many dentries in the
// current extraction request required it and whether the active Backend
// declares support for it. It is consulted once up front (so a caller can
// decide to abort before doing any I/O) and again incrementally as
// mismatches are discovered mid-extraction (a backend capability can only
// be checked cheaply via a type assertion, but some failures -- e.g.
// ENOTSUP from the kernel on a specific inode -- are only observable at
// syscall time).
type FeatureMatrix struct {
	backend Backend
	tally   map[Feature]int
	strict  map[Feature]bool
}

// NewFeatureMatrix constructs a matrix bound to a backend's declared
// capabilities. strict names the individual features for which a
// mismatch must be a hard error rather than a warning-worthy tally
// entry -- §4.2/§7 scope strictness per category (e.g.
// FlagStrictShortNames only hardens FeatureShortNames), not globally, so
// setting one strict flag never aborts extraction over an unrelated
// unsupported feature. A nil map means nothing is strict.
func NewFeatureMatrix(b Backend, strict map[Feature]bool) *FeatureMatrix {
	if strict == nil {
		strict = map[Feature]bool{}
	}
	return &FeatureMatrix{backend: b, tally: make(map[Feature]int), strict: strict}
}

// Require records that the current dentry needs the given feature and
// returns whether the backend supports it. Every call increments the
// tally regardless of outcome; Mismatches and Summary report only the
// tallied features the backend does not support.
func (m *FeatureMatrix) Require(f Feature) bool {
	m.tally[f]++
	return m.backendSupports(f)
}

func (m *FeatureMatrix) backendSupports(f Feature) bool {
	switch f {
	case FeatureSymlinks:
		_, ok := m.backend.(SymlinkBackend)
		return ok
	case FeatureHardlinks:
		_, ok := m.backend.(HardlinkBackend)
		return ok
	case FeatureReparsePoints:
		_, ok := m.backend.(ReparseDataBackend)
		return ok
	case FeatureNamedStreams:
		_, ok := m.backend.(NamedStreamBackend)
		return ok
	case FeatureEncryptedFiles:
		_, ok := m.backend.(EncryptedStreamBackend)
		return ok
	case FeatureSecurity:
		_, ok := m.backend.(SecurityDescriptorBackend)
		return ok
	case FeatureShortNames:
		_, ok := m.backend.(ShortNameBackend)
		return ok
	case FeatureUnixData:
		_, ok := m.backend.(UnixDataBackend)
		return ok
	case FeatureSparse:
		// No backend in this module can preserve sparseness explicitly;
		// it is always reported as unsupported, matching the reference
		// implementation's own admission that sparse-file preservation is
		// filesystem/backend-specific best-effort at most.
		return false
	default:
		return false
	}
}

// Mismatches returns the mismatch tally: features that were required by
// at least one dentry but are not supported by the backend.
func (m *FeatureMatrix) Mismatches() map[Feature]int {
	out := make(map[Feature]int)
	for _, f := range allFeatures {
		if n := m.tally[f]; n > 0 && !m.backendSupports(f) {
			out[f] = n
		}
	}
	return out
}

// Check returns an UNSUPPORTED error for the first (in allFeatures
// order) mismatched feature whose category is strict, or nil if no
// mismatch is in a strict category (the caller is expected to log the
// full mismatch tally via Summary in that case). The driver calls it once,
// after registerFeatureDemand has tallied the image's requirements and
// before the skeleton pass.
func (m *FeatureMatrix) Check() error {
	mismatches := m.Mismatches()
	for _, f := range allFeatures {
		n, ok := mismatches[f]
		if !ok || !m.strict[f] {
			continue
		}
		return wim.Errorf(wim.ErrUnsupported, "feature matrix", "", "backend does not support %s (%d dentries affected)", f, n)
	}
	return nil
}

// Summary renders the mismatch tally as human-readable lines, in the
// fixed feature order, for warning-mode logging.
func (m *FeatureMatrix) Summary() []string {
	var lines []string
	for _, f := range allFeatures {
		if n, ok := m.Mismatches()[f]; ok {
			lines = append(lines, fmt.Sprintf("%d file(s) required unsupported feature %q", n, f))
		}
	}
	return lines
}
