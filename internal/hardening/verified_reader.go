// SPDX-License-Identifier: Apache-2.0

// Package hardening provides stream wrappers that verify content against
// an expected digest, adapted from umoci's pkg/hardening for the WIM
// engine's SHA-1 blob digests.
package hardening

import (
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/opencontainers/go-digest"
)

// ErrDigestMismatch indicates that VerifiedReadCloser encountered a
// digest mismatch on EOF.
var ErrDigestMismatch = errors.New("verified reader digest mismatch")

// VerifiedReadCloser wraps a reader, hashing everything read through it,
// and on EOF compares the running hash against ExpectedDigest. Used by
// wim/extract/stream.go to implement the "bytes round-trip and digest
// matches" testable property. Callers must read to EOF (or Close) to
// observe a mismatch.
type VerifiedReadCloser struct {
	Reader         io.ReadCloser
	ExpectedDigest digest.Digest

	digester digest.Digester
}

func (v *VerifiedReadCloser) init() {
	if v.digester == nil {
		alg := v.ExpectedDigest.Algorithm()
		if !alg.Available() {
			log.Fatalf("verified reader: unsupported hash algorithm %s", alg)
			panic("verified reader: unreachable")
		}
		v.digester = alg.Digester()
	}
}

func (v *VerifiedReadCloser) isNoop() bool {
	inner, ok := v.Reader.(*VerifiedReadCloser)
	return ok && inner.ExpectedDigest == v.ExpectedDigest
}

// Read reads from the underlying reader, feeding everything through the
// digester, and checks the digest once the underlying reader reports EOF.
func (v *VerifiedReadCloser) Read(p []byte) (int, error) {
	n, err := v.Reader.Read(p)
	if v.isNoop() {
		return n, err
	}
	v.init()
	if n > 0 {
		if nw, werr := v.digester.Hash().Write(p[:n]); nw != n || werr != nil {
			log.Fatalf("verified reader: short write to %s digester (err=%v)", v.ExpectedDigest.Algorithm(), werr)
			panic("verified reader: unreachable")
		}
	}
	if errors.Is(err, io.EOF) {
		if actual := v.digester.Digest(); actual != v.ExpectedDigest {
			err = fmt.Errorf("%w: expected %s not %s", ErrDigestMismatch, v.ExpectedDigest, actual)
		}
	}
	return n, err
}

// Close closes the underlying reader and, if no other error occurred,
// checks the digest one final time.
func (v *VerifiedReadCloser) Close() error {
	if err := v.Reader.Close(); err != nil {
		return err
	}
	if v.isNoop() {
		return nil
	}
	v.init()
	if actual := v.digester.Digest(); actual != v.ExpectedDigest {
		return fmt.Errorf("%w: expected %s not %s", ErrDigestMismatch, v.ExpectedDigest, actual)
	}
	return nil
}
