// SPDX-License-Identifier: Apache-2.0

package diskarchive

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUTF16ToStringDecodesLittleEndian(t *testing.T) {
	// "AB" as UTF-16LE code units.
	raw := []byte{'A', 0, 'B', 0}
	assert.Equal(t, "AB", utf16ToString(raw))
}

func TestUTF16ToStringEmpty(t *testing.T) {
	assert.Equal(t, "", utf16ToString(nil))
}

func TestSecurityBlockLengthAlignsToEightBytes(t *testing.T) {
	// One 5-byte descriptor: header(4 reserved + 4 numEntries) + one 8-byte
	// size field + 5 bytes of descriptor data = 21 bytes, aligned up to 24.
	raw := make([]byte, 30)
	binary.LittleEndian.PutUint32(raw[4:8], 1)
	binary.LittleEndian.PutUint64(raw[8:16], 5)
	assert.Equal(t, 24, securityBlockLength(raw))
}

func TestSecurityBlockLengthClampsToBufferLength(t *testing.T) {
	raw := make([]byte, 20)
	binary.LittleEndian.PutUint32(raw[4:8], 1)
	binary.LittleEndian.PutUint64(raw[8:16], 100) // huge descriptor, way past raw's bounds
	assert.Equal(t, len(raw), securityBlockLength(raw))
}

func TestSecurityBlockLengthTooShortForHeader(t *testing.T) {
	assert.Equal(t, 4, securityBlockLength(make([]byte, 4)))
}

func TestFileTimeZeroIsZeroTime(t *testing.T) {
	assert.True(t, fileTime{}.toTime().IsZero())
}

func TestFileTimeConvertsFiletimeEpoch(t *testing.T) {
	// One second (10,000,000 ticks) past the FILETIME epoch (1601-01-01)
	// must land one second after that epoch, not at the Unix epoch.
	ft := fileTime{LowDateTime: 10000000, HighDateTime: 0} // 1 second, in 100ns ticks
	got := ft.toTime()
	want := time.Date(1601, 1, 1, 0, 0, 1, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v, want %v", got, want)
}
