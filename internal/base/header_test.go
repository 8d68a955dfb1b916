package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	h := NewHeader(4096, 32, true, true, true)
	h.ChangeCounter = 7
	h.VersionValid = 7
	h.PageCount = 42
	h.FreelistTrunk = 9
	h.FreelistCount = 3
	h.SchemaCookie = 11
	h.UserVersion = 0xdeadbeef
	h.ApplicationID = 0x1234

	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.IsWAL())
	assert.True(t, got.AutoVacuum())
	assert.Equal(t, uint32(4096-32), got.UsableSize())
}

func TestHeaderNewDefaults(t *testing.T) {
	t.Parallel()

	h := NewHeader(4096, 0, false, false, false)
	assert.Equal(t, byte(1), h.WriteVersion)
	assert.Equal(t, byte(1), h.ReadVersion)
	assert.Equal(t, uint32(1), h.PageCount)
	assert.Equal(t, uint32(4), h.SchemaFormat)
	assert.Equal(t, uint32(1), h.TextEncoding)
	assert.Equal(t, uint32(SoftwareVersion), h.SoftwareVer)
	assert.False(t, h.IsWAL())
	assert.False(t, h.AutoVacuum())
	assert.Equal(t, Pgno(0), h.LargestRoot)
}

func TestHeaderMaxPageSizeEncodesAsOne(t *testing.T) {
	t.Parallel()

	h := NewHeader(MaxPageSize, 0, false, false, false)
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	// 65536 does not fit in the 16-bit field; the format stores it as 1.
	assert.Equal(t, uint16(1), GetU16(buf, 16))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(MaxPageSize), got.PageSize)
}

func TestHeaderBadMagic(t *testing.T) {
	t.Parallel()

	h := NewHeader(4096, 0, false, false, false)
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	buf[0] = 'X'

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrNotADB)
}

func TestHeaderDecodeRejects(t *testing.T) {
	t.Parallel()

	valid := func() []byte {
		h := NewHeader(4096, 0, false, false, false)
		buf := make([]byte, HeaderSize)
		h.Encode(buf)
		return buf
	}

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeHeader(valid()[:50])
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("page size not power of two", func(t *testing.T) {
		t.Parallel()
		buf := valid()
		PutU16(buf, 16, 3000)
		_, err := DecodeHeader(buf)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("page size too small", func(t *testing.T) {
		t.Parallel()
		buf := valid()
		PutU16(buf, 16, 256)
		_, err := DecodeHeader(buf)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("payload fractions", func(t *testing.T) {
		t.Parallel()
		buf := valid()
		buf[21] = 65
		_, err := DecodeHeader(buf)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("reserved space leaves no room", func(t *testing.T) {
		t.Parallel()
		h := NewHeader(512, 0, false, false, false)
		buf := make([]byte, HeaderSize)
		h.Encode(buf)
		buf[20] = 200
		_, err := DecodeHeader(buf)
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestLockBytePage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Pgno(0x40000000/512+1), LockBytePage(512))
	assert.Equal(t, Pgno(0x40000000/4096+1), LockBytePage(4096))
	assert.Equal(t, Pgno(0x40000000/65536+1), LockBytePage(65536))
}
