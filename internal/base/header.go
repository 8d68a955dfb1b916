package base

import "bytes"

// Version number written into the header's software-version field. Matches
// the reference engine release whose format this engine implements.
const SoftwareVersion = 3045000

// Header field byte offsets within the first 100 bytes of page 1.
const (
	hdrOffPageSize       = 16
	hdrOffWriteVersion   = 18
	hdrOffReadVersion    = 19
	hdrOffReserved       = 20
	hdrOffMaxEmbedFrac   = 21
	hdrOffMinEmbedFrac   = 22
	hdrOffLeafFrac       = 23
	hdrOffChangeCounter  = 24
	hdrOffPageCount      = 28
	hdrOffFreelistTrunk  = 32
	hdrOffFreelistCount  = 36
	hdrOffSchemaCookie   = 40
	hdrOffSchemaFormat   = 44
	hdrOffCacheSize      = 48
	hdrOffLargestRoot    = 52
	hdrOffTextEncoding   = 56
	hdrOffUserVersion    = 60
	hdrOffIncrVacuum     = 64
	hdrOffApplicationID  = 68
	hdrOffVersionValid   = 92
	hdrOffSoftwareVer    = 96
)

// Fixed payload fractions. These have been constant in the format since its
// inception; any other value is rejected as corruption.
const (
	MaxEmbedFrac = 64
	MinEmbedFrac = 32
	LeafFrac     = 32
)

// Header is the decoded 100-byte database header.
type Header struct {
	PageSize      uint32 // 512..65536, power of two
	WriteVersion  byte   // 1 = rollback journal, 2 = WAL
	ReadVersion   byte
	ReservedSpace byte // unused bytes at the end of every page
	ChangeCounter uint32
	PageCount     uint32
	FreelistTrunk Pgno // first freelist trunk page, 0 if none
	FreelistCount uint32
	SchemaCookie  uint32
	SchemaFormat  uint32
	CacheSize     uint32
	LargestRoot   Pgno // nonzero iff auto-vacuum is enabled
	TextEncoding  uint32
	UserVersion   uint32
	IncrVacuum    uint32 // nonzero = incremental-vacuum mode
	ApplicationID uint32
	VersionValid  uint32
	SoftwareVer   uint32
}

// NewHeader returns a header for a freshly created database file.
func NewHeader(pageSize uint32, reserved byte, wal, autoVacuum, incrVacuum bool) Header {
	h := Header{
		PageSize:      pageSize,
		WriteVersion:  1,
		ReadVersion:   1,
		ReservedSpace: reserved,
		PageCount:     1,
		SchemaFormat:  4,
		CacheSize:     0,
		TextEncoding:  1, // UTF-8
		SoftwareVer:   SoftwareVersion,
	}
	if wal {
		h.WriteVersion = 2
		h.ReadVersion = 2
	}
	if autoVacuum || incrVacuum {
		h.LargestRoot = 1
	}
	if incrVacuum {
		h.IncrVacuum = 1
	}
	return h
}

// AutoVacuum reports whether the file carries pointer-map pages.
func (h Header) AutoVacuum() bool { return h.LargestRoot != 0 }

// UsableSize is the portion of every page available to the b-tree layer.
func (h Header) UsableSize() uint32 { return h.PageSize - uint32(h.ReservedSpace) }

// IsWAL reports whether the file uses write-ahead logging.
func (h Header) IsWAL() bool { return h.WriteVersion >= 2 }

// DecodeHeader parses and validates the first 100 bytes of page 1.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, Corruptf("header truncated: %d bytes", len(b))
	}
	if !bytes.Equal(b[:16], MagicString[:]) {
		return h, ErrNotADB
	}
	ps := uint32(GetU16(b, hdrOffPageSize))
	if ps == 1 {
		ps = MaxPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return h, Corruptf("invalid page size %d", ps)
	}
	if b[hdrOffMaxEmbedFrac] != MaxEmbedFrac || b[hdrOffMinEmbedFrac] != MinEmbedFrac || b[hdrOffLeafFrac] != LeafFrac {
		return h, Corruptf("invalid payload fractions")
	}
	if ps-uint32(b[hdrOffReserved]) < 480 {
		return h, Corruptf("usable page size below minimum")
	}
	h.PageSize = ps
	h.WriteVersion = b[hdrOffWriteVersion]
	h.ReadVersion = b[hdrOffReadVersion]
	h.ReservedSpace = b[hdrOffReserved]
	h.ChangeCounter = GetU32(b, hdrOffChangeCounter)
	h.PageCount = GetU32(b, hdrOffPageCount)
	h.FreelistTrunk = Pgno(GetU32(b, hdrOffFreelistTrunk))
	h.FreelistCount = GetU32(b, hdrOffFreelistCount)
	h.SchemaCookie = GetU32(b, hdrOffSchemaCookie)
	h.SchemaFormat = GetU32(b, hdrOffSchemaFormat)
	h.CacheSize = GetU32(b, hdrOffCacheSize)
	h.LargestRoot = Pgno(GetU32(b, hdrOffLargestRoot))
	h.TextEncoding = GetU32(b, hdrOffTextEncoding)
	h.UserVersion = GetU32(b, hdrOffUserVersion)
	h.IncrVacuum = GetU32(b, hdrOffIncrVacuum)
	h.ApplicationID = GetU32(b, hdrOffApplicationID)
	h.VersionValid = GetU32(b, hdrOffVersionValid)
	h.SoftwareVer = GetU32(b, hdrOffSoftwareVer)
	return h, nil
}

// Encode writes the header into the first 100 bytes of b.
func (h *Header) Encode(b []byte) {
	copy(b[:16], MagicString[:])
	if h.PageSize == MaxPageSize {
		PutU16(b, hdrOffPageSize, 1)
	} else {
		PutU16(b, hdrOffPageSize, uint16(h.PageSize))
	}
	b[hdrOffWriteVersion] = h.WriteVersion
	b[hdrOffReadVersion] = h.ReadVersion
	b[hdrOffReserved] = h.ReservedSpace
	b[hdrOffMaxEmbedFrac] = MaxEmbedFrac
	b[hdrOffMinEmbedFrac] = MinEmbedFrac
	b[hdrOffLeafFrac] = LeafFrac
	PutU32(b, hdrOffChangeCounter, h.ChangeCounter)
	PutU32(b, hdrOffPageCount, h.PageCount)
	PutU32(b, hdrOffFreelistTrunk, uint32(h.FreelistTrunk))
	PutU32(b, hdrOffFreelistCount, h.FreelistCount)
	PutU32(b, hdrOffSchemaCookie, h.SchemaCookie)
	PutU32(b, hdrOffSchemaFormat, h.SchemaFormat)
	PutU32(b, hdrOffCacheSize, h.CacheSize)
	PutU32(b, hdrOffLargestRoot, uint32(h.LargestRoot))
	PutU32(b, hdrOffTextEncoding, h.TextEncoding)
	PutU32(b, hdrOffUserVersion, h.UserVersion)
	PutU32(b, hdrOffIncrVacuum, h.IncrVacuum)
	PutU32(b, hdrOffApplicationID, h.ApplicationID)
	PutU32(b, hdrOffVersionValid, h.VersionValid)
	PutU32(b, hdrOffSoftwareVer, h.SoftwareVer)
}
