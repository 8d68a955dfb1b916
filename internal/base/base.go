// Package base holds the types, constants, and byte-level codecs shared by
// every layer of the storage engine: page numbers, the error taxonomy, the
// 100-byte database header, and the varint/big-endian encodings the file
// format is built from.
package base

// Pgno is a 1-based page number. Page references in the file (child
// pointers, overflow links, freelist entries) are stored as big-endian
// 32-bit page numbers; 0 means "no page".
type Pgno uint32

const (
	// DefaultPageSize is used when creating a new database file.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound the page size accepted from a
	// database header. Sizes must be powers of two.
	MinPageSize = 512
	MaxPageSize = 65536

	// HeaderSize is the size of the database header at the start of page 1.
	HeaderSize = 100

	// PendingByte is the file offset of the byte used for the PENDING lock.
	// The page containing it is the lock-byte page and is never used for
	// data. ReservedByte and the SHARED range follow it.
	PendingByte  = 0x40000000
	ReservedByte = PendingByte + 1
	SharedFirst  = PendingByte + 2
	SharedSize   = 510
)

// LockBytePage reports the page number of the lock-byte page for the given
// page size, or 0 if the file is too small to contain it.
func LockBytePage(pageSize uint32) Pgno {
	return Pgno(PendingByte/pageSize) + 1
}

// B-tree page type flags (first byte of the page header).
const (
	PageIndexInterior byte = 2
	PageTableInterior byte = 5
	PageIndexLeaf     byte = 10
	PageTableLeaf     byte = 13
)

// Pointer-map entry types (auto-vacuum databases only).
const (
	PtrmapRootPage  byte = 1 // page is a b-tree root; no parent
	PtrmapFreePage  byte = 2 // page is on the freelist
	PtrmapOverflow1 byte = 3 // first page of an overflow chain; parent is the b-tree page
	PtrmapOverflow2 byte = 4 // later overflow page; parent is the previous overflow page
	PtrmapBtree     byte = 5 // non-root b-tree page; parent is the interior page above it
)

// MagicString is the first 16 bytes of every database file.
var MagicString = [16]byte{'S', 'Q', 'L', 'i', 't', 'e', ' ', 'f', 'o', 'r', 'm', 'a', 't', ' ', '3', 0}
