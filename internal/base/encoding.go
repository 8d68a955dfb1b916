package base

import "encoding/binary"

// The file format stores all multi-byte integers big-endian and all
// key/length fields as variable-length integers: up to eight bytes holding
// seven value bits each (high bit = continuation), with an optional ninth
// byte holding a full eight bits.

// GetU16 reads a big-endian uint16 at off. Returns 0 if out of range;
// callers that need bounds errors check len themselves first.
func GetU16(b []byte, off int) uint16 {
	if off < 0 || off+2 > len(b) {
		return 0
	}
	return binary.BigEndian.Uint16(b[off:])
}

// GetU32 reads a big-endian uint32 at off.
func GetU32(b []byte, off int) uint32 {
	if off < 0 || off+4 > len(b) {
		return 0
	}
	return binary.BigEndian.Uint32(b[off:])
}

// PutU16 writes a big-endian uint16 at off.
func PutU16(b []byte, off int, v uint16) {
	binary.BigEndian.PutUint16(b[off:], v)
}

// PutU32 writes a big-endian uint32 at off.
func PutU32(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:], v)
}

// GetVarint decodes a varint starting at the beginning of b.
// Returns the value and the number of bytes consumed (0 if b is empty).
func GetVarint(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		c := b[i]
		v = (v << 7) | uint64(c&0x7f)
		if c&0x80 == 0 {
			return v, i + 1
		}
	}
	if len(b) < 9 {
		return 0, 0
	}
	v = (v << 8) | uint64(b[8])
	return v, 9
}

// VarintLen reports how many bytes PutVarint will use for v.
func VarintLen(v uint64) int {
	if v <= 0x7f {
		return 1
	}
	if v > 0x00ffffffffffffff {
		return 9
	}
	n := 0
	for v > 0 {
		n++
		v >>= 7
	}
	return n
}

// PutVarint encodes v at the start of b, which must have room
// (VarintLen(v) bytes). Returns the number of bytes written.
func PutVarint(b []byte, v uint64) int {
	n := VarintLen(v)
	if n == 9 {
		b[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			b[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}
	for i := n - 1; i >= 0; i-- {
		if i == n-1 {
			b[i] = byte(v & 0x7f)
		} else {
			b[i] = byte(v&0x7f) | 0x80
		}
		v >>= 7
	}
	return n
}

// AppendVarint appends the varint encoding of v to dst.
func AppendVarint(dst []byte, v uint64) []byte {
	var buf [9]byte
	n := PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}
