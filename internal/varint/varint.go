// Package varint implements the proprietary variable-length integer encoding
// used throughout the ID0 B-tree namespace to serialise directory records.
//
// Format (from the original i64edit prototype's IdaPacker/IdaUnpacker):
//   - 0b0xxxxxxx              -> 1 byte,  7-bit value
//   - 0b10xxxxxx xxxxxxxx     -> 2 bytes, 14-bit value, big-endian
//   - 0b110xxxxx ...          -> 4 bytes, 29-bit value, big-endian
//   - 0xFF prefix             -> 5 bytes, tag + 32-bit value, big-endian
//
// 64-bit values are always transmitted as two consecutive 32-bit varints,
// low half first. Signed 64-bit values are carried as unsigned via 64-bit
// two's complement.
package varint

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrEndOfInput is returned when a decode reads past the end of the buffer.
var ErrEndOfInput = errors.New("varint: end of input")

// ErrTrailingBytes is returned by callers that expect a decode to consume a
// buffer exactly and find bytes remaining afterward.
var ErrTrailingBytes = errors.New("varint: trailing bytes after structural decode")

// DecodeU32 reads one 32-bit varint from data starting at offset.
// Returns the decoded value and the offset just past it.
func DecodeU32(data []byte, offset int) (uint32, int, error) {
	if offset >= len(data) {
		return 0, offset, ErrEndOfInput
	}

	lead := data[offset]
	switch {
	case lead < 0x80:
		return uint32(lead), offset + 1, nil
	case lead < 0xC0:
		if offset+2 > len(data) {
			return 0, offset, ErrEndOfInput
		}
		val := binary.BigEndian.Uint16(data[offset : offset+2])
		return uint32(val) & 0x3FFF, offset + 2, nil
	case lead < 0xE0:
		if offset+4 > len(data) {
			return 0, offset, ErrEndOfInput
		}
		val := binary.BigEndian.Uint32(data[offset : offset+4])
		return val & 0x1FFFFFFF, offset + 4, nil
	case lead == 0xFF:
		if offset+5 > len(data) {
			return 0, offset, ErrEndOfInput
		}
		val := binary.BigEndian.Uint32(data[offset+1 : offset+5])
		return val, offset + 5, nil
	default:
		return 0, offset, fmt.Errorf("varint: invalid lead byte 0x%02x", lead)
	}
}

// EncodeU32 appends the minimal-width encoding of v to dst and returns the
// extended slice.
func EncodeU32(dst []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v < 0x4000:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(v)|0x8000)
		return append(dst, buf[:]...)
	case v < 0x20000000:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v|0xC0000000)
		return append(dst, buf[:]...)
	default:
		buf := make([]byte, 5)
		buf[0] = 0xFF
		binary.BigEndian.PutUint32(buf[1:], v)
		return append(dst, buf...)
	}
}

// DecodeU64 reads one 64-bit value encoded as two consecutive 32-bit
// varints, low half first.
func DecodeU64(data []byte, offset int) (uint64, int, error) {
	lo, offset, err := DecodeU32(data, offset)
	if err != nil {
		return 0, offset, err
	}
	hi, offset, err := DecodeU32(data, offset)
	if err != nil {
		return 0, offset, err
	}
	return uint64(hi)<<32 | uint64(lo), offset, nil
}

// EncodeU64 appends the two-varint encoding of v (low half first).
func EncodeU64(dst []byte, v uint64) []byte {
	lo := uint32(v & 0xFFFFFFFF)
	hi := uint32(v >> 32)
	dst = EncodeU32(dst, lo)
	dst = EncodeU32(dst, hi)
	return dst
}

// DecodeS64 reads a signed 64-bit value transmitted as unsigned two's
// complement in 64 bits.
func DecodeS64(data []byte, offset int) (int64, int, error) {
	val, offset, err := DecodeU64(data, offset)
	if err != nil {
		return 0, offset, err
	}
	// uint64->int64 conversion already reinterprets the bit pattern as
	// two's complement, so no separate high-half case is needed.
	return int64(val), offset, nil
}

// EncodeS64 appends the two's-complement unsigned encoding of a signed
// 64-bit value. Go's int64->uint64 conversion already wraps negative values
// to their 64-bit two's complement bit pattern.
func EncodeS64(dst []byte, v int64) []byte {
	return EncodeU64(dst, uint64(v))
}
