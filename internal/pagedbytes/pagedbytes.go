// Package pagedbytes provides a bounds-checked, mutable, cursor-based byte
// buffer used to parse and rebuild B-tree pages and sections in place.
//
// It collapses the distinct reader/writer/file abstractions of the original
// prototype (separate BytesReader, BytesWriter, FileHandler types) into a
// single buffer type, per the REDESIGN FLAGS in the specification this
// module implements.
package pagedbytes

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrReadOverrun is returned when a read would exceed the buffer bounds.
var ErrReadOverrun = errors.New("pagedbytes: read overrun")

// ErrWriteOverrun is returned when a write would exceed the buffer bounds.
var ErrWriteOverrun = errors.New("pagedbytes: write overrun")

// PagedBytes is a mutable byte buffer with a cursor, bounds-checked
// little-endian typed reads/writes, and optional coverage tracking.
type PagedBytes struct {
	data     []byte
	pos      int
	coverage []bool // optional diagnostic: which bytes have been touched
	track    bool
}

// New wraps an existing byte slice. The slice is used directly, not copied;
// writes mutate it in place.
func New(data []byte) *PagedBytes {
	return &PagedBytes{data: data}
}

// NewWithCoverage wraps data and enables coverage tracking, mirroring the
// prototype's diagnostic get_coverage() helper.
func NewWithCoverage(data []byte) *PagedBytes {
	return &PagedBytes{data: data, coverage: make([]bool, len(data)), track: true}
}

// Len returns the total buffer length.
func (p *PagedBytes) Len() int { return len(p.data) }

// Tell returns the current cursor position.
func (p *PagedBytes) Tell() int { return p.pos }

// Seek repositions the cursor. It does not bounds-check against Len(); the
// bounds check happens on the next read/write.
func (p *PagedBytes) Seek(offset int) { p.pos = offset }

// Bytes returns the underlying buffer. Callers must not resize it.
func (p *PagedBytes) Bytes() []byte { return p.data }

func (p *PagedBytes) markCovered(start, end int) {
	if !p.track {
		return
	}
	for i := start; i < end; i++ {
		p.coverage[i] = true
	}
}

// Read reads n bytes at the current cursor and advances it.
func (p *PagedBytes) Read(n int) ([]byte, error) {
	end := p.pos + n
	if end > len(p.data) || p.pos < 0 {
		return nil, fmt.Errorf("%w: want %d bytes at %d, have %d", ErrReadOverrun, n, p.pos, len(p.data))
	}
	ret := p.data[p.pos:end]
	p.markCovered(p.pos, end)
	p.pos = end
	return ret, nil
}

// ReadAt reads n bytes at a fixed offset without moving the cursor.
func (p *PagedBytes) ReadAt(offset, n int) ([]byte, error) {
	end := offset + n
	if offset < 0 || end > len(p.data) {
		return nil, fmt.Errorf("%w: want %d bytes at %d, have %d", ErrReadOverrun, n, offset, len(p.data))
	}
	p.markCovered(offset, end)
	return p.data[offset:end], nil
}

// ReadU8 reads one byte.
func (p *PagedBytes) ReadU8() (uint8, error) {
	b, err := p.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a little-endian uint16.
func (p *PagedBytes) ReadU16() (uint16, error) {
	b, err := p.Read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads a little-endian uint32.
func (p *PagedBytes) ReadU32() (uint32, error) {
	b, err := p.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a little-endian uint64.
func (p *PagedBytes) ReadU64() (uint64, error) {
	b, err := p.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write writes bin at the current cursor and advances it.
func (p *PagedBytes) Write(bin []byte) error {
	end := p.pos + len(bin)
	if end > len(p.data) || p.pos < 0 {
		return fmt.Errorf("%w: want %d bytes at %d, have %d", ErrWriteOverrun, len(bin), p.pos, len(p.data))
	}
	copy(p.data[p.pos:end], bin)
	p.markCovered(p.pos, end)
	p.pos = end
	return nil
}

// WriteAt writes bin at a fixed offset without moving the cursor.
func (p *PagedBytes) WriteAt(offset int, bin []byte) error {
	end := offset + len(bin)
	if offset < 0 || end > len(p.data) {
		return fmt.Errorf("%w: want %d bytes at %d, have %d", ErrWriteOverrun, len(bin), offset, len(p.data))
	}
	copy(p.data[offset:end], bin)
	p.markCovered(offset, end)
	return nil
}

// WriteU8 writes one byte.
func (p *PagedBytes) WriteU8(v uint8) error {
	return p.Write([]byte{v})
}

// WriteU16 writes a little-endian uint16.
func (p *PagedBytes) WriteU16(v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return p.Write(buf[:])
}

// WriteU32 writes a little-endian uint32.
func (p *PagedBytes) WriteU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return p.Write(buf[:])
}

// WriteU64 writes a little-endian uint64.
func (p *PagedBytes) WriteU64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return p.Write(buf[:])
}

// Coverage renders the touched/untouched byte ranges as a run-length encoded
// diagnostic string, e.g. "false*64, true*8128". Returns "" if coverage
// tracking was not enabled.
func (p *PagedBytes) Coverage() string {
	if !p.track {
		return ""
	}
	var ret string
	state := -1
	count := 0
	for _, touched := range p.coverage {
		v := 0
		if touched {
			v = 1
		}
		if v != state {
			if count > 0 {
				ret += fmt.Sprintf("%v*%d, ", state == 1, count)
			}
			state = v
			count = 1
		} else {
			count++
		}
	}
	ret += fmt.Sprintf("%v*%d", state == 1, count)
	return ret
}
