// Package container parses and rewrites the outer .i64 file format: the
// magic, the fixed 15-field offset/checksum header, and the section
// relocation required when the ID0 section's on-disk size changes.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dirtree-tools/i64edit/internal/id0"
	"github.com/dirtree-tools/i64edit/internal/utils"
)

const (
	magicLen    = 6
	magicPrefix = "IDA2"
	// headerFields is the number of native-width values the fixed header
	// unpacks to, per the original "QQLLHQQQ5LQL" struct format
	// (Q,Q,L,L,H,Q,Q,Q, five more L's, Q,L -> 15 values).
	headerFields = 15
)

// offsetFieldIndexes and checksumFieldIndexes name which of the header's
// 15 fields are section offsets and which are their checksums. The header
// vector's field order does not match section storage order; callers must
// index by these fixed positions, not by section index.
var (
	offsetFieldIndexes   = [6]int{0, 1, 5, 6, 7, 13}
	checksumFieldIndexes = [6]int{8, 9, 10, 11, 12, 14}
)

// fieldWidths gives the byte width of each of the 15 header fields: Q=8,
// L=4, H=2.
var fieldWidths = [headerFields]int{8, 8, 4, 4, 2, 8, 8, 8, 4, 4, 4, 4, 4, 8, 4}

// ErrBadMagic is returned when the file does not start with "IDA2".
var ErrBadMagic = errors.New("container: bad magic")

// Container is an open .i64 file: its header plus the ability to commit
// mutations (relocating sections when the ID0 payload grows).
type Container struct {
	f             *os.File
	headerOffset  int64 // byte offset of the header (right after the magic)
	fieldOffsets  [headerFields]int64
	rawFields     [headerFields]uint64 // every parsed field, including the 3 that are neither offset nor checksum
	Offsets       [6]uint64
	Checksums     [6]uint32
	Id0SectionOff int64
}

// Open parses the container header from an already-opened read/write file.
func Open(f *os.File) (*Container, error) {
	var magic [magicLen]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return nil, utils.WrapError("container: reading magic", err)
	}
	if len(magicPrefix) > len(magic) || string(magic[:len(magicPrefix)]) != magicPrefix {
		return nil, ErrBadMagic
	}

	c := &Container{f: f, headerOffset: magicLen}

	values := make([]uint64, headerFields)
	off := c.headerOffset
	for i, width := range fieldWidths {
		c.fieldOffsets[i] = off
		buf := make([]byte, width)
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, utils.WrapError(fmt.Sprintf("container: reading header field %d", i), err)
		}
		values[i] = readUintLE(buf)
		off += int64(width)
	}

	copy(c.rawFields[:], values)
	for i, idx := range offsetFieldIndexes {
		c.Offsets[i] = values[idx]
	}
	for i, idx := range checksumFieldIndexes {
		c.Checksums[i] = uint32(values[idx])
	}
	c.Id0SectionOff = int64(c.Offsets[0])

	return c, nil
}

func readUintLE(b []byte) uint64 {
	switch len(b) {
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		panic(fmt.Sprintf("container: unsupported field width %d", len(b)))
	}
}

func writeUintLE(b []byte, v uint64) {
	switch len(b) {
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		panic(fmt.Sprintf("container: unsupported field width %d", len(b)))
	}
}

// OpenId0 opens the ID0 section at this container's recorded offset.
func (c *Container) OpenId0() (*id0.Section, error) {
	return id0.Open(c.f, c.Id0SectionOff)
}

// Commit writes the ID0 section via section.Commit, then — if its on-disk
// size grew — relocates every subsequent section tail-first (highest
// offset moved first) so a crash mid-relocation never strands a section
// the header still points at a destroyed range. The header is always
// rewritten last, whether or not relocation happened.
func (c *Container) Commit(section *id0.Section) error {
	delta, err := section.Commit(c.f)
	if err != nil {
		return err
	}

	if delta > 0 {
		if err := c.relocateFollowing(0, delta); err != nil {
			return err
		}
	}

	return c.writeHeader()
}

// relocateFollowing shifts every section after index idx (in offset order,
// not field order) forward by delta bytes, moving the section with the
// highest offset first.
func (c *Container) relocateFollowing(idx int, delta int64) error {
	type entry struct {
		fieldPos int
		offset   uint64
	}
	var following []entry
	for i, off := range c.Offsets {
		if i == idx {
			continue
		}
		if off > c.Offsets[idx] {
			following = append(following, entry{i, off})
		}
	}
	sort.Slice(following, func(a, b int) bool { return following[a].offset > following[b].offset })

	for _, e := range following {
		payload, prefix, err := c.readSection(int64(e.offset))
		if err != nil {
			return err
		}
		newOffset := int64(e.offset) + delta
		if _, err := c.f.WriteAt(prefix, newOffset); err != nil {
			utils.ReleaseBuffer(payload)
			return utils.WrapError("container: relocating section prefix", err)
		}
		if _, err := c.f.WriteAt(payload, newOffset+9); err != nil {
			utils.ReleaseBuffer(payload)
			return utils.WrapError("container: relocating section payload", err)
		}
		utils.ReleaseBuffer(payload)
		c.Offsets[e.fieldPos] = uint64(newOffset)
	}
	return nil
}

// readSection reads a section's 9-byte (compression_flag, payload_length)
// prefix and its full payload, without interpreting either.
func (c *Container) readSection(offset int64) (payload, prefix []byte, err error) {
	prefix = make([]byte, 9)
	if _, err := c.f.ReadAt(prefix, offset); err != nil {
		return nil, nil, utils.WrapError("container: reading section prefix", err)
	}
	payloadLen := binary.LittleEndian.Uint64(prefix[1:9])
	payload = utils.GetBuffer(int(payloadLen))
	if _, err := c.f.ReadAt(payload, offset+9); err != nil {
		utils.ReleaseBuffer(payload)
		return nil, nil, utils.WrapError("container: reading section payload", err)
	}
	return payload, prefix, nil
}

// writeHeader rewrites all 15 header fields. It starts from the raw values
// parsed at Open so the three fields that are neither an offset nor a
// checksum (spec's other carried-through fields, at indexes 2,3,4) survive
// unchanged; only the offset and checksum fields are ever replaced.
func (c *Container) writeHeader() error {
	values := c.rawFields
	for i, idx := range offsetFieldIndexes {
		values[idx] = c.Offsets[i]
	}
	for i, idx := range checksumFieldIndexes {
		values[idx] = uint64(c.Checksums[i])
	}

	for i, width := range fieldWidths {
		buf := make([]byte, width)
		writeUintLE(buf, values[i])
		if _, err := c.f.WriteAt(buf, c.fieldOffsets[i]); err != nil {
			return utils.WrapError(fmt.Sprintf("container: writing header field %d", i), err)
		}
	}
	return nil
}

// Close releases the underlying file handle.
func (c *Container) Close() error {
	return c.f.Close()
}
