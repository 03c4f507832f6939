// Package id0 owns the ID0 section of an .i64 container: the byte range
// holding the persistent B-tree v2 namespace. It decompresses the section
// on open, exposes a btree.Tree over the decoded buffer, and re-deflates on
// commit, reporting the resulting size delta to the caller.
package id0

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/dirtree-tools/i64edit/internal/btree"
	"github.com/dirtree-tools/i64edit/internal/pagedbytes"
	"github.com/dirtree-tools/i64edit/internal/utils"
)

const (
	btreeMarker     = "B-tree v2"
	btreeMarkerOff  = 19
	controlBlockLen = 64

	// CompressionNone and CompressionDeflate are the two section prefix
	// flag values this system understands.
	CompressionNone    = 0
	CompressionDeflate = 2
)

var (
	// ErrUnknownBTreeFormat is returned when the 64-byte preamble does not
	// carry the "B-tree v2" marker at its expected offset.
	ErrUnknownBTreeFormat = errors.New("id0: unknown b-tree format")
	// ErrUnsupportedCompression is returned for a section compression flag
	// other than 0 (none) or 2 (deflate).
	ErrUnsupportedCompression = errors.New("id0: unsupported compression flag")
)

// ControlBlock is the fixed 64-byte preamble preceding the blank page and
// the tree's actual page array.
type ControlBlock struct {
	FirstFreePage  uint32
	PageSize       uint16
	FirstIndexPage uint32
	RecordCount    uint32
	PageCount      uint32
}

// Section owns the decompressed ID0 byte range and the tree built over it.
type Section struct {
	offset           int64 // byte offset of this section's prefix in the container
	compressionFlag  byte
	origPayloadLen   uint64
	decoded          []byte // control block + blank page + page array
	Control          ControlBlock
	Tree             *btree.Tree
}

// Open reads the section prefix at offset within r, inflates the payload if
// flagged, and bootstraps the tree over the decoded buffer.
func Open(r io.ReaderAt, offset int64) (*Section, error) {
	var prefix [9]byte
	if _, err := r.ReadAt(prefix[:], offset); err != nil {
		return nil, utils.WrapError("id0: reading section prefix", err)
	}
	flag := prefix[0]
	payloadLen := binary.LittleEndian.Uint64(prefix[1:9])

	var decoded []byte
	switch flag {
	case CompressionNone:
		// decoded aliases this buffer for the life of the Section (Commit
		// mutates it in place), so it is never pool-backed.
		payload := make([]byte, payloadLen)
		if _, err := r.ReadAt(payload, offset+9); err != nil {
			return nil, utils.WrapError("id0: reading section payload", err)
		}
		decoded = payload
	case CompressionDeflate:
		// The compressed payload is fully consumed by the inflater before
		// this function returns, so it can come from the shared pool.
		payload := utils.GetBuffer(int(payloadLen))
		if _, err := r.ReadAt(payload, offset+9); err != nil {
			utils.ReleaseBuffer(payload)
			return nil, utils.WrapError("id0: reading section payload", err)
		}
		inflater := flate.NewReader(bytes.NewReader(payload))
		var buf bytes.Buffer
		_, copyErr := io.Copy(&buf, inflater)
		closeErr := inflater.Close()
		utils.ReleaseBuffer(payload)
		if copyErr != nil {
			return nil, utils.WrapError("id0: inflating section", copyErr)
		}
		if closeErr != nil {
			return nil, utils.WrapError("id0: closing inflater", closeErr)
		}
		decoded = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: flag=%d", ErrUnsupportedCompression, flag)
	}

	if len(decoded) < controlBlockLen {
		return nil, fmt.Errorf("id0: decoded payload shorter than control block: %d bytes", len(decoded))
	}

	var cb ControlBlock
	cb.FirstFreePage = binary.LittleEndian.Uint32(decoded[0:4])
	cb.PageSize = binary.LittleEndian.Uint16(decoded[4:6])
	cb.FirstIndexPage = binary.LittleEndian.Uint32(decoded[6:10])
	cb.RecordCount = binary.LittleEndian.Uint32(decoded[10:14])
	cb.PageCount = binary.LittleEndian.Uint32(decoded[14:18])

	marker := decoded[btreeMarkerOff : btreeMarkerOff+len(btreeMarker)]
	if string(marker) != btreeMarker {
		return nil, ErrUnknownBTreeFormat
	}

	pageSize := int(cb.PageSize)
	pagesOffset := pageSize * 2 // control block page + blank page

	if len(decoded) < pagesOffset+int(cb.PageCount)*pageSize {
		return nil, fmt.Errorf("id0: decoded payload too short for %d pages of %d bytes", cb.PageCount, pageSize)
	}

	buf := pagedbytes.New(decoded)
	tree := btree.NewTree(buf, pagesOffset, pageSize, cb.FirstIndexPage)

	return &Section{
		offset:          offset,
		compressionFlag: flag,
		origPayloadLen:  payloadLen,
		decoded:         decoded,
		Control:         cb,
		Tree:            tree,
	}, nil
}

// Commit writes every dirty page back into the decoded buffer, re-deflates
// it if the section was compressed, and writes the new section prefix and
// payload into w at the section's offset. It returns the signed delta between the
// new and old on-disk payload lengths so IdbContainer can decide whether
// subsequent sections must be relocated.
func (s *Section) Commit(w io.WriterAt) (sizeDelta int64, err error) {
	pageSize := int(s.Control.PageSize)
	pagesOffset := pageSize * 2
	for _, page := range s.Tree.Edits().Dirty() {
		img := page.Serialise()
		off := pagesOffset + int(page.Number)*pageSize
		copy(s.decoded[off:off+pageSize], img)
	}

	var newPayload []byte
	switch s.compressionFlag {
	case CompressionNone:
		newPayload = s.decoded
	case CompressionDeflate:
		var buf bytes.Buffer
		deflater, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return 0, utils.WrapError("id0: creating deflate writer", err)
		}
		if _, err := deflater.Write(s.decoded); err != nil {
			return 0, utils.WrapError("id0: deflating section", err)
		}
		if err := deflater.Close(); err != nil {
			return 0, utils.WrapError("id0: closing deflate writer", err)
		}
		newPayload = buf.Bytes()
	default:
		return 0, fmt.Errorf("%w: flag=%d", ErrUnsupportedCompression, s.compressionFlag)
	}

	var prefix [9]byte
	prefix[0] = s.compressionFlag
	binary.LittleEndian.PutUint64(prefix[1:9], uint64(len(newPayload)))
	if _, err := w.WriteAt(prefix[:], s.offset); err != nil {
		return 0, utils.WrapError("id0: writing section prefix", err)
	}
	if _, err := w.WriteAt(newPayload, s.offset+9); err != nil {
		return 0, utils.WrapError("id0: writing section payload", err)
	}

	sizeDelta = int64(len(newPayload)) - int64(s.origPayloadLen)
	return sizeDelta, nil
}

// PagesOffset returns the byte offset, within the decoded buffer, where the
// first real B-tree page begins (after the control block page and the
// blank page).
func (s *Section) PagesOffset() int {
	return int(s.Control.PageSize) * 2
}
