package id0

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"

	"github.com/dirtree-tools/i64edit/internal/fixture"
)

// buildDecodedId0 assembles a minimal ID0 payload: a control-block page, a
// blank page, and one leaf page with a single record.
func buildDecodedId0(t *testing.T, pageSize int) []byte {
	t.Helper()

	decoded := make([]byte, pageSize*3) // control page + blank page + 1 tree page

	binary.LittleEndian.PutUint32(decoded[0:4], 0)             // first_free
	binary.LittleEndian.PutUint16(decoded[4:6], uint16(pageSize))
	binary.LittleEndian.PutUint32(decoded[6:10], 0)  // first_index_page (the one tree page, numbered 0)
	binary.LittleEndian.PutUint32(decoded[10:14], 1) // record_count
	binary.LittleEndian.PutUint32(decoded[14:18], 1) // page_count
	copy(decoded[19:19+len(btreeMarker)], btreeMarker)

	page := decoded[pageSize*2 : pageSize*3]
	binary.LittleEndian.PutUint32(page[0:4], 0) // preceding_page = 0 -> leaf
	binary.LittleEndian.PutUint16(page[4:6], 1) // entry_count = 1

	key := []byte("Nhello")
	val := []byte("world")
	recSize := 2 + len(key) + 2 + len(val)
	dataStart := pageSize - recSize

	binary.LittleEndian.PutUint16(page[6:8], 0)                    // key_prefix_len
	binary.LittleEndian.PutUint16(page[8:10], 0)                   // unused
	binary.LittleEndian.PutUint16(page[10:12], uint16(dataStart))  // record_offset

	trailerOff := 12
	binary.LittleEndian.PutUint32(page[trailerOff:], 0)
	binary.LittleEndian.PutUint16(page[trailerOff+4:], uint16(dataStart))

	binary.LittleEndian.PutUint16(page[dataStart:], uint16(len(key)))
	copy(page[dataStart+2:], key)
	binary.LittleEndian.PutUint16(page[dataStart+2+len(key):], uint16(len(val)))
	copy(page[dataStart+2+len(key)+2:], val)

	return decoded
}

func wrapSection(t *testing.T, decoded []byte, flag byte) []byte {
	t.Helper()
	var payload []byte
	if flag == CompressionDeflate {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, err = w.Write(decoded)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		payload = buf.Bytes()
	} else {
		payload = decoded
	}

	var out bytes.Buffer
	out.WriteByte(flag)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	out.Write(lenBuf[:])
	out.Write(payload)
	return out.Bytes()
}

func TestOpenUncompressed(t *testing.T) {
	const pageSize = 128
	decoded := buildDecodedId0(t, pageSize)
	section := wrapSection(t, decoded, CompressionNone)
	r := fixture.NewMockReaderAt(section)

	s, err := Open(r, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(pageSize), s.Control.PageSize)
	require.Equal(t, uint32(1), s.Control.RecordCount)

	page, err := s.Tree.ReadPage(0)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), page.Records[0].Val)
}

func TestOpenDeflated(t *testing.T) {
	const pageSize = 128
	decoded := buildDecodedId0(t, pageSize)
	section := wrapSection(t, decoded, CompressionDeflate)
	r := fixture.NewMockReaderAt(section)

	s, err := Open(r, 0)
	require.NoError(t, err)
	page, err := s.Tree.ReadPage(0)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), page.Records[0].Val)
}

func TestOpenRejectsUnknownMarker(t *testing.T) {
	const pageSize = 128
	decoded := buildDecodedId0(t, pageSize)
	copy(decoded[19:], []byte("garbage!!"))
	section := wrapSection(t, decoded, CompressionNone)
	r := fixture.NewMockReaderAt(section)

	_, err := Open(r, 0)
	require.ErrorIs(t, err, ErrUnknownBTreeFormat)
}

type memWriterAt struct {
	data []byte
}

func (m *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func TestCommitRewritesDirtyPageAndReportsSizeDelta(t *testing.T) {
	const pageSize = 128
	decoded := buildDecodedId0(t, pageSize)
	section := wrapSection(t, decoded, CompressionNone)
	r := fixture.NewMockReaderAt(section)

	s, err := Open(r, 0)
	require.NoError(t, err)

	page, err := s.Tree.ReadPage(0)
	require.NoError(t, err)
	require.NoError(t, page.Modify(0, []byte("WORLD!")))
	s.Tree.WritePage(page)

	w := &memWriterAt{data: make([]byte, len(section))}
	delta, err := s.Commit(w)
	require.NoError(t, err)
	// Uncompressed sections carry the page array at a fixed total size;
	// growing one record's value only shifts bytes within its page, so the
	// on-disk payload length (and thus size_delta) does not change.
	require.Equal(t, int64(0), delta)

	reopened, err := Open(fixture.NewMockReaderAt(w.data), 0)
	require.NoError(t, err)
	page2, err := reopened.Tree.ReadPage(0)
	require.NoError(t, err)
	require.Equal(t, []byte("WORLD!"), page2.Records[0].Val)
}
