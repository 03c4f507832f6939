package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirtree-tools/i64edit/internal/pagedbytes"
)

func buildIndexPage(t *testing.T, pageSize int, preceding uint32, children []uint32, keys [][]byte) []byte {
	t.Helper()
	require.Equal(t, len(children), len(keys))

	data := make([]byte, pageSize)
	putU32(data[0:], preceding)
	putU16(data[4:], uint16(len(keys)))

	slotBase := 6
	dataStart := pageSize - 6
	offsets := make([]int, len(keys))
	cursor := dataStart
	for i := range keys {
		size := 2 + len(keys[i]) + 2 // val_len=0, no value bytes
		cursor -= size
		offsets[i] = cursor
	}
	dataStart = cursor

	for i := range keys {
		so := slotBase + i*6
		putU32(data[so:], children[i])
		putU16(data[so+4:], uint16(offsets[i]))

		ro := offsets[i]
		putU16(data[ro:], uint16(len(keys[i])))
		copy(data[ro+2:], keys[i])
		putU16(data[ro+2+len(keys[i]):], 0)
	}

	trailerOff := slotBase + len(keys)*6
	putU32(data[trailerOff:], 0)
	putU16(data[trailerOff+4:], uint16(dataStart))
	return data
}

// buildFixtureTree assembles a 3-page tree: page 0 is an index page whose
// preceding child is page 1 (keys a, b) and whose single slot routes to
// page 2 (keys c, d).
func buildFixtureTree(t *testing.T) *Tree {
	t.Helper()
	const pageSize = 256

	leaf1 := buildLeafPage(t, pageSize, [][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("1"), []byte("2")})
	leaf2 := buildLeafPage(t, pageSize, [][]byte{[]byte("c"), []byte("d")}, [][]byte{[]byte("3"), []byte("4")})
	index := buildIndexPage(t, pageSize, 1, []uint32{2}, [][]byte{[]byte("c")})

	full := append(append(append([]byte{}, index...), leaf1...), leaf2...)
	buf := pagedbytes.New(full)
	return NewTree(buf, 0, pageSize, 0)
}

func TestTreeFindExact(t *testing.T) {
	tree := buildFixtureTree(t)

	cur, err := tree.Find(ReqEQ, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), cur.Page().Records[cur.Slot()].Val)

	cur, err = tree.Find(ReqEQ, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), cur.Page().Records[cur.Slot()].Val)

	_, err = tree.Find(ReqEQ, []byte("z"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTreeFindGEAcrossPages(t *testing.T) {
	tree := buildFixtureTree(t)

	// "bz" falls strictly between "b" (leaf1) and "c" (leaf2): GE must
	// cross the page boundary to land on "c".
	cur, err := tree.Find(ReqGE, []byte("bz"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), cur.Page().Records[cur.Slot()].Val)
}

func TestTreeFindLEAcrossPages(t *testing.T) {
	tree := buildFixtureTree(t)

	cur, err := tree.Find(ReqLE, []byte("bz"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), cur.Page().Records[cur.Slot()].Val)
}

func TestCursorNextCrossesPageBoundary(t *testing.T) {
	tree := buildFixtureTree(t)

	cur, err := tree.Find(ReqEQ, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, cur.Next())
	require.False(t, cur.AtEnd())
	require.Equal(t, []byte("3"), cur.Page().Records[cur.Slot()].Val)

	require.NoError(t, cur.Next())
	require.False(t, cur.AtEnd())
	require.Equal(t, []byte("4"), cur.Page().Records[cur.Slot()].Val)

	require.NoError(t, cur.Next())
	require.True(t, cur.AtEnd())
}

func TestCursorPrevCrossesPageBoundary(t *testing.T) {
	tree := buildFixtureTree(t)

	cur, err := tree.Find(ReqEQ, []byte("c"))
	require.NoError(t, err)

	require.NoError(t, cur.Prev())
	require.False(t, cur.AtEnd())
	require.Equal(t, []byte("2"), cur.Page().Records[cur.Slot()].Val)

	require.NoError(t, cur.Prev())
	require.False(t, cur.AtEnd())
	require.Equal(t, []byte("1"), cur.Page().Records[cur.Slot()].Val)

	require.NoError(t, cur.Prev())
	require.True(t, cur.AtEnd())
}

func TestTreeReadPagePrefersDirtyCopy(t *testing.T) {
	tree := buildFixtureTree(t)

	leaf1, err := tree.ReadPage(1)
	require.NoError(t, err)
	require.NoError(t, leaf1.Modify(0, []byte("X")))
	tree.WritePage(leaf1)

	again, err := tree.ReadPage(1)
	require.NoError(t, err)
	require.Equal(t, []byte("X"), again.Records[0].Val)
	require.Equal(t, 1, tree.Edits().Len())
}
