// Package dirtree is the domain layer above btree.Tree: it resolves the
// function-directory root node, loads the overview and per-directory
// records, and implements list/check/rename/move/insert as sequences of
// Tree edits.
//
// This mirrors the original prototype's FuncDirList/FuncDir, which only
// implemented list and rename; move and insert are new operations built in
// the same idiom (parse via the delta-compressed varint records, mutate
// the in-memory model, re-pack, and push the change through Page.modify or
// Page.insert).
package dirtree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dirtree-tools/i64edit/internal/btree"
	"github.com/dirtree-tools/i64edit/internal/varint"
)

const (
	tagOverview = 'B'
	tagRecords  = 'S'
	rootName    = "$ dirtree/funcs"
	slotStride  = 0x10000
)

var (
	// ErrNoDirectoryTree is returned when the namespace has no
	// "$ dirtree/funcs" name entry.
	ErrNoDirectoryTree = errors.New("dirtree: no function directory tree")
	// ErrDirParseError marks a directory record that didn't fully consume
	// its bytes, or whose framing is otherwise malformed.
	ErrDirParseError = errors.New("dirtree: directory record parse error")
	// ErrMultiRecordBlobUnsupported is returned when an operation would
	// need to rewrite a blob spanning more than one underlying record.
	ErrMultiRecordBlobUnsupported = errors.New("dirtree: multi-record blob rewrite unsupported")
	// ErrDuplicateDirectory is returned by Insert when the target id
	// already exists.
	ErrDuplicateDirectory = errors.New("dirtree: directory id already exists")
	// ErrNoLeftSibling is returned by Insert when there is no existing
	// directory with a smaller id to anchor the new record's position.
	ErrNoLeftSibling = errors.New("dirtree: no left sibling to anchor insert")
	// ErrDirectoryNotFound is returned when an operation names a
	// nonexistent directory id.
	ErrDirectoryNotFound = errors.New("dirtree: directory not found")
)

// recordLoc names the single (page, slot) backing a directory's blob, the
// only shape this system can rewrite (spanning blobs are out of scope).
type recordLoc struct {
	page *btree.Page
	slot int
}

// Dir is one parsed function-directory node.
type Dir struct {
	ID       int
	Name     string
	Parent   int64
	Unknown  uint32
	Subdirs  []int64
	Funcs    []int64
	loc      recordLoc
	hasLoc   bool
}

// Tree is the bootstrapped directory namespace: the overview plus every
// loaded directory, keyed by id.
type Tree struct {
	tree     *btree.Tree
	rootNode uint64

	firstDir  int
	dirCount  int
	sortInfo  []uint32
	sortKnown bool

	overviewLoc recordLoc

	dirs map[int]*Dir
}

// Open resolves the directory tree root and loads the overview plus every
// directory record.
func Open(tree *btree.Tree) (*Tree, error) {
	rootNode, err := nodeByName(tree, rootName)
	if err != nil {
		return nil, err
	}

	t := &Tree{tree: tree, rootNode: rootNode, dirs: make(map[int]*Dir)}

	overviewBytes, loc, err := blobSingleRecord(tree, rootNode, tagOverview, 0, 0xFFFF)
	if err != nil {
		return nil, err
	}
	t.overviewLoc = loc

	firstDir, n, err := varint.DecodeU32(overviewBytes, 0)
	if err != nil {
		return nil, fmt.Errorf("dirtree: overview first_dir: %w", err)
	}
	dirCount, n2, err := varint.DecodeU32(overviewBytes, n)
	if err != nil {
		return nil, fmt.Errorf("dirtree: overview dir_count: %w", err)
	}
	t.firstDir = int(firstDir)
	t.dirCount = int(dirCount)

	offset := n2
	for offset < len(overviewBytes) {
		v, next, err := varint.DecodeU32(overviewBytes, offset)
		if err != nil {
			return nil, fmt.Errorf("dirtree: overview sort_info: %w", err)
		}
		t.sortInfo = append(t.sortInfo, v)
		offset = next
	}
	t.sortKnown = true

	for i := 0; i < t.dirCount; i++ {
		if 0 < i && i < t.firstDir {
			i = t.firstDir
			if i >= t.dirCount {
				break
			}
		}
		start := uint64(i) * slotStride
		end := start + 0xFFFF
		data, loc, err := blobSingleRecord(tree, rootNode, tagRecords, start, end)
		if err != nil {
			if errors.Is(err, errBlobEmpty) {
				continue
			}
			return nil, err
		}
		dir, err := parseDir(i, data)
		if err != nil {
			return nil, err
		}
		dir.loc = loc
		dir.hasLoc = true
		t.dirs[i] = dir
	}

	return t, nil
}

// Dirs returns every loaded directory sorted by id.
func (t *Tree) Dirs() []*Dir {
	out := make([]*Dir, 0, len(t.dirs))
	for _, d := range t.dirs {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (t *Tree) dir(id int) (*Dir, error) {
	d, ok := t.dirs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDirectoryNotFound, id)
	}
	return d, nil
}

// List renders one line per directory: id, name, parent, and subdirs.
func (t *Tree) List() []string {
	var lines []string
	for _, d := range t.Dirs() {
		lines = append(lines, fmt.Sprintf("dir %d = %s parent %d subdirs: %v", d.ID, d.Name, d.Parent, d.Subdirs))
	}
	return lines
}

// Check verifies parent/subdir consistency across the whole tree: every
// non-root directory's parent must exist and list it as a subdir, and
// every subdir reference must exist and list this directory as its parent.
// It returns every problem found rather than stopping at the first.
func (t *Tree) Check() []string {
	var problems []string
	for _, d := range t.Dirs() {
		if d.ID == 0 {
			continue
		}
		parent, ok := t.dirs[int(d.Parent)]
		if !ok {
			problems = append(problems, fmt.Sprintf("dir %d has parent %d but %d is not in tree", d.ID, d.Parent, d.Parent))
			continue
		}
		if !contains(parent.Subdirs, int64(d.ID)) {
			problems = append(problems, fmt.Sprintf("dir %d has parent %d but is not listed in %d's subdirs", d.ID, d.Parent, d.Parent))
		}
		for _, s := range d.Subdirs {
			sub, ok := t.dirs[int(s)]
			if !ok {
				problems = append(problems, fmt.Sprintf("dir %d lists subdir %d but %d is not in tree", d.ID, s, s))
				continue
			}
			if sub.Parent != int64(d.ID) {
				problems = append(problems, fmt.Sprintf("dir %d lists subdir %d but %d's parent is %d", d.ID, s, s, sub.Parent))
			}
		}
	}
	return problems
}

// Rename replaces every occurrence of from with to in every directory's
// name, rewriting the backing record for any directory whose name changed.
func (t *Tree) Rename(from, to string) error {
	for _, d := range t.Dirs() {
		newName := replaceAll(d.Name, from, to)
		if newName == d.Name {
			continue
		}
		d.Name = newName
		if err := t.rewriteDir(d); err != nil {
			return err
		}
	}
	return nil
}

// Move relocates directory i from its current parent to newParent.
func (t *Tree) Move(i, newParent int) error {
	d, err := t.dir(i)
	if err != nil {
		return err
	}
	if _, err := t.dir(newParent); err != nil {
		return err
	}

	oldParent, err := t.dir(int(d.Parent))
	if err != nil {
		return err
	}
	oldParent.Subdirs = removeInt64(oldParent.Subdirs, int64(i))
	if err := t.rewriteDir(oldParent); err != nil {
		return err
	}

	newParentDir, err := t.dir(newParent)
	if err != nil {
		return err
	}
	newParentDir.Subdirs = append(newParentDir.Subdirs, int64(i))
	if err := t.rewriteDir(newParentDir); err != nil {
		return err
	}

	d.Parent = int64(newParent)
	return t.rewriteDir(d)
}

// Insert creates a new directory with id i under newParent, named
// "newfolder_<i>". It fails if i already exists, or if there is no
// existing directory with a smaller id to anchor the new record's slot
// position (the page B-tree has no split support, so insertion can only
// ever happen next to an existing neighbour).
func (t *Tree) Insert(i, newParent int) error {
	if _, ok := t.dirs[i]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateDirectory, i)
	}
	if _, err := t.dir(newParent); err != nil {
		return err
	}

	sibling, err := t.leftmostLowerSibling(i)
	if err != nil {
		return err
	}

	newDir := &Dir{
		ID:      i,
		Name:    fmt.Sprintf("newfolder_%d", i),
		Parent:  int64(newParent),
		Unknown: 0,
	}

	key := recordKey(t.rootNode, tagRecords, uint64(i)*slotStride)
	val := packDir(newDir)
	if err := sibling.page.Insert(sibling.slot+1, key, val); err != nil {
		return err
	}
	t.tree.WritePage(sibling.page)

	newDir.loc = recordLoc{page: sibling.page, slot: sibling.slot + 1}
	newDir.hasLoc = true
	t.dirs[i] = newDir

	newParentDir, _ := t.dir(newParent)
	newParentDir.Subdirs = append(newParentDir.Subdirs, int64(i))
	if err := t.rewriteDir(newParentDir); err != nil {
		return err
	}

	t.dirCount++
	return t.rewriteOverview()
}

// leftmostLowerSibling finds the directory with the greatest id strictly
// less than i, returning its backing (page, slot) as the anchor for an
// insert immediately after it.
func (t *Tree) leftmostLowerSibling(i int) (recordLoc, error) {
	best := -1
	for id, d := range t.dirs {
		if id < i && id > best && d.hasLoc {
			best = id
		}
	}
	if best < 0 {
		return recordLoc{}, ErrNoLeftSibling
	}
	return t.dirs[best].loc, nil
}

func (t *Tree) rewriteDir(d *Dir) error {
	if !d.hasLoc {
		return fmt.Errorf("%w: directory %d has no backing record", ErrMultiRecordBlobUnsupported, d.ID)
	}
	newVal := packDir(d)
	if err := d.loc.page.Modify(d.loc.slot, newVal); err != nil {
		return err
	}
	t.tree.WritePage(d.loc.page)
	return nil
}

func (t *Tree) rewriteOverview() error {
	var buf []byte
	buf = varint.EncodeU32(buf, uint32(t.firstDir))
	buf = varint.EncodeU32(buf, uint32(t.dirCount))
	for _, v := range t.sortInfo {
		buf = varint.EncodeU32(buf, v)
	}
	if err := t.overviewLoc.page.Modify(t.overviewLoc.slot, buf); err != nil {
		return err
	}
	t.tree.WritePage(t.overviewLoc.page)
	return nil
}

func contains(xs []int64, v int64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func removeInt64(xs []int64, v int64) []int64 {
	out := xs[:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func replaceAll(s, from, to string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte(from), []byte(to)))
}

// nodeByName resolves a name-to-node-id mapping ('N' + name -> little
// endian u64 node id).
func nodeByName(tree *btree.Tree, name string) (uint64, error) {
	key := append([]byte{'N'}, []byte(name)...)
	cur, err := tree.Find(btree.ReqEQ, key)
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return 0, ErrNoDirectoryTree
		}
		return 0, err
	}
	val := cur.Page().Records[cur.Slot()].Val
	if len(val) != 8 {
		return 0, fmt.Errorf("dirtree: node id record has %d bytes, want 8", len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

var errBlobEmpty = errors.New("dirtree: blob empty")

// recordKey builds the '.' <node_id:be64> <tag> <index:be64> key schema
// used for per-node, per-tag indexed records.
func recordKey(nodeID uint64, tag byte, index uint64) []byte {
	key := make([]byte, 0, 1+8+1+8)
	key = append(key, '.')
	var nodeBuf [8]byte
	binary.BigEndian.PutUint64(nodeBuf[:], nodeID)
	key = append(key, nodeBuf[:]...)
	key = append(key, tag)
	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], index)
	key = append(key, idxBuf[:]...)
	return key
}

// blobSingleRecord walks forward from startIx to endIx concatenating
// record values under (nodeID, tag), but also requires
// the whole blob to be backed by exactly one record and returns its
// location so operations can later rewrite it with Page.Modify. Returns
// errBlobEmpty if no record exists in range.
func blobSingleRecord(tree *btree.Tree, nodeID uint64, tag byte, startIx, endIx uint64) ([]byte, recordLoc, error) {
	startKey := recordKey(nodeID, tag, startIx)
	endKey := recordKey(nodeID, tag, endIx)

	cur, err := tree.Find(btree.ReqGE, startKey)
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return nil, recordLoc{}, errBlobEmpty
		}
		return nil, recordLoc{}, err
	}

	var data []byte
	var locs []recordLoc
	for !cur.AtEnd() {
		key := cur.Page().EffectiveKeys[cur.Slot()]
		if bytes.Compare(key, endKey) > 0 {
			break
		}
		locs = append(locs, recordLoc{page: cur.Page(), slot: cur.Slot()})
		data = append(data, cur.Page().Records[cur.Slot()].Val...)
		if err := cur.Next(); err != nil {
			return nil, recordLoc{}, err
		}
	}

	if len(locs) == 0 {
		return nil, recordLoc{}, errBlobEmpty
	}
	if len(locs) > 1 {
		return nil, recordLoc{}, fmt.Errorf("%w: tag %q index [%d,%d] spans %d records", ErrMultiRecordBlobUnsupported, tag, startIx, endIx, len(locs))
	}
	return data, locs[0], nil
}

// parseDir decodes one directory record: "\0name\0" followed by varint
// parent/unknown/subdir_count/subdirs/func_count/funcs, subdirs and funcs
// being delta-compressed (first entry absolute, rest signed deltas).
func parseDir(id int, data []byte) (*Dir, error) {
	if len(data) == 0 || data[0] != 0 {
		return nil, fmt.Errorf("%w: dir %d missing leading nul", ErrDirParseError, id)
	}
	terminate := bytes.IndexByte(data[1:], 0)
	if terminate < 0 {
		return nil, fmt.Errorf("%w: dir %d missing name terminator", ErrDirParseError, id)
	}
	name := string(data[1 : 1+terminate])
	offset := 1 + terminate + 1

	parent, offset, err := varint.DecodeU64(data, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: dir %d parent: %v", ErrDirParseError, id, err)
	}
	unknown, offset, err := varint.DecodeU32(data, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: dir %d unknown: %v", ErrDirParseError, id, err)
	}
	subdirCount, offset, err := varint.DecodeU32(data, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: dir %d subdir_count: %v", ErrDirParseError, id, err)
	}

	subdirs, offset, err := decodeDeltaList(data, offset, int(subdirCount))
	if err != nil {
		return nil, fmt.Errorf("%w: dir %d subdirs: %v", ErrDirParseError, id, err)
	}

	funcCount, offset, err := varint.DecodeU32(data, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: dir %d func_count: %v", ErrDirParseError, id, err)
	}
	funcs, offset, err := decodeDeltaList(data, offset, int(funcCount))
	if err != nil {
		return nil, fmt.Errorf("%w: dir %d funcs: %v", ErrDirParseError, id, err)
	}

	if offset != len(data) {
		return nil, fmt.Errorf("%w: dir %d: %d trailing bytes", ErrDirParseError, id, len(data)-offset)
	}

	return &Dir{
		ID:      id,
		Name:    name,
		Parent:  int64(parent),
		Unknown: unknown,
		Subdirs: subdirs,
		Funcs:   funcs,
	}, nil
}

func decodeDeltaList(data []byte, offset, count int) ([]int64, int, error) {
	if count == 0 {
		return nil, offset, nil
	}
	out := make([]int64, 0, count)
	first, next, err := varint.DecodeU64(data, offset)
	if err != nil {
		return nil, offset, err
	}
	out = append(out, int64(first))
	offset = next
	for i := 1; i < count; i++ {
		delta, next, err := varint.DecodeS64(data, offset)
		if err != nil {
			return nil, offset, err
		}
		out = append(out, out[len(out)-1]+delta)
		offset = next
	}
	return out, offset, nil
}

// packDir is the inverse of parseDir.
func packDir(d *Dir) []byte {
	var buf []byte
	buf = append(buf, 0)
	buf = append(buf, []byte(d.Name)...)
	buf = append(buf, 0)

	buf = varint.EncodeU64(buf, uint64(d.Parent))
	buf = varint.EncodeU32(buf, d.Unknown)
	buf = varint.EncodeU32(buf, uint32(len(d.Subdirs)))
	buf = encodeDeltaList(buf, d.Subdirs)

	buf = varint.EncodeU32(buf, uint32(len(d.Funcs)))
	buf = encodeDeltaList(buf, d.Funcs)

	return buf
}

func encodeDeltaList(buf []byte, vals []int64) []byte {
	if len(vals) == 0 {
		return buf
	}
	buf = varint.EncodeU64(buf, uint64(vals[0]))
	for i := 1; i < len(vals); i++ {
		buf = varint.EncodeS64(buf, vals[i]-vals[i-1])
	}
	return buf
}
