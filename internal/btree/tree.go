package btree

import (
	"errors"
	"fmt"

	"github.com/dirtree-tools/i64edit/internal/pagedbytes"
)

// ErrTreeTooDeep guards against a malformed tree driving an unbounded
// descent; it should never trigger against a well-formed ID0 namespace.
var ErrTreeTooDeep = errors.New("btree: descent exceeded maximum depth")

// ErrNotFound is returned when a Find request with response "eq" cannot be
// satisfied and no suitable neighbour exists either.
var ErrNotFound = errors.New("btree: key not found")

const maxDescendDepth = 256

// PageSource loads a parsed page, either freshly parsed from the backing
// buffer or from an EditBuffer's overlay of dirty pages.
type PageSource interface {
	ReadPage(number uint32) (*Page, error)
}

// Tree is a read/write view over a B-tree v2 namespace backed by a
// pagedbytes buffer: a contiguous run of fixed-size pages starting at a
// known offset, rooted at firstIndexPage.
type Tree struct {
	buf            *pagedbytes.PagedBytes
	pagesOffset    int
	pageSize       int
	firstIndexPage uint32
	edits          *EditBuffer
}

// NewTree builds a Tree over buf, where page data begins at pagesOffset and
// each page is pageSize bytes. firstIndexPage is the root page number (a
// leaf tree may root directly at a leaf page).
func NewTree(buf *pagedbytes.PagedBytes, pagesOffset, pageSize int, firstIndexPage uint32) *Tree {
	return &Tree{
		buf:            buf,
		pagesOffset:    pagesOffset,
		pageSize:       pageSize,
		firstIndexPage: firstIndexPage,
		edits:          NewEditBuffer(),
	}
}

// Edits exposes the tree's dirty-page overlay, e.g. for counting changes
// before a commit.
func (t *Tree) Edits() *EditBuffer { return t.edits }

// ReadPage returns page number n, preferring a dirty copy from the edit
// buffer over a fresh parse of the backing buffer.
func (t *Tree) ReadPage(n uint32) (*Page, error) {
	if dirty, ok := t.edits.Get(n); ok {
		return dirty, nil
	}
	offset := t.pagesOffset + int(n)*t.pageSize
	data, err := t.buf.ReadAt(offset, t.pageSize)
	if err != nil {
		return nil, fmt.Errorf("btree: reading page %d: %w", n, err)
	}
	return ParsePage(data, n, t.pageSize)
}

// WritePage records page as dirty so subsequent ReadPage calls and a final
// commit see the edit.
func (t *Tree) WritePage(p *Page) {
	t.edits.Put(p)
}

// Request names the caller's intended match semantics for Find.
type Request int

const (
	ReqEQ Request = iota
	ReqGE
	ReqLE
	ReqGT
	ReqLT
)

type stackEntry struct {
	page *Page
	ix   int
}

// Cursor identifies one record in the tree as a stack of (page, slot index)
// pairs from root to leaf, enabling forward/backward iteration.
type Cursor struct {
	tree  *Tree
	stack []stackEntry
}

// AtEnd reports whether the cursor has no current record.
func (c *Cursor) AtEnd() bool { return len(c.stack) == 0 }

// Page and Slot return the leaf page and slot index the cursor currently
// names. Valid only when !AtEnd().
func (c *Cursor) Page() *Page { return c.stack[len(c.stack)-1].page }
func (c *Cursor) Slot() int   { return c.stack[len(c.stack)-1].ix }

// Find descends from the root looking for key, reconciling the page-level
// three-way response (recurse/eq/lt/gt) against the caller's Request using
// the same rule table as the original prototype's ID0.find:
//
//	EQ: only "eq" satisfies; anything else is ErrNotFound.
//	GE: "eq" satisfies; "lt" advances to the following record via next().
//	LE: "eq" satisfies; "gt" steps back to the preceding record via prev().
//	GT: always advances past an "eq" or "lt" match via next().
//	LT: always steps back before an "eq" or "gt" match via prev().
func (t *Tree) Find(req Request, key []byte) (*Cursor, error) {
	cur := &Cursor{tree: t}
	page, err := t.ReadPage(t.firstIndexPage)
	if err != nil {
		return nil, err
	}
	for depth := 0; ; depth++ {
		if depth > maxDescendDepth {
			return nil, ErrTreeTooDeep
		}
		response, ix := page.Find(key)
		cur.stack = append(cur.stack, stackEntry{page, ix})
		if response != "recurse" {
			return t.reconcile(cur, response, req)
		}
		child, err := page.ChildAt(ix)
		if err != nil {
			return nil, err
		}
		page, err = t.ReadPage(child)
		if err != nil {
			return nil, err
		}
	}
}

func (t *Tree) reconcile(cur *Cursor, response string, req Request) (*Cursor, error) {
	switch req {
	case ReqEQ:
		if response == "eq" {
			return cur, nil
		}
		return nil, ErrNotFound
	case ReqGE:
		if response == "eq" {
			return cur, nil
		}
		// response == "gt": slot 0 already sorts after key, so it is the
		// first record >= key. response == "lt": the found slot lies before
		// key, so the next record forward is the first >= key.
		if response == "gt" {
			return cur, nil
		}
		if err := t.next(cur); err != nil {
			return nil, err
		}
		if cur.AtEnd() {
			return nil, ErrNotFound
		}
		return cur, nil
	case ReqLE:
		if response == "eq" || response == "lt" {
			return cur, nil
		}
		if err := t.prev(cur); err != nil {
			return nil, err
		}
		if cur.AtEnd() {
			return nil, ErrNotFound
		}
		return cur, nil
	case ReqGT:
		if response == "gt" {
			return cur, nil
		}
		if err := t.next(cur); err != nil {
			return nil, err
		}
		if cur.AtEnd() {
			return nil, ErrNotFound
		}
		return cur, nil
	case ReqLT:
		if response == "lt" {
			return cur, nil
		}
		if err := t.prev(cur); err != nil {
			return nil, err
		}
		if cur.AtEnd() {
			return nil, ErrNotFound
		}
		return cur, nil
	default:
		return nil, fmt.Errorf("btree: unknown request %v", req)
	}
}

