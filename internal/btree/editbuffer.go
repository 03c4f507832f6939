package btree

// EditBuffer holds pages that have been modified in memory but not yet
// flushed back to their backing buffer: a page-index -> dirty-page map,
// consulted by Tree.ReadPage before falling back to a fresh parse.
type EditBuffer struct {
	pages map[uint32]*Page
}

// NewEditBuffer returns an empty buffer.
func NewEditBuffer() *EditBuffer {
	return &EditBuffer{pages: make(map[uint32]*Page)}
}

// Get returns the dirty copy of page n, if any.
func (e *EditBuffer) Get(n uint32) (*Page, bool) {
	p, ok := e.pages[n]
	return p, ok
}

// Put records p as dirty.
func (e *EditBuffer) Put(p *Page) {
	e.pages[p.Number] = p
}

// Dirty returns every dirty page, in no particular order.
func (e *EditBuffer) Dirty() []*Page {
	out := make([]*Page, 0, len(e.pages))
	for _, p := range e.pages {
		out = append(out, p)
	}
	return out
}

// Len reports how many pages are dirty.
func (e *EditBuffer) Len() int { return len(e.pages) }

// GetOrLoad returns the dirty copy of page n if one exists, otherwise it
// calls load to parse a fresh copy. It does not mark the loaded page dirty;
// callers that intend to mutate it should Put it back explicitly.
func (e *EditBuffer) GetOrLoad(n uint32, load func(uint32) (*Page, error)) (*Page, error) {
	if p, ok := e.pages[n]; ok {
		return p, nil
	}
	return load(n)
}
