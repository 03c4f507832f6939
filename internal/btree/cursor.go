package btree

// next advances cur to the following leaf record, or leaves it at end
// (AtEnd() == true) if none remains.
//
// The original prototype's Cursor.next pops the stack, and on a leaf page
// advances the slot index, popping further while the new index runs off
// the end of each ancestor page. Once it lands on a position that still
// has an untried slot, the prototype only re-pushes that position without
// descending back down — correct when the landing page is itself a leaf,
// but incomplete when it lands mid-ascend on an index page: the next
// leaf record there lives in the leftmost leaf of the subtree rooted at
// that new slot, not at the index page itself. descendLeftmost below
// supplies that missing step.
func (t *Tree) next(cur *Cursor) error {
	if cur.AtEnd() {
		return nil
	}
	top := cur.stack[len(cur.stack)-1]
	cur.stack = cur.stack[:len(cur.stack)-1]
	page, ix := top.page, top.ix

	if page.IsLeaf() {
		ix++
		for len(cur.stack) > 0 && ix == len(page.Slots) {
			top = cur.stack[len(cur.stack)-1]
			cur.stack = cur.stack[:len(cur.stack)-1]
			page, ix = top.page, top.ix
			ix++
		}
		if ix == len(page.Slots) {
			// stack exhausted: no record follows anywhere in the tree
			return nil
		}
		return t.descendLeftmost(cur, page, ix)
	}
	return t.descendLeftmost(cur, page, ix)
}

// descendLeftmost pushes (page, ix); if page is an index page it continues
// down through the leftmost child at each level (child's slot -1, i.e. its
// preceding_page) until it reaches a leaf, then pushes that leaf's slot 0.
func (t *Tree) descendLeftmost(cur *Cursor, page *Page, ix int) error {
	cur.stack = append(cur.stack, stackEntry{page, ix})
	if page.IsLeaf() {
		return nil
	}
	childNum, err := page.ChildAt(ix)
	if err != nil {
		return err
	}
	child, err := t.ReadPage(childNum)
	if err != nil {
		return err
	}
	for child.IsIndex() {
		cur.stack = append(cur.stack, stackEntry{child, -1})
		childNum, err = child.ChildAt(-1)
		if err != nil {
			return err
		}
		child, err = t.ReadPage(childNum)
		if err != nil {
			return err
		}
	}
	cur.stack = append(cur.stack, stackEntry{child, 0})
	return nil
}

// prev is next's mirror image. It is derived directly rather than ported:
// the original prototype's prev has a known bug (it indexes a nonexistent
// page.index instead of page.entries when landing on an index page while
// ascending) and also fails to re-descend after popping into an index
// page, for the same reason next needed descendLeftmost. Deriving prev by
// mirroring the next specification avoids both issues.
//
// The one asymmetry between the two directions: a leaf page's valid slots
// range over [0, len(slots)), but an index page's range over
// [-1, len(slots)) since slot -1 names its preceding_page child. next's
// forward-exhaustion check (ix == len(slots)) is the same for both page
// kinds; prev's backward-exhaustion check is not, so it asks each page its
// own MinSlot().
func (t *Tree) prev(cur *Cursor) error {
	if cur.AtEnd() {
		return nil
	}
	top := cur.stack[len(cur.stack)-1]
	cur.stack = cur.stack[:len(cur.stack)-1]
	page, ix := top.page, top.ix

	if page.IsLeaf() {
		ix--
		for len(cur.stack) > 0 && ix < page.MinSlot() {
			top = cur.stack[len(cur.stack)-1]
			cur.stack = cur.stack[:len(cur.stack)-1]
			page, ix = top.page, top.ix
			ix--
		}
		if ix < page.MinSlot() {
			return nil
		}
		return t.descendRightmost(cur, page, ix)
	}
	return t.descendRightmost(cur, page, ix)
}

// descendRightmost is descendLeftmost's mirror: it follows the rightmost
// child (slot len(slots)-1) at each index level instead of the preceding
// child, landing on the last slot of the rightmost leaf.
func (t *Tree) descendRightmost(cur *Cursor, page *Page, ix int) error {
	cur.stack = append(cur.stack, stackEntry{page, ix})
	if page.IsLeaf() {
		return nil
	}
	childNum, err := page.ChildAt(ix)
	if err != nil {
		return err
	}
	child, err := t.ReadPage(childNum)
	if err != nil {
		return err
	}
	for child.IsIndex() {
		rightIx := len(child.Slots) - 1
		cur.stack = append(cur.stack, stackEntry{child, rightIx})
		childNum, err = child.ChildAt(rightIx)
		if err != nil {
			return err
		}
		child, err = t.ReadPage(childNum)
		if err != nil {
			return err
		}
	}
	cur.stack = append(cur.stack, stackEntry{child, len(child.Slots) - 1})
	return nil
}

// Next advances the cursor; AtEnd() reports exhaustion afterward.
func (c *Cursor) Next() error { return c.tree.next(c) }

// Prev moves the cursor backward; AtEnd() reports exhaustion afterward.
func (c *Cursor) Prev() error { return c.tree.prev(c) }
