// Package btree implements the B-tree v2 on-disk page format used by the
// ID0 namespace: page parsing, key-ordered lookup, cursor-based traversal,
// and in-place page rebuilds on edit.
//
// The original prototype modelled slots as an Entry base class with
// IndexEntry/LeafEntry subclasses and bundled BytesReader/BytesWriter/
// FileHandler abstractions around every page. This package collapses that
// hierarchy into a single tagged Slot type and leans on the pagedbytes
// buffer for all bounds-checked I/O, per the accompanying redesign notes.
package btree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dirtree-tools/i64edit/internal/pagedbytes"
)

// SlotKind distinguishes the two slot shapes a page can hold. A page is
// homogeneous: either every slot is an Index slot (preceding_page != 0) or
// every slot is a Leaf slot (preceding_page == 0).
type SlotKind int

const (
	SlotLeaf SlotKind = iota
	SlotIndex
)

const (
	pageHeaderSize  = 6 // preceding_page:32, entry_count:16
	slotHeaderSize  = 6 // either shape packs into 6 bytes
	pageTrailerSize = 6 // unused:32, data_start:16
)

// Slot is one entry in a page's slot array. For index slots, ChildPage
// names the subtree rooted below this key; for leaf slots, KeyPrefixLen is
// the number of leading bytes shared with the previous slot's effective key.
type Slot struct {
	Kind         SlotKind
	ChildPage    uint32 // index slots only
	KeyPrefixLen uint16 // leaf slots only
	Unused       uint16 // leaf slots only; preserved byte-for-byte on rebuild
	RecordOffset uint16
}

// Record is the (key, value) payload referenced by a slot's RecordOffset.
// RawKey is the on-disk key bytes: the full key for index slots, or the
// suffix following KeyPrefixLen shared bytes for leaf slots.
type Record struct {
	RawKey []byte
	Val    []byte
}

// Page is one parsed B-tree v2 page, ready for lookup and in-place edits.
type Page struct {
	Number        uint32
	Size          int
	Preceding     uint32 // 0 marks a leaf page
	Slots         []Slot
	Records       []Record
	EffectiveKeys [][]byte // reconstructed full key per slot, cached at parse/edit time
	Unused        uint32
	DataStart     uint16
	Dirty         bool
}

var (
	// ErrPageFull is returned by Modify/Insert when an edit would require
	// more bytes than the page's free region holds. Pages never split.
	ErrPageFull = errors.New("btree: page full")
	// ErrSlotOutOfRange is returned for a slot index outside [0, entry_count).
	ErrSlotOutOfRange = errors.New("btree: slot index out of range")
	// ErrNotIndexPage guards operations only meaningful on index pages.
	ErrNotIndexPage = errors.New("btree: not an index page")
	// ErrInsertOnIndexPage marks the narrow scope of Insert: it only
	// supports the leaf-record case used by the directory layer.
	ErrInsertOnIndexPage = errors.New("btree: insert on index page not supported")
)

// IsLeaf reports whether the page holds leaf slots.
func (p *Page) IsLeaf() bool { return p.Preceding == 0 }

// IsIndex reports whether the page holds index slots.
func (p *Page) IsIndex() bool { return p.Preceding != 0 }

// FreeBytes returns the number of bytes currently unused between the end
// of the slot array and the start of the record area.
func (p *Page) FreeBytes() int {
	slotAreaEnd := pageHeaderSize + slotHeaderSize*len(p.Slots) + pageTrailerSize
	return int(p.DataStart) - slotAreaEnd
}

// ParsePage parses a single fixed-size page image.
func ParsePage(data []byte, number uint32, pageSize int) (*Page, error) {
	if len(data) != pageSize {
		return nil, fmt.Errorf("btree: page %d: want %d bytes, got %d", number, pageSize, len(data))
	}
	pb := pagedbytes.New(data)

	preceding, err := pb.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("btree: page %d header: %w", number, err)
	}
	entryCount, err := pb.ReadU16()
	if err != nil {
		return nil, fmt.Errorf("btree: page %d header: %w", number, err)
	}

	p := &Page{Number: number, Size: pageSize, Preceding: preceding}
	p.Slots = make([]Slot, entryCount)
	isIndex := preceding != 0

	for i := 0; i < int(entryCount); i++ {
		if isIndex {
			child, err := pb.ReadU32()
			if err != nil {
				return nil, fmt.Errorf("btree: page %d slot %d: %w", number, i, err)
			}
			offset, err := pb.ReadU16()
			if err != nil {
				return nil, fmt.Errorf("btree: page %d slot %d: %w", number, i, err)
			}
			p.Slots[i] = Slot{Kind: SlotIndex, ChildPage: child, RecordOffset: offset}
		} else {
			prefixLen, err := pb.ReadU16()
			if err != nil {
				return nil, fmt.Errorf("btree: page %d slot %d: %w", number, i, err)
			}
			unused, err := pb.ReadU16()
			if err != nil {
				return nil, fmt.Errorf("btree: page %d slot %d: %w", number, i, err)
			}
			offset, err := pb.ReadU16()
			if err != nil {
				return nil, fmt.Errorf("btree: page %d slot %d: %w", number, i, err)
			}
			p.Slots[i] = Slot{Kind: SlotLeaf, KeyPrefixLen: prefixLen, Unused: unused, RecordOffset: offset}
		}
	}

	unused, err := pb.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("btree: page %d trailer: %w", number, err)
	}
	dataStart, err := pb.ReadU16()
	if err != nil {
		return nil, fmt.Errorf("btree: page %d trailer: %w", number, err)
	}
	p.Unused = unused
	p.DataStart = dataStart

	p.Records = make([]Record, entryCount)
	p.EffectiveKeys = make([][]byte, entryCount)
	var prevKey []byte
	for i := 0; i < int(entryCount); i++ {
		slot := p.Slots[i]
		rec, err := pb.ReadAt(int(slot.RecordOffset), 2)
		if err != nil {
			return nil, fmt.Errorf("btree: page %d record %d: %w", number, i, err)
		}
		keyLen := int(readU16LE(rec))
		keyStart := int(slot.RecordOffset) + 2
		rawKey, err := pb.ReadAt(keyStart, keyLen)
		if err != nil {
			return nil, fmt.Errorf("btree: page %d record %d key: %w", number, i, err)
		}
		rawKey = append([]byte(nil), rawKey...)
		valLenBytes, err := pb.ReadAt(keyStart+keyLen, 2)
		if err != nil {
			return nil, fmt.Errorf("btree: page %d record %d: %w", number, i, err)
		}
		valLen := int(readU16LE(valLenBytes))
		val, err := pb.ReadAt(keyStart+keyLen+2, valLen)
		if err != nil {
			return nil, fmt.Errorf("btree: page %d record %d val: %w", number, i, err)
		}
		val = append([]byte(nil), val...)

		p.Records[i] = Record{RawKey: rawKey, Val: val}

		var effective []byte
		if isIndex {
			effective = rawKey
		} else {
			effective = make([]byte, 0, int(slot.KeyPrefixLen)+len(rawKey))
			effective = append(effective, prevKey[:slot.KeyPrefixLen]...)
			effective = append(effective, rawKey...)
		}
		p.EffectiveKeys[i] = effective
		prevKey = effective
	}

	return p, nil
}

func readU16LE(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// ChildAt returns the child page number for slot index ix on an index
// page. ix == -1 names the page's preceding (leftmost) child.
func (p *Page) ChildAt(ix int) (uint32, error) {
	if !p.IsIndex() {
		return 0, ErrNotIndexPage
	}
	if ix == -1 {
		return p.Preceding, nil
	}
	if ix < 0 || ix >= len(p.Slots) {
		return 0, fmt.Errorf("%w: %d", ErrSlotOutOfRange, ix)
	}
	return p.Slots[ix].ChildPage, nil
}

// MinSlot returns the lowest valid slot position for this page: -1 for
// index pages (the virtual preceding-child slot), 0 for leaf pages.
func (p *Page) MinSlot() int {
	if p.IsIndex() {
		return -1
	}
	return 0
}

// Find locates key among this page's effective keys and reports how the
// caller should proceed:
//   - "recurse": descend into the child named by ix (index pages only)
//   - "eq":      key matches slot ix exactly
//   - "lt":      ix is the largest slot with effective key < key (leaf pages
//     only; a leaf with no slot <= key answers "gt" instead)
//   - "gt":      there is no slot with effective key <= key; ix is always 0
func (p *Page) Find(key []byte) (response string, ix int) {
	// binary search for the largest i with EffectiveKeys[i] <= key
	lo, hi := 0, len(p.Slots)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp := compareBytes(p.EffectiveKeys[mid], key)
		if cmp <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if p.IsIndex() {
		return "recurse", best
	}
	if best < 0 {
		return "gt", 0
	}
	if compareBytes(p.EffectiveKeys[best], key) == 0 {
		return "eq", best
	}
	return "lt", best
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Modify rewrites slot ix's value in place, shifting the record offsets of
// every record at or below it in the record area to keep the page packed.
// It fails with ErrPageFull rather than splitting the page.
func (p *Page) Modify(ix int, newVal []byte) error {
	if ix < 0 || ix >= len(p.Slots) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, ix)
	}
	slot := p.Slots[ix]
	rec := p.Records[ix]
	return p.adjustRecord(ix, slot.KeyPrefixLen, rec.RawKey, newVal, p.EffectiveKeys[ix])
}

// adjustRecord changes slot ix's stored raw key / key prefix length and/or
// value, reusing the descending-record-offset rebuild walk from the
// original prototype's Page.rebuild: records are visited from the highest
// record_offset down, and every record at or below the edited one absorbs
// the cumulative size delta.
func (p *Page) adjustRecord(ix int, newPrefixLen uint16, newRawKey, newVal, newEffectiveKey []byte) error {
	oldRec := p.Records[ix]
	oldSize := 2 + len(oldRec.RawKey) + 2 + len(oldRec.Val)
	newSize := 2 + len(newRawKey) + 2 + len(newVal)
	delta := newSize - oldSize

	if delta > p.FreeBytes() {
		return fmt.Errorf("%w: need %d more bytes, have %d free", ErrPageFull, delta, p.FreeBytes())
	}

	order := make([]int, len(p.Slots))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return p.Slots[order[a]].RecordOffset > p.Slots[order[b]].RecordOffset
	})

	cumulative := 0
	for _, i := range order {
		if i == ix {
			p.Records[i] = Record{RawKey: append([]byte(nil), newRawKey...), Val: append([]byte(nil), newVal...)}
			if p.IsLeaf() {
				p.Slots[i].KeyPrefixLen = newPrefixLen
			}
			p.EffectiveKeys[i] = newEffectiveKey
			cumulative += delta
		}
		p.Slots[i].RecordOffset = uint16(int(p.Slots[i].RecordOffset) - cumulative)
	}
	p.DataStart = uint16(int(p.DataStart) - delta)
	p.Dirty = true
	return nil
}

// Insert adds a new leaf record for key/val at slot position ix, shifting
// later slots up by one. The caller is responsible for choosing ix so the
// page's effective keys remain strictly ascending; this mirrors the
// directory layer's narrow use (inserting immediately after a located
// sibling), not general rebalancing. If the slot immediately following the
// insertion point exists, its prefix compression is recomputed against the
// newly inserted predecessor so the page's on-disk encoding stays correct
// after the next parse.
func (p *Page) Insert(ix int, key, val []byte) error {
	if p.IsIndex() {
		return ErrInsertOnIndexPage
	}
	if ix < 0 || ix > len(p.Slots) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, ix)
	}

	var prevKey []byte
	if ix > 0 {
		prevKey = p.EffectiveKeys[ix-1]
	}
	prefixLen := commonPrefixLen(prevKey, key)
	rawKey := key[prefixLen:]

	recordBytes := 2 + len(rawKey) + 2 + len(val)
	needed := slotHeaderSize + recordBytes

	var nextRawKey []byte
	var nextPrefixLen int
	hasNext := ix < len(p.Slots)
	var nextDelta int
	if hasNext {
		nextKey := p.EffectiveKeys[ix]
		nextPrefixLen = commonPrefixLen(key, nextKey)
		nextRawKey = nextKey[nextPrefixLen:]
		oldNextSize := 2 + len(p.Records[ix].RawKey) + 2 + len(p.Records[ix].Val)
		newNextSize := 2 + len(nextRawKey) + 2 + len(p.Records[ix].Val)
		nextDelta = newNextSize - oldNextSize
		if nextDelta > 0 {
			needed += nextDelta
		}
	}
	if needed > p.FreeBytes() {
		return fmt.Errorf("%w: need %d bytes, have %d free", ErrPageFull, needed, p.FreeBytes())
	}

	newDataStart := int(p.DataStart) - recordBytes
	newSlot := Slot{Kind: SlotLeaf, KeyPrefixLen: uint16(prefixLen), RecordOffset: uint16(newDataStart)}
	newRecord := Record{RawKey: append([]byte(nil), rawKey...), Val: append([]byte(nil), val...)}
	newEffective := append([]byte(nil), key...)

	p.Slots = append(p.Slots, Slot{})
	copy(p.Slots[ix+1:], p.Slots[ix:])
	p.Slots[ix] = newSlot

	p.Records = append(p.Records, Record{})
	copy(p.Records[ix+1:], p.Records[ix:])
	p.Records[ix] = newRecord

	p.EffectiveKeys = append(p.EffectiveKeys, nil)
	copy(p.EffectiveKeys[ix+1:], p.EffectiveKeys[ix:])
	p.EffectiveKeys[ix] = newEffective

	p.DataStart = uint16(newDataStart)
	p.Dirty = true

	if hasNext {
		nextIx := ix + 1
		if err := p.adjustRecord(nextIx, uint16(nextPrefixLen), nextRawKey, p.Records[nextIx].Val, p.EffectiveKeys[nextIx]); err != nil {
			return err
		}
	}
	return nil
}

// Serialise renders the page back to its fixed-size on-disk image.
func (p *Page) Serialise() []byte {
	data := make([]byte, p.Size)
	pb := pagedbytes.New(data)

	_ = pb.WriteU32(p.Preceding)
	_ = pb.WriteU16(uint16(len(p.Slots)))

	for _, slot := range p.Slots {
		if p.IsIndex() {
			_ = pb.WriteU32(slot.ChildPage)
			_ = pb.WriteU16(slot.RecordOffset)
		} else {
			_ = pb.WriteU16(slot.KeyPrefixLen)
			_ = pb.WriteU16(slot.Unused)
			_ = pb.WriteU16(slot.RecordOffset)
		}
	}

	_ = pb.WriteU32(p.Unused)
	_ = pb.WriteU16(p.DataStart)

	for i, slot := range p.Slots {
		rec := p.Records[i]
		_ = pb.WriteAt(int(slot.RecordOffset), u16le(uint16(len(rec.RawKey))))
		_ = pb.WriteAt(int(slot.RecordOffset)+2, rec.RawKey)
		_ = pb.WriteAt(int(slot.RecordOffset)+2+len(rec.RawKey), u16le(uint16(len(rec.Val))))
		_ = pb.WriteAt(int(slot.RecordOffset)+2+len(rec.RawKey)+2, rec.Val)
	}

	return data
}

func u16le(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}
