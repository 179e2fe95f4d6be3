package storage

import (
	"encoding/binary"

	"github.com/duskdb/duskdb/dberr"
)

// MaxCollectionNameLen bounds a collection's name, stored inline in its
// CollectionPage.
const MaxCollectionNameLen = 64

// MaxIndexesPerCollection bounds the fixed-capacity index table; EnsureIndex past
// this fails with CollectionLimitSize.
const MaxIndexesPerCollection = 16

// indexEntrySize is the fixed on-page size of one index table slot:
// InUse(1) Unique(1) NameLen(1) Name(32) HeadPageID(4) HeadSlot(2) TailPageID(4)
// TailSlot(2) FreeIndexPageID(4), padded to 64 bytes.
const indexEntrySize = 64
const maxIndexFieldNameLen = 32

// collHeaderFieldsSize is the CollectionPage's own fixed fields, right after the
// common page header:
//
//	[0]      NameLen
//	[1:65]   Name (fixed 64 bytes, NameLen significant)
//	[65:73]  DocumentCount (uint64)
//	[73:77]  FreeDataPageID (uint32) — head of data pages ranked by free space,
//	         descending; since every data page the collection ever
//	         allocates stays linked on this list (even once full, at the tail), it
//	         doubles as the root for "every data page" traversal — there is no
//	         separate first-data-page pointer.
//	[77:79]  IndexCount (uint16)
//	[79:...] IndexTable (MaxIndexesPerCollection * indexEntrySize)
const collHeaderFieldsSize = 1 + MaxCollectionNameLen + 8 + 4 + 2 + MaxIndexesPerCollection*indexEntrySize

// IndexEntry describes one index registered on a collection.
type IndexEntry struct {
	InUse           bool
	Unique          bool
	FieldName       string
	Head            Ref
	Tail            Ref
	FreeIndexPageID uint32
}

// newCollectionPage creates a fresh CollectionPage for the given name at id.
func newCollectionPage(id uint32, name string) (*Page, error) {
	if len(name) > MaxCollectionNameLen {
		return nil, dberr.New(dberr.InvalidFormat, "collection name too long")
	}
	p := NewPage(PageTypeCollection, id)
	p.Data[PageHeaderSize] = byte(len(name))
	copy(p.Data[PageHeaderSize+1:PageHeaderSize+1+MaxCollectionNameLen], name)
	setDocumentCount(p, 0)
	setFreeDataPageID(p, NoPageID)
	setIndexCount(p, 0)
	return p, nil
}

func collectionName(p *Page) string {
	n := int(p.Data[PageHeaderSize])
	return string(p.Data[PageHeaderSize+1 : PageHeaderSize+1+n])
}

func documentCount(p *Page) uint64 {
	off := PageHeaderSize + 1 + MaxCollectionNameLen
	return binary.LittleEndian.Uint64(p.Data[off : off+8])
}

func setDocumentCount(p *Page, n uint64) {
	off := PageHeaderSize + 1 + MaxCollectionNameLen
	binary.LittleEndian.PutUint64(p.Data[off:off+8], n)
}

func freeDataPageID(p *Page) uint32 {
	off := PageHeaderSize + 1 + MaxCollectionNameLen + 8
	return binary.LittleEndian.Uint32(p.Data[off : off+4])
}

func setFreeDataPageID(p *Page, id uint32) {
	off := PageHeaderSize + 1 + MaxCollectionNameLen + 8
	binary.LittleEndian.PutUint32(p.Data[off:off+4], id)
}

func indexCount(p *Page) uint16 {
	off := PageHeaderSize + 1 + MaxCollectionNameLen + 12
	return binary.LittleEndian.Uint16(p.Data[off : off+2])
}

func setIndexCount(p *Page, n uint16) {
	off := PageHeaderSize + 1 + MaxCollectionNameLen + 12
	binary.LittleEndian.PutUint16(p.Data[off:off+2], n)
}

func indexTableStart(p *Page) int {
	return PageHeaderSize + 1 + MaxCollectionNameLen + 14
}

// IndexEntryAt reads the index table slot at position i (0-based).
func IndexEntryAt(p *Page, i int) IndexEntry {
	off := indexTableStart(p) + i*indexEntrySize
	d := p.Data[off:]
	e := IndexEntry{
		InUse:  d[0] != 0,
		Unique: d[1] != 0,
	}
	nameLen := int(d[2])
	e.FieldName = string(d[3 : 3+nameLen])
	e.Head = Ref{
		PageID: binary.LittleEndian.Uint32(d[3+maxIndexFieldNameLen:]),
		Slot:   Slot(binary.LittleEndian.Uint16(d[7+maxIndexFieldNameLen:])),
	}
	e.Tail = Ref{
		PageID: binary.LittleEndian.Uint32(d[9+maxIndexFieldNameLen:]),
		Slot:   Slot(binary.LittleEndian.Uint16(d[13+maxIndexFieldNameLen:])),
	}
	e.FreeIndexPageID = binary.LittleEndian.Uint32(d[15+maxIndexFieldNameLen:])
	return e
}

// SetIndexEntryAt writes the index table slot at position i.
func SetIndexEntryAt(p *Page, i int, e IndexEntry) {
	off := indexTableStart(p) + i*indexEntrySize
	d := p.Data[off : off+indexEntrySize]
	for j := range d {
		d[j] = 0
	}
	if e.InUse {
		d[0] = 1
	}
	if e.Unique {
		d[1] = 1
	}
	d[2] = byte(len(e.FieldName))
	copy(d[3:3+maxIndexFieldNameLen], e.FieldName)
	binary.LittleEndian.PutUint32(d[3+maxIndexFieldNameLen:], e.Head.PageID)
	binary.LittleEndian.PutUint16(d[7+maxIndexFieldNameLen:], uint16(e.Head.Slot))
	binary.LittleEndian.PutUint32(d[9+maxIndexFieldNameLen:], e.Tail.PageID)
	binary.LittleEndian.PutUint16(d[13+maxIndexFieldNameLen:], uint16(e.Tail.Slot))
	binary.LittleEndian.PutUint32(d[15+maxIndexFieldNameLen:], e.FreeIndexPageID)
}

// FindIndexEntry returns the index table slot for fieldName, if registered.
func FindIndexEntry(p *Page, fieldName string) (IndexEntry, int, bool) {
	n := int(indexCount(p))
	for i := 0; i < n; i++ {
		e := IndexEntryAt(p, i)
		if e.InUse && e.FieldName == fieldName {
			return e, i, true
		}
	}
	return IndexEntry{}, -1, false
}

// AddIndexEntry appends a new index table slot, failing with CollectionLimitSize if
// the fixed-capacity table is full.
func AddIndexEntry(p *Page, e IndexEntry) (int, error) {
	n := int(indexCount(p))
	if n >= MaxIndexesPerCollection {
		return -1, dberr.ErrCollectionLimit
	}
	if len(e.FieldName) > maxIndexFieldNameLen {
		return -1, dberr.New(dberr.InvalidFormat, "index field name too long")
	}
	e.InUse = true
	SetIndexEntryAt(p, n, e)
	setIndexCount(p, uint16(n+1))
	return n, nil
}

// RemoveIndexEntry clears the slot at position i, compacting the table so
// IndexCount-1 stays dense (the table is small and scanned linearly, so a shift is
// cheap and keeps FindIndexEntry/iteration simple).
func RemoveIndexEntry(p *Page, i int) {
	n := int(indexCount(p))
	for j := i; j < n-1; j++ {
		SetIndexEntryAt(p, j, IndexEntryAt(p, j+1))
	}
	SetIndexEntryAt(p, n-1, IndexEntry{})
	setIndexCount(p, uint16(n-1))
}

// AllIndexEntries returns every registered index on the collection.
func AllIndexEntries(p *Page) []IndexEntry {
	n := int(indexCount(p))
	out := make([]IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, IndexEntryAt(p, i))
	}
	return out
}
