package storage

import (
	"encoding/binary"

	"github.com/klauspost/compress/snappy"

	"github.com/duskdb/duskdb/dberr"
)

// dataHeadFixedSize is the fixed portion of a DataBlock's head record, right after
// the RecordSlotHeaderSize/flag the page-level slot mechanism already accounts for:
//
//	[0:4]   IdNodeRef.PageID
//	[4:6]   IdNodeRef.Slot
//	[6:10]  TotalLen   (length of the, possibly snappy-compressed, payload)
//	[10:14] InlineLen  (how many payload bytes live right here)
//	[14:18] FirstExtendPageID (NoPageID if InlineLen == TotalLen)
const dataHeadFixedSize = 4 + 2 + 4 + 4 + 4

func encodeDataHead(idNodeRef Ref, totalLen, inlineLen uint32, firstExtend uint32, inline []byte) []byte {
	buf := make([]byte, dataHeadFixedSize+len(inline))
	binary.LittleEndian.PutUint32(buf[0:4], idNodeRef.PageID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(idNodeRef.Slot))
	binary.LittleEndian.PutUint32(buf[6:10], totalLen)
	binary.LittleEndian.PutUint32(buf[10:14], inlineLen)
	binary.LittleEndian.PutUint32(buf[14:18], firstExtend)
	copy(buf[18:], inline)
	return buf
}

type dataHead struct {
	IdNodeRef   Ref
	TotalLen    uint32
	InlineLen   uint32
	FirstExtend uint32
	Inline      []byte
}

func decodeDataHead(data []byte) dataHead {
	return dataHead{
		IdNodeRef: Ref{
			PageID: binary.LittleEndian.Uint32(data[0:4]),
			Slot:   Slot(binary.LittleEndian.Uint16(data[4:6])),
		},
		TotalLen:    binary.LittleEndian.Uint32(data[6:10]),
		InlineLen:   binary.LittleEndian.Uint32(data[10:14]),
		FirstExtend: binary.LittleEndian.Uint32(data[14:18]),
		Inline:      data[18:],
	}
}

// CreateCollection allocates a fresh CollectionPage for name and links it into the
// header page's name directory. Fails with InvalidFormat if name is already taken
// or too long.
func CreateCollection(pg *Pager, name string) (uint32, error) {
	header, err := pg.HeaderPage(true)
	if err != nil {
		return 0, err
	}
	dir := collectionDirectory(header)
	if _, exists := dir[name]; exists {
		return 0, dberr.New(dberr.InvalidFormat, "collection already exists: "+name)
	}

	collPage, err := pg.NewPage(PageTypeCollection, NoPageID)
	if err != nil {
		return 0, err
	}
	fresh, err := newCollectionPage(collPage.PageID(), name)
	if err != nil {
		return 0, err
	}
	*collPage = *fresh
	pg.MarkDirty(collPage.PageID())

	entry := encodeCollectionDirEntry(collectionDirEntry{Name: name, FirstPageID: collPage.PageID()})
	if _, ok := header.AppendRecord(entry); !ok {
		return 0, dberr.New(dberr.CollectionLimitSize, "header directory is full")
	}
	return collPage.PageID(), nil
}

// LookupCollection resolves a collection name to its CollectionPage id.
func LookupCollection(pg *Pager, name string) (uint32, bool, error) {
	header, err := pg.HeaderPage(false)
	if err != nil {
		return 0, false, err
	}
	e, ok := collectionDirectory(header)[name]
	return e.FirstPageID, ok, nil
}

// ListCollections returns every registered collection name, unordered.
func ListCollections(pg *Pager) ([]string, error) {
	header, err := pg.HeaderPage(false)
	if err != nil {
		return nil, err
	}
	dir := collectionDirectory(header)
	out := make([]string, 0, len(dir))
	for name := range dir {
		out = append(out, name)
	}
	return out, nil
}

// RenameCollection updates both the header directory entry and the CollectionPage's
// own stored name.
func RenameCollection(pg *Pager, oldName, newName string) error {
	header, err := pg.HeaderPage(true)
	if err != nil {
		return err
	}
	dir := collectionDirectory(header)
	e, ok := dir[oldName]
	if !ok {
		return dberr.New(dberr.InvalidFormat, "collection not found: "+oldName)
	}
	if _, taken := dir[newName]; taken {
		return dberr.New(dberr.InvalidFormat, "collection already exists: "+newName)
	}
	if len(newName) > MaxCollectionNameLen {
		return dberr.New(dberr.InvalidFormat, "collection name too long")
	}

	header.MarkDeleted(e.Slot)
	entry := encodeCollectionDirEntry(collectionDirEntry{Name: newName, FirstPageID: e.FirstPageID})
	if _, ok := header.AppendRecord(entry); !ok {
		return dberr.New(dberr.CollectionLimitSize, "header directory is full")
	}

	collPage, err := pg.Get(e.FirstPageID, true)
	if err != nil {
		return err
	}
	collPage.Data[PageHeaderSize] = byte(len(newName))
	copy(collPage.Data[PageHeaderSize+1:PageHeaderSize+1+MaxCollectionNameLen], make([]byte, MaxCollectionNameLen))
	copy(collPage.Data[PageHeaderSize+1:PageHeaderSize+1+len(newName)], newName)
	return nil
}

// DropCollection frees every data page (cascading through extend chains), every
// index page, and the collection page itself, then removes the header directory
// entry.
func DropCollection(pg *Pager, name string) error {
	header, err := pg.HeaderPage(true)
	if err != nil {
		return err
	}
	dir := collectionDirectory(header)
	e, ok := dir[name]
	if !ok {
		return dberr.New(dberr.InvalidFormat, "collection not found: "+name)
	}

	collPage, err := pg.Get(e.FirstPageID, false)
	if err != nil {
		return err
	}

	for _, ie := range AllIndexEntries(collPage) {
		if !ie.InUse {
			continue
		}
		// Every index page an index ever allocates stays linked on its
		// free-index-page list (even once full), so deleting that list's whole
		// chain deletes every page belonging to the index.
		if ie.FreeIndexPageID != NoPageID {
			if err := pg.DeletePage(ie.FreeIndexPageID, true); err != nil {
				return err
			}
		}
	}

	cur := freeDataPageID(collPage)
	for cur != NoPageID {
		p, err := pg.Get(cur, false)
		if err != nil {
			return err
		}
		next := p.NextPageID()
		for _, rec := range p.ReadRecords() {
			if !rec.Alive {
				continue
			}
			head := decodeDataHead(rec.Data)
			if head.FirstExtend != NoPageID {
				if err := pg.DeletePage(head.FirstExtend, true); err != nil {
					return err
				}
			}
		}
		if err := pg.DeletePage(cur, false); err != nil {
			return err
		}
		cur = next
	}

	if err := pg.DeletePage(e.FirstPageID, false); err != nil {
		return err
	}
	header.MarkDeleted(e.Slot)
	return nil
}

// compress snappy-encodes data and returns (payload, compressed) where payload is
// whichever of the raw or compressed form is smaller.
func compress(data []byte) ([]byte, bool) {
	enc := snappy.Encode(nil, data)
	if len(enc) < len(data) {
		return enc, true
	}
	return data, false
}

func decompress(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	dec, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, dberr.Wrap(dberr.FileCorrupted, "decompress data block", err)
	}
	return dec, nil
}

// InsertDocument stores raw (already document-encoded) bytes as a new DataBlock in
// collection collPageID, with an unset _id-node back-reference — the caller patches
// it in with SetIdNodeRef once the `_id` IndexNode exists. Returns the block's ref.
func InsertDocument(pg *Pager, collPageID uint32, raw []byte) (Ref, error) {
	return insertDocumentWithRef(pg, collPageID, raw, NilRef)
}

func insertDocumentWithRef(pg *Pager, collPageID uint32, raw []byte, idNodeRef Ref) (Ref, error) {
	payload, compressed := compress(raw)

	minNeeded := RecordSlotHeaderSize + dataHeadFixedSize
	collPage, err := pg.Get(collPageID, true)
	if err != nil {
		return NilRef, err
	}

	dataPage, isNewPage, err := pg.GetFree(freeDataPageID(collPage), PageTypeData, minNeeded)
	if err != nil {
		return NilRef, err
	}

	available := dataPage.FreeBytes() - minNeeded
	if available < 0 {
		available = 0
	}
	inlineLen := len(payload)
	if inlineLen > available {
		inlineLen = available
	}
	inline := payload[:inlineLen]
	remaining := payload[inlineLen:]

	firstExtend := uint32(NoPageID)
	if len(remaining) > 0 {
		// The first Extend page is not linked after dataPage: dataPage's
		// Prev/Next links belong to the collection's free-data-page list.
		prevID := uint32(NoPageID)
		for len(remaining) > 0 {
			ext, err := pg.NewPage(PageTypeExtend, prevID)
			if err != nil {
				return NilRef, err
			}
			if firstExtend == NoPageID {
				firstExtend = ext.PageID()
			}
			chunk := remaining
			if len(chunk) > ExtendCapacity {
				chunk = chunk[:ExtendCapacity]
			}
			ext.WriteExtendData(chunk)
			ext.SetFreeSpaceOffset(PageSize)
			remaining = remaining[len(chunk):]
			prevID = ext.PageID()
		}
	}

	flag := SlotFlagActive
	if compressed {
		flag |= SlotFlagCompressed
	}
	head := encodeDataHead(idNodeRef, uint32(len(payload)), uint32(inlineLen), firstExtend, inline)
	slot, ok := dataPage.AppendRecordWithFlag(head, flag)
	if !ok {
		return NilRef, dberr.New(dberr.Unknown, "data block: page has no room for its own head record")
	}

	oldHead := freeDataPageID(collPage)
	var newHead uint32
	if isNewPage {
		newHead, err = pg.AddToFreeList(oldHead, dataPage, true)
	} else {
		newHead, err = pg.UpdateFreeList(oldHead, dataPage, true)
	}
	if err != nil {
		return NilRef, err
	}
	setFreeDataPageID(collPage, newHead)

	setDocumentCount(collPage, documentCount(collPage)+1)
	return Ref{PageID: dataPage.PageID(), Slot: slot}, nil
}

// SetIdNodeRef patches an already-written DataBlock's back-pointer to its `_id`
// IndexNode, in place (the field's width never changes).
func SetIdNodeRef(pg *Pager, ref Ref, idNodeRef Ref) error {
	p, err := pg.Get(ref.PageID, true)
	if err != nil {
		return err
	}
	rec := p.ReadRecord(ref.Slot)
	head := decodeDataHead(rec.Data)
	head.IdNodeRef = idNodeRef
	newData := encodeDataHead(head.IdNodeRef, head.TotalLen, head.InlineLen, head.FirstExtend, head.Inline)
	if !p.UpdateRecordInPlace(ref.Slot, newData) {
		return dberr.New(dberr.Unknown, "data block: id-node backref patch changed record size")
	}
	return nil
}

// IdNodeRefOf returns a DataBlock's back-pointer to its `_id` IndexNode.
func IdNodeRefOf(pg *Pager, ref Ref) (Ref, error) {
	p, err := pg.Get(ref.PageID, false)
	if err != nil {
		return NilRef, err
	}
	rec := p.ReadRecord(ref.Slot)
	return decodeDataHead(rec.Data).IdNodeRef, nil
}

// ReadDocument reassembles a DataBlock's raw (decompressed) payload from its head
// record plus any Extend chain.
func ReadDocument(pg *Pager, ref Ref) ([]byte, error) {
	p, err := pg.Get(ref.PageID, false)
	if err != nil {
		return nil, err
	}
	rec := p.ReadRecord(ref.Slot)
	if !rec.Alive {
		return nil, dberr.New(dberr.Unknown, "data block: read of deleted record")
	}
	head := decodeDataHead(rec.Data)

	payload := make([]byte, 0, head.TotalLen)
	payload = append(payload, head.Inline...)

	cur := head.FirstExtend
	for uint32(len(payload)) < head.TotalLen && cur != NoPageID {
		ext, err := pg.Get(cur, false)
		if err != nil {
			return nil, err
		}
		remaining := int(head.TotalLen) - len(payload)
		payload = append(payload, ext.ReadExtendData(remaining)...)
		cur = ext.NextPageID()
	}

	return decompress(payload, rec.Compressed())
}

// DeleteDocument tombstones a DataBlock's head record, frees its Extend chain, and
// repositions its host page on the collection's free-data list. The slot's bytes
// stay on the page, reclaimed only by a future CreateCollection-style rebuild; this
// layer does not do secondary compaction beyond free-page reuse.
func DeleteDocument(pg *Pager, collPageID uint32, ref Ref) error {
	p, err := pg.Get(ref.PageID, true)
	if err != nil {
		return err
	}
	rec := p.ReadRecord(ref.Slot)
	head := decodeDataHead(rec.Data)
	if head.FirstExtend != NoPageID {
		if err := pg.DeletePage(head.FirstExtend, true); err != nil {
			return err
		}
	}
	p.MarkDeleted(ref.Slot)

	collPage, err := pg.Get(collPageID, true)
	if err != nil {
		return err
	}
	oldHead := freeDataPageID(collPage)
	newHead, err := pg.UpdateFreeList(oldHead, p, true)
	if err != nil {
		return err
	}
	setFreeDataPageID(collPage, newHead)
	if n := documentCount(collPage); n > 0 {
		setDocumentCount(collPage, n-1)
	}
	return nil
}

// UpdateDocument replaces a DataBlock's payload. When the
// new (possibly compressed) payload is exactly the same byte length as what is
// already on the page, it is rewritten in place; otherwise the old block is deleted
// and a new one inserted (with the same `_id`-node backref carried over), and the
// caller is responsible for updating the `_id` index node's DataBlock pointer to
// the returned ref.
func UpdateDocument(pg *Pager, collPageID uint32, ref Ref, newRaw []byte) (Ref, error) {
	idNodeRef, err := IdNodeRefOf(pg, ref)
	if err != nil {
		return NilRef, err
	}

	payload, compressed := compress(newRaw)
	p, err := pg.Get(ref.PageID, true)
	if err != nil {
		return NilRef, err
	}
	rec := p.ReadRecord(ref.Slot)
	head := decodeDataHead(rec.Data)

	if head.FirstExtend == NoPageID && int(head.TotalLen) == len(payload) {
		flag := SlotFlagActive
		if compressed {
			flag |= SlotFlagCompressed
		}
		newData := encodeDataHead(idNodeRef, uint32(len(payload)), uint32(len(payload)), NoPageID, payload)
		if p.UpdateRecordInPlace(ref.Slot, newData) {
			p.Data[ref.Slot+2] = flag
			return ref, nil
		}
	}

	if err := DeleteDocument(pg, collPageID, ref); err != nil {
		return NilRef, err
	}
	newRef, err := insertDocumentWithRef(pg, collPageID, newRaw, idNodeRef)
	if err != nil {
		return NilRef, err
	}
	return newRef, nil
}

// DocumentCount returns a collection's live document count.
func DocumentCount(pg *Pager, collPageID uint32) (uint64, error) {
	p, err := pg.Get(collPageID, false)
	if err != nil {
		return 0, err
	}
	return documentCount(p), nil
}

// CollectionName returns a CollectionPage's stored name.
func CollectionName(pg *Pager, collPageID uint32) (string, error) {
	p, err := pg.Get(collPageID, false)
	if err != nil {
		return "", err
	}
	return collectionName(p), nil
}
