package storage

import "encoding/binary"

// PageSize is the fixed size of a page, in bytes (4 KB).
const PageSize = 4096

// NoPageID is the sentinel meaning "no link" for page chains and free-list heads.
const NoPageID uint32 = 0xFFFFFFFF

// PageType identifies the kind of a page.
type PageType byte

const (
	PageTypeHeader     PageType = 1 // page 0, the database header
	PageTypeCollection PageType = 2 // collection directory entry + index table
	PageTypeIndex      PageType = 3 // skip-list index node page
	PageTypeData       PageType = 4 // document-block data page
	PageTypeExtend     PageType = 5 // continuation page for a data block too large for one page
	PageTypeEmpty      PageType = 6 // free page awaiting reuse
)

func (t PageType) String() string {
	switch t {
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeIndex:
		return "Index"
	case PageTypeData:
		return "Data"
	case PageTypeExtend:
		return "Extend"
	case PageTypeEmpty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// PageHeaderSize is the size, in bytes, of the common page header:
//
//	[0]     Type            byte
//	[1:5]   PageID          uint32
//	[5:9]   PrevPageID      uint32
//	[9:13]  NextPageID      uint32
//	[13:15] ItemCount       uint16
//	[15:17] FreeSpaceOffset uint16
//	[17:20] reserved
const PageHeaderSize = 20

// RecordSlotHeaderSize is the per-record overhead in a page's record area: a 2-byte
// length prefix plus a 1-byte flag.
const RecordSlotHeaderSize = 2 + 1

// Flags for a record slot. Compressed is orthogonal to Deleted: a record's storage
// shape never changes once written, only its liveness does. DataBlock head records
// (storage/datablock.go) encode their own Extend-chain pointer inline in the record
// body rather than via a slot flag, since a block may need both a compressed
// payload and a continuation at once.
const (
	SlotFlagActive     byte = 0x00
	SlotFlagDeleted    byte = 0x01
	SlotFlagCompressed byte = 0x02
)

// Page is a single fixed-size page buffer, the unit of disk I/O and of the cache.
type Page struct {
	Data [PageSize]byte
}

// NewPage creates a fresh, empty page of the given type and id. Both links start as
// NoPageID and the free-space offset starts right after the header.
func NewPage(t PageType, id uint32) *Page {
	p := &Page{}
	p.SetType(t)
	p.SetPageID(id)
	p.SetPrevPageID(NoPageID)
	p.SetNextPageID(NoPageID)
	p.SetFreeSpaceOffset(PageHeaderSize)
	return p
}

func (p *Page) Type() PageType     { return PageType(p.Data[0]) }
func (p *Page) SetType(t PageType) { p.Data[0] = byte(t) }

func (p *Page) PageID() uint32      { return binary.LittleEndian.Uint32(p.Data[1:5]) }
func (p *Page) SetPageID(id uint32) { binary.LittleEndian.PutUint32(p.Data[1:5], id) }

func (p *Page) PrevPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[5:9]) }
func (p *Page) SetPrevPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[5:9], id)
}

func (p *Page) NextPageID() uint32 { return binary.LittleEndian.Uint32(p.Data[9:13]) }
func (p *Page) SetNextPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[9:13], id)
}

func (p *Page) ItemCount() uint16 { return binary.LittleEndian.Uint16(p.Data[13:15]) }
func (p *Page) setItemCount(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[13:15], n)
}

func (p *Page) FreeSpaceOffset() uint16 {
	return binary.LittleEndian.Uint16(p.Data[15:17])
}
func (p *Page) SetFreeSpaceOffset(off uint16) {
	binary.LittleEndian.PutUint16(p.Data[15:17], off)
}

// FreeBytes returns the number of unused bytes left in the page's record area.
func (p *Page) FreeBytes() int {
	return PageSize - int(p.FreeSpaceOffset())
}

// Slot identifies a record within a page by its byte offset — the second half of the
// (PageID, Index) refs used throughout the GLOSSARY for DataBlock and IndexNode
// addressing.
type Slot uint16

// Ref addresses a record anywhere in the datafile.
type Ref struct {
	PageID uint32
	Slot   Slot
}

// IsNil reports whether r is the absent ref.
func (r Ref) IsNil() bool { return r.PageID == NoPageID }

// NilRef is the absent ref, used for unset back-pointers and chain terminators.
var NilRef = Ref{PageID: NoPageID, Slot: 0}

// AppendRecord appends a variable-length active record and returns its slot, or
// ok=false if the page doesn't have enough free space.
func (p *Page) AppendRecord(data []byte) (Slot, bool) {
	return p.AppendRecordWithFlag(data, SlotFlagActive)
}

// AppendRecordWithFlag appends a record with an explicit flag (e.g. SlotFlagCompressed).
func (p *Page) AppendRecordWithFlag(data []byte, flag byte) (Slot, bool) {
	needed := RecordSlotHeaderSize + len(data)
	if p.FreeBytes() < needed {
		return 0, false
	}
	off := p.FreeSpaceOffset()
	binary.LittleEndian.PutUint16(p.Data[off:], uint16(len(data)))
	p.Data[off+2] = flag
	copy(p.Data[off+3:], data)
	p.SetFreeSpaceOffset(off + uint16(needed))
	p.setItemCount(p.ItemCount() + 1)
	return Slot(off), true
}

// RecordSlot is a record as read back from a page.
type RecordSlot struct {
	Slot  Slot
	Data  []byte
	Flag  byte
	Alive bool
}

// Deleted reports whether the slot is tombstoned.
func (s RecordSlot) Deleted() bool { return s.Flag&SlotFlagDeleted != 0 }

// Compressed reports whether the slot's payload is snappy-compressed.
func (s RecordSlot) Compressed() bool { return s.Flag&SlotFlagCompressed != 0 }

// ReadRecord returns the raw bytes and flag stored at slot s.
func (p *Page) ReadRecord(s Slot) RecordSlot {
	off := uint16(s)
	dataLen := binary.LittleEndian.Uint16(p.Data[off:])
	flag := p.Data[off+2]
	buf := make([]byte, dataLen)
	copy(buf, p.Data[off+3:off+3+dataLen])
	return RecordSlot{Slot: s, Data: buf, Flag: flag, Alive: flag&SlotFlagDeleted == 0}
}

// UpdateRecordInPlace overwrites the record at slot s with newData, which must be
// exactly the same length as the existing record; otherwise it returns false and the
// caller must fall back to delete+insert.
func (p *Page) UpdateRecordInPlace(s Slot, newData []byte) bool {
	off := uint16(s)
	oldLen := binary.LittleEndian.Uint16(p.Data[off:])
	if int(oldLen) != len(newData) {
		return false
	}
	copy(p.Data[off+3:], newData)
	return true
}

// MarkDeleted tombstones the record at slot s, preserving its other flags so the
// caller can still tell an extended/compressed record apart when sweeping for
// extend-page reclamation. The bytes themselves are not reclaimed — only a
// collection rebuild recovers the space, matching the Non-goal that bars secondary
// compaction beyond free-page reuse.
func (p *Page) MarkDeleted(s Slot) {
	off := uint16(s)
	p.Data[off+2] |= SlotFlagDeleted
	if p.ItemCount() > 0 {
		p.setItemCount(p.ItemCount() - 1)
	}
}

// ReadRecords reads every record in the page's record area, live or deleted, in slot
// order.
func (p *Page) ReadRecords() []RecordSlot {
	out := make([]RecordSlot, 0, p.ItemCount())
	off := uint16(PageHeaderSize)
	end := p.FreeSpaceOffset()
	for off < end {
		if int(off)+RecordSlotHeaderSize > int(end) {
			break
		}
		dataLen := binary.LittleEndian.Uint16(p.Data[off:])
		flag := p.Data[off+2]
		dataStart := off + RecordSlotHeaderSize
		if int(dataStart)+int(dataLen) > PageSize {
			break
		}
		buf := make([]byte, dataLen)
		copy(buf, p.Data[dataStart:dataStart+dataLen])
		out = append(out, RecordSlot{Slot: Slot(off), Data: buf, Flag: flag, Alive: flag&SlotFlagDeleted == 0})
		off = dataStart + dataLen
	}
	return out
}

// WriteExtendData copies data into an Extend page's body, starting right after the
// header.
func (p *Page) WriteExtendData(data []byte) {
	copy(p.Data[PageHeaderSize:], data)
}

// ExtendCapacity is the number of raw payload bytes an Extend page can carry.
const ExtendCapacity = PageSize - PageHeaderSize

// ReadExtendData reads up to length bytes from an Extend page's body.
func (p *Page) ReadExtendData(length int) []byte {
	if length > ExtendCapacity {
		length = ExtendCapacity
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	c := &Page{}
	c.Data = p.Data
	return c
}
