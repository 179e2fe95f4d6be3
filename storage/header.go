package storage

import (
	"encoding/binary"

	"github.com/duskdb/duskdb/dberr"
)

// headerMagic identifies a duskdb datafile.
var headerMagic = [4]byte{'D', 'U', 'S', 'K'}

const headerVersion uint32 = 1

// headerFieldsSize is the size of the HeaderPage's own fields, laid out right after
// the common page header:
//
//	[0:4]   Magic
//	[4:8]   Version
//	[8:12]  LastPageID
//	[12:16] FreeEmptyPageID
//	[16]    RecoveryMarker (0 = clean shutdown, 1 = dirty)
//	[17:20] reserved
const headerFieldsSize = 20

// headerDataStart is where the collection directory's variable-length records
// begin, via the common Page record mechanism.
const headerDataStart = PageHeaderSize + headerFieldsSize

// headerPageID is always 0: PageID 0 is reserved for the header page.
const headerPageID uint32 = 0

// collectionDirEntry is one (name -> first collection page) mapping, persisted as a
// record on the header page.
type collectionDirEntry struct {
	Name        string
	FirstPageID uint32
}

func newHeaderPage() *Page {
	p := NewPage(PageTypeHeader, headerPageID)
	p.SetFreeSpaceOffset(headerDataStart)
	copy(p.Data[PageHeaderSize:PageHeaderSize+4], headerMagic[:])
	binary.LittleEndian.PutUint32(p.Data[PageHeaderSize+4:PageHeaderSize+8], headerVersion)
	setLastPageID(p, headerPageID)
	setFreeEmptyPageID(p, NoPageID)
	setRecoveryMarker(p, false)
	return p
}

func checkHeaderMagic(p *Page) error {
	for i := 0; i < 4; i++ {
		if p.Data[PageHeaderSize+i] != headerMagic[i] {
			return dberr.ErrInvalidDatabase
		}
	}
	version := binary.LittleEndian.Uint32(p.Data[PageHeaderSize+4 : PageHeaderSize+8])
	if version != headerVersion {
		return dberr.ErrInvalidVersion
	}
	return nil
}

func lastPageID(p *Page) uint32 {
	return binary.LittleEndian.Uint32(p.Data[PageHeaderSize+8 : PageHeaderSize+12])
}

func setLastPageID(p *Page, id uint32) {
	binary.LittleEndian.PutUint32(p.Data[PageHeaderSize+8:PageHeaderSize+12], id)
}

func freeEmptyPageID(p *Page) uint32 {
	return binary.LittleEndian.Uint32(p.Data[PageHeaderSize+12 : PageHeaderSize+16])
}

func setFreeEmptyPageID(p *Page, id uint32) {
	binary.LittleEndian.PutUint32(p.Data[PageHeaderSize+12:PageHeaderSize+16], id)
}

func recoveryMarkerDirty(p *Page) bool {
	return p.Data[PageHeaderSize+16] != 0
}

func setRecoveryMarker(p *Page, dirty bool) {
	if dirty {
		p.Data[PageHeaderSize+16] = 1
	} else {
		p.Data[PageHeaderSize+16] = 0
	}
}

// encodeCollectionDirEntry packs a name/first-page-id pair into record bytes.
func encodeCollectionDirEntry(e collectionDirEntry) []byte {
	buf := make([]byte, 2+len(e.Name)+4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(e.Name)))
	copy(buf[2:2+len(e.Name)], e.Name)
	binary.LittleEndian.PutUint32(buf[2+len(e.Name):], e.FirstPageID)
	return buf
}

func decodeCollectionDirEntry(data []byte) collectionDirEntry {
	nameLen := binary.LittleEndian.Uint16(data[0:2])
	name := string(data[2 : 2+nameLen])
	firstPageID := binary.LittleEndian.Uint32(data[2+nameLen:])
	return collectionDirEntry{Name: name, FirstPageID: firstPageID}
}

// dirEntry pairs a collection directory entry with the slot it occupies on the
// header page, needed for DropCollection/RenameCollection.
type dirEntry struct {
	Slot        Slot
	FirstPageID uint32
}

// collectionDirectory lists every live (non-deleted) collection directory entry on
// the header page.
func collectionDirectory(p *Page) map[string]dirEntry {
	out := make(map[string]dirEntry)
	for _, rec := range p.ReadRecords() {
		if !rec.Alive {
			continue
		}
		e := decodeCollectionDirEntry(rec.Data)
		out[e.Name] = dirEntry{Slot: rec.Slot, FirstPageID: e.FirstPageID}
	}
	return out
}
