// Package index implements duskdb's persistent skip-list index: an
// ordered, multi-level structure of IndexNodes packed into fixed-size Index pages
// and addressed, like everything else in the storage engine, by (PageID, Slot)
// refs resolved through the shared page cache rather than in-process pointers.
package index

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/duskdb/duskdb/dberr"
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/storage"
)

// MaxLevel bounds a node's height.
const MaxLevel = 32

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// randomHeight draws a height with P(height=k) = 2^-k, capped at MaxLevel.
func randomHeight() int {
	rngMu.Lock()
	defer rngMu.Unlock()
	h := 1
	for h < MaxLevel && rng.Float64() < 0.5 {
		h++
	}
	return h
}

// node is one IndexNode: a key, its DataBlock pointer, a single level-0 backward
// pointer, and one forward pointer per level it participates in. HEAD and TAIL are
// ordinary nodes at MaxLevel height with a zero-value key; callers tell them apart
// from real nodes by comparing refs against the index's registered Head/Tail, never
// by inspecting the key.
type node struct {
	ref      storage.Ref
	height   int
	key      document.Value
	data     storage.Ref
	backward storage.Ref
	forward  []storage.Ref
}

const refSize = 4 + 2 // PageID + Slot

func encodeRef(r storage.Ref) []byte {
	buf := make([]byte, refSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.PageID)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.Slot))
	return buf
}

func decodeRef(data []byte) storage.Ref {
	return storage.Ref{
		PageID: binary.LittleEndian.Uint32(data[0:4]),
		Slot:   storage.Slot(binary.LittleEndian.Uint16(data[4:6])),
	}
}

// encodeNode serializes a node's record body (everything after the page's own
// slot length/flag, which Page.AppendRecord manages):
//
//	[0]         Height
//	[1:3]       KeyLen
//	[3:3+n]     KeyBytes (document.EncodeValue)
//	[...:+6]    DataRef
//	[...:+6]    BackwardRef
//	[...:+h*6]  Forward[0..height-1]
func encodeNode(n *node) ([]byte, error) {
	keyBytes, err := document.EncodeValue(n.key)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) > 0xFFFF {
		return nil, dberr.ErrIndexKeyTooLong
	}

	size := 1 + 2 + len(keyBytes) + refSize + refSize + n.height*refSize
	buf := make([]byte, size)
	buf[0] = byte(n.height)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(keyBytes)))
	off := 3
	copy(buf[off:], keyBytes)
	off += len(keyBytes)
	copy(buf[off:], encodeRef(n.data))
	off += refSize
	copy(buf[off:], encodeRef(n.backward))
	off += refSize
	for i := 0; i < n.height; i++ {
		copy(buf[off:], encodeRef(n.forward[i]))
		off += refSize
	}
	return buf, nil
}

func decodeNode(ref storage.Ref, data []byte) (*node, error) {
	if len(data) < 3 {
		return nil, dberr.ErrInvalidFormat
	}
	height := int(data[0])
	keyLen := int(binary.LittleEndian.Uint16(data[1:3]))
	off := 3
	if off+keyLen > len(data) {
		return nil, dberr.ErrInvalidFormat
	}
	key, err := document.DecodeValue(data[off : off+keyLen])
	if err != nil {
		return nil, err
	}
	off += keyLen

	if off+refSize*2+height*refSize > len(data) {
		return nil, dberr.ErrInvalidFormat
	}
	dataRef := decodeRef(data[off : off+refSize])
	off += refSize
	backward := decodeRef(data[off : off+refSize])
	off += refSize

	forward := make([]storage.Ref, height)
	for i := 0; i < height; i++ {
		forward[i] = decodeRef(data[off : off+refSize])
		off += refSize
	}

	return &node{ref: ref, height: height, key: key, data: dataRef, backward: backward, forward: forward}, nil
}

// nodeSize returns the on-page size (including the page's own slot overhead) a node
// of the given height with a key keyLen bytes long will occupy.
func nodeSize(height, keyLen int) int {
	return storage.RecordSlotHeaderSize + 1 + 2 + keyLen + refSize + refSize + height*refSize
}

// readNode loads and decodes the node at ref.
func readNode(pg *storage.Pager, ref storage.Ref) (*node, error) {
	p, err := pg.Get(ref.PageID, false)
	if err != nil {
		return nil, err
	}
	rec := p.ReadRecord(ref.Slot)
	return decodeNode(ref, rec.Data)
}

// writeNode overwrites an already-allocated node's record in place; the record's
// byte length must not change (use for patching forward/backward pointers only,
// never the key).
func writeNode(pg *storage.Pager, n *node) error {
	p, err := pg.Get(n.ref.PageID, true)
	if err != nil {
		return err
	}
	buf, err := encodeNode(n)
	if err != nil {
		return err
	}
	if !p.UpdateRecordInPlace(n.ref.Slot, buf) {
		return dberr.New(dberr.Unknown, "index: node rewrite changed record size")
	}
	return nil
}

// setForward patches a single forward-pointer slot of an already-written node.
func setForward(pg *storage.Pager, ref storage.Ref, level int, target storage.Ref) error {
	n, err := readNode(pg, ref)
	if err != nil {
		return err
	}
	n.forward[level] = target
	return writeNode(pg, n)
}

func setBackward(pg *storage.Pager, ref storage.Ref, target storage.Ref) error {
	n, err := readNode(pg, ref)
	if err != nil {
		return err
	}
	n.backward = target
	return writeNode(pg, n)
}
