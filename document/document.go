// Package document implements the tagged scalar/array/object value model duskdb's
// storage engine treats as an external collaborator: a binary
// codec and an ordered comparison over values. It is deliberately small — the
// engine only needs encode/decode and Compare, never a full query language over
// the values themselves.
package document

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/duskdb/duskdb/dberr"
)

// Kind is the tag of a Value: the scalar kinds plus the two composite kinds.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindDouble
	KindDateTime
	KindGuid
	KindBinary
	KindString
	KindArray
	KindObject
)

// MaxDepth bounds nested object/array recursion during Decode, guarding against a
// corrupt or adversarial length prefix recursing forever.
const MaxDepth = 100

// typeRank orders Kinds for cross-type comparison: null sorts first, object last,
// matching the conventional BSON-like total order this spec's document model is
// drawn from.
var typeRank = map[Kind]int{
	KindNull:     0,
	KindBool:     1,
	KindInt32:    2,
	KindInt64:    2,
	KindDouble:   2,
	KindDateTime: 3,
	KindGuid:     4,
	KindBinary:   5,
	KindString:   6,
	KindArray:    7,
	KindObject:   8,
}

// Value is a single tagged value: a scalar, an array of Values, or an object
// (ordered field list).
type Value struct {
	Kind   Kind
	Bool   bool
	Int32  int32
	Int64  int64
	Double float64
	Time   time.Time
	Guid   uuid.UUID
	Binary []byte
	String string
	Array  []Value
	Object *Document
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int32(i int32) Value         { return Value{Kind: KindInt32, Int32: i} }
func Int64(i int64) Value         { return Value{Kind: KindInt64, Int64: i} }
func Double(f float64) Value      { return Value{Kind: KindDouble, Double: f} }
func DateTime(t time.Time) Value  { return Value{Kind: KindDateTime, Time: t} }
func Guid(u uuid.UUID) Value      { return Value{Kind: KindGuid, Guid: u} }
func Binary(b []byte) Value       { return Value{Kind: KindBinary, Binary: b} }
func String(s string) Value       { return Value{Kind: KindString, String: s} }
func Array(vs []Value) Value      { return Value{Kind: KindArray, Array: vs} }
func Object(d *Document) Value    { return Value{Kind: KindObject, Object: d} }

// Field is a named value within a Document.
type Field struct {
	Name  string
	Value Value
}

// Document is an ordered list of named fields — the engine's in-memory view of one
// record's payload.
type Document struct {
	Fields []Field
}

// New creates an empty document.
func New() *Document {
	return &Document{}
}

// Set adds or overwrites a top-level field.
func (d *Document) Set(name string, v Value) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: v})
}

// Get returns a top-level field's value.
func (d *Document) Get(name string) (Value, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Null, false
}

// Compare orders two values for skip-list keys and range queries. Differing kinds
// compare by typeRank; same-kind values compare structurally. Numeric kinds
// (Int32/Int64/Double) compare across each other by numeric value, matching
// documents where a field's numeric type may vary between inserts.
func Compare(a, b Value) int {
	ra, rb := typeRank[a.Kind], typeRank[b.Kind]
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case KindInt32, KindInt64, KindDouble:
		av, bv := numericValue(a), numericValue(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case KindDateTime:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		default:
			return 0
		}
	case KindGuid:
		for i := 0; i < len(a.Guid); i++ {
			if a.Guid[i] != b.Guid[i] {
				if a.Guid[i] < b.Guid[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	case KindBinary:
		return compareBytes(a.Binary, b.Binary)
	case KindString:
		switch {
		case a.String < b.String:
			return -1
		case a.String > b.String:
			return 1
		default:
			return 0
		}
	case KindArray:
		n := len(a.Array)
		if len(b.Array) < n {
			n = len(b.Array)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.Array[i], b.Array[i]); c != 0 {
				return c
			}
		}
		return intCompare(len(a.Array), len(b.Array))
	case KindObject:
		n := len(a.Object.Fields)
		if len(b.Object.Fields) < n {
			n = len(b.Object.Fields)
		}
		for i := 0; i < n; i++ {
			if a.Object.Fields[i].Name != b.Object.Fields[i].Name {
				if a.Object.Fields[i].Name < b.Object.Fields[i].Name {
					return -1
				}
				return 1
			}
			if c := Compare(a.Object.Fields[i].Value, b.Object.Fields[i].Value); c != 0 {
				return c
			}
		}
		return intCompare(len(a.Object.Fields), len(b.Object.Fields))
	default:
		return 0
	}
}

func numericValue(v Value) float64 {
	switch v.Kind {
	case KindInt32:
		return float64(v.Int32)
	case KindInt64:
		return float64(v.Int64)
	case KindDouble:
		return v.Double
	default:
		return 0
	}
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
	return intCompare(len(a), len(b))
}

func intCompare(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// HasPrefix reports whether a string value starts with prefix, for StartsWith
// queries; non-string values never match.
func HasPrefix(v Value, prefix string) bool {
	if v.Kind != KindString {
		return false
	}
	if len(prefix) > len(v.String) {
		return false
	}
	return v.String[:len(prefix)] == prefix
}

// EncodeValue serializes a single Value to bytes: [kind:byte][value...]. Used by
// the index package to persist skip-list keys, which are single field values, not
// whole documents.
func EncodeValue(v Value) ([]byte, error) {
	buf := make([]byte, 0, 16)
	buf = append(buf, byte(v.Kind))
	if err := encodeValue(&buf, v, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeValue deserializes a Value previously produced by EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	if len(data) < 1 {
		return Null, dberr.ErrInvalidFormat
	}
	v, _, err := decodeValue(Kind(data[0]), data[1:], 0)
	return v, err
}

// Encode serializes the document to bytes:
// [nb_fields:uint16] then per field [name_len:uint16][name][kind:byte][value...].
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 256)
	if err := encodeDocument(&buf, d, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode deserializes a document previously produced by Encode.
func Decode(data []byte) (*Document, error) {
	d, _, err := decodeDocument(data, 0)
	return d, err
}

func encodeDocument(buf *[]byte, d *Document, depth int) error {
	if depth > MaxDepth {
		return dberr.ErrDocumentMaxDepth
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(d.Fields)))
	*buf = append(*buf, tmp[:2]...)
	for _, f := range d.Fields {
		if len(f.Name) > math.MaxUint16 {
			return fmt.Errorf("document: field name too long: %s", f.Name)
		}
		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(f.Name)))
		*buf = append(*buf, tmp[:2]...)
		*buf = append(*buf, f.Name...)
		*buf = append(*buf, byte(f.Value.Kind))
		if err := encodeValue(buf, f.Value, depth); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(buf *[]byte, v Value, depth int) error {
	var tmp [8]byte
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			*buf = append(*buf, 1)
		} else {
			*buf = append(*buf, 0)
		}
	case KindInt32:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v.Int32))
		*buf = append(*buf, tmp[:4]...)
	case KindInt64:
		binary.LittleEndian.PutUint64(tmp[:8], uint64(v.Int64))
		*buf = append(*buf, tmp[:8]...)
	case KindDouble:
		binary.LittleEndian.PutUint64(tmp[:8], math.Float64bits(v.Double))
		*buf = append(*buf, tmp[:8]...)
	case KindDateTime:
		binary.LittleEndian.PutUint64(tmp[:8], uint64(v.Time.UnixNano()))
		*buf = append(*buf, tmp[:8]...)
	case KindGuid:
		*buf = append(*buf, v.Guid[:]...)
	case KindBinary:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(v.Binary)))
		*buf = append(*buf, tmp[:4]...)
		*buf = append(*buf, v.Binary...)
	case KindString:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(v.String)))
		*buf = append(*buf, tmp[:4]...)
		*buf = append(*buf, v.String...)
	case KindArray:
		if depth+1 > MaxDepth {
			return dberr.ErrDocumentMaxDepth
		}
		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(v.Array)))
		*buf = append(*buf, tmp[:2]...)
		for _, e := range v.Array {
			*buf = append(*buf, byte(e.Kind))
			if err := encodeValue(buf, e, depth+1); err != nil {
				return err
			}
		}
	case KindObject:
		if err := encodeDocument(buf, v.Object, depth+1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("document: unknown value kind %d", v.Kind)
	}
	return nil
}

func decodeDocument(data []byte, depth int) (*Document, int, error) {
	if depth > MaxDepth {
		return nil, 0, dberr.ErrDocumentMaxDepth
	}
	if len(data) < 2 {
		return nil, 0, dberr.ErrInvalidFormat
	}
	d := New()
	off := 2
	nbFields := int(binary.LittleEndian.Uint16(data[0:2]))

	for i := 0; i < nbFields; i++ {
		if off+2 > len(data) {
			return nil, 0, dberr.ErrInvalidFormat
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen > len(data) {
			return nil, 0, dberr.ErrInvalidFormat
		}
		name := string(data[off : off+nameLen])
		off += nameLen

		if off >= len(data) {
			return nil, 0, dberr.ErrInvalidFormat
		}
		kind := Kind(data[off])
		off++

		v, n, err := decodeValue(kind, data[off:], depth)
		if err != nil {
			return nil, 0, err
		}
		off += n
		d.Fields = append(d.Fields, Field{Name: name, Value: v})
	}
	return d, off, nil
}

func decodeValue(k Kind, data []byte, depth int) (Value, int, error) {
	switch k {
	case KindNull:
		return Null, 0, nil
	case KindBool:
		if len(data) < 1 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		return Bool(data[0] != 0), 1, nil
	case KindInt32:
		if len(data) < 4 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		return Int32(int32(binary.LittleEndian.Uint32(data))), 4, nil
	case KindInt64:
		if len(data) < 8 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		return Int64(int64(binary.LittleEndian.Uint64(data))), 8, nil
	case KindDouble:
		if len(data) < 8 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), 8, nil
	case KindDateTime:
		if len(data) < 8 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		nanos := int64(binary.LittleEndian.Uint64(data))
		return DateTime(time.Unix(0, nanos).UTC()), 8, nil
	case KindGuid:
		if len(data) < 16 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		var u uuid.UUID
		copy(u[:], data[:16])
		return Guid(u), 16, nil
	case KindBinary:
		if len(data) < 4 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		blen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+blen {
			return Null, 0, dberr.ErrInvalidFormat
		}
		b := append([]byte(nil), data[4:4+blen]...)
		return Binary(b), 4 + blen, nil
	case KindString:
		if len(data) < 4 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		slen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+slen {
			return Null, 0, dberr.ErrInvalidFormat
		}
		return String(string(data[4 : 4+slen])), 4 + slen, nil
	case KindArray:
		if depth+1 > MaxDepth {
			return Null, 0, dberr.ErrDocumentMaxDepth
		}
		if len(data) < 2 {
			return Null, 0, dberr.ErrInvalidFormat
		}
		count := int(binary.LittleEndian.Uint16(data[0:2]))
		off := 2
		arr := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			if off >= len(data) {
				return Null, 0, dberr.ErrInvalidFormat
			}
			et := Kind(data[off])
			off++
			ev, n, err := decodeValue(et, data[off:], depth+1)
			if err != nil {
				return Null, 0, err
			}
			off += n
			arr = append(arr, ev)
		}
		return Array(arr), off, nil
	case KindObject:
		sub, n, err := decodeDocument(data, depth+1)
		if err != nil {
			return Null, 0, err
		}
		return Object(sub), n, nil
	default:
		return Null, 0, dberr.ErrInvalidDataType
	}
}
