// Package idgen implements the auto-id generators the engine dispatches to when an
// inserted document lacks an `_id`: ObjectId, Guid, and Int32.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duskdb/duskdb/document"
)

// Kind selects which generator Engine.Insert uses for a collection's `_id` field.
type Kind int

const (
	KindObjectID Kind = iota
	KindGuid
	KindInt32
)

// Generator produces the next auto-assigned `_id` value for a collection.
type Generator interface {
	Next() document.Value
}

// ObjectID is a 12-byte MongoDB-style identifier: a 4-byte unix timestamp, a 5-byte
// machine+process identifier fixed at process start, and a 3-byte counter seeded
// randomly and incremented atomically. No pack library produces this exact shape,
// so it is hand-rolled (see DESIGN.md).
type ObjectID [12]byte

var (
	objectIDMachine = randomMachineID()
	objectIDCounter = randomCounterSeed()
)

func randomMachineID() [5]byte {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; fall back to a fixed value rather than panic since
		// uniqueness still holds via the timestamp+counter components.
		return [5]byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	}
	return b
}

func randomCounterSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:]) & 0x00FFFFFF
}

// objectIDGenerator implements Generator for ObjectId values.
type objectIDGenerator struct{}

// NewObjectIDGenerator returns a Generator producing monotonically-ordered
// ObjectIds.
func NewObjectIDGenerator() Generator { return objectIDGenerator{} }

func (objectIDGenerator) Next() document.Value {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], objectIDMachine[:])
	counter := atomic.AddUint32(&objectIDCounter, 1) & 0x00FFFFFF
	id[9] = byte(counter >> 16)
	id[10] = byte(counter >> 8)
	id[11] = byte(counter)
	return document.Binary(append([]byte(nil), id[:]...))
}

// guidGenerator implements Generator for Guid v4 values, via google/uuid.
type guidGenerator struct{}

// NewGuidGenerator returns a Generator producing random (v4) Guids.
func NewGuidGenerator() Generator { return guidGenerator{} }

func (guidGenerator) Next() document.Value {
	return document.Guid(uuid.New())
}

// int32Generator implements Generator for Int32 values: current collection max + 1,
// wrapping to 1 on overflow. It is not a pure function of time — it needs the
// collection's current maximum, supplied by the caller to NewInt32Generator.
type int32Generator struct {
	current int32
}

// NewInt32Generator returns a Generator seeded with the collection's current
// maximum `_id` (0 if the collection is empty or has no Int32 ids yet).
func NewInt32Generator(currentMax int32) Generator {
	return &int32Generator{current: currentMax}
}

func (g *int32Generator) Next() document.Value {
	if g.current == (1<<31)-1 {
		g.current = 0
	}
	g.current++
	return document.Int32(g.current)
}
