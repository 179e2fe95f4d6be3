// Package duskdb is the public facade over the storage engine: it
// wires the page cache/allocator (storage), the document codec (document), the
// skip-list indexes (index) and the query algebra (query) behind a single-writer,
// multi-reader API, and owns `_id` auto-assignment and batched-write commit
// semantics.
package duskdb

import (
	"time"

	"github.com/duskdb/duskdb/dberr"
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/idgen"
	"github.com/duskdb/duskdb/index"
	"github.com/duskdb/duskdb/lock"
	"github.com/duskdb/duskdb/query"
	"github.com/duskdb/duskdb/storage"
)

// IDField is the name of the mandatory identity field every collection indexes
// uniquely at creation.
const IDField = query.IDField

// DefaultBufferSize is the batch size Insert/Update use when the caller passes a
// non-positive bufferSize.
const DefaultBufferSize = 1000

// Options configures an Engine.
type Options struct {
	// Journal enables the write-ahead journal. Default true.
	Journal bool
	// CacheSize is the page cache's soft capacity, in pages.
	CacheSize int
	// ReadOnly opens the datafile without a write path.
	ReadOnly bool
	// InitialSize pre-allocates the datafile to at least this many bytes.
	InitialSize int64
	// LockTimeout bounds how long Acquire waits for the engine-wide lock. Default
	// lock.DefaultTimeout.
	LockTimeout time.Duration
	// IDKind selects the auto-id generator new collections use when an inserted
	// document has no `_id`. Default idgen.KindObjectID.
	IDKind idgen.Kind
}

func (o Options) storageOptions() storage.Options {
	return storage.Options{Journal: o.Journal, CacheSize: o.CacheSize, ReadOnly: o.ReadOnly, InitialSize: o.InitialSize}
}

// DefaultOptions returns the Options a bare Open(path, DefaultOptions()) call uses:
// journaling on, a 256-page cache, and ObjectId auto-assignment.
func DefaultOptions() Options {
	return Options{Journal: true, CacheSize: 256, LockTimeout: lock.DefaultTimeout, IDKind: idgen.KindObjectID}
}

// Engine is an open duskdb database.
type Engine struct {
	pg          *storage.Pager
	locker      *lock.Locker
	lockTimeout time.Duration
	idKind      idgen.Kind
	lastSeen    uint64
	readOnly    bool
}

// Open opens (creating if necessary) the datafile at path.
func Open(path string, opts Options) (*Engine, error) {
	pg, err := storage.Open(path, opts.storageOptions())
	if err != nil {
		return nil, err
	}
	return newEngine(pg, opts), nil
}

// OpenReadOnly opens path for reads only; no journal, no write path.
func OpenReadOnly(path string, opts Options) (*Engine, error) {
	opts.ReadOnly = true
	return Open(path, opts)
}

// OpenMemory opens a purely in-memory Engine, discarded on Close.
func OpenMemory(opts Options) (*Engine, error) {
	pg, err := storage.OpenMemory()
	if err != nil {
		return nil, err
	}
	return newEngine(pg, opts), nil
}

func newEngine(pg *storage.Pager, opts Options) *Engine {
	e := &Engine{pg: pg, lockTimeout: opts.LockTimeout, idKind: opts.IDKind, readOnly: opts.ReadOnly}
	e.locker = lock.New(func() { pg.AvoidDirtyRead() })
	return e
}

// Close releases every resource the Engine holds.
func (e *Engine) Close() error {
	return e.pg.Close()
}

func (e *Engine) acquireWrite() (*lock.Handle, error) {
	return e.locker.Acquire(lock.Exclusive, 0, e.lockTimeout)
}

func (e *Engine) acquireRead() (*lock.Handle, error) {
	return e.locker.Acquire(lock.Shared, e.lastSeen, e.lockTimeout)
}

func (e *Engine) releaseRead(h *lock.Handle) {
	e.lastSeen = h.LastSeen()
	e.locker.Release(h)
}

// ensureCollection resolves name to its CollectionPage id, creating the collection
// (and its mandatory unique `_id` index) if it doesn't exist yet. Caller must already
// hold the write lock and an open transaction.
func (e *Engine) ensureCollection(name string) (uint32, error) {
	id, ok, err := storage.LookupCollection(e.pg, name)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}
	id, err = storage.CreateCollection(e.pg, name)
	if err != nil {
		return 0, err
	}
	if _, err := index.EnsureIndex(e.pg, id, IDField, true); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) generatorFor(collPageID uint32) (idgen.Generator, error) {
	switch e.idKind {
	case idgen.KindGuid:
		return idgen.NewGuidGenerator(), nil
	case idgen.KindInt32:
		var max int32
		if t, found, err := index.Tail(e.pg, collPageID, IDField); err == nil && found && t.Key.Kind == document.KindInt32 {
			max = t.Key.Int32
		}
		return idgen.NewInt32Generator(max), nil
	default:
		return idgen.NewObjectIDGenerator(), nil
	}
}

// reindexDocument deletes/inserts each registered index entry whose (value, ref)
// pair for this document changed between oldDoc/oldRef and newDoc/newRef (nil oldDoc
// for a fresh insert). Both old and new may be nil/zero as appropriate.
func (e *Engine) reindexDocument(collPageID uint32, oldDoc *document.Document, oldRef storage.Ref, newDoc *document.Document, newRef storage.Ref) error {
	collPage, err := e.pg.Get(collPageID, false)
	if err != nil {
		return err
	}
	for _, entry := range storage.AllIndexEntries(collPage) {
		if !entry.InUse {
			continue
		}
		var oldVal document.Value
		oldOk := false
		if oldDoc != nil {
			oldVal, oldOk = oldDoc.Get(entry.FieldName)
		}
		var newVal document.Value
		newOk := false
		if newDoc != nil {
			newVal, newOk = newDoc.Get(entry.FieldName)
		}

		unchanged := oldOk == newOk && oldRef == newRef && (!oldOk || document.Compare(oldVal, newVal) == 0)
		if unchanged {
			continue
		}
		if oldOk {
			if err := index.Delete(e.pg, collPageID, entry.FieldName, oldVal, oldRef); err != nil {
				return err
			}
		}
		if newOk {
			nodeRef, err := index.Insert(e.pg, collPageID, entry.FieldName, newVal, newRef)
			if err != nil {
				return err
			}
			if entry.FieldName == IDField {
				if err := storage.SetIdNodeRef(e.pg, newRef, nodeRef); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Insert stores docs into collection, auto-assigning `_id` on any document that
// lacks one, committing every bufferSize documents (a failed buffer rolls back,
// earlier buffers stay committed). Returns
// the `_id` value assigned or found for each document, in order.
func (e *Engine) Insert(collection string, docs []*document.Document, bufferSize int) ([]document.Value, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	h, err := e.acquireWrite()
	if err != nil {
		return nil, err
	}
	defer e.locker.Release(h)

	ids := make([]document.Value, 0, len(docs))
	for start := 0; start < len(docs); start += bufferSize {
		end := start + bufferSize
		if end > len(docs) {
			end = len(docs)
		}
		batchIDs, err := e.insertBatch(collection, docs[start:end])
		if err != nil {
			return ids, err
		}
		ids = append(ids, batchIDs...)
	}
	return ids, nil
}

func (e *Engine) insertBatch(collection string, docs []*document.Document) ([]document.Value, error) {
	if err := e.pg.Begin(); err != nil {
		return nil, err
	}
	ids, err := e.insertBatchLocked(collection, docs)
	if err != nil {
		e.pg.Rollback()
		return nil, err
	}
	if err := e.pg.Commit(); err != nil {
		e.pg.Rollback()
		return nil, err
	}
	return ids, nil
}

func (e *Engine) insertBatchLocked(collection string, docs []*document.Document) ([]document.Value, error) {
	collPageID, err := e.ensureCollection(collection)
	if err != nil {
		return nil, err
	}

	var gen idgen.Generator
	ids := make([]document.Value, 0, len(docs))
	for _, doc := range docs {
		idVal, hasID := doc.Get(IDField)
		if !hasID {
			if gen == nil {
				gen, err = e.generatorFor(collPageID)
				if err != nil {
					return nil, err
				}
			}
			idVal = gen.Next()
			doc.Set(IDField, idVal)
		}

		raw, err := doc.Encode()
		if err != nil {
			return nil, err
		}
		ref, err := storage.InsertDocument(e.pg, collPageID, raw)
		if err != nil {
			return nil, err
		}
		if err := e.reindexDocument(collPageID, nil, storage.NilRef, doc, ref); err != nil {
			return nil, err
		}
		ids = append(ids, idVal)
	}
	return ids, nil
}

// Update rewrites each doc (matched by its `_id` field, which must be present) in
// collection, reindexing every field whose indexed value or storage location
// changed. Batches and rolls back exactly as Insert does.
func (e *Engine) Update(collection string, docs []*document.Document, bufferSize int) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)

	for start := 0; start < len(docs); start += bufferSize {
		end := start + bufferSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := e.updateBatch(collection, docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) updateBatch(collection string, docs []*document.Document) error {
	if err := e.pg.Begin(); err != nil {
		return err
	}
	if err := e.updateBatchLocked(collection, docs); err != nil {
		e.pg.Rollback()
		return err
	}
	if err := e.pg.Commit(); err != nil {
		e.pg.Rollback()
		return err
	}
	return nil
}

func (e *Engine) updateBatchLocked(collection string, docs []*document.Document) error {
	collPageID, ok, err := e.lookupCollectionLocked(collection)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.New(dberr.InvalidFormat, "collection not found: "+collection)
	}

	for _, newDoc := range docs {
		idVal, hasID := newDoc.Get(IDField)
		if !hasID {
			return dberr.New(dberr.InvalidFormat, "update requires an `_id` field")
		}

		it, err := index.FindEQ(e.pg, collPageID, IDField, idVal)
		if err != nil {
			return err
		}
		entry, found, err := it.Next()
		if err != nil {
			return err
		}
		if !found {
			return dberr.New(dberr.InvalidFormat, "update: no document with that `_id`")
		}
		oldRef := entry.Data

		oldRaw, err := storage.ReadDocument(e.pg, oldRef)
		if err != nil {
			return err
		}
		oldDoc, err := document.Decode(oldRaw)
		if err != nil {
			return err
		}

		newRaw, err := newDoc.Encode()
		if err != nil {
			return err
		}
		newRef, err := storage.UpdateDocument(e.pg, collPageID, oldRef, newRaw)
		if err != nil {
			return err
		}
		if err := e.reindexDocument(collPageID, oldDoc, oldRef, newDoc, newRef); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) lookupCollectionLocked(name string) (uint32, bool, error) {
	return storage.LookupCollection(e.pg, name)
}

// lookupCollectionForQuery resolves name under its own read lock, for callers that
// need the collection's page id before deciding whether to auto-build an index
// (which takes its own write lock) ahead of the read that follows.
func (e *Engine) lookupCollectionForQuery(name string) (uint32, bool, error) {
	h, err := e.acquireRead()
	if err != nil {
		return 0, false, err
	}
	defer e.releaseRead(h)
	return e.lookupCollectionLocked(name)
}

// ensureQueryIndexes builds a non-unique index, backfilled from a full scan, for
// every field q filters on that isn't indexed yet, so the executor's index-walk
// path is available on this call and every later one against the same field. A
// field left unindexed by the query executor would silently full-scan forever;
// this is what lets a query against a fresh field pay the build cost once. A
// read-only Engine has no write path to build with, so it always falls back to
// the executor's own full scan instead.
func (e *Engine) ensureQueryIndexes(collPageID uint32, q query.Query) error {
	if e.readOnly {
		return nil
	}
	for _, field := range query.Fields(q) {
		indexed, err := e.fieldIndexed(collPageID, field)
		if err != nil {
			return err
		}
		if indexed {
			continue
		}
		if err := e.autoBuildIndex(collPageID, field); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fieldIndexed(collPageID uint32, field string) (bool, error) {
	h, err := e.acquireRead()
	if err != nil {
		return false, err
	}
	defer e.releaseRead(h)

	collPage, err := e.pg.Get(collPageID, false)
	if err != nil {
		return false, err
	}
	_, _, ok := storage.FindIndexEntry(collPage, field)
	return ok, nil
}

// autoBuildIndex acquires the write lock and builds field's index from scratch, as
// EnsureIndex(unique=false) followed by a full-scan backfill of every existing
// document that carries the field.
func (e *Engine) autoBuildIndex(collPageID uint32, field string) error {
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)

	if err := e.pg.Begin(); err != nil {
		return err
	}
	if err := e.autoBuildIndexLocked(collPageID, field, false); err != nil {
		e.pg.Rollback()
		return err
	}
	return e.pg.Commit()
}

func (e *Engine) autoBuildIndexLocked(collPageID uint32, field string, unique bool) error {
	collPage, err := e.pg.Get(collPageID, false)
	if err != nil {
		return err
	}
	if _, _, ok := storage.FindIndexEntry(collPage, field); ok {
		// Already built (by a concurrent caller between the unlocked check and this
		// lock, or by an earlier EnsureIndex).
		return nil
	}
	if _, err := index.EnsureIndex(e.pg, collPageID, field, unique); err != nil {
		return err
	}

	it, err := index.All(e.pg, collPageID, IDField, false)
	if err != nil {
		return err
	}
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		raw, err := storage.ReadDocument(e.pg, entry.Data)
		if err != nil {
			return err
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return err
		}
		v, has := doc.Get(field)
		if !has {
			continue
		}
		if _, err := index.Insert(e.pg, collPageID, field, v, entry.Data); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes every document in collection matching q.
func (e *Engine) Delete(collection string, q query.Query) (int, error) {
	collPageID, ok, err := e.lookupCollectionForQuery(collection)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := e.ensureQueryIndexes(collPageID, q); err != nil {
		return 0, err
	}

	h, err := e.acquireWrite()
	if err != nil {
		return 0, err
	}
	defer e.locker.Release(h)

	if err := e.pg.Begin(); err != nil {
		return 0, err
	}
	n, err := e.deleteLocked(collPageID, q)
	if err != nil {
		e.pg.Rollback()
		return 0, err
	}
	if err := e.pg.Commit(); err != nil {
		e.pg.Rollback()
		return 0, err
	}
	return n, nil
}

func (e *Engine) deleteLocked(collPageID uint32, q query.Query) (int, error) {
	refs, err := query.Run(e.pg, collPageID, q)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		raw, err := storage.ReadDocument(e.pg, ref)
		if err != nil {
			return 0, err
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return 0, err
		}
		if err := e.reindexDocument(collPageID, doc, ref, nil, storage.NilRef); err != nil {
			return 0, err
		}
		if err := storage.DeleteDocument(e.pg, collPageID, ref); err != nil {
			return 0, err
		}
	}
	return len(refs), nil
}

// Find returns every document in collection matching q, after skipping skip results
// and capped at limit (limit <= 0 means unbounded).
func (e *Engine) Find(collection string, q query.Query, skip, limit int) ([]*document.Document, error) {
	collPageID, ok, err := e.lookupCollectionForQuery(collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := e.ensureQueryIndexes(collPageID, q); err != nil {
		return nil, err
	}

	h, err := e.acquireRead()
	if err != nil {
		return nil, err
	}
	defer e.releaseRead(h)

	refs, err := query.Run(e.pg, collPageID, q)
	if err != nil {
		return nil, err
	}
	if skip > len(refs) {
		skip = len(refs)
	}
	refs = refs[skip:]
	if limit > 0 && limit < len(refs) {
		refs = refs[:limit]
	}

	out := make([]*document.Document, 0, len(refs))
	for _, ref := range refs {
		raw, err := storage.ReadDocument(e.pg, ref)
		if err != nil {
			return nil, err
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Count returns the number of documents in collection matching q.
func (e *Engine) Count(collection string, q query.Query) (int, error) {
	collPageID, ok, err := e.lookupCollectionForQuery(collection)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := e.ensureQueryIndexes(collPageID, q); err != nil {
		return 0, err
	}

	h, err := e.acquireRead()
	if err != nil {
		return 0, err
	}
	defer e.releaseRead(h)

	refs, err := query.Run(e.pg, collPageID, q)
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

// Exists reports whether any document in collection matches q.
func (e *Engine) Exists(collection string, q query.Query) (bool, error) {
	n, err := e.Count(collection, q)
	return n > 0, err
}

// Min returns the smallest value field takes on across collection, if field is
// indexed and the collection is non-empty.
func (e *Engine) Min(collection, field string) (document.Value, bool, error) {
	h, err := e.acquireRead()
	if err != nil {
		return document.Null, false, err
	}
	defer e.releaseRead(h)

	collPageID, ok, err := e.lookupCollectionLocked(collection)
	if err != nil || !ok {
		return document.Null, false, err
	}
	entry, found, err := index.Head(e.pg, collPageID, field)
	if err != nil {
		return document.Null, false, err
	}
	return entry.Key, found, nil
}

// Max returns the largest value field takes on across collection, if field is
// indexed and the collection is non-empty.
func (e *Engine) Max(collection, field string) (document.Value, bool, error) {
	h, err := e.acquireRead()
	if err != nil {
		return document.Null, false, err
	}
	defer e.releaseRead(h)

	collPageID, ok, err := e.lookupCollectionLocked(collection)
	if err != nil || !ok {
		return document.Null, false, err
	}
	entry, found, err := index.Tail(e.pg, collPageID, field)
	if err != nil {
		return document.Null, false, err
	}
	return entry.Key, found, nil
}

// EnsureIndex registers (or confirms) an index on collection.field. A newly
// created index is backfilled from every existing document that carries field.
func (e *Engine) EnsureIndex(collection, field string, unique bool) error {
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)

	if err := e.pg.Begin(); err != nil {
		return err
	}
	collPageID, err := e.ensureCollection(collection)
	if err != nil {
		e.pg.Rollback()
		return err
	}
	if err := e.autoBuildIndexLocked(collPageID, field, unique); err != nil {
		e.pg.Rollback()
		return err
	}
	return e.pg.Commit()
}

// DropIndex removes an index from collection.field.
func (e *Engine) DropIndex(collection, field string) error {
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)

	collPageID, ok, err := e.lookupCollectionLocked(collection)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.New(dberr.InvalidFormat, "collection not found: "+collection)
	}

	if err := e.pg.Begin(); err != nil {
		return err
	}
	if err := index.DropIndex(e.pg, collPageID, field); err != nil {
		e.pg.Rollback()
		return err
	}
	return e.pg.Commit()
}

// DropCollection deletes collection and every document, index and page it owns.
func (e *Engine) DropCollection(collection string) error {
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)

	if err := e.pg.Begin(); err != nil {
		return err
	}
	if err := storage.DropCollection(e.pg, collection); err != nil {
		e.pg.Rollback()
		return err
	}
	return e.pg.Commit()
}

// RenameCollection renames a collection in place.
func (e *Engine) RenameCollection(oldName, newName string) error {
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)

	if err := e.pg.Begin(); err != nil {
		return err
	}
	if err := storage.RenameCollection(e.pg, oldName, newName); err != nil {
		e.pg.Rollback()
		return err
	}
	return e.pg.Commit()
}

// Dump returns every document in collection, in ascending `_id` order.
func (e *Engine) Dump(collection string) ([]*document.Document, error) {
	return e.Find(collection, query.All(false), 0, 0)
}

// Stats reports the page cache's hit/miss counters.
type Stats struct {
	CacheHits     uint64
	CacheMisses   uint64
	CacheSize     int
	CacheCapacity int
}

// Stats returns a snapshot of the engine's page cache counters.
func (e *Engine) Stats() Stats {
	hits, misses, size, capacity := e.pg.CacheStats()
	return Stats{CacheHits: hits, CacheMisses: misses, CacheSize: size, CacheCapacity: capacity}
}

// Checkpoint applies any committed-but-unapplied journal records into the datafile.
func (e *Engine) Checkpoint() error {
	h, err := e.acquireWrite()
	if err != nil {
		return err
	}
	defer e.locker.Release(h)
	return e.pg.Checkpoint()
}
