package index

import (
	"github.com/duskdb/duskdb/dberr"
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/storage"
)

// EnsureIndex registers an index on field if it doesn't already exist, creating its
// HEAD/TAIL sentinel pair (both at MaxLevel) on a fresh index page.
// If the index already exists, its entry index is returned unchanged — the unique
// flag of an existing index is never altered by a second EnsureIndex call.
func EnsureIndex(pg *storage.Pager, collPageID uint32, field string, unique bool) (int, error) {
	collPage, err := pg.Get(collPageID, true)
	if err != nil {
		return -1, err
	}
	if _, idx, ok := storage.FindIndexEntry(collPage, field); ok {
		return idx, nil
	}

	headRef, tailRef, freeIndexPageID, err := createSentinels(pg)
	if err != nil {
		return -1, err
	}

	entry := storage.IndexEntry{
		Unique:          unique,
		FieldName:       field,
		Head:            headRef,
		Tail:            tailRef,
		FreeIndexPageID: freeIndexPageID,
	}
	return storage.AddIndexEntry(collPage, entry)
}

// createSentinels allocates one fresh index page and writes HEAD and TAIL onto it:
// HEAD.forward[*] = TAIL, TAIL.backward = HEAD, satisfying an empty index's
// invariants.
func createSentinels(pg *storage.Pager) (head, tail storage.Ref, freeListHead uint32, err error) {
	page, err := pg.NewPage(storage.PageTypeIndex, storage.NoPageID)
	if err != nil {
		return storage.NilRef, storage.NilRef, storage.NoPageID, err
	}

	headNode := &node{height: MaxLevel, key: document.Null, data: storage.NilRef, backward: storage.NilRef, forward: make([]storage.Ref, MaxLevel)}
	headBuf, err := encodeNode(headNode)
	if err != nil {
		return storage.NilRef, storage.NilRef, storage.NoPageID, err
	}
	headSlot, ok := page.AppendRecord(headBuf)
	if !ok {
		return storage.NilRef, storage.NilRef, storage.NoPageID, dberr.New(dberr.Unknown, "index: fresh page too small for HEAD")
	}
	head = storage.Ref{PageID: page.PageID(), Slot: headSlot}

	tailNode := &node{height: MaxLevel, key: document.Null, data: storage.NilRef, backward: head, forward: make([]storage.Ref, MaxLevel)}
	for i := range tailNode.forward {
		tailNode.forward[i] = storage.NilRef
	}
	tailBuf, err := encodeNode(tailNode)
	if err != nil {
		return storage.NilRef, storage.NilRef, storage.NoPageID, err
	}
	tailSlot, ok := page.AppendRecord(tailBuf)
	if !ok {
		return storage.NilRef, storage.NilRef, storage.NoPageID, dberr.New(dberr.Unknown, "index: fresh page too small for TAIL")
	}
	tail = storage.Ref{PageID: page.PageID(), Slot: tailSlot}

	for i := range headNode.forward {
		headNode.forward[i] = tail
	}
	headNode.ref = head
	if err := writeNode(pg, headNode); err != nil {
		return storage.NilRef, storage.NilRef, storage.NoPageID, err
	}

	return head, tail, page.PageID(), nil
}

// DropIndex frees every page the index ever allocated and removes its collection
// table entry.
func DropIndex(pg *storage.Pager, collPageID uint32, field string) error {
	collPage, err := pg.Get(collPageID, true)
	if err != nil {
		return err
	}
	entry, idx, ok := storage.FindIndexEntry(collPage, field)
	if !ok {
		return dberr.ErrIndexNotFound
	}
	if entry.FreeIndexPageID != storage.NoPageID {
		if err := pg.DeletePage(entry.FreeIndexPageID, true); err != nil {
			return err
		}
	}
	storage.RemoveIndexEntry(collPage, idx)
	return nil
}

// lookupEntry resolves field to its IndexEntry, returning dberr.ErrIndexNotFound if
// no such index exists yet — callers that only want to check for an index (like the
// query executor's dispatch) should check existence first rather than relying on
// this error.
func lookupEntry(pg *storage.Pager, collPageID uint32, field string) (storage.IndexEntry, error) {
	collPage, err := pg.Get(collPageID, false)
	if err != nil {
		return storage.IndexEntry{}, err
	}
	entry, _, ok := storage.FindIndexEntry(collPage, field)
	if !ok {
		return storage.IndexEntry{}, dberr.ErrIndexNotFound
	}
	return entry, nil
}

// isTerminal reports whether ref is one of the index's own HEAD/TAIL sentinels —
// the GLOSSARY's "is_head_tail" check.
func isTerminal(entry storage.IndexEntry, ref storage.Ref) bool {
	return ref == entry.Head || ref == entry.Tail
}

// findPredecessors descends from HEAD at MaxLevel-1 down to level 0, stopping at
// each level just before the first node whose key is >= target (TAIL always counts
// as "key >= target"), and returns the predecessor ref at every level.
func findPredecessors(pg *storage.Pager, entry storage.IndexEntry, target document.Value) ([]storage.Ref, error) {
	update := make([]storage.Ref, MaxLevel)
	cur := entry.Head
	curNode, err := readNode(pg, cur)
	if err != nil {
		return nil, err
	}

	for level := MaxLevel - 1; level >= 0; level-- {
		for {
			next := curNode.forward[level]
			if isTerminal(entry, next) && next == entry.Tail {
				break
			}
			nextNode, err := readNode(pg, next)
			if err != nil {
				return nil, err
			}
			if document.Compare(nextNode.key, target) >= 0 {
				break
			}
			cur = next
			curNode = nextNode
		}
		update[level] = cur
	}
	return update, nil
}

// Insert adds key -> dataRef to the index on field, returning the new IndexNode's
// ref. If the index is unique and key already occurs, it fails with
// IndexDuplicateKey and changes nothing.
func Insert(pg *storage.Pager, collPageID uint32, field string, key document.Value, dataRef storage.Ref) (storage.Ref, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return storage.NilRef, err
	}

	update, err := findPredecessors(pg, entry, key)
	if err != nil {
		return storage.NilRef, err
	}

	predNode, err := readNode(pg, update[0])
	if err != nil {
		return storage.NilRef, err
	}
	next := predNode.forward[0]
	if entry.Unique && next != entry.Tail {
		nextNode, err := readNode(pg, next)
		if err != nil {
			return storage.NilRef, err
		}
		if document.Compare(nextNode.key, key) == 0 {
			return storage.NilRef, dberr.ErrIndexDuplicateKey
		}
	}

	height := randomHeight()
	forward := make([]storage.Ref, height)
	for l := 0; l < height; l++ {
		predAtLevel, err := readNode(pg, update[l])
		if err != nil {
			return storage.NilRef, err
		}
		forward[l] = predAtLevel.forward[l]
	}

	newNode := &node{height: height, key: key, data: dataRef, backward: update[0], forward: forward}
	ref, err := allocateNode(pg, collPageID, field, newNode)
	if err != nil {
		return storage.NilRef, err
	}

	for l := 0; l < height; l++ {
		if err := setForward(pg, update[l], l, ref); err != nil {
			return storage.NilRef, err
		}
	}
	if err := setBackward(pg, forward[0], ref); err != nil {
		return storage.NilRef, err
	}

	return ref, nil
}

// allocateNode writes n's record onto the index's free-index-page list, creating
// the node's own ref, and repositions the host page on that list.
func allocateNode(pg *storage.Pager, collPageID uint32, field string, n *node) (storage.Ref, error) {
	body, err := encodeNode(n)
	if err != nil {
		return storage.NilRef, err
	}
	needed := storage.RecordSlotHeaderSize + len(body)

	collPage, err := pg.Get(collPageID, true)
	if err != nil {
		return storage.NilRef, err
	}
	entry, idx, ok := storage.FindIndexEntry(collPage, field)
	if !ok {
		return storage.NilRef, dberr.ErrIndexNotFound
	}

	page, isNew, err := pg.GetFree(entry.FreeIndexPageID, storage.PageTypeIndex, needed)
	if err != nil {
		return storage.NilRef, err
	}
	slot, ok := page.AppendRecord(body)
	if !ok {
		return storage.NilRef, dberr.New(dberr.Unknown, "index: page reported free space it didn't have")
	}

	var newHead uint32
	if isNew {
		newHead, err = pg.AddToFreeList(entry.FreeIndexPageID, page, true)
	} else {
		newHead, err = pg.UpdateFreeList(entry.FreeIndexPageID, page, true)
	}
	if err != nil {
		return storage.NilRef, err
	}
	entry.FreeIndexPageID = newHead
	storage.SetIndexEntryAt(collPage, idx, entry)

	return storage.Ref{PageID: page.PageID(), Slot: slot}, nil
}

// Delete removes the node matching (key, dataRef) from the index on field.
func Delete(pg *storage.Pager, collPageID uint32, field string, key document.Value, dataRef storage.Ref) error {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return err
	}

	target, err := locateNode(pg, entry, key, dataRef)
	if err != nil {
		return err
	}
	if target == nil {
		return dberr.New(dberr.Unknown, "index: delete of key/ref not found")
	}

	update, err := locateExactPredecessors(pg, entry, target)
	if err != nil {
		return err
	}

	for l := 0; l < target.height; l++ {
		if err := setForward(pg, update[l], l, target.forward[l]); err != nil {
			return err
		}
	}
	if err := setBackward(pg, target.forward[0], target.backward); err != nil {
		return err
	}

	return freeNode(pg, collPageID, field, target)
}

// locateNode finds the node with exactly key and dataRef by scanning the level-0
// chain forward from key's first occurrence.
func locateNode(pg *storage.Pager, entry storage.IndexEntry, key document.Value, dataRef storage.Ref) (*node, error) {
	update, err := findPredecessors(pg, entry, key)
	if err != nil {
		return nil, err
	}
	cur := update[0]
	for {
		curNode, err := readNode(pg, cur)
		if err != nil {
			return nil, err
		}
		next := curNode.forward[0]
		if next == entry.Tail {
			return nil, nil
		}
		nextNode, err := readNode(pg, next)
		if err != nil {
			return nil, err
		}
		if document.Compare(nextNode.key, key) != 0 {
			return nil, nil
		}
		if nextNode.data == dataRef {
			return nextNode, nil
		}
		cur = next
	}
}

// locateExactPredecessors finds, at every level target participates in, the node
// whose forward pointer is target itself — the one robust way to unlink a specific
// node when several nodes share its key.
func locateExactPredecessors(pg *storage.Pager, entry storage.IndexEntry, target *node) ([]storage.Ref, error) {
	update := make([]storage.Ref, target.height)
	cur := entry.Head
	curNode, err := readNode(pg, cur)
	if err != nil {
		return nil, err
	}

	for level := MaxLevel - 1; level >= 0; level-- {
		for {
			next := curNode.forward[level]
			if next == target.ref {
				break
			}
			if next == entry.Tail {
				break
			}
			nextNode, err := readNode(pg, next)
			if err != nil {
				return nil, err
			}
			if document.Compare(nextNode.key, target.key) > 0 {
				break
			}
			cur = next
			curNode = nextNode
		}
		if level < target.height {
			update[level] = cur
		}
	}
	return update, nil
}

// freeNode tombstones target's record and repositions its host page on the
// free-index-page list.
func freeNode(pg *storage.Pager, collPageID uint32, field string, target *node) error {
	p, err := pg.Get(target.ref.PageID, true)
	if err != nil {
		return err
	}
	p.MarkDeleted(target.ref.Slot)

	collPage, err := pg.Get(collPageID, true)
	if err != nil {
		return err
	}
	entry, idx, ok := storage.FindIndexEntry(collPage, field)
	if !ok {
		return dberr.ErrIndexNotFound
	}
	newHead, err := pg.UpdateFreeList(entry.FreeIndexPageID, p, true)
	if err != nil {
		return err
	}
	entry.FreeIndexPageID = newHead
	storage.SetIndexEntryAt(collPage, idx, entry)
	return nil
}
