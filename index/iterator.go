package index

import (
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/storage"
)

// Entry is one (key, dataRef) pair yielded while walking an index.
type Entry struct {
	Key  document.Value
	Data storage.Ref
}

// Iterator is a pull-based cursor over a run of index nodes, advanced one node per
// Next call so a query executor (query/executor.go) can stop early without reading
// the whole index.
type Iterator struct {
	pg      *storage.Pager
	entry   storage.IndexEntry
	cur     storage.Ref
	desc    bool
	done    bool
	atStart bool

	// stopAt, when non-nil, ends iteration as soon as a node's key no longer
	// satisfies it (used by Between/StartsWith/comparison scans).
	stopAt func(document.Value) bool
}

// newIterator builds an Iterator starting just before the first node to visit: start
// is the ref to begin scanning FROM (exclusive), in the iteration direction desc
// indicates.
func newIterator(pg *storage.Pager, entry storage.IndexEntry, start storage.Ref, desc bool, stopAt func(document.Value) bool) *Iterator {
	return &Iterator{pg: pg, entry: entry, cur: start, desc: desc, stopAt: stopAt}
}

// Next advances the cursor and reports whether another entry is available.
func (it *Iterator) Next() (Entry, bool, error) {
	if it.done {
		return Entry{}, false, nil
	}

	n, err := readNode(it.pg, it.cur)
	if err != nil {
		return Entry{}, false, err
	}

	var nextRef storage.Ref
	if it.desc {
		nextRef = n.backward
	} else {
		nextRef = n.forward[0]
	}

	if isTerminal(it.entry, nextRef) {
		it.done = true
		return Entry{}, false, nil
	}

	next, err := readNode(it.pg, nextRef)
	if err != nil {
		return Entry{}, false, err
	}
	if it.stopAt != nil && it.stopAt(next.key) {
		it.done = true
		return Entry{}, false, nil
	}

	it.cur = nextRef
	return Entry{Key: next.key, Data: next.data}, true, nil
}

// All returns an Iterator over every entry of field's index, in ascending or
// descending key order.
func All(pg *storage.Pager, collPageID uint32, field string, desc bool) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	start := entry.Head
	if desc {
		start = entry.Tail
	}
	return newIterator(pg, entry, start, desc, nil), nil
}

// FindEQ returns an Iterator over every node whose key equals target, in ascending
// key order (matching duplicates run contiguously at level 0).
func FindEQ(pg *storage.Pager, collPageID uint32, field string, target document.Value) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	update, err := findPredecessors(pg, entry, target)
	if err != nil {
		return nil, err
	}
	return newIterator(pg, entry, update[0], false, func(k document.Value) bool {
		return document.Compare(k, target) != 0
	}), nil
}

// FindGT returns an Iterator over every node whose key is strictly greater than
// target, ascending.
func FindGT(pg *storage.Pager, collPageID uint32, field string, target document.Value) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	update, err := findPredecessors(pg, entry, target)
	if err != nil {
		return nil, err
	}
	cur := update[0]
	for {
		n, err := readNode(pg, cur)
		if err != nil {
			return nil, err
		}
		if isTerminal(entry, n.forward[0]) {
			break
		}
		nextNode, err := readNode(pg, n.forward[0])
		if err != nil {
			return nil, err
		}
		if document.Compare(nextNode.key, target) != 0 {
			break
		}
		cur = n.forward[0]
	}
	return newIterator(pg, entry, cur, false, nil), nil
}

// FindGTE returns an Iterator over every node whose key is >= target, ascending.
func FindGTE(pg *storage.Pager, collPageID uint32, field string, target document.Value) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	update, err := findPredecessors(pg, entry, target)
	if err != nil {
		return nil, err
	}
	return newIterator(pg, entry, update[0], false, nil), nil
}

// FindLT returns an Iterator over every node whose key is strictly less than target,
// descending (from the predecessor of target backward to HEAD).
func FindLT(pg *storage.Pager, collPageID uint32, field string, target document.Value) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	update, err := findPredecessors(pg, entry, target)
	if err != nil {
		return nil, err
	}
	// A descending Iterator's cur is exclusive: Next() emits cur.backward, never cur
	// itself (see All(desc) starting at entry.Tail). update[0] is the greatest node
	// with key < target and must be the first node emitted, so start one node
	// forward of it — the node at forward[0] will descend back to update[0] first.
	pred, err := readNode(pg, update[0])
	if err != nil {
		return nil, err
	}
	return newIterator(pg, entry, pred.forward[0], true, nil), nil
}

// FindLTE returns an Iterator over every node whose key is <= target, descending.
func FindLTE(pg *storage.Pager, collPageID uint32, field string, target document.Value) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	update, err := findPredecessors(pg, entry, target)
	if err != nil {
		return nil, err
	}
	cur := update[0]
	for {
		n, err := readNode(pg, cur)
		if err != nil {
			return nil, err
		}
		if isTerminal(entry, n.forward[0]) {
			break
		}
		nextNode, err := readNode(pg, n.forward[0])
		if err != nil {
			return nil, err
		}
		if document.Compare(nextNode.key, target) != 0 {
			break
		}
		cur = n.forward[0]
	}
	// cur is the greatest node with key <= target (a match, or update[0] if none
	// matched) and must be the first node a descending Iterator emits; since Next()
	// treats its start ref as exclusive, start one node forward of cur instead.
	last, err := readNode(pg, cur)
	if err != nil {
		return nil, err
	}
	return newIterator(pg, entry, last.forward[0], true, nil), nil
}

// Between returns an Iterator over every node whose key lies in [lo, hi], ascending.
func Between(pg *storage.Pager, collPageID uint32, field string, lo, hi document.Value) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	update, err := findPredecessors(pg, entry, lo)
	if err != nil {
		return nil, err
	}
	return newIterator(pg, entry, update[0], false, func(k document.Value) bool {
		return document.Compare(k, hi) > 0
	}), nil
}

// StartsWith returns an Iterator over every node whose key is a string with prefix
// as a leading substring, ascending — relies on keys of a common prefix sorting
// contiguously (document.Compare's byte-lexicographic string ordering).
func StartsWith(pg *storage.Pager, collPageID uint32, field string, prefix string) (*Iterator, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return nil, err
	}
	target := document.Value{Kind: document.KindString, String: prefix}
	update, err := findPredecessors(pg, entry, target)
	if err != nil {
		return nil, err
	}
	return newIterator(pg, entry, update[0], false, func(k document.Value) bool {
		return !document.HasPrefix(k, prefix)
	}), nil
}

// Head returns the index's minimum (key, dataRef), if the index has any entries.
func Head(pg *storage.Pager, collPageID uint32, field string) (Entry, bool, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return Entry{}, false, err
	}
	headNode, err := readNode(pg, entry.Head)
	if err != nil {
		return Entry{}, false, err
	}
	if isTerminal(entry, headNode.forward[0]) {
		return Entry{}, false, nil
	}
	n, err := readNode(pg, headNode.forward[0])
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: n.key, Data: n.data}, true, nil
}

// Tail returns the index's maximum (key, dataRef), if the index has any entries.
func Tail(pg *storage.Pager, collPageID uint32, field string) (Entry, bool, error) {
	entry, err := lookupEntry(pg, collPageID, field)
	if err != nil {
		return Entry{}, false, err
	}
	tailNode, err := readNode(pg, entry.Tail)
	if err != nil {
		return Entry{}, false, err
	}
	if isTerminal(entry, tailNode.backward) {
		return Entry{}, false, nil
	}
	n, err := readNode(pg, tailNode.backward)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: n.key, Data: n.data}, true, nil
}
