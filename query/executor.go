package query

import (
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/index"
	"github.com/duskdb/duskdb/storage"
)

// IDField is the name of every collection's mandatory identity field, and the field
// full-scan falls back to walking when the query's own field has no index yet.
const IDField = "_id"

// Run executes q against the collection at collPageID, returning the matching
// DataBlock refs in the order the winning execution path produced them, each
// appearing once.
func Run(pg *storage.Pager, collPageID uint32, q Query) ([]storage.Ref, error) {
	switch v := q.(type) {
	case Compare:
		return runCompare(pg, collPageID, v)
	case BetweenQuery:
		return runBetween(pg, collPageID, v)
	case StartsWithQuery:
		return runStartsWith(pg, collPageID, v)
	case InQuery:
		return runIn(pg, collPageID, v)
	case AllQuery:
		return runAll(pg, collPageID, v)
	case AndQuery:
		a, err := Run(pg, collPageID, v.A)
		if err != nil {
			return nil, err
		}
		b, err := Run(pg, collPageID, v.B)
		if err != nil {
			return nil, err
		}
		return intersect(a, b), nil
	case OrQuery:
		a, err := Run(pg, collPageID, v.A)
		if err != nil {
			return nil, err
		}
		b, err := Run(pg, collPageID, v.B)
		if err != nil {
			return nil, err
		}
		return union(a, b), nil
	case NotQuery:
		all, err := Run(pg, collPageID, AllQuery{})
		if err != nil {
			return nil, err
		}
		excluded, err := Run(pg, collPageID, v.Q)
		if err != nil {
			return nil, err
		}
		return difference(all, excluded), nil
	default:
		return nil, nil
	}
}

// Fields returns every field q filters on, deduplicated in first-seen order —
// the set a caller must have indexed before Run can take the index-walk path for
// every leaf of q rather than silently falling back to a full scan. AllQuery
// contributes nothing: it walks the mandatory `_id` index, which always exists.
func Fields(q Query) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(field string) {
		if !seen[field] {
			seen[field] = true
			out = append(out, field)
		}
	}
	var walk func(Query)
	walk = func(q Query) {
		switch v := q.(type) {
		case Compare:
			add(v.Field)
		case BetweenQuery:
			add(v.Field)
		case StartsWithQuery:
			add(v.Field)
		case InQuery:
			add(v.Field)
		case AndQuery:
			walk(v.A)
			walk(v.B)
		case OrQuery:
			walk(v.A)
			walk(v.B)
		case NotQuery:
			walk(v.Q)
		}
	}
	walk(q)
	return out
}

// isIndexed reports whether field has a registered index on the collection.
func isIndexed(pg *storage.Pager, collPageID uint32, field string) (bool, error) {
	p, err := pg.Get(collPageID, false)
	if err != nil {
		return false, err
	}
	_, _, ok := storage.FindIndexEntry(p, field)
	return ok, nil
}

func runCompare(pg *storage.Pager, collPageID uint32, c Compare) ([]storage.Ref, error) {
	indexed, err := isIndexed(pg, collPageID, c.Field)
	if err != nil {
		return nil, err
	}
	if indexed {
		var it *index.Iterator
		switch c.Op {
		case opEQ:
			it, err = index.FindEQ(pg, collPageID, c.Field, c.Value)
		case opGT:
			it, err = index.FindGT(pg, collPageID, c.Field, c.Value)
		case opGTE:
			it, err = index.FindGTE(pg, collPageID, c.Field, c.Value)
		case opLT:
			it, err = index.FindLT(pg, collPageID, c.Field, c.Value)
		case opLTE:
			it, err = index.FindLTE(pg, collPageID, c.Field, c.Value)
		}
		if err != nil {
			return nil, err
		}
		return drain(it)
	}
	return fullScan(pg, collPageID, func(doc *document.Document) bool {
		v, ok := doc.Get(c.Field)
		if !ok {
			return false
		}
		cmp := document.Compare(v, c.Value)
		switch c.Op {
		case opEQ:
			return cmp == 0
		case opGT:
			return cmp > 0
		case opGTE:
			return cmp >= 0
		case opLT:
			return cmp < 0
		case opLTE:
			return cmp <= 0
		default:
			return false
		}
	})
}

func runBetween(pg *storage.Pager, collPageID uint32, b BetweenQuery) ([]storage.Ref, error) {
	indexed, err := isIndexed(pg, collPageID, b.Field)
	if err != nil {
		return nil, err
	}
	if indexed {
		it, err := index.Between(pg, collPageID, b.Field, b.Lo, b.Hi)
		if err != nil {
			return nil, err
		}
		return drain(it)
	}
	return fullScan(pg, collPageID, func(doc *document.Document) bool {
		v, ok := doc.Get(b.Field)
		if !ok {
			return false
		}
		return document.Compare(v, b.Lo) >= 0 && document.Compare(v, b.Hi) <= 0
	})
}

func runStartsWith(pg *storage.Pager, collPageID uint32, s StartsWithQuery) ([]storage.Ref, error) {
	indexed, err := isIndexed(pg, collPageID, s.Field)
	if err != nil {
		return nil, err
	}
	if indexed {
		it, err := index.StartsWith(pg, collPageID, s.Field, s.Prefix)
		if err != nil {
			return nil, err
		}
		return drain(it)
	}
	return fullScan(pg, collPageID, func(doc *document.Document) bool {
		v, ok := doc.Get(s.Field)
		if !ok {
			return false
		}
		return document.HasPrefix(v, s.Prefix)
	})
}

func runIn(pg *storage.Pager, collPageID uint32, in InQuery) ([]storage.Ref, error) {
	indexed, err := isIndexed(pg, collPageID, in.Field)
	if err != nil {
		return nil, err
	}
	if indexed {
		var out []storage.Ref
		for _, v := range in.Values {
			it, err := index.FindEQ(pg, collPageID, in.Field, v)
			if err != nil {
				return nil, err
			}
			refs, err := drain(it)
			if err != nil {
				return nil, err
			}
			out = union(out, refs)
		}
		return out, nil
	}
	return fullScan(pg, collPageID, func(doc *document.Document) bool {
		v, ok := doc.Get(in.Field)
		if !ok {
			return false
		}
		for _, want := range in.Values {
			if document.Compare(v, want) == 0 {
				return true
			}
		}
		return false
	})
}

func runAll(pg *storage.Pager, collPageID uint32, a AllQuery) ([]storage.Ref, error) {
	indexed, err := isIndexed(pg, collPageID, IDField)
	if err != nil {
		return nil, err
	}
	if !indexed {
		return nil, nil
	}
	it, err := index.All(pg, collPageID, IDField, a.Descending)
	if err != nil {
		return nil, err
	}
	return drain(it)
}

// fullScan walks the `_id` index — a full scan is a traversal of the mandatory
// `_id` index, not a separate data-page chain — and keeps every DataBlock whose
// decoded document satisfies pred.
func fullScan(pg *storage.Pager, collPageID uint32, pred func(*document.Document) bool) ([]storage.Ref, error) {
	it, err := index.All(pg, collPageID, IDField, false)
	if err != nil {
		return nil, err
	}
	var out []storage.Ref
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		raw, err := storage.ReadDocument(pg, e.Data)
		if err != nil {
			return nil, err
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return nil, err
		}
		if pred(doc) {
			out = append(out, e.Data)
		}
	}
	return out, nil
}

func drain(it *index.Iterator) ([]storage.Ref, error) {
	var out []storage.Ref
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, e.Data)
	}
	return out, nil
}

func refKey(r storage.Ref) uint64 {
	return uint64(r.PageID)<<16 | uint64(r.Slot)
}

func intersect(a, b []storage.Ref) []storage.Ref {
	inB := make(map[uint64]bool, len(b))
	for _, r := range b {
		inB[refKey(r)] = true
	}
	var out []storage.Ref
	seen := make(map[uint64]bool)
	for _, r := range a {
		k := refKey(r)
		if inB[k] && !seen[k] {
			out = append(out, r)
			seen[k] = true
		}
	}
	return out
}

func union(a, b []storage.Ref) []storage.Ref {
	seen := make(map[uint64]bool, len(a)+len(b))
	var out []storage.Ref
	for _, r := range append(append([]storage.Ref{}, a...), b...) {
		k := refKey(r)
		if !seen[k] {
			seen[k] = true
			out = append(out, r)
		}
	}
	return out
}

func difference(a, b []storage.Ref) []storage.Ref {
	inB := make(map[uint64]bool, len(b))
	for _, r := range b {
		inB[refKey(r)] = true
	}
	var out []storage.Ref
	for _, r := range a {
		if !inB[refKey(r)] {
			out = append(out, r)
		}
	}
	return out
}
