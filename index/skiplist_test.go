package index

import (
	"testing"

	"github.com/duskdb/duskdb/dberr"
	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/storage"
)

func newTestIndex(t *testing.T, unique bool) (*storage.Pager, uint32) {
	t.Helper()
	pg, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { pg.Close() })

	if err := pg.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	collID, err := storage.CreateCollection(pg, "widgets")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := EnsureIndex(pg, collID, "sku", unique); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	if err := pg.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return pg, collID
}

func ref(page uint32, slot int) storage.Ref {
	return storage.Ref{PageID: page, Slot: storage.Slot(slot)}
}

func TestEnsureIndexIsIdempotent(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	idx1, err := EnsureIndex(pg, collID, "sku", true)
	if err != nil {
		t.Fatalf("ensure index again: %v", err)
	}
	idx2, err := EnsureIndex(pg, collID, "sku", false)
	if err != nil {
		t.Fatalf("ensure index third time: %v", err)
	}
	if idx1 != idx2 {
		t.Errorf("expected stable entry index, got %d and %d", idx1, idx2)
	}
}

func TestInsertFindEQ(t *testing.T) {
	pg, collID := newTestIndex(t, true)

	pg.Begin()
	if _, err := Insert(pg, collID, "sku", document.Int32(5), ref(10, 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := Insert(pg, collID, "sku", document.Int32(3), ref(10, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := Insert(pg, collID, "sku", document.Int32(8), ref(10, 2)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pg.Commit()

	it, err := FindEQ(pg, collID, "sku", document.Int32(3))
	if err != nil {
		t.Fatalf("find eq: %v", err)
	}
	e, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("expected a match, got ok=%v err=%v", ok, err)
	}
	if e.Data != ref(10, 1) {
		t.Errorf("unexpected ref: %+v", e.Data)
	}
	_, ok, _ = it.Next()
	if ok {
		t.Error("expected exactly one match")
	}
}

func TestInsertUniqueDuplicateFails(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	if _, err := Insert(pg, collID, "sku", document.Int32(5), ref(10, 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := Insert(pg, collID, "sku", document.Int32(5), ref(10, 1))
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	derr, ok := err.(*dberr.Error)
	if !ok || derr.Kind != dberr.IndexDuplicateKey {
		t.Errorf("expected IndexDuplicateKey, got %v", err)
	}
	pg.Rollback()
}

func TestInsertNonUniqueAllowsDuplicates(t *testing.T) {
	pg, collID := newTestIndex(t, false)
	pg.Begin()
	if _, err := Insert(pg, collID, "sku", document.Int32(5), ref(10, 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := Insert(pg, collID, "sku", document.Int32(5), ref(10, 1)); err != nil {
		t.Fatalf("insert duplicate into non-unique index: %v", err)
	}
	pg.Commit()

	it, err := FindEQ(pg, collID, "sku", document.Int32(5))
	if err != nil {
		t.Fatalf("find eq: %v", err)
	}
	count := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 matches, got %d", count)
	}
}

func TestAscendingOrder(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	values := []int32{50, 10, 30, 20, 40}
	for i, v := range values {
		if _, err := Insert(pg, collID, "sku", document.Int32(v), ref(10, i)); err != nil {
			t.Fatalf("insert %d: %v", v, err)
		}
	}
	pg.Commit()

	it, err := All(pg, collID, "sku", false)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	var got []int32
	for {
		e, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.Key.Int32)
	}
	want := []int32{10, 20, 30, 40, 50}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestDescendingOrder(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	for i, v := range []int32{1, 2, 3} {
		if _, err := Insert(pg, collID, "sku", document.Int32(v), ref(10, i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pg.Commit()

	it, err := All(pg, collID, "sku", true)
	if err != nil {
		t.Fatalf("all desc: %v", err)
	}
	var got []int32
	for {
		e, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.Key.Int32)
	}
	want := []int32{3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

// collectKeys drains it and returns every key's Int32, in iteration order.
func collectKeys(t *testing.T, it *Iterator) []int32 {
	t.Helper()
	var got []int32
	for {
		e, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.Key.Int32)
	}
	return got
}

func assertKeys(t *testing.T, got, want []int32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

// TestComparisonRanges covers FindGT/FindGTE/FindLT/FindLTE against a duplicate-key
// index (20 occurs twice) — the duplicate boundary is exactly what FindLT/FindLTE's
// descending-iterator off-by-one used to drop.
func TestComparisonRanges(t *testing.T) {
	pg, collID := newTestIndex(t, false)
	pg.Begin()
	for i, v := range []int32{10, 20, 20, 30, 40} {
		if _, err := Insert(pg, collID, "sku", document.Int32(v), ref(10, i)); err != nil {
			t.Fatalf("insert %d: %v", v, err)
		}
	}
	pg.Commit()

	t.Run("GT", func(t *testing.T) {
		it, err := FindGT(pg, collID, "sku", document.Int32(20))
		if err != nil {
			t.Fatalf("find gt: %v", err)
		}
		assertKeys(t, collectKeys(t, it), []int32{30, 40})
	})
	t.Run("GTE", func(t *testing.T) {
		it, err := FindGTE(pg, collID, "sku", document.Int32(20))
		if err != nil {
			t.Fatalf("find gte: %v", err)
		}
		assertKeys(t, collectKeys(t, it), []int32{20, 20, 30, 40})
	})
	t.Run("LT", func(t *testing.T) {
		it, err := FindLT(pg, collID, "sku", document.Int32(20))
		if err != nil {
			t.Fatalf("find lt: %v", err)
		}
		assertKeys(t, collectKeys(t, it), []int32{10})
	})
	t.Run("LTE", func(t *testing.T) {
		it, err := FindLTE(pg, collID, "sku", document.Int32(20))
		if err != nil {
			t.Fatalf("find lte: %v", err)
		}
		assertKeys(t, collectKeys(t, it), []int32{20, 20, 10})
	})
	t.Run("LT_no_match", func(t *testing.T) {
		it, err := FindLT(pg, collID, "sku", document.Int32(10))
		if err != nil {
			t.Fatalf("find lt: %v", err)
		}
		assertKeys(t, collectKeys(t, it), nil)
	})
	t.Run("LTE_above_all", func(t *testing.T) {
		it, err := FindLTE(pg, collID, "sku", document.Int32(100))
		if err != nil {
			t.Fatalf("find lte: %v", err)
		}
		assertKeys(t, collectKeys(t, it), []int32{40, 30, 20, 20, 10})
	})
}

func TestBetween(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	for i, v := range []int32{10, 20, 30, 40, 50} {
		if _, err := Insert(pg, collID, "sku", document.Int32(v), ref(10, i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pg.Commit()

	it, err := Between(pg, collID, "sku", document.Int32(20), document.Int32(40))
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	var got []int32
	for {
		e, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.Key.Int32)
	}
	want := []int32{20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestStartsWith(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	names := []string{"apple", "apricot", "banana", "avocado"}
	for i, n := range names {
		if _, err := Insert(pg, collID, "sku", document.String(n), ref(10, i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pg.Commit()

	it, err := StartsWith(pg, collID, "sku", "ap")
	if err != nil {
		t.Fatalf("startswith: %v", err)
	}
	count := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 matches (apple, apricot), got %d", count)
	}
}

func TestHeadTail(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	for i, v := range []int32{5, 1, 9, 3} {
		if _, err := Insert(pg, collID, "sku", document.Int32(v), ref(10, i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	pg.Commit()

	min, ok, err := Head(pg, collID, "sku")
	if err != nil || !ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
	if min.Key.Int32 != 1 {
		t.Errorf("expected min 1, got %d", min.Key.Int32)
	}

	max, ok, err := Tail(pg, collID, "sku")
	if err != nil || !ok {
		t.Fatalf("tail: ok=%v err=%v", ok, err)
	}
	if max.Key.Int32 != 9 {
		t.Errorf("expected max 9, got %d", max.Key.Int32)
	}
}

func TestDeleteUnlinksNode(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	r1 := ref(10, 0)
	r2 := ref(10, 1)
	if _, err := Insert(pg, collID, "sku", document.Int32(1), r1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := Insert(pg, collID, "sku", document.Int32(2), r2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := Delete(pg, collID, "sku", document.Int32(1), r1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pg.Commit()

	it, err := FindEQ(pg, collID, "sku", document.Int32(1))
	if err != nil {
		t.Fatalf("find eq: %v", err)
	}
	_, ok, err := it.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Error("expected deleted key to be gone")
	}

	min, ok, err := Head(pg, collID, "sku")
	if err != nil || !ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
	if min.Key.Int32 != 2 {
		t.Errorf("expected remaining min 2, got %d", min.Key.Int32)
	}
}

func TestDropIndexRemovesEntry(t *testing.T) {
	pg, collID := newTestIndex(t, true)
	pg.Begin()
	if err := DropIndex(pg, collID, "sku"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	pg.Commit()

	if _, err := EnsureIndex(pg, collID, "sku", true); err != nil {
		t.Fatalf("recreate after drop: %v", err)
	}
	it, err := All(pg, collID, "sku", false)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	_, ok, err := it.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Error("expected freshly recreated index to be empty")
	}
}
