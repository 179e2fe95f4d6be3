package query

import (
	"testing"

	"github.com/duskdb/duskdb/document"
	"github.com/duskdb/duskdb/index"
	"github.com/duskdb/duskdb/storage"
)

func newQueryTestColl(t *testing.T) (*storage.Pager, uint32) {
	t.Helper()
	pg, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { pg.Close() })

	if err := pg.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	collID, err := storage.CreateCollection(pg, "people")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if _, err := index.EnsureIndex(pg, collID, IDField, true); err != nil {
		t.Fatalf("ensure _id index: %v", err)
	}
	if err := pg.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return pg, collID
}

type person struct {
	id   int32
	name string
	age  int32
}

func insertPeople(t *testing.T, pg *storage.Pager, collID uint32, people []person) {
	t.Helper()
	if err := pg.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, p := range people {
		doc := document.New()
		doc.Set("_id", document.Int32(p.id))
		doc.Set("name", document.String(p.name))
		doc.Set("age", document.Int32(p.age))
		raw, err := doc.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		ref, err := storage.InsertDocument(pg, collID, raw)
		if err != nil {
			t.Fatalf("insert document: %v", err)
		}
		if _, err := index.Insert(pg, collID, IDField, document.Int32(p.id), ref); err != nil {
			t.Fatalf("index insert: %v", err)
		}
	}
	if err := pg.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

var testPeople = []person{
	{1, "alice", 30},
	{2, "bob", 25},
	{3, "carol", 40},
	{4, "dave", 25},
	{5, "erin", 50},
}

func docsAt(t *testing.T, pg *storage.Pager, refs []storage.Ref) []*document.Document {
	t.Helper()
	var out []*document.Document
	for _, r := range refs {
		raw, err := storage.ReadDocument(pg, r)
		if err != nil {
			t.Fatalf("read document: %v", err)
		}
		doc, err := document.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, doc)
	}
	return out
}

func names(t *testing.T, pg *storage.Pager, refs []storage.Ref) map[string]bool {
	t.Helper()
	out := make(map[string]bool)
	for _, doc := range docsAt(t, pg, refs) {
		v, _ := doc.Get("name")
		out[v.String] = true
	}
	return out
}

func TestRunEQFullScanAndIndexedAgree(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	q := EQ("age", document.Int32(25))

	scanned, err := Run(pg, collID, q)
	if err != nil {
		t.Fatalf("run full scan: %v", err)
	}
	if got := names(t, pg, scanned); len(got) != 2 || !got["bob"] || !got["dave"] {
		t.Errorf("full scan: expected {bob, dave}, got %v", got)
	}

	if err := pg.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := index.EnsureIndex(pg, collID, "age", false); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	for _, p := range testPeople {
		it, err := FindRefByID(pg, collID, p.id)
		if err != nil {
			t.Fatalf("find by id: %v", err)
		}
		if _, err := index.Insert(pg, collID, "age", document.Int32(p.age), it); err != nil {
			t.Fatalf("backfill age index: %v", err)
		}
	}
	if err := pg.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	indexed, err := Run(pg, collID, q)
	if err != nil {
		t.Fatalf("run indexed: %v", err)
	}
	if got := names(t, pg, indexed); len(got) != 2 || !got["bob"] || !got["dave"] {
		t.Errorf("indexed: expected {bob, dave}, got %v", got)
	}
}

// FindRefByID is a tiny test helper mirroring how the facade locates a document's
// current ref via the mandatory _id index.
func FindRefByID(pg *storage.Pager, collID uint32, id int32) (storage.Ref, error) {
	it, err := index.FindEQ(pg, collID, IDField, document.Int32(id))
	if err != nil {
		return storage.Ref{}, err
	}
	e, ok, err := it.Next()
	if err != nil {
		return storage.Ref{}, err
	}
	if !ok {
		return storage.Ref{}, nil
	}
	return e.Data, nil
}

func sameNames(got, want map[string]bool) bool {
	if len(got) != len(want) {
		return false
	}
	for n := range want {
		if !got[n] {
			return false
		}
	}
	return true
}

// TestRunCompareFullScanAndIndexedAgree exercises GT/GTE/LT/LTE at both a plain
// boundary (age 30, which only alice holds) and a duplicate-key boundary (age 25,
// which bob and dave share) against both execution paths — the duplicate-key cases
// are what FindLT/FindLTE's descending-iterator off-by-one used to drop.
func TestRunCompareFullScanAndIndexedAgree(t *testing.T) {
	cases := []struct {
		name string
		op   func(field string, v document.Value) Compare
		val  int32
		want map[string]bool
	}{
		{"GT_30", GT, 30, map[string]bool{"carol": true, "erin": true}},
		{"GTE_30", GTE, 30, map[string]bool{"alice": true, "carol": true, "erin": true}},
		{"LT_30", LT, 30, map[string]bool{"bob": true, "dave": true}},
		{"LTE_30", LTE, 30, map[string]bool{"alice": true, "bob": true, "dave": true}},
		{"GT_25_dup", GT, 25, map[string]bool{"alice": true, "carol": true, "erin": true}},
		{"GTE_25_dup", GTE, 25, map[string]bool{"alice": true, "bob": true, "carol": true, "dave": true, "erin": true}},
		{"LT_25_dup", LT, 25, map[string]bool{}},
		{"LTE_25_dup", LTE, 25, map[string]bool{"bob": true, "dave": true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pg, collID := newQueryTestColl(t)
			insertPeople(t, pg, collID, testPeople)

			q := tc.op("age", document.Int32(tc.val))

			scanned, err := Run(pg, collID, q)
			if err != nil {
				t.Fatalf("run full scan: %v", err)
			}
			if got := names(t, pg, scanned); !sameNames(got, tc.want) {
				t.Errorf("full scan: expected %v, got %v", tc.want, got)
			}

			if err := pg.Begin(); err != nil {
				t.Fatalf("begin: %v", err)
			}
			if _, err := index.EnsureIndex(pg, collID, "age", false); err != nil {
				t.Fatalf("ensure index: %v", err)
			}
			for _, p := range testPeople {
				ref, err := FindRefByID(pg, collID, p.id)
				if err != nil {
					t.Fatalf("find by id: %v", err)
				}
				if _, err := index.Insert(pg, collID, "age", document.Int32(p.age), ref); err != nil {
					t.Fatalf("backfill age index: %v", err)
				}
			}
			if err := pg.Commit(); err != nil {
				t.Fatalf("commit: %v", err)
			}

			indexed, err := Run(pg, collID, q)
			if err != nil {
				t.Fatalf("run indexed: %v", err)
			}
			if got := names(t, pg, indexed); !sameNames(got, tc.want) {
				t.Errorf("indexed: expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRunBetween(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, Between("age", document.Int32(25), document.Int32(40)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := names(t, pg, refs)
	want := map[string]bool{"alice": true, "bob": true, "carol": true, "dave": true}
	if len(got) != len(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	for n := range want {
		if !got[n] {
			t.Errorf("missing %s in result %v", n, got)
		}
	}
}

func TestRunStartsWith(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, StartsWith("name", "b"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := names(t, pg, refs)
	if len(got) != 1 || !got["bob"] {
		t.Errorf("expected {bob}, got %v", got)
	}
}

func TestRunIn(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, In("age", document.Int32(25), document.Int32(50)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := names(t, pg, refs)
	want := map[string]bool{"bob": true, "dave": true, "erin": true}
	if len(got) != len(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunAnd(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, And(
		EQ("age", document.Int32(25)),
		StartsWith("name", "d"),
	))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := names(t, pg, refs)
	if len(got) != 1 || !got["dave"] {
		t.Errorf("expected {dave}, got %v", got)
	}
}

func TestRunOr(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, Or(
		EQ("name", document.String("alice")),
		EQ("name", document.String("erin")),
	))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := names(t, pg, refs)
	if len(got) != 2 || !got["alice"] || !got["erin"] {
		t.Errorf("expected {alice, erin}, got %v", got)
	}
}

func TestRunNot(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, Not(EQ("age", document.Int32(25))))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := names(t, pg, refs)
	if got["bob"] || got["dave"] {
		t.Errorf("did not expect bob/dave in negated result, got %v", got)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 remaining people, got %v", got)
	}
}

func TestRunAllDescending(t *testing.T) {
	pg, collID := newQueryTestColl(t)
	insertPeople(t, pg, collID, testPeople)

	refs, err := Run(pg, collID, All(true))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	docs := docsAt(t, pg, refs)
	if len(docs) != len(testPeople) {
		t.Fatalf("expected %d docs, got %d", len(testPeople), len(docs))
	}
	first, _ := docs[0].Get("_id")
	last, _ := docs[len(docs)-1].Get("_id")
	if first.Int32 != 5 || last.Int32 != 1 {
		t.Errorf("expected descending _id order 5..1, got first=%d last=%d", first.Int32, last.Int32)
	}
}
