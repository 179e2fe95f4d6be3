package document

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSetGetRoundtrip(t *testing.T) {
	d := New()
	d.Set("name", String("alice"))
	d.Set("age", Int64(30))

	v, ok := d.Get("name")
	if !ok || v.String != "alice" {
		t.Fatalf("expected name=alice, got %+v ok=%v", v, ok)
	}
	v, ok = d.Get("age")
	if !ok || v.Int64 != 30 {
		t.Fatalf("expected age=30, got %+v ok=%v", v, ok)
	}

	if _, ok := d.Get("missing"); ok {
		t.Error("expected missing field to be absent")
	}
}

func TestSetOverwrites(t *testing.T) {
	d := New()
	d.Set("x", Int64(1))
	d.Set("x", Int64(2))
	if len(d.Fields) != 1 {
		t.Fatalf("expected 1 field after overwrite, got %d", len(d.Fields))
	}
	v, _ := d.Get("x")
	if v.Int64 != 2 {
		t.Errorf("expected x=2, got %d", v.Int64)
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	d := New()
	d.Set("_id", Int64(42))
	d.Set("name", String("bob"))
	d.Set("active", Bool(true))
	d.Set("score", Double(3.14))
	d.Set("nothing", Null)
	d.Set("tags", Array([]Value{String("a"), String("b")}))

	nested := New()
	nested.Set("city", String("paris"))
	d.Set("address", Object(nested))

	encoded, err := d.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded.Fields) != len(d.Fields) {
		t.Fatalf("expected %d fields, got %d", len(d.Fields), len(decoded.Fields))
	}

	id, ok := decoded.Get("_id")
	if !ok || id.Int64 != 42 {
		t.Errorf("expected _id=42, got %+v", id)
	}
	addr, ok := decoded.Get("address")
	if !ok || addr.Kind != KindObject {
		t.Fatalf("expected address object, got %+v", addr)
	}
	city, ok := addr.Object.Get("city")
	if !ok || city.String != "paris" {
		t.Errorf("expected city=paris, got %+v", city)
	}
}

func TestCompareCrossType(t *testing.T) {
	if Compare(Null, Bool(false)) >= 0 {
		t.Error("null should sort before bool")
	}
	if Compare(Int64(5), String("5")) >= 0 {
		t.Error("number should sort before string")
	}
	if Compare(Int32(3), Int64(5)) >= 0 {
		t.Error("expected 3 < 5 across numeric kinds")
	}
	if Compare(String("a"), String("b")) >= 0 {
		t.Error("expected a < b")
	}
}

func TestCompareDateTimeAndGuid(t *testing.T) {
	t1 := DateTime(time.Unix(100, 0))
	t2 := DateTime(time.Unix(200, 0))
	if Compare(t1, t2) >= 0 {
		t.Error("expected earlier time to sort first")
	}

	g1 := Guid(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	g2 := Guid(uuid.MustParse("00000000-0000-0000-0000-000000000002"))
	if Compare(g1, g2) >= 0 {
		t.Error("expected g1 < g2")
	}
}

func TestHasPrefix(t *testing.T) {
	if !HasPrefix(String("hello world"), "hello") {
		t.Error("expected prefix match")
	}
	if HasPrefix(String("hi"), "hello") {
		t.Error("expected no prefix match")
	}
	if HasPrefix(Int64(5), "5") {
		t.Error("non-string values should never prefix-match")
	}
}

func TestDocumentMaxDepthEnforced(t *testing.T) {
	d := New()
	cur := d
	for i := 0; i < MaxDepth+5; i++ {
		next := New()
		cur.Set("child", Object(next))
		cur = next
	}
	if _, err := d.Encode(); err == nil {
		t.Error("expected encode to fail past MaxDepth")
	}
}
