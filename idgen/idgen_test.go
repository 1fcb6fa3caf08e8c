package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
	if id[14] != '7' {
		t.Fatalf("UUIDv7: version nibble = %q, want 7", id[14])
	}
}

func TestUUIDv7_Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestULID_SortableAndUnique(t *testing.T) {
	gen := ULID()
	prev := ""
	for i := 0; i < 100; i++ {
		id := gen()
		if len(id) != 26 {
			t.Fatalf("ULID: length %d, want 26", len(id))
		}
		if id <= prev {
			t.Fatalf("ULID: %q not after %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("sess_", ULID())()
	if !strings.HasPrefix(id, "sess_") {
		t.Fatalf("Prefixed: expected prefix 'sess_', got %q", id)
	}
	if len(id) != 5+26 {
		t.Fatalf("Prefixed: length %d", len(id))
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("doc-")
	if got := gen(); got != "doc-1" {
		t.Fatalf("first = %q", got)
	}
	if got := gen(); got != "doc-2" {
		t.Fatalf("second = %q", got)
	}
}

func TestParse(t *testing.T) {
	id := New()
	got, err := Parse(strings.ToUpper(id))
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("Parse = %q, want %q", got, id)
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
