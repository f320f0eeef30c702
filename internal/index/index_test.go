package index

import (
	"testing"

	"github.com/veloxdb/veloxdb/internal/model"
)

func TestHashUniqueRejectsDuplicate(t *testing.T) {
	h := NewHash(true)
	id1 := model.MakeID(1, 1)
	id2 := model.MakeID(1, 2)

	if err := h.Insert([]byte("a"), id1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Insert([]byte("a"), id2); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestHashNonUniqueAllowsMultiple(t *testing.T) {
	h := NewHash(false)
	id1 := model.MakeID(1, 1)
	id2 := model.MakeID(1, 2)
	h.Insert([]byte("a"), id1)
	h.Insert([]byte("a"), id2)

	got := h.Lookup([]byte("a"))
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestHashDeleteRemovesEntry(t *testing.T) {
	h := NewHash(false)
	id := model.MakeID(1, 1)
	h.Insert([]byte("a"), id)
	h.Delete([]byte("a"), id)
	if got := h.Lookup([]byte("a")); len(got) != 0 {
		t.Fatalf("expected empty lookup after delete, got %v", got)
	}
}

func TestHashPendingRefillTransitionsToActive(t *testing.T) {
	h := NewHashPendingRefill(false)
	if h.State() != StatePendingRefill {
		t.Fatalf("expected pending refill state")
	}
	h.MarkActive()
	if h.State() != StateActive {
		t.Fatalf("expected active state after MarkActive")
	}
}

func TestSortedRangeAscending(t *testing.T) {
	s := NewSorted(false, ByteComparator)
	ids := []model.ObjectID{model.MakeID(1, 1), model.MakeID(1, 2), model.MakeID(1, 3)}
	keys := [][]byte{[]byte("b"), []byte("a"), []byte("c")}
	for i, k := range keys {
		s.Insert(k, ids[i])
	}

	got := s.Range([]byte("a"), []byte("c"), false)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries in range, got %d", len(got))
	}
	if got[0] != ids[1] || got[2] != ids[2] {
		t.Fatalf("expected ascending order starting with key 'a' ending with key 'c', got %v", got)
	}
}

func TestSortedRangeDescending(t *testing.T) {
	s := NewSorted(false, ByteComparator)
	s.Insert([]byte("a"), model.MakeID(1, 1))
	s.Insert([]byte("b"), model.MakeID(1, 2))
	s.Insert([]byte("c"), model.MakeID(1, 3))

	got := s.Range([]byte("a"), []byte("c"), true)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0] != model.MakeID(1, 3) {
		t.Fatalf("expected descending order to start with key 'c', got %v", got)
	}
}

func TestSortedUniqueRejectsDuplicate(t *testing.T) {
	s := NewSorted(true, ByteComparator)
	id1 := model.MakeID(1, 1)
	id2 := model.MakeID(1, 2)
	if err := s.Insert([]byte("a"), id1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Insert([]byte("a"), id2); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestStringComparatorCaseInsensitive(t *testing.T) {
	cmp := NewStringComparator("en", true)
	if cmp([]byte("Hello"), []byte("hello")) != 0 {
		t.Fatalf("expected case-insensitive comparator to treat Hello == hello")
	}
}

func TestStringComparatorCaseSensitive(t *testing.T) {
	cmp := NewStringComparator("en", false)
	if cmp([]byte("Hello"), []byte("hello")) == 0 {
		t.Fatalf("expected case-sensitive comparator to distinguish Hello and hello")
	}
}
