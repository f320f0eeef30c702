package classstore

import "testing"

func TestCreateAndVisibleVersionOwnWrite(t *testing.T) {
	cs := New(1)
	id, h := cs.Create(42, []byte("v1"))
	if id.ClassID() != 1 {
		t.Fatalf("expected class id 1, got %d", id.ClassID())
	}

	if _, ok := h.VisibleVersion(0, 99); ok {
		t.Fatalf("expected uncommitted write invisible to other transactions")
	}
	v, ok := h.VisibleVersion(0, 42)
	if !ok || string(v.Data) != "v1" {
		t.Fatalf("expected own write visible, got %v %v", v, ok)
	}
}

func TestCommitHeadPublishesAtSnapshot(t *testing.T) {
	cs := New(1)
	_, h := cs.Create(1, []byte("v0"))
	head := h.Head()
	staged := h.StageWrite(1, []byte("v1"), false)
	if !h.CommitHead(staged, 10, head) {
		t.Fatalf("expected commit to succeed when expectedPrev is the current head")
	}

	if _, ok := h.VisibleVersion(5, 0); ok {
		t.Fatalf("expected version not visible below its commit version")
	}
	v, ok := h.VisibleVersion(10, 0)
	if !ok || string(v.Data) != "v1" {
		t.Fatalf("expected version visible at its commit version, got %v %v", v, ok)
	}
}

func TestCommitHeadRejectsStaleExpectedPrev(t *testing.T) {
	cs := New(1)
	_, h := cs.Create(1, []byte("v1"))
	first := h.Head()
	h.CommitHead(first, 1, first.Next)

	staged := h.StageWrite(2, []byte("v2"), false)
	if h.CommitHead(staged, 2, nil) {
		t.Fatalf("expected commit against stale expectedPrev to fail")
	}
}

func TestDiscardWriteRemovesUncommittedHead(t *testing.T) {
	cs := New(1)
	_, h := cs.Create(7, []byte("v1"))
	staged := h.StageWrite(7, []byte("v2"), false)
	h.entry.mu.Lock()
	staged.Next = h.entry.head
	h.entry.head = staged
	h.entry.mu.Unlock()

	h.DiscardWrite(staged)
	if h.Head() == staged {
		t.Fatalf("expected staged write to be discarded")
	}
}

func TestGarbageCollectTrimsOldVersionsAndReleases(t *testing.T) {
	cs := New(1)
	_, h := cs.Create(1, []byte("v1"))
	head := h.Head()
	h.CommitCreate(1, 1)

	v2 := h.StageWrite(2, []byte("v2"), false)
	h.CommitHead(v2, 2, head)

	v3 := h.StageWrite(3, []byte("v3"), false)
	h.CommitHead(v3, 3, v2)

	var released [][]byte
	cs.SetReleaseFunc(func(data []byte) {
		released = append(released, data)
	})

	n := cs.GarbageCollect(3)
	if n != 2 {
		t.Fatalf("expected 2 versions collected, got %d", n)
	}
	if len(released) != 2 {
		t.Fatalf("expected release called for 2 dropped versions, got %d", len(released))
	}

	if _, ok := h.VisibleVersion(1, 0); ok {
		t.Fatalf("expected version committed at 1 to be unreachable after GC at watermark 3")
	}
	v, ok := h.VisibleVersion(3, 0)
	if !ok || string(v.Data) != "v3" {
		t.Fatalf("expected newest version still visible after GC, got %v %v", v, ok)
	}
}

func TestScanChunksAllLiveObjects(t *testing.T) {
	cs := New(1)
	for i := 0; i < 300; i++ {
		cs.Create(1, []byte("x"))
	}
	chunks := cs.Scan()
	total := 0
	for _, c := range chunks {
		if len(c.Handles) > scanChunkSize {
			t.Fatalf("expected chunk size <= %d, got %d", scanChunkSize, len(c.Handles))
		}
		total += len(c.Handles)
	}
	if total != 300 {
		t.Fatalf("expected 300 handles scanned, got %d", total)
	}
}

func TestLookupFindsCreatedObject(t *testing.T) {
	cs := New(1)
	id, _ := cs.Create(1, []byte("v1"))
	if _, ok := cs.Lookup(id); !ok {
		t.Fatalf("expected lookup to find created object")
	}
}
