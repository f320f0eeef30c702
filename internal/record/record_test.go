package record

import (
	"testing"

	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/strpool"
)

func TestWriterPutLongAndReaderGetLongOptimized(t *testing.T) {
	w := NewWriter(16)
	w.PutLong(0, 42)
	r := NewReader(w.Bytes())
	if got := r.GetLongOptimized(0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestReaderValueDecodesDeclaredType(t *testing.T) {
	p := &model.Property{Kind: model.KindSimple, Type: model.TypeInt, ByteOffset: 0}
	w := NewWriter(4)
	w.PutSimple(0, []byte{7, 0, 0, 0})
	r := NewReader(w.Bytes())
	got, ok := r.Value(p).(int32)
	if !ok || got != 7 {
		t.Fatalf("expected int32(7), got %#v", r.Value(p))
	}
}

func TestWriterPutDefaultWritesNullHandleForString(t *testing.T) {
	p := &model.Property{Kind: model.KindSimple, Type: model.TypeString, ByteOffset: 0}
	w := NewWriter(8)
	w.PutDefault(p)
	r := NewReader(w.Bytes())
	if got := r.GetLongOptimized(0); got != int64(strpool.NullHandle) {
		t.Fatalf("expected null handle, got %d", got)
	}
}

func TestGetLongArrayOptimizedResolvesThroughPool(t *testing.T) {
	pool := strpool.New()
	w := NewWriter(16)
	w.PutLong(0, 1)
	w.PutLong(8, 2)
	h := pool.Acquire(w.Bytes(), false)

	rec := NewWriter(8)
	rec.PutHandle(0, h)
	r := NewReader(rec.Bytes())

	got := r.GetLongArrayOptimized(0, pool)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}
