package engine

import (
	"context"
	"testing"

	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/txn"
)

func personDocument() model.Document {
	return model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "Person", Properties: []model.PropertyDef{
				{ID: 1, Name: "user_name", Kind: model.KindSimple, Type: model.TypeString},
			}},
		},
		Indexes: []model.IndexDef{
			{ID: 1, Name: "person_by_name", Kind: model.IndexHash, KeyProperties: []model.PropertyID{1}, IsUnique: true, ClassIDs: []model.ClassID{1}},
		},
	}
}

func TestNewEngineBuildsStoresAndIndexes(t *testing.T) {
	e, err := NewEngine(personDocument(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer e.Close()

	if e.Store(1) == nil {
		t.Fatalf("expected class store for class 1")
	}
	if e.HashIndex(1) == nil {
		t.Fatalf("expected hash index 1")
	}
}

func TestEngineTransactionRoundTrip(t *testing.T) {
	e, err := NewEngine(personDocument(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer e.Close()

	writer := e.Manager().BeginReadWrite(txn.Snapshot)
	id, err := writer.Create(e.Store(1), []byte("john"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := writer.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := e.Manager().BeginRead()
	v, err := reader.Read(e.Store(1), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v.Data) != "john" {
		t.Fatalf("expected john, got %q", v.Data)
	}
}
