package txn

import (
	"context"
	"testing"

	"github.com/veloxdb/veloxdb/internal/classstore"
)

func TestRunReadWriteRetriesOnConflictThenSucceeds(t *testing.T) {
	m := NewManager()
	store := classstore.New(1)

	writer := m.BeginReadWrite(Snapshot)
	id, err := writer.Create(store, []byte("v0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := writer.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attempts := 0
	cfg := DefaultRetryConfig()
	err = RunReadWrite(context.Background(), m, Snapshot, cfg, func(tx *Tx) error {
		attempts++
		if attempts == 1 {
			// Commit a conflicting write behind this transaction's back so
			// its own commit fails validation and RunReadWrite retries.
			other := m.BeginReadWrite(Snapshot)
			if err := other.Write(store, id, []byte("from another tx")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := other.Commit(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		return tx.Write(store, id, []byte("final"))
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least one retry, got %d attempt(s)", attempts)
	}

	reader := m.BeginRead()
	v, err := reader.Read(store, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v.Data) != "final" {
		t.Fatalf("expected final write to stick, got %q", v.Data)
	}
}

func TestRunReadWriteDoesNotRetryNonRetryableError(t *testing.T) {
	m := NewManager()
	store := classstore.New(1)

	attempts := 0
	err := RunReadWrite(context.Background(), m, Snapshot, DefaultRetryConfig(), func(tx *Tx) error {
		attempts++
		_, err := tx.Read(store, 0)
		return err
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", attempts)
	}
}
