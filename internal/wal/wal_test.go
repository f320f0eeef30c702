package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRingWriterWrapsAtCapacity(t *testing.T) {
	w := NewRingWriter(2)
	w.WriteRecord(Record{CommitVersion: 1})
	w.WriteRecord(Record{CommitVersion: 2})
	w.WriteRecord(Record{CommitVersion: 3})

	got := w.Records()
	if len(got) != 2 {
		t.Fatalf("expected 2 records retained, got %d", len(got))
	}
	if got[0].CommitVersion != 2 || got[1].CommitVersion != 3 {
		t.Fatalf("expected oldest-first order [2,3], got %v", got)
	}
}

func TestRingWriterBelowCapacity(t *testing.T) {
	w := NewRingWriter(5)
	w.WriteRecord(Record{CommitVersion: 1})
	w.WriteRecord(Record{CommitVersion: 2})

	got := w.Records()
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestFileWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	fw, err := OpenFileWriter(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs := []Record{
		{CommitVersion: 1, ClassID: 3, Op: OpCreate, ObjectID: 100, Payload: []byte("abc")},
		{CommitVersion: 2, ClassID: 3, Op: OpWrite, ObjectID: 100, Payload: nil},
		{CommitVersion: 3, ClassID: 3, Op: OpDelete, ObjectID: 100},
	}
	for _, r := range recs {
		if err := fw.WriteRecord(r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ReadRecords(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("expected %d records, got %d", len(recs), len(got))
	}
	for i, r := range recs {
		if got[i].CommitVersion != r.CommitVersion || got[i].ClassID != r.ClassID ||
			got[i].Op != r.Op || got[i].ObjectID != r.ObjectID || !bytes.Equal(got[i].Payload, r.Payload) {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, got[i], r)
		}
	}
}
