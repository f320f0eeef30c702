package txn

import (
	"context"
	"testing"

	"github.com/veloxdb/veloxdb/internal/classstore"
	"github.com/veloxdb/veloxdb/internal/index"
	"github.com/veloxdb/veloxdb/internal/invref"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/verrors"
	"github.com/veloxdb/veloxdb/internal/wal"
)

// fakeSchema is a minimal txn.SchemaView, standing in for *engine.Engine
// (which itself imports txn, so the real thing can't be used from here) to
// exercise Manager's commit-time index/inverse-ref/WAL maintenance.
type fakeSchema struct {
	m        *model.Model
	stores   map[model.ClassID]*classstore.ClassStore
	hash     map[model.IndexID]*index.Hash
	sorted   map[model.IndexID]*index.Sorted
	inverse  *invref.Map
	recorder *fakeWAL
}

func newFakeSchema(doc model.Document) *fakeSchema {
	m, err := model.Build(doc)
	if err != nil {
		panic(err)
	}
	s := &fakeSchema{
		m:        m,
		stores:   make(map[model.ClassID]*classstore.ClassStore),
		hash:     make(map[model.IndexID]*index.Hash),
		sorted:   make(map[model.IndexID]*index.Sorted),
		inverse:  invref.New(),
		recorder: &fakeWAL{},
	}
	for id := range m.Classes {
		s.stores[id] = classstore.New(id)
	}
	for id, idx := range m.Indexes {
		if idx.Kind == model.IndexHash {
			s.hash[id] = index.NewHash(idx.IsUnique)
		} else {
			s.sorted[id] = index.NewSorted(idx.IsUnique, index.ByteComparator)
		}
	}
	return s
}

func (s *fakeSchema) ClassByID(id model.ClassID) (*model.Class, bool) { c, ok := s.m.Classes[id]; return c, ok }
func (s *fakeSchema) IndexByID(id model.IndexID) (*model.Index, bool) { i, ok := s.m.Indexes[id]; return i, ok }
func (s *fakeSchema) Store(id model.ClassID) *classstore.ClassStore   { return s.stores[id] }
func (s *fakeSchema) HashIndex(id model.IndexID) *index.Hash          { return s.hash[id] }
func (s *fakeSchema) SortedIndex(id model.IndexID) *index.Sorted      { return s.sorted[id] }
func (s *fakeSchema) Inverse() *invref.Map                            { return s.inverse }
func (s *fakeSchema) WAL() wal.RecordWriter                           { return s.recorder }

type fakeWAL struct{ records []wal.Record }

func (w *fakeWAL) WriteRecord(rec wal.Record) error {
	w.records = append(w.records, rec)
	return nil
}

func errType(t *testing.T, err error) verrors.ErrorType {
	t.Helper()
	ve, ok := verrors.As(err)
	if !ok {
		t.Fatalf("expected a *verrors.Error, got %v (%T)", err, err)
	}
	return ve.Type
}

func personWithCodeDoc() model.Document {
	return model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "Person", Properties: []model.PropertyDef{
				{ID: 1, Name: "code", Kind: model.KindSimple, Type: model.TypeLong},
			}},
		},
		Indexes: []model.IndexDef{
			{ID: 1, Name: "person_by_code", Kind: model.IndexHash, IsUnique: true,
				KeyProperties: []model.PropertyID{1}, ClassIDs: []model.ClassID{1}},
		},
	}
}

func encodeCode(class *model.Class, code int64) []byte {
	w := record.NewWriter(class.RecordSize)
	w.PutLong(class.Properties[0].ByteOffset, code)
	return w.Bytes()
}

func TestCommitInsertsIntoUniqueIndexAndRejectsDuplicate(t *testing.T) {
	schema := newFakeSchema(personWithCodeDoc())
	class := schema.m.Classes[1]
	store := schema.stores[1]

	m := NewManager()
	m.AttachSchema(schema)

	t1 := m.BeginReadWrite(Snapshot)
	id1, _ := t1.Create(store, encodeCode(class, 42))
	if err := t1.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error committing first insert: %v", err)
	}

	key := encodeCode(class, 42)[class.Properties[0].ByteOffset : class.Properties[0].ByteOffset+8]
	if got := schema.hash[1].Lookup(key); len(got) != 1 || got[0] != id1 {
		t.Fatalf("expected index to resolve code 42 to %d, got %v", id1, got)
	}

	t2 := m.BeginReadWrite(Snapshot)
	id2, _ := t2.Create(store, encodeCode(class, 42))
	err := t2.Commit(context.Background())
	if err == nil {
		t.Fatalf("expected a uniqueness violation on duplicate code")
	}
	if got := errType(t, err); got != verrors.ErrUniquenessViolation {
		t.Fatalf("expected ErrUniquenessViolation, got %v", got)
	}
	if got := schema.hash[1].Lookup(key); len(got) != 1 || got[0] != id1 {
		t.Fatalf("expected index to still resolve only to %d after rejected insert, got %v", id1, got)
	}
	_ = id2
}

func TestCommitUpdatesIndexKeyOnWrite(t *testing.T) {
	schema := newFakeSchema(personWithCodeDoc())
	class := schema.m.Classes[1]
	store := schema.stores[1]

	m := NewManager()
	m.AttachSchema(schema)

	t1 := m.BeginReadWrite(Snapshot)
	id, _ := t1.Create(store, encodeCode(class, 1))
	t1.Commit(context.Background())

	t2 := m.BeginReadWrite(Snapshot)
	t2.Write(store, id, encodeCode(class, 2))
	if err := t2.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	offset := class.Properties[0].ByteOffset
	oldKey := encodeCode(class, 1)[offset : offset+8]
	newKey := encodeCode(class, 2)[offset : offset+8]
	if got := schema.hash[1].Lookup(oldKey); len(got) != 0 {
		t.Fatalf("expected old key to be vacated, got %v", got)
	}
	if got := schema.hash[1].Lookup(newKey); len(got) != 1 || got[0] != id {
		t.Fatalf("expected new key to resolve to %d, got %v", id, got)
	}
}

func refDoc(action model.DeleteTargetAction) model.Document {
	return model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "Department"},
			{ID: 2, Name: "Person", Properties: []model.PropertyDef{
				{ID: 1, Name: "department", Kind: model.KindReference, TargetClassID: 1,
					Multiplicity: model.ZeroOrOne, TrackInverse: true, DeleteTargetAction: action},
			}},
		},
	}
}

func createDeptAndPerson(t *testing.T, m *Manager, schema *fakeSchema) (deptID, personID model.ObjectID) {
	t.Helper()
	deptStore := schema.stores[1]
	personStore := schema.stores[2]
	deptClass := schema.m.Classes[1]
	personClass := schema.m.Classes[2]

	setup := m.BeginReadWrite(Snapshot)
	deptID, _ = setup.Create(deptStore, record.NewWriter(deptClass.RecordSize).Bytes())
	w := record.NewWriter(personClass.RecordSize)
	w.PutLong(personClass.Properties[0].ByteOffset, int64(deptID))
	personID, _ = setup.Create(personStore, w.Bytes())
	if err := setup.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error seeding department+person: %v", err)
	}
	return deptID, personID
}

func TestCommitMaintainsInverseReferences(t *testing.T) {
	schema := newFakeSchema(refDoc(model.ActionPrevent))
	m := NewManager()
	m.AttachSchema(schema)

	deptID, personID := createDeptAndPerson(t, m, schema)

	entries := schema.inverse.GetInverse(deptID)
	if len(entries) != 1 || entries[0].SourceID != personID {
		t.Fatalf("expected one inbound reference from %d, got %v", personID, entries)
	}

	clear := m.BeginReadWrite(Snapshot)
	personClass := schema.m.Classes[2]
	w := record.NewWriter(personClass.RecordSize)
	w.PutLong(personClass.Properties[0].ByteOffset, 0)
	if err := clear.Write(schema.stores[2], personID, w.Bytes()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := clear.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if entries := schema.inverse.GetInverse(deptID); len(entries) != 0 {
		t.Fatalf("expected inverse entry retracted after reference cleared, got %v", entries)
	}
}

func TestDeleteActionPreventBlocksDelete(t *testing.T) {
	schema := newFakeSchema(refDoc(model.ActionPrevent))
	m := NewManager()
	m.AttachSchema(schema)
	deptID, _ := createDeptAndPerson(t, m, schema)

	tx := m.BeginReadWrite(Snapshot)
	err := tx.Delete(schema.stores[1], deptID)
	if err == nil {
		t.Fatalf("expected delete of a referenced object to be prevented")
	}
	if got := errType(t, err); got != verrors.ErrDeleteReferenced {
		t.Fatalf("expected ErrDeleteReferenced, got %v", got)
	}
}

func TestDeleteActionSetNullClearsReferencingProperty(t *testing.T) {
	schema := newFakeSchema(refDoc(model.ActionSetNull))
	m := NewManager()
	m.AttachSchema(schema)
	deptID, personID := createDeptAndPerson(t, m, schema)

	tx := m.BeginReadWrite(Snapshot)
	if err := tx.Delete(schema.stores[1], deptID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := m.BeginRead()
	v, err := reader.Read(schema.stores[2], personID)
	if err != nil {
		t.Fatalf("unexpected error reading person after set-null: %v", err)
	}
	personClass := schema.m.Classes[2]
	got := record.NewReader(v.Data).GetIDOptimized(personClass.Properties[0].ByteOffset)
	if !got.IsZero() {
		t.Fatalf("expected department reference cleared, got %v", got)
	}
}

func TestDeleteActionCascadeDeletesReferencer(t *testing.T) {
	schema := newFakeSchema(refDoc(model.ActionCascade))
	m := NewManager()
	m.AttachSchema(schema)
	deptID, personID := createDeptAndPerson(t, m, schema)

	tx := m.BeginReadWrite(Snapshot)
	if err := tx.Delete(schema.stores[1], deptID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := m.BeginRead()
	_, err := reader.Read(schema.stores[2], personID)
	if err == nil {
		t.Fatalf("expected cascade delete to also remove the referencing person")
	}
	if got := errType(t, err); got != verrors.ErrObjectDeleted {
		t.Fatalf("expected ErrObjectDeleted, got %v", got)
	}
}

func TestCommitEmitsWALRecordsInOrder(t *testing.T) {
	schema := newFakeSchema(personWithCodeDoc())
	class := schema.m.Classes[1]
	store := schema.stores[1]

	m := NewManager()
	m.AttachSchema(schema)

	t1 := m.BeginReadWrite(Snapshot)
	id, _ := t1.Create(store, encodeCode(class, 7))
	t1.Commit(context.Background())

	t2 := m.BeginReadWrite(Snapshot)
	t2.Write(store, id, encodeCode(class, 8))
	t2.Commit(context.Background())

	t3 := m.BeginReadWrite(Snapshot)
	t3.Delete(store, id)
	t3.Commit(context.Background())

	recs := schema.recorder.records
	if len(recs) != 3 {
		t.Fatalf("expected 3 WAL records, got %d", len(recs))
	}
	if recs[0].Op != wal.OpCreate || recs[1].Op != wal.OpWrite || recs[2].Op != wal.OpDelete {
		t.Fatalf("expected create/write/delete in commit order, got %v/%v/%v", recs[0].Op, recs[1].Op, recs[2].Op)
	}
	if recs[0].ObjectID != uint64(id) || recs[0].ClassID != uint16(class.ID) {
		t.Fatalf("unexpected record identity: %+v", recs[0])
	}
	if recs[0].CommitVersion >= recs[1].CommitVersion || recs[1].CommitVersion >= recs[2].CommitVersion {
		t.Fatalf("expected strictly increasing commit versions, got %d/%d/%d",
			recs[0].CommitVersion, recs[1].CommitVersion, recs[2].CommitVersion)
	}
}
