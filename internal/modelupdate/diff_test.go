package modelupdate

import (
	"testing"

	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/verrors"
)

func buildOrFatal(t *testing.T, doc model.Document) *model.Model {
	t.Helper()
	m, err := model.Build(doc)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return m
}

func personDoc(props ...model.PropertyDef) model.Document {
	return model.Document{Classes: []model.ClassDef{{ID: 1, Name: "Person", Properties: props}}}
}

func TestComputeDetectsInsertedAndDeletedProperty(t *testing.T) {
	prev := buildOrFatal(t, personDoc(
		model.PropertyDef{ID: 1, Name: "name", Kind: model.KindSimple, Type: model.TypeString},
		model.PropertyDef{ID: 2, Name: "age", Kind: model.KindSimple, Type: model.TypeInt},
	))
	next := buildOrFatal(t, personDoc(
		model.PropertyDef{ID: 1, Name: "name", Kind: model.KindSimple, Type: model.TypeString},
		model.PropertyDef{ID: 3, Name: "nickname", Kind: model.KindSimple, Type: model.TypeString},
	))

	diff, err := Compute(prev, next, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.Classes) != 1 {
		t.Fatalf("expected one changed class, got %d", len(diff.Classes))
	}
	cd := diff.Classes[0]
	if len(cd.InsertedProperties) != 1 || cd.InsertedProperties[0].ID != 3 {
		t.Fatalf("expected property 3 inserted, got %+v", cd.InsertedProperties)
	}
	if len(cd.DeletedProperties) != 1 || cd.DeletedProperties[0] != 2 {
		t.Fatalf("expected property 2 deleted, got %+v", cd.DeletedProperties)
	}
}

func TestComputeRejectsPropertyTypeChange(t *testing.T) {
	prev := buildOrFatal(t, personDoc(model.PropertyDef{ID: 1, Name: "age", Kind: model.KindSimple, Type: model.TypeInt}))
	next := buildOrFatal(t, personDoc(model.PropertyDef{ID: 1, Name: "age", Kind: model.KindSimple, Type: model.TypeLong}))

	_, err := Compute(prev, next, false)
	ve, ok := verrors.As(err)
	if !ok || ve.Type != verrors.ErrInvalidPropertyTypeModification {
		t.Fatalf("expected ErrInvalidPropertyTypeModification, got %v", err)
	}
}

func TestComputeRejectsMultiplicityTighteningInAlignmentMode(t *testing.T) {
	prev := buildOrFatal(t, model.Document{Classes: []model.ClassDef{
		{ID: 1, Name: "Dept"},
		{ID: 2, Name: "Person", Properties: []model.PropertyDef{
			{ID: 1, Name: "dept", Kind: model.KindReference, TargetClassID: 1, Multiplicity: model.ZeroOrOne},
		}},
	}})
	next := buildOrFatal(t, model.Document{Classes: []model.ClassDef{
		{ID: 1, Name: "Dept"},
		{ID: 2, Name: "Person", Properties: []model.PropertyDef{
			{ID: 1, Name: "dept", Kind: model.KindReference, TargetClassID: 1, Multiplicity: model.ExactlyOne},
		}},
	}})

	_, err := Compute(prev, next, true)
	ve, ok := verrors.As(err)
	if !ok || ve.Type != verrors.ErrInsertedReferencePropertyMultiplicity {
		t.Fatalf("expected ErrInsertedReferencePropertyMultiplicity, got %v", err)
	}

	if _, err := Compute(prev, next, false); err != nil {
		t.Fatalf("expected non-alignment validation path to accept the tightening, got %v", err)
	}
}

func TestComputeRejectsInsertedIndexOnPreexistingUnbackedProperty(t *testing.T) {
	prev := buildOrFatal(t, model.Document{Classes: []model.ClassDef{
		{ID: 1, Name: "Person", Properties: []model.PropertyDef{
			{ID: 1, Name: "name", Kind: model.KindSimple, Type: model.TypeString},
		}},
	}})
	next := buildOrFatal(t, model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "Person", Properties: []model.PropertyDef{
				{ID: 1, Name: "name", Kind: model.KindSimple, Type: model.TypeString},
				{ID: 2, Name: "email", Kind: model.KindSimple, Type: model.TypeString},
			}},
		},
		Indexes: []model.IndexDef{
			{ID: 1, Name: "by_email", Kind: model.IndexHash, KeyProperties: []model.PropertyID{2}, ClassIDs: []model.ClassID{1}},
		},
	})

	_, err := Compute(prev, next, false)
	ve, ok := verrors.As(err)
	if !ok || ve.Type != verrors.ErrInsertedPropertyClassAddedToIndex {
		t.Fatalf("expected ErrInsertedPropertyClassAddedToIndex, got %v", err)
	}
}

func TestComputeDetectsIndexInsertedClass(t *testing.T) {
	prev := buildOrFatal(t, model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "A", Properties: []model.PropertyDef{{ID: 1, Name: "k", Kind: model.KindSimple, Type: model.TypeInt}}},
			{ID: 2, Name: "B", Properties: []model.PropertyDef{{ID: 1, Name: "k", Kind: model.KindSimple, Type: model.TypeInt}}},
		},
		Indexes: []model.IndexDef{
			{ID: 1, Name: "by_k", Kind: model.IndexHash, KeyProperties: []model.PropertyID{1}, ClassIDs: []model.ClassID{1}},
		},
	})
	next := buildOrFatal(t, model.Document{
		Classes: []model.ClassDef{
			{ID: 1, Name: "A", Properties: []model.PropertyDef{{ID: 1, Name: "k", Kind: model.KindSimple, Type: model.TypeInt}}},
			{ID: 2, Name: "B", Properties: []model.PropertyDef{{ID: 1, Name: "k", Kind: model.KindSimple, Type: model.TypeInt}}},
		},
		Indexes: []model.IndexDef{
			{ID: 1, Name: "by_k", Kind: model.IndexHash, KeyProperties: []model.PropertyID{1}, ClassIDs: []model.ClassID{1, 2}},
		},
	})

	diff, err := Compute(prev, next, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.Indexes) != 1 {
		t.Fatalf("expected one changed index, got %d", len(diff.Indexes))
	}
	id := diff.Indexes[0]
	if len(id.InsertedClasses) != 1 || id.InsertedClasses[0] != 2 {
		t.Fatalf("expected class 2 inserted into index, got %+v", id.InsertedClasses)
	}
}

func TestComputeTracksInverseRefLifecycle(t *testing.T) {
	prev := buildOrFatal(t, model.Document{Classes: []model.ClassDef{
		{ID: 1, Name: "Dept"},
		{ID: 2, Name: "Person", Properties: []model.PropertyDef{
			{ID: 1, Name: "dept", Kind: model.KindReference, TargetClassID: 1, TrackInverse: true},
		}},
	}})
	next := buildOrFatal(t, model.Document{Classes: []model.ClassDef{
		{ID: 1, Name: "Dept"},
		{ID: 2, Name: "Person", Properties: []model.PropertyDef{
			{ID: 1, Name: "dept", Kind: model.KindReference, TargetClassID: 1, TrackInverse: false},
		}},
	}})

	diff, err := Compute(prev, next, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.InverseRefs) != 1 || diff.InverseRefs[0].Status != InvRefUntracked {
		t.Fatalf("expected one InvRefUntracked entry, got %+v", diff.InverseRefs)
	}
}
