// Package modelupdate implements the rewrite-safe schema evolution
// coordinator described in spec §4.7: given the model currently running
// and a proposed new model, it computes a diff (§DIFF) and executes a
// staged plan that validates, deletes, inserts, populates, rebuilds
// inverse references and rewrites every live object before publishing the
// new model atomically.
//
// Grounded on tinySQL's CatalogManager (internal/storage/catalog.go) for
// the idea of diffing two schema snapshots field-by-field, and on
// concurrency.go's WorkerPool/ParallelIterator for the staged fan-out —
// here wrapped in golang.org/x/sync/errgroup (a dependency the pack's
// beads and warren repos both carry) so one shard's uniqueness violation
// cancels every sibling shard still validating or populating.
package modelupdate

import (
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/verrors"
)

// ChangeKind classifies a top-level diff entry (spec §DIFF).
type ChangeKind int

const (
	Insert ChangeKind = iota
	Delete
	Update
)

// PropertyDiff describes how one surviving property changed (spec §DIFF
// "Property update flags").
type PropertyDiff struct {
	PropertyID             model.PropertyID
	TargetClassModified    bool
	MultiplicityModified   bool
	InvRefTrackingModified bool
	DefaultValueChanged    bool
	DeleteTargetActionChanged bool
	OldMultiplicity        model.Multiplicity
	NewMultiplicity        model.Multiplicity
}

// ClassDiff describes how one class changed (spec §DIFF "Class update").
type ClassDiff struct {
	Kind                    ChangeKind
	ClassID                 model.ClassID
	IsAbstractModified      bool
	IsLogModified           bool
	IsHierarchyTypeModified bool // base class changed in a way that reshapes the descendant tree
	IsBaseClassModified     bool
	IndexedPropertiesModified bool

	InsertedProperties []model.PropertyDef
	DeletedProperties  []model.PropertyID
	UpdatedProperties  []PropertyDiff
}

// IndexDiff describes how one index changed (spec §DIFF "Index update").
type IndexDiff struct {
	Kind ChangeKind
	IndexID model.IndexID
	// Rebuild is set when key properties, sort directions, or string
	// comparison rules changed — equality on these triggers a delete+
	// insert of the whole index rather than an in-place patch.
	Rebuild bool
	// HasBecomeUnique and the class id sets are structural changes
	// recorded in-place, without a full rebuild.
	HasBecomeUnique bool
	InsertedClasses []model.ClassID
	DeletedClasses  []model.ClassID
}

// InverseRefStatus classifies how a reference property's inverse tracking
// changed (spec §DIFF "Inverse-ref map update").
type InverseRefStatus int

const (
	InvRefTracked InverseRefStatus = iota
	InvRefUntracked
	InvRefDeleted
	InvRefInserted
	InvRefPartiallyDeleted
)

// InverseRefDiff records one property's inverse-ref tracking change.
type InverseRefDiff struct {
	ClassID    model.ClassID
	PropertyID model.PropertyID
	Status     InverseRefStatus
}

// Diff is the complete output of the planner (spec §DIFF).
type Diff struct {
	Classes    []ClassDiff
	Indexes    []IndexDiff
	InverseRefs []InverseRefDiff
	// ModifiedTargets is the set of classes whose descendant set shrank or
	// which became abstract; any inbound reference targeting one of these
	// classes must be re-validated (spec §DIFF "Modified targets set").
	ModifiedTargets map[model.ClassID]bool
}

// Compute diffs prev against next, rejecting changes the planner never
// allows regardless of validation mode (spec §DIFF, "The planner
// rejects"). isAlignment additionally rejects a multiplicity tightening
// to ExactlyOne, since alignment mode skips the full-scan validation pass
// that change requires (spec §4.7 stage 1 "skipped when operating as
// alignment").
func Compute(prev, next *model.Model, isAlignment bool) (*Diff, error) {
	d := &Diff{ModifiedTargets: make(map[model.ClassID]bool)}

	for id, nc := range next.Classes {
		pc, existed := prev.Classes[id]
		if !existed {
			d.Classes = append(d.Classes, ClassDiff{Kind: Insert, ClassID: id, InsertedProperties: propertyDefs(nc)})
			continue
		}
		cd, err := diffClass(pc, nc, isAlignment)
		if err != nil {
			return nil, err
		}
		if !pc.IsAbstract && nc.IsAbstract {
			d.ModifiedTargets[id] = true
		}
		for descID := range pc.Descendants {
			if !nc.Descendants[descID] {
				d.ModifiedTargets[id] = true
				break
			}
		}
		if isChangedClass(cd) {
			d.Classes = append(d.Classes, cd)
		}
	}
	for id, pc := range prev.Classes {
		if _, ok := next.Classes[id]; !ok {
			d.Classes = append(d.Classes, ClassDiff{Kind: Delete, ClassID: id, DeletedProperties: propertyIDs(pc)})
		}
	}

	for id, ni := range next.Indexes {
		if err := rejectIfInsertedPropertyIndexed(prev, ni); err != nil {
			return nil, err
		}
		pi, existed := prev.Indexes[id]
		if !existed {
			d.Indexes = append(d.Indexes, IndexDiff{Kind: Insert, IndexID: id, InsertedClasses: ni.ClassIDs})
			continue
		}
		id2 := diffIndex(pi, ni)
		if isChangedIndex(id2) {
			d.Indexes = append(d.Indexes, id2)
		}
	}
	for id := range prev.Indexes {
		if _, ok := next.Indexes[id]; !ok {
			d.Indexes = append(d.Indexes, IndexDiff{Kind: Delete, IndexID: id})
		}
	}

	d.InverseRefs = diffInverseRefs(prev, next)
	return d, nil
}

func propertyDefs(c *model.Class) []model.PropertyDef {
	out := make([]model.PropertyDef, 0, len(c.Properties))
	for _, p := range c.Properties {
		out = append(out, model.PropertyDef{
			ID: p.ID, Name: p.Name, Kind: p.Kind, Type: p.Type,
			TargetClassID: p.TargetClassID, Multiplicity: p.Multiplicity,
			TrackInverse: p.TrackInverse, DeleteTargetAction: p.DeleteTargetAction,
			DefaultValue: p.DefaultValue,
		})
	}
	return out
}

func propertyIDs(c *model.Class) []model.PropertyID {
	out := make([]model.PropertyID, 0, len(c.Properties))
	for _, p := range c.Properties {
		out = append(out, p.ID)
	}
	return out
}

func diffClass(pc, nc *model.Class, isAlignment bool) (ClassDiff, error) {
	cd := ClassDiff{Kind: Update, ClassID: nc.ID}
	cd.IsAbstractModified = pc.IsAbstract != nc.IsAbstract
	cd.IsLogModified = pc.LogIndex != nc.LogIndex
	cd.IsBaseClassModified = pc.BaseID != nc.BaseID || pc.HasBase != nc.HasBase
	cd.IsHierarchyTypeModified = cd.IsBaseClassModified

	prevByID := make(map[model.PropertyID]*model.Property, len(pc.Properties))
	for _, p := range pc.Properties {
		prevByID[p.ID] = p
	}
	nextByID := make(map[model.PropertyID]*model.Property, len(nc.Properties))
	for _, p := range nc.Properties {
		nextByID[p.ID] = p
	}

	for id, np := range nextByID {
		pp, existed := prevByID[id]
		if !existed {
			cd.InsertedProperties = append(cd.InsertedProperties, model.PropertyDef{
				ID: np.ID, Name: np.Name, Kind: np.Kind, Type: np.Type,
				TargetClassID: np.TargetClassID, Multiplicity: np.Multiplicity,
				TrackInverse: np.TrackInverse, DeleteTargetAction: np.DeleteTargetAction,
				DefaultValue: np.DefaultValue,
			})
			continue
		}
		if pp.Kind != np.Kind || pp.Type != np.Type {
			return ClassDiff{}, verrors.New(verrors.ErrInvalidPropertyTypeModification,
				"class_id", nc.ID, "property_id", id)
		}
		pdiff := PropertyDiff{
			PropertyID:                id,
			TargetClassModified:       pp.TargetClassID != np.TargetClassID,
			MultiplicityModified:      pp.Multiplicity != np.Multiplicity,
			InvRefTrackingModified:    pp.TrackInverse != np.TrackInverse,
			DefaultValueChanged:       pp.DefaultValue != np.DefaultValue,
			DeleteTargetActionChanged: pp.DeleteTargetAction != np.DeleteTargetAction,
			OldMultiplicity:           pp.Multiplicity,
			NewMultiplicity:           np.Multiplicity,
		}
		if isAlignment && pdiff.MultiplicityModified && np.Multiplicity == model.ExactlyOne {
			return ClassDiff{}, verrors.New(verrors.ErrInsertedReferencePropertyMultiplicity,
				"class_id", nc.ID, "property_id", id,
				"reason", "multiplicity tightened to exactly-one requires a full-scan validation pass, unavailable in alignment mode")
		}
		if isChangedProperty(pdiff) {
			cd.UpdatedProperties = append(cd.UpdatedProperties, pdiff)
		}
	}
	for id := range prevByID {
		if _, ok := nextByID[id]; !ok {
			cd.DeletedProperties = append(cd.DeletedProperties, id)
		}
	}

	if len(nc.IndexIDs) != len(pc.IndexIDs) {
		cd.IndexedPropertiesModified = true
	} else {
		seen := make(map[model.IndexID]bool, len(pc.IndexIDs))
		for _, id := range pc.IndexIDs {
			seen[id] = true
		}
		for _, id := range nc.IndexIDs {
			if !seen[id] {
				cd.IndexedPropertiesModified = true
				break
			}
		}
	}

	return cd, nil
}

func isChangedProperty(p PropertyDiff) bool {
	return p.TargetClassModified || p.MultiplicityModified || p.InvRefTrackingModified ||
		p.DefaultValueChanged || p.DeleteTargetActionChanged
}

func isChangedClass(c ClassDiff) bool {
	return c.IsAbstractModified || c.IsLogModified || c.IsHierarchyTypeModified ||
		c.IsBaseClassModified || c.IndexedPropertiesModified ||
		len(c.InsertedProperties) > 0 || len(c.DeletedProperties) > 0 || len(c.UpdatedProperties) > 0
}

// rejectIfInsertedPropertyIndexed is one of the planner's rejections (spec
// §DIFF): an index, new or pre-existing, that covers a pre-existing class
// cannot key on a property that class didn't already have values for.
func rejectIfInsertedPropertyIndexed(prev *model.Model, ni *model.Index) error {
	for _, cid := range ni.ClassIDs {
		pc, existed := prev.Classes[cid]
		if !existed {
			continue // the class is new too; nothing to backfill
		}
		for _, propID := range ni.KeyProperties {
			if _, ok := pc.PropertyByID(propID); !ok {
				return verrors.New(verrors.ErrInsertedPropertyClassAddedToIndex,
					"class_id", cid, "property_id", propID)
			}
		}
	}
	return nil
}

func diffIndex(pi, ni *model.Index) IndexDiff {
	id := IndexDiff{Kind: Update, IndexID: ni.ID}
	id.Rebuild = !equalPropertyIDs(pi.KeyProperties, ni.KeyProperties) ||
		!equalSortDirections(pi.SortDirections, ni.SortDirections) ||
		pi.Culture != ni.Culture || pi.CaseInsensitive != ni.CaseInsensitive
	id.HasBecomeUnique = !pi.IsUnique && ni.IsUnique

	prevSet := make(map[model.ClassID]bool, len(pi.ClassIDs))
	for _, c := range pi.ClassIDs {
		prevSet[c] = true
	}
	nextSet := make(map[model.ClassID]bool, len(ni.ClassIDs))
	for _, c := range ni.ClassIDs {
		nextSet[c] = true
		if !prevSet[c] {
			id.InsertedClasses = append(id.InsertedClasses, c)
		}
	}
	for _, c := range pi.ClassIDs {
		if !nextSet[c] {
			id.DeletedClasses = append(id.DeletedClasses, c)
		}
	}
	return id
}

func isChangedIndex(d IndexDiff) bool {
	return d.Rebuild || d.HasBecomeUnique || len(d.InsertedClasses) > 0 || len(d.DeletedClasses) > 0
}

func equalPropertyIDs(a, b []model.PropertyID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSortDirections(a, b []model.SortDirection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffInverseRefs classifies every reference property's tracking status
// change across prev/next (spec §DIFF "Inverse-ref map update").
func diffInverseRefs(prev, next *model.Model) []InverseRefDiff {
	var out []InverseRefDiff

	for cid, nc := range next.Classes {
		pc, existed := prev.Classes[cid]
		for _, np := range nc.Properties {
			if np.Kind != model.KindReference {
				continue
			}
			if !existed {
				if np.TrackInverse {
					out = append(out, InverseRefDiff{ClassID: cid, PropertyID: np.ID, Status: InvRefInserted})
				}
				continue
			}
			pp, hadProp := pc.PropertyByID(np.ID)
			switch {
			case !hadProp && np.TrackInverse:
				out = append(out, InverseRefDiff{ClassID: cid, PropertyID: np.ID, Status: InvRefInserted})
			case hadProp && !pp.TrackInverse && np.TrackInverse:
				out = append(out, InverseRefDiff{ClassID: cid, PropertyID: np.ID, Status: InvRefTracked})
			case hadProp && pp.TrackInverse && !np.TrackInverse:
				out = append(out, InverseRefDiff{ClassID: cid, PropertyID: np.ID, Status: InvRefUntracked})
			}
		}
	}
	for cid, pc := range prev.Classes {
		nc, stillExists := next.Classes[cid]
		for _, pp := range pc.Properties {
			if pp.Kind != model.KindReference || !pp.TrackInverse {
				continue
			}
			if !stillExists {
				out = append(out, InverseRefDiff{ClassID: cid, PropertyID: pp.ID, Status: InvRefDeleted})
				continue
			}
			if _, stillHasProp := nc.PropertyByID(pp.ID); !stillHasProp {
				out = append(out, InverseRefDiff{ClassID: cid, PropertyID: pp.ID, Status: InvRefDeleted})
			}
		}
	}
	out = append(out, partiallyDeletedInverseRefs(prev, next)...)
	return out
}

// partiallyDeletedInverseRefs finds tracked reference properties whose
// owning class's descendant set shrank (a rebase), so descendants that no
// longer derive from it stop contributing entries under that property
// (spec §DIFF "partially-deleted").
func partiallyDeletedInverseRefs(prev, next *model.Model) []InverseRefDiff {
	var out []InverseRefDiff
	for cid, pc := range prev.Classes {
		nc, ok := next.Classes[cid]
		if !ok {
			continue
		}
		for _, pp := range pc.Properties {
			if pp.Kind != model.KindReference || !pp.TrackInverse {
				continue
			}
			np, ok := nc.PropertyByID(pp.ID)
			if !ok || !np.TrackInverse {
				continue // handled as InvRefDeleted/InvRefUntracked already
			}
			lost := false
			for descID := range pc.Descendants {
				if !nc.Descendants[descID] {
					lost = true
					break
				}
			}
			if lost {
				out = append(out, InverseRefDiff{ClassID: cid, PropertyID: pp.ID, Status: InvRefPartiallyDeleted})
			}
		}
	}
	return out
}
