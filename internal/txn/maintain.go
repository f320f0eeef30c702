package txn

import (
	"bytes"

	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/verrors"
	"github.com/veloxdb/veloxdb/internal/wal"
)

// indexMutation records one index.Hash/Sorted mutation applied
// speculatively while installing a transaction's writes, so it can be
// undone if a later write in the same commit fails.
type indexMutation struct {
	indexID   model.IndexID
	key       []byte
	id        model.ObjectID
	wasInsert bool // true: undo by deleting; false: undo by re-inserting
}

// applyIndexes maintains every index covering each write's class before
// any class-store chain is installed (spec §4.4, §8 scenario 1: a unique
// key collision must surface uniqueness_violation and abort the whole
// transaction, not just the index mutation). A failure here unwinds
// everything applied so far and returns before CommitHead/CommitCreate
// ever runs, so there is nothing to roll back on the object-storage side.
func (m *Manager) applyIndexes(t *Tx, writes []writeEntry) ([]indexMutation, error) {
	var applied []indexMutation
	for _, w := range writes {
		class, ok := m.schema.ClassByID(w.store.ClassID())
		if !ok || len(class.IndexIDs) == 0 {
			continue
		}
		oldData := priorData(w)
		newData := stagedData(w)

		for _, indexID := range class.IndexIDs {
			idxDef, ok := m.schema.IndexByID(indexID)
			if !ok {
				continue
			}
			oldKey := indexKeyFor(class, idxDef, oldData)
			newKey := indexKeyFor(class, idxDef, newData)
			if bytes.Equal(oldKey, newKey) {
				continue
			}
			if oldKey != nil {
				m.deleteIndexKey(indexID, oldKey, w.id)
				applied = append(applied, indexMutation{indexID: indexID, key: oldKey, id: w.id, wasInsert: false})
				t.RecordIndexChange(indexID, oldKey)
			}
			if newKey != nil {
				if err := m.insertIndexKey(indexID, newKey, w.id); err != nil {
					m.undoIndexes(applied)
					return nil, err
				}
				applied = append(applied, indexMutation{indexID: indexID, key: newKey, id: w.id, wasInsert: true})
				t.RecordIndexChange(indexID, newKey)
			}
		}
	}
	return applied, nil
}

func (m *Manager) insertIndexKey(indexID model.IndexID, key []byte, id model.ObjectID) error {
	if h := m.schema.HashIndex(indexID); h != nil {
		if err := h.Insert(key, id); err != nil {
			return verrors.New(verrors.ErrUniquenessViolation, "index_id", indexID, "object_id", id)
		}
		return nil
	}
	if s := m.schema.SortedIndex(indexID); s != nil {
		if err := s.Insert(key, id); err != nil {
			return verrors.New(verrors.ErrUniquenessViolation, "index_id", indexID, "object_id", id)
		}
	}
	return nil
}

func (m *Manager) deleteIndexKey(indexID model.IndexID, key []byte, id model.ObjectID) {
	if h := m.schema.HashIndex(indexID); h != nil {
		h.Delete(key, id)
		return
	}
	if s := m.schema.SortedIndex(indexID); s != nil {
		s.Delete(key, id)
	}
}

// undoIndexes reverses applied index mutations, most recent first. Used
// when a write later in the same commit fails after earlier writes in it
// already touched one or more indexes.
func (m *Manager) undoIndexes(applied []indexMutation) {
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if a.wasInsert {
			m.deleteIndexKey(a.indexID, a.key, a.id)
		} else {
			_ = m.insertIndexKey(a.indexID, a.key, a.id) // reinstating a key this same commit just removed never conflicts
		}
	}
}

// indexKeyFor concatenates an index's key properties' raw bytes for one
// object's data (spec §4.4). Returns nil if data is nil (the object didn't
// exist, or is being deleted) or the class doesn't carry every key
// property.
func indexKeyFor(class *model.Class, idx *model.Index, data []byte) []byte {
	if data == nil {
		return nil
	}
	r := record.NewReader(data)
	var key []byte
	for _, propID := range idx.KeyProperties {
		p, ok := class.PropertyByID(propID)
		if !ok {
			return nil
		}
		key = append(key, r.GetSimple(p.ByteOffset, propWidth(p))...)
	}
	return key
}

func propWidth(p *model.Property) int {
	if p.Kind != model.KindSimple {
		return 8
	}
	return p.Type.Width()
}

// applyInverse maintains the inverse-reference map for every tracked
// reference property a write touches (spec §4.3: "recorded whenever a
// tracked reference property is written").
func (m *Manager) applyInverse(writes []writeEntry) {
	for _, w := range writes {
		class, ok := m.schema.ClassByID(w.store.ClassID())
		if !ok || len(class.InverseRefProps) == 0 {
			continue
		}
		oldData := priorData(w)
		newData := stagedData(w)
		rOld := record.NewReader(oldData)
		rNew := record.NewReader(newData)

		for _, propID := range class.InverseRefProps {
			p, ok := class.PropertyByID(propID)
			if !ok {
				continue
			}
			var oldTarget, newTarget model.ObjectID
			if oldData != nil {
				oldTarget = rOld.GetIDOptimized(p.ByteOffset)
			}
			if newData != nil {
				newTarget = rNew.GetIDOptimized(p.ByteOffset)
			}
			if oldTarget == newTarget {
				continue
			}
			if !oldTarget.IsZero() {
				m.schema.Inverse().Remove(oldTarget, w.id, propID)
			}
			if !newTarget.IsZero() {
				m.schema.Inverse().Add(newTarget, w.id, propID)
			}
		}
	}
}

// writeWAL emits one record per write, in commit order (spec §6: "the
// engine emits records in commit order").
func (m *Manager) writeWAL(newVersion uint64, writes []writeEntry) {
	w := m.schema.WAL()
	if w == nil {
		return
	}
	for _, e := range writes {
		op := wal.OpWrite
		switch {
		case e.isCreate:
			op = wal.OpCreate
		case e.staged.Deleted:
			op = wal.OpDelete
		}
		_ = w.WriteRecord(wal.Record{
			CommitVersion: newVersion,
			ClassID:       uint16(e.store.ClassID()),
			Op:            op,
			ObjectID:      uint64(e.id),
			Payload:       e.staged.Data,
		})
	}
}

// priorData returns a write's pre-image, or nil if it's a create or the
// object didn't previously exist live.
func priorData(w writeEntry) []byte {
	if w.expectedPrev == nil || w.expectedPrev.Deleted {
		return nil
	}
	return w.expectedPrev.Data
}

// stagedData returns a write's post-image, or nil if it's a delete.
func stagedData(w writeEntry) []byte {
	if w.staged == nil || w.staged.Deleted {
		return nil
	}
	return w.staged.Data
}
