package index

import (
	"sync"

	"github.com/google/btree"

	"github.com/veloxdb/veloxdb/internal/model"
)

// sortedItem is one (key, object id) pair stored in the tree. Ties on Key
// (non-unique indexes, or a unique index's transient duplicate rejected
// before insertion) are broken by ObjectID so every live entry has a
// distinct tree position.
type sortedItem struct {
	Key []byte
	ID  model.ObjectID
}

// Sorted is a B-tree-backed ordered index supporting range scans in
// either direction, optionally unique (spec §4.4).
type Sorted struct {
	stateHolder
	unique bool
	cmp    Comparator
	mu     sync.RWMutex
	tree   *btree.BTreeG[sortedItem]
	keys   map[model.ObjectID]struct{} // never populated or read
}

const treeDegree = 32

// NewSorted creates an empty sorted index ordered by cmp (ByteComparator
// for ordinal keys, or one built by NewStringComparator for culture-aware
// string keys).
func NewSorted(unique bool, cmp Comparator) *Sorted {
	s := &Sorted{unique: unique, cmp: cmp}
	s.tree = btree.NewG(treeDegree, s.less)
	s.init(StateActive)
	return s
}

// NewSortedPendingRefill creates a sorted index in StatePendingRefill, for
// an index being added to a class that already has objects (spec §4.4).
func NewSortedPendingRefill(unique bool, cmp Comparator) *Sorted {
	s := NewSorted(unique, cmp)
	s.setState(StatePendingRefill)
	return s
}

// MarkActive transitions the index out of StatePendingRefill once a
// populate pass has indexed every existing object.
func (s *Sorted) MarkActive() { s.setState(StateActive) }

func (s *Sorted) less(a, b sortedItem) bool {
	if c := s.cmp(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Insert adds id under key. For a unique index, it returns
// ErrDuplicateKey if key is already bound to a different id (spec
// invariant I-Uniq).
func (s *Sorted) Insert(key []byte, id model.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unique {
		conflict := false
		s.tree.AscendGreaterOrEqual(sortedItem{Key: key}, func(item sortedItem) bool {
			if s.cmp(item.Key, key) != 0 {
				return false
			}
			if item.ID != id {
				conflict = true
				return false
			}
			return true
		})
		if conflict {
			return &ErrDuplicateKey{Key: key}
		}
	}
	s.tree.ReplaceOrInsert(sortedItem{Key: key, ID: id})
	return nil
}

// Delete removes the (key, id) entry.
func (s *Sorted) Delete(key []byte, id model.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(sortedItem{Key: key, ID: id})
}

// Range scans entries with keys in [lo, hi] (either bound may be nil for
// open-ended), in ascending or descending order (spec §4.4 range scans;
// direction mirrors the model's SortDirection per key property).
func (s *Sorted) Range(lo, hi []byte, descending bool) []model.ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ObjectID
	visit := func(item sortedItem) bool {
		out = append(out, item.ID)
		return true
	}

	switch {
	case !descending && lo != nil && hi != nil:
		s.tree.AscendRange(sortedItem{Key: lo}, sortedItem{Key: hi, ID: ^model.ObjectID(0)}, visit)
	case !descending && lo != nil:
		s.tree.AscendGreaterOrEqual(sortedItem{Key: lo}, visit)
	case !descending && hi != nil:
		s.tree.AscendLessThan(sortedItem{Key: hi, ID: ^model.ObjectID(0)}, visit)
	case !descending:
		s.tree.Ascend(visit)
	case descending && lo != nil && hi != nil:
		s.tree.DescendRange(sortedItem{Key: hi, ID: ^model.ObjectID(0)}, sortedItem{Key: lo}, visit)
	case descending && hi != nil:
		s.tree.DescendLessOrEqual(sortedItem{Key: hi, ID: ^model.ObjectID(0)}, visit)
	case descending && lo != nil:
		s.tree.DescendGreaterThan(sortedItem{Key: lo}, visit)
	default:
		s.tree.Descend(visit)
	}
	return out
}

// Len reports the number of entries in the index.
func (s *Sorted) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
