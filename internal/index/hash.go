package index

import (
	"sync"

	"github.com/veloxdb/veloxdb/internal/model"
)

// Hash is a chained-bucket hash index: O(1) point lookup, optionally
// unique, used for equality-only index definitions (spec §4.4).
type Hash struct {
	stateHolder
	unique  bool
	mu      sync.RWMutex
	buckets map[string][]model.ObjectID
}

// NewHash creates an empty hash index.
func NewHash(unique bool) *Hash {
	h := &Hash{unique: unique, buckets: make(map[string][]model.ObjectID)}
	h.init(StateActive)
	return h
}

// NewHashPendingRefill creates a hash index in StatePendingRefill, for an
// index being added to a class that already has objects (spec §4.4).
func NewHashPendingRefill(unique bool) *Hash {
	h := NewHash(unique)
	h.setState(StatePendingRefill)
	return h
}

// MarkActive transitions the index out of StatePendingRefill once a
// populate pass has indexed every existing object.
func (h *Hash) MarkActive() { h.setState(StateActive) }

// Insert adds id under key. For a unique index, it returns
// ErrDuplicateKey if key is already bound to a different id (spec
// invariant I-Uniq).
func (h *Hash) Insert(key []byte, id model.ObjectID) error {
	k := string(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	existing := h.buckets[k]
	if h.unique {
		for _, e := range existing {
			if e != id {
				return &ErrDuplicateKey{Key: key}
			}
		}
	}
	for _, e := range existing {
		if e == id {
			return nil
		}
	}
	h.buckets[k] = append(existing, id)
	return nil
}

// Delete removes id from key's bucket.
func (h *Hash) Delete(key []byte, id model.ObjectID) {
	k := string(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.buckets[k]
	for i, e := range entries {
		if e == id {
			entries[i] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
			break
		}
	}
	if len(entries) == 0 {
		delete(h.buckets, k)
	} else {
		h.buckets[k] = entries
	}
}

// Lookup returns every object id currently bound to key.
func (h *Hash) Lookup(key []byte) []model.ObjectID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.buckets[string(key)]
	if len(src) == 0 {
		return nil
	}
	out := make([]model.ObjectID, len(src))
	copy(out, src)
	return out
}

// Len reports how many distinct keys are populated, for diagnostics.
func (h *Hash) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buckets)
}
