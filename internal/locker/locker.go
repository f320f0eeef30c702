// Package locker implements the two locking primitives spec §4.6 names:
// a class_locker (coarse-grained, one read/write lock per class, held
// briefly by ordinary transactions and exclusively by model-update's
// stop-the-world stages) and a key_read_locker (range locks registered by
// transactions that scanned a sorted-index key range, consulted by
// serializable conflict detection to catch phantom inserts/deletes into a
// range a still-active transaction depended on).
//
// Grounded on tinySQL's ConcurrencyManager (internal/storage/
// concurrency.go), whose worker pool sizes itself off runtime.NumCPU();
// here that same per-core scaling is applied to the number of locker
// shards, so lock acquisition for unrelated classes/indexes never
// serializes on one mutex.
package locker

import (
	"bytes"
	"runtime"
	"sync"

	"github.com/veloxdb/veloxdb/internal/model"
)

func shardCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

// ClassLocker grants per-class read locks to ordinary transactions and an
// exclusive lock to model-update stages that must run alone against a
// class (spec §4.6, §4.7).
type ClassLocker struct {
	mu    sync.Mutex
	locks map[model.ClassID]*sync.RWMutex
}

// NewClassLocker creates an empty class locker.
func NewClassLocker() *ClassLocker {
	return &ClassLocker{locks: make(map[model.ClassID]*sync.RWMutex)}
}

func (c *ClassLocker) lockFor(id model.ClassID) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[id] = l
	}
	return l
}

// RLock acquires a shared lock on a class, held by transactions reading
// or writing ordinary objects of that class.
func (c *ClassLocker) RLock(id model.ClassID) { c.lockFor(id).RLock() }

// RUnlock releases a shared lock acquired by RLock.
func (c *ClassLocker) RUnlock(id model.ClassID) { c.lockFor(id).RUnlock() }

// Lock acquires the exclusive class lock, held by a model-update stage
// that deletes, inserts, or rewrites every object of a class (spec §4.7
// stages: delete, insert, populate, rebuild inverse refs, copier).
func (c *ClassLocker) Lock(id model.ClassID) { c.lockFor(id).Lock() }

// Unlock releases an exclusive lock acquired by Lock.
func (c *ClassLocker) Unlock(id model.ClassID) { c.lockFor(id).Unlock() }

// rangeLock is one transaction's registered scanned key range over one
// index.
type rangeLock struct {
	txID    uint64
	indexID model.IndexID
	lo, hi  []byte // nil bound means open-ended
}

type rangeShard struct {
	mu    sync.RWMutex
	locks []rangeLock
}

// KeyRangeLocker tracks the key ranges transactions have scanned on
// sorted or hash indexes, so a concurrent structural change into a
// registered range can be recognized as a serializable conflict (spec
// §4.5 step 2, §4.6 key_read_locker).
type KeyRangeLocker struct {
	shards []*rangeShard
}

// NewKeyRangeLocker creates an empty, per-core-sharded range locker.
func NewKeyRangeLocker() *KeyRangeLocker {
	n := shardCount()
	k := &KeyRangeLocker{shards: make([]*rangeShard, n)}
	for i := range k.shards {
		k.shards[i] = &rangeShard{}
	}
	return k
}

func (k *KeyRangeLocker) shardFor(indexID model.IndexID) *rangeShard {
	return k.shards[uint64(indexID)%uint64(len(k.shards))]
}

// RegisterRange records that txID scanned [lo, hi] on indexID. Either
// bound may be nil for an open end.
func (k *KeyRangeLocker) RegisterRange(txID uint64, indexID model.IndexID, lo, hi []byte) {
	s := k.shardFor(indexID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks = append(s.locks, rangeLock{txID: txID, indexID: indexID, lo: lo, hi: hi})
}

// contains reports whether key falls within [lo, hi], treating a nil
// bound as unbounded on that side.
func contains(lo, hi, key []byte) bool {
	if lo != nil && bytes.Compare(key, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(key, hi) > 0 {
		return false
	}
	return true
}

// Conflicts returns the transaction ids that registered a range over
// indexID containing key, excluding excludeTxID (the transaction
// performing the structural change itself). Called when a key is
// inserted into or removed from an index, to detect phantoms against
// concurrently active range readers.
func (k *KeyRangeLocker) Conflicts(indexID model.IndexID, key []byte, excludeTxID uint64) []uint64 {
	s := k.shardFor(indexID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conflicting []uint64
	for _, rl := range s.locks {
		if rl.indexID != indexID || rl.txID == excludeTxID {
			continue
		}
		if contains(rl.lo, rl.hi, key) {
			conflicting = append(conflicting, rl.txID)
		}
	}
	return conflicting
}

// ReleaseAll drops every range registered by txID, across all shards.
// Called when a transaction commits or aborts.
func (k *KeyRangeLocker) ReleaseAll(txID uint64) {
	for _, s := range k.shards {
		s.mu.Lock()
		filtered := s.locks[:0]
		for _, rl := range s.locks {
			if rl.txID != txID {
				filtered = append(filtered, rl)
			}
		}
		s.locks = filtered
		s.mu.Unlock()
	}
}
