// Package invref implements the inverse-reference map described in spec
// §4.3: a reverse adjacency index from a target object id to every tracked
// reference property that points at it, so "who references me" queries
// never require a full scan.
//
// Grounded on tinySQL's CatalogManager (internal/storage/catalog.go), which
// shards a single logical map-of-slices (tables/columns/views) behind one
// RWMutex; here the map is range-partitioned across several shards keyed by
// target id instead, since this index is on the hot path of every create,
// delete and reference-property write rather than only schema operations.
package invref

import (
	"sync"

	"github.com/veloxdb/veloxdb/internal/model"
)

// Entry is one tracked inbound reference: sourceID has a reference
// property propertyID pointing at the map's key (the target id).
type Entry struct {
	SourceID   model.ObjectID
	PropertyID model.PropertyID
}

type shard struct {
	mu   sync.RWMutex
	data map[model.ObjectID][]Entry
}

const shardCount = 64

// Map is a sharded target-id -> []Entry reverse index.
type Map struct {
	shards [shardCount]*shard
}

// New creates an empty inverse-reference map.
func New() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[model.ObjectID][]Entry)}
	}
	return m
}

func (m *Map) shardFor(target model.ObjectID) *shard {
	return m.shards[uint64(target)%shardCount]
}

// Add registers that source has a tracked reference property pointing at
// target (spec §4.3, recorded whenever a tracked reference property is
// written).
func (m *Map) Add(target, source model.ObjectID, prop model.PropertyID) {
	s := m.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[target] = append(s.data[target], Entry{SourceID: source, PropertyID: prop})
}

// Remove deletes one exact entry, used when a tracked reference property is
// overwritten or cleared to a different value.
func (m *Map) Remove(target, source model.ObjectID, prop model.PropertyID) {
	s := m.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.data[target]
	for i, e := range entries {
		if e.SourceID == source && e.PropertyID == prop {
			entries[i] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
			break
		}
	}
	if len(entries) == 0 {
		delete(s.data, target)
	} else {
		s.data[target] = entries
	}
}

// DeleteProperties removes every entry recorded for source under target,
// regardless of property id. Called when an object is deleted and its
// tracked outgoing references are being retracted in bulk (spec §4.3
// delete_properties).
func (m *Map) DeleteProperties(target, source model.ObjectID) {
	s := m.shardFor(target)
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.data[target]
	filtered := entries[:0]
	for _, e := range entries {
		if e.SourceID != source {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(s.data, target)
	} else {
		s.data[target] = filtered
	}
}

// GetInverse returns every recorded inbound reference for target. The
// returned slice is a copy, safe to range over without holding any lock
// (spec invariant I-InvRef: "get_inverse never observes a torn write").
func (m *Map) GetInverse(target model.ObjectID) []Entry {
	s := m.shardFor(target)
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.data[target]
	if len(src) == 0 {
		return nil
	}
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// RemoveByClassAndProperty drops every entry recorded for a reference
// property that a schema update deleted or stopped tracking, across every
// shard (spec §4.7 stage 2 "drop inverse-reference maps that are no
// longer needed"). classID scopes the match to sources of that class,
// since PropertyID is only unique within its owning class.
func (m *Map) RemoveByClassAndProperty(classID model.ClassID, prop model.PropertyID) int {
	dropped := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for target, entries := range s.data {
			filtered := entries[:0]
			for _, e := range entries {
				if e.PropertyID == prop && e.SourceID.ClassID() == classID {
					dropped++
					continue
				}
				filtered = append(filtered, e)
			}
			if len(filtered) == 0 {
				delete(s.data, target)
			} else {
				s.data[target] = filtered
			}
		}
		s.mu.Unlock()
	}
	return dropped
}

// IsLiveFunc reports whether an object id still exists, used by
// CompactUntracked to identify stale entries.
type IsLiveFunc func(model.ObjectID) bool

// CompactUntracked sweeps one shard (selected by shardIndex, cycling
// 0..shardCount-1 across calls) and drops entries whose source object no
// longer exists, returning how many were dropped. This lazily reclaims
// entries left behind by sources deleted without an explicit
// DeleteProperties call — e.g. a bulk model-update delete stage that
// retracts references in the background (spec §4.3 compact_untracked).
func (m *Map) CompactUntracked(shardIndex int, isLive IsLiveFunc) int {
	s := m.shards[shardIndex%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for target, entries := range s.data {
		filtered := entries[:0]
		for _, e := range entries {
			if isLive(e.SourceID) {
				filtered = append(filtered, e)
			} else {
				dropped++
			}
		}
		if len(filtered) == 0 {
			delete(s.data, target)
		} else {
			s.data[target] = filtered
		}
	}
	return dropped
}

// ShardCount reports how many shards CompactUntracked cycles through, so
// callers can drive a round-robin sweep across all of them.
func ShardCount() int { return shardCount }
