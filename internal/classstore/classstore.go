// Package classstore implements the per-class object heap described in
// spec §4.2: contiguous logical arenas of fixed-size object records, a
// collision hash keyed by object id, version chains, and chunked parallel
// scans.
//
// Grounded on tinySQL's internal/storage/mvcc.go: MVCCTable.versions (map
// int64 -> *RowVersion) and RowVersion.NextVersion become, here, a
// collision-chained hash table of *objectEntry whose head is the newest
// *Version — the same "linked list of versions, newest first" shape, but
// keyed by the spec's packed ObjectID instead of a plain row counter, and
// carrying the reader-info bitmap the spec's conflict detector needs.
package classstore

import (
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb/internal/model"
)

// ReaderSlots bounds how many reader slots a single object version's
// bitmap holds (spec §3: "reader_info (bitmap of transactions that have
// read this version)"). The txn package hands slots out round-robin, so
// transactions can share a slot; its commit-time validation does not
// consult the bitmap and works from each transaction's read set and the
// mutation log instead.
const ReaderSlots = 256

// readerBitmap is a fixed 256-bit set of reader slot indices.
type readerBitmap [4]uint64

func (b *readerBitmap) set(slot int) {
	b[slot/64] |= 1 << uint(slot%64)
}

func (b *readerBitmap) has(slot int) bool {
	return b[slot/64]&(1<<uint(slot%64)) != 0
}

func (b *readerBitmap) any() bool {
	return b[0] != 0 || b[1] != 0 || b[2] != 0 || b[3] != 0
}

// Version is one entry in an object's version chain (spec §3: "a singly
// linked list ordered newest-first via next_version_handle").
type Version struct {
	// CommitVersion is 0 while the version is a transaction's uncommitted
	// write-in-progress; it is assigned at commit (spec §4.5 step 5).
	CommitVersion uint64
	// TxID identifies the (possibly still in-flight) writer, used for
	// "reads see its own writes" visibility before CommitVersion is set.
	TxID uint64
	// Deleted marks this version as the tombstone state (spec invariant 4).
	Deleted bool
	// Data holds the packed property bytes in the class's layout active at
	// the time this version was written.
	Data []byte
	// Readers records the reader slots of transactions that observed this
	// exact version; txn's commit-time validation does not consult it.
	Readers readerBitmap
	readerMu sync.Mutex

	Next *Version
}

// RecordReader sets the reader bit for slot on this version.
func (v *Version) RecordReader(slot int) {
	v.readerMu.Lock()
	v.Readers.set(slot)
	v.readerMu.Unlock()
}

// HasReader reports whether slot read this version.
func (v *Version) HasReader(slot int) bool {
	v.readerMu.Lock()
	defer v.readerMu.Unlock()
	return v.Readers.has(slot)
}

// objectEntry is one object identity: its id and the head of its version
// chain, chained through nextCollision for hash-bucket collisions (spec
// §4.2: "collisions in the id hash are resolved by chaining through
// next_collision_handle").
type objectEntry struct {
	id            model.ObjectID
	mu            sync.Mutex // guards head swings for this object only
	head          *Version
	nextCollision *objectEntry
}

// Handle is an opaque reference to a live object identity within a
// ClassStore, returned by Create/Lookup and passed to Write/Delete.
type Handle struct {
	entry *objectEntry
}

// ID returns the object id this handle refers to.
func (h *Handle) ID() model.ObjectID { return h.entry.id }

// ReleaseFunc is invoked for a Version that is being permanently evicted
// from a chain during garbage collection, so the caller can dec_ref any
// string/blob handles its Data holds (spec invariant 4: "refcounts are
// decremented at garbage collection time, not at delete time").
type ReleaseFunc func(data []byte)

// ClassStore is the object heap for one class.
type ClassStore struct {
	classID model.ClassID

	mu      sync.RWMutex // guards the bucket slice itself (growth)
	buckets []*objectEntry

	nextCounter atomic.Uint64
	objCount    atomic.Int64

	release ReleaseFunc
}

const defaultBucketCount = 1024

// New creates an empty class store for classID.
func New(classID model.ClassID) *ClassStore {
	return &ClassStore{
		classID: classID,
		buckets: make([]*objectEntry, defaultBucketCount),
	}
}

// SetReleaseFunc installs the callback used when a version is garbage
// collected; see ReleaseFunc.
func (cs *ClassStore) SetReleaseFunc(fn ReleaseFunc) { cs.release = fn }

// ClassID returns the class this store holds objects for, so a caller
// holding only a *ClassStore (as Tx/Manager do) can look up the owning
// class's schema.
func (cs *ClassStore) ClassID() model.ClassID { return cs.classID }

func (cs *ClassStore) bucketIndex(id model.ObjectID) int {
	return int(uint64(id) % uint64(len(cs.buckets)))
}

// Create allocates the next per-class counter, links a new object identity
// into the collision hash, and returns its id and handle with an
// uncommitted first version owned by txID (spec §4.2 create).
func (cs *ClassStore) Create(txID uint64, data []byte) (model.ObjectID, *Handle) {
	counter := cs.nextCounter.Add(1)
	id := model.MakeID(cs.classID, counter)

	entry := &objectEntry{id: id}
	entry.head = &Version{TxID: txID, Data: data}

	cs.mu.Lock()
	idx := cs.bucketIndex(id)
	entry.nextCollision = cs.buckets[idx]
	cs.buckets[idx] = entry
	cs.mu.Unlock()

	cs.objCount.Add(1)
	return id, &Handle{entry: entry}
}

// Lookup finds the live object identity for id, walking the collision
// chain, without regard to snapshot visibility.
func (cs *ClassStore) Lookup(id model.ObjectID) (*Handle, bool) {
	cs.mu.RLock()
	idx := cs.bucketIndex(id)
	e := cs.buckets[idx]
	cs.mu.RUnlock()

	for e != nil {
		if e.id == id {
			return &Handle{entry: e}, true
		}
		e = e.nextCollision
	}
	return nil, false
}

// Head returns the current newest version for a handle (may be
// uncommitted).
func (h *Handle) Head() *Version {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.head
}

// VisibleVersion walks the version chain and returns the version visible
// under the given rule: own uncommitted writes by ownTxID are visible, and
// otherwise the newest version with CommitVersion <= snapshot (spec
// invariant I-Version). It returns ok=false if no visible version exists
// (object not yet created, from this snapshot's perspective). A tombstone
// is returned like any other version; the caller checks v.Deleted.
func (h *Handle) VisibleVersion(snapshot uint64, ownTxID uint64) (v *Version, ok bool) {
	h.entry.mu.Lock()
	cur := h.entry.head
	h.entry.mu.Unlock()

	for cur != nil {
		if cur.CommitVersion == 0 {
			if cur.TxID == ownTxID {
				return cur, true
			}
			cur = cur.Next
			continue
		}
		if cur.CommitVersion <= snapshot {
			return cur, true
		}
		cur = cur.Next
	}
	return nil, false
}

// StageWrite builds an uncommitted version owned by txID holding newData,
// without linking it into the chain (spec §4.2 write: "copies the current
// version, applies the delta"); CommitHead installs it later.
func (h *Handle) StageWrite(txID uint64, newData []byte, deleted bool) *Version {
	return &Version{TxID: txID, Data: newData, Deleted: deleted}
}

// CommitHead publishes newVersion as the new head, stamped with
// commitVersion, linking it ahead of the current head (spec §4.5 step 5:
// "install new versions atomically: per object, head pointer swing").
// expectedPrev must still be the current head (nil matches only an empty
// chain), otherwise nothing is installed and CommitHead returns false —
// this is the class storage's half of optimistic concurrency. txn
// serializes installs under its commit mutex and reports a false return
// (another transaction installed a newer head since this one read) as a
// conflict.
func (h *Handle) CommitHead(newVersion *Version, commitVersion uint64, expectedPrev *Version) bool {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.head != expectedPrev {
		return false
	}
	newVersion.CommitVersion = commitVersion
	newVersion.Next = h.entry.head
	h.entry.head = newVersion
	return true
}

// DiscardWrite drops an uncommitted version staged by StageWrite without
// publishing it (transaction rollback).
func (h *Handle) DiscardWrite(staged *Version) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.head == staged {
		h.entry.head = staged.Next
	}
}

// CommitCreate stamps the object's first, still-uncommitted version with
// commitVersion in place, rather than linking a new node ahead of it —
// Create already installed that version as the chain head, so publishing
// it only needs to flip CommitVersion once the owning transaction
// commits. It returns false if the head is no longer the txID-owned
// uncommitted version (already published, or discarded).
func (h *Handle) CommitCreate(txID uint64, commitVersion uint64) bool {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	v := h.entry.head
	if v == nil || v.CommitVersion != 0 || v.TxID != txID {
		return false
	}
	v.CommitVersion = commitVersion
	return true
}

// DiscardCreate removes the object's first version if it is still the
// uncommitted version owned by txID (transaction rollback of a create).
func (h *Handle) DiscardCreate(txID uint64) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	v := h.entry.head
	if v != nil && v.CommitVersion == 0 && v.TxID == txID {
		h.entry.head = nil
	}
}

// RewriteHeadData replaces the current head version's Data in place,
// without changing its CommitVersion, TxID or position in the chain. Used
// only by a model-update's class-property-update stage (spec §4.7 stage 6,
// §COPIER): a physical layout migration is not an MVCC write — it changes
// how existing bytes are interpreted, not what they mean, and runs under
// the class's exclusive lock so no concurrent reader can observe a
// half-migrated record.
func (h *Handle) RewriteHeadData(newData []byte) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.head != nil {
		h.entry.head.Data = newData
	}
}

// Count returns the estimated live object count, maintained for index
// capacity planning (spec §4.2).
func (cs *ClassStore) Count() int64 { return cs.objCount.Load() }

// HandleRange is a contiguous chunk of handles returned by Scan, sized
// ≈128 at a time per spec §4.2, for batch/parallel operations.
type HandleRange struct {
	Handles []*Handle
}

const scanChunkSize = 128

// Scan returns successive chunks of live object handles for batch and
// parallel operations (spec §4.2 scan; used by the model-update
// coordinator's populate/rewrite stages).
func (cs *ClassStore) Scan() []HandleRange {
	cs.mu.RLock()
	buckets := cs.buckets
	cs.mu.RUnlock()

	var all []*Handle
	for _, head := range buckets {
		for e := head; e != nil; e = e.nextCollision {
			all = append(all, &Handle{entry: e})
		}
	}

	var chunks []HandleRange
	for i := 0; i < len(all); i += scanChunkSize {
		end := i + scanChunkSize
		if end > len(all) {
			end = len(all)
		}
		chunks = append(chunks, HandleRange{Handles: all[i:end]})
	}
	return chunks
}

// GarbageCollect drops chain entries that no snapshot at or after
// watermark could still observe, invoking the release callback for each
// dropped version's Data. It keeps, for every object, the newest version
// with CommitVersion <= watermark plus everything newer, discarding only
// strictly-older tail entries — mirroring tinySQL's GarbageCollect
// (internal/storage/mvcc.go) chain-trimming loop.
func (cs *ClassStore) GarbageCollect(watermark uint64) int {
	cs.mu.RLock()
	buckets := cs.buckets
	cs.mu.RUnlock()

	collected := 0
	for _, head := range buckets {
		for e := head; e != nil; e = e.nextCollision {
			e.mu.Lock()
			collected += cs.trimChain(e, watermark)
			e.mu.Unlock()
		}
	}
	return collected
}

// trimChain must be called with e.mu held.
func (cs *ClassStore) trimChain(e *objectEntry, watermark uint64) int {
	cur := e.head
	// Find the first version at or below the watermark; everything after
	// it is unreachable from any snapshot >= watermark and can be dropped.
	var keepUntil *Version
	for v := cur; v != nil; v = v.Next {
		if v.CommitVersion != 0 && v.CommitVersion <= watermark {
			keepUntil = v
			break
		}
	}
	if keepUntil == nil {
		return 0
	}
	collected := 0
	for v := keepUntil.Next; v != nil; {
		next := v.Next
		if cs.release != nil {
			cs.release(v.Data)
		}
		collected++
		v = next
	}
	keepUntil.Next = nil
	return collected
}
