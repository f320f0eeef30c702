// Package txn implements read and read-write transactions over the class
// store: snapshot isolation, write sets, and the serializable conflict
// check described in spec §4.5 — a stricter replacement for tinySQL's
// placeholder checkSerializableConflicts (internal/storage/mvcc.go), which
// only compared write sets and never validated reads or scanned ranges.
//
// Grounded on tinySQL's MVCCManager (internal/storage/mvcc.go):
// BeginTx/CommitTx/AbortTx, the active-transaction table, and
// updateOldestActive/GCWatermark all carry over in shape; TxContext
// becomes Tx, RowVersion becomes classstore.Version, and the single
// simplified conflict check becomes the commit-time validation in
// manager.go (Manager.commit and Manager.validate).
package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb/internal/classstore"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/verrors"
)

// Isolation selects the guarantee a transaction runs under (spec §4.5).
type Isolation int

const (
	// Snapshot transactions see a consistent point-in-time view and never
	// abort on concurrent activity; write-write collisions still conflict.
	Snapshot Isolation = iota
	// Serializable transactions additionally validate their read set and
	// any registered key ranges at commit time (spec §4.5 steps 1-4).
	Serializable
)

// Status is a transaction's lifecycle state.
type Status int32

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

type readEntry struct {
	store *classstore.ClassStore
	id    model.ObjectID
	handle        *classstore.Handle
	seenCommitVer uint64 // 0 if the read saw only its own uncommitted write
}

type pendingKey struct {
	store *classstore.ClassStore
	id    model.ObjectID
}

type writeEntry struct {
	store        *classstore.ClassStore
	id           model.ObjectID
	handle       *classstore.Handle
	staged       *classstore.Version
	expectedPrev *classstore.Version
	isCreate     bool
}

type rangeRead struct {
	indexID model.IndexID
	lo, hi  []byte
}

type indexChange struct {
	indexID model.IndexID
	key     []byte
}

// Tx is one transaction's state: its snapshot, isolation level, and the
// read/write sets accumulated as it runs.
type Tx struct {
	id        uint64
	manager   *Manager
	snapshot  uint64
	isolation Isolation
	slot      int // reader bitmap slot, see classstore.ReaderSlots

	status atomic.Int32

	mu           sync.Mutex
	reads        []readEntry
	writes       []writeEntry
	pending      map[pendingKey]*writeEntry
	ranges       []rangeRead
	indexChanges []indexChange
}

// ID returns the transaction's identifier.
func (t *Tx) ID() uint64 { return t.id }

// Snapshot returns the commit version this transaction reads as of.
func (t *Tx) Snapshot() uint64 { return t.snapshot }

// Status returns the transaction's current lifecycle state.
func (t *Tx) Status() Status { return Status(t.status.Load()) }

// Read resolves the version of id visible to this transaction, recording
// it in the read set for later conflict validation and marking the
// transaction's reader slot on the version it saw (spec §4.2 read, §4.5
// step 1/2).
func (t *Tx) Read(store *classstore.ClassStore, id model.ObjectID) (*classstore.Version, error) {
	t.mu.Lock()
	if w, ok := t.pending[pendingKey{store: store, id: id}]; ok {
		staged := w.staged
		t.mu.Unlock()
		if staged.Deleted {
			return staged, verrors.New(verrors.ErrObjectDeleted, "object_id", id)
		}
		return staged, nil
	}
	t.mu.Unlock()

	h, ok := store.Lookup(id)
	if !ok {
		return nil, verrors.New(verrors.ErrUnknownReference, "object_id", id)
	}
	v, ok := h.VisibleVersion(t.snapshot, t.id)
	if !ok {
		return nil, verrors.New(verrors.ErrObjectDeleted, "object_id", id)
	}
	v.RecordReader(t.slot)

	t.mu.Lock()
	t.reads = append(t.reads, readEntry{store: store, id: id, handle: h, seenCommitVer: v.CommitVersion})
	t.mu.Unlock()

	if v.Deleted {
		return v, verrors.New(verrors.ErrObjectDeleted, "object_id", id)
	}
	return v, nil
}

// Create allocates a new object in store and stages its first version,
// to be published atomically at Commit like any other write (spec §4.2
// create). The object is only visible to this transaction until then.
func (t *Tx) Create(store *classstore.ClassStore, data []byte) (model.ObjectID, error) {
	id, h := store.Create(t.id, data)
	entry := &writeEntry{store: store, id: id, handle: h, staged: h.Head(), isCreate: true}

	t.mu.Lock()
	if t.pending == nil {
		t.pending = make(map[pendingKey]*writeEntry)
	}
	t.pending[pendingKey{store: store, id: id}] = entry
	t.writes = append(t.writes, *entry)
	t.mu.Unlock()
	return id, nil
}

// Write stages a new version of id's data on top of whatever this
// transaction currently sees, to be published atomically at Commit (spec
// §4.2 write).
func (t *Tx) Write(store *classstore.ClassStore, id model.ObjectID, newData []byte) error {
	return t.stage(store, id, newData, false)
}

// Delete stages a tombstone version of id, to be published at Commit
// (spec §4.2 delete). First, every tracked inbound reference recorded
// against id is resolved per its property's delete_target_action (spec §3
// invariant 5, §8 scenario 3): ActionPrevent aborts with
// ErrDeleteReferenced, ActionSetNull clears the referencing property, and
// ActionCascade deletes the referencing object too, recursively.
func (t *Tx) Delete(store *classstore.ClassStore, id model.ObjectID) error {
	return t.deleteWithActions(store, id, make(map[model.ObjectID]bool))
}

func (t *Tx) deleteWithActions(store *classstore.ClassStore, id model.ObjectID, visited map[model.ObjectID]bool) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	if schema := t.manager.schema; schema != nil {
		for _, entry := range schema.Inverse().GetInverse(id) {
			sourceClass, ok := schema.ClassByID(entry.SourceID.ClassID())
			if !ok {
				continue
			}
			prop, ok := sourceClass.PropertyByID(entry.PropertyID)
			if !ok {
				continue
			}
			switch prop.DeleteTargetAction {
			case model.ActionPrevent:
				return verrors.New(verrors.ErrDeleteReferenced,
					"object_id", id, "referencing_object", entry.SourceID, "property", entry.PropertyID)
			case model.ActionSetNull:
				if err := t.clearReference(schema, entry.SourceID, prop); err != nil {
					return err
				}
			case model.ActionCascade:
				sourceStore := schema.Store(entry.SourceID.ClassID())
				if sourceStore == nil {
					continue
				}
				if err := t.deleteWithActions(sourceStore, entry.SourceID, visited); err != nil {
					return err
				}
			}
		}
	}

	return t.stage(store, id, nil, true)
}

// clearReference nulls out prop's byte offset on sourceID (ActionSetNull),
// leaving the rest of its data untouched. A source already deleted earlier
// in this same cascade is left alone.
func (t *Tx) clearReference(schema SchemaView, sourceID model.ObjectID, prop *model.Property) error {
	sourceStore := schema.Store(sourceID.ClassID())
	if sourceStore == nil {
		return nil
	}
	v, err := t.Read(sourceStore, sourceID)
	if err != nil {
		if ve, ok := verrors.As(err); ok && ve.Type == verrors.ErrObjectDeleted {
			return nil
		}
		return err
	}
	w := record.NewWriter(len(v.Data))
	w.PutSimple(0, v.Data)
	w.PutLong(prop.ByteOffset, 0)
	return t.stage(sourceStore, sourceID, w.Bytes(), false)
}

func (t *Tx) stage(store *classstore.ClassStore, id model.ObjectID, newData []byte, deleted bool) error {
	key := pendingKey{store: store, id: id}

	t.mu.Lock()
	if w, ok := t.pending[key]; ok {
		if w.expectedPrev != nil && w.expectedPrev.Deleted && !deleted {
			t.mu.Unlock()
			return verrors.New(verrors.ErrObjectDeleted, "object_id", id)
		}
		w.staged.Data = newData
		w.staged.Deleted = deleted
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	h, ok := store.Lookup(id)
	if !ok {
		return verrors.New(verrors.ErrUnknownReference, "object_id", id)
	}
	cur, ok := h.VisibleVersion(t.snapshot, t.id)
	if !ok || (cur.Deleted && !deleted) {
		return verrors.New(verrors.ErrObjectDeleted, "object_id", id)
	}
	staged := h.StageWrite(t.id, newData, deleted)

	entry := &writeEntry{store: store, id: id, handle: h, staged: staged, expectedPrev: cur}
	t.mu.Lock()
	if t.pending == nil {
		t.pending = make(map[pendingKey]*writeEntry)
	}
	t.pending[key] = entry
	t.writes = append(t.writes, *entry)
	t.mu.Unlock()
	return nil
}

// RecordIndexChange notes that this transaction is inserting into or
// removing from an index at key, so commit-time validation can check it
// against other transactions' registered scanned ranges (spec §4.5 step
// 2). Called by Manager.applyIndexes as part of commit, right after each
// index.Hash.Insert/Delete or Sorted.Insert/Delete it performs.
func (t *Tx) RecordIndexChange(indexID model.IndexID, key []byte) {
	t.mu.Lock()
	t.indexChanges = append(t.indexChanges, indexChange{indexID: indexID, key: append([]byte(nil), key...)})
	t.mu.Unlock()
}

// RegisterRangeRead records that this transaction scanned [lo, hi] on an
// index, so a concurrent structural change into that range is recognized
// as a phantom conflict at commit time (spec §4.5 step 2, §4.6).
func (t *Tx) RegisterRangeRead(indexID model.IndexID, lo, hi []byte) {
	t.manager.rangeLocker.RegisterRange(t.id, indexID, lo, hi)
	t.mu.Lock()
	t.ranges = append(t.ranges, rangeRead{indexID: indexID, lo: lo, hi: hi})
	t.mu.Unlock()
}

// Commit validates and publishes the transaction's write set, per spec
// §4.5 steps 1-5. It returns a retryable *verrors.Error on conflict.
func (t *Tx) Commit(ctx context.Context) error {
	if t.Status() != StatusInProgress {
		return verrors.New(verrors.ErrInvalidOperation, "reason", "transaction already finished")
	}
	if err := ctx.Err(); err != nil {
		t.Abort()
		return verrors.Wrap(verrors.ErrNotApplicableTransient, err)
	}
	return t.manager.commit(ctx, t)
}

// Abort discards the transaction's staged writes. Staged writes are never
// linked into a class store's chain until Commit installs them; a created
// object's first version is linked by Create, so Abort removes it with
// DiscardCreate.
func (t *Tx) Abort() {
	if !t.status.CompareAndSwap(int32(StatusInProgress), int32(StatusAborted)) {
		return
	}
	t.mu.Lock()
	for _, w := range t.writes {
		if w.isCreate {
			w.handle.DiscardCreate(t.id)
		}
	}
	t.mu.Unlock()
	t.manager.end(t)
}
