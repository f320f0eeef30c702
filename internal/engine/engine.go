// Package engine assembles class storage, indexes, inverse-reference
// tracking, string interning and the transaction manager into the single
// running instance every other component is wired against.
//
// Grounded on tinySQL's DB aggregate (internal/storage/db.go), which holds
// every subsystem (tables, WAL, concurrency manager) behind one type
// constructed from a config struct; here NewEngine plays that role,
// built from a model.Document and an Options struct in the same style as
// tinySQL's ConcurrencyConfig/MemoryPolicy (internal/storage/
// concurrency.go, bufferpool.go).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/veloxdb/veloxdb/internal/classstore"
	"github.com/veloxdb/veloxdb/internal/index"
	"github.com/veloxdb/veloxdb/internal/invref"
	"github.com/veloxdb/veloxdb/internal/locker"
	"github.com/veloxdb/veloxdb/internal/maintenance"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/strpool"
	"github.com/veloxdb/veloxdb/internal/txn"
	"github.com/veloxdb/veloxdb/internal/verrors"
	"github.com/veloxdb/veloxdb/internal/vlog"
	"github.com/veloxdb/veloxdb/internal/wal"
)

// Options configures a new Engine, following tinySQL's plain
// struct-literal configuration style rather than a config-file loader
// (persistence/replication configuration is an external collaborator,
// out of scope per spec Non-goals).
type Options struct {
	// Logger receives ambient diagnostics; defaults to vlog.Discard.
	Logger vlog.Logger
	// WAL, if non-nil, receives a Record for every committed write
	// (spec §6 write-ahead log record layout).
	WAL wal.RecordWriter
	// GCSchedule is a cron or "@every" expression driving the periodic
	// maintenance sweep (spec §5); "" disables scheduled GC.
	GCSchedule string
	// GCTimeout bounds a single sweep; 0 means no timeout.
	GCTimeout time.Duration
}

// Engine is the live, running instance of one model version: its class
// stores, indexes, inverse-reference map, string pool and transaction
// manager.
type Engine struct {
	// mu guards model/stores/hash/sorted, which a model-update coordinator
	// swaps wholesale at its commit stage (spec §4.7 stage 7); every other
	// field is set once at construction and never reassigned.
	mu sync.RWMutex

	model *model.Model

	stores  map[model.ClassID]*classstore.ClassStore
	hash    map[model.IndexID]*index.Hash
	sorted  map[model.IndexID]*index.Sorted
	inverse *invref.Map
	strings *strpool.Pool

	manager *txn.Manager
	wal     wal.RecordWriter
	log     vlog.Logger

	scheduler *maintenance.GCScheduler
}

// NewEngine builds an Engine from a model ingestion document (spec §6) and
// starts its periodic maintenance sweep if configured.
func NewEngine(doc model.Document, opts Options) (*Engine, error) {
	m, err := model.Build(doc)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		model:   m,
		stores:  make(map[model.ClassID]*classstore.ClassStore),
		hash:    make(map[model.IndexID]*index.Hash),
		sorted:  make(map[model.IndexID]*index.Sorted),
		inverse: invref.New(),
		strings: strpool.New(),
		manager: txn.NewManager(),
		wal:     opts.WAL,
		log:     opts.Logger,
	}
	if e.log == nil {
		e.log = vlog.Discard
	}
	e.manager.AttachSchema(e)

	for _, c := range m.Classes {
		store := classstore.New(c.ID)
		store.SetReleaseFunc(e.releaseFuncFor(c))
		e.stores[c.ID] = store
	}
	for _, idx := range m.Indexes {
		e.buildIndex(idx, false)
	}

	if opts.GCSchedule != "" {
		e.scheduler = maintenance.NewGCScheduler(e.log)
		sweep := maintenance.NewSweep(e.manager, e.stores, e.inverse)
		if _, err := e.scheduler.Schedule(opts.GCSchedule, "gc-sweep", opts.GCTimeout, sweep.Run); err != nil {
			return nil, err
		}
		e.scheduler.Start()
	}

	return e, nil
}

// releaseFuncFor builds a classstore.ReleaseFunc that DecRefs every
// string/array property handle in a garbage-collected version's Data
// (spec invariant I-RC), closed over c's property offsets so GC needs no
// further class lookup per version.
func (e *Engine) releaseFuncFor(c *model.Class) classstore.ReleaseFunc {
	var handleOffsets []int
	for _, p := range c.Properties {
		if p.Kind == model.KindArray || (p.Kind == model.KindSimple && p.Type == model.TypeString) {
			handleOffsets = append(handleOffsets, p.ByteOffset)
		}
	}
	return func(data []byte) {
		r := record.NewReader(data)
		for _, offset := range handleOffsets {
			e.strings.DecRef(strpool.Handle(r.GetLongOptimized(offset)))
		}
	}
}

func (e *Engine) buildIndex(idx *model.Index, pendingRefill bool) {
	cmp := e.comparatorForModel(e.model, idx)
	switch idx.Kind {
	case model.IndexHash:
		if pendingRefill {
			e.hash[idx.ID] = index.NewHashPendingRefill(idx.IsUnique)
		} else {
			e.hash[idx.ID] = index.NewHash(idx.IsUnique)
		}
	case model.IndexSorted:
		if pendingRefill {
			e.sorted[idx.ID] = index.NewSortedPendingRefill(idx.IsUnique, cmp)
		} else {
			e.sorted[idx.ID] = index.NewSorted(idx.IsUnique, cmp)
		}
	}
}

// comparatorForModel picks a culture-aware string comparator when an
// index's first key property is string-typed and a culture/case rule is
// declared, looking the property up in m (the model the index belongs
// to); every other case uses ordinal byte comparison (spec §4.4).
func (e *Engine) comparatorForModel(m *model.Model, idx *model.Index) index.Comparator {
	if len(idx.KeyProperties) == 0 || (idx.Culture == "" && !idx.CaseInsensitive) {
		return index.ByteComparator
	}
	for _, cid := range idx.ClassIDs {
		c, ok := m.Classes[cid]
		if !ok {
			continue
		}
		p, ok := c.PropertyByID(idx.KeyProperties[0])
		if ok && p.Type == model.TypeString {
			return index.NewStringComparator(idx.Culture, idx.CaseInsensitive)
		}
	}
	return index.ByteComparator
}

// Model returns the currently active model descriptor.
func (e *Engine) Model() *model.Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model
}

// Manager returns the transaction manager transactions are begun against.
func (e *Engine) Manager() *txn.Manager { return e.manager }

// Store returns the class store for a class id, or nil if unknown.
func (e *Engine) Store(id model.ClassID) *classstore.ClassStore {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stores[id]
}

// ClassByID looks up a class in the currently published model. Part of
// txn.SchemaView: it lets Manager.commit resolve a write's class from the
// classstore.ClassStore it was given.
func (e *Engine) ClassByID(id model.ClassID) (*model.Class, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.model.Classes[id]
	return c, ok
}

// IndexByID looks up an index descriptor in the currently published model.
// Part of txn.SchemaView.
func (e *Engine) IndexByID(id model.IndexID) (*model.Index, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.model.Indexes[id]
	return idx, ok
}

// HashIndex returns the hash index for an index id, or nil if unknown or
// not a hash index.
func (e *Engine) HashIndex(id model.IndexID) *index.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hash[id]
}

// SortedIndex returns the sorted index for an index id, or nil if unknown
// or not a sorted index.
func (e *Engine) SortedIndex(id model.IndexID) *index.Sorted {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sorted[id]
}

// Snapshot returns a point-in-time copy of the registries a model-update
// coordinator plans against: the active model plus the live class store,
// hash and sorted index maps (shallow-copied so the coordinator can add
// new classes/indexes into its own working copies without perturbing
// reads against the currently published model until SwapModel commits).
func (e *Engine) Snapshot() (m *model.Model, stores map[model.ClassID]*classstore.ClassStore, hash map[model.IndexID]*index.Hash, sorted map[model.IndexID]*index.Sorted) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stores = make(map[model.ClassID]*classstore.ClassStore, len(e.stores))
	for k, v := range e.stores {
		stores[k] = v
	}
	hash = make(map[model.IndexID]*index.Hash, len(e.hash))
	for k, v := range e.hash {
		hash[k] = v
	}
	sorted = make(map[model.IndexID]*index.Sorted, len(e.sorted))
	for k, v := range e.sorted {
		sorted[k] = v
	}
	return e.model, stores, hash, sorted
}

// SwapModel atomically publishes a new model version and its accompanying
// registries (spec §4.7 stage 7: "atomically publish the new model version
// at a single commit version"). Called only by modelupdate.Coordinator
// after every stage has succeeded.
func (e *Engine) SwapModel(m *model.Model, stores map[model.ClassID]*classstore.ClassStore, hash map[model.IndexID]*index.Hash, sorted map[model.IndexID]*index.Sorted) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = m
	e.stores = stores
	e.hash = hash
	e.sorted = sorted
}

// NewClassStore creates and registers an empty class store for a newly
// inserted class, wired with this engine's garbage-collection release
// callback (spec §4.7 stage 3 "create empty new classes").
func (e *Engine) NewClassStore(c *model.Class) *classstore.ClassStore {
	store := classstore.New(c.ID)
	store.SetReleaseFunc(e.releaseFuncFor(c))
	return store
}

// BuildIndex creates a new, empty index matching idx's descriptor,
// optionally in StatePendingRefill (spec §4.7 stage 3 "create new
// indexes... for alignment mode, mark new indexes pending_refill").
func (e *Engine) BuildIndex(idx *model.Index, pendingRefill bool) (*index.Hash, *index.Sorted) {
	e.mu.RLock()
	cmp := e.comparatorForModel(e.model, idx)
	e.mu.RUnlock()
	switch idx.Kind {
	case model.IndexHash:
		if pendingRefill {
			return index.NewHashPendingRefill(idx.IsUnique), nil
		}
		return index.NewHash(idx.IsUnique), nil
	default:
		if pendingRefill {
			return nil, index.NewSortedPendingRefill(idx.IsUnique, cmp)
		}
		return nil, index.NewSorted(idx.IsUnique, cmp)
	}
}

// Inverse returns the inverse-reference map.
func (e *Engine) Inverse() *invref.Map { return e.inverse }

// Strings returns the string/blob interning pool.
func (e *Engine) Strings() *strpool.Pool { return e.strings }

// ClassLocker returns the per-class coarse locker shared with the
// transaction manager.
func (e *Engine) ClassLocker() *locker.ClassLocker { return e.manager.ClassLocker() }

// WAL returns the configured write-ahead log writer, or nil if disabled.
func (e *Engine) WAL() wal.RecordWriter { return e.wal }

// Log returns the engine's logger.
func (e *Engine) Log() vlog.Logger { return e.log }

// Close stops the maintenance scheduler, if one was started.
func (e *Engine) Close() {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
}

// The methods below are the procedure-facing surface spec §9 names: create,
// get, get_all, get_hash_index, apply_changes, rollback. Each is a thin
// single-operation transaction over Manager/Tx, so every one of them goes
// through the same index/inverse-ref/WAL/delete_target_action maintenance
// Manager.commit now performs — there is no separate write path that could
// skip it.

// Create opens a transaction, creates one object of classID and commits
// (spec §9 "create").
func (e *Engine) Create(ctx context.Context, classID model.ClassID, data []byte) (model.ObjectID, error) {
	store := e.Store(classID)
	if store == nil {
		return 0, verrors.New(verrors.ErrUnknownClass, "class_id", classID)
	}
	t := e.manager.BeginReadWrite(txn.Snapshot)
	id, err := t.Create(store, data)
	if err != nil {
		t.Abort()
		return 0, err
	}
	if err := t.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// Get reads one object's current data through a fresh read-only
// transaction (spec §9 "get").
func (e *Engine) Get(classID model.ClassID, id model.ObjectID) ([]byte, error) {
	store := e.Store(classID)
	if store == nil {
		return nil, verrors.New(verrors.ErrUnknownClass, "class_id", classID)
	}
	t := e.manager.BeginRead()
	defer t.Abort()
	v, err := t.Read(store, id)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// GetAll returns the live (non-deleted) data of every object currently in
// classID, by chunked scan of its class store (spec §9 "get_all").
func (e *Engine) GetAll(classID model.ClassID) ([][]byte, error) {
	store := e.Store(classID)
	if store == nil {
		return nil, verrors.New(verrors.ErrUnknownClass, "class_id", classID)
	}
	var out [][]byte
	for _, chunk := range store.Scan() {
		for _, h := range chunk.Handles {
			if v := h.Head(); v != nil && !v.Deleted {
				out = append(out, v.Data)
			}
		}
	}
	return out, nil
}

// GetHashIndex exposes a hash index for equality lookups (spec §9
// "get_hash_index").
func (e *Engine) GetHashIndex(id model.IndexID) *index.Hash { return e.HashIndex(id) }

// ApplyChanges runs fn against a fresh read-write transaction at the given
// isolation level, retrying on a transient conflict with the package's
// default backoff policy, and commits on success (spec §9
// "apply_changes" — the one procedure every multi-object write goes
// through).
func (e *Engine) ApplyChanges(ctx context.Context, isolation txn.Isolation, fn func(t *txn.Tx) error) error {
	return txn.RunReadWrite(ctx, e.manager, isolation, txn.DefaultRetryConfig(), fn)
}

// Rollback aborts an in-flight transaction (spec §9 "rollback"); safe to
// call on one already committed or aborted.
func (e *Engine) Rollback(t *txn.Tx) { t.Abort() }
