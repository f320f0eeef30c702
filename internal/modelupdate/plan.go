package modelupdate

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veloxdb/veloxdb/internal/classstore"
	"github.com/veloxdb/veloxdb/internal/concurrency"
	"github.com/veloxdb/veloxdb/internal/engine"
	"github.com/veloxdb/veloxdb/internal/index"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/txn"
	"github.com/veloxdb/veloxdb/internal/verrors"
)

// Options selects how a model update runs (spec §4.7, §Open Question 2).
type Options struct {
	// IsAlignment skips stage 1's full-scan validation, for aligning
	// against a trusted peer that has already validated the change.
	IsAlignment bool
}

// Coordinator drives one model update at a time against an *engine.Engine
// (spec §4.7: "executes a staged plan under a worker pool").
type Coordinator struct {
	engine *engine.Engine
}

// NewCoordinator builds a coordinator for e.
func NewCoordinator(e *engine.Engine) *Coordinator {
	return &Coordinator{engine: e}
}

// plan carries the working copies a Coordinator mutates across stages,
// swapped into the engine only at stage 7; an error at any earlier stage
// simply discards this struct, leaving the engine's published registries
// untouched for everything but stage 2's per-index housekeeping (see
// DESIGN.md for why that narrow exception is acceptable here).
type plan struct {
	prev, next *model.Model
	diff       *Diff

	stores map[model.ClassID]*classstore.ClassStore
	hash   map[model.IndexID]*index.Hash
	sorted map[model.IndexID]*index.Sorted
}

// Execute runs the full staged plan (spec §4.7 "Execution plan") against
// doc, a new model ingestion document, and returns the newly published
// model on success.
func (c *Coordinator) Execute(ctx context.Context, doc model.Document, opts Options) (*model.Model, error) {
	prev, stores, hashIdx, sortedIdx := c.engine.Snapshot()

	next, err := model.Build(doc)
	if err != nil {
		return nil, err
	}

	diff, err := Compute(prev, next, opts.IsAlignment)
	if err != nil {
		return nil, err
	}

	p := &plan{
		prev: prev, next: next, diff: diff,
		stores: cloneStores(stores),
		hash:   cloneHash(hashIdx),
		sorted: cloneSorted(sortedIdx),
	}

	if !opts.IsAlignment {
		if err := p.validate(ctx, c.engine); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, verrors.Wrap(verrors.ErrNotApplicableTransient, err)
	}

	p.deletePhase(c.engine)
	p.insertPhase(c.engine, opts.IsAlignment)

	if err := p.populatePhase(ctx, c.engine); err != nil {
		return nil, err
	}
	if err := p.rebuildInverseRefs(ctx, c.engine); err != nil {
		return nil, err
	}
	if err := p.classPropertyUpdate(ctx, c.engine); err != nil {
		return nil, err
	}

	return p.commit(c.engine)
}

func cloneStores(src map[model.ClassID]*classstore.ClassStore) map[model.ClassID]*classstore.ClassStore {
	out := make(map[model.ClassID]*classstore.ClassStore, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneHash(src map[model.IndexID]*index.Hash) map[model.IndexID]*index.Hash {
	out := make(map[model.IndexID]*index.Hash, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneSorted(src map[model.IndexID]*index.Sorted) map[model.IndexID]*index.Sorted {
	out := make(map[model.IndexID]*index.Sorted, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// validate implements stage 1: full-scan reference validation for
// retargeted/tightened properties, and shadow-index population for
// indexes that become unique or gain classes (spec §4.7 stage 1).
func (p *plan) validate(ctx context.Context, e *engine.Engine) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, cd := range p.diff.Classes {
		if cd.Kind != Update {
			continue
		}
		cd := cd
		for _, pd := range cd.UpdatedProperties {
			pd := pd
			if !pd.TargetClassModified && !(pd.MultiplicityModified && pd.NewMultiplicity == model.ExactlyOne) {
				continue
			}
			g.Go(func() error {
				return p.validateReferenceProperty(gctx, cd.ClassID, pd)
			})
		}
	}

	for _, id := range p.diff.Indexes {
		if id.Kind == Delete {
			continue
		}
		if !id.HasBecomeUnique && len(id.InsertedClasses) == 0 {
			continue
		}
		id := id
		g.Go(func() error {
			return p.validateShadowIndex(gctx, id)
		})
	}

	return g.Wait()
}

func (p *plan) validateReferenceProperty(ctx context.Context, classID model.ClassID, pd PropertyDiff) error {
	store := p.stores[classID]
	if store == nil {
		return nil
	}
	class := p.next.Classes[classID]
	prop, ok := class.PropertyByID(pd.PropertyID)
	if !ok {
		return nil
	}

	for _, chunk := range store.Scan() {
		if err := ctx.Err(); err != nil {
			return verrors.Wrap(verrors.ErrNotApplicableTransient, err)
		}
		err := concurrency.NewIterator(chunk.Handles, 0).WithContext(ctx).ForEach(func(h *classstore.Handle) error {
			v, ok := h.VisibleVersion(^uint64(0), 0)
			if !ok || v.Deleted {
				return nil
			}
			r := record.NewReader(v.Data)
			targetID := r.GetIDOptimized(prop.ByteOffset)
			if targetID.IsZero() {
				if pd.NewMultiplicity == model.ExactlyOne {
					return verrors.New(verrors.ErrNullReferenceNotAllowed,
						"class_id", classID, "property_id", pd.PropertyID, "object_id", h.ID())
				}
				return nil
			}
			if pd.TargetClassModified {
				targetStore := p.stores[targetID.ClassID()]
				if targetStore == nil {
					return verrors.New(verrors.ErrInvalidReferencedClass,
						"class_id", classID, "property_id", pd.PropertyID, "object_id", h.ID())
				}
				if _, ok := targetStore.Lookup(targetID); !ok {
					return verrors.New(verrors.ErrUnknownReference,
						"class_id", classID, "property_id", pd.PropertyID, "object_id", h.ID())
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// validateShadowIndex scans every covered class and populates a throwaway
// shadow index to surface a uniqueness violation before any real index is
// touched (spec §4.7 stage 1).
func (p *plan) validateShadowIndex(ctx context.Context, id IndexDiff) error {
	idxDef := p.next.Indexes[id.IndexID]
	if idxDef == nil || !idxDef.IsUnique {
		return nil
	}
	shadowHash, shadowSorted := shadowIndexFor(idxDef)

	for _, classID := range idxDef.ClassIDs {
		store := p.stores[classID]
		if store == nil {
			continue
		}
		class := p.next.Classes[classID]
		for _, chunk := range store.Scan() {
			if err := ctx.Err(); err != nil {
				return verrors.Wrap(verrors.ErrNotApplicableTransient, err)
			}
			for _, h := range chunk.Handles {
				v, ok := h.VisibleVersion(^uint64(0), 0)
				if !ok || v.Deleted {
					continue
				}
				key := indexKey(class, idxDef, v.Data)
				if key == nil {
					continue
				}
				var err error
				if shadowHash != nil {
					err = shadowHash.Insert(key, h.ID())
				} else {
					err = shadowSorted.Insert(key, h.ID())
				}
				if err != nil {
					return verrors.New(verrors.ErrUniquenessViolation,
						"index_id", id.IndexID, "object_id", h.ID())
				}
			}
		}
	}
	return nil
}

func shadowIndexFor(idx *model.Index) (*index.Hash, *index.Sorted) {
	if idx.Kind == model.IndexHash {
		return index.NewHash(true), nil
	}
	return nil, index.NewSorted(true, index.ByteComparator)
}

// indexKey concatenates an index's key properties' raw bytes for one
// object's data, or nil if the class doesn't carry every key property
// (shouldn't happen for a class the planner accepted into the index).
func indexKey(class *model.Class, idx *model.Index, data []byte) []byte {
	r := record.NewReader(data)
	var key []byte
	for _, propID := range idx.KeyProperties {
		p, ok := class.PropertyByID(propID)
		if !ok {
			return nil
		}
		key = append(key, r.GetSimple(p.ByteOffset, handleWidth(p))...)
	}
	return key
}

// deletePhase implements stage 2: drop removed indexes, remove deleted
// classes from retained indexes, and drop inverse-reference tracking for
// properties that no longer need it (spec §4.7 stage 2).
func (p *plan) deletePhase(e *engine.Engine) {
	for _, id := range p.diff.Indexes {
		if id.Kind == Delete {
			delete(p.hash, id.IndexID)
			delete(p.sorted, id.IndexID)
		}
	}

	for _, cd := range p.diff.Classes {
		if cd.Kind != Delete {
			continue
		}
		class := p.prev.Classes[cd.ClassID]
		for _, indexID := range class.IndexIDs {
			p.removeClassFromIndex(indexID, cd.ClassID)
		}
	}

	for _, ir := range p.diff.InverseRefs {
		if ir.Status == InvRefDeleted || ir.Status == InvRefUntracked {
			e.Inverse().RemoveByClassAndProperty(ir.ClassID, ir.PropertyID)
		}
	}
}

func (p *plan) removeClassFromIndex(indexID model.IndexID, classID model.ClassID) {
	store := p.stores[classID]
	if store == nil {
		return
	}
	class := p.prev.Classes[classID]
	idxDef := p.prev.Indexes[indexID]
	if idxDef == nil {
		return
	}
	h := p.hash[indexID]
	s := p.sorted[indexID]
	for _, chunk := range store.Scan() {
		for _, handle := range chunk.Handles {
			v := handle.Head()
			if v == nil {
				continue
			}
			key := indexKey(class, idxDef, v.Data)
			if key == nil {
				continue
			}
			if h != nil {
				h.Delete(key, handle.ID())
			}
			if s != nil {
				s.Delete(key, handle.ID())
			}
		}
	}
}

// insertPhase implements stage 3: create empty new classes and new
// indexes (spec §4.7 stage 3). New inverse-reference tracking needs no
// structural step since invref.Map lazily creates its own shard entries.
func (p *plan) insertPhase(e *engine.Engine, isAlignment bool) {
	for _, cd := range p.diff.Classes {
		if cd.Kind == Insert {
			p.stores[cd.ClassID] = e.NewClassStore(p.next.Classes[cd.ClassID])
		}
	}
	for _, id := range p.diff.Indexes {
		if id.Kind != Insert {
			continue
		}
		idxDef := p.next.Indexes[id.IndexID]
		h, s := e.BuildIndex(idxDef, isAlignment)
		if h != nil {
			p.hash[id.IndexID] = h
		}
		if s != nil {
			p.sorted[id.IndexID] = s
		}
	}
}

// populatePhase implements stage 4: insert existing classes' objects into
// new or extended indexes (spec §4.7 stage 4).
func (p *plan) populatePhase(ctx context.Context, e *engine.Engine) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range p.diff.Indexes {
		id := id
		if id.Kind == Delete {
			continue
		}
		var classesToPopulate []model.ClassID
		if id.Kind == Insert {
			classesToPopulate = p.next.Indexes[id.IndexID].ClassIDs
		} else {
			classesToPopulate = id.InsertedClasses
		}
		if len(classesToPopulate) == 0 {
			continue
		}
		g.Go(func() error {
			return p.populateIndexClasses(gctx, id.IndexID, classesToPopulate)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, id := range p.diff.Indexes {
		if id.Kind == Insert {
			if h := p.hash[id.IndexID]; h != nil {
				h.MarkActive()
			}
			if s := p.sorted[id.IndexID]; s != nil {
				s.MarkActive()
			}
		}
	}
	return nil
}

func (p *plan) populateIndexClasses(ctx context.Context, indexID model.IndexID, classIDs []model.ClassID) error {
	idxDef := p.next.Indexes[indexID]
	if idxDef == nil {
		return nil
	}
	h := p.hash[indexID]
	s := p.sorted[indexID]

	for _, classID := range classIDs {
		store := p.stores[classID]
		if store == nil {
			continue
		}
		class := p.next.Classes[classID]
		for _, chunk := range store.Scan() {
			if err := ctx.Err(); err != nil {
				return verrors.Wrap(verrors.ErrNotApplicableTransient, err)
			}
			// Each chunk's handles carry no shared state between them, so
			// the chunk sweeps across a bounded worker set while Insert's
			// own locking keeps the index consistent.
			err := concurrency.NewIterator(chunk.Handles, 0).WithContext(ctx).ForEach(func(handle *classstore.Handle) error {
				v := handle.Head()
				if v == nil || v.Deleted {
					return nil
				}
				key := indexKey(class, idxDef, v.Data)
				if key == nil {
					return nil
				}
				var insertErr error
				if h != nil {
					insertErr = h.Insert(key, handle.ID())
				} else if s != nil {
					insertErr = s.Insert(key, handle.ID())
				}
				if insertErr != nil {
					return verrors.New(verrors.ErrUniquenessViolation,
						"index_id", indexID, "object_id", handle.ID())
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildInverseRefs implements stage 5: walk classes whose reference
// properties changed and rebuild their inverse-map entries (spec §4.7
// stage 5).
func (p *plan) rebuildInverseRefs(ctx context.Context, e *engine.Engine) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, ir := range p.diff.InverseRefs {
		if ir.Status != InvRefTracked && ir.Status != InvRefInserted {
			continue
		}
		ir := ir
		g.Go(func() error {
			return p.rebuildOneInverseRef(gctx, e, ir)
		})
	}
	return g.Wait()
}

func (p *plan) rebuildOneInverseRef(ctx context.Context, e *engine.Engine, ir InverseRefDiff) error {
	store := p.stores[ir.ClassID]
	if store == nil {
		return nil
	}
	class := p.next.Classes[ir.ClassID]
	prop, ok := class.PropertyByID(ir.PropertyID)
	if !ok {
		return nil
	}
	for _, chunk := range store.Scan() {
		if err := ctx.Err(); err != nil {
			return verrors.Wrap(verrors.ErrNotApplicableTransient, err)
		}
		for _, handle := range chunk.Handles {
			v := handle.Head()
			if v == nil || v.Deleted {
				continue
			}
			r := record.NewReader(v.Data)
			target := r.GetIDOptimized(prop.ByteOffset)
			if !target.IsZero() {
				e.Inverse().Add(target, handle.ID(), ir.PropertyID)
			}
		}
	}
	return nil
}

// classPropertyUpdate implements stage 6: rewrite every live object of a
// modified class into its new layout using a generated copier, then
// (logically) swap the class descriptor — the descriptor itself is
// swapped for every class at once in commit, stage 7 (spec §4.7 stage 6).
// Not cancellable: once started, a class's objects are rewritten to
// completion.
func (p *plan) classPropertyUpdate(ctx context.Context, e *engine.Engine) error {
	g := new(errgroup.Group)

	for _, cd := range p.diff.Classes {
		if cd.Kind != Update {
			continue
		}
		if len(cd.InsertedProperties) == 0 && len(cd.DeletedProperties) == 0 {
			continue // layout unchanged, nothing to rewrite
		}
		cd := cd
		g.Go(func() error {
			return p.rewriteClass(e, cd.ClassID)
		})
	}
	return g.Wait()
}

func (p *plan) rewriteClass(e *engine.Engine, classID model.ClassID) error {
	store := p.stores[classID]
	if store == nil {
		return nil
	}
	oldClass := p.prev.Classes[classID]
	newClass := p.next.Classes[classID]
	copier := NewCopier(oldClass, newClass, e.Strings())

	e.ClassLocker().Lock(classID)
	defer e.ClassLocker().Unlock(classID)

	for _, chunk := range store.Scan() {
		for _, handle := range chunk.Handles {
			v := handle.Head()
			if v == nil {
				continue
			}
			handle.RewriteHeadData(copier.Copy(v.Data))
		}
	}
	return nil
}

// commit implements stage 7: publish the new model and its registries at
// a single commit version (spec §4.7 stage 7).
func (p *plan) commit(e *engine.Engine) (*model.Model, error) {
	p.next.VersionID = uuid.New().String()
	e.SwapModel(p.next, p.stores, p.hash, p.sorted)

	// Advance the transaction manager's commit-version counter so the
	// schema swap has a definite position in commit order (spec §5
	// "Commit order is a total order on commit_version"), even though it
	// carries no object writes of its own.
	marker := e.Manager().BeginReadWrite(txn.Snapshot)
	if err := marker.Commit(context.Background()); err != nil {
		return p.next, err
	}
	return p.next, nil
}
