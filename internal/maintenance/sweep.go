package maintenance

import (
	"context"
	"sync/atomic"

	"github.com/veloxdb/veloxdb/internal/classstore"
	"github.com/veloxdb/veloxdb/internal/invref"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/txn"
)

// Sweep ties the transaction manager's GC watermark (spec §5) to every
// class store's version-chain trim and one round of inverse-reference
// compaction, as a single SweepFunc suitable for GCScheduler.Schedule.
type Sweep struct {
	manager *txn.Manager
	stores  map[model.ClassID]*classstore.ClassStore
	inverse *invref.Map

	nextShard atomic.Int64
}

// NewSweep builds a Sweep over every class store in stores.
func NewSweep(manager *txn.Manager, stores map[model.ClassID]*classstore.ClassStore, inverse *invref.Map) *Sweep {
	return &Sweep{manager: manager, stores: stores, inverse: inverse}
}

// Run trims every class store's version chains to the current GC
// watermark and compacts one inverse-reference shard, round-robin across
// calls so a full sweep of all shards completes over several schedule
// firings rather than blocking one run (spec §5).
func (s *Sweep) Run(ctx context.Context) (int, error) {
	watermark := s.manager.GCWatermark()

	collected := 0
	for _, store := range s.stores {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		collected += store.GarbageCollect(watermark)
	}

	if s.inverse != nil {
		shard := int(s.nextShard.Add(1)-1) % invref.ShardCount()
		collected += s.inverse.CompactUntracked(shard, s.isLive)
	}
	return collected, nil
}

func (s *Sweep) isLive(id model.ObjectID) bool {
	store, ok := s.stores[id.ClassID()]
	if !ok {
		return false
	}
	h, ok := store.Lookup(id)
	if !ok {
		return false
	}
	_, ok = h.VisibleVersion(s.manager.CurrentVersion(), 0)
	return ok
}
