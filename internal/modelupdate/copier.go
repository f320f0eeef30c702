package modelupdate

import (
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/record"
	"github.com/veloxdb/veloxdb/internal/strpool"
)

// Copier rewrites one object's packed bytes from an old class layout to a
// new one (spec §4.7 stage 6, §COPIER). Object identity (the id) and
// transactional position (commit version, chain linkage) are untouched —
// only the interpretation of the payload bytes changes.
type Copier struct {
	oldClass *model.Class
	newClass *model.Class
	pool     *strpool.Pool
}

// NewCopier builds a copier from oldClass's layout to newClass's layout,
// generated once per class at plan time and reused for every live object.
func NewCopier(oldClass, newClass *model.Class, pool *strpool.Pool) *Copier {
	return &Copier{oldClass: oldClass, newClass: newClass, pool: pool}
}

// Copy produces src's bytes under the new layout: surviving properties
// are copied verbatim by width, deleted array/string properties have
// their handle dec_ref'd before the source bytes are discarded, and
// inserted simple properties get their declared default (string/array
// default to strpool.NullHandle per §COPIER).
func (c *Copier) Copy(src []byte) []byte {
	r := record.NewReader(src)
	w := record.NewWriter(c.newClass.RecordSize)

	oldByID := make(map[model.PropertyID]*model.Property, len(c.oldClass.Properties))
	for _, p := range c.oldClass.Properties {
		oldByID[p.ID] = p
	}
	newByID := make(map[model.PropertyID]*model.Property, len(c.newClass.Properties))
	for _, p := range c.newClass.Properties {
		newByID[p.ID] = p
	}

	for _, np := range c.newClass.Properties {
		if op, survives := oldByID[np.ID]; survives {
			width := handleWidth(op)
			w.PutSimple(np.ByteOffset, r.GetSimple(op.ByteOffset, width))
			continue
		}
		if np.Kind == model.KindSimple && np.Type == model.TypeString {
			if s, ok := np.DefaultValue.(string); ok && s != "" {
				h := c.pool.Acquire([]byte(s), true)
				w.PutHandle(np.ByteOffset, h)
				continue
			}
		}
		w.PutDefault(np)
	}

	for _, op := range c.oldClass.Properties {
		if _, survives := newByID[op.ID]; survives {
			continue
		}
		if op.Kind == model.KindArray || (op.Kind == model.KindSimple && op.Type == model.TypeString) {
			h := strpool.Handle(r.GetLongOptimized(op.ByteOffset))
			c.pool.DecRef(h)
		}
	}

	return w.Bytes()
}

func handleWidth(p *model.Property) int {
	if p.Kind != model.KindSimple {
		return 8
	}
	return p.Type.Width()
}
