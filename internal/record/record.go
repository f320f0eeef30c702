// Package record implements the object reader/writer contract described in
// spec §6 ("Object reader contract"): fixed-width accessors into an
// object's packed property bytes, parameterised by the class descriptor
// rather than hard-coded offsets, since a class's layout changes across
// schema versions (spec §9 "Dynamic layout per class version").
//
// Grounded on tinySQL's row-encoding helpers in internal/storage/db.go
// (fixed-width column access by offset) and decimal.go's any-to-concrete
// coercions, generalized from a single flat row shape to per-property
// byte offsets looked up on model.Property.
package record

import (
	"encoding/binary"
	"math"

	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/strpool"
)

// Reader gives read-only, offset-parameterised access to one object
// version's packed bytes, the engine's external reader contract (spec §6).
type Reader struct {
	data []byte
}

// NewReader wraps an object version's Data for property access.
func NewReader(data []byte) Reader { return Reader{data: data} }

// GetSimple returns the raw width bytes at offset, spec §6's
// get_simple(offset, width).
func (r Reader) GetSimple(offset, width int) []byte {
	if offset+width > len(r.data) {
		return make([]byte, width)
	}
	return r.data[offset : offset+width]
}

// GetLongOptimized reads an 8-byte little-endian integer at offset, spec
// §6's get_long_optimized — used by model-update validators to read a
// reference property's target handle without a type switch.
func (r Reader) GetLongOptimized(offset int) int64 {
	return int64(binary.LittleEndian.Uint64(r.GetSimple(offset, 8)))
}

// GetIDOptimized reads an 8-byte little-endian object id at offset, spec
// §6's get_id_optimized.
func (r Reader) GetIDOptimized(offset int) model.ObjectID {
	return model.ObjectID(binary.LittleEndian.Uint64(r.GetSimple(offset, 8)))
}

// GetLongArrayOptimized reads a handle to a packed id list at offset and
// resolves it through strings, spec §6's get_long_array_optimized (used
// for multi-valued reference arrays).
func (r Reader) GetLongArrayOptimized(offset int, pool *strpool.Pool) []int64 {
	h := strpool.Handle(binary.LittleEndian.Uint64(r.GetSimple(offset, 8)))
	raw, ok := pool.Get(h)
	if !ok || len(raw)%8 != 0 {
		return nil
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return out
}

// Value decodes the property at its declared offset/width into a Go
// value matching its declared PropertyType, for simple properties only.
func (r Reader) Value(p *model.Property) any {
	b := r.GetSimple(p.ByteOffset, p.Type.Width())
	switch p.Type {
	case model.TypeByte:
		return b[0]
	case model.TypeBool:
		return b[0] != 0
	case model.TypeShort:
		return int16(binary.LittleEndian.Uint16(b))
	case model.TypeInt:
		return int32(binary.LittleEndian.Uint32(b))
	case model.TypeLong, model.TypeDateTime:
		return int64(binary.LittleEndian.Uint64(b))
	case model.TypeFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case model.TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case model.TypeString:
		return strpool.Handle(binary.LittleEndian.Uint64(b))
	default:
		return nil
	}
}

// Writer builds an object's packed bytes, used by ordinary writes and by
// §COPIER to assemble a rewritten record under a new class layout.
type Writer struct {
	data []byte
}

// NewWriter allocates a zeroed record of size bytes.
func NewWriter(size int) *Writer {
	return &Writer{data: make([]byte, size)}
}

// Bytes returns the accumulated record.
func (w *Writer) Bytes() []byte { return w.data }

// PutSimple copies raw width bytes to offset, growing the backing buffer
// if needed (defensive: class layouts are sized up front, so this should
// never grow in practice).
func (w *Writer) PutSimple(offset int, raw []byte) {
	if need := offset + len(raw); need > len(w.data) {
		grown := make([]byte, need)
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[offset:], raw)
}

// PutLong writes an 8-byte little-endian integer at offset.
func (w *Writer) PutLong(offset int, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.PutSimple(offset, b[:])
}

// PutHandle writes an 8-byte strpool handle (or reference/array handle) at
// offset.
func (w *Writer) PutHandle(offset int, h strpool.Handle) {
	w.PutLong(offset, int64(h))
}

// PutDefault writes a property's declared default value at its offset.
// string and array properties with a nil default write strpool.NullHandle
// (spec §COPIER: "types string and array default to null handle").
func (w *Writer) PutDefault(p *model.Property) {
	if p.Kind != model.KindSimple {
		w.PutHandle(p.ByteOffset, strpool.NullHandle)
		return
	}
	if p.Type == model.TypeString {
		if s, ok := p.DefaultValue.(string); ok && s != "" {
			return // caller must intern and PutHandle explicitly; nothing to write blind
		}
		w.PutHandle(p.ByteOffset, strpool.NullHandle)
		return
	}
	putSimpleDefault(w, p)
}

func putSimpleDefault(w *Writer, p *model.Property) {
	width := p.Type.Width()
	buf := make([]byte, width)
	switch v := p.DefaultValue.(type) {
	case nil:
	case bool:
		if v {
			buf[0] = 1
		}
	case byte:
		buf[0] = v
	case int:
		putInt(buf, p.Type, int64(v))
	case int16:
		putInt(buf, p.Type, int64(v))
	case int32:
		putInt(buf, p.Type, int64(v))
	case int64:
		putInt(buf, p.Type, v)
	case float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	case float64:
		if p.Type == model.TypeFloat {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		}
	}
	w.PutSimple(p.ByteOffset, buf)
}

func putInt(buf []byte, t model.PropertyType, v int64) {
	switch t {
	case model.TypeShort:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case model.TypeInt:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
}
