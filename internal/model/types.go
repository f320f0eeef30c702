package model

import "fmt"

// PropertyKind distinguishes simple, array-of-simple and reference
// properties (spec §3).
type PropertyKind int

const (
	KindSimple PropertyKind = iota
	KindArray
	KindReference
)

func (k PropertyKind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindArray:
		return "array"
	case KindReference:
		return "reference"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PropertyType enumerates the supported simple value types. Mirrors
// tinySQL's ColType iota-enum + string-table shape (internal/storage/db.go)
// narrowed to the set spec §3 names.
type PropertyType int

const (
	TypeByte PropertyType = iota
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeBool
	TypeDateTime
	TypeString
)

var typeWidths = map[PropertyType]int{
	TypeByte:     1,
	TypeShort:    2,
	TypeInt:      4,
	TypeLong:     8,
	TypeFloat:    4,
	TypeDouble:   8,
	TypeBool:     1,
	TypeDateTime: 8,
	TypeString:   8, // stored as a handle into strpool
}

// Width returns the fixed byte width a simple value occupies in an object's
// packed layout. Reference and array properties always occupy 8 bytes (a
// handle or, for multi-valued references, a handle to a packed id list).
func (t PropertyType) Width() int {
	if w, ok := typeWidths[t]; ok {
		return w
	}
	return 8
}

var typeNames = map[PropertyType]string{
	TypeByte: "byte", TypeShort: "short", TypeInt: "int", TypeLong: "long",
	TypeFloat: "float", TypeDouble: "double", TypeBool: "bool",
	TypeDateTime: "datetime", TypeString: "string",
}

func (t PropertyType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Multiplicity constrains how many targets a reference property may hold.
type Multiplicity int

const (
	ZeroOrOne Multiplicity = iota
	Many
	ExactlyOne
)

// DeleteTargetAction governs what happens to a reference's owner when the
// referenced target is deleted.
type DeleteTargetAction int

const (
	ActionPrevent DeleteTargetAction = iota
	ActionSetNull
	ActionCascade
)

// PropertyID identifies a property within its owning class.
type PropertyID uint16

// Property describes one field of a class (spec §3).
type Property struct {
	ID   PropertyID
	Name string
	Kind PropertyKind
	Type PropertyType // meaningful for Kind==KindSimple/KindArray

	// Reference-only fields.
	TargetClassID     ClassID
	Multiplicity      Multiplicity
	TrackInverse      bool
	DeleteTargetAction DeleteTargetAction

	// ByteOffset is the fixed offset of this property's raw bytes within an
	// object's packed record; assigned when the owning class is built.
	ByteOffset int

	// DefaultValue holds the default for newly-inserted simple properties
	// during a schema rewrite (§COPIER). nil for string/array defaults to
	// "null handle".
	DefaultValue any
}

func (p *Property) IsReference() bool { return p.Kind == KindReference }

// Class describes an immutable class version (spec §3).
type Class struct {
	ID          ClassID
	Name        string
	BaseID      ClassID // meaningful only when HasBase is set
	HasBase     bool
	IsAbstract  bool
	Properties  []*Property
	LogIndex    int

	// Descendants is the full transitive descendant-id set, including self,
	// used for polymorphic scans (spec §9).
	Descendants map[ClassID]bool

	// Indexes/InverseRefProps point back into the owning model's index and
	// inverse-ref registries for this class.
	IndexIDs         []IndexID
	InverseRefProps  []PropertyID

	// RecordSize is the total fixed byte size of an object record, header
	// included, derived from property offsets/widths.
	RecordSize int
}

// PropertyByID looks up a property on this class (not its ancestors) by id.
func (c *Class) PropertyByID(id PropertyID) (*Property, bool) {
	for _, p := range c.Properties {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// PropertyByName looks up a property on this class by name.
func (c *Class) PropertyByName(name string) (*Property, bool) {
	for _, p := range c.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// IndexID identifies an index within a model version.
type IndexID uint16

// IndexKind distinguishes hash vs. sorted indexes.
type IndexKind int

const (
	IndexHash IndexKind = iota
	IndexSorted
)

// SortDirection orders a sorted-index key property.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// Index describes a secondary index (spec §3, §4.4).
type Index struct {
	ID              IndexID
	Name            string
	Kind            IndexKind
	KeyProperties   []PropertyID
	SortDirections  []SortDirection // len == len(KeyProperties), sorted only
	IsUnique        bool
	Culture         string // "" with CaseInsensitive unset means ordinal/binary comparison
	CaseInsensitive bool
	ClassIDs        []ClassID // classes this index covers
}

// Model is the immutable schema descriptor for one version of the database.
type Model struct {
	Classes map[ClassID]*Class
	Indexes map[IndexID]*Index
	// VersionID is an opaque diagnostic tag assigned at successful model
	// update commit (spec §4.7 stage 7); it plays no role in MVCC ordering.
	VersionID string
}

// NewModel creates an empty model, ready to be populated by a builder or a
// model-update plan.
func NewModel() *Model {
	return &Model{
		Classes: make(map[ClassID]*Class),
		Indexes: make(map[IndexID]*Index),
	}
}

// ClassesOf returns every class in the transitive descendant set of root,
// used for polymorphic range scans (spec §9: "model the class tree as
// data").
func (m *Model) ClassesOf(root ClassID) []*Class {
	c, ok := m.Classes[root]
	if !ok {
		return nil
	}
	out := make([]*Class, 0, len(c.Descendants))
	for id := range c.Descendants {
		if dc, ok := m.Classes[id]; ok {
			out = append(out, dc)
		}
	}
	return out
}

// Clone returns a shallow copy of the model suitable as a base for a diff
// planner to mutate into a new version without touching the original.
func (m *Model) Clone() *Model {
	nm := NewModel()
	nm.VersionID = m.VersionID
	for id, c := range m.Classes {
		cc := *c
		cc.Properties = append([]*Property(nil), c.Properties...)
		descendants := make(map[ClassID]bool, len(c.Descendants))
		for k, v := range c.Descendants {
			descendants[k] = v
		}
		cc.Descendants = descendants
		nm.Classes[id] = &cc
	}
	for id, idx := range m.Indexes {
		ic := *idx
		nm.Indexes[id] = &ic
	}
	return nm
}
