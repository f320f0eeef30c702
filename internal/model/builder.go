package model

import "fmt"

// ClassDef/PropertyDef/IndexDef mirror the ingestion document described in
// spec §6: "A structured document with: classes (id, name, base id,
// is_abstract, log name, properties: {...})". Builder turns that document
// into an immutable, offset-assigned Model, the way tinySQL's
// CatalogManager.RegisterTable turns a []Column into CatalogColumn entries
// (internal/storage/catalog.go) — but computing fixed byte offsets instead
// of catalog-only metadata, since object records here are packed bytes.
type PropertyDef struct {
	ID                 PropertyID
	Name               string
	Kind               PropertyKind
	Type               PropertyType
	TargetClassID      ClassID
	Multiplicity       Multiplicity
	TrackInverse       bool
	DeleteTargetAction DeleteTargetAction
	DefaultValue       any
}

type ClassDef struct {
	ID         ClassID
	Name       string
	BaseID     ClassID
	HasBase    bool
	IsAbstract bool
	LogIndex   int
	Properties []PropertyDef
}

type IndexDef struct {
	ID             IndexID
	Name           string
	Kind           IndexKind
	KeyProperties  []PropertyID
	SortDirections []SortDirection
	IsUnique       bool
	Culture        string
	CaseInsensitive bool
	ClassIDs       []ClassID
}

// Document is the full ingestion payload (spec §6).
type Document struct {
	Classes []ClassDef
	Indexes []IndexDef
}

// Build validates a Document and produces an immutable Model with assigned
// byte offsets, descendant sets and back-references from classes to the
// indexes/inverse-ref properties that cover them.
func Build(doc Document) (*Model, error) {
	m := NewModel()

	for _, cd := range doc.Classes {
		if _, dup := m.Classes[cd.ID]; dup {
			return nil, fmt.Errorf("model: duplicate class id %d", cd.ID)
		}
		c := &Class{
			ID:         cd.ID,
			Name:       cd.Name,
			BaseID:     cd.BaseID,
			HasBase:    cd.HasBase,
			IsAbstract: cd.IsAbstract,
			LogIndex:   cd.LogIndex,
		}
		offset := headerSize
		for _, pd := range cd.Properties {
			p := &Property{
				ID:                 pd.ID,
				Name:               pd.Name,
				Kind:               pd.Kind,
				Type:               pd.Type,
				TargetClassID:      pd.TargetClassID,
				Multiplicity:       pd.Multiplicity,
				TrackInverse:       pd.TrackInverse,
				DeleteTargetAction: pd.DeleteTargetAction,
				DefaultValue:       pd.DefaultValue,
				ByteOffset:         offset,
			}
			offset += propertyWidth(p)
			c.Properties = append(c.Properties, p)
			if p.Kind == KindReference && p.TrackInverse {
				c.InverseRefProps = append(c.InverseRefProps, p.ID)
			}
		}
		c.RecordSize = offset
		m.Classes[cd.ID] = c
	}

	if err := resolveHierarchy(m); err != nil {
		return nil, err
	}

	for _, id := range doc.Indexes {
		idx := &Index{
			ID:              id.ID,
			Name:            id.Name,
			Kind:            id.Kind,
			KeyProperties:   append([]PropertyID(nil), id.KeyProperties...),
			SortDirections:  append([]SortDirection(nil), id.SortDirections...),
			IsUnique:        id.IsUnique,
			Culture:         id.Culture,
			CaseInsensitive: id.CaseInsensitive,
			ClassIDs:        append([]ClassID(nil), id.ClassIDs...),
		}
		m.Indexes[idx.ID] = idx
		for _, cid := range idx.ClassIDs {
			if c, ok := m.Classes[cid]; ok {
				c.IndexIDs = append(c.IndexIDs, idx.ID)
			}
		}
	}

	return m, nil
}

// headerSize is the fixed object header width (next_collision_handle,
// next_version_handle, reader_info) ahead of packed property bytes (§3).
const headerSize = 8 + 8 + 32 // two uint64 handles + a [4]uint64 reader bitmap

func propertyWidth(p *Property) int {
	if p.Kind == KindSimple {
		return p.Type.Width()
	}
	// array and reference values are stored as 64-bit handles (§3).
	return 8
}

// resolveHierarchy computes each class's Descendants set (including
// itself), used for polymorphic scans (spec §9).
func resolveHierarchy(m *Model) error {
	for id, c := range m.Classes {
		if c.HasBase {
			if _, ok := m.Classes[c.BaseID]; !ok {
				return fmt.Errorf("model: class %d has unknown base %d", id, c.BaseID)
			}
		}
	}
	for id, c := range m.Classes {
		c.Descendants = map[ClassID]bool{id: true}
	}
	for id, c := range m.Classes {
		cur := c
		for cur.HasBase {
			base := m.Classes[cur.BaseID]
			base.Descendants[id] = true
			cur = base
		}
	}
	return nil
}
