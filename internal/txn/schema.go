package txn

import (
	"github.com/veloxdb/veloxdb/internal/classstore"
	"github.com/veloxdb/veloxdb/internal/index"
	"github.com/veloxdb/veloxdb/internal/invref"
	"github.com/veloxdb/veloxdb/internal/model"
	"github.com/veloxdb/veloxdb/internal/wal"
)

// SchemaView is the slice of the running engine that Manager needs to
// maintain secondary indexes, inverse references and the write-ahead log
// as part of an ordinary commit (spec §4.4, §4.3, §6). It is declared here
// rather than imported from the engine package so txn never depends on
// engine — engine already depends on txn for Manager/Tx, and *Engine
// satisfies this interface directly.
//
// A Manager with no SchemaView attached (the zero value, as in tests that
// exercise Tx/Manager on their own) still runs read/write transactions and
// the serializable conflict check; it just skips index/inverse-ref/WAL
// maintenance and delete_target_action enforcement, since there's no
// schema to consult.
type SchemaView interface {
	// ClassByID looks up a class by id in the currently published model.
	ClassByID(id model.ClassID) (*model.Class, bool)
	// IndexByID looks up an index descriptor by id in the currently
	// published model.
	IndexByID(id model.IndexID) (*model.Index, bool)
	// Store returns the class store backing classID, or nil if unknown —
	// used to reach a cascade delete's referencing object's own store.
	Store(classID model.ClassID) *classstore.ClassStore
	// HashIndex returns the live hash index for an index id, or nil if it
	// isn't a hash index.
	HashIndex(id model.IndexID) *index.Hash
	// SortedIndex returns the live sorted index for an index id, or nil if
	// it isn't a sorted index.
	SortedIndex(id model.IndexID) *index.Sorted
	// Inverse returns the engine's inverse-reference map.
	Inverse() *invref.Map
	// WAL returns the configured write-ahead log writer, or nil if
	// disabled.
	WAL() wal.RecordWriter
}
