package rowset

import "errors"

// ErrKeyNotFound is returned by row key lookups when the key is absent.
// Absence is a normal outcome on the publish path, not a failure.
var ErrKeyNotFound = errors.New("row key not found")

// RowLocation pins a row to (rowset, segment, row ordinal).
type RowLocation struct {
	RowsetID  Id
	SegmentID int32
	RowID     uint32
}

// Segment is one columnar file within a rowset. Implementations are
// provided by the segment reader; the txn core only consumes the primary
// key index and point lookups.
type Segment interface {
	ID() int32

	// LoadIndex makes the primary key index available. Idempotent.
	LoadIndex() error

	// PrimaryKeyIndex returns the index loaded by LoadIndex.
	PrimaryKeyIndex() PrimaryKeyIndex

	// LookupRowKey resolves an encoded primary key within this segment.
	// Returns ErrKeyNotFound when absent.
	LookupRowKey(key []byte) (RowLocation, error)
}

// PrimaryKeyIndex is the sorted index of primary key encodings carried by a
// columnar segment.
type PrimaryKeyIndex interface {
	NumRows() int
	NewIterator() (IndexIterator, error)
}

// IndexIterator streams primary key encodings in index order.
type IndexIterator interface {
	// SeekAtOrAfter positions the iterator at the first key >= key.
	// A nil or empty key seeks to the start. Reports whether the match
	// was exact.
	SeekAtOrAfter(key []byte) (bool, error)

	// NextBatch reads up to n keys from the current position.
	NextBatch(n int) ([][]byte, error)
}
