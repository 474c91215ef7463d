package tablet

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/basaltdb/basalt/rowset"
)

// BitmapKey addresses one segment's deletions introduced at one version.
type BitmapKey struct {
	RowsetID  rowset.Id
	SegmentID int32
	Version   int64
}

// DeleteBitmap records rows superseded by later writes in merge-on-write
// unique key tablets. Not internally synchronized: all mutation happens
// under the owning tablet's header lock.
type DeleteBitmap struct {
	rows map[BitmapKey]map[uint32]struct{}
}

func NewDeleteBitmap() *DeleteBitmap {
	return &DeleteBitmap{rows: make(map[BitmapKey]map[uint32]struct{})}
}

// Add marks rowID deleted under key.
func (d *DeleteBitmap) Add(key BitmapKey, rowID uint32) {
	set, ok := d.rows[key]
	if !ok {
		set = make(map[uint32]struct{})
		d.rows[key] = set
	}
	set[rowID] = struct{}{}
}

// Contains reports whether rowID is marked deleted under exactly key.
func (d *DeleteBitmap) Contains(key BitmapKey, rowID uint32) bool {
	set, ok := d.rows[key]
	if !ok {
		return false
	}
	_, ok = set[rowID]
	return ok
}

// ContainsBefore reports whether rowID of (rowsetID, segmentID) is marked
// deleted at any version strictly below beforeVersion.
func (d *DeleteBitmap) ContainsBefore(rowsetID rowset.Id, segmentID int32, beforeVersion int64, rowID uint32) bool {
	for key, set := range d.rows {
		if key.RowsetID != rowsetID || key.SegmentID != segmentID || key.Version >= beforeVersion {
			continue
		}
		if _, ok := set[rowID]; ok {
			return true
		}
	}
	return false
}

// Count returns the total number of marked rows across all keys.
func (d *DeleteBitmap) Count() int {
	n := 0
	for _, set := range d.rows {
		n += len(set)
	}
	return n
}

// bitmapEntry is the wire layout: struct keys cannot be msgpack map keys,
// so the bitmap round-trips as a sorted entry list.
type bitmapEntry struct {
	RowsetID  rowset.Id
	SegmentID int32
	Version   int64
	RowIDs    []uint32
}

var (
	_ msgpack.Marshaler   = (*DeleteBitmap)(nil)
	_ msgpack.Unmarshaler = (*DeleteBitmap)(nil)
)

func (d *DeleteBitmap) MarshalMsgpack() ([]byte, error) {
	entries := make([]bitmapEntry, 0, len(d.rows))
	for key, set := range d.rows {
		rowIDs := make([]uint32, 0, len(set))
		for rowID := range set {
			rowIDs = append(rowIDs, rowID)
		}
		sort.Slice(rowIDs, func(i, j int) bool { return rowIDs[i] < rowIDs[j] })
		entries = append(entries, bitmapEntry{
			RowsetID:  key.RowsetID,
			SegmentID: key.SegmentID,
			Version:   key.Version,
			RowIDs:    rowIDs,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.RowsetID != b.RowsetID {
			return a.RowsetID.Less(b.RowsetID)
		}
		if a.SegmentID != b.SegmentID {
			return a.SegmentID < b.SegmentID
		}
		return a.Version < b.Version
	})
	return msgpack.Marshal(entries)
}

func (d *DeleteBitmap) UnmarshalMsgpack(data []byte) error {
	var entries []bitmapEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return err
	}
	d.rows = make(map[BitmapKey]map[uint32]struct{}, len(entries))
	for _, e := range entries {
		key := BitmapKey{RowsetID: e.RowsetID, SegmentID: e.SegmentID, Version: e.Version}
		set := make(map[uint32]struct{}, len(e.RowIDs))
		for _, rowID := range e.RowIDs {
			set[rowID] = struct{}{}
		}
		d.rows[key] = set
	}
	return nil
}
