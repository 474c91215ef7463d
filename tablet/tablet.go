// Package tablet models one horizontal partition of a table on this storage
// node: its identity, header-locked meta, delete bitmap and row key lookups.
package tablet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/basaltdb/basalt/encoding"
	"github.com/basaltdb/basalt/rowset"
)

// Uid identifies a physical tablet instance. It survives renames and
// changes when the tablet is dropped and recreated, which is what makes it
// the disambiguator in Info equality.
type Uid uuid.UUID

func NewUid() Uid {
	return Uid(uuid.New())
}

func (u Uid) String() string {
	return uuid.UUID(u).String()
}

// ParseUid parses the canonical form produced by String.
func ParseUid(s string) (Uid, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Uid{}, fmt.Errorf("malformed tablet uid %q: %w", s, err)
	}
	return Uid(id), nil
}

// Info names a tablet from the coordinator's point of view. Equality uses
// all three fields.
type Info struct {
	TabletID   int64
	SchemaHash int32
	UID        Uid
}

func (i Info) String() string {
	return fmt.Sprintf("tablet_id=%d schema_hash=%d uid=%s", i.TabletID, i.SchemaHash, i.UID)
}

// Meta is the tablet's persistent header. Saved under the tablet meta key
// whenever publish mutates the delete bitmap.
type Meta struct {
	TabletID                    int64
	SchemaHash                  int32
	UID                         string
	PreferredRowsetType         rowset.Type
	EnableUniqueKeyMergeOnWrite bool
	DeleteBitmap                *DeleteBitmap
}

// KV is the slice of the per-root meta store the tablet needs for saving
// its header.
type KV interface {
	PutSync(key, value []byte) error
}

const tabletMetaKeyPrefix = "tbm_"

func metaKey(uid string) []byte {
	return []byte(tabletMetaKeyPrefix + uid)
}

// Tablet is the in-memory tablet instance. The header lock guards the meta,
// including the delete bitmap, against concurrent publishes and readers.
type Tablet struct {
	id         int64
	schemaHash int32
	uid        Uid
	dataRoot   string

	headerLock sync.RWMutex
	meta       *Meta

	mu      sync.RWMutex
	visible []*rowset.Rowset
}

func NewTablet(id int64, schemaHash int32, uid Uid, dataRoot string, meta *Meta) *Tablet {
	if meta.DeleteBitmap == nil {
		meta.DeleteBitmap = NewDeleteBitmap()
	}
	return &Tablet{
		id:         id,
		schemaHash: schemaHash,
		uid:        uid,
		dataRoot:   dataRoot,
		meta:       meta,
	}
}

func (t *Tablet) TabletID() int64 {
	return t.id
}

func (t *Tablet) SchemaHash() int32 {
	return t.schemaHash
}

func (t *Tablet) UID() Uid {
	return t.uid
}

func (t *Tablet) DataRoot() string {
	return t.dataRoot
}

func (t *Tablet) Info() Info {
	return Info{TabletID: t.id, SchemaHash: t.schemaHash, UID: t.uid}
}

// HeaderLock returns the lock guarding the tablet meta. The delete bitmap
// builder holds it exclusively for the whole traversal.
func (t *Tablet) HeaderLock() *sync.RWMutex {
	return &t.headerLock
}

func (t *Tablet) Meta() *Meta {
	return t.meta
}

func (t *Tablet) DeleteBitmap() *DeleteBitmap {
	return t.meta.DeleteBitmap
}

func (t *Tablet) EnableUniqueKeyMergeOnWrite() bool {
	return t.meta.EnableUniqueKeyMergeOnWrite
}

// AddVisibleRowset registers a published rowset for row key resolution.
// Rowsets are kept ordered newest version first.
func (t *Tablet) AddVisibleRowset(rs *rowset.Rowset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible = append(t.visible, rs)
	sort.SliceStable(t.visible, func(i, j int) bool {
		return t.visible[i].Version().End > t.visible[j].Version().End
	})
}

// VisibleRowsets returns the published rowsets, newest first.
func (t *Tablet) VisibleRowsets() []*rowset.Rowset {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*rowset.Rowset, len(t.visible))
	copy(out, t.visible)
	return out
}

// LookupRowKey resolves an encoded primary key over all rowsets published
// at or before snapshotVersion, newest first. Rows already superseded in
// the delete bitmap at or before the snapshot are skipped. Returns
// rowset.ErrKeyNotFound when no live row carries the key.
func (t *Tablet) LookupRowKey(key []byte, snapshotVersion int64) (rowset.RowLocation, error) {
	for _, rs := range t.VisibleRowsets() {
		v := rs.Version()
		if !v.Visible() || v.End > snapshotVersion {
			continue
		}
		segs, err := rs.LoadSegments()
		if err != nil {
			return rowset.RowLocation{}, err
		}
		// Later segments win within one rowset.
		for i := len(segs) - 1; i >= 0; i-- {
			loc, err := segs[i].LookupRowKey(key)
			if err == rowset.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return rowset.RowLocation{}, err
			}
			if t.meta.DeleteBitmap.ContainsBefore(loc.RowsetID, loc.SegmentID, snapshotVersion+1, loc.RowID) {
				continue
			}
			return loc, nil
		}
	}
	return rowset.RowLocation{}, rowset.ErrKeyNotFound
}

// SaveMeta persists the tablet header, delete bitmap included.
func (t *Tablet) SaveMeta(kv KV) error {
	data, err := encoding.Marshal(t.meta)
	if err != nil {
		return fmt.Errorf("failed to serialize tablet meta: %w", err)
	}
	if err := kv.PutSync(metaKey(t.uid.String()), data); err != nil {
		return fmt.Errorf("failed to save tablet meta: %w", err)
	}
	return nil
}
