// Package rowset holds the immutable unit of load: a set of segment files
// produced by one load attempt for one tablet, plus its serializable meta.
package rowset

import (
	"fmt"

	"github.com/google/uuid"
)

// Id identifies a rowset. Ids are totally ordered and carry a canonical
// string form that is embedded in meta store keys, so the rendering must
// stay stable across versions.
type Id struct {
	Hi uint64
	Lo uint64
}

func (id Id) String() string {
	return fmt.Sprintf("%016x%016x", id.Hi, id.Lo)
}

// Less orders ids by (Hi, Lo).
func (id Id) Less(other Id) bool {
	if id.Hi != other.Hi {
		return id.Hi < other.Hi
	}
	return id.Lo < other.Lo
}

func (id Id) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// ParseId parses the canonical 32-hex-digit form produced by String.
func ParseId(s string) (Id, error) {
	if len(s) != 32 {
		return Id{}, fmt.Errorf("malformed rowset id %q", s)
	}
	var id Id
	if _, err := fmt.Sscanf(s[:16], "%016x", &id.Hi); err != nil {
		return Id{}, fmt.Errorf("malformed rowset id %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(s[16:], "%016x", &id.Lo); err != nil {
		return Id{}, fmt.Errorf("malformed rowset id %q: %w", s, err)
	}
	return id, nil
}

// LoadID is the 128-bit token identifying one coordinator load attempt for a
// transaction on one tablet. Retries of the same attempt carry the same id.
type LoadID uuid.UUID

func NewLoadID() LoadID {
	return LoadID(uuid.New())
}

func (l LoadID) String() string {
	return uuid.UUID(l).String()
}

// ParseLoadID parses the canonical form produced by String.
func ParseLoadID(s string) (LoadID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return LoadID{}, fmt.Errorf("malformed load id %q: %w", s, err)
	}
	return LoadID(u), nil
}

// Version is an interval in a tablet's published history. A freshly
// committed rowset carries the zero version until publish assigns one.
type Version struct {
	Start int64
	End   int64
}

// Unpublished is the version a rowset carries between commit and publish.
var Unpublished = Version{0, 0}

func (v Version) String() string {
	return fmt.Sprintf("[%d-%d]", v.Start, v.End)
}

// Visible reports whether the rowset was published at this version.
func (v Version) Visible() bool {
	return v.Start > 0
}

// IsSingleton reports whether the interval covers exactly one version.
// Publish always assigns singletons.
func (v Version) IsSingleton() bool {
	return v.Start == v.End
}

// KeysType is the key model of the owning tablet's schema.
type KeysType int8

const (
	DupKeys KeysType = iota
	AggKeys
	UniqueKeys
)

func (k KeysType) String() string {
	switch k {
	case DupKeys:
		return "DUP_KEYS"
	case AggKeys:
		return "AGG_KEYS"
	case UniqueKeys:
		return "UNIQUE_KEYS"
	}
	return fmt.Sprintf("KeysType(%d)", int8(k))
}

// Type is the on-disk rowset family.
type Type int8

const (
	// TypeRow is the legacy row-oriented family.
	TypeRow Type = iota
	// TypeColumnar is the segment-per-column family; the only family that
	// carries primary key indexes.
	TypeColumnar
)

func (t Type) String() string {
	switch t {
	case TypeRow:
		return "ROW"
	case TypeColumnar:
		return "COLUMNAR"
	}
	return fmt.Sprintf("Type(%d)", int8(t))
}

// SegmentSource lazily loads the rowset's segments in publication order.
// Committed rowsets reconstructed from the meta store during recovery have
// no source; their segments were never needed by the txn manager.
type SegmentSource func() ([]Segment, error)

// Rowset is the in-memory handle shared between the ingest pipeline, the
// transaction manager and the storage engine. The meta is mutated in place
// by MakeVisible; the publish path serializes those mutations behind the
// per-txn lock.
type Rowset struct {
	meta   *Meta
	segSrc SegmentSource
}

func New(meta *Meta, src SegmentSource) *Rowset {
	return &Rowset{meta: meta, segSrc: src}
}

func (r *Rowset) ID() Id {
	return r.meta.ID
}

func (r *Rowset) Meta() *Meta {
	return r.meta
}

func (r *Rowset) Version() Version {
	return r.meta.Version
}

func (r *Rowset) KeysType() KeysType {
	return r.meta.KeysType
}

// MakeVisible records the publish version on the in-memory meta. The
// durable copy is written separately by the caller.
func (r *Rowset) MakeVisible(v Version) {
	r.meta.Version = v
}

// LoadSegments returns the rowset's segments in publication order.
func (r *Rowset) LoadSegments() ([]Segment, error) {
	if r.segSrc == nil {
		return nil, nil
	}
	return r.segSrc()
}
