package rowset

import (
	"encoding/json"
	"fmt"

	"github.com/basaltdb/basalt/encoding"
)

// Meta is the serializable description of a rowset. It is the value stored
// in the per-root meta store; the key layout lives in the meta package.
type Meta struct {
	ID               Id
	PartitionID      int64
	TxnID            int64
	TabletID         int64
	TabletSchemaHash int32
	TabletUID        string
	LoadID           string
	KeysType         KeysType
	RowsetType       Type
	Version          Version
	NumSegments      int32
	NumRows          int64
	DataSize         int64
	CreationTime     int64
}

// Serialize encodes the meta into the opaque byte form persisted by the
// rowset meta store.
func (m *Meta) Serialize() ([]byte, error) {
	return encoding.Marshal(m)
}

// DeserializeMeta decodes bytes produced by Serialize.
func DeserializeMeta(data []byte) (*Meta, error) {
	meta := &Meta{}
	if err := encoding.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to decode rowset meta: %w", err)
	}
	return meta, nil
}

// JSON renders the meta for admin tooling.
func (m *Meta) JSON() (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MetaFromJSON parses the rendering produced by JSON. Used by the offline
// dump loader.
func MetaFromJSON(data []byte) (*Meta, error) {
	meta := &Meta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to parse rowset meta json: %w", err)
	}
	return meta, nil
}

// Clone returns a deep copy.
func (m *Meta) Clone() *Meta {
	c := *m
	return &c
}
