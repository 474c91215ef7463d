package meta

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
	"github.com/basaltdb/basalt/telemetry"
)

// Rowset meta keyspace. The layout is visible to admin tooling and
// recovery and must stay bit-exact across versions:
//
//	rst_{tablet_uid}_{rowset_id}
const rowsetMetaKeyPrefix = "rst_"

func rowsetMetaKey(uid tablet.Uid, rid rowset.Id) []byte {
	return []byte(rowsetMetaKeyPrefix + uid.String() + "_" + rid.String())
}

// parseRowsetMetaKey splits a key back into its uid and rowset id strings.
// The rowset id never contains an underscore, so the last separator is
// unambiguous even though the uid rendering is opaque.
func parseRowsetMetaKey(key []byte) (uid string, rid string, err error) {
	s := strings.TrimPrefix(string(key), rowsetMetaKeyPrefix)
	if s == string(key) {
		return "", "", fmt.Errorf("rowset meta key missing prefix: %q", key)
	}
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("malformed rowset meta key: %q", key)
	}
	return s[:idx], s[idx+1:], nil
}

// SaveRowsetMeta durably persists serialized rowset meta under
// (tablet uid, rowset id). The write syncs the WAL: commit and publish
// treat this as their durability checkpoint.
func (s *Store) SaveRowsetMeta(uid tablet.Uid, rid rowset.Id, value []byte) error {
	start := time.Now()
	if err := s.PutSync(rowsetMetaKey(uid, rid), value); err != nil {
		telemetry.RowsetMetaOpsTotal.With("save", "failed").Inc()
		return fmt.Errorf("failed to save rowset meta %s/%s: %w", uid, rid, err)
	}
	s.rowsetFilter.Add(RowsetKeyHash(uid.String(), rid.String()))
	telemetry.RowsetMetaOpsTotal.With("save", "success").Inc()
	telemetry.RowsetMetaOpSeconds.With("save").Observe(time.Since(start).Seconds())
	return nil
}

// GetRowsetMeta reads the serialized rowset meta. Returns ErrNotFound when
// absent.
func (s *Store) GetRowsetMeta(uid tablet.Uid, rid rowset.Id) ([]byte, error) {
	start := time.Now()
	val, err := s.Get(rowsetMetaKey(uid, rid))
	if err == ErrNotFound {
		telemetry.RowsetMetaOpsTotal.With("get", "not_found").Inc()
		return nil, err
	}
	if err != nil {
		telemetry.RowsetMetaOpsTotal.With("get", "failed").Inc()
		return nil, fmt.Errorf("failed to read rowset meta %s/%s: %w", uid, rid, err)
	}
	telemetry.RowsetMetaOpsTotal.With("get", "success").Inc()
	telemetry.RowsetMetaOpSeconds.With("get").Observe(time.Since(start).Seconds())
	return val, nil
}

// RowsetMetaExists reports whether a meta is persisted for the pair. A
// filter miss answers false without touching the store.
func (s *Store) RowsetMetaExists(uid tablet.Uid, rid rowset.Id) (bool, error) {
	hash := RowsetKeyHash(uid.String(), rid.String())
	if !s.rowsetFilter.Check(hash) {
		telemetry.RowsetKeyFilterChecks.With("fast_path").Inc()
		return false, nil
	}

	_, err := s.Get(rowsetMetaKey(uid, rid))
	if err == ErrNotFound {
		// Filter hit but no key = false positive
		telemetry.RowsetKeyFilterChecks.With("slow_path_miss").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	telemetry.RowsetKeyFilterChecks.With("slow_path").Inc()
	return true, nil
}

// RemoveRowsetMeta deletes the meta for the pair. Removing an absent pair
// is success.
func (s *Store) RemoveRowsetMeta(uid tablet.Uid, rid rowset.Id) error {
	if err := s.Delete(rowsetMetaKey(uid, rid)); err != nil {
		telemetry.RowsetMetaOpsTotal.With("remove", "failed").Inc()
		return fmt.Errorf("failed to remove rowset meta %s/%s: %w", uid, rid, err)
	}
	s.rowsetFilter.Remove(RowsetKeyHash(uid.String(), rid.String()))
	telemetry.RowsetMetaOpsTotal.With("remove", "success").Inc()
	return nil
}

// TraverseRowsetMetas visits every persisted rowset meta exactly once,
// stopping early when visit returns false. Used by recovery and admin
// tooling.
func (s *Store) TraverseRowsetMetas(visit func(uid string, rid string, value []byte) bool) error {
	telemetry.RowsetMetaOpsTotal.With("traverse", "success").Inc()
	return s.Scan([]byte(rowsetMetaKeyPrefix), func(key, value []byte) bool {
		uid, rid, err := parseRowsetMetaKey(key)
		if err != nil {
			log.Warn().Str("key", string(key)).Err(err).Msg("Skipping malformed rowset meta key")
			return true
		}
		return visit(uid, rid, value)
	})
}

// GetJSONRowsetMeta renders one rowset meta as JSON for admin tooling.
func (s *Store) GetJSONRowsetMeta(uid tablet.Uid, rid rowset.Id) (string, error) {
	data, err := s.GetRowsetMeta(uid, rid)
	if err != nil {
		return "", err
	}
	meta, err := rowset.DeserializeMeta(data)
	if err != nil {
		return "", err
	}
	return meta.JSON()
}

// LoadJSONRowsetMeta parses an offline JSON dump (as produced by
// GetJSONRowsetMeta) and installs the single entry it describes. Admin
// recovery path.
func (s *Store) LoadJSONRowsetMeta(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rowset meta dump %s: %w", path, err)
	}

	meta, err := rowset.MetaFromJSON(data)
	if err != nil {
		return err
	}

	uid, err := tablet.ParseUid(meta.TabletUID)
	if err != nil {
		return err
	}
	if meta.ID.IsZero() {
		return fmt.Errorf("rowset meta dump %s carries a zero rowset id", path)
	}

	serialized, err := meta.Serialize()
	if err != nil {
		return err
	}

	log.Info().
		Str("tablet_uid", meta.TabletUID).
		Str("rowset_id", meta.ID.String()).
		Str("path", path).
		Msg("Installing rowset meta from JSON dump")
	return s.SaveRowsetMeta(uid, meta.ID, serialized)
}
