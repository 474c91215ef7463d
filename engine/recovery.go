package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
)

// LoadTxnsFromMetaStore rebuilds the volatile transaction index from one
// root's persisted rowset metas at startup. Every unpublished meta replays
// as a recovery commit, which performs the same bookkeeping as a live
// commit but suppresses the redundant store write. Published metas belong
// to tablet loading and are skipped here.
func (e *Engine) LoadTxnsFromMetaStore(root string) error {
	store, ok := e.Store(root)
	if !ok {
		return fmt.Errorf("unknown storage root %s", root)
	}

	loaded := 0
	skipped := 0
	err := store.TraverseRowsetMetas(func(uidStr, ridStr string, value []byte) bool {
		m, err := rowset.DeserializeMeta(value)
		if err != nil {
			log.Warn().
				Str("tablet_uid", uidStr).
				Str("rowset_id", ridStr).
				Err(err).
				Msg("Skipping undecodable rowset meta during recovery")
			return true
		}
		if m.Version.Visible() {
			skipped++
			return true
		}

		uid, err := tablet.ParseUid(m.TabletUID)
		if err != nil {
			log.Warn().Str("tablet_uid", m.TabletUID).Err(err).Msg("Skipping rowset meta with bad tablet uid")
			return true
		}
		loadID, err := rowset.ParseLoadID(m.LoadID)
		if err != nil {
			log.Warn().Str("load_id", m.LoadID).Err(err).Msg("Skipping rowset meta with bad load id")
			return true
		}

		info := tablet.Info{TabletID: m.TabletID, SchemaHash: m.TabletSchemaHash, UID: uid}
		rs := rowset.New(m, nil)
		if err := e.txns.CommitTxn(store, m.PartitionID, m.TxnID, info, loadID, rs, true); err != nil {
			log.Warn().
				Int64("partition_id", m.PartitionID).
				Int64("txn_id", m.TxnID).
				Str("tablet", info.String()).
				Err(err).
				Msg("Failed to replay committed transaction during recovery")
			return true
		}
		loaded++
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to traverse rowset metas under %s: %w", root, err)
	}

	log.Info().
		Str("root", root).
		Int("loaded", loaded).
		Int("published_skipped", skipped).
		Msg("Rebuilt transaction index from meta store")
	return nil
}
