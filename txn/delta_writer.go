package txn

import (
	"github.com/rs/zerolog/log"
)

// DeltaWriter is the slice of the ingest writer the txn manager needs for
// routing slave replica acknowledgements.
type DeltaWriter interface {
	FinishSlaveTabletPullRowset(nodeID int64, succeeded bool)
}

// AddTxnTabletDeltaWriter registers the writer serving (txn, tablet) so a
// later slave "rowset pulled" acknowledgement can find it.
func (m *Manager) AddTxnTabletDeltaWriter(txnID, tabletID int64, writer DeltaWriter) {
	sh := m.ix.writerShardFor(txnID)
	sh.Lock()
	defer sh.Unlock()

	tablets, ok := sh.writers[txnID]
	if !ok {
		tablets = make(map[int64]DeltaWriter)
		sh.writers[txnID] = tablets
	}
	tablets[tabletID] = writer
}

// FinishSlaveTabletPullRowset notifies the originating writer that a slave
// replica finished pulling the rowset. Missing entries only log: the
// writer may already be gone.
func (m *Manager) FinishSlaveTabletPullRowset(txnID, tabletID, nodeID int64, succeeded bool) {
	sh := m.ix.writerShardFor(txnID)
	sh.Lock()
	defer sh.Unlock()

	tablets, ok := sh.writers[txnID]
	if !ok {
		log.Warn().
			Int64("txn_id", txnID).
			Int64("tablet_id", tabletID).
			Msg("Delta writer manager does not exist")
		return
	}
	writer, ok := tablets[tabletID]
	if !ok {
		log.Warn().
			Int64("txn_id", txnID).
			Int64("tablet_id", tabletID).
			Msg("Delta writer does not exist")
		return
	}
	writer.FinishSlaveTabletPullRowset(nodeID, succeeded)
}

// ClearTxnTabletDeltaWriter drops every writer registered under txnID.
func (m *Manager) ClearTxnTabletDeltaWriter(txnID int64) {
	sh := m.ix.writerShardFor(txnID)
	sh.Lock()
	defer sh.Unlock()

	delete(sh.writers, txnID)
	log.Debug().Int64("txn_id", txnID).Msg("Removed delta writer manager")
}
