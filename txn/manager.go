// Package txn tracks in-flight load transactions on the storage node: it
// accepts committed rowsets into the durable per-root meta store and
// atomically makes them visible at a published version, with idempotence on
// coordinator retry and deterministic cleanup of orphaned state.
package txn

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/cfg"
	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
	"github.com/basaltdb/basalt/telemetry"
)

// MetaStore is the slice of the per-root durable store the manager writes
// through: rowset metas on commit/publish/delete, the tablet header after
// delete bitmap construction.
type MetaStore interface {
	SaveRowsetMeta(uid tablet.Uid, rid rowset.Id, value []byte) error
	RemoveRowsetMeta(uid tablet.Uid, rid rowset.Id) error
	PutSync(key, value []byte) error
}

// UnusedRowsetSink receives rowsets whose meta was deleted so the storage
// engine can schedule the underlying files for cleanup.
type UnusedRowsetSink interface {
	AddUnusedRowset(rs *rowset.Rowset)
}

// Options configures a Manager. Collaborators are injected, never reached
// through globals, so tests can build a fresh manager per case.
type Options struct {
	MapShardCount          int
	TxnShardCount          int
	MaxRunningTxnsPerShard int
	PendingDataExpireSec   int

	// Tablets resolves tablet ids during publish. A nil registry (or a
	// missing tablet) skips delete bitmap construction.
	Tablets *tablet.Registry

	// Unused receives rowsets removed by DeleteTxn. Optional.
	Unused UnusedRowsetSink
}

// DefaultOptions returns manager options from cfg.Config.Transaction.
// All defaults are defined in cfg/config.go (single source of truth).
func DefaultOptions() Options {
	t := cfg.Config.Transaction
	return Options{
		MapShardCount:          t.MapShardCount,
		TxnShardCount:          t.TxnShardCount,
		MaxRunningTxnsPerShard: t.MaxRunningPerShard,
		PendingDataExpireSec:   t.PendingDataExpireSec,
	}
}

// Manager is the storage node's transaction manager. It coordinates
// multi-tablet load transactions between the cluster coordinator and the
// local engine over a sharded in-memory index.
//
// Lock order, never violated: per-txn mutex -> per-shard rw-lock. Commit
// and publish write the meta store inside the per-txn mutex but outside any
// shard lock; DeleteTxn and ForceRollbackTabletRelatedTxns remove metas
// under the shard write lock without taking the per-txn mutex.
type Manager struct {
	ix   *index
	opts Options

	bitmapBuilder *DeleteBitmapBuilder
}

func NewManager(opts Options) *Manager {
	return &Manager{
		ix:            newIndex(opts.MapShardCount, opts.TxnShardCount),
		opts:          opts,
		bitmapBuilder: NewDeleteBitmapBuilder(),
	}
}

// PrepareTxn registers a load attempt for (partition, txn, tablet). Prepare
// is always re-allowed for ingest retry; a re-prepare of an already
// committed entry with the same load id is an idempotent success.
func (m *Manager) PrepareTxn(partitionID, txnID int64, info tablet.Info, loadID rowset.LoadID) error {
	om := newOpMetrics("prepare")
	key := Key{PartitionID: partitionID, TxnID: txnID}

	sh := m.ix.mapShardFor(txnID)
	sh.Lock()
	defer sh.Unlock()

	if tablets, ok := sh.tabletMap[key]; ok {
		if entry, ok := tablets[info]; ok && entry.loadID == loadID {
			if entry.committed() {
				log.Warn().
					Int64("partition_id", key.PartitionID).
					Int64("txn_id", key.TxnID).
					Str("tablet", info.String()).
					Msg("Transaction already committed on prepare")
			}
			// Same load attempt: the entry stays exactly as it is.
			return om.success()
		}
	}

	// Reject the request if admitting a new txn would push this shard past
	// its cap. A txn already running on the shard does not grow the count.
	if _, running := sh.partitionMap[txnID]; !running && len(sh.partitionMap) >= m.opts.MaxRunningTxnsPerShard {
		log.Warn().
			Int("running", len(sh.partitionMap)).
			Int("limit", m.opts.MaxRunningTxnsPerShard).
			Msg("Too many running transactions")
		return om.failure("rejected", ErrTooManyTransactions)
	}

	tablets, ok := sh.tabletMap[key]
	if !ok {
		tablets = make(map[tablet.Info]*tabletTxnInfo)
		sh.tabletMap[key] = tablets
	}
	if _, had := tablets[info]; !had {
		telemetry.RunningTxns.Inc()
	}
	tablets[info] = &tabletTxnInfo{
		loadID:       loadID,
		creationTime: time.Now().Unix(),
	}
	sh.insertPartition(txnID, partitionID)

	log.Debug().
		Int64("partition_id", key.PartitionID).
		Int64("txn_id", key.TxnID).
		Str("tablet", info.String()).
		Msg("Prepared transaction")
	return om.success()
}

// CommitTxn records rs as the committed rowset for (partition, txn, tablet)
// and durably persists its meta. With recovery set the persist step is
// skipped (the meta was read from the store moments ago) but all index
// bookkeeping still runs.
func (m *Manager) CommitTxn(store MetaStore, partitionID, txnID int64, info tablet.Info,
	loadID rowset.LoadID, rs *rowset.Rowset, recovery bool) error {
	if partitionID < 1 || txnID < 1 || info.TabletID < 1 {
		log.Fatal().
			Int64("partition_id", partitionID).
			Int64("txn_id", txnID).
			Int64("tablet_id", info.TabletID).
			Msg("Invalid commit request")
	}

	om := newOpMetrics("commit")
	key := Key{PartitionID: partitionID, TxnID: txnID}
	if rs == nil {
		log.Warn().
			Int64("partition_id", key.PartitionID).
			Int64("txn_id", key.TxnID).
			Str("tablet", info.String()).
			Msg("Cannot commit transaction without a rowset")
		return om.failure("failed", ErrRowsetInvalid)
	}

	// The per-txn mutex serializes this commit against publish of the same
	// txn: the meta store write below must not race the publish rewrite.
	txnLock := m.ix.txnLock(txnID)
	txnLock.Lock()
	defer txnLock.Unlock()

	sh := m.ix.mapShardFor(txnID)
	sh.RLock()
	existing := (*tabletTxnInfo)(nil)
	if tablets, ok := sh.tabletMap[key]; ok {
		existing = tablets[info]
	}
	if existing != nil && existing.loadID == loadID && existing.committed() {
		if existing.rowset.ID() == rs.ID() {
			// Same rowset id: a duplicate call, nothing to re-persist.
			sh.RUnlock()
			log.Info().
				Int64("partition_id", key.PartitionID).
				Int64("txn_id", key.TxnID).
				Str("tablet", info.String()).
				Str("rowset_id", rs.ID().String()).
				Msg("Rowset already committed for transaction")
			return om.success()
		}
		existingID := existing.rowset.ID()
		sh.RUnlock()
		log.Warn().
			Int64("partition_id", key.PartitionID).
			Int64("txn_id", key.TxnID).
			Str("tablet", info.String()).
			Str("exist_rowset_id", existingID.String()).
			Str("new_rowset_id", rs.ID().String()).
			Msg("Transaction committed with a different rowset id")
		return om.failure("exists", ErrAlreadyExists)
	}
	creationTime := int64(0)
	if existing != nil {
		creationTime = existing.creationTime
	}
	sh.RUnlock()

	// Persisting the meta hits disk and may be slow, so it runs outside the
	// shard lock; the per-txn mutex alone covers it.
	if !recovery {
		serialized, err := rs.Meta().Serialize()
		if err != nil {
			return om.failure("failed", fmt.Errorf("%w: %v", ErrSaveFailed, err))
		}
		if err := store.SaveRowsetMeta(info.UID, rs.ID(), serialized); err != nil {
			log.Warn().
				Err(err).
				Int64("txn_id", key.TxnID).
				Int64("tablet_id", info.TabletID).
				Str("rowset_id", rs.ID().String()).
				Msg("Failed to save committed rowset")
			return om.failure("failed", fmt.Errorf("%w: %v", ErrSaveFailed, err))
		}
	}

	sh.Lock()
	if creationTime == 0 {
		creationTime = time.Now().Unix()
	}
	tablets, ok := sh.tabletMap[key]
	if !ok {
		tablets = make(map[tablet.Info]*tabletTxnInfo)
		sh.tabletMap[key] = tablets
	}
	if _, had := tablets[info]; !had {
		telemetry.RunningTxns.Inc()
	}
	tablets[info] = &tabletTxnInfo{
		loadID:       loadID,
		rowset:       rs,
		creationTime: creationTime,
	}
	sh.insertPartition(txnID, partitionID)
	sh.Unlock()

	log.Debug().
		Int64("partition_id", key.PartitionID).
		Int64("txn_id", key.TxnID).
		Str("tablet", info.String()).
		Str("rowset_id", rs.ID().String()).
		Bool("recovery", recovery).
		Msg("Committed transaction")
	return om.success()
}

// PublishTxn promotes the committed rowset of (partition, txn, tablet) to
// version, removes the entry from the index, and builds the delete bitmap
// when the tablet is a merge-on-write unique key tablet.
func (m *Manager) PublishTxn(store MetaStore, partitionID, txnID int64, info tablet.Info,
	version rowset.Version) error {
	om := newOpMetrics("publish")
	start := time.Now()
	key := Key{PartitionID: partitionID, TxnID: txnID}

	txnLock := m.ix.txnLock(txnID)
	txnLock.Lock()
	defer txnLock.Unlock()

	sh := m.ix.mapShardFor(txnID)
	sh.RLock()
	var rs *rowset.Rowset
	if tablets, ok := sh.tabletMap[key]; ok {
		if entry, ok := tablets[info]; ok {
			rs = entry.rowset
		}
	}
	sh.RUnlock()

	if rs == nil {
		return om.failure("not_found", ErrTransactionNotExist)
	}

	// The version lands in memory before the durable write. If the write
	// fails the entry stays in the index with a visible in-memory version
	// and the coordinator retries; the serialized bytes are identical on
	// retry so the store converges.
	rs.MakeVisible(version)
	serialized, err := rs.Meta().Serialize()
	if err != nil {
		return om.failure("failed", fmt.Errorf("%w: %v", ErrSaveFailed, err))
	}
	if err := store.SaveRowsetMeta(info.UID, rs.ID(), serialized); err != nil {
		log.Warn().
			Err(err).
			Int64("txn_id", key.TxnID).
			Int64("tablet_id", info.TabletID).
			Str("rowset_id", rs.ID().String()).
			Msg("Failed to save published rowset")
		return om.failure("failed", fmt.Errorf("%w: %v", ErrSaveFailed, err))
	}

	sh.Lock()
	if tablets, ok := sh.tabletMap[key]; ok {
		if _, had := tablets[info]; had {
			delete(tablets, info)
			telemetry.RunningTxns.Dec()
			log.Debug().
				Int64("partition_id", key.PartitionID).
				Int64("txn_id", key.TxnID).
				Str("tablet", info.String()).
				Str("rowset_id", rs.ID().String()).
				Str("version", version.String()).
				Msg("Published transaction")
		}
		if len(tablets) == 0 {
			delete(sh.tabletMap, key)
			sh.erasePartition(txnID, partitionID)
		}
	}
	sh.Unlock()

	published := func() error {
		telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())
		return om.success()
	}

	if m.opts.Tablets == nil {
		return published()
	}
	tab, ok := m.opts.Tablets.Get(info.TabletID)
	if !ok {
		return published()
	}

	// Extra delete bitmap pass for merge-on-write unique key tablets.
	if !tab.EnableUniqueKeyMergeOnWrite() ||
		tab.Meta().PreferredRowsetType != rowset.TypeColumnar ||
		rs.KeysType() != rowset.UniqueKeys {
		return published()
	}
	if !version.IsSingleton() {
		log.Panic().Str("version", version.String()).Msg("Publish version must be a singleton")
	}

	if err := m.bitmapBuilder.Build(store, tab, rs, version); err != nil {
		return om.failure("failed", err)
	}

	return published()
}

// RollbackTxn removes an uncommitted entry. A committed entry cannot be
// rolled back here, another thread may have produced the rowset already;
// the coordinator must clear it through DeleteTxn.
func (m *Manager) RollbackTxn(partitionID, txnID int64, info tablet.Info) error {
	om := newOpMetrics("rollback")
	key := Key{PartitionID: partitionID, TxnID: txnID}

	sh := m.ix.mapShardFor(txnID)
	sh.Lock()
	defer sh.Unlock()

	tablets, ok := sh.tabletMap[key]
	if !ok {
		return om.success()
	}
	if entry, ok := tablets[info]; ok {
		if entry.committed() {
			return om.failure("exists", ErrAlreadyCommitted)
		}
		delete(tablets, info)
		telemetry.RunningTxns.Dec()
		log.Info().
			Int64("partition_id", key.PartitionID).
			Int64("txn_id", key.TxnID).
			Str("tablet", info.String()).
			Msg("Rolled back transaction")
	}
	if len(tablets) == 0 {
		delete(sh.tabletMap, key)
		sh.erasePartition(txnID, partitionID)
	}
	return om.success()
}

// DeleteTxn clears an unpublished transaction on coordinator request,
// removing its persisted meta. A published rowset is never deleted: its
// entry is reported as already committed and left for the engine.
func (m *Manager) DeleteTxn(store MetaStore, partitionID, txnID int64, info tablet.Info) error {
	om := newOpMetrics("delete")
	key := Key{PartitionID: partitionID, TxnID: txnID}

	sh := m.ix.mapShardFor(txnID)
	sh.Lock()
	defer sh.Unlock()

	tablets, ok := sh.tabletMap[key]
	if !ok {
		return om.failure("not_found", ErrTransactionNotExist)
	}
	if entry, ok := tablets[info]; ok {
		if entry.committed() && store != nil {
			if entry.rowset.Version().Visible() {
				log.Warn().
					Int64("partition_id", key.PartitionID).
					Int64("txn_id", key.TxnID).
					Str("tablet", info.String()).
					Str("rowset_id", entry.rowset.ID().String()).
					Int64("version_start", entry.rowset.Version().Start).
					Msg("Cannot delete published rowset, leaving it to the engine")
				return om.failure("exists", ErrAlreadyCommitted)
			}
			if err := store.RemoveRowsetMeta(info.UID, entry.rowset.ID()); err != nil {
				log.Warn().
					Err(err).
					Str("rowset_id", entry.rowset.ID().String()).
					Msg("Failed to remove rowset meta on delete")
			}
			if m.opts.Unused != nil {
				m.opts.Unused.AddUnusedRowset(entry.rowset)
			}
			log.Debug().
				Int64("partition_id", key.PartitionID).
				Int64("txn_id", key.TxnID).
				Str("tablet", info.String()).
				Str("rowset_id", entry.rowset.ID().String()).
				Msg("Deleted transaction")
		}
		delete(tablets, info)
		telemetry.RunningTxns.Dec()
	}
	if len(tablets) == 0 {
		delete(sh.tabletMap, key)
		sh.erasePartition(txnID, partitionID)
	}
	return om.success()
}

// GetTabletRelatedTxns returns the last-observed partition id and the set
// of txn ids holding entries for this tablet.
func (m *Manager) GetTabletRelatedTxns(info tablet.Info) (int64, map[int64]struct{}) {
	var partitionID int64
	txnIDs := make(map[int64]struct{})
	for _, sh := range m.ix.mapShards {
		sh.RLock()
		for key, tablets := range sh.tabletMap {
			if _, ok := tablets[info]; ok {
				partitionID = key.PartitionID
				txnIDs[key.TxnID] = struct{}{}
			}
		}
		sh.RUnlock()
	}
	return partitionID, txnIDs
}

// ForceRollbackTabletRelatedTxns drops every transaction touching the
// tablet, committed or not, removing persisted metas best-effort. Used on
// tablet drop. It intentionally skips the per-txn mutex, so a concurrent
// publish of the same txn may observe partial state.
func (m *Manager) ForceRollbackTabletRelatedTxns(store MetaStore, info tablet.Info) {
	for _, sh := range m.ix.mapShards {
		sh.Lock()
		for key, tablets := range sh.tabletMap {
			if entry, ok := tablets[info]; ok {
				if entry.committed() && store != nil {
					if err := store.RemoveRowsetMeta(info.UID, entry.rowset.ID()); err != nil {
						log.Warn().
							Err(err).
							Str("rowset_id", entry.rowset.ID().String()).
							Msg("Failed to remove rowset meta on force rollback")
					}
				}
				log.Info().
					Int64("partition_id", key.PartitionID).
					Int64("txn_id", key.TxnID).
					Str("tablet", info.String()).
					Msg("Force rolled back tablet related transaction")
				delete(tablets, info)
				telemetry.RunningTxns.Dec()
			}
			if len(tablets) == 0 {
				sh.erasePartition(key.TxnID, key.PartitionID)
				delete(sh.tabletMap, key)
			}
		}
		sh.Unlock()
	}
}

// GetTxnRelatedTablets returns a snapshot of the tablets loaded under
// (partition, txn) with their committed rowsets (nil while uncommitted; an
// uncommitted entry makes a later publish fail, which is intended).
func (m *Manager) GetTxnRelatedTablets(txnID, partitionID int64) map[tablet.Info]*rowset.Rowset {
	key := Key{PartitionID: partitionID, TxnID: txnID}
	out := make(map[tablet.Info]*rowset.Rowset)

	sh := m.ix.mapShardFor(txnID)
	sh.RLock()
	defer sh.RUnlock()

	tablets, ok := sh.tabletMap[key]
	if !ok {
		return out
	}
	for info, entry := range tablets {
		out[info] = entry.rowset
	}
	return out
}

// GetAllRelatedTablets returns every tablet with at least one in-flight
// transaction.
func (m *Manager) GetAllRelatedTablets() map[tablet.Info]struct{} {
	out := make(map[tablet.Info]struct{})
	for _, sh := range m.ix.mapShards {
		sh.RLock()
		for _, tablets := range sh.tabletMap {
			for info := range tablets {
				out[info] = struct{}{}
			}
		}
		sh.RUnlock()
	}
	return out
}

// HasTxn reports whether an entry exists for (partition, txn, tablet).
func (m *Manager) HasTxn(partitionID, txnID int64, info tablet.Info) bool {
	key := Key{PartitionID: partitionID, TxnID: txnID}

	sh := m.ix.mapShardFor(txnID)
	sh.RLock()
	defer sh.RUnlock()

	tablets, ok := sh.tabletMap[key]
	if !ok {
		return false
	}
	_, ok = tablets[info]
	return ok
}

// GetPartitionIds returns the partitions txnID has entries under.
func (m *Manager) GetPartitionIds(txnID int64) []int64 {
	sh := m.ix.mapShardFor(txnID)
	sh.RLock()
	defer sh.RUnlock()

	var out []int64
	for partitionID := range sh.partitionMap[txnID] {
		out = append(out, partitionID)
	}
	return out
}

// BuildExpireTxnMap collects, per tablet, the txn ids whose entries have
// outlived the pending data expiry window.
func (m *Manager) BuildExpireTxnMap() map[tablet.Info][]int64 {
	now := time.Now().Unix()
	expireMap := make(map[tablet.Info][]int64)
	for _, sh := range m.ix.mapShards {
		sh.RLock()
		for key, tablets := range sh.tabletMap {
			for info, entry := range tablets {
				diff := now - entry.creationTime
				if diff >= int64(m.opts.PendingDataExpireSec) {
					expireMap[info] = append(expireMap[info], key.TxnID)
					log.Debug().
						Str("tablet", info.String()).
						Int64("txn_id", key.TxnID).
						Int64("exist_sec", diff).
						Msg("Found expired transaction")
				}
			}
		}
		sh.RUnlock()
	}
	return expireMap
}
