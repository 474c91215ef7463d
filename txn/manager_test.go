package txn

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
)

// fakeMetaStore is an in-memory MetaStore spying on every write.
type fakeMetaStore struct {
	mu          sync.Mutex
	values      map[string][]byte
	puts        map[string][]byte
	saveCalls   int
	removeCalls int
	failSave    bool
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{
		values: make(map[string][]byte),
		puts:   make(map[string][]byte),
	}
}

func rowsetKey(uid tablet.Uid, rid rowset.Id) string {
	return uid.String() + "_" + rid.String()
}

func (f *fakeMetaStore) SaveRowsetMeta(uid tablet.Uid, rid rowset.Id, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.failSave {
		return fmt.Errorf("disk full")
	}
	f.values[rowsetKey(uid, rid)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeMetaStore) RemoveRowsetMeta(uid tablet.Uid, rid rowset.Id) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	delete(f.values, rowsetKey(uid, rid))
	return nil
}

func (f *fakeMetaStore) PutSync(key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeMetaStore) has(uid tablet.Uid, rid rowset.Id) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[rowsetKey(uid, rid)]
	return ok
}

func (f *fakeMetaStore) get(uid tablet.Uid, rid rowset.Id) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[rowsetKey(uid, rid)]
}

// unusedRecorder spies on AddUnusedRowset.
type unusedRecorder struct {
	mu      sync.Mutex
	rowsets []*rowset.Rowset
}

func (u *unusedRecorder) AddUnusedRowset(rs *rowset.Rowset) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rowsets = append(u.rowsets, rs)
}

func testManagerOptions() Options {
	return Options{
		MapShardCount:          8,
		TxnShardCount:          16,
		MaxRunningTxnsPerShard: 100,
		PendingDataExpireSec:   10,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testManagerOptions())
}

func newTabletInfo(tabletID int64) tablet.Info {
	return tablet.Info{TabletID: tabletID, SchemaHash: 42, UID: tablet.NewUid()}
}

func newTestRowset(id rowset.Id, partitionID, txnID int64, info tablet.Info, loadID rowset.LoadID) *rowset.Rowset {
	return rowset.New(&rowset.Meta{
		ID:               id,
		PartitionID:      partitionID,
		TxnID:            txnID,
		TabletID:         info.TabletID,
		TabletSchemaHash: info.SchemaHash,
		TabletUID:        info.UID.String(),
		LoadID:           loadID.String(),
		KeysType:         rowset.DupKeys,
		RowsetType:       rowset.TypeColumnar,
		Version:          rowset.Unpublished,
	}, nil)
}

// checkPartitionMapInvariant asserts that, per shard, partitionMap equals
// the projection of tabletMap keys.
func checkPartitionMapInvariant(t *testing.T, m *Manager) {
	t.Helper()
	for i, sh := range m.ix.mapShards {
		sh.RLock()
		want := make(map[int64]map[int64]struct{})
		for key, tablets := range sh.tabletMap {
			require.NotEmpty(t, tablets, "shard %d holds an empty tablet map for %s", i, key)
			set, ok := want[key.TxnID]
			if !ok {
				set = make(map[int64]struct{})
				want[key.TxnID] = set
			}
			set[key.PartitionID] = struct{}{}
		}
		assert.Equal(t, want, sh.partitionMap, "partition map invariant violated in shard %d", i)
		sh.RUnlock()
	}
}

func TestHappyPath(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))
	require.True(t, m.HasTxn(10, 100, info))

	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))
	require.True(t, store.has(info.UID, rs.ID()))

	require.NoError(t, m.PublishTxn(store, 10, 100, info, rowset.Version{Start: 5, End: 5}))

	assert.False(t, m.HasTxn(10, 100, info))
	assert.Empty(t, m.GetPartitionIds(100))
	checkPartitionMapInvariant(t, m)

	persisted, err := rowset.DeserializeMeta(store.get(info.UID, rs.ID()))
	require.NoError(t, err)
	assert.Equal(t, rowset.Version{Start: 5, End: 5}, persisted.Version)
	assert.Equal(t, rowset.Version{Start: 5, End: 5}, rs.Version())
}

func TestPrepare_Idempotent(t *testing.T) {
	m := newTestManager(t)
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))

	sh := m.ix.mapShardFor(100)
	sh.RLock()
	before := *sh.tabletMap[Key{10, 100}][info]
	sh.RUnlock()

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))

	sh.RLock()
	after := *sh.tabletMap[Key{10, 100}][info]
	sh.RUnlock()
	assert.Equal(t, before, after, "second prepare must leave the entry unchanged")
	checkPartitionMapInvariant(t, m)
}

func TestPrepare_AfterCommitSameLoadID(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))
	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))

	// Ingest retry after commit is tolerated.
	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))

	tablets := m.GetTxnRelatedTablets(100, 10)
	require.Contains(t, tablets, info)
	assert.Equal(t, rs, tablets[info], "re-prepare must not clobber the committed rowset")
}

func TestPrepare_TooManyTransactions(t *testing.T) {
	opts := testManagerOptions()
	opts.MaxRunningTxnsPerShard = 2
	m := NewManager(opts)
	info := newTabletInfo(7)

	shardCount := int64(opts.MapShardCount)
	// Same shard: txn ids congruent modulo the shard count.
	require.NoError(t, m.PrepareTxn(1, 8, info, rowset.NewLoadID()))
	require.NoError(t, m.PrepareTxn(1, 8+shardCount, info, rowset.NewLoadID()))

	err := m.PrepareTxn(1, 8+2*shardCount, info, rowset.NewLoadID())
	assert.ErrorIs(t, err, ErrTooManyTransactions)
}

func TestCommit_NilRowset(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)

	err := m.CommitTxn(store, 10, 100, info, rowset.NewLoadID(), nil, false)
	assert.ErrorIs(t, err, ErrRowsetInvalid)
}

func TestCommit_DuplicateSameRowset(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))
	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))
	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))

	assert.Equal(t, 1, store.saveCalls, "duplicate commit must not re-persist")
}

func TestCommit_ConflictingRowsetId(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	r1 := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)
	r2 := newTestRowset(rowset.Id{Lo: 2}, 10, 100, info, loadID)

	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, r1, false))

	err := m.CommitTxn(store, 10, 100, info, loadID, r2, false)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The original rowset is untouched.
	tablets := m.GetTxnRelatedTablets(100, 10)
	assert.Equal(t, r1, tablets[info])
	assert.True(t, store.has(info.UID, r1.ID()))
	assert.False(t, store.has(info.UID, r2.ID()))
}

func TestCommit_SaveFailure(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	store.failSave = true
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))
	err := m.CommitTxn(store, 10, 100, info, loadID, rs, false)
	assert.ErrorIs(t, err, ErrSaveFailed)

	// The entry stays uncommitted so the coordinator can retry.
	tablets := m.GetTxnRelatedTablets(100, 10)
	require.Contains(t, tablets, info)
	assert.Nil(t, tablets[info])
}

func TestCommit_RecoverySkipsStore(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, true))

	assert.Equal(t, 0, store.saveCalls)
	assert.True(t, m.HasTxn(10, 100, info))
	assert.Equal(t, []int64{10}, m.GetPartitionIds(100))
	checkPartitionMapInvariant(t, m)
}

func TestPublish_WithoutEntry(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)

	err := m.PublishTxn(store, 10, 100, info, rowset.Version{Start: 5, End: 5})
	assert.ErrorIs(t, err, ErrTransactionNotExist)
}

func TestPublish_UncommittedEntry(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)

	require.NoError(t, m.PrepareTxn(10, 100, info, rowset.NewLoadID()))
	err := m.PublishTxn(store, 10, 100, info, rowset.Version{Start: 5, End: 5})
	assert.ErrorIs(t, err, ErrTransactionNotExist)

	// The prepared entry survives.
	assert.True(t, m.HasTxn(10, 100, info))
}

func TestRollback_BeforeCommit(t *testing.T) {
	m := newTestManager(t)
	info := newTabletInfo(7)

	require.NoError(t, m.PrepareTxn(10, 100, info, rowset.NewLoadID()))
	require.NoError(t, m.RollbackTxn(10, 100, info))

	assert.False(t, m.HasTxn(10, 100, info))
	assert.Empty(t, m.GetPartitionIds(100))
	checkPartitionMapInvariant(t, m)

	// Second rollback is still ok.
	require.NoError(t, m.RollbackTxn(10, 100, info))
}

func TestRollback_AfterCommit(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))

	err := m.RollbackTxn(10, 100, info)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
	assert.True(t, m.HasTxn(10, 100, info))
}

func TestDeleteTxn_AfterCommitBeforePublish(t *testing.T) {
	unused := &unusedRecorder{}
	opts := testManagerOptions()
	opts.Unused = unused
	m := NewManager(opts)

	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.PrepareTxn(10, 100, info, loadID))
	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))
	require.NoError(t, m.DeleteTxn(store, 10, 100, info))

	assert.False(t, store.has(info.UID, rs.ID()))
	assert.False(t, m.HasTxn(10, 100, info))
	require.Len(t, unused.rowsets, 1)
	assert.Equal(t, rs, unused.rowsets[0])
	checkPartitionMapInvariant(t, m)
}

func TestDeleteTxn_PublishedRowsetIsProtected(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	loadID := rowset.NewLoadID()
	rs := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, loadID)

	require.NoError(t, m.CommitTxn(store, 10, 100, info, loadID, rs, false))

	// Another thread published the rowset in memory.
	rs.MakeVisible(rowset.Version{Start: 5, End: 5})

	err := m.DeleteTxn(store, 10, 100, info)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
	assert.True(t, store.has(info.UID, rs.ID()))
	assert.True(t, m.HasTxn(10, 100, info))
}

func TestDeleteTxn_WithoutEntry(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)

	err := m.DeleteTxn(store, 10, 100, info)
	assert.ErrorIs(t, err, ErrTransactionNotExist)
}

func TestDeleteTxn_UncommittedEntry(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)

	require.NoError(t, m.PrepareTxn(10, 100, info, rowset.NewLoadID()))
	require.NoError(t, m.DeleteTxn(store, 10, 100, info))

	assert.False(t, m.HasTxn(10, 100, info))
	assert.Equal(t, 0, store.removeCalls)
}

func TestMultiTabletPublish(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	t1 := newTabletInfo(7)
	t2 := newTabletInfo(8)
	l1 := rowset.NewLoadID()
	l2 := rowset.NewLoadID()
	r1 := newTestRowset(rowset.Id{Lo: 1}, 10, 100, t1, l1)
	r2 := newTestRowset(rowset.Id{Lo: 2}, 10, 100, t2, l2)

	require.NoError(t, m.PrepareTxn(10, 100, t1, l1))
	require.NoError(t, m.CommitTxn(store, 10, 100, t1, l1, r1, false))
	require.NoError(t, m.PrepareTxn(10, 100, t2, l2))
	require.NoError(t, m.CommitTxn(store, 10, 100, t2, l2, r2, false))

	require.NoError(t, m.PublishTxn(store, 10, 100, t1, rowset.Version{Start: 5, End: 5}))

	assert.False(t, m.HasTxn(10, 100, t1))
	assert.True(t, m.HasTxn(10, 100, t2))
	assert.Equal(t, []int64{10}, m.GetPartitionIds(100))

	require.NoError(t, m.PublishTxn(store, 10, 100, t2, rowset.Version{Start: 5, End: 5}))

	assert.False(t, m.HasTxn(10, 100, t2))
	assert.Empty(t, m.GetPartitionIds(100))
	checkPartitionMapInvariant(t, m)
}

func TestQueries(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	t1 := newTabletInfo(7)
	t2 := newTabletInfo(8)
	l1 := rowset.NewLoadID()
	r1 := newTestRowset(rowset.Id{Lo: 1}, 10, 100, t1, l1)

	require.NoError(t, m.PrepareTxn(10, 100, t1, l1))
	require.NoError(t, m.CommitTxn(store, 10, 100, t1, l1, r1, false))
	require.NoError(t, m.PrepareTxn(20, 200, t1, rowset.NewLoadID()))
	require.NoError(t, m.PrepareTxn(20, 200, t2, rowset.NewLoadID()))

	partitionID, txnIDs := m.GetTabletRelatedTxns(t1)
	assert.Contains(t, []int64{10, 20}, partitionID)
	assert.Equal(t, map[int64]struct{}{100: {}, 200: {}}, txnIDs)

	all := m.GetAllRelatedTablets()
	assert.Equal(t, map[tablet.Info]struct{}{t1: {}, t2: {}}, all)

	related := m.GetTxnRelatedTablets(200, 20)
	require.Len(t, related, 2)
	assert.Nil(t, related[t1])
	assert.Nil(t, related[t2])

	assert.True(t, m.HasTxn(10, 100, t1))
	assert.False(t, m.HasTxn(10, 100, t2))
}

func TestBuildExpireTxnMap(t *testing.T) {
	m := newTestManager(t)
	info := newTabletInfo(7)
	other := newTabletInfo(8)

	require.NoError(t, m.PrepareTxn(10, 100, info, rowset.NewLoadID()))
	require.NoError(t, m.PrepareTxn(10, 200, other, rowset.NewLoadID()))

	// Nothing has aged past the window yet.
	assert.Empty(t, m.BuildExpireTxnMap())

	// Age the first entry past the expiry window.
	sh := m.ix.mapShardFor(100)
	sh.Lock()
	sh.tabletMap[Key{10, 100}][info].creationTime -= int64(m.opts.PendingDataExpireSec) + 1
	sh.Unlock()

	expireMap := m.BuildExpireTxnMap()
	require.Len(t, expireMap, 1)
	assert.Equal(t, []int64{100}, expireMap[info])
}

func TestForceRollbackTabletRelatedTxns(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()
	info := newTabletInfo(7)
	other := newTabletInfo(8)
	l1 := rowset.NewLoadID()
	l2 := rowset.NewLoadID()
	r1 := newTestRowset(rowset.Id{Lo: 1}, 10, 100, info, l1)

	require.NoError(t, m.CommitTxn(store, 10, 100, info, l1, r1, false))
	require.NoError(t, m.PrepareTxn(20, 200, info, l2))
	require.NoError(t, m.PrepareTxn(30, 300, other, rowset.NewLoadID()))

	m.ForceRollbackTabletRelatedTxns(store, info)

	assert.False(t, m.HasTxn(10, 100, info))
	assert.False(t, m.HasTxn(20, 200, info))
	assert.True(t, m.HasTxn(30, 300, other))
	assert.False(t, store.has(info.UID, r1.ID()))
	checkPartitionMapInvariant(t, m)
}

func TestConcurrentLoads(t *testing.T) {
	m := newTestManager(t)
	store := newFakeMetaStore()

	const loads = 64
	infos := make([]tablet.Info, loads)
	rowsets := make([]*rowset.Rowset, loads)
	var wg sync.WaitGroup
	for i := 0; i < loads; i++ {
		partitionID := int64(i%4 + 1)
		txnID := int64(i + 1)
		info := newTabletInfo(int64(i + 1))
		loadID := rowset.NewLoadID()
		rs := newTestRowset(rowset.Id{Lo: uint64(i + 1)}, partitionID, txnID, info, loadID)
		infos[i] = info
		rowsets[i] = rs

		wg.Add(1)
		go func(partitionID, txnID int64, info tablet.Info, loadID rowset.LoadID, rs *rowset.Rowset) {
			defer wg.Done()
			assert.NoError(t, m.PrepareTxn(partitionID, txnID, info, loadID))
			assert.NoError(t, m.CommitTxn(store, partitionID, txnID, info, loadID, rs, false))
			assert.NoError(t, m.PublishTxn(store, partitionID, txnID, info, rowset.Version{Start: txnID, End: txnID}))
		}(partitionID, txnID, info, loadID, rs)
	}
	wg.Wait()

	assert.Empty(t, m.GetAllRelatedTablets())
	checkPartitionMapInvariant(t, m)
	for i := 0; i < loads; i++ {
		persisted, err := rowset.DeserializeMeta(store.get(infos[i].UID, rowsets[i].ID()))
		require.NoError(t, err)
		assert.True(t, persisted.Version.Visible())
	}
}

// fakeDeltaWriter records slave pull acknowledgements.
type fakeDeltaWriter struct {
	mu    sync.Mutex
	calls []struct {
		nodeID    int64
		succeeded bool
	}
}

func (w *fakeDeltaWriter) FinishSlaveTabletPullRowset(nodeID int64, succeeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, struct {
		nodeID    int64
		succeeded bool
	}{nodeID, succeeded})
}

func TestDeltaWriterSideMap(t *testing.T) {
	m := newTestManager(t)
	writer := &fakeDeltaWriter{}

	// Missing entries only log.
	m.FinishSlaveTabletPullRowset(100, 7, 3, true)
	assert.Empty(t, writer.calls)

	m.AddTxnTabletDeltaWriter(100, 7, writer)
	m.FinishSlaveTabletPullRowset(100, 7, 3, true)
	m.FinishSlaveTabletPullRowset(100, 8, 3, true)
	require.Len(t, writer.calls, 1)
	assert.Equal(t, int64(3), writer.calls[0].nodeID)
	assert.True(t, writer.calls[0].succeeded)

	m.ClearTxnTabletDeltaWriter(100)
	m.FinishSlaveTabletPullRowset(100, 7, 4, false)
	assert.Len(t, writer.calls, 1)
}

func TestNewIndex_RejectsBadShardCounts(t *testing.T) {
	assert.Panics(t, func() { newIndex(6, 16) })
	assert.Panics(t, func() { newIndex(8, 0) })
	assert.NotPanics(t, func() { newIndex(1, 1) })
}
