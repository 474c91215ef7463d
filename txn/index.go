package txn

import (
	"fmt"
	"sync"

	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
)

// Key names one load transaction within one partition.
type Key struct {
	PartitionID int64
	TxnID       int64
}

func (k Key) String() string {
	return fmt.Sprintf("partition_id=%d txn_id=%d", k.PartitionID, k.TxnID)
}

// tabletTxnInfo is the per-(txn, tablet) entry. rowset stays nil between
// prepare and commit.
type tabletTxnInfo struct {
	loadID       rowset.LoadID
	rowset       *rowset.Rowset
	creationTime int64 // seconds since epoch, set on insert
}

func (i *tabletTxnInfo) committed() bool {
	return i.rowset != nil
}

// mapShard owns a slice of the in-memory transaction state. The embedded
// rw-lock guards both maps; the partition map is maintained strictly in
// step with the tablet map (see insertPartition/erasePartition).
type mapShard struct {
	sync.RWMutex

	// (partition, txn) -> tablet -> load entry
	tabletMap map[Key]map[tablet.Info]*tabletTxnInfo

	// txn -> set of partitions with entries in tabletMap
	partitionMap map[int64]map[int64]struct{}
}

// insertPartition records that txnID has entries under partitionID.
// Caller holds the shard write lock.
func (sh *mapShard) insertPartition(txnID, partitionID int64) {
	set, ok := sh.partitionMap[txnID]
	if !ok {
		set = make(map[int64]struct{})
		sh.partitionMap[txnID] = set
	}
	set[partitionID] = struct{}{}
}

// erasePartition removes partitionID from txnID's set, dropping the set
// when it empties. Caller holds the shard write lock.
func (sh *mapShard) erasePartition(txnID, partitionID int64) {
	set, ok := sh.partitionMap[txnID]
	if !ok {
		return
	}
	delete(set, partitionID)
	if len(set) == 0 {
		delete(sh.partitionMap, txnID)
	}
}

// writerShard owns a slice of the delta writer side table.
type writerShard struct {
	sync.RWMutex

	// txn -> tablet -> writer
	writers map[int64]map[int64]DeltaWriter
}

// index is the sharded in-memory view of all unpublished and
// committed-but-not-published transactions. Shard selection is
// txnID & (count-1), so both counts must be powers of two.
type index struct {
	mapShards    []*mapShard
	writerShards []*writerShard
	txnLocks     []sync.Mutex

	mapMask uint64
	txnMask uint64
}

func newIndex(mapShardCount, txnShardCount int) *index {
	if mapShardCount <= 0 || mapShardCount&(mapShardCount-1) != 0 {
		panic(fmt.Sprintf("map shard count must be a positive power of two, got %d", mapShardCount))
	}
	if txnShardCount <= 0 || txnShardCount&(txnShardCount-1) != 0 {
		panic(fmt.Sprintf("txn shard count must be a positive power of two, got %d", txnShardCount))
	}

	ix := &index{
		mapShards:    make([]*mapShard, mapShardCount),
		writerShards: make([]*writerShard, mapShardCount),
		txnLocks:     make([]sync.Mutex, txnShardCount),
		mapMask:      uint64(mapShardCount - 1),
		txnMask:      uint64(txnShardCount - 1),
	}
	for i := range ix.mapShards {
		ix.mapShards[i] = &mapShard{
			tabletMap:    make(map[Key]map[tablet.Info]*tabletTxnInfo),
			partitionMap: make(map[int64]map[int64]struct{}),
		}
		ix.writerShards[i] = &writerShard{
			writers: make(map[int64]map[int64]DeltaWriter),
		}
	}
	return ix
}

func (ix *index) mapShardFor(txnID int64) *mapShard {
	return ix.mapShards[uint64(txnID)&ix.mapMask]
}

func (ix *index) writerShardFor(txnID int64) *writerShard {
	return ix.writerShards[uint64(txnID)&ix.mapMask]
}

// txnLock returns the per-txn critical-section mutex serializing commit and
// publish for the same transaction. Always acquired before any shard
// rw-lock, never after.
func (ix *index) txnLock(txnID int64) *sync.Mutex {
	return &ix.txnLocks[uint64(txnID)&ix.txnMask]
}
