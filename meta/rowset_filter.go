package meta

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"
)

const (
	// Cuckoo filter configuration
	// capacity = bucketSize × numBuckets = 4 × 250000 = 1M rowset keys
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32 // 32-bit fingerprint = FP rate ~2.3×10⁻¹⁰
	cuckooNumBuckets      = 250000
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// RowsetKeyHash hashes the (tablet uid, rowset id) pair the way the filter
// expects it.
func RowsetKeyHash(uid, rid string) uint64 {
	return xxhash.Sum64String(uid + "_" + rid)
}

// RowsetKeyFilter answers "might this rowset meta exist?" without touching
// the store.
//
// Design:
//   - Hash = XXH64(uid_rid) for each persisted rowset meta
//   - Filter MISS = definitely absent → Exists answers without I/O
//   - Filter HIT = maybe present → store lookup
//
// Thread-safe for concurrent access.
type RowsetKeyFilter struct {
	mu     sync.RWMutex
	filter *cuckoo.Filter
}

// NewRowsetKeyFilter creates a new Cuckoo-based rowset key filter.
func NewRowsetKeyFilter() *RowsetKeyFilter {
	cf := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		cuckooNumBuckets, cuckoo.TableTypePacked)
	return &RowsetKeyFilter{filter: cf}
}

// Check returns true if the hash MIGHT exist (store lookup required).
// Returns false if the hash definitely does NOT exist.
func (f *RowsetKeyFilter) Check(hash uint64) bool {
	f.mu.RLock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, hash)
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	f.mu.RUnlock()
	return result
}

// Add records the hash.
func (f *RowsetKeyFilter) Add(hash uint64) {
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, hash)
	f.filter.Add(buf)
	hashBufPool.Put(buf)
	f.mu.Unlock()
}

// Remove drops one occurrence of the hash.
func (f *RowsetKeyFilter) Remove(hash uint64) {
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, hash)
	f.filter.Delete(buf)
	hashBufPool.Put(buf)
	f.mu.Unlock()
}

// rebuildRowsetFilter scans the rowset meta keyspace and repopulates the
// filter. Called on open to restore filter state after restart.
func (s *Store) rebuildRowsetFilter() error {
	count := 0
	err := s.Scan([]byte(rowsetMetaKeyPrefix), func(key, _ []byte) bool {
		uid, rid, err := parseRowsetMetaKey(key)
		if err != nil {
			log.Warn().Str("key", string(key)).Err(err).Msg("Skipping malformed rowset meta key")
			return true
		}
		s.rowsetFilter.Add(RowsetKeyHash(uid, rid))
		count++
		return true
	})
	if err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("rowsets", count).Str("root", s.path).Msg("Rebuilt rowset key filter")
	}

	return nil
}
