// Package meta is the durable per-storage-root metadata layer: a thin
// Pebble facade plus the rowset meta keyspace the txn manager and recovery
// depend on.
package meta

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/cfg"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found in meta store")

// Options configures the embedded Pebble store for one storage root.
type Options struct {
	// Memory settings (explicit, no mmap surprise)
	CacheSizeMB    int64 // Block cache size
	MemTableSizeMB int64 // Write buffer size
	MemTableCount  int   // Number of memtables

	// Write optimization
	WALDir             string        // Separate WAL directory (optional)
	DisableWAL         bool          // Only for testing!
	WALBytesPerSync    int           // Sync WAL every N bytes
	WALMinSyncInterval time.Duration // Min delay between syncs

	// Compaction
	L0CompactionThreshold int // L0 files before compaction
	L0StopWrites          int // L0 files to pause writes
	MaxConcurrentCompact  int // Parallel compactors
}

// DefaultOptions returns store options from cfg.Config.MetaStore, whose
// defaults are defined in cfg/config.go. MaxConcurrentCompact is not
// configurable and is fixed here.
func DefaultOptions() Options {
	ms := cfg.Config.MetaStore
	return Options{
		CacheSizeMB:           ms.CacheSizeMB,
		MemTableSizeMB:        ms.MemTableSizeMB,
		MemTableCount:         ms.MemTableCount,
		WALBytesPerSync:       ms.WALBytesPerSyncKB * 1024,
		WALMinSyncInterval:    time.Duration(ms.WALSyncIntervalMS) * time.Millisecond,
		L0CompactionThreshold: ms.L0CompactionThreshold,
		L0StopWrites:          ms.L0StopWrites,
		MaxConcurrentCompact:  3,
	}
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Store is the embedded KV store serving one storage root. It is shared by
// every tablet on that root and tolerates concurrent reads and writes
// across keys.
type Store struct {
	db   *pebble.DB
	path string

	// Idempotent close
	closed atomic.Bool

	// Fast-path existence filter over the rowset meta keyspace
	rowsetFilter *RowsetKeyFilter
}

// OpenStore opens (creating if needed) the store rooted at path.
func OpenStore(path string, opts Options) (*Store, error) {
	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB << 20),
		MemTableStopWritesThreshold: opts.MemTableCount,
		WALDir:                      opts.WALDir,
		WALBytesPerSync:             opts.WALBytesPerSync,
		DisableWAL:                  opts.DisableWAL,
		L0CompactionThreshold:       opts.L0CompactionThreshold,
		L0StopWritesThreshold:       opts.L0StopWrites,
		MaxConcurrentCompactions:    func() int { return opts.MaxConcurrentCompact },
		Logger:                      &pebbleLogger{},
	}

	// WALMinSyncInterval enables group commit batching
	if opts.WALMinSyncInterval > 0 {
		interval := opts.WALMinSyncInterval
		pebbleOpts.WALMinSyncInterval = func() time.Duration { return interval }
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta store: %w", err)
	}

	store := &Store{
		db:           db,
		path:         path,
		rowsetFilter: NewRowsetKeyFilter(),
	}

	// Rebuild the rowset key filter from the persisted keyspace so Exists
	// keeps its fast path after restart.
	if err := store.rebuildRowsetFilter(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to rebuild rowset key filter: %w", err)
	}

	return store, nil
}

// Close closes the store (idempotent - safe to call multiple times).
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// Get reads a key and returns a copy of the value.
func (s *Store) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

// Put writes a key without forcing a WAL sync. For writes whose loss is
// recoverable (caches, bookkeeping).
func (s *Store) Put(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// PutSync writes a key and syncs the WAL. Commit and publish writes are
// durability checkpoints and always use this.
func (s *Store) PutSync(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// Delete removes a key. Deleting an absent key is success.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Scan visits every key under prefix present when the scan begins, in key
// order, until fn returns false. Concurrent writers may or may not be
// visible; callers must not rely on snapshot semantics.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if !fn(iter.Key(), val) {
			return nil
		}
	}

	return iter.Error()
}

// prefixUpperBound returns prefix + 0xFF... for range iteration
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}
