package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StorageConfiguration lists the storage roots this node serves. Each root
// carries its own embedded meta store and its own set of tablets.
type StorageConfiguration struct {
	Roots []string `toml:"roots"`
}

// TransactionConfiguration controls the load transaction manager.
type TransactionConfiguration struct {
	MapShardCount          int `toml:"map_shard_count"`           // Shards for the in-memory txn maps (power of two)
	TxnShardCount          int `toml:"txn_shard_count"`           // Shards for the per-txn commit/publish lock (power of two)
	MaxRunningPerShard     int `toml:"max_running_per_shard"`     // In-flight txn cap per map shard
	PendingDataExpireSec   int `toml:"pending_data_expire_sec"`   // Age after which an unpublished txn is reaped
	ExpireSweepIntervalSec int `toml:"expire_sweep_interval_sec"` // How often the expiry sweep runs
	WriterThreads          int `toml:"writer_threads"`            // Tablet writer threads (owned by the ingest layer)
}

// MetaStoreConfiguration tunes the per-root Pebble store.
type MetaStoreConfiguration struct {
	CacheSizeMB           int64 `toml:"cache_size_mb"`
	MemTableSizeMB        int64 `toml:"memtable_size_mb"`
	MemTableCount         int   `toml:"memtable_count"`
	WALBytesPerSyncKB     int   `toml:"wal_bytes_per_sync_kb"`
	WALSyncIntervalMS     int   `toml:"wal_sync_interval_ms"`
	L0CompactionThreshold int   `toml:"l0_compaction_threshold"`
	L0StopWrites          int   `toml:"l0_stop_writes"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Storage     StorageConfiguration     `toml:"storage"`
	Transaction TransactionConfiguration `toml:"transaction"`
	MetaStore   MetaStoreConfiguration   `toml:"meta_store"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	StorageRootFlag = flag.String("storage-root", "", "Single storage root (overrides config)")
	NodeIDFlag      = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Storage: StorageConfiguration{
		Roots: []string{"./basalt-data"},
	},

	Transaction: TransactionConfiguration{
		MapShardCount:          128,
		TxnShardCount:          1024,
		MaxRunningPerShard:     2000,
		PendingDataExpireSec:   1800,
		ExpireSweepIntervalSec: 60,
		WriterThreads:          16,
	},

	MetaStore: MetaStoreConfiguration{
		CacheSizeMB:           64,
		MemTableSizeMB:        32,
		MemTableCount:         2,
		WALBytesPerSyncKB:     512,
		WALSyncIntervalMS:     0,
		L0CompactionThreshold: 4,
		L0StopWrites:          12,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *StorageRootFlag != "" {
		Config.Storage.Roots = []string{*StorageRootFlag}
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		id, err := generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		Config.NodeID = id
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("basalt")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if len(Config.Storage.Roots) == 0 {
		return fmt.Errorf("at least one storage root is required")
	}

	t := Config.Transaction
	if t.MapShardCount <= 0 || t.MapShardCount&(t.MapShardCount-1) != 0 {
		return fmt.Errorf("transaction.map_shard_count must be a positive power of two, got %d", t.MapShardCount)
	}
	if t.TxnShardCount <= 0 || t.TxnShardCount&(t.TxnShardCount-1) != 0 {
		return fmt.Errorf("transaction.txn_shard_count must be a positive power of two, got %d", t.TxnShardCount)
	}
	if t.MaxRunningPerShard < 1 {
		return fmt.Errorf("transaction.max_running_per_shard must be positive, got %d", t.MaxRunningPerShard)
	}
	if t.PendingDataExpireSec < 1 {
		return fmt.Errorf("transaction.pending_data_expire_sec must be positive, got %d", t.PendingDataExpireSec)
	}
	if t.WriterThreads < 1 {
		return fmt.Errorf("transaction.writer_threads must be positive, got %d", t.WriterThreads)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
