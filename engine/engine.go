// Package engine ties the storage node together: per-root meta stores, the
// tablet registry, the transaction manager, recovery replay and the
// background expiry sweep.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/cfg"
	"github.com/basaltdb/basalt/meta"
	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
	"github.com/basaltdb/basalt/telemetry"
	"github.com/basaltdb/basalt/txn"
)

// Engine is the long-lived storage engine instance. Constructed once at
// node start; tests build their own with a temp root.
type Engine struct {
	tablets *tablet.Registry
	txns    *txn.Manager

	storeMu sync.RWMutex
	stores  map[string]*meta.Store // storage root -> store

	unusedMu sync.Mutex
	unused   map[rowset.Id]*rowset.Rowset

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New opens a store under every configured storage root and wires the
// transaction manager to the tablet registry.
func New() (*Engine, error) {
	e := &Engine{
		tablets:       tablet.NewRegistry(),
		stores:        make(map[string]*meta.Store),
		unused:        make(map[rowset.Id]*rowset.Rowset),
		sweepInterval: time.Duration(cfg.Config.Transaction.ExpireSweepIntervalSec) * time.Second,
		stopCh:        make(chan struct{}),
	}

	txnOpts := txn.DefaultOptions()
	txnOpts.Tablets = e.tablets
	txnOpts.Unused = e
	e.txns = txn.NewManager(txnOpts)

	for _, root := range cfg.Config.Storage.Roots {
		store, err := meta.OpenStore(root, meta.DefaultOptions())
		if err != nil {
			e.closeStores()
			return nil, fmt.Errorf("failed to open storage root %s: %w", root, err)
		}
		e.stores[root] = store
	}

	return e, nil
}

func (e *Engine) TxnManager() *txn.Manager {
	return e.txns
}

func (e *Engine) Tablets() *tablet.Registry {
	return e.tablets
}

// Store returns the meta store serving one storage root.
func (e *Engine) Store(root string) (*meta.Store, bool) {
	e.storeMu.RLock()
	defer e.storeMu.RUnlock()
	s, ok := e.stores[root]
	return s, ok
}

// AddUnusedRowset schedules a rowset whose meta was deleted for eventual
// file cleanup.
func (e *Engine) AddUnusedRowset(rs *rowset.Rowset) {
	e.unusedMu.Lock()
	defer e.unusedMu.Unlock()
	e.unused[rs.ID()] = rs
	log.Debug().Str("rowset_id", rs.ID().String()).Msg("Scheduled unused rowset for cleanup")
}

// UnusedRowsets returns the rowsets currently awaiting file cleanup.
func (e *Engine) UnusedRowsets() []*rowset.Rowset {
	e.unusedMu.Lock()
	defer e.unusedMu.Unlock()
	out := make([]*rowset.Rowset, 0, len(e.unused))
	for _, rs := range e.unused {
		out = append(out, rs)
	}
	return out
}

// Start launches the background expiry sweep.
func (e *Engine) Start() {
	if e.sweepInterval <= 0 {
		e.sweepInterval = time.Minute
	}
	e.wg.Add(1)
	go e.expireSweepLoop()
}

func (e *Engine) expireSweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepExpiredTxns()
		case <-e.stopCh:
			return
		}
	}
}

// sweepExpiredTxns reaps transactions whose pending data outlived the
// expiry window. Best-effort: failures log and move on.
func (e *Engine) sweepExpiredTxns() {
	expireMap := e.txns.BuildExpireTxnMap()
	for info, txnIDs := range expireMap {
		var store txn.MetaStore
		if tab, ok := e.tablets.Get(info.TabletID); ok {
			if s, ok := e.Store(tab.DataRoot()); ok {
				store = s
			}
		}
		for _, txnID := range txnIDs {
			for _, partitionID := range e.txns.GetPartitionIds(txnID) {
				err := e.txns.DeleteTxn(store, partitionID, txnID, info)
				if err != nil && err != txn.ErrTransactionNotExist {
					log.Warn().
						Err(err).
						Int64("partition_id", partitionID).
						Int64("txn_id", txnID).
						Str("tablet", info.String()).
						Msg("Failed to reap expired transaction")
					continue
				}
				telemetry.ExpiredTxnsTotal.Inc()
				log.Info().
					Int64("partition_id", partitionID).
					Int64("txn_id", txnID).
					Str("tablet", info.String()).
					Msg("Reaped expired transaction")
			}
		}
	}
}

func (e *Engine) closeStores() {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	for root, store := range e.stores {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("Failed to close meta store")
		}
	}
	e.stores = make(map[string]*meta.Store)
}

// Shutdown stops background work and closes every store.
func (e *Engine) Shutdown() {
	close(e.stopCh)
	e.wg.Wait()
	e.closeStores()
	log.Info().Msg("Storage engine shut down")
}
