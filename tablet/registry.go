package tablet

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the node-wide tablet table, shared by the RPC layer, the txn
// manager and compaction.
type Registry struct {
	tablets *xsync.MapOf[int64, *Tablet]
}

func NewRegistry() *Registry {
	return &Registry{
		tablets: xsync.NewMapOf[int64, *Tablet](),
	}
}

func (r *Registry) Get(tabletID int64) (*Tablet, bool) {
	return r.tablets.Load(tabletID)
}

func (r *Registry) Put(t *Tablet) {
	r.tablets.Store(t.TabletID(), t)
}

// Drop removes the tablet. The caller is responsible for force-rolling-back
// its in-flight transactions.
func (r *Registry) Drop(tabletID int64) {
	r.tablets.Delete(tabletID)
}

func (r *Registry) Range(fn func(t *Tablet) bool) {
	r.tablets.Range(func(_ int64, t *Tablet) bool {
		return fn(t)
	})
}

func (r *Registry) Len() int {
	return r.tablets.Size()
}
