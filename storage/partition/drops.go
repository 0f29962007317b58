package partition

import (
	"github.com/jrife/strata/storage/kv"
	"go.uber.org/zap"
)

// DeferredDrops drops the dictionaries of dropped partitions once the
// transaction that dropped them commits. Until then the dictionaries
// stay intact so a rollback loses nothing.
type DeferredDrops struct {
	root    kv.RootStore
	logger  *zap.Logger
	pending map[string]*deferredDrop
}

type deferredDrop struct {
	cancelled bool
}

// NewDeferredDrops creates a DeferredDrops for dictionaries of root
func NewDeferredDrops(root kv.RootStore, logger *zap.Logger) *DeferredDrops {
	return &DeferredDrops{root: root, logger: logger, pending: map[string]*deferredDrop{}}
}

// Schedule drops the dictionary called name after txn commits
func (drops *DeferredDrops) Schedule(txn kv.Transaction, name string) {
	drop := &deferredDrop{}
	drops.pending[name] = drop

	forget := func() {
		if drops.pending[name] == drop {
			delete(drops.pending, name)
		}
	}

	txn.OnRollback(forget)
	txn.OnCommit(func() {
		forget()

		if drop.cancelled {
			return
		}

		if err := drops.root.DropDictionary(name); err != nil {
			drops.logger.Error("could not drop partition dictionary", zap.String("dictionary", name), zap.Error(err))

			return
		}

		drops.logger.Debug("dropped partition dictionary", zap.String("dictionary", name))
	})
}

// Cancel cancels a scheduled drop of the dictionary called name. It is
// needed when a wrapped around partition id reuses a dictionary name
// in the same transaction that dropped it. It returns false if no drop
// was pending.
func (drops *DeferredDrops) Cancel(name string) bool {
	drop, ok := drops.pending[name]

	if !ok {
		return false
	}

	drop.cancelled = true
	delete(drops.pending, name)

	return true
}
