package index

import (
	"errors"
	"fmt"

	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/partition"
	"go.uber.org/zap"
)

// Config configures a partitioned index
type Config struct {
	// Ident names the logical index. Partition dictionaries
	// are named after it.
	Ident string
	// Descriptor describes the index
	Descriptor Descriptor
	// Root is the root store holding the partition dictionaries
	Root kv.RootStore
	// Logger is the logger. zap.L() is used if it is nil.
	Logger *zap.Logger
}

// Partitioned is an index split into partitions. Its partition list
// mirrors the partition directory of the owner, offset for offset. The
// list only changes while the owner holds exclusive access. A change made
// by a transaction that rolls back is undone when it rolls back.
type Partitioned struct {
	ident      string
	descriptor Descriptor
	encoding   kv.Encoding
	logger     *zap.Logger
	drops      *partition.DeferredDrops
	partitions partition.List[Store]
}

// New creates a partitioned index with no partitions
func New(config Config) (*Partitioned, error) {
	if err := config.Descriptor.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger

	if logger == nil {
		logger = zap.L()
	}

	logger = logger.With(zap.String("index", config.Ident))

	return &Partitioned{
		ident:      config.Ident,
		descriptor: config.Descriptor,
		encoding:   config.Descriptor.Encoding(),
		logger:     logger,
		drops:      partition.NewDeferredDrops(config.Root, logger),
	}, nil
}

// Ident returns the name of this index
func (partitioned *Partitioned) Ident() string {
	return partitioned.ident
}

// Descriptor returns the descriptor of this index
func (partitioned *Partitioned) Descriptor() Descriptor {
	return partitioned.descriptor
}

// Ordering returns the ordering of this index's keys
func (partitioned *Partitioned) Ordering() keystring.Ordering {
	return partitioned.encoding.Ordering
}

// NumPartitions returns the number of partitions
func (partitioned *Partitioned) NumPartitions() int {
	return partitioned.partitions.Len()
}

// Partitions returns the stores of every partition in order
func (partitioned *Partitioned) Partitions() []Store {
	return partitioned.partitions.Handles()
}

func (partitioned *Partitioned) replace(txn kv.Transaction, next partition.List[Store]) {
	previous := partitioned.partitions
	partitioned.partitions = next
	txn.OnRollback(func() {
		partitioned.partitions = previous
	})
}

func (partitioned *Partitioned) newStore(id int64) Store {
	return NewStore(id, partition.DictionaryName(partitioned.ident, id), partitioned.encoding)
}

// CreatePartition creates the physical index for partition id and
// appends it to the list
func (partitioned *Partitioned) CreatePartition(txn kv.Transaction, id int64) (Store, error) {
	if _, ok := partitioned.partitions.Get(id); ok {
		return Store{}, fmt.Errorf("partition %d already exists", id)
	}

	store := partitioned.newStore(id)
	partitioned.drops.Cancel(store.name)

	if err := store.create(txn); err != nil {
		return Store{}, err
	}

	partitioned.replace(txn, partitioned.partitions.Append(id, store))

	return store, nil
}

// LoadPartition appends an existing partition to the list
func (partitioned *Partitioned) LoadPartition(id int64) Store {
	store := partitioned.newStore(id)
	partitioned.partitions = partitioned.partitions.Append(id, store)

	return store
}

// DropPartition removes partition id from the list. The physical index
// is only dropped once txn commits.
func (partitioned *Partitioned) DropPartition(txn kv.Transaction, id int64) error {
	if !txn.Writable() {
		return kv.ErrReadOnly
	}

	store, ok := partitioned.partitions.Get(id)

	if !ok {
		return fmt.Errorf("partition %d: %w", id, partition.ErrNoSuchPartition)
	}

	next, _ := partitioned.partitions.Remove(id)
	partitioned.replace(txn, next)
	partitioned.drops.Schedule(txn, store.name)

	return nil
}

// Drop removes every partition. Physical indexes are dropped once
// txn commits.
func (partitioned *Partitioned) Drop(txn kv.Transaction) error {
	if !txn.Writable() {
		return kv.ErrReadOnly
	}

	for _, store := range partitioned.partitions.Handles() {
		partitioned.drops.Schedule(txn, store.name)
	}

	partitioned.replace(txn, partition.List[Store]{})

	return nil
}

// store returns the partition of a record. Entries always live with
// their record so an unknown partition means the metadata is corrupt.
func (partitioned *Partitioned) store(id kv.RecordID) Store {
	store, ok := partitioned.partitions.Get(id.Partition)

	if !ok {
		panic(fmt.Sprintf("%s names partition %d which is not in index %s", id, id.Partition, partitioned.ident))
	}

	return store
}

// Insert adds an entry for key pointing at id. Unless dupsAllowed is
// true it first makes sure no other record in any partition has this key.
func (partitioned *Partitioned) Insert(txn kv.Transaction, key keystring.Tuple, id kv.RecordID, dupsAllowed bool) error {
	store := partitioned.store(id)

	if !dupsAllowed {
		if err := partitioned.DupKeyCheck(txn, key, id); err != nil {
			return err
		}
	}

	return store.Insert(txn, key, id)
}

// Unindex removes the entry for key pointing at id
func (partitioned *Partitioned) Unindex(txn kv.Transaction, key keystring.Tuple, id kv.RecordID) error {
	return partitioned.store(id).Unindex(txn, key, id)
}

// DupKeyCheck returns kv.ErrDuplicateKey if any partition holds an entry
// for key that points at a record other than id. Equal keys can live in
// different partitions so every partition is checked.
func (partitioned *Partitioned) DupKeyCheck(txn kv.Transaction, key keystring.Tuple, id kv.RecordID) error {
	for _, store := range partitioned.partitions.Handles() {
		if err := store.DupKeyCheck(txn, key, id); err != nil {
			if errors.Is(err, kv.ErrDuplicateKey) {
				return fmt.Errorf("index %s: %w", partitioned.descriptor.Name, err)
			}

			return err
		}
	}

	return nil
}

// MaxKeyFromLastPartition returns the greatest key in the last partition
// or nil if the last partition is empty
func (partitioned *Partitioned) MaxKeyFromLastPartition(txn kv.Transaction) (keystring.Tuple, error) {
	if partitioned.partitions.Len() == 0 {
		return nil, nil
	}

	return partitioned.partitions.Last().MaxKey(txn)
}

func (partitioned *Partitioned) stats(txn kv.Transaction) (kv.Stats, error) {
	var total kv.Stats

	for _, store := range partitioned.partitions.Handles() {
		stats, err := store.Stats(txn)

		if err != nil {
			return kv.Stats{}, fmt.Errorf("could not get stats of partition %d: %w", store.id, err)
		}

		total.NumKeys += stats.NumKeys
		total.DataSize += stats.DataSize
		total.StorageSize += stats.StorageSize
	}

	return total, nil
}

// NumEntries returns the number of entries in every partition
func (partitioned *Partitioned) NumEntries(txn kv.Transaction) (int64, error) {
	stats, err := partitioned.stats(txn)

	return stats.NumKeys, err
}

// SpaceUsed returns the space used by every partition
func (partitioned *Partitioned) SpaceUsed(txn kv.Transaction) (int64, error) {
	stats, err := partitioned.stats(txn)

	return stats.StorageSize, err
}

// IsEmpty returns true if no partition holds any entries
func (partitioned *Partitioned) IsEmpty(txn kv.Transaction) (bool, error) {
	for _, store := range partitioned.partitions.Handles() {
		empty, err := store.IsEmpty(txn)

		if err != nil || !empty {
			return false, err
		}
	}

	return true, nil
}

// FullValidate decodes every entry of every partition and checks that
// each one sits in the partition of its record. It returns the number
// of entries.
func (partitioned *Partitioned) FullValidate(txn kv.Transaction) (int64, error) {
	var total int64

	for _, store := range partitioned.partitions.Handles() {
		n, err := store.validate(txn)
		total += n

		if err != nil {
			partitioned.logger.Warn("index validation failed", zap.Int64("partition", store.id), zap.Error(err))

			return total, err
		}
	}

	return total, nil
}
