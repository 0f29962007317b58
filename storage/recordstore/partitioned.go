package recordstore

import (
	"fmt"

	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/partition"
	"go.uber.org/zap"
)

// Config configures a partitioned record store
type Config struct {
	// Ident names the logical record store. Partition
	// dictionaries are named after it.
	Ident string
	// Root is the root store holding the partition dictionaries.
	// Dropped partitions are removed from it once the dropping
	// transaction commits.
	Root kv.RootStore
	// Logger is the logger. zap.L() is used if it is nil.
	Logger *zap.Logger
}

// PartitionStats is the size of one partition
type PartitionStats struct {
	ID int64 `json:"id"`
	kv.Stats
}

// Partitioned is a record store split into partitions. Its partition
// list mirrors the partition directory of the owner, offset for offset.
// The list only changes while the owner holds exclusive access. A change
// made by a transaction that rolls back is undone when it rolls back.
type Partitioned struct {
	ident      string
	logger     *zap.Logger
	drops      *partition.DeferredDrops
	partitions partition.List[Store]
}

// New creates a partitioned record store with no partitions. Partitions
// are added with CreatePartition or LoadPartition.
func New(config Config) *Partitioned {
	logger := config.Logger

	if logger == nil {
		logger = zap.L()
	}

	logger = logger.With(zap.String("recordStore", config.Ident))

	return &Partitioned{
		ident:  config.Ident,
		logger: logger,
		drops:  partition.NewDeferredDrops(config.Root, logger),
	}
}

// Ident returns the name of this record store
func (partitioned *Partitioned) Ident() string {
	return partitioned.ident
}

// NumPartitions returns the number of partitions
func (partitioned *Partitioned) NumPartitions() int {
	return partitioned.partitions.Len()
}

// Partition returns the store at offset i
func (partitioned *Partitioned) Partition(i int) Store {
	return partitioned.partitions.Handle(i)
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

// CreatePartition creates the physical store for partition id and
// appends it to the list
func (partitioned *Partitioned) CreatePartition(txn kv.Transaction, id int64) (Store, error) {
	if _, ok := partitioned.partitions.Get(id); ok {
		return Store{}, fmt.Errorf("partition %d already exists", id)
	}

	store := NewStore(id, partition.DictionaryName(partitioned.ident, id))
	partitioned.drops.Cancel(store.name)

	if err := store.create(txn); err != nil {
		return Store{}, err
	}

	partitioned.replace(txn, partitioned.partitions.Append(id, store))

	return store, nil
}

// LoadPartition appends an existing partition to the list. It is used
// to rebuild the list from persisted metadata.
func (partitioned *Partitioned) LoadPartition(id int64) Store {
	store := NewStore(id, partition.DictionaryName(partitioned.ident, id))
	partitioned.partitions = partitioned.partitions.Append(id, store)

	return store
}

// DropPartition removes partition id from the list. The physical store
// is only dropped once txn commits so a rollback leaves it intact.
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

// Drop removes every partition. Physical stores are dropped once
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

// store returns the store for a record that is known to exist.
// A record id naming an unknown partition means the metadata is corrupt.
func (partitioned *Partitioned) store(id kv.RecordID) Store {
	store, ok := partitioned.partitions.Get(id.Partition)

	if !ok {
		panic(fmt.Sprintf("%s names partition %d which is not in record store %s", id, id.Partition, partitioned.ident))
	}

	return store
}

// Insert stores a new record in the partition at offset and returns its id
func (partitioned *Partitioned) Insert(txn kv.Transaction, offset int, data []byte) (kv.RecordID, error) {
	if offset < 0 || offset >= partitioned.partitions.Len() {
		return kv.RecordID{}, fmt.Errorf("partition offset %d is out of range [0, %d)", offset, partitioned.partitions.Len())
	}

	return partitioned.partitions.Handle(offset).Insert(txn, data)
}

// Get returns the data of a record or nil if it does not exist
func (partitioned *Partitioned) Get(txn kv.Transaction, id kv.RecordID) ([]byte, error) {
	store, ok := partitioned.partitions.Get(id.Partition)

	if !ok {
		return nil, nil
	}

	return store.Get(txn, id)
}

// Update replaces the data of a record. The new data must still
// belong to the record's partition.
func (partitioned *Partitioned) Update(txn kv.Transaction, id kv.RecordID, data []byte) error {
	return partitioned.store(id).Update(txn, id, data)
}

// Delete removes a record
func (partitioned *Partitioned) Delete(txn kv.Transaction, id kv.RecordID) error {
	return partitioned.store(id).Delete(txn, id)
}

// Truncate removes every record from every partition
func (partitioned *Partitioned) Truncate(txn kv.Transaction) error {
	for _, store := range partitioned.partitions.Handles() {
		if err := store.Truncate(txn); err != nil {
			return fmt.Errorf("could not truncate partition %d: %w", store.id, err)
		}
	}

	return nil
}

// PartitionStats returns the size of each partition in order
func (partitioned *Partitioned) PartitionStats(txn kv.Transaction) ([]PartitionStats, error) {
	stats := make([]PartitionStats, 0, partitioned.partitions.Len())

	for _, store := range partitioned.partitions.Handles() {
		s, err := store.Stats(txn)

		if err != nil {
			return nil, fmt.Errorf("could not get stats of partition %d: %w", store.id, err)
		}

		stats = append(stats, PartitionStats{ID: store.id, Stats: s})
	}

	return stats, nil
}

// Stats returns the combined size of every partition
func (partitioned *Partitioned) Stats(txn kv.Transaction) (kv.Stats, error) {
	stats, err := partitioned.PartitionStats(txn)

	if err != nil {
		return kv.Stats{}, err
	}

	var total kv.Stats

	for _, s := range stats {
		total.NumKeys += s.NumKeys
		total.DataSize += s.DataSize
		total.StorageSize += s.StorageSize
	}

	return total, nil
}

// DataSize returns the size of the records of every partition
func (partitioned *Partitioned) DataSize(txn kv.Transaction) (int64, error) {
	stats, err := partitioned.Stats(txn)

	return stats.DataSize, err
}

// NumRecords returns the number of records in every partition
func (partitioned *Partitioned) NumRecords(txn kv.Transaction) (int64, error) {
	stats, err := partitioned.Stats(txn)

	return stats.NumKeys, err
}

// StorageSize returns the space used by every partition
func (partitioned *Partitioned) StorageSize(txn kv.Transaction) (int64, error) {
	stats, err := partitioned.Stats(txn)

	return stats.StorageSize, err
}
