package collection

import (
	"context"
	"fmt"

	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/partition"
	"github.com/jrife/strata/storage/recordstore"
	"github.com/jrife/strata/utils/log"
	"go.uber.org/zap"
)

// Info describes the partitions of a collection
type Info struct {
	NumPartitions int             `json:"numPartitions"`
	Partitions    []PartitionInfo `json:"partitions"`
}

// Stats describes the size of a collection
type Stats struct {
	NumRecords  int64                        `json:"numRecords"`
	DataSize    int64                        `json:"dataSize"`
	StorageSize int64                        `json:"storageSize"`
	Partitions  []recordstore.PartitionStats `json:"partitions"`
	IndexSizes  map[string]int64             `json:"indexSizes"`
}

// Partitions returns the partitions in directory order. The
// last partition's bound is the open bound.
func (collection *Collection) Partitions() []partition.Partition {
	return collection.directory.Partitions()
}

// NumPartitions returns the number of partitions
func (collection *Collection) NumPartitions() int {
	return collection.directory.Len()
}

// PartitionInfo describes every partition
func (collection *Collection) PartitionInfo() Info {
	info := Info{NumPartitions: collection.directory.Len(), Partitions: make([]PartitionInfo, 0, collection.directory.Len())}

	for _, p := range collection.directory.Partitions() {
		info.Partitions = append(info.Partitions, PartitionInfo{ID: p.ID, Max: p.Max})
	}

	return info
}

// NextPartitionID returns the id the next partition will get
func (collection *Collection) NextPartitionID() (int64, error) {
	return collection.directory.NextID()
}

// MaxKeyFromLastPartition returns the greatest primary key in the last
// partition or nil if the last partition is empty
func (collection *Collection) MaxKeyFromLastPartition(txn kv.Transaction) (keystring.Tuple, error) {
	return collection.indexes[0].MaxKeyFromLastPartition(txn)
}

// CreatePartition caps the last partition at the greatest primary key it
// holds and appends a new open partition. It fails with
// ErrEmptyLastPartition if the last partition is empty.
func (collection *Collection) CreatePartition(ctx context.Context, txn kv.Transaction) (partition.Partition, error) {
	max, err := collection.MaxKeyFromLastPartition(txn)

	if err != nil {
		return partition.Partition{}, fmt.Errorf("could not read the max key of the last partition: %w", err)
	}

	if max == nil {
		return partition.Partition{}, ErrEmptyLastPartition
	}

	return collection.CreatePartitionWithBound(ctx, txn, max)
}

// CreatePartitionWithBound caps the last partition at max and appends a
// new open partition. max must be at least the greatest key in the last
// partition and greater than the bound of the partition before it.
// Everything is validated before anything is changed. If it returns an
// error txn must be rolled back.
func (collection *Collection) CreatePartitionWithBound(ctx context.Context, txn kv.Transaction, max keystring.Tuple) (partition.Partition, error) {
	logger := log.Operation(ctx, collection.logger, "CreatePartition")
	logger.Debug("start", zap.Stringer("max", max))

	if !txn.Writable() {
		return partition.Partition{}, kv.ErrReadOnly
	}

	maxKey, err := collection.MaxKeyFromLastPartition(txn)

	if err != nil {
		return partition.Partition{}, fmt.Errorf("could not read the max key of the last partition: %w", err)
	}

	if err := collection.directory.ValidateBound(max, maxKey); err != nil {
		logger.Debug("invalid bound", zap.Error(err))

		return partition.Partition{}, err
	}

	next, created, err := collection.directory.Append(max)

	if err != nil {
		logger.Debug("could not allocate partition", zap.Error(err))

		return partition.Partition{}, err
	}

	if err := collection.createStores(txn, created.ID); err != nil {
		return partition.Partition{}, err
	}

	if err := collection.syncMetadata(txn, next); err != nil {
		return partition.Partition{}, err
	}

	if err := collection.appendMetadata(txn, created); err != nil {
		return partition.Partition{}, err
	}

	collection.setDirectory(txn, next)
	txn.OnCommit(func() {
		logger.Info("created partition", zap.Int64("id", created.ID), zap.Stringer("previousMax", max))
	})

	return created, nil
}

// DropPartition drops the partition with this id and every document in
// it. The sole partition cannot be dropped. Physical stores are removed
// once txn commits. No cursor may be open on the collection.
func (collection *Collection) DropPartition(ctx context.Context, txn kv.Transaction, id int64) error {
	logger := log.Operation(ctx, collection.logger, "DropPartition")
	logger.Debug("start", zap.Int64("id", id))

	if !txn.Writable() {
		return kv.ErrReadOnly
	}

	next, err := collection.directory.Remove(id)

	if err != nil {
		logger.Debug("could not drop partition", zap.Error(err))

		return err
	}

	if err := collection.records.DropPartition(txn, id); err != nil {
		return err
	}

	for _, idx := range collection.indexes {
		if err := idx.DropPartition(txn, id); err != nil {
			return fmt.Errorf("could not drop partition %d of index %s: %w", id, idx.Descriptor().Name, err)
		}
	}

	if err := collection.syncMetadata(txn, next); err != nil {
		return err
	}

	collection.setDirectory(txn, next)
	txn.OnCommit(func() {
		logger.Info("dropped partition", zap.Int64("id", id))
	})

	return nil
}

// DropPartitionsLessOrEqual drops the oldest partitions while their
// bound is at most the primary key of pivot and more than one partition
// remains. It returns the ids of the dropped partitions.
func (collection *Collection) DropPartitionsLessOrEqual(ctx context.Context, txn kv.Transaction, pivot document.Document) ([]int64, error) {
	key, err := collection.PrimaryKey(pivot)

	if err != nil {
		return nil, err
	}

	ordering := collection.directory.Ordering()
	dropped := []int64{}

	for collection.directory.Len() > 1 && keystring.Compare(collection.directory.First().Max, key, ordering) <= 0 {
		id := collection.directory.First().ID

		if err := collection.DropPartition(ctx, txn, id); err != nil {
			return dropped, err
		}

		dropped = append(dropped, id)
	}

	return dropped, nil
}

// Stats returns the size of the collection
func (collection *Collection) Stats(txn kv.Transaction) (Stats, error) {
	partitions, err := collection.records.PartitionStats(txn)

	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Partitions: partitions, IndexSizes: map[string]int64{}}

	for _, p := range partitions {
		stats.NumRecords += p.NumKeys
		stats.DataSize += p.DataSize
		stats.StorageSize += p.StorageSize
	}

	for _, idx := range collection.indexes {
		size, err := idx.SpaceUsed(txn)

		if err != nil {
			return Stats{}, err
		}

		stats.IndexSizes[idx.Descriptor().Name] = size
	}

	return stats, nil
}
