package collection

import (
	"context"
	"fmt"

	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/utils/log"
	"go.uber.org/zap"
)

// Indexes returns the descriptors of every index. The primary key index
// comes first.
func (collection *Collection) Indexes() []index.Descriptor {
	descriptors := make([]index.Descriptor, len(collection.indexes))

	for i, idx := range collection.indexes {
		descriptors[i] = idx.Descriptor()
	}

	return descriptors
}

// CreateIndex adds a secondary index and fills it from the documents
// already in the collection. It fails with kv.ErrDuplicateKey if the
// index is unique and two documents share a key.
func (collection *Collection) CreateIndex(ctx context.Context, txn kv.Transaction, descriptor index.Descriptor) error {
	logger := log.Operation(ctx, collection.logger, "CreateIndex").With(zap.String("index", descriptor.Name))
	logger.Debug("start")

	if !txn.Writable() {
		return kv.ErrReadOnly
	}

	if err := validateName("index", descriptor.Name); err != nil {
		return err
	}

	if _, ok := collection.findIndex(descriptor.Name); ok {
		return fmt.Errorf("%s: %w", descriptor.Name, ErrIndexExists)
	}

	idx, err := collection.newIndex(descriptor)

	if err != nil {
		return err
	}

	for _, p := range collection.directory.Partitions() {
		if _, err := idx.CreatePartition(txn, p.ID); err != nil {
			return fmt.Errorf("could not create partition %d of index %s: %w", p.ID, descriptor.Name, err)
		}
	}

	iter := collection.Iterator(txn, kv.RecordID{}, kv.Forward)
	defer iter.Close()

	var count int64

	for iter.Next() {
		doc, err := document.Parse(iter.Value())

		if err != nil {
			return fmt.Errorf("could not decode %s: %w", iter.ID(), err)
		}

		key, err := document.Project(doc, descriptor.Pattern)

		if err != nil {
			return fmt.Errorf("index %s: %w", descriptor.Name, err)
		}

		if err := idx.Insert(txn, key, iter.ID(), !descriptor.Unique); err != nil {
			return err
		}

		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	entry := collection.entry
	entry.Indexes = append(append([]index.Descriptor{}, entry.Indexes...), descriptor)

	if err := writeCatalogEntry(txn, entry); err != nil {
		return fmt.Errorf("could not write catalog entry: %w", err)
	}

	indexes := append(append([]*index.Partitioned{}, collection.indexes...), idx)
	collection.setIndexes(txn, indexes, entry)
	txn.OnCommit(func() {
		logger.Info("created index", zap.Int64("entries", count))
	})

	return nil
}

// DropIndex drops a secondary index. The primary key index cannot be
// dropped.
func (collection *Collection) DropIndex(ctx context.Context, txn kv.Transaction, name string) error {
	logger := log.Operation(ctx, collection.logger, "DropIndex").With(zap.String("index", name))
	logger.Debug("start")

	if !txn.Writable() {
		return kv.ErrReadOnly
	}

	if name == PrimaryKeyIndex {
		return fmt.Errorf("the primary key index cannot be dropped: %w", ErrInvalidName)
	}

	offset := -1

	for i, idx := range collection.indexes {
		if idx.Descriptor().Name == name {
			offset = i
		}
	}

	if offset == -1 {
		return fmt.Errorf("%s: %w", name, ErrNoSuchIndex)
	}

	if err := collection.indexes[offset].Drop(txn); err != nil {
		return err
	}

	entry := collection.entry
	entry.Indexes = make([]index.Descriptor, 0, len(collection.entry.Indexes)-1)
	indexes := make([]*index.Partitioned, 0, len(collection.indexes)-1)

	for i, idx := range collection.indexes {
		if i == offset {
			continue
		}

		entry.Indexes = append(entry.Indexes, idx.Descriptor())
		indexes = append(indexes, idx)
	}

	if err := writeCatalogEntry(txn, entry); err != nil {
		return fmt.Errorf("could not write catalog entry: %w", err)
	}

	collection.setIndexes(txn, indexes, entry)
	txn.OnCommit(func() {
		logger.Info("dropped index")
	})

	return nil
}
