package commands

import (
	"context"
	"fmt"

	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/collection"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/utils/stream"
	"go.uber.org/zap"
)

// ScanRequest reads documents of a collection in partition directory
// order, then position
type ScanRequest struct {
	Collection string       `json:"scan"`
	Direction  kv.Direction `json:"direction,omitzero"`
	// Limit caps the number of documents returned. Zero means no limit.
	Limit int `json:"limit,omitzero"`
	// Partition restricts the scan to one partition
	Partition *int64 `json:"partition,omitempty"`
	// Sort orders the result by a key pattern instead of storage order.
	// With a limit only the first Limit documents are kept.
	Sort keystring.Pattern `json:"sort,omitempty"`
}

func (request ScanRequest) processors(logger *zap.Logger) []stream.Processor[collection.Entry] {
	processors := []stream.Processor[collection.Entry]{}

	if request.Partition != nil {
		id := *request.Partition
		processors = append(processors, stream.Filter(func(entry collection.Entry) bool {
			return entry.ID.Partition == id
		}))
	}

	if len(request.Sort) > 0 {
		processors = append(processors, stream.Sort(sortBy(request.Sort), request.Limit))
	} else {
		processors = append(processors, stream.Limit[collection.Entry](request.Limit))
	}

	return append(processors, stream.Log[collection.Entry](logger))
}

// sortBy compares entries by the keys projected from their documents
// with pattern. Documents that cannot be keyed sort last.
func sortBy(pattern keystring.Pattern) func(a, b collection.Entry) int {
	ordering := pattern.Ordering()
	key := func(entry collection.Entry) keystring.Tuple {
		tuple, err := document.Project(entry.Document, pattern)

		if err != nil {
			return keystring.UpperBound(ordering)
		}

		return tuple
	}

	return func(a, b collection.Entry) int {
		return keystring.Compare(key(a), key(b), ordering)
	}
}

// Insert inserts documents into a collection in one transaction and
// returns their ids
func (db *Database) Insert(ctx context.Context, name string, docs ...document.Document) ([]kv.RecordID, error) {
	logger := db.operationLogger(ctx, "Insert").With(zap.String("collection", name))
	logger.Debug("start", zap.Int("documents", len(docs)))

	ids := make([]kv.RecordID, 0, len(docs))

	err := db.Update(ctx, name, func(txn kv.Transaction, c *collection.Collection) error {
		for _, doc := range docs {
			id, err := c.Insert(txn, doc)

			if err != nil {
				return err
			}

			ids = append(ids, id)
		}

		return nil
	})

	if err != nil {
		err = wrapError("could not insert documents", err)
		logger.Debug("error", zap.Error(err))

		return nil, err
	}

	return ids, nil
}

// Scan reads the documents of a collection
func (db *Database) Scan(ctx context.Context, request ScanRequest) ([]collection.Entry, error) {
	logger := db.operationLogger(ctx, "Scan").With(zap.String("collection", request.Collection))

	if len(request.Sort) > 0 {
		if err := request.Sort.Validate(); err != nil {
			return nil, fmt.Errorf("invalid sort pattern: %s: %w", err.Error(), ErrInvalidRequest)
		}
	}

	processors := request.processors(logger)

	var entries []collection.Entry

	err := db.View(ctx, request.Collection, func(txn kv.Transaction, c *collection.Collection) error {
		var err error
		entries, err = stream.Collect(c.Documents(txn, request.Direction, processors...))

		return err
	})

	if err != nil {
		return nil, wrapError("could not scan documents", err)
	}

	return entries, nil
}

// CreateIndex adds a secondary index to a collection
func (db *Database) CreateIndex(ctx context.Context, name string, descriptor index.Descriptor) error {
	err := db.Exclusive(ctx, name, func(txn kv.Transaction, c *collection.Collection) error {
		return c.CreateIndex(ctx, txn, descriptor)
	})

	return wrapError("could not create index", err)
}

// DropIndex drops a secondary index of a collection
func (db *Database) DropIndex(ctx context.Context, name string, indexName string) error {
	err := db.Exclusive(ctx, name, func(txn kv.Transaction, c *collection.Collection) error {
		return c.DropIndex(ctx, txn, indexName)
	})

	return wrapError("could not drop index", err)
}

// Stats returns the size of a collection
func (db *Database) Stats(ctx context.Context, name string) (collection.Stats, error) {
	var stats collection.Stats

	err := db.View(ctx, name, func(txn kv.Transaction, c *collection.Collection) error {
		var err error
		stats, err = c.Stats(txn)

		return err
	})

	if err != nil {
		return collection.Stats{}, wrapError("could not get stats", err)
	}

	return stats, nil
}
