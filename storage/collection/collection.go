// Package collection implements partitioned collections: a record
// store and its indexes split into partitions by ranges of the
// collection's primary key.
//
// The primary key of a document is projected with the collection's
// primary key pattern and routed through the partition directory to the
// partition that owns it. Records of that partition and the index entries
// pointing at them live in that partition's dictionaries:
//
//	_catalog                   one entry per collection
//	orders$$meta               one {_id, max} entry per partition
//	orders$$p0                 records of partition 0
//	orders.$pk$$p0             primary key index of partition 0
//	orders.sku$$p0             secondary index "sku" of partition 0
//
// A Collection is not safe for concurrent use on its own. Document
// operations may share a collection. Creating or dropping partitions or
// indexes requires exclusive access.
package collection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/partition"
	"github.com/jrife/strata/storage/recordstore"
	"go.uber.org/zap"
)

const (
	// PrimaryKeyIndex is the name of the index on the primary key
	PrimaryKeyIndex = "$pk"
	// CatalogDictionary is the dictionary holding collection metadata
	CatalogDictionary = "_catalog"
)

var (
	// ErrCollectionExists indicates that a collection with that name already exists
	ErrCollectionExists = errors.New("collection already exists")
	// ErrNoSuchCollection indicates that the collection does not exist
	ErrNoSuchCollection = errors.New("collection does not exist")
	// ErrInvalidName indicates that a collection or index name is malformed
	ErrInvalidName = errors.New("invalid name")
	// ErrNoSuchDocument indicates that no document has the requested id
	ErrNoSuchDocument = errors.New("document does not exist")
	// ErrIndexExists indicates that an index with that name already exists
	ErrIndexExists = errors.New("index already exists")
	// ErrNoSuchIndex indicates that the index does not exist
	ErrNoSuchIndex = errors.New("index does not exist")
	// ErrEmptyLastPartition indicates that a partition bound could not be
	// derived because the last partition holds no documents
	ErrEmptyLastPartition = errors.New("last partition is empty")
)

// Options configures a new collection
type Options struct {
	// PrimaryKey is the primary key pattern. It defaults
	// to keystring.DefaultPattern().
	PrimaryKey keystring.Pattern
	// IDBits is the width of the partition id space. It
	// defaults to partition.DefaultIDBits.
	IDBits int
	// Logger is the logger. zap.L() is used if it is nil.
	Logger *zap.Logger
}

// catalogEntry is the persisted description of a collection
type catalogEntry struct {
	Name       string             `json:"name"`
	PrimaryKey keystring.Pattern  `json:"primaryKey"`
	IDBits     int                `json:"idBits,omitzero"`
	Indexes    []index.Descriptor `json:"indexes"`
}

// Collection is a partitioned collection
type Collection struct {
	name      string
	root      kv.RootStore
	logger    *zap.Logger
	entry     catalogEntry
	directory partition.Directory
	records   *recordstore.Partitioned
	// indexes[0] is always the primary key index
	indexes []*index.Partitioned
}

func validateName(kind, name string) error {
	if name == "" || strings.ContainsAny(name, ".$") {
		return fmt.Errorf("%s name %q must be non-empty and must not contain '.' or '$': %w", kind, name, ErrInvalidName)
	}

	return nil
}

func metadataName(name string) string {
	return name + "$$meta"
}

func indexIdent(collection, index string) string {
	return collection + "." + index
}

func catalog(txn kv.Transaction) (kv.Dictionary, error) {
	dictionary, err := txn.Dictionary(CatalogDictionary)

	if errors.Is(err, kv.ErrNoSuchDictionary) && txn.Writable() {
		dictionary, err = txn.CreateDictionary(CatalogDictionary, kv.ForMetadata())
	}

	return dictionary, err
}

func readCatalogEntry(txn kv.Transaction, name string) (catalogEntry, error) {
	dictionary, err := catalog(txn)

	if errors.Is(err, kv.ErrNoSuchDictionary) {
		return catalogEntry{}, fmt.Errorf("%s: %w", name, ErrNoSuchCollection)
	} else if err != nil {
		return catalogEntry{}, fmt.Errorf("could not open catalog: %w", err)
	}

	raw, err := dictionary.Get([]byte(name))

	if err != nil {
		return catalogEntry{}, fmt.Errorf("could not read catalog entry: %w", err)
	}

	if raw == nil {
		return catalogEntry{}, fmt.Errorf("%s: %w", name, ErrNoSuchCollection)
	}

	var entry catalogEntry

	if err := json.Unmarshal(raw, &entry); err != nil {
		return catalogEntry{}, fmt.Errorf("could not parse catalog entry of %s: %w", name, err)
	}

	return entry, nil
}

func writeCatalogEntry(txn kv.Transaction, entry catalogEntry) error {
	dictionary, err := catalog(txn)

	if err != nil {
		return fmt.Errorf("could not open catalog: %w", err)
	}

	raw, err := json.Marshal(entry, json.Deterministic(true))

	if err != nil {
		return fmt.Errorf("could not encode catalog entry: %w", err)
	}

	return dictionary.Insert([]byte(entry.Name), raw, true)
}

// Names lists the names of every collection
func Names(txn kv.Transaction) ([]string, error) {
	dictionary, err := catalog(txn)

	if errors.Is(err, kv.ErrNoSuchDictionary) {
		return []string{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not open catalog: %w", err)
	}

	cursor, err := dictionary.Cursor(nil, kv.Forward)

	if err != nil {
		return nil, err
	}

	defer cursor.Close()

	names := []string{}
	entries := kv.Stream(cursor)

	for entries.Next() {
		names = append(names, string(entries.Value().Key()))
	}

	return names, entries.Error()
}

func newCollection(root kv.RootStore, entry catalogEntry, logger *zap.Logger) (*Collection, error) {
	if logger == nil {
		logger = zap.L()
	}

	logger = logger.With(zap.String("collection", entry.Name))
	collection := &Collection{
		name:    entry.Name,
		root:    root,
		logger:  logger,
		entry:   entry,
		records: recordstore.New(recordstore.Config{Ident: entry.Name, Root: root, Logger: logger}),
	}

	for _, descriptor := range entry.Indexes {
		idx, err := collection.newIndex(descriptor)

		if err != nil {
			return nil, err
		}

		collection.indexes = append(collection.indexes, idx)
	}

	return collection, nil
}

func (collection *Collection) newIndex(descriptor index.Descriptor) (*index.Partitioned, error) {
	return index.New(index.Config{
		Ident:      indexIdent(collection.name, descriptor.Name),
		Descriptor: descriptor,
		Root:       collection.root,
		Logger:     collection.logger,
	})
}

// Create creates a collection with a single open partition
func Create(txn kv.Transaction, root kv.RootStore, name string, options Options) (*Collection, error) {
	if err := validateName("collection", name); err != nil {
		return nil, err
	}

	pattern := options.PrimaryKey

	if pattern == nil {
		pattern = keystring.DefaultPattern()
	}

	if err := pattern.Validate(); err != nil {
		return nil, fmt.Errorf("invalid primary key: %w", err)
	}

	if _, err := readCatalogEntry(txn, name); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrCollectionExists)
	} else if !errors.Is(err, ErrNoSuchCollection) {
		return nil, err
	}

	entry := catalogEntry{
		Name:       name,
		PrimaryKey: pattern,
		IDBits:     options.IDBits,
		Indexes:    []index.Descriptor{{Name: PrimaryKeyIndex, Pattern: pattern, Unique: true}},
	}

	directory, err := partition.New(pattern.Ordering(), 0, partition.Options{IDBits: options.IDBits})

	if err != nil {
		return nil, err
	}

	collection, err := newCollection(root, entry, options.Logger)

	if err != nil {
		return nil, err
	}

	if err := writeCatalogEntry(txn, entry); err != nil {
		return nil, fmt.Errorf("could not write catalog entry: %w", err)
	}

	if _, err := txn.CreateDictionary(metadataName(name), kv.ForMetadata()); err != nil {
		return nil, fmt.Errorf("could not create partition metadata: %w", err)
	}

	first := directory.First()

	if err := collection.createStores(txn, first.ID); err != nil {
		return nil, err
	}

	if err := collection.appendMetadata(txn, first); err != nil {
		return nil, err
	}

	collection.directory = directory
	collection.logger.Info("created collection", zap.Any("primaryKey", pattern))

	return collection, nil
}

// Open loads a collection from the catalog. Its partitions are replayed
// from the persisted metadata in directory order. If txn is writable,
// dictionaries of partitions that are no longer in the directory are
// dropped.
func Open(txn kv.Transaction, root kv.RootStore, name string, logger *zap.Logger) (*Collection, error) {
	entry, err := readCatalogEntry(txn, name)

	if err != nil {
		return nil, err
	}

	collection, err := newCollection(root, entry, logger)

	if err != nil {
		return nil, err
	}

	partitions, err := collection.readMetadata(txn)

	if err != nil {
		return nil, err
	}

	directoryPartitions := make([]partition.Partition, len(partitions))

	for i, p := range partitions {
		directoryPartitions[i] = partition.Partition{ID: p.ID, Max: p.Max}
	}

	directory, err := partition.Load(entry.PrimaryKey.Ordering(), directoryPartitions, partition.Options{IDBits: entry.IDBits})

	if err != nil {
		return nil, fmt.Errorf("partition metadata of %s is corrupt: %w", name, err)
	}

	collection.directory = directory

	for _, p := range directory.Partitions() {
		collection.loadPartition(p.ID)
	}

	if txn.Writable() {
		if err := collection.dropOrphans(txn); err != nil {
			return nil, err
		}
	}

	return collection, nil
}

func (collection *Collection) loadPartition(id int64) {
	collection.records.LoadPartition(id)

	for _, idx := range collection.indexes {
		idx.LoadPartition(id)
	}
}

// dropOrphans drops partition dictionaries left behind by drops whose
// commit handlers never ran
func (collection *Collection) dropOrphans(txn kv.Transaction) error {
	names, err := txn.Dictionaries()

	if err != nil {
		return fmt.Errorf("could not list dictionaries: %w", err)
	}

	idents := []string{collection.name}

	for _, idx := range collection.indexes {
		idents = append(idents, idx.Ident())
	}

	for _, name := range names {
		for _, ident := range idents {
			id, ok := partition.ParseDictionaryName(ident, name)

			if !ok {
				continue
			}

			if _, err := collection.directory.IndexOf(id); err == nil {
				continue
			}

			collection.logger.Warn("dropping orphaned partition dictionary", zap.String("dictionary", name))

			if err := txn.DropDictionary(name); err != nil {
				return fmt.Errorf("could not drop orphaned dictionary %s: %w", name, err)
			}
		}
	}

	return nil
}

// createStores creates the record store and index partitions of id
func (collection *Collection) createStores(txn kv.Transaction, id int64) error {
	if _, err := collection.records.CreatePartition(txn, id); err != nil {
		return fmt.Errorf("could not create record store partition %d: %w", id, err)
	}

	for _, idx := range collection.indexes {
		if _, err := idx.CreatePartition(txn, id); err != nil {
			return fmt.Errorf("could not create partition %d of index %s: %w", id, idx.Descriptor().Name, err)
		}
	}

	return nil
}

// Drop drops the collection. Physical stores are removed once txn commits.
func (collection *Collection) Drop(txn kv.Transaction) error {
	if !txn.Writable() {
		return kv.ErrReadOnly
	}

	dictionary, err := catalog(txn)

	if err != nil {
		return fmt.Errorf("could not open catalog: %w", err)
	}

	if err := dictionary.Remove([]byte(collection.name)); err != nil {
		return fmt.Errorf("could not remove catalog entry: %w", err)
	}

	if err := txn.DropDictionary(metadataName(collection.name)); err != nil {
		return fmt.Errorf("could not drop partition metadata: %w", err)
	}

	if err := collection.records.Drop(txn); err != nil {
		return err
	}

	for _, idx := range collection.indexes {
		if err := idx.Drop(txn); err != nil {
			return err
		}
	}

	txn.OnCommit(func() {
		collection.logger.Info("dropped collection")
	})

	return nil
}

// Name returns the name of the collection
func (collection *Collection) Name() string {
	return collection.name
}

// PrimaryKeyPattern returns the primary key pattern
func (collection *Collection) PrimaryKeyPattern() keystring.Pattern {
	return collection.entry.PrimaryKey
}

func (collection *Collection) setDirectory(txn kv.Transaction, next partition.Directory) {
	previous := collection.directory
	collection.directory = next
	txn.OnRollback(func() {
		collection.directory = previous
	})
}

func (collection *Collection) setIndexes(txn kv.Transaction, indexes []*index.Partitioned, entry catalogEntry) {
	previousIndexes, previousEntry := collection.indexes, collection.entry
	collection.indexes, collection.entry = indexes, entry
	txn.OnRollback(func() {
		collection.indexes, collection.entry = previousIndexes, previousEntry
	})
}
