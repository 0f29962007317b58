// Package index implements sorted secondary indexes split into partitions.
//
// Each partition of an index is one dictionary with an index encoding.
// An entry's dictionary key is the order-preserving encoding of the
// indexed tuple followed by the encoded RecordID of the record it points
// at, so entries sort by (key, RecordID) under a plain byte comparison.
// Entries always live in the partition of their record. Index partitions
// therefore overlap in key space and a scan has to merge them.
package index

import (
	"errors"
	"fmt"

	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/keys"
)

var (
	// ErrInvalidDescriptor indicates that an index descriptor is malformed
	ErrInvalidDescriptor = errors.New("invalid index descriptor")
	// ErrCorruptEntry indicates that an index entry could not be decoded
	// or sits in the wrong partition
	ErrCorruptEntry = errors.New("corrupt index entry")
)

var emptyValue = []byte{}

// Descriptor describes an index
type Descriptor struct {
	// Name identifies the index within its collection
	Name string `json:"name"`
	// Pattern is the indexed fields
	Pattern keystring.Pattern `json:"key"`
	// Unique indexes reject two records with the same key
	Unique bool `json:"unique,omitzero"`
}

// Validate checks the descriptor
func (descriptor Descriptor) Validate() error {
	if descriptor.Name == "" {
		return fmt.Errorf("index name is empty: %w", ErrInvalidDescriptor)
	}

	if err := descriptor.Pattern.Validate(); err != nil {
		return fmt.Errorf("index %s: %s: %w", descriptor.Name, err.Error(), ErrInvalidDescriptor)
	}

	return nil
}

// Encoding returns the dictionary encoding of the index's partitions
func (descriptor Descriptor) Encoding() kv.Encoding {
	return kv.ForIndex(descriptor.Pattern.Ordering())
}

// Store is the physical index of one partition
type Store struct {
	id       int64
	name     string
	encoding kv.Encoding
}

// NewStore returns a handle for the index of partition id held in the
// dictionary called name
func NewStore(id int64, name string, encoding kv.Encoding) Store {
	return Store{id: id, name: name, encoding: encoding}
}

// ID returns the partition id of this store
func (store Store) ID() int64 {
	return store.id
}

// Name returns the name of the dictionary backing this store
func (store Store) Name() string {
	return store.name
}

func (store Store) dictionary(txn kv.Transaction) (kv.Dictionary, error) {
	dictionary, err := txn.Dictionary(store.name)

	if err != nil {
		return nil, fmt.Errorf("could not open index %s: %w", store.name, err)
	}

	return dictionary, nil
}

func (store Store) create(txn kv.Transaction) error {
	_, err := txn.CreateDictionary(store.name, store.encoding)

	if errors.Is(err, kv.ErrDictionaryExists) {
		// Left behind by a drop whose commit handler never ran
		if err := txn.DropDictionary(store.name); err != nil {
			return fmt.Errorf("could not drop stale index %s: %w", store.name, err)
		}

		_, err = txn.CreateDictionary(store.name, store.encoding)
	}

	if err != nil {
		return fmt.Errorf("could not create index %s: %w", store.name, err)
	}

	return nil
}

// entryKey builds the dictionary key of an entry
func (store Store) entryKey(key keystring.Tuple, id kv.RecordID) ([]byte, error) {
	entry, err := store.encoding.IndexKey(key, id)

	if err != nil {
		return nil, fmt.Errorf("could not encode index key %s: %w", key, err)
	}

	return entry, nil
}

// Insert adds an entry. Inserting an entry that already exists has no effect.
func (store Store) Insert(txn kv.Transaction, key keystring.Tuple, id kv.RecordID) error {
	entry, err := store.entryKey(key, id)

	if err != nil {
		return err
	}

	dictionary, err := store.dictionary(txn)

	if err != nil {
		return err
	}

	return dictionary.Insert(entry, emptyValue, true)
}

// Unindex removes an entry. It has no effect if the entry does not exist.
func (store Store) Unindex(txn kv.Transaction, key keystring.Tuple, id kv.RecordID) error {
	entry, err := store.entryKey(key, id)

	if err != nil {
		return err
	}

	dictionary, err := store.dictionary(txn)

	if err != nil {
		return err
	}

	return dictionary.Remove(entry)
}

// DupKeyCheck returns kv.ErrDuplicateKey if this partition holds an
// entry for key that points at a record other than id
func (store Store) DupKeyCheck(txn kv.Transaction, key keystring.Tuple, id kv.RecordID) error {
	prefix, err := keystring.Encode(key, store.encoding.Ordering)

	if err != nil {
		return fmt.Errorf("could not encode index key %s: %w", key, err)
	}

	cursor, err := store.Cursor(txn, prefix, kv.Forward)

	if err != nil {
		return err
	}

	defer cursor.Close()

	// Encoded tuples are prefix free so any key starting with prefix
	// followed by exactly one RecordID is an entry for key
	entries := keys.All().Prefix(prefix)

	for ; cursor.OK(); cursor.Advance() {
		k := cursor.Key()

		if !entries.Contains(k) || len(k) != len(prefix)+kv.RecordIDSize {
			break
		}

		other, err := kv.ParseRecordID(k[len(prefix):])

		if err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrCorruptEntry)
		}

		if other != id {
			return fmt.Errorf("key %s already points at %s: %w", key, other, kv.ErrDuplicateKey)
		}
	}

	return cursor.Error()
}

// MaxKey returns the greatest key in this partition or nil if it is empty
func (store Store) MaxKey(txn kv.Transaction) (keystring.Tuple, error) {
	cursor, err := store.Cursor(txn, nil, kv.Backward)

	if err != nil {
		return nil, err
	}

	defer cursor.Close()

	if !cursor.OK() {
		return nil, cursor.Error()
	}

	return store.encoding.ExtractKey(cursor.Key(), cursor.Value())
}

// Stats returns the size of this partition
func (store Store) Stats(txn kv.Transaction) (kv.Stats, error) {
	dictionary, err := store.dictionary(txn)

	if err != nil {
		return kv.Stats{}, err
	}

	return dictionary.Stats()
}

// IsEmpty returns true if this partition has no entries
func (store Store) IsEmpty(txn kv.Transaction) (bool, error) {
	cursor, err := store.Cursor(txn, nil, kv.Forward)

	if err != nil {
		return false, err
	}

	defer cursor.Close()

	return !cursor.OK(), cursor.Error()
}

// Cursor opens a cursor over the raw entries of this partition
func (store Store) Cursor(txn kv.Transaction, start []byte, direction kv.Direction) (kv.Cursor, error) {
	dictionary, err := store.dictionary(txn)

	if err != nil {
		return nil, err
	}

	return dictionary.Cursor(start, direction)
}

// validate checks every entry of this partition and returns how many
// there are
func (store Store) validate(txn kv.Transaction) (int64, error) {
	cursor, err := store.Cursor(txn, nil, kv.Forward)

	if err != nil {
		return 0, err
	}

	defer cursor.Close()

	var n int64

	for ; cursor.OK(); cursor.Advance() {
		if _, err := store.encoding.ExtractKey(cursor.Key(), cursor.Value()); err != nil {
			return n, fmt.Errorf("partition %d: %s: %w", store.id, err.Error(), ErrCorruptEntry)
		}

		id, err := store.encoding.ExtractRecordID(cursor.Key())

		if err != nil {
			return n, fmt.Errorf("partition %d: %s: %w", store.id, err.Error(), ErrCorruptEntry)
		}

		if id.Partition != store.id {
			return n, fmt.Errorf("partition %d holds an entry for %s: %w", store.id, id, ErrCorruptEntry)
		}

		n++
	}

	return n, cursor.Error()
}
