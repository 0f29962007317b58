// Package recordstore implements record stores split into partitions.
//
// Each partition is one dictionary with the record store encoding,
// mapping encoded RecordIDs to record data. A RecordID names the
// partition that owns it, so reads and writes by id go straight to
// the right dictionary. Because partitions hold disjoint id ranges a
// scan across all of them is a sequential walk in directory order.
package recordstore

import (
	"errors"
	"fmt"

	"github.com/jrife/strata/storage/kv"
)

var (
	// ErrNoSuchRecord indicates that no record has the requested id
	ErrNoSuchRecord = errors.New("record does not exist")
	// ErrWrongPartition indicates that a record id names a different
	// partition than the one it was handed to
	ErrWrongPartition = errors.New("record id belongs to another partition")
)

// Store is the physical record store of one partition
type Store struct {
	id   int64
	name string
}

// NewStore returns a handle for the record store of partition id
// held in the dictionary called name
func NewStore(id int64, name string) Store {
	return Store{id: id, name: name}
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
		return nil, fmt.Errorf("could not open record store %s: %w", store.name, err)
	}

	return dictionary, nil
}

func (store Store) create(txn kv.Transaction) error {
	_, err := txn.CreateDictionary(store.name, kv.ForRecordStore())

	if errors.Is(err, kv.ErrDictionaryExists) {
		// Left behind by a drop whose commit handler never ran
		if err := txn.DropDictionary(store.name); err != nil {
			return fmt.Errorf("could not drop stale record store %s: %w", store.name, err)
		}

		_, err = txn.CreateDictionary(store.name, kv.ForRecordStore())
	}

	if err != nil {
		return fmt.Errorf("could not create record store %s: %w", store.name, err)
	}

	return nil
}

func (store Store) check(id kv.RecordID) error {
	if id.Partition != store.id {
		return fmt.Errorf("%s is not in partition %d: %w", id, store.id, ErrWrongPartition)
	}

	return nil
}

// Insert stores a new record and returns its id. The position part
// of the id comes from the dictionary's sequence.
func (store Store) Insert(txn kv.Transaction, data []byte) (kv.RecordID, error) {
	dictionary, err := store.dictionary(txn)

	if err != nil {
		return kv.RecordID{}, err
	}

	position, err := dictionary.NextSequence()

	if err != nil {
		return kv.RecordID{}, fmt.Errorf("could not allocate record position: %w", err)
	}

	id := kv.RecordID{Partition: store.id, Position: int64(position)}

	if err := dictionary.Insert(id.Key(), data, false); err != nil {
		return kv.RecordID{}, fmt.Errorf("could not insert %s: %w", id, err)
	}

	return id, nil
}

// Get returns the data of a record or nil if it does not exist
func (store Store) Get(txn kv.Transaction, id kv.RecordID) ([]byte, error) {
	if err := store.check(id); err != nil {
		return nil, err
	}

	dictionary, err := store.dictionary(txn)

	if err != nil {
		return nil, err
	}

	return dictionary.Get(id.Key())
}

// Update replaces the data of an existing record
func (store Store) Update(txn kv.Transaction, id kv.RecordID, data []byte) error {
	if err := store.check(id); err != nil {
		return err
	}

	if data == nil {
		return kv.ErrNilValue
	}

	dictionary, err := store.dictionary(txn)

	if err != nil {
		return err
	}

	return kv.Update(dictionary, id.Key(), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%s: %w", id, ErrNoSuchRecord)
		}

		return data, nil
	})
}

// Delete removes a record. It has no effect if the record does not exist.
func (store Store) Delete(txn kv.Transaction, id kv.RecordID) error {
	if err := store.check(id); err != nil {
		return err
	}

	dictionary, err := store.dictionary(txn)

	if err != nil {
		return err
	}

	return dictionary.Remove(id.Key())
}

// Truncate removes every record. The sequence keeps going so ids
// handed out before the truncate are not reused.
func (store Store) Truncate(txn kv.Transaction) error {
	dictionary, err := store.dictionary(txn)

	if err != nil {
		return err
	}

	cursor, err := dictionary.Cursor(nil, kv.Forward)

	if err != nil {
		return fmt.Errorf("could not create cursor: %w", err)
	}

	entries, err := kv.Entries(cursor, 0)
	cursor.Close()

	if err != nil {
		return fmt.Errorf("could not list records: %w", err)
	}

	for _, entry := range entries {
		if err := dictionary.Remove(entry.Key()); err != nil {
			return fmt.Errorf("could not remove record: %w", err)
		}
	}

	return nil
}

// Stats returns the size of this partition
func (store Store) Stats(txn kv.Transaction) (kv.Stats, error) {
	dictionary, err := store.dictionary(txn)

	if err != nil {
		return kv.Stats{}, err
	}

	return dictionary.Stats()
}

// Cursor opens a cursor over this partition's records
func (store Store) Cursor(txn kv.Transaction, start []byte, direction kv.Direction) (kv.Cursor, error) {
	dictionary, err := store.dictionary(txn)

	if err != nil {
		return nil, err
	}

	return dictionary.Cursor(start, direction)
}
