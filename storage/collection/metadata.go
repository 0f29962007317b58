package collection

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/keys"
	"github.com/jrife/strata/storage/partition"
)

// PartitionInfo describes one partition. It is also the persisted
// metadata entry of the partition.
type PartitionInfo struct {
	ID  int64           `json:"_id"`
	Max keystring.Tuple `json:"max"`
}

type metadataEntry struct {
	key []byte
	PartitionInfo
}

// Metadata entries are keyed by a sequence number so their order is the
// directory order even after partition ids wrap around.
func (collection *Collection) metadata(txn kv.Transaction) (kv.Dictionary, error) {
	dictionary, err := txn.Dictionary(metadataName(collection.name))

	if err != nil {
		return nil, fmt.Errorf("could not open partition metadata: %w", err)
	}

	return dictionary, nil
}

func (collection *Collection) readMetadataEntries(txn kv.Transaction) ([]metadataEntry, error) {
	dictionary, err := collection.metadata(txn)

	if err != nil {
		return nil, err
	}

	cursor, err := dictionary.Cursor(nil, kv.Forward)

	if err != nil {
		return nil, err
	}

	defer cursor.Close()

	entries := []metadataEntry{}

	for ; cursor.OK(); cursor.Advance() {
		var info PartitionInfo

		if err := json.Unmarshal(cursor.Value(), &info); err != nil {
			return nil, fmt.Errorf("could not parse partition metadata: %w", err)
		}

		entries = append(entries, metadataEntry{key: append([]byte{}, cursor.Key()...), PartitionInfo: info})
	}

	return entries, cursor.Error()
}

func (collection *Collection) readMetadata(txn kv.Transaction) ([]PartitionInfo, error) {
	entries, err := collection.readMetadataEntries(txn)

	if err != nil {
		return nil, err
	}

	partitions := make([]PartitionInfo, len(entries))

	for i, entry := range entries {
		partitions[i] = entry.PartitionInfo
	}

	return partitions, nil
}

func (collection *Collection) putMetadata(dictionary kv.Dictionary, key []byte, p partition.Partition) error {
	raw, err := json.Marshal(PartitionInfo{ID: p.ID, Max: p.Max}, json.Deterministic(true))

	if err != nil {
		return fmt.Errorf("could not encode partition metadata: %w", err)
	}

	return dictionary.Insert(key, raw, true)
}

// appendMetadata adds the entry of a new last partition
func (collection *Collection) appendMetadata(txn kv.Transaction, p partition.Partition) error {
	dictionary, err := collection.metadata(txn)

	if err != nil {
		return err
	}

	seq, err := dictionary.NextSequence()

	if err != nil {
		return fmt.Errorf("could not allocate metadata key: %w", err)
	}

	return collection.putMetadata(dictionary, keys.Uint64ToKey(seq), p)
}

// syncMetadata rewrites the persisted metadata so it matches directory.
// Only entries whose partition changed or disappeared are touched. New
// partitions are appended separately with appendMetadata.
func (collection *Collection) syncMetadata(txn kv.Transaction, directory partition.Directory) error {
	entries, err := collection.readMetadataEntries(txn)

	if err != nil {
		return err
	}

	dictionary, err := collection.metadata(txn)

	if err != nil {
		return err
	}

	for _, entry := range entries {
		i, err := directory.IndexOf(entry.ID)

		if err != nil {
			if err := dictionary.Remove(entry.key); err != nil {
				return fmt.Errorf("could not remove metadata of partition %d: %w", entry.ID, err)
			}

			continue
		}

		p := directory.At(i)

		if keystring.Compare(p.Max, entry.Max, directory.Ordering()) == 0 {
			continue
		}

		if err := collection.putMetadata(dictionary, entry.key, p); err != nil {
			return fmt.Errorf("could not update metadata of partition %d: %w", entry.ID, err)
		}
	}

	return nil
}
