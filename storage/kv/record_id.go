package kv

import (
	"bytes"
	"fmt"

	"github.com/jrife/strata/storage/kv/keys"
)

// RecordIDSize is the size in bytes of an encoded RecordID
const RecordIDSize = 16

// RecordID identifies a record. It embeds the id of the partition
// that owns the record so a record can be routed to its partition
// without any key comparisons. RecordIDs are ordered by partition
// then position. The zero RecordID is null and never identifies a record.
type RecordID struct {
	Partition int64
	Position  int64
}

// IsNull returns true if this is the null RecordID
func (id RecordID) IsNull() bool {
	return id == RecordID{}
}

// Key encodes the RecordID. Encoded RecordIDs compare with
// bytes.Compare the same way the RecordIDs compare.
func (id RecordID) Key() []byte {
	key := make([]byte, 0, RecordIDSize)
	key = append(key, keys.Uint64ToKey(uint64(id.Partition))...)
	key = append(key, keys.Uint64ToKey(uint64(id.Position))...)

	return key
}

// Compare compares two RecordIDs
// -1 means a < b
// 1 means a > b
// 0 means a = b
func (id RecordID) Compare(other RecordID) int {
	return bytes.Compare(id.Key(), other.Key())
}

// String implements fmt.Stringer
func (id RecordID) String() string {
	return fmt.Sprintf("RecordID(%d, %d)", id.Partition, id.Position)
}

// ParseRecordID decodes a RecordID encoded by RecordID.Key
func ParseRecordID(key []byte) (RecordID, error) {
	if len(key) != RecordIDSize {
		return RecordID{}, fmt.Errorf("record id must be %d bytes, got %d", RecordIDSize, len(key))
	}

	partition, _ := keys.KeyToUint64(key[:8])
	position, _ := keys.KeyToUint64(key[8:])

	return RecordID{Partition: int64(partition), Position: int64(position)}, nil
}
