package kv

import (
	"bytes"
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/jrife/strata/storage/keystring"
)

// EncodingKind says what a dictionary stores
type EncodingKind string

const (
	// RecordStoreEncoding dictionaries map RecordIDs to records
	RecordStoreEncoding EncodingKind = "recordStore"
	// IndexEncoding dictionaries map (index key, RecordID) pairs to
	// empty values
	IndexEncoding EncodingKind = "index"
	// MetadataEncoding dictionaries hold catalog entries under
	// arbitrary keys
	MetadataEncoding EncodingKind = "metadata"
)

// Encoding describes how the keys of a dictionary are structured.
// Keys always compare with bytes.Compare: record store keys are encoded
// RecordIDs and index keys are order-preserving keystring encodings
// followed by an encoded RecordID. An Encoding is immutable and is
// persisted next to the dictionary it describes.
type Encoding struct {
	Kind     EncodingKind       `json:"kind"`
	Ordering keystring.Ordering `json:"ordering,omitempty"`
}

// ForRecordStore returns the encoding for record store dictionaries
func ForRecordStore() Encoding {
	return Encoding{Kind: RecordStoreEncoding}
}

// ForIndex returns the encoding for an index dictionary whose
// keys are ordered with ordering
func ForIndex(ordering keystring.Ordering) Encoding {
	o := make(keystring.Ordering, len(ordering))
	copy(o, ordering)

	return Encoding{Kind: IndexEncoding, Ordering: o}
}

// ForMetadata returns the encoding for catalog dictionaries
func ForMetadata() Encoding {
	return Encoding{Kind: MetadataEncoding}
}

// IsIndex returns true if this is an index encoding
func (encoding Encoding) IsIndex() bool {
	return encoding.Kind == IndexEncoding
}

// Equal returns true if both encodings are the same
func (encoding Encoding) Equal(other Encoding) bool {
	if encoding.Kind != other.Kind || len(encoding.Ordering) != len(other.Ordering) {
		return false
	}

	for i := range encoding.Ordering {
		if encoding.Ordering[i] != other.Ordering[i] {
			return false
		}
	}

	return true
}

// Compare compares two keys of a dictionary with this encoding
func (encoding Encoding) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// IndexKey builds the dictionary key for an index entry
func (encoding Encoding) IndexKey(key keystring.Tuple, id RecordID) ([]byte, error) {
	if !encoding.IsIndex() {
		return nil, fmt.Errorf("%s dictionaries have no index keys", encoding.Kind)
	}

	k, err := keystring.AppendEncoded(make([]byte, 0, 32), key, encoding.Ordering)

	if err != nil {
		return nil, err
	}

	return append(k, id.Key()...), nil
}

// ExtractKey returns the structured key of an entry. For record
// stores this is the (partition, position) pair of its RecordID.
func (encoding Encoding) ExtractKey(key, value []byte) (keystring.Tuple, error) {
	if encoding.Kind == MetadataEncoding {
		return nil, fmt.Errorf("%s dictionaries have no structured keys", encoding.Kind)
	}

	if !encoding.IsIndex() {
		id, err := ParseRecordID(key)

		if err != nil {
			return nil, err
		}

		return keystring.Tuple{keystring.Number(float64(id.Partition)), keystring.Number(float64(id.Position))}, nil
	}

	if len(key) < RecordIDSize {
		return nil, fmt.Errorf("index key is too short: %d bytes", len(key))
	}

	tuple, n, err := keystring.Decode(key[:len(key)-RecordIDSize], encoding.Ordering)

	if err != nil {
		return nil, err
	}

	if n != len(key)-RecordIDSize {
		return nil, fmt.Errorf("index key has %d trailing bytes", len(key)-RecordIDSize-n)
	}

	return tuple, nil
}

// ExtractRecordID returns the RecordID embedded in a key
func (encoding Encoding) ExtractRecordID(key []byte) (RecordID, error) {
	if encoding.Kind == MetadataEncoding {
		return RecordID{}, fmt.Errorf("%s dictionaries have no record ids", encoding.Kind)
	}

	if !encoding.IsIndex() {
		return ParseRecordID(key)
	}

	if len(key) < RecordIDSize {
		return RecordID{}, fmt.Errorf("index key is too short: %d bytes", len(key))
	}

	return ParseRecordID(key[len(key)-RecordIDSize:])
}

// Serialize encodes this encoding so an engine can store it
// with the dictionary
func (encoding Encoding) Serialize() ([]byte, error) {
	return json.Marshal(encoding, json.Deterministic(true))
}

// ParseEncoding decodes an encoding produced by Serialize
func ParseEncoding(data []byte) (Encoding, error) {
	var encoding Encoding

	if err := json.Unmarshal(data, &encoding); err != nil {
		return Encoding{}, fmt.Errorf("could not parse encoding: %w", err)
	}

	switch encoding.Kind {
	case RecordStoreEncoding, MetadataEncoding:
		if len(encoding.Ordering) != 0 {
			return Encoding{}, fmt.Errorf("%s encodings have no ordering", encoding.Kind)
		}
	case IndexEncoding:
		if len(encoding.Ordering) == 0 {
			return Encoding{}, fmt.Errorf("index encodings need an ordering")
		}
	default:
		return Encoding{}, fmt.Errorf("unknown encoding kind %q", encoding.Kind)
	}

	return encoding, nil
}
