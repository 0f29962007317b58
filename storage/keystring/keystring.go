// Package keystring implements an order-preserving binary encoding
// for structured keys. Two tuples encoded with the same ordering
// compare with bytes.Compare exactly the way they compare field by
// field. Encodings are self-delimiting, so a fixed-width suffix such
// as a record id can be appended without disturbing the order.
package keystring

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Direction is the sort direction of one key field
type Direction int

const (
	// Ascending sorts a field from low to high
	Ascending Direction = 1
	// Descending sorts a field from high to low
	Descending Direction = -1
)

// Ordering lists the direction of each field in a key
type Ordering []Direction

// Field is one component of a key pattern
type Field struct {
	Path      string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Pattern is an ordered list of fields with directions that defines
// how a key is projected from a document and compared.
type Pattern []Field

// DefaultPattern is the pattern used when none is specified: the
// implicit identity field in ascending order.
func DefaultPattern() Pattern {
	return Pattern{{Path: "_id", Direction: Ascending}}
}

// IsDefault returns true if the pattern is the default pattern
func (pattern Pattern) IsDefault() bool {
	return len(pattern) == 1 && pattern[0].Path == "_id" && pattern[0].Direction == Ascending
}

// Ordering returns the ordering of this pattern
func (pattern Pattern) Ordering() Ordering {
	ordering := make(Ordering, len(pattern))

	for i, field := range pattern {
		ordering[i] = field.Direction
	}

	return ordering
}

// Validate ensures the pattern is usable
func (pattern Pattern) Validate() error {
	if len(pattern) == 0 {
		return fmt.Errorf("pattern must have at least one field")
	}

	seen := map[string]bool{}

	for _, field := range pattern {
		if field.Path == "" {
			return fmt.Errorf("pattern field names must not be empty")
		}

		if field.Direction != Ascending && field.Direction != Descending {
			return fmt.Errorf("field %s has invalid direction %d", field.Path, field.Direction)
		}

		if seen[field.Path] {
			return fmt.Errorf("field %s appears more than once", field.Path)
		}

		seen[field.Path] = true
	}

	return nil
}

// UpperBound returns the open upper bound for keys with this ordering:
// MaxKey for ascending fields and MinKey for descending fields. It
// compares greater than or equal to every other key.
func UpperBound(ordering Ordering) Tuple {
	tuple := make(Tuple, len(ordering))

	for i, direction := range ordering {
		if direction == Descending {
			tuple[i] = MinKey()
		} else {
			tuple[i] = MaxKey()
		}
	}

	return tuple
}

const (
	stringEscape     byte = 0xff
	stringTerminator byte = 0x01
)

// Encode encodes a tuple. The tuple must have exactly one value
// per field of the ordering.
func Encode(tuple Tuple, ordering Ordering) ([]byte, error) {
	return AppendEncoded(nil, tuple, ordering)
}

// MustEncode is like Encode but panics on error. It is meant for
// tuples that are known to be valid such as bounds that were already
// validated.
func MustEncode(tuple Tuple, ordering Ordering) []byte {
	encoded, err := Encode(tuple, ordering)

	if err != nil {
		panic(err)
	}

	return encoded
}

// AppendEncoded appends the encoding of tuple to dst
func AppendEncoded(dst []byte, tuple Tuple, ordering Ordering) ([]byte, error) {
	if len(tuple) != len(ordering) {
		return nil, fmt.Errorf("tuple has %d fields but ordering has %d", len(tuple), len(ordering))
	}

	for i, value := range tuple {
		start := len(dst)

		var err error

		if dst, err = appendValue(dst, value); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}

		if ordering[i] == Descending {
			invert(dst[start:])
		}
	}

	return dst, nil
}

func appendValue(dst []byte, value Value) ([]byte, error) {
	switch value.Kind {
	case KindMinKey, KindNull, KindMaxKey:
		return append(dst, byte(value.Kind)), nil
	case KindNumber:
		if math.IsNaN(value.Number) {
			return nil, fmt.Errorf("NaN: %w", ErrUnsupportedValue)
		}

		var b [8]byte

		binary.BigEndian.PutUint64(b[:], orderedFloatBits(value.Number))

		return append(append(dst, byte(KindNumber)), b[:]...), nil
	case KindString:
		dst = append(dst, byte(KindString))

		for i := 0; i < len(value.String); i++ {
			if value.String[i] == 0 {
				dst = append(dst, 0, stringEscape)
			} else {
				dst = append(dst, value.String[i])
			}
		}

		return append(dst, 0, stringTerminator), nil
	case KindBool:
		if value.Bool {
			return append(dst, byte(KindBool), 1), nil
		}

		return append(dst, byte(KindBool), 0), nil
	}

	return nil, fmt.Errorf("kind %s: %w", value.Kind, ErrUnsupportedValue)
}

func orderedFloatBits(f float64) uint64 {
	if f == 0 {
		// -0 and +0 are the same key
		f = 0
	}

	bits := math.Float64bits(f)

	if bits&(1<<63) != 0 {
		return ^bits
	}

	return bits | (1 << 63)
}

func floatFromOrderedBits(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		return math.Float64frombits(bits &^ (1 << 63))
	}

	return math.Float64frombits(^bits)
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// Decode decodes a tuple with the given ordering from the front of
// data. It returns the tuple and the number of bytes consumed.
func Decode(data []byte, ordering Ordering) (Tuple, int, error) {
	tuple := make(Tuple, len(ordering))
	offset := 0

	for i, direction := range ordering {
		value, n, err := decodeValue(data[offset:], direction == Descending)

		if err != nil {
			return nil, 0, fmt.Errorf("field %d: %w", i, err)
		}

		tuple[i] = value
		offset += n
	}

	return tuple, offset, nil
}

func decodeValue(data []byte, inverted bool) (Value, int, error) {
	at := func(i int) byte {
		if inverted {
			return ^data[i]
		}

		return data[i]
	}

	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("missing type tag: %w", ErrMalformedKey)
	}

	switch kind := Kind(at(0)); kind {
	case KindMinKey, KindNull, KindMaxKey:
		return Value{Kind: kind}, 1, nil
	case KindNumber:
		if len(data) < 9 {
			return Value{}, 0, fmt.Errorf("truncated number: %w", ErrMalformedKey)
		}

		var b [8]byte

		for i := range b {
			b[i] = at(i + 1)
		}

		return Number(floatFromOrderedBits(binary.BigEndian.Uint64(b[:]))), 9, nil
	case KindString:
		var s bytes.Buffer

		for i := 1; i < len(data); i++ {
			if at(i) != 0 {
				s.WriteByte(at(i))

				continue
			}

			if i+1 >= len(data) {
				break
			}

			switch at(i + 1) {
			case stringTerminator:
				return String(s.String()), i + 2, nil
			case stringEscape:
				s.WriteByte(0)
				i++
			default:
				return Value{}, 0, fmt.Errorf("bad string escape %#x: %w", at(i+1), ErrMalformedKey)
			}
		}

		return Value{}, 0, fmt.Errorf("unterminated string: %w", ErrMalformedKey)
	case KindBool:
		if len(data) < 2 {
			return Value{}, 0, fmt.Errorf("truncated bool: %w", ErrMalformedKey)
		}

		return Bool(at(1) != 0), 2, nil
	default:
		return Value{}, 0, fmt.Errorf("unknown type tag %#x: %w", byte(kind), ErrMalformedKey)
	}
}

// Compare compares two tuples under the ordering.
// -1 means a < b
// 1 means a > b
// 0 means a = b
func Compare(a, b Tuple, ordering Ordering) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		c := compareValues(a[i], b[i])

		if i < len(ordering) && ordering[i] == Descending {
			c = -c
		}

		if c != 0 {
			return c
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}

	return 0
}

func compareValues(a, b Value) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}

		return 1
	}

	switch a.Kind {
	case KindNumber:
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
	case KindString:
		return strings.Compare(a.String, b.String)
	case KindBool:
		switch {
		case !a.Bool && b.Bool:
			return -1
		case a.Bool && !b.Bool:
			return 1
		}
	}

	return 0
}
