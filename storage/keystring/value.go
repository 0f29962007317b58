package keystring

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-json-experiment/json"
)

var (
	// ErrUnsupportedValue indicates that a value cannot be part of a key.
	// Only scalars (null, numbers, strings, booleans) and the MinKey/MaxKey
	// sentinels may appear in keys.
	ErrUnsupportedValue = errors.New("value cannot be used in a key")
	// ErrMalformedKey indicates that an encoded key could not be decoded
	ErrMalformedKey = errors.New("malformed key")
)

// Kind is the type of a key value. Kinds are listed in
// their sort order.
type Kind byte

const (
	// KindMinKey sorts before every other value
	KindMinKey Kind = 0x0a
	// KindNull is the null value. Missing fields are projected as null.
	KindNull Kind = 0x14
	// KindNumber is a float64
	KindNumber Kind = 0x1e
	// KindString is a UTF-8 string
	KindString Kind = 0x28
	// KindBool is a boolean
	KindBool Kind = 0x32
	// KindMaxKey sorts after every other value
	KindMaxKey Kind = 0xf0
)

func (kind Kind) String() string {
	switch kind {
	case KindMinKey:
		return "minKey"
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindMaxKey:
		return "maxKey"
	}

	return fmt.Sprintf("Kind(%#x)", byte(kind))
}

// Value is a single component of a structured key
type Value struct {
	Kind   Kind
	Number float64
	String string
	Bool   bool
}

// MinKey returns the MinKey sentinel
func MinKey() Value {
	return Value{Kind: KindMinKey}
}

// MaxKey returns the MaxKey sentinel
func MaxKey() Value {
	return Value{Kind: KindMaxKey}
}

// Null returns the null value
func Null() Value {
	return Value{Kind: KindNull}
}

// Number returns a numeric value
func Number(n float64) Value {
	return Value{Kind: KindNumber, Number: n}
}

// String returns a string value
func String(s string) Value {
	return Value{Kind: KindString, String: s}
}

// Bool returns a boolean value
func Bool(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// FromInterface converts a decoded document value into a key value.
// Objects of the form {"$minKey":1} and {"$maxKey":1} are
// converted to the MinKey and MaxKey sentinels.
func FromInterface(v interface{}) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case float64:
		if math.IsNaN(v) {
			return Value{}, fmt.Errorf("NaN: %w", ErrUnsupportedValue)
		}

		return Number(v), nil
	case float32:
		return FromInterface(float64(v))
	case int:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint32:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	case map[string]interface{}:
		if len(v) == 1 {
			if _, ok := v["$minKey"]; ok {
				return MinKey(), nil
			}

			if _, ok := v["$maxKey"]; ok {
				return MaxKey(), nil
			}
		}
	}

	return Value{}, fmt.Errorf("%T: %w", v, ErrUnsupportedValue)
}

// Interface converts the value back into its document form
func (value Value) Interface() interface{} {
	switch value.Kind {
	case KindMinKey:
		return map[string]interface{}{"$minKey": 1}
	case KindMaxKey:
		return map[string]interface{}{"$maxKey": 1}
	case KindNumber:
		return value.Number
	case KindString:
		return value.String
	case KindBool:
		return value.Bool
	}

	return nil
}

// MarshalJSON encodes the value in its document form
func (value Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(value.Interface(), json.Deterministic(true))
}

// UnmarshalJSON decodes a value from its document form
func (value *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	v, err := FromInterface(raw)

	if err != nil {
		return err
	}

	*value = v

	return nil
}

// Display returns a human readable form of the value
func (value Value) Display() string {
	switch value.Kind {
	case KindMinKey:
		return "MinKey"
	case KindMaxKey:
		return "MaxKey"
	case KindNull:
		return "null"
	case KindNumber:
		return fmt.Sprintf("%v", value.Number)
	case KindString:
		return fmt.Sprintf("%q", value.String)
	case KindBool:
		return fmt.Sprintf("%t", value.Bool)
	}

	return value.Kind.String()
}

// Tuple is an ordered list of key values. It is the structured
// form of a primary key or an index key.
type Tuple []Value

// String implements fmt.Stringer
func (tuple Tuple) String() string {
	parts := make([]string, len(tuple))

	for i, value := range tuple {
		parts[i] = value.Display()
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

// TupleFromInterfaces converts a list of document values into a tuple
func TupleFromInterfaces(values []interface{}) (Tuple, error) {
	tuple := make(Tuple, len(values))

	for i, raw := range values {
		value, err := FromInterface(raw)

		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}

		tuple[i] = value
	}

	return tuple, nil
}

// MarshalJSON encodes the tuple as an array of document values
func (tuple Tuple) MarshalJSON() ([]byte, error) {
	return json.Marshal(tuple.Interfaces(), json.Deterministic(true))
}

// UnmarshalJSON decodes a tuple from an array of document values
func (tuple *Tuple) UnmarshalJSON(data []byte) error {
	var raw []interface{}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t, err := TupleFromInterfaces(raw)

	if err != nil {
		return err
	}

	*tuple = t

	return nil
}

// Interfaces converts the tuple into a list of document values
func (tuple Tuple) Interfaces() []interface{} {
	values := make([]interface{}, len(tuple))

	for i, value := range tuple {
		values[i] = value.Interface()
	}

	return values
}
