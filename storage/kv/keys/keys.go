// Package keys contains helpers for building and comparing
// binary dictionary keys.
package keys

import (
	"bytes"
	"encoding/binary"
)

// Uint64ToKey constructs a key from a
// uint64. Keys built this way sort the
// same way as the integers they encode.
func Uint64ToKey(i uint64) []byte {
	k := make([]byte, 8)

	binary.BigEndian.PutUint64(k, i)

	return k
}

// KeyToUint64 decodes a key built by Uint64ToKey.
// It returns false if the key is not 8 bytes long.
func KeyToUint64(k []byte) (uint64, bool) {
	if len(k) != 8 {
		return 0, false
	}

	return binary.BigEndian.Uint64(k), true
}

// Compare compares two keys
// -1 means a < b
// 1 means a > b
// 0 means a = b
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Inc returns the smallest key greater than every
// key with the prefix key. It returns nil if no such
// key exists.
func Inc(key []byte) []byte {
	carry := true
	after := make([]byte, len(key))

	copy(after, key)

	for i := len(after) - 1; i >= 0 && carry; i-- {
		if key[i] < 0xff {
			carry = false
		}

		after[i] = key[i] + 1
	}

	// carry will only be true if all elements of k
	// were equal to 0xff. The range should just go
	// all the way to the end of the real key range.
	if carry {
		return nil
	}

	return after
}
