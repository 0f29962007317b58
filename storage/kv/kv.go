package kv

import (
	"fmt"
)

// UpdateMessage computes the new value of a key from its current
// value. current is nil if the key does not exist. Returning a nil
// value removes the key.
type UpdateMessage func(current []byte) ([]byte, error)

// Update applies an update message to a key. If the dictionary
// implements Updater the update is delegated to it. Otherwise
// it falls back to a Get followed by an Insert.
func Update(dictionary Dictionary, key []byte, message UpdateMessage) error {
	if updater, ok := dictionary.(Updater); ok {
		return updater.Update(key, message)
	}

	current, err := dictionary.Get(key)

	if err != nil {
		return fmt.Errorf("could not read current value: %w", err)
	}

	if current != nil {
		current = append([]byte{}, current...)
	}

	updated, err := message(current)

	if err != nil {
		return err
	}

	if updated == nil {
		return dictionary.Remove(key)
	}

	return dictionary.Insert(key, updated, true)
}

// Compact compacts the dictionary if it supports compaction.
// Otherwise it returns ErrNotSupported.
func Compact(dictionary Dictionary) error {
	if compacter, ok := dictionary.(Compacter); ok {
		return compacter.Compact()
	}

	return ErrNotSupported
}

// KV is a key-value pair
type KV [2][]byte

// Key returns the key
func (kv KV) Key() []byte {
	return kv[0]
}

// Value returns the value
func (kv KV) Value() []byte {
	return kv[1]
}

// Entries drains up to limit key-value pairs from the cursor.
// Keys and values are copied. limit <= 0 means no limit.
func Entries(cursor Cursor, limit int) ([]KV, error) {
	entries := []KV{}

	for ; cursor.OK() && (limit <= 0 || len(entries) < limit); cursor.Advance() {
		entries = append(entries, KV{
			append([]byte{}, cursor.Key()...),
			append([]byte{}, cursor.Value()...),
		})
	}

	if err := cursor.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}
