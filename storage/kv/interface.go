package kv

import (
	"errors"
)

var (
	// ErrClosed indicates that the root store was closed
	ErrClosed = errors.New("root store was closed")
	// ErrNoSuchDictionary indicates that the dictionary doesn't exist. Either it hasn't been created or was dropped
	ErrNoSuchDictionary = errors.New("dictionary does not exist")
	// ErrDictionaryExists indicates that a dictionary with that name already exists
	ErrDictionaryExists = errors.New("dictionary already exists")
	// ErrDuplicateKey indicates that an insert without overwrite found the key already present
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrReadOnly indicates that a write was attempted in a read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrTxClosed indicates that the transaction was already committed or rolled back
	ErrTxClosed = errors.New("transaction is closed")
	// ErrEmptyKey indicates that a nil or empty key was supplied
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrNilValue indicates that a nil value was supplied
	ErrNilValue = errors.New("value must not be nil")
	// ErrNotSupported indicates that the dictionary does not support an optional operation
	ErrNotSupported = errors.New("operation not supported")
)

// PluginOptions is a generic structure to pass
// configuration to a storage plugin
type PluginOptions map[string]interface{}

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewRootStore returns an instance of the plugin store
	NewRootStore(options PluginOptions) (RootStore, error)
	// NewTempRootStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it
	NewTempRootStore() (RootStore, error)
}

// RootStore is a set of named dictionaries that are read and
// written through transactions.
type RootStore interface {
	// Begin starts a transaction. writable should be
	// true for read-write transactions and false for read-only transactions.
	// At most one writable transaction may be open at a time; Begin(true)
	// blocks until any other writable transaction commits or rolls back.
	// It must return ErrClosed if its invocation starts after Close() returns.
	Begin(writable bool) (Transaction, error)
	// DropDictionary drops a dictionary in its own transaction. It has
	// no effect if the dictionary does not exist. It is meant to be
	// invoked from a commit handler to physically remove a dictionary
	// once the transaction that unlinked it is durable.
	DropDictionary(name string) error
	// Close closes the store. Close must not return until all
	// transactions have either rolled back or committed.
	Close() error
	// Delete closes then deletes this store and all its contents.
	// If the root store doesn't exist it should return nil and have
	// no effect.
	Delete() error
}

// Transaction is the unit of atomicity for all dictionaries of a
// root store. It observes its own writes immediately and never observes
// the uncommitted writes of other transactions. It must only be used
// by one goroutine at a time.
type Transaction interface {
	// Writable returns true if this is a read-write transaction
	Writable() bool
	// CreateDictionary creates a dictionary with this encoding. It
	// returns ErrDictionaryExists if the name is taken. The encoding
	// is persisted with the dictionary.
	CreateDictionary(name string, encoding Encoding) (Dictionary, error)
	// DropDictionary drops a dictionary and its contents as part of this
	// transaction. It returns ErrNoSuchDictionary if it does not exist.
	DropDictionary(name string) error
	// Dictionary returns a handle for the named dictionary. It returns
	// ErrNoSuchDictionary if the dictionary does not exist.
	Dictionary(name string) (Dictionary, error)
	// Dictionaries lists the names of all dictionaries in ascending
	// lexicographical order.
	Dictionaries() ([]string, error)
	// OnCommit registers a function that runs after the transaction
	// commits successfully. Handlers run in registration order after
	// every lock held by the transaction has been released, so a handler
	// may begin new transactions.
	OnCommit(fn func())
	// OnRollback registers a function that runs after a writable
	// transaction is rolled back, including when Commit fails.
	OnRollback(fn func())
	// Commit commits the transaction. Committing a read-only transaction
	// simply releases it.
	Commit() error
	// Rollback rolls back the transaction. Calling Rollback after the
	// transaction was already committed or rolled back has no effect,
	// so it is safe to defer.
	Rollback() error
}

// Stats describes the size of a dictionary
type Stats struct {
	// NumKeys is the number of keys in the dictionary
	NumKeys int64
	// DataSize is the logical size of the keys and values in bytes
	DataSize int64
	// StorageSize is the physical space used by the dictionary in bytes
	StorageSize int64
}

// Dictionary is a sorted map from binary keys to binary values.
// Keys are ordered with the comparator of the dictionary's encoding.
// A dictionary handle is only valid inside the transaction it came from.
type Dictionary interface {
	// Name returns the name of this dictionary
	Name() string
	// Encoding returns the encoding of this dictionary
	Encoding() Encoding
	// Get gets a key. It must observe updates to that key made
	// previously by this transaction. It returns nil if the key does
	// not exist; that is not an error. The returned slice is only
	// valid for the life of the transaction.
	Get(key []byte) ([]byte, error)
	// Insert puts a key. If overwrite is false and the key already
	// exists it returns ErrDuplicateKey and has no effect.
	Insert(key, value []byte, overwrite bool) error
	// Remove deletes a key. If the key doesn't exist it has no effect
	// and returns nil.
	Remove(key []byte) error
	// Cursor creates a cursor positioned at start. If start is nil
	// it is positioned at the first key for Forward cursors or the last
	// key for Backward cursors. Otherwise it is positioned as if Seek(start)
	// were called.
	Cursor(start []byte, direction Direction) (Cursor, error)
	// NextSequence returns a new unique number for this dictionary.
	// Sequences start at 1. A number allocated by a committed transaction
	// is never returned again, even after the key it was used for is removed.
	NextSequence() (uint64, error)
	// Stats returns size statistics for this dictionary
	Stats() (Stats, error)
}

// Direction is the direction a cursor moves in
type Direction int

const (
	// Forward cursors visit keys in ascending order
	Forward Direction = iota
	// Backward cursors visit keys in descending order
	Backward
)

// String implements fmt.Stringer
func (direction Direction) String() string {
	if direction == Backward {
		return "backward"
	}

	return "forward"
}

// Cursor walks the keys of a dictionary in one direction.
// It must only be used by one goroutine at a time. Keys and values
// returned by a cursor are only valid until the next call to Seek
// or Advance. A cursor that is not OK is exhausted; reading it or
// advancing it panics.
type Cursor interface {
	// OK returns true if the cursor points at a key
	OK() bool
	// Seek repositions the cursor. On an exact match it lands on key.
	// Otherwise it lands on the first key greater than key for Forward
	// cursors or the first key less than key for Backward cursors.
	Seek(key []byte)
	// Advance moves to the next key in the cursor's direction
	Advance()
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns the error, if any. A cursor that encounters an error
	// stops being OK.
	Error() error
	// Close releases resources held by this cursor
	Close()
}

// Updater may be implemented by dictionaries that can apply an
// update message in place more efficiently than a get followed by
// an insert.
type Updater interface {
	Update(key []byte, message UpdateMessage) error
}

// Compacter may be implemented by dictionaries that support
// compaction.
type Compacter interface {
	Compact() error
}
