package bbolt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jrife/strata/storage/kv"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName is the name of this plugin
	DriverName = "bbolt"
)

var (
	dictionariesBucket = []byte("dictionaries")
	encodingsBucket    = []byte("encodings")
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

var _ kv.Plugin = (*BBoltPlugin)(nil)

// BBoltPlugin creates root stores backed by a bbolt database file
type BBoltPlugin struct {
}

// Name implements Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

// NewRootStore implements Plugin.NewRootStore
func (plugin *BBoltPlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	var config BBoltRootStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	if noSync, ok := options["noSync"]; ok {
		if noSyncBool, ok := noSync.(bool); !ok {
			return nil, fmt.Errorf("\"noSync\" must be a bool")
		} else {
			config.NoSync = noSyncBool
		}
	}

	store, err := New(config)

	if err != nil {
		return nil, err
	}

	return store, nil
}

// NewTempRootStore implements Plugin.NewTempRootStore
func (plugin *BBoltPlugin) NewTempRootStore() (kv.RootStore, error) {
	return plugin.NewRootStore(kv.PluginOptions{
		"path":   filepath.Join(os.TempDir(), fmt.Sprintf("bbolt-%s", uuid.New().String())),
		"noSync": true,
	})
}

// BBoltRootStoreConfig configures a bbolt root store
type BBoltRootStoreConfig struct {
	// Path is the path of the database file
	Path string
	// NoSync skips fsync after each commit. It is meant for tests.
	NoSync bool
}

var _ kv.RootStore = (*BBoltRootStore)(nil)

// New opens a bbolt root store at the configured path
func New(config BBoltRootStoreConfig) (*BBoltRootStore, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", config.Path, err.Error())
	}

	db.NoSync = config.NoSync

	if err := db.Update(func(txn *bolt.Tx) error {
		if _, err := txn.CreateBucketIfNotExists(dictionariesBucket); err != nil {
			return err
		}

		_, err := txn.CreateBucketIfNotExists(encodingsBucket)

		return err
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not ensure root buckets exist: %s", err.Error())
	}

	return &BBoltRootStore{db: db}, nil
}

// BBoltRootStore is a root store backed by a bbolt database.
// Every dictionary is a bucket nested inside the dictionaries bucket.
type BBoltRootStore struct {
	db     *bolt.DB
	mu     sync.RWMutex
	closed bool
}

// Begin implements RootStore.Begin
func (store *BBoltRootStore) Begin(writable bool) (kv.Transaction, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if store.closed {
		return nil, kv.ErrClosed
	}

	transaction, err := store.db.Begin(writable)

	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return nil, kv.ErrClosed
		}

		return nil, fmt.Errorf("could not begin transaction: %s", err.Error())
	}

	return &BBoltTransaction{transaction: transaction}, nil
}

// DropDictionary implements RootStore.DropDictionary
func (store *BBoltRootStore) DropDictionary(name string) error {
	txn, err := store.Begin(true)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	if err := txn.DropDictionary(name); err != nil && !errors.Is(err, kv.ErrNoSuchDictionary) {
		return err
	}

	return txn.Commit()
}

// Close implements RootStore.Close
func (store *BBoltRootStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	return store.db.Close()
}

// Delete implements RootStore.Delete
func (store *BBoltRootStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err.Error())
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", path, err.Error())
	}

	return nil
}

var _ kv.Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction wraps a bbolt transaction. bbolt runs commit
// handlers itself. Rollback handlers are tracked here.
type BBoltTransaction struct {
	transaction      *bolt.Tx
	rollbackHandlers []func()
	done             bool
}

func (transaction *BBoltTransaction) dictionaries() *bolt.Bucket {
	return transaction.transaction.Bucket(dictionariesBucket)
}

func (transaction *BBoltTransaction) encodings() *bolt.Bucket {
	return transaction.transaction.Bucket(encodingsBucket)
}

func (transaction *BBoltTransaction) checkWritable() error {
	if transaction.done {
		return kv.ErrTxClosed
	}

	if !transaction.transaction.Writable() {
		return kv.ErrReadOnly
	}

	return nil
}

// Writable implements Transaction.Writable
func (transaction *BBoltTransaction) Writable() bool {
	return transaction.transaction.Writable()
}

// CreateDictionary implements Transaction.CreateDictionary
func (transaction *BBoltTransaction) CreateDictionary(name string, encoding kv.Encoding) (kv.Dictionary, error) {
	if err := transaction.checkWritable(); err != nil {
		return nil, err
	}

	if name == "" {
		return nil, fmt.Errorf("dictionary name must not be empty")
	}

	serializedEncoding, err := encoding.Serialize()

	if err != nil {
		return nil, fmt.Errorf("could not serialize encoding: %s", err)
	}

	bucket, err := transaction.dictionaries().CreateBucket([]byte(name))

	if err != nil {
		if errors.Is(err, bolt.ErrBucketExists) {
			return nil, kv.ErrDictionaryExists
		}

		return nil, fmt.Errorf("could not create bucket for dictionary %s: %s", name, err)
	}

	if err := transaction.encodings().Put([]byte(name), serializedEncoding); err != nil {
		return nil, fmt.Errorf("could not store encoding for dictionary %s: %s", name, err)
	}

	return &BBoltDictionary{name: name, encoding: encoding, bucket: bucket}, nil
}

// DropDictionary implements Transaction.DropDictionary
func (transaction *BBoltTransaction) DropDictionary(name string) error {
	if err := transaction.checkWritable(); err != nil {
		return err
	}

	if err := transaction.dictionaries().DeleteBucket([]byte(name)); err != nil {
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return kv.ErrNoSuchDictionary
		}

		return fmt.Errorf("could not delete bucket for dictionary %s: %s", name, err)
	}

	if err := transaction.encodings().Delete([]byte(name)); err != nil {
		return fmt.Errorf("could not delete encoding for dictionary %s: %s", name, err)
	}

	return nil
}

// Dictionary implements Transaction.Dictionary
func (transaction *BBoltTransaction) Dictionary(name string) (kv.Dictionary, error) {
	if transaction.done {
		return nil, kv.ErrTxClosed
	}

	bucket := transaction.dictionaries().Bucket([]byte(name))

	if bucket == nil {
		return nil, kv.ErrNoSuchDictionary
	}

	encoding, err := kv.ParseEncoding(transaction.encodings().Get([]byte(name)))

	if err != nil {
		return nil, fmt.Errorf("could not load encoding for dictionary %s: %s", name, err)
	}

	return &BBoltDictionary{name: name, encoding: encoding, bucket: bucket}, nil
}

// Dictionaries implements Transaction.Dictionaries
func (transaction *BBoltTransaction) Dictionaries() ([]string, error) {
	if transaction.done {
		return nil, kv.ErrTxClosed
	}

	names := []string{}
	cursor := transaction.dictionaries().Cursor()

	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		if v == nil {
			names = append(names, string(k))
		}
	}

	return names, nil
}

// OnCommit implements Transaction.OnCommit
func (transaction *BBoltTransaction) OnCommit(fn func()) {
	transaction.transaction.OnCommit(fn)
}

// OnRollback implements Transaction.OnRollback
func (transaction *BBoltTransaction) OnRollback(fn func()) {
	transaction.rollbackHandlers = append(transaction.rollbackHandlers, fn)
}

// Commit implements Transaction.Commit
func (transaction *BBoltTransaction) Commit() error {
	if transaction.done {
		return kv.ErrTxClosed
	}

	if !transaction.transaction.Writable() {
		transaction.done = true

		return transaction.transaction.Rollback()
	}

	transaction.done = true

	if err := transaction.transaction.Commit(); err != nil {
		// bbolt rolls back the transaction when commit fails
		transaction.runRollbackHandlers()

		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}

// Rollback implements Transaction.Rollback
func (transaction *BBoltTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true

	if err := transaction.transaction.Rollback(); err != nil {
		return err
	}

	if transaction.transaction.Writable() {
		transaction.runRollbackHandlers()
	}

	return nil
}

func (transaction *BBoltTransaction) runRollbackHandlers() {
	for _, fn := range transaction.rollbackHandlers {
		fn()
	}
}

var _ kv.Dictionary = (*BBoltDictionary)(nil)

// BBoltDictionary is a dictionary stored in a bbolt bucket
type BBoltDictionary struct {
	name     string
	encoding kv.Encoding
	bucket   *bolt.Bucket
}

// Name implements Dictionary.Name
func (dictionary *BBoltDictionary) Name() string {
	return dictionary.name
}

// Encoding implements Dictionary.Encoding
func (dictionary *BBoltDictionary) Encoding() kv.Encoding {
	return dictionary.encoding
}

// Get implements Dictionary.Get
func (dictionary *BBoltDictionary) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	return dictionary.bucket.Get(key), nil
}

// Insert implements Dictionary.Insert
func (dictionary *BBoltDictionary) Insert(key, value []byte, overwrite bool) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if value == nil {
		return kv.ErrNilValue
	}

	if !dictionary.bucket.Tx().Writable() {
		return kv.ErrReadOnly
	}

	if !overwrite && dictionary.bucket.Get(key) != nil {
		return kv.ErrDuplicateKey
	}

	return dictionary.bucket.Put(key, value)
}

// Remove implements Dictionary.Remove
func (dictionary *BBoltDictionary) Remove(key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if !dictionary.bucket.Tx().Writable() {
		return kv.ErrReadOnly
	}

	return dictionary.bucket.Delete(key)
}

// Update implements Updater.Update. bbolt values are only valid
// for the life of the transaction and become invalid after Put,
// so the current value is copied before the message sees it.
func (dictionary *BBoltDictionary) Update(key []byte, message kv.UpdateMessage) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if !dictionary.bucket.Tx().Writable() {
		return kv.ErrReadOnly
	}

	var current []byte

	if v := dictionary.bucket.Get(key); v != nil {
		current = append([]byte{}, v...)
	}

	updated, err := message(current)

	if err != nil {
		return err
	}

	if updated == nil {
		return dictionary.bucket.Delete(key)
	}

	return dictionary.bucket.Put(key, updated)
}

// Cursor implements Dictionary.Cursor
func (dictionary *BBoltDictionary) Cursor(start []byte, direction kv.Direction) (kv.Cursor, error) {
	cursor := &BBoltCursor{cursor: dictionary.bucket.Cursor(), direction: direction}

	if start == nil {
		if direction == kv.Backward {
			cursor.set(cursor.cursor.Last())
		} else {
			cursor.set(cursor.cursor.First())
		}
	} else {
		cursor.Seek(start)
	}

	return cursor, nil
}

// NextSequence implements Dictionary.NextSequence
func (dictionary *BBoltDictionary) NextSequence() (uint64, error) {
	if !dictionary.bucket.Tx().Writable() {
		return 0, kv.ErrReadOnly
	}

	return dictionary.bucket.NextSequence()
}

// Stats implements Dictionary.Stats. Bucket.Stats only sees pages
// that are already written, so keys and sizes are counted with a
// cursor to include this transaction's pending writes.
func (dictionary *BBoltDictionary) Stats() (kv.Stats, error) {
	var result kv.Stats

	cursor := dictionary.bucket.Cursor()

	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		result.NumKeys++
		result.DataSize += int64(len(k) + len(v))
	}

	stats := dictionary.bucket.Stats()
	result.StorageSize = int64(stats.BranchAlloc + stats.LeafAlloc + stats.InlineBucketInuse)

	return result, nil
}

var _ kv.Cursor = (*BBoltCursor)(nil)

// BBoltCursor adapts a bbolt cursor to kv.Cursor
type BBoltCursor struct {
	cursor    *bolt.Cursor
	direction kv.Direction
	key       []byte
	value     []byte
}

func (cursor *BBoltCursor) set(key, value []byte) {
	cursor.key = key
	cursor.value = value
}

// OK implements Cursor.OK
func (cursor *BBoltCursor) OK() bool {
	return cursor.key != nil
}

// Seek implements Cursor.Seek
func (cursor *BBoltCursor) Seek(key []byte) {
	k, v := cursor.cursor.Seek(key)

	if cursor.direction == kv.Backward {
		if k == nil {
			k, v = cursor.cursor.Last()
		} else if !bytes.Equal(k, key) {
			k, v = cursor.cursor.Prev()
		}
	}

	cursor.set(k, v)
}

// Advance implements Cursor.Advance
func (cursor *BBoltCursor) Advance() {
	if !cursor.OK() {
		panic("advance called on an exhausted cursor")
	}

	if cursor.direction == kv.Backward {
		cursor.set(cursor.cursor.Prev())
	} else {
		cursor.set(cursor.cursor.Next())
	}
}

// Key implements Cursor.Key
func (cursor *BBoltCursor) Key() []byte {
	if !cursor.OK() {
		panic("key read from an exhausted cursor")
	}

	return cursor.key
}

// Value implements Cursor.Value
func (cursor *BBoltCursor) Value() []byte {
	if !cursor.OK() {
		panic("value read from an exhausted cursor")
	}

	return cursor.value
}

// Error implements Cursor.Error
func (cursor *BBoltCursor) Error() error {
	return nil
}

// Close implements Cursor.Close
func (cursor *BBoltCursor) Close() {
	cursor.set(nil, nil)
}
