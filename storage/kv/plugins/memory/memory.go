// Package memory implements an in-memory kv plugin on top of
// copy-on-write b-trees. Each transaction works on lazy clones of
// the committed trees, so readers see a stable snapshot and a rolled
// back writer simply discards its clones.
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/jrife/strata/storage/kv"
)

const (
	// DriverName is the name of this plugin
	DriverName = "memory"
	degree     = 32
)

// Plugins returns the plugins provided by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&MemoryPlugin{},
	}
}

var _ kv.Plugin = (*MemoryPlugin)(nil)

// MemoryPlugin creates in-memory root stores
type MemoryPlugin struct {
}

// Name implements Plugin.Name
func (plugin *MemoryPlugin) Name() string {
	return DriverName
}

// NewRootStore implements Plugin.NewRootStore. It accepts no options.
func (plugin *MemoryPlugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	return New(), nil
}

// NewTempRootStore implements Plugin.NewTempRootStore
func (plugin *MemoryPlugin) NewTempRootStore() (kv.RootStore, error) {
	return New(), nil
}

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// dictionary is the state of one dictionary as seen by a transaction
type dictionary struct {
	encoding kv.Encoding
	tree     *btree.BTreeG[item]
	sequence *uint64
	dataSize int64
}

func (d *dictionary) clone() *dictionary {
	return &dictionary{
		encoding: d.encoding,
		tree:     d.tree.Clone(),
		sequence: d.sequence,
		dataSize: d.dataSize,
	}
}

var _ kv.RootStore = (*MemoryRootStore)(nil)

// MemoryRootStore is an in-memory root store. At most one
// writable transaction runs at a time.
type MemoryRootStore struct {
	// writer is held by the open writable transaction, if any
	writer sync.Mutex
	// mu guards committed and closed
	mu           sync.Mutex
	committed    map[string]*dictionary
	transactions sync.WaitGroup
	closed       bool
}

// New creates an empty in-memory root store
func New() *MemoryRootStore {
	return &MemoryRootStore{committed: map[string]*dictionary{}}
}

// snapshot clones the committed state. It must be called with mu held.
func (store *MemoryRootStore) snapshot() map[string]*dictionary {
	state := make(map[string]*dictionary, len(store.committed))

	for name, d := range store.committed {
		state[name] = d.clone()
	}

	return state
}

// Begin implements RootStore.Begin
func (store *MemoryRootStore) Begin(writable bool) (kv.Transaction, error) {
	if writable {
		store.writer.Lock()
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		if writable {
			store.writer.Unlock()
		}

		return nil, kv.ErrClosed
	}

	store.transactions.Add(1)

	return &MemoryTransaction{
		store:    store,
		writable: writable,
		state:    store.snapshot(),
	}, nil
}

// DropDictionary implements RootStore.DropDictionary
func (store *MemoryRootStore) DropDictionary(name string) error {
	txn, err := store.Begin(true)

	if err != nil {
		return err
	}

	defer txn.Rollback()

	if err := txn.DropDictionary(name); err != nil && err != kv.ErrNoSuchDictionary {
		return err
	}

	return txn.Commit()
}

// Close implements RootStore.Close
func (store *MemoryRootStore) Close() error {
	store.mu.Lock()
	store.closed = true
	store.mu.Unlock()

	store.transactions.Wait()

	return nil
}

// Delete implements RootStore.Delete
func (store *MemoryRootStore) Delete() error {
	if err := store.Close(); err != nil {
		return err
	}

	store.mu.Lock()
	store.committed = map[string]*dictionary{}
	store.mu.Unlock()

	return nil
}

var _ kv.Transaction = (*MemoryTransaction)(nil)

// MemoryTransaction is a transaction over a MemoryRootStore
type MemoryTransaction struct {
	store            *MemoryRootStore
	writable         bool
	state            map[string]*dictionary
	commitHandlers   []func()
	rollbackHandlers []func()
	done             bool
}

func (transaction *MemoryTransaction) checkWritable() error {
	if transaction.done {
		return kv.ErrTxClosed
	}

	if !transaction.writable {
		return kv.ErrReadOnly
	}

	return nil
}

// Writable implements Transaction.Writable
func (transaction *MemoryTransaction) Writable() bool {
	return transaction.writable
}

// CreateDictionary implements Transaction.CreateDictionary
func (transaction *MemoryTransaction) CreateDictionary(name string, encoding kv.Encoding) (kv.Dictionary, error) {
	if err := transaction.checkWritable(); err != nil {
		return nil, err
	}

	if _, ok := transaction.state[name]; ok {
		return nil, kv.ErrDictionaryExists
	}

	// Round trip the encoding the way a persistent engine would
	serialized, err := encoding.Serialize()

	if err != nil {
		return nil, err
	}

	if encoding, err = kv.ParseEncoding(serialized); err != nil {
		return nil, err
	}

	d := &dictionary{
		encoding: encoding,
		tree:     btree.NewG(degree, less),
		sequence: new(uint64),
	}

	transaction.state[name] = d

	return &MemoryDictionary{transaction: transaction, name: name, dictionary: d}, nil
}

// DropDictionary implements Transaction.DropDictionary
func (transaction *MemoryTransaction) DropDictionary(name string) error {
	if err := transaction.checkWritable(); err != nil {
		return err
	}

	if _, ok := transaction.state[name]; !ok {
		return kv.ErrNoSuchDictionary
	}

	delete(transaction.state, name)

	return nil
}

// Dictionary implements Transaction.Dictionary
func (transaction *MemoryTransaction) Dictionary(name string) (kv.Dictionary, error) {
	if transaction.done {
		return nil, kv.ErrTxClosed
	}

	d, ok := transaction.state[name]

	if !ok {
		return nil, kv.ErrNoSuchDictionary
	}

	return &MemoryDictionary{transaction: transaction, name: name, dictionary: d}, nil
}

// Dictionaries implements Transaction.Dictionaries
func (transaction *MemoryTransaction) Dictionaries() ([]string, error) {
	if transaction.done {
		return nil, kv.ErrTxClosed
	}

	names := make([]string, 0, len(transaction.state))

	for name := range transaction.state {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

// OnCommit implements Transaction.OnCommit
func (transaction *MemoryTransaction) OnCommit(fn func()) {
	transaction.commitHandlers = append(transaction.commitHandlers, fn)
}

// OnRollback implements Transaction.OnRollback
func (transaction *MemoryTransaction) OnRollback(fn func()) {
	transaction.rollbackHandlers = append(transaction.rollbackHandlers, fn)
}

func (transaction *MemoryTransaction) release() {
	transaction.done = true
	transaction.state = nil

	if transaction.writable {
		transaction.store.writer.Unlock()
	}

	transaction.store.transactions.Done()
}

// Commit implements Transaction.Commit
func (transaction *MemoryTransaction) Commit() error {
	if transaction.done {
		return kv.ErrTxClosed
	}

	if transaction.writable {
		transaction.store.mu.Lock()
		transaction.store.committed = transaction.state
		transaction.store.mu.Unlock()
	}

	transaction.release()

	// Execute commit handlers now that the locks have been released
	for _, fn := range transaction.commitHandlers {
		fn()
	}

	return nil
}

// Rollback implements Transaction.Rollback
func (transaction *MemoryTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.release()

	if transaction.writable {
		for _, fn := range transaction.rollbackHandlers {
			fn()
		}
	}

	return nil
}

var _ kv.Dictionary = (*MemoryDictionary)(nil)
var _ kv.Compacter = (*MemoryDictionary)(nil)

// MemoryDictionary is a handle to a dictionary inside a transaction
type MemoryDictionary struct {
	transaction *MemoryTransaction
	name        string
	dictionary  *dictionary
}

func (d *MemoryDictionary) checkWrite(key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	return d.transaction.checkWritable()
}

// Name implements Dictionary.Name
func (d *MemoryDictionary) Name() string {
	return d.name
}

// Encoding implements Dictionary.Encoding
func (d *MemoryDictionary) Encoding() kv.Encoding {
	return d.dictionary.encoding
}

// Get implements Dictionary.Get
func (d *MemoryDictionary) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	it, ok := d.dictionary.tree.Get(item{key: key})

	if !ok {
		return nil, nil
	}

	return it.value, nil
}

// Insert implements Dictionary.Insert
func (d *MemoryDictionary) Insert(key, value []byte, overwrite bool) error {
	if err := d.checkWrite(key); err != nil {
		return err
	}

	if value == nil {
		return kv.ErrNilValue
	}

	if !overwrite && d.dictionary.tree.Has(item{key: key}) {
		return kv.ErrDuplicateKey
	}

	d.put(key, value)

	return nil
}

func (d *MemoryDictionary) put(key, value []byte) {
	it := item{key: append([]byte{}, key...), value: append([]byte{}, value...)}

	if old, replaced := d.dictionary.tree.ReplaceOrInsert(it); replaced {
		d.dictionary.dataSize -= int64(len(old.key) + len(old.value))
	}

	d.dictionary.dataSize += int64(len(it.key) + len(it.value))
}

// Remove implements Dictionary.Remove
func (d *MemoryDictionary) Remove(key []byte) error {
	if err := d.checkWrite(key); err != nil {
		return err
	}

	if old, ok := d.dictionary.tree.Delete(item{key: key}); ok {
		d.dictionary.dataSize -= int64(len(old.key) + len(old.value))
	}

	return nil
}

// Update implements Updater.Update
func (d *MemoryDictionary) Update(key []byte, message kv.UpdateMessage) error {
	if err := d.checkWrite(key); err != nil {
		return err
	}

	var current []byte

	if it, ok := d.dictionary.tree.Get(item{key: key}); ok {
		current = append([]byte{}, it.value...)
	}

	updated, err := message(current)

	if err != nil {
		return err
	}

	if updated == nil {
		return d.Remove(key)
	}

	d.put(key, updated)

	return nil
}

// Compact implements Compacter.Compact. It copies the tree into
// fresh nodes so the dictionary no longer shares structure with
// older snapshots.
func (d *MemoryDictionary) Compact() error {
	if err := d.transaction.checkWritable(); err != nil {
		return err
	}

	compacted := btree.NewG(degree, less)

	d.dictionary.tree.Ascend(func(it item) bool {
		compacted.ReplaceOrInsert(it)

		return true
	})

	d.dictionary.tree = compacted

	return nil
}

// Cursor implements Dictionary.Cursor
func (d *MemoryDictionary) Cursor(start []byte, direction kv.Direction) (kv.Cursor, error) {
	cursor := &MemoryCursor{tree: d.dictionary.tree, direction: direction}

	if start == nil {
		var found bool

		if direction == kv.Backward {
			cursor.current, found = cursor.tree.Max()
		} else {
			cursor.current, found = cursor.tree.Min()
		}

		cursor.ok = found
	} else {
		cursor.Seek(start)
	}

	return cursor, nil
}

// NextSequence implements Dictionary.NextSequence. Sequences
// are shared by every snapshot of the dictionary so a rolled back
// transaction never hands out the same number twice.
func (d *MemoryDictionary) NextSequence() (uint64, error) {
	if err := d.transaction.checkWritable(); err != nil {
		return 0, err
	}

	*d.dictionary.sequence++

	return *d.dictionary.sequence, nil
}

// Stats implements Dictionary.Stats
func (d *MemoryDictionary) Stats() (kv.Stats, error) {
	return kv.Stats{
		NumKeys:     int64(d.dictionary.tree.Len()),
		DataSize:    d.dictionary.dataSize,
		StorageSize: d.dictionary.dataSize,
	}, nil
}

var _ kv.Cursor = (*MemoryCursor)(nil)

// MemoryCursor walks a b-tree. It remembers the item it points
// at and finds its neighbor on each step, so it stays valid when
// the transaction modifies the tree.
type MemoryCursor struct {
	tree      *btree.BTreeG[item]
	direction kv.Direction
	current   item
	ok        bool
}

// OK implements Cursor.OK
func (cursor *MemoryCursor) OK() bool {
	return cursor.ok
}

// Seek implements Cursor.Seek
func (cursor *MemoryCursor) Seek(key []byte) {
	cursor.ok = false
	pivot := item{key: key}

	visit := func(it item) bool {
		cursor.current = it
		cursor.ok = true

		return false
	}

	if cursor.direction == kv.Backward {
		cursor.tree.DescendLessOrEqual(pivot, visit)
	} else {
		cursor.tree.AscendGreaterOrEqual(pivot, visit)
	}
}

// Advance implements Cursor.Advance
func (cursor *MemoryCursor) Advance() {
	if !cursor.ok {
		panic("advance called on an exhausted cursor")
	}

	pivot := cursor.current
	cursor.ok = false

	visit := func(it item) bool {
		if bytes.Equal(it.key, pivot.key) {
			return true
		}

		cursor.current = it
		cursor.ok = true

		return false
	}

	if cursor.direction == kv.Backward {
		cursor.tree.DescendLessOrEqual(pivot, visit)
	} else {
		cursor.tree.AscendGreaterOrEqual(pivot, visit)
	}
}

// Key implements Cursor.Key
func (cursor *MemoryCursor) Key() []byte {
	if !cursor.ok {
		panic("key read from an exhausted cursor")
	}

	return cursor.current.key
}

// Value implements Cursor.Value
func (cursor *MemoryCursor) Value() []byte {
	if !cursor.ok {
		panic("value read from an exhausted cursor")
	}

	return cursor.current.value
}

// Error implements Cursor.Error
func (cursor *MemoryCursor) Error() error {
	return nil
}

// Close implements Cursor.Close
func (cursor *MemoryCursor) Close() {
	cursor.ok = false
	cursor.current = item{}
}
