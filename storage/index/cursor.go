package index

import (
	"bytes"
	"fmt"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
)

var maxRecordID = bytes.Repeat([]byte{0xff}, kv.RecordIDSize)

// subCursor is the cursor of one partition
type subCursor struct {
	store  Store
	cursor kv.Cursor
}

// Cursor merges the entries of every partition into one stream ordered
// by (key, RecordID), ascending for forward cursors and descending for
// backward cursors. Sub-cursors that are not exhausted sit in a binary
// heap keyed by their current entry. The top of the heap is the current
// entry of the merged cursor.
//
// A cursor starts out positioned at the first entry in its direction.
// Like record store iterators it is bound to the transaction it was
// created in and can move to another one with Save and Restore.
type Cursor struct {
	partitioned *Partitioned
	direction   kv.Direction
	txn         kv.Transaction
	subs        []*subCursor
	heap        *binaryheap.Heap
	err         error
	// saved is the raw entry the cursor was on when it was saved.
	// It is nil if the cursor was exhausted.
	saved []byte
}

// Cursor opens a merged cursor over every partition
func (partitioned *Partitioned) Cursor(txn kv.Transaction, direction kv.Direction) *Cursor {
	cursor := &Cursor{
		partitioned: partitioned,
		direction:   direction,
		txn:         txn,
	}

	cursor.heap = binaryheap.NewWith(func(a, b interface{}) int {
		c := bytes.Compare(a.(*subCursor).cursor.Key(), b.(*subCursor).cursor.Key())

		if direction == kv.Backward {
			return -c
		}

		return c
	})

	cursor.seek(nil)

	return cursor
}

func (cursor *Cursor) fail(err error) {
	cursor.err = err
	cursor.heap.Clear()
}

// seek opens a sub-cursor at raw on every partition and rebuilds the
// heap. A nil raw key means the natural start in the cursor's direction.
func (cursor *Cursor) seek(raw []byte) {
	if cursor.err != nil {
		return
	}

	cursor.closeSubs()
	cursor.heap.Clear()

	for _, store := range cursor.partitioned.partitions.Handles() {
		c, err := store.Cursor(cursor.txn, raw, cursor.direction)

		if err != nil {
			cursor.fail(fmt.Errorf("could not open cursor on partition %d: %w", store.id, err))

			return
		}

		sub := &subCursor{store: store, cursor: c}
		cursor.subs = append(cursor.subs, sub)

		if !cursor.push(sub) {
			return
		}
	}
}

// push puts sub back on the heap if it is not exhausted
func (cursor *Cursor) push(sub *subCursor) bool {
	if sub.cursor.OK() {
		cursor.heap.Push(sub)

		return true
	}

	if err := sub.cursor.Error(); err != nil {
		cursor.fail(fmt.Errorf("partition %d: %w", sub.store.id, err))

		return false
	}

	return true
}

func (cursor *Cursor) top() *subCursor {
	top, ok := cursor.heap.Peek()

	if !ok {
		return nil
	}

	return top.(*subCursor)
}

// Seek positions the cursor at the first entry whose key is at least key
// for forward cursors or at most key for backward cursors. Every entry
// with a key equal to key is visited.
func (cursor *Cursor) Seek(key keystring.Tuple) {
	raw, err := keystring.Encode(key, cursor.partitioned.encoding.Ordering)

	if err != nil {
		cursor.fail(fmt.Errorf("could not encode index key %s: %w", key, err))

		return
	}

	if cursor.direction == kv.Backward {
		raw = append(raw, maxRecordID...)
	}

	cursor.seek(raw)
}

// Locate positions the cursor at the entry (key, id) and returns true
// if it exists. Otherwise the cursor is positioned at the next entry in
// its direction and Locate returns false.
func (cursor *Cursor) Locate(key keystring.Tuple, id kv.RecordID) bool {
	raw, err := cursor.partitioned.encoding.IndexKey(key, id)

	if err != nil {
		cursor.fail(fmt.Errorf("could not encode index key %s: %w", key, err))

		return false
	}

	cursor.seek(raw)

	return !cursor.EOF() && bytes.Equal(cursor.top().cursor.Key(), raw)
}

// EOF returns true if the cursor is exhausted
func (cursor *Cursor) EOF() bool {
	return cursor.heap.Empty()
}

func (cursor *Cursor) current() []byte {
	top := cursor.top()

	if top == nil {
		panic("cursor is exhausted")
	}

	return top.cursor.Key()
}

// Key returns the key of the current entry
func (cursor *Cursor) Key() keystring.Tuple {
	raw := cursor.current()
	key, err := cursor.partitioned.encoding.ExtractKey(raw, nil)

	if err != nil {
		panic(fmt.Sprintf("corrupt entry in index %s: %s", cursor.partitioned.ident, err.Error()))
	}

	return key
}

// RecordID returns the id of the record the current entry points at
func (cursor *Cursor) RecordID() kv.RecordID {
	id, err := cursor.partitioned.encoding.ExtractRecordID(cursor.current())

	if err != nil {
		panic(fmt.Sprintf("corrupt entry in index %s: %s", cursor.partitioned.ident, err.Error()))
	}

	return id
}

// Advance moves to the next entry
func (cursor *Cursor) Advance() {
	popped, ok := cursor.heap.Pop()

	if !ok {
		panic("cursor is exhausted")
	}

	sub := popped.(*subCursor)
	sub.cursor.Advance()
	cursor.push(sub)
}

// Error returns the error that stopped the cursor, if any
func (cursor *Cursor) Error() error {
	return cursor.err
}

// Save detaches the cursor from its transaction, remembering the entry
// it is on
func (cursor *Cursor) Save() {
	cursor.saved = nil

	if !cursor.EOF() {
		cursor.saved = append([]byte{}, cursor.current()...)
	}

	cursor.closeSubs()
	cursor.heap.Clear()
	cursor.txn = nil
}

// Restore reattaches a saved cursor to txn. It lands on the saved entry
// or, if that entry is gone, the one after it. A cursor saved while
// exhausted stays exhausted.
func (cursor *Cursor) Restore(txn kv.Transaction) error {
	cursor.txn = txn

	if cursor.err != nil {
		return cursor.err
	}

	if cursor.saved == nil {
		return nil
	}

	cursor.seek(cursor.saved)

	return cursor.err
}

func (cursor *Cursor) closeSubs() {
	for _, sub := range cursor.subs {
		sub.cursor.Close()
	}

	cursor.subs = nil
}

// Close releases every sub-cursor
func (cursor *Cursor) Close() {
	cursor.closeSubs()
	cursor.heap.Clear()
	cursor.txn = nil
}
