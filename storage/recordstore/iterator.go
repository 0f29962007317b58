package recordstore

import (
	"bytes"
	"fmt"

	"github.com/jrife/strata/storage/kv"
)

// Iterator walks the records of every partition in partition directory
// order, then position, one partition at a time. It follows the stream convention: Next must
// be called to move to the first record.
//
// An iterator is bound to the transaction it was created in. To keep
// iterating in a later transaction call Save before the first one ends
// and Restore with the new one.
type Iterator struct {
	partitioned *Partitioned
	partitions  []Store
	direction   kv.Direction
	start       kv.RecordID
	txn         kv.Transaction
	offset      int
	cursor      kv.Cursor
	started     bool
	eof         bool
	// repositioned is set when a restored cursor already points at the
	// record Next should return
	repositioned bool
	id           kv.RecordID
	value        []byte
	err          error
}

// Iterator creates an iterator over every record. If start is not null
// iteration begins at start, or at the first record past it in the
// iterator's direction if start does not exist.
func (partitioned *Partitioned) Iterator(txn kv.Transaction, start kv.RecordID, direction kv.Direction) *Iterator {
	return &Iterator{
		partitioned: partitioned,
		partitions:  partitioned.partitions.Handles(),
		direction:   direction,
		start:       start,
		txn:         txn,
	}
}

func (iter *Iterator) step() int {
	if iter.direction == kv.Backward {
		return -1
	}

	return 1
}

// open positions the iterator in the partition at offset. A nil key
// means the natural start of the partition for the iterator's direction.
func (iter *Iterator) open(offset int, key []byte) bool {
	iter.closeCursor()
	iter.offset = offset

	if offset < 0 || offset >= len(iter.partitions) {
		iter.eof = true

		return false
	}

	cursor, err := iter.partitions[offset].Cursor(iter.txn, key, iter.direction)

	if err != nil {
		iter.err = fmt.Errorf("could not open cursor on partition %d: %w", iter.partitions[offset].id, err)

		return false
	}

	iter.cursor = cursor

	return true
}

// first opens the cursor the iterator starts from
func (iter *Iterator) first() bool {
	if iter.start.IsNull() {
		if iter.direction == kv.Backward {
			return iter.open(len(iter.partitions)-1, nil)
		}

		return iter.open(0, nil)
	}

	offset, ok := iter.offsetOf(iter.start.Partition)

	if !ok {
		iter.err = fmt.Errorf("start %s: %w", iter.start, ErrNoSuchRecord)

		return false
	}

	return iter.open(offset, iter.start.Key())
}

func (iter *Iterator) offsetOf(id int64) (int, bool) {
	for i, store := range iter.partitions {
		if store.id == id {
			return i, true
		}
	}

	return 0, false
}

// settle moves on to the next partitions until the cursor points at a record
func (iter *Iterator) settle() bool {
	for !iter.cursor.OK() {
		if err := iter.cursor.Error(); err != nil {
			iter.err = err

			return false
		}

		if !iter.open(iter.offset+iter.step(), nil) {
			return false
		}
	}

	id, err := kv.ParseRecordID(iter.cursor.Key())

	if err != nil {
		iter.err = fmt.Errorf("partition %d holds a corrupt key: %w", iter.partitions[iter.offset].id, err)

		return false
	}

	iter.id = id
	iter.value = iter.cursor.Value()

	return true
}

// Next advances to the next record
func (iter *Iterator) Next() bool {
	if iter.err != nil || iter.eof {
		return false
	}

	if iter.txn == nil {
		iter.err = fmt.Errorf("iterator is saved and must be restored first")

		return false
	}

	switch {
	case !iter.started:
		iter.started = true

		if !iter.first() {
			return false
		}
	case iter.repositioned:
		iter.repositioned = false
	default:
		iter.cursor.Advance()
	}

	return iter.settle()
}

// ID returns the id of the current record
func (iter *Iterator) ID() kv.RecordID {
	return iter.id
}

// Value returns the data of the current record
func (iter *Iterator) Value() []byte {
	return iter.value
}

// Error returns the error that stopped iteration, if any
func (iter *Iterator) Error() error {
	return iter.err
}

// Save detaches the iterator from its transaction. It keeps the id and
// a copy of the data of the current record since the cursor that
// produced them is about to go away.
func (iter *Iterator) Save() {
	if iter.started && !iter.eof {
		iter.value = append([]byte{}, iter.value...)
	}

	iter.closeCursor()
	iter.txn = nil
}

// Restore reattaches a saved iterator to txn. The next call to Next
// returns the first record after the one the iterator was on when it
// was saved. An iterator saved at the end stays at the end.
func (iter *Iterator) Restore(txn kv.Transaction) error {
	iter.txn = txn
	iter.partitions = iter.partitioned.partitions.Handles()

	if !iter.started || iter.eof || iter.err != nil {
		return nil
	}

	offset, ok := iter.offsetOf(iter.id.Partition)

	if !ok {
		return fmt.Errorf("partition %d of %s was dropped while the iterator was saved", iter.id.Partition, iter.id)
	}

	if !iter.open(offset, iter.id.Key()) {
		return iter.err
	}

	// The saved record is gone so the cursor already points past it
	if !iter.cursor.OK() || !bytes.Equal(iter.cursor.Key(), iter.id.Key()) {
		iter.repositioned = true
	}

	return nil
}

// DataFor returns the data of the record with this id if it is the
// record the iterator is on. It works while the iterator is saved.
func (iter *Iterator) DataFor(id kv.RecordID) ([]byte, bool) {
	if !iter.started || iter.eof || iter.id != id {
		return nil, false
	}

	return iter.value, true
}

func (iter *Iterator) closeCursor() {
	if iter.cursor != nil {
		iter.cursor.Close()
		iter.cursor = nil
	}
}

// Close releases the iterator's cursor
func (iter *Iterator) Close() {
	iter.closeCursor()
	iter.txn = nil
	iter.eof = true
}
