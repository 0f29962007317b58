package collection

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/recordstore"
	"github.com/jrife/strata/utils/stream"
	"go.uber.org/zap"
)

// PrimaryKey projects the primary key of a document. Missing fields
// are projected as null.
func (collection *Collection) PrimaryKey(doc document.Document) (keystring.Tuple, error) {
	return document.Project(doc, collection.entry.PrimaryKey)
}

// PartitionOffset returns the offset of the partition that owns doc
func (collection *Collection) PartitionOffset(doc document.Document) (int, error) {
	key, err := collection.PrimaryKey(doc)

	if err != nil {
		return 0, err
	}

	return collection.directory.OffsetOf(key)
}

// Insert stores a document and indexes it. A document without an _id
// gets a random UUID. Unique indexes are checked before anything is
// written, so a duplicate key leaves txn unchanged. If it returns any
// other error txn must be rolled back.
func (collection *Collection) Insert(txn kv.Transaction, doc document.Document) (kv.RecordID, error) {
	if _, ok := doc[document.IDField]; !ok {
		doc = doc.Clone()
		doc[document.IDField] = uuid.NewString()
	}

	offset, err := collection.PartitionOffset(doc)

	if err != nil {
		return kv.RecordID{}, err
	}

	keys, err := collection.indexKeys(doc)

	if err != nil {
		return kv.RecordID{}, err
	}

	if err := collection.checkUnique(txn, keys, kv.RecordID{}); err != nil {
		return kv.RecordID{}, err
	}

	data, err := document.Marshal(doc)

	if err != nil {
		return kv.RecordID{}, fmt.Errorf("could not encode document: %w", err)
	}

	id, err := collection.records.Insert(txn, offset, data)

	if err != nil {
		return kv.RecordID{}, err
	}

	if err := collection.index(txn, keys, id); err != nil {
		return kv.RecordID{}, err
	}

	collection.logger.Debug("inserted document", zap.Stringer("id", id), zap.Int("partition", offset))

	return id, nil
}

// indexKeys projects the key of doc for every index
func (collection *Collection) indexKeys(doc document.Document) ([]keystring.Tuple, error) {
	keys := make([]keystring.Tuple, len(collection.indexes))

	for i, idx := range collection.indexes {
		key, err := document.Project(doc, idx.Descriptor().Pattern)

		if err != nil {
			return nil, fmt.Errorf("index %s: %w", idx.Descriptor().Name, err)
		}

		keys[i] = key
	}

	return keys, nil
}

// checkUnique returns kv.ErrDuplicateKey if a unique index already has
// one of keys for a record other than id
func (collection *Collection) checkUnique(txn kv.Transaction, keys []keystring.Tuple, id kv.RecordID) error {
	for i, idx := range collection.indexes {
		if !idx.Descriptor().Unique {
			continue
		}

		if err := idx.DupKeyCheck(txn, keys[i], id); err != nil {
			return err
		}
	}

	return nil
}

func (collection *Collection) index(txn kv.Transaction, keys []keystring.Tuple, id kv.RecordID) error {
	for i, idx := range collection.indexes {
		if err := idx.Insert(txn, keys[i], id, !idx.Descriptor().Unique); err != nil {
			return err
		}
	}

	return nil
}

func (collection *Collection) unindex(txn kv.Transaction, keys []keystring.Tuple, id kv.RecordID) error {
	for i, idx := range collection.indexes {
		if err := idx.Unindex(txn, keys[i], id); err != nil {
			return fmt.Errorf("could not unindex %s from %s: %w", id, idx.Descriptor().Name, err)
		}
	}

	return nil
}

// Get returns the document with this id or nil if it does not exist
func (collection *Collection) Get(txn kv.Transaction, id kv.RecordID) (document.Document, error) {
	data, err := collection.records.Get(txn, id)

	if err != nil || data == nil {
		return nil, err
	}

	return document.Parse(data)
}

// Update replaces the document with this id and returns its new id.
// A document that still belongs to its partition is updated in place
// and keeps its id. Otherwise it is moved: deleted from its old
// partition and inserted into its new one. An update that drops the
// _id field keeps the old _id. Like Insert it checks unique indexes
// before changing anything.
func (collection *Collection) Update(txn kv.Transaction, id kv.RecordID, doc document.Document) (kv.RecordID, error) {
	old, err := collection.Get(txn, id)

	if err != nil {
		return kv.RecordID{}, err
	}

	if old == nil {
		return kv.RecordID{}, fmt.Errorf("%s: %w", id, ErrNoSuchDocument)
	}

	if _, ok := doc[document.IDField]; !ok {
		doc = doc.Clone()
		doc[document.IDField] = old[document.IDField]
	}

	offset, err := collection.PartitionOffset(doc)

	if err != nil {
		return kv.RecordID{}, err
	}

	oldKeys, err := collection.indexKeys(old)

	if err != nil {
		return kv.RecordID{}, err
	}

	newKeys, err := collection.indexKeys(doc)

	if err != nil {
		return kv.RecordID{}, err
	}

	// The entries of id itself are about to be replaced so they
	// cannot conflict
	if err := collection.checkUnique(txn, newKeys, id); err != nil {
		return kv.RecordID{}, err
	}

	if collection.directory.At(offset).ID != id.Partition {
		if err := collection.Delete(txn, id); err != nil {
			return kv.RecordID{}, err
		}

		newID, err := collection.Insert(txn, doc)

		if err != nil {
			return kv.RecordID{}, err
		}

		collection.logger.Debug("moved document", zap.Stringer("from", id), zap.Stringer("to", newID))

		return newID, nil
	}

	data, err := document.Marshal(doc)

	if err != nil {
		return kv.RecordID{}, fmt.Errorf("could not encode document: %w", err)
	}

	if err := collection.unindex(txn, oldKeys, id); err != nil {
		return kv.RecordID{}, err
	}

	if err := collection.records.Update(txn, id, data); err != nil {
		return kv.RecordID{}, err
	}

	if err := collection.index(txn, newKeys, id); err != nil {
		return kv.RecordID{}, err
	}

	return id, nil
}

// Delete removes the document with this id and its index entries. It
// has no effect if the document does not exist.
func (collection *Collection) Delete(txn kv.Transaction, id kv.RecordID) error {
	old, err := collection.Get(txn, id)

	if err != nil || old == nil {
		return err
	}

	keys, err := collection.indexKeys(old)

	if err != nil {
		return err
	}

	if err := collection.unindex(txn, keys, id); err != nil {
		return err
	}

	return collection.records.Delete(txn, id)
}

// Iterator returns an iterator over the raw records of every partition
func (collection *Collection) Iterator(txn kv.Transaction, start kv.RecordID, direction kv.Direction) *recordstore.Iterator {
	return collection.records.Iterator(txn, start, direction)
}

// Entry is a document and its id
type Entry struct {
	ID       kv.RecordID       `json:"id"`
	Document document.Document `json:"document"`
}

// Documents streams every document in partition directory order, then
// position, through the processors. After id wraparound this differs
// from RecordID order. The stream is only valid inside txn.
func (collection *Collection) Documents(txn kv.Transaction, direction kv.Direction, processors ...stream.Processor[Entry]) stream.Stream[Entry] {
	return stream.Pipeline[Entry](&documentStream{iter: collection.Iterator(txn, kv.RecordID{}, direction)}, processors...)
}

type documentStream struct {
	iter    *recordstore.Iterator
	current Entry
	err     error
}

func (s *documentStream) Next() bool {
	if s.err != nil {
		return false
	}

	if !s.iter.Next() {
		s.iter.Close()

		return false
	}

	doc, err := document.Parse(s.iter.Value())

	if err != nil {
		s.err = fmt.Errorf("could not decode %s: %w", s.iter.ID(), err)
		s.iter.Close()

		return false
	}

	s.current = Entry{ID: s.iter.ID(), Document: doc}

	return true
}

func (s *documentStream) Value() Entry {
	return s.current
}

func (s *documentStream) Error() error {
	if s.err != nil {
		return s.err
	}

	return s.iter.Error()
}

// IndexCursor opens a merged cursor over the named index
func (collection *Collection) IndexCursor(txn kv.Transaction, name string, direction kv.Direction) (*index.Cursor, error) {
	idx, ok := collection.findIndex(name)

	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSuchIndex)
	}

	return idx.Cursor(txn, direction), nil
}

func (collection *Collection) findIndex(name string) (*index.Partitioned, bool) {
	for _, idx := range collection.indexes {
		if idx.Descriptor().Name == name {
			return idx, true
		}
	}

	return nil, false
}
