package index_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/plugins"
	"github.com/jrife/strata/storage/partition"
	"go.uber.org/zap/zaptest"
)

func tempStore(t *testing.T, plugin kv.Plugin) kv.RootStore {
	root, err := plugin.NewTempRootStore()

	if err != nil {
		t.Fatalf("could not build a %s store: %s", plugin.Name(), err.Error())
	}

	t.Cleanup(func() { root.Delete() })

	return root
}

func update(t *testing.T, root kv.RootStore, fn func(txn kv.Transaction) error) error {
	txn, err := root.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}

	return txn.Commit()
}

func view(t *testing.T, root kv.RootStore, fn func(txn kv.Transaction) error) error {
	txn, err := root.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer txn.Rollback()

	return fn(txn)
}

func mustSucceed(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}
}

func str(s string) keystring.Tuple {
	return keystring.Tuple{keystring.String(s)}
}

func rid(partition, position int64) kv.RecordID {
	return kv.RecordID{Partition: partition, Position: position}
}

type entry struct {
	Key string
	ID  kv.RecordID
}

func newIndex(t *testing.T, root kv.RootStore, unique bool, direction keystring.Direction, ids ...int64) *index.Partitioned {
	idx, err := index.New(index.Config{
		Ident: "orders.sku",
		Descriptor: index.Descriptor{
			Name:    "sku",
			Pattern: keystring.Pattern{{Path: "sku", Direction: direction}},
			Unique:  unique,
		},
		Root:   root,
		Logger: zaptest.NewLogger(t),
	})

	mustSucceed(t, err)
	mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
		for _, id := range ids {
			if _, err := idx.CreatePartition(txn, id); err != nil {
				return err
			}
		}

		return nil
	}))

	return idx
}

func insert(t *testing.T, root kv.RootStore, idx *index.Partitioned, entries ...entry) {
	mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
		for _, e := range entries {
			if err := idx.Insert(txn, str(e.Key), e.ID, true); err != nil {
				return err
			}
		}

		return nil
	}))
}

func drain(cursor *index.Cursor) []entry {
	entries := []entry{}

	for ; !cursor.EOF(); cursor.Advance() {
		entries = append(entries, entry{Key: cursor.Key()[0].String, ID: cursor.RecordID()})
	}

	return entries
}

func scan(t *testing.T, root kv.RootStore, idx *index.Partitioned, direction kv.Direction, seek keystring.Tuple) []entry {
	var entries []entry

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		cursor := idx.Cursor(txn, direction)
		defer cursor.Close()

		if seek != nil {
			cursor.Seek(seek)
		}

		entries = drain(cursor)

		return cursor.Error()
	}))

	return entries
}

func reversed(entries []entry) []entry {
	result := make([]entry, len(entries))

	for i, e := range entries {
		result[len(entries)-1-i] = e
	}

	return result
}

func TestIndex(t *testing.T) {
	for _, plugin := range plugins.Plugins() {
		plugin := plugin

		t.Run(plugin.Name(), func(t *testing.T) {
			t.Run("MergeOrder", func(t *testing.T) { testMergeOrder(t, plugin) })
			t.Run("SeekSharedKey", func(t *testing.T) { testSeekSharedKey(t, plugin) })
			t.Run("Descending", func(t *testing.T) { testDescending(t, plugin) })
			t.Run("Unique", func(t *testing.T) { testUnique(t, plugin) })
			t.Run("Unindex", func(t *testing.T) { testUnindex(t, plugin) })
			t.Run("MaxKeyFromLastPartition", func(t *testing.T) { testMaxKeyFromLastPartition(t, plugin) })
			t.Run("SaveRestore", func(t *testing.T) { testSaveRestore(t, plugin) })
			t.Run("Locate", func(t *testing.T) { testLocate(t, plugin) })
			t.Run("DropPartition", func(t *testing.T) { testDropPartition(t, plugin) })
			t.Run("Validate", func(t *testing.T) { testValidate(t, plugin) })
		})
	}
}

func testMergeOrder(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1, 2)

	insert(t, root, idx,
		entry{"m", rid(2, 1)},
		entry{"a", rid(1, 1)},
		entry{"z", rid(0, 1)},
		entry{"m", rid(0, 2)},
		entry{"b", rid(2, 2)},
	)

	expected := []entry{
		{"a", rid(1, 1)},
		{"b", rid(2, 2)},
		{"m", rid(0, 2)},
		{"m", rid(2, 1)},
		{"z", rid(0, 1)},
	}

	forward := scan(t, root, idx, kv.Forward, nil)

	if diff := cmp.Diff(expected, forward); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff(reversed(forward), scan(t, root, idx, kv.Backward, nil)); diff != "" {
		t.Fatal(diff)
	}
}

func testSeekSharedKey(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1)

	insert(t, root, idx,
		entry{"w", rid(0, 1)},
		entry{"x", rid(1, 7)},
		entry{"x", rid(0, 3)},
		entry{"y", rid(1, 8)},
	)

	testCases := map[string]struct {
		direction kv.Direction
		seek      string
		entries   []entry
	}{
		"forward-exact": {
			direction: kv.Forward,
			seek:      "x",
			entries:   []entry{{"x", rid(0, 3)}, {"x", rid(1, 7)}, {"y", rid(1, 8)}},
		},
		"forward-between": {
			direction: kv.Forward,
			seek:      "wa",
			entries:   []entry{{"x", rid(0, 3)}, {"x", rid(1, 7)}, {"y", rid(1, 8)}},
		},
		"backward-exact": {
			direction: kv.Backward,
			seek:      "x",
			entries:   []entry{{"x", rid(1, 7)}, {"x", rid(0, 3)}, {"w", rid(0, 1)}},
		},
		"backward-between": {
			direction: kv.Backward,
			seek:      "xa",
			entries:   []entry{{"x", rid(1, 7)}, {"x", rid(0, 3)}, {"w", rid(0, 1)}},
		},
		"forward-past-end": {
			direction: kv.Forward,
			seek:      "zz",
			entries:   []entry{},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(testCase.entries, scan(t, root, idx, testCase.direction, str(testCase.seek))); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func testDescending(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Descending, 0, 1)

	insert(t, root, idx,
		entry{"a", rid(0, 1)},
		entry{"c", rid(1, 1)},
		entry{"b", rid(0, 2)},
	)

	expected := []entry{{"c", rid(1, 1)}, {"b", rid(0, 2)}, {"a", rid(0, 1)}}

	if diff := cmp.Diff(expected, scan(t, root, idx, kv.Forward, nil)); diff != "" {
		t.Fatal(diff)
	}
}

func testUnique(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, true, keystring.Ascending, 0, 1)

	insert(t, root, idx, entry{"x", rid(0, 1)})

	err := update(t, root, func(txn kv.Transaction) error {
		return idx.Insert(txn, str("x"), rid(1, 1), false)
	})

	if !errors.Is(err, kv.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey across partitions, got %#v", err)
	}

	// Reindexing the same record is not a duplicate
	mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
		if err := idx.Insert(txn, str("x"), rid(0, 1), false); err != nil {
			return err
		}

		return idx.Insert(txn, str("xa"), rid(1, 1), false)
	}))

	if diff := cmp.Diff([]entry{{"x", rid(0, 1)}, {"xa", rid(1, 1)}}, scan(t, root, idx, kv.Forward, nil)); diff != "" {
		t.Fatal(diff)
	}
}

func testUnindex(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1)

	insert(t, root, idx, entry{"x", rid(0, 1)}, entry{"x", rid(1, 1)})
	mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
		return idx.Unindex(txn, str("x"), rid(1, 1))
	}))

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		n, err := idx.NumEntries(txn)

		if err != nil {
			return err
		}

		if n != 1 {
			t.Fatalf("expected 1 entry, got %d", n)
		}

		empty, err := idx.IsEmpty(txn)

		if err != nil {
			return err
		}

		if empty {
			t.Fatalf("expected the index not to be empty")
		}

		return nil
	}))
}

func testMaxKeyFromLastPartition(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1)

	insert(t, root, idx, entry{"z", rid(0, 1)})

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		max, err := idx.MaxKeyFromLastPartition(txn)

		if err != nil {
			return err
		}

		if max != nil {
			t.Fatalf("expected the empty last partition to have no max key, got %s", max)
		}

		return nil
	}))

	insert(t, root, idx, entry{"b", rid(1, 1)}, entry{"c", rid(1, 2)})

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		max, err := idx.MaxKeyFromLastPartition(txn)

		if err != nil {
			return err
		}

		if diff := cmp.Diff(str("c"), max); diff != "" {
			t.Fatal(diff)
		}

		return nil
	}))
}

func testSaveRestore(t *testing.T, plugin kv.Plugin) {
	entries := []entry{{"a", rid(0, 1)}, {"b", rid(1, 1)}, {"c", rid(0, 2)}, {"d", rid(1, 2)}}

	testCases := map[string]struct {
		direction kv.Direction
		// advance is how far the cursor moves before it is saved
		advance   int
		unindexed []entry
		rest      []entry
	}{
		"forward": {
			direction: kv.Forward,
			advance:   1,
			rest:      []entry{{"b", rid(1, 1)}, {"c", rid(0, 2)}, {"d", rid(1, 2)}},
		},
		"forward saved entry unindexed": {
			direction: kv.Forward,
			advance:   1,
			unindexed: []entry{{"b", rid(1, 1)}},
			rest:      []entry{{"c", rid(0, 2)}, {"d", rid(1, 2)}},
		},
		"forward saved entry was last in its partition": {
			direction: kv.Forward,
			advance:   2,
			unindexed: []entry{{"c", rid(0, 2)}},
			rest:      []entry{{"d", rid(1, 2)}},
		},
		"backward": {
			direction: kv.Backward,
			advance:   1,
			rest:      []entry{{"c", rid(0, 2)}, {"b", rid(1, 1)}, {"a", rid(0, 1)}},
		},
		"backward saved entry unindexed": {
			direction: kv.Backward,
			advance:   2,
			unindexed: []entry{{"b", rid(1, 1)}},
			rest:      []entry{{"a", rid(0, 1)}},
		},
		"backward saved entry was last in its partition": {
			direction: kv.Backward,
			advance:   2,
			unindexed: []entry{{"b", rid(1, 1)}, {"d", rid(1, 2)}},
			rest:      []entry{{"a", rid(0, 1)}},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			root := tempStore(t, plugin)
			idx := newIndex(t, root, false, keystring.Ascending, 0, 1)

			insert(t, root, idx, entries...)

			txn, err := root.Begin(false)
			mustSucceed(t, err)
			cursor := idx.Cursor(txn, testCase.direction)
			defer cursor.Close()

			for i := 0; i < testCase.advance; i++ {
				cursor.Advance()
			}

			cursor.Save()
			mustSucceed(t, txn.Rollback())

			mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
				for _, e := range testCase.unindexed {
					if err := idx.Unindex(txn, str(e.Key), e.ID); err != nil {
						return err
					}
				}

				return nil
			}))

			txn, err = root.Begin(false)
			mustSucceed(t, err)
			defer txn.Rollback()
			mustSucceed(t, cursor.Restore(txn))

			if diff := cmp.Diff(testCase.rest, drain(cursor)); diff != "" {
				t.Fatal(diff)
			}

			cursor.Save()
			mustSucceed(t, cursor.Restore(txn))

			if !cursor.EOF() {
				t.Fatalf("expected a cursor saved at the end to stay at the end")
			}
		})
	}
}

func testLocate(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1)

	insert(t, root, idx, entry{"a", rid(0, 1)}, entry{"a", rid(1, 1)})

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		cursor := idx.Cursor(txn, kv.Forward)
		defer cursor.Close()

		if !cursor.Locate(str("a"), rid(1, 1)) {
			t.Fatalf("expected to locate an existing entry")
		}

		if cursor.Locate(str("a"), rid(0, 5)) {
			t.Fatalf("expected not to locate a missing entry")
		}

		if diff := cmp.Diff(rid(1, 1), cursor.RecordID()); diff != "" {
			t.Fatal(diff)
		}

		return cursor.Error()
	}))
}

func testDropPartition(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1)
	rolledBack := errors.New("rolled back")

	insert(t, root, idx, entry{"a", rid(0, 1)}, entry{"b", rid(1, 1)})

	err := update(t, root, func(txn kv.Transaction) error {
		if err := idx.DropPartition(txn, 0); err != nil {
			return err
		}

		return rolledBack
	})

	if !errors.Is(err, rolledBack) {
		t.Fatalf("expected err to be %#v, got %#v", rolledBack, err)
	}

	if diff := cmp.Diff([]entry{{"a", rid(0, 1)}, {"b", rid(1, 1)}}, scan(t, root, idx, kv.Forward, nil)); diff != "" {
		t.Fatal(diff)
	}

	mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
		return idx.DropPartition(txn, 0)
	}))

	if diff := cmp.Diff([]entry{{"b", rid(1, 1)}}, scan(t, root, idx, kv.Forward, nil)); diff != "" {
		t.Fatal(diff)
	}

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		if _, err := txn.Dictionary(partition.DictionaryName("orders.sku", 0)); !errors.Is(err, kv.ErrNoSuchDictionary) {
			t.Fatalf("expected the dropped partition's dictionary to be gone, got %#v", err)
		}

		return nil
	}))
}

func testValidate(t *testing.T, plugin kv.Plugin) {
	root := tempStore(t, plugin)
	idx := newIndex(t, root, false, keystring.Ascending, 0, 1)

	insert(t, root, idx, entry{"a", rid(0, 1)}, entry{"b", rid(1, 1)}, entry{"c", rid(1, 2)})

	mustSucceed(t, view(t, root, func(txn kv.Transaction) error {
		n, err := idx.FullValidate(txn)

		if err != nil {
			return err
		}

		if n != 3 {
			t.Fatalf("expected 3 entries, got %d", n)
		}

		return nil
	}))

	// An entry for a record of partition 0 stored in partition 1
	mustSucceed(t, update(t, root, func(txn kv.Transaction) error {
		return idx.Partitions()[1].Insert(txn, str("d"), rid(0, 9))
	}))

	err := view(t, root, func(txn kv.Transaction) error {
		_, err := idx.FullValidate(txn)

		return err
	})

	if !errors.Is(err, index.ErrCorruptEntry) {
		t.Fatalf("expected ErrCorruptEntry, got %#v", err)
	}
}
