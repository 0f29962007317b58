package partition_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/plugins/memory"
	"github.com/jrife/strata/storage/partition"
	"go.uber.org/zap/zaptest"
)

func TestDictionaryName(t *testing.T) {
	testCases := map[string]struct {
		ident string
		name  string
		id    int64
		ok    bool
	}{
		"record store": {
			ident: "orders",
			name:  "orders$$p12",
			id:    12,
			ok:    true,
		},
		"index": {
			ident: "orders.sku",
			name:  "orders.sku$$p0",
			id:    0,
			ok:    true,
		},
		"index of another ident": {
			ident: "orders",
			name:  "orders.sku$$p0",
		},
		"metadata": {
			ident: "orders",
			name:  "orders$$meta",
		},
		"negative": {
			ident: "orders",
			name:  "orders$$p-1",
		},
		"no id": {
			ident: "orders",
			name:  "orders$$p",
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			id, ok := partition.ParseDictionaryName(testCase.ident, testCase.name)

			if ok != testCase.ok || id != testCase.id {
				t.Fatalf("expected (%d, %t), got (%d, %t)", testCase.id, testCase.ok, id, ok)
			}

			if ok && partition.DictionaryName(testCase.ident, id) != testCase.name {
				t.Fatalf("expected %s to round trip, got %s", testCase.name, partition.DictionaryName(testCase.ident, id))
			}
		})
	}
}

func TestList(t *testing.T) {
	var list partition.List[string]

	a := list.Append(0, "a")
	b := a.Append(1, "b").Append(2, "c")

	if a.Len() != 1 {
		t.Fatalf("expected append to leave the original list alone, got %d handles", a.Len())
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, b.Handles()); diff != "" {
		t.Fatal(diff)
	}

	c, ok := b.Remove(1)

	if !ok {
		t.Fatalf("expected partition 1 to be removed")
	}

	if diff := cmp.Diff([]string{"a", "c"}, c.Handles()); diff != "" {
		t.Fatal(diff)
	}

	if offset, ok := c.Offset(2); !ok || offset != 1 {
		t.Fatalf("expected partition 2 at offset 1, got (%d, %t)", offset, ok)
	}

	if _, ok := c.Get(1); ok {
		t.Fatalf("expected partition 1 to be gone")
	}

	if handle, ok := b.Get(1); !ok || handle != "b" {
		t.Fatalf("expected remove to leave the original list alone, got (%q, %t)", handle, ok)
	}

	if _, ok := c.Remove(7); ok {
		t.Fatalf("expected removing a missing partition to fail")
	}

	if id, handle := c.At(1); id != 2 || handle != "c" || c.Last() != "c" {
		t.Fatalf("expected partition 2 to be last, got (%d, %q)", id, handle)
	}
}

func TestDeferredDrops(t *testing.T) {
	root := memory.New()
	drops := partition.NewDeferredDrops(root, zaptest.NewLogger(t))

	begin := func() kv.Transaction {
		txn, err := root.Begin(true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		return txn
	}

	names := func() []string {
		txn, err := root.Begin(false)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer txn.Rollback()

		names, err := txn.Dictionaries()

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		return names
	}

	txn := begin()

	for _, name := range []string{"a$$p0", "a$$p1", "a$$p2"} {
		if _, err := txn.CreateDictionary(name, kv.ForRecordStore()); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	txn = begin()
	drops.Schedule(txn, "a$$p0")

	if err := txn.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"a$$p0", "a$$p1", "a$$p2"}, names()); diff != "" {
		t.Fatal(diff)
	}

	if drops.Cancel("a$$p0") {
		t.Fatalf("expected rollback to forget the drop")
	}

	txn = begin()
	drops.Schedule(txn, "a$$p0")
	drops.Schedule(txn, "a$$p1")

	if !drops.Cancel("a$$p1") {
		t.Fatalf("expected a pending drop to be cancelled")
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"a$$p1", "a$$p2"}, names()); diff != "" {
		t.Fatal(diff)
	}
}
