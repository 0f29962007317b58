package memory_test

import (
	"testing"
	"time"

	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/plugins/memory"
)

func TestSnapshotIsolation(t *testing.T) {
	store := memory.New()
	defer store.Delete()

	writer, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	dictionary, err := writer.CreateDictionary("d", kv.ForRecordStore())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := dictionary.Insert([]byte("a"), []byte("1"), false); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	reader, err := store.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := reader.Dictionary("d"); err != kv.ErrNoSuchDictionary {
		t.Fatalf("expected reader not to observe uncommitted dictionary, got %#v", err)
	}

	if err := writer.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := reader.Dictionary("d"); err != kv.ErrNoSuchDictionary {
		t.Fatalf("expected reader to keep its snapshot, got %#v", err)
	}

	reader.Rollback()

	reader, err = store.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer reader.Rollback()

	d, err := reader.Dictionary("d")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	value, err := d.Get([]byte("a"))

	if err != nil || string(value) != "1" {
		t.Fatalf("expected value 1, got %q (%#v)", value, err)
	}
}

func TestSingleWriter(t *testing.T) {
	store := memory.New()
	defer store.Delete()

	first, err := store.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	began := make(chan struct{})

	go func() {
		second, err := store.Begin(true)

		if err == nil {
			second.Rollback()
		}

		close(began)
	}()

	select {
	case <-began:
		t.Fatalf("expected second writer to block")
	case <-time.After(50 * time.Millisecond):
	}

	first.Rollback()

	select {
	case <-began:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected second writer to proceed once the first rolled back")
	}
}
