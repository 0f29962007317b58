package commands_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/strata/commands"
	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/collection"
	"github.com/jrife/strata/storage/index"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/kv/plugins"
	"github.com/jrife/strata/storage/partition"
	"github.com/jrife/strata/utils/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var keyPattern = keystring.Pattern{{Path: "key", Direction: keystring.Ascending}}

func newDatabase(t *testing.T, plugin kv.Plugin, protected ...string) *commands.Database {
	root, err := plugin.NewTempRootStore()

	if err != nil {
		t.Fatalf("could not build a %s store: %s", plugin.Name(), err.Error())
	}

	db := commands.New(commands.Config{Logger: zaptest.NewLogger(t), Store: root, Protected: protected})
	t.Cleanup(func() { db.Purge() })

	return db
}

func mustSucceed(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}
}

func createOrders(t *testing.T, db *commands.Database, keys ...float64) {
	mustSucceed(t, db.CreateCollection(context.Background(), "orders", collection.Options{PrimaryKey: keyPattern}))
	insert(t, db, keys...)
}

func insert(t *testing.T, db *commands.Database, keys ...float64) {
	docs := make([]document.Document, len(keys))

	for i, key := range keys {
		docs[i] = document.Document{"key": key}
	}

	_, err := db.Insert(context.Background(), "orders", docs...)
	mustSucceed(t, err)
}

func num(n float64) keystring.Tuple {
	return keystring.Tuple{keystring.Number(n)}
}

func int64p(i int64) *int64 {
	return &i
}

func TestCommands(t *testing.T) {
	for _, plugin := range plugins.Plugins() {
		t.Run(plugin.Name(), func(t *testing.T) {
			t.Run("add partition", func(t *testing.T) { testAddPartition(t, plugin) })
			t.Run("replay resolved request", func(t *testing.T) { testReplay(t, plugin) })
			t.Run("drop partition", func(t *testing.T) { testDropPartition(t, plugin) })
			t.Run("protected", func(t *testing.T) { testProtected(t, plugin) })
			t.Run("scan", func(t *testing.T) { testScan(t, plugin) })
			t.Run("collections", func(t *testing.T) { testCollections(t, plugin) })
			t.Run("concurrent", func(t *testing.T) { testConcurrent(t, plugin) })
			t.Run("context logger", func(t *testing.T) { testContextLogger(t, plugin) })
		})
	}
}

func testAddPartition(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	db := newDatabase(t, plugin)
	createOrders(t, db, 1, 2, 3)

	resolved, err := db.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders"})
	mustSucceed(t, err)

	expected := commands.AddPartitionRequest{
		Collection: "orders",
		NewMax:     num(3),
		Info:       &collection.PartitionInfo{ID: 1, Max: keystring.UpperBound(keyPattern.Ordering())},
	}

	if diff := cmp.Diff(expected, resolved); diff != "" {
		t.Fatal(diff)
	}

	testCases := map[string]struct {
		request commands.AddPartitionRequest
		err     error
	}{
		"empty last partition": {
			request: commands.AddPartitionRequest{Collection: "orders"},
			err:     collection.ErrEmptyLastPartition,
		},
		"bound not above previous bound": {
			request: commands.AddPartitionRequest{Collection: "orders", NewMax: num(3)},
			err:     partition.ErrInvalidBound,
		},
		"info names another id": {
			request: commands.AddPartitionRequest{Collection: "orders", NewMax: num(10), Info: &collection.PartitionInfo{ID: 7}},
			err:     commands.ErrPartitionIDMismatch,
		},
		"no collection": {
			request: commands.AddPartitionRequest{},
			err:     commands.ErrMissingCollection,
		},
		"unknown collection": {
			request: commands.AddPartitionRequest{Collection: "missing"},
			err:     collection.ErrNoSuchCollection,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := db.AddPartition(ctx, testCase.request)

			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected %#v, got %#v", testCase.err, err)
			}
		})
	}

	info, err := db.GetPartitionInfo(ctx, "orders")
	mustSucceed(t, err)

	if info.NumPartitions != 2 {
		t.Fatalf("expected 2 partitions after failed requests, got %d", info.NumPartitions)
	}
}

// A replica that applies the resolved request ends up with the same
// directory even though its own data would derive another bound
func testReplay(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	primary := newDatabase(t, plugin)
	replica := newDatabase(t, plugin)
	createOrders(t, primary, 1, 2, 3)
	createOrders(t, replica, 1, 2)

	resolved, err := primary.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders"})
	mustSucceed(t, err)

	_, err = replica.AddPartition(ctx, resolved)
	mustSucceed(t, err)

	primaryInfo, err := primary.GetPartitionInfo(ctx, "orders")
	mustSucceed(t, err)
	replicaInfo, err := replica.GetPartitionInfo(ctx, "orders")
	mustSucceed(t, err)

	if diff := cmp.Diff(primaryInfo, replicaInfo); diff != "" {
		t.Fatal(diff)
	}
}

func testDropPartition(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	db := newDatabase(t, plugin)
	createOrders(t, db, 100)

	for _, bound := range []float64{100, 200, 300} {
		_, err := db.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders", NewMax: num(bound)})
		mustSucceed(t, err)
	}

	testCases := map[string]struct {
		request commands.DropPartitionRequest
		err     error
	}{
		"neither id nor max": {
			request: commands.DropPartitionRequest{Collection: "orders"},
			err:     commands.ErrInvalidRequest,
		},
		"both id and max": {
			request: commands.DropPartitionRequest{Collection: "orders", ID: int64p(0), Max: document.Document{"key": 100.0}},
			err:     commands.ErrInvalidRequest,
		},
		"unknown id": {
			request: commands.DropPartitionRequest{Collection: "orders", ID: int64p(9)},
			err:     partition.ErrNoSuchPartition,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := db.DropPartition(ctx, testCase.request)

			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected %#v, got %#v", testCase.err, err)
			}
		})
	}

	response, err := db.DropPartition(ctx, commands.DropPartitionRequest{Collection: "orders", ID: int64p(1)})
	mustSucceed(t, err)

	if diff := cmp.Diff([]int64{1}, response.Dropped); diff != "" {
		t.Fatal(diff)
	}

	response, err = db.DropPartition(ctx, commands.DropPartitionRequest{Collection: "orders", Max: document.Document{"key": 1000.0}})
	mustSucceed(t, err)

	if diff := cmp.Diff([]int64{0, 2}, response.Dropped); diff != "" {
		t.Fatal(diff)
	}

	_, err = db.DropPartition(ctx, commands.DropPartitionRequest{Collection: "orders", ID: int64p(3)})

	if !errors.Is(err, partition.ErrCannotDropSolePartition) {
		t.Fatalf("expected ErrCannotDropSolePartition, got %#v", err)
	}

	info, err := db.GetPartitionInfo(ctx, "orders")
	mustSucceed(t, err)

	expected := collection.Info{
		NumPartitions: 1,
		Partitions:    []collection.PartitionInfo{{ID: 3, Max: keystring.UpperBound(keyPattern.Ordering())}},
	}

	if diff := cmp.Diff(expected, info); diff != "" {
		t.Fatal(diff)
	}
}

func testProtected(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	db := newDatabase(t, plugin, "orders")
	createOrders(t, db, 1)

	if _, err := db.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders"}); !errors.Is(err, commands.ErrProtectedCollection) {
		t.Fatalf("expected ErrProtectedCollection, got %#v", err)
	}

	_, err := db.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders", Force: true})
	mustSucceed(t, err)

	if _, err := db.DropPartition(ctx, commands.DropPartitionRequest{Collection: "orders", ID: int64p(0)}); !errors.Is(err, commands.ErrProtectedCollection) {
		t.Fatalf("expected ErrProtectedCollection, got %#v", err)
	}

	_, err = db.DropPartition(ctx, commands.DropPartitionRequest{Collection: "orders", ID: int64p(0), Force: true})
	mustSucceed(t, err)
}

func testScan(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	db := newDatabase(t, plugin)
	createOrders(t, db, 2, 1)

	_, err := db.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders"})
	mustSucceed(t, err)
	insert(t, db, 3)

	testCases := map[string]struct {
		request commands.ScanRequest
		keys    []float64
	}{
		"forward": {
			request: commands.ScanRequest{Collection: "orders"},
			keys:    []float64{2, 1, 3},
		},
		"backward": {
			request: commands.ScanRequest{Collection: "orders", Direction: kv.Backward},
			keys:    []float64{3, 1, 2},
		},
		"limit": {
			request: commands.ScanRequest{Collection: "orders", Limit: 2},
			keys:    []float64{2, 1},
		},
		"partition": {
			request: commands.ScanRequest{Collection: "orders", Partition: int64p(0)},
			keys:    []float64{2, 1},
		},
		"missing partition": {
			request: commands.ScanRequest{Collection: "orders", Partition: int64p(5)},
			keys:    []float64{},
		},
		"sort descending": {
			request: commands.ScanRequest{Collection: "orders", Sort: keystring.Pattern{{Path: "key", Direction: keystring.Descending}}},
			keys:    []float64{3, 2, 1},
		},
		"sort with limit": {
			request: commands.ScanRequest{Collection: "orders", Sort: keyPattern, Limit: 2},
			keys:    []float64{1, 2},
		},
		"sort one partition": {
			request: commands.ScanRequest{Collection: "orders", Partition: int64p(0), Sort: keyPattern},
			keys:    []float64{1, 2},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			entries, err := db.Scan(ctx, testCase.request)
			mustSucceed(t, err)

			keys := []float64{}

			for _, entry := range entries {
				keys = append(keys, entry.Document["key"].(float64))
			}

			if diff := cmp.Diff(testCase.keys, keys); diff != "" {
				t.Fatal(diff)
			}
		})
	}

	if _, err := db.Scan(ctx, commands.ScanRequest{Collection: "orders", Sort: keystring.Pattern{{Path: "key"}}}); !errors.Is(err, commands.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %#v", err)
	}

	mustSucceed(t, db.CreateIndex(ctx, "orders", index.Descriptor{Name: "key", Pattern: keyPattern, Unique: true}))

	if _, err := db.Insert(ctx, "orders", document.Document{"key": 3.0}); !errors.Is(err, kv.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %#v", err)
	}

	stats, err := db.Stats(ctx, "orders")
	mustSucceed(t, err)

	if stats.NumRecords != 3 {
		t.Fatalf("expected 3 records, got %d", stats.NumRecords)
	}

	mustSucceed(t, db.DropIndex(ctx, "orders", "key"))
}

func testCollections(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	db := newDatabase(t, plugin)

	names, err := db.Collections(ctx)
	mustSucceed(t, err)

	if diff := cmp.Diff([]string{}, names); diff != "" {
		t.Fatal(diff)
	}

	createOrders(t, db, 1)

	if err := db.CreateCollection(ctx, "orders", collection.Options{}); !errors.Is(err, collection.ErrCollectionExists) {
		t.Fatalf("expected ErrCollectionExists, got %#v", err)
	}

	if err := db.CreateCollection(ctx, "bad.name", collection.Options{}); !errors.Is(err, collection.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %#v", err)
	}

	names, err = db.Collections(ctx)
	mustSucceed(t, err)

	if diff := cmp.Diff([]string{"orders"}, names); diff != "" {
		t.Fatal(diff)
	}

	mustSucceed(t, db.DropCollection(ctx, "orders"))

	if _, err := db.GetPartitionInfo(ctx, "orders"); !errors.Is(err, collection.ErrNoSuchCollection) {
		t.Fatalf("expected ErrNoSuchCollection, got %#v", err)
	}

	createOrders(t, db, 5)

	entries, err := db.Scan(ctx, commands.ScanRequest{Collection: "orders"})
	mustSucceed(t, err)

	if len(entries) != 1 {
		t.Fatalf("expected a recreated collection to hold only new documents, got %#v", entries)
	}
}

func testConcurrent(t *testing.T, plugin kv.Plugin) {
	ctx := context.Background()
	db := newDatabase(t, plugin)
	createOrders(t, db)

	var wg sync.WaitGroup
	errs := make(chan error, 40)

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				key := float64(worker*100 + j)

				if _, err := db.Insert(ctx, "orders", document.Document{"key": key}); err != nil {
					errs <- err
				}

				if _, err := db.Scan(ctx, commands.ScanRequest{Collection: "orders", Limit: 5}); err != nil {
					errs <- err
				}
			}
		}(i)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for j := 0; j < 5; j++ {
			_, err := db.AddPartition(ctx, commands.AddPartitionRequest{Collection: "orders"})

			if err != nil && !errors.Is(err, collection.ErrEmptyLastPartition) {
				errs <- err
			}
		}
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	stats, err := db.Stats(ctx, "orders")
	mustSucceed(t, err)

	if stats.NumRecords != 40 {
		t.Fatalf("expected 40 records, got %d", stats.NumRecords)
	}
}

func testContextLogger(t *testing.T, plugin kv.Plugin) {
	db := newDatabase(t, plugin)
	mustSucceed(t, db.CreateCollection(context.Background(), "orders", collection.Options{PrimaryKey: keyPattern}))

	core, logs := observer.New(zap.DebugLevel)
	ctx := log.WithFields(log.WithLogger(context.Background(), zap.New(core)), zap.String("command", "insert"))

	_, err := db.Insert(ctx, "orders", document.Document{"key": 1.0})
	mustSucceed(t, err)

	entries := logs.FilterMessage("start").All()

	if len(entries) != 1 {
		t.Fatalf("expected 1 start entry on the context logger, got %d", len(entries))
	}

	fields := entries[0].ContextMap()

	if fields["operation"] != "Insert" || fields["collection"] != "orders" || fields["command"] != "insert" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}
