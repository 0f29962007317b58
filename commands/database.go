// Package commands implements the command surface over partitioned
// collections: adding and dropping partitions, partition introspection
// and the document operations the CLI needs. Every command runs in its
// own transaction against a Database.
package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/jrife/strata/storage/collection"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/utils/log"
	"go.uber.org/zap"
)

// Config contains configuration for a database
type Config struct {
	Logger *zap.Logger
	Store  kv.RootStore
	// Protected lists collections whose partitions may only be
	// changed by requests that set Force
	Protected []string
}

// Database is a set of named collections over one root store.
// Collections are opened from the catalog on first use and cached.
// It is safe for concurrent use.
type Database struct {
	logger      *zap.Logger
	root        kv.RootStore
	protected   map[string]bool
	locks       *lockMap
	mu          sync.Mutex
	collections map[string]*collection.Collection
}

// TxnFunc runs inside a transaction on a collection
type TxnFunc func(txn kv.Transaction, c *collection.Collection) error

// New creates a database backed by a root store
func New(config Config) *Database {
	db := &Database{
		logger:      config.Logger,
		root:        config.Store,
		protected:   map[string]bool{},
		locks:       newLockMap(),
		collections: map[string]*collection.Collection{},
	}

	if db.logger == nil {
		db.logger = zap.L()
	}

	for _, name := range config.Protected {
		db.protected[name] = true
	}

	return db
}

// operationLogger tags a logger for one operation. A logger passed
// through ctx with log.WithLogger takes the place of the database's.
func (db *Database) operationLogger(ctx context.Context, operation string) *zap.Logger {
	logger, _ := log.LoggerFromContext(ctx, db.logger)

	return log.Operation(ctx, logger, operation)
}

// CreateCollection creates a collection with a single open partition
func (db *Database) CreateCollection(ctx context.Context, name string, options collection.Options) error {
	logger := db.operationLogger(ctx, "CreateCollection").With(zap.String("collection", name))
	logger.Debug("start")

	defer db.locks.Lock(name)()

	if options.Logger == nil {
		options.Logger = db.logger
	}

	err := db.update(func(txn kv.Transaction) error {
		c, err := collection.Create(txn, db.root, name, options)

		if err != nil {
			return err
		}

		txn.OnCommit(func() { db.cache(name, c) })

		return nil
	})

	if err != nil {
		err = wrapError("could not create collection", err)
		logger.Debug("error", zap.Error(err))

		return err
	}

	return nil
}

// DropCollection drops a collection and every partition it has
func (db *Database) DropCollection(ctx context.Context, name string) error {
	logger := db.operationLogger(ctx, "DropCollection").With(zap.String("collection", name))
	logger.Debug("start")

	defer db.locks.Lock(name)()

	c, err := db.collection(name)

	if err != nil {
		return err
	}

	err = db.update(func(txn kv.Transaction) error {
		if err := c.Drop(txn); err != nil {
			return err
		}

		txn.OnCommit(func() { db.evict(name) })

		return nil
	})

	if err != nil {
		err = wrapError("could not drop collection", err)
		logger.Debug("error", zap.Error(err))

		return err
	}

	return nil
}

// Collections lists the names of every collection
func (db *Database) Collections(ctx context.Context) ([]string, error) {
	var names []string

	err := db.view(func(txn kv.Transaction) error {
		var err error
		names, err = collection.Names(txn)

		return err
	})

	if err != nil {
		return nil, wrapError("could not list collections", err)
	}

	return names, nil
}

// View runs fn in a read-only transaction on the named collection
func (db *Database) View(ctx context.Context, name string, fn TxnFunc) error {
	defer db.locks.RLock(name)()

	return db.run(name, false, fn)
}

// Update runs fn in a writable transaction on the named collection and
// commits if fn succeeds. fn must not change the partitions or indexes
// of the collection. Use Exclusive for that.
func (db *Database) Update(ctx context.Context, name string, fn TxnFunc) error {
	defer db.locks.RLock(name)()

	return db.run(name, true, fn)
}

// Exclusive is like Update but holds the collection exclusively
func (db *Database) Exclusive(ctx context.Context, name string, fn TxnFunc) error {
	defer db.locks.Lock(name)()

	return db.run(name, true, fn)
}

func (db *Database) run(name string, writable bool, fn TxnFunc) error {
	c, err := db.collection(name)

	if err != nil {
		return err
	}

	if writable {
		return db.update(func(txn kv.Transaction) error { return fn(txn, c) })
	}

	return db.view(func(txn kv.Transaction) error { return fn(txn, c) })
}

// collection returns the cached collection or opens it from the catalog.
// The first open runs in a writable transaction so dictionaries orphaned
// by an interrupted drop are swept.
func (db *Database) collection(name string) (*collection.Collection, error) {
	if name == "" {
		return nil, ErrMissingCollection
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.collections[name]; ok {
		return c, nil
	}

	var c *collection.Collection

	err := db.update(func(txn kv.Transaction) error {
		var err error
		c, err = collection.Open(txn, db.root, name, db.logger)

		return err
	})

	if err != nil {
		return nil, wrapError(fmt.Sprintf("could not open collection %s", name), err)
	}

	db.collections[name] = c

	return c, nil
}

func (db *Database) cache(name string, c *collection.Collection) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.collections[name] = c
}

func (db *Database) evict(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.collections, name)
}

func (db *Database) update(fn func(txn kv.Transaction) error) error {
	txn, err := db.root.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}

	return txn.Commit()
}

func (db *Database) view(fn func(txn kv.Transaction) error) error {
	txn, err := db.root.Begin(false)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer txn.Rollback()

	return fn(txn)
}

// Close closes the root store
func (db *Database) Close() error {
	return db.root.Close()
}

// Purge deletes the root store and all its data
func (db *Database) Purge() error {
	return db.root.Delete()
}
