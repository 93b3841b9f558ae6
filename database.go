// Package polodb is an embeddable, MongoDB-shaped document database: a
// storage-agnostic core (Key Codec, bytecode VM, codegen) driven through a
// small Database/Collection/Session facade.
package polodb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/config"
	"github.com/polodb/polodb/internal/index"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/boltkv"
	"github.com/polodb/polodb/internal/kv/memkv"
	"github.com/polodb/polodb/internal/metrics"
)

// lockFileName is created alongside the bbolt data file to hold the
// exclusive directory lock spec §4.7 requires of Database.OpenPath.
const lockFileName = "polodb.lock"

// dataFileName is the bbolt data file created inside an OpenPath directory.
const dataFileName = "polodb.db"

// Database owns a KvEngine, the collection catalog, and (for a disk-backed
// database) the exclusive file lock acquired for its lifetime (spec §5:
// "the file lock is held for the lifetime of a disk-backed Database").
// A Database is safe for concurrent use by multiple goroutines; each
// Session started from it drives its own transaction independently.
type Database struct {
	engine   kv.Engine
	catalog  *catalog.Catalog
	lock     *flock.Flock
	Metrics  *metrics.Set
	readOnly bool

	mu     sync.Mutex
	closed bool
}

// OpenPath opens (creating if necessary) a disk-backed database rooted at
// dir, using go.etcd.io/bbolt as the storage engine. It acquires an
// exclusive lock on dir for the database's lifetime; a second OpenPath
// against the same directory returns ErrDatabaseBusy.
func OpenPath(dir string, opts ...config.DatabaseOption) (*Database, error) {
	cfg := config.DefaultDatabaseConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newError(KindStorage, "open_path", err)
	}

	lk := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, newError(KindStorage, "open_path", err)
	}
	if !ok {
		return nil, newError(KindStorage, "open_path", ErrDatabaseBusy, "path", dir)
	}

	e, err := boltkv.OpenWithOptions(filepath.Join(dir, dataFileName), cfg.SyncMode == config.SyncModeNone, cfg.ReadOnly)
	if err != nil {
		lk.Unlock()
		return nil, newError(KindStorage, "open_path", err)
	}
	return newDatabase(e, lk, cfg)
}

// OpenMemory opens an in-memory database backed by github.com/google/btree.
// Data does not survive process exit; no file lock is taken.
func OpenMemory(opts ...config.DatabaseOption) (*Database, error) {
	cfg := config.DefaultDatabaseConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return newDatabase(memkv.New(), nil, cfg)
}

func newDatabase(e kv.Engine, lk *flock.Flock, cfg config.DatabaseConfig) (*Database, error) {
	cat := catalog.New()
	txn, err := e.Begin(context.Background(), kv.Read)
	if err != nil {
		return nil, newError(KindStorage, "open", err)
	}
	if err := cat.Load(txn); err != nil {
		txn.Rollback()
		return nil, newError(KindStorage, "open", err)
	}
	txn.Rollback()

	return &Database{
		engine:   e,
		catalog:  cat,
		lock:     lk,
		Metrics:  metrics.NewSet(),
		readOnly: cfg.ReadOnly,
	}, nil
}

// Close releases the underlying KvEngine and, for a disk-backed database,
// the directory lock.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	err := db.engine.Close()
	if db.lock != nil {
		if uerr := db.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

// Collection returns a handle for operating on the named collection. The
// collection need not already exist: against a nonexistent collection,
// reads return no documents, updates and deletes match nothing, and the
// first insert creates it.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// ListCollectionNames returns every collection name in catalog insertion
// order (spec's original_source-derived behavior, §[SUPPLEMENT]).
func (db *Database) ListCollectionNames() []string {
	return db.catalog.ListNames()
}

// CreateCollection creates an empty collection named name, auto-committing
// a single transaction around the catalog write.
func (db *Database) CreateCollection(name string) error {
	return db.withAutoTxn(kv.Write, func(txn kv.Txn) error {
		_, err := db.catalog.CreateCollection(txn, name)
		return wrapCatalogErr("create_collection", err)
	})
}

// DropCollection removes a collection's catalog entry, data, and indexes.
// Dropping a collection that does not exist is not an error (spec
// §[SUPPLEMENT], grounded in original_source's drop_collection).
func (db *Database) DropCollection(name string) error {
	return db.withAutoTxn(kv.Write, func(txn kv.Txn) error {
		return dropCollectionTxn(txn, db.catalog, name)
	})
}

// dropCollectionTxn is the shared body of Database.DropCollection and
// Collection.Drop, so a Drop issued against a Session's open transaction
// gets the same index/data/catalog cleanup as the auto-committed path.
func dropCollectionTxn(txn kv.Txn, cat *catalog.Catalog, name string) error {
	cs, err := cat.GetSpec(txn, name)
	if err != nil {
		if err == catalog.ErrCollectionNotFound {
			return nil
		}
		return wrapCatalogErr("drop_collection", err)
	}
	if err := index.DropAll(txn, name, cs); err != nil {
		return newError(KindStorage, "drop_collection", err)
	}
	prefix, perr := keycodec.CollectionDataPrefix(name)
	if perr != nil {
		return newError(KindStorage, "drop_collection", perr)
	}
	kv.DeletePrefix(txn, prefix)
	return wrapCatalogErr("drop_collection", cat.DropCollection(txn, name))
}

// StartSession creates a new Session bound to this database. Sessions are
// cheap (spec §4.6) and hold no transaction until one is started, explicitly
// or via an operation's auto-transaction.
func (db *Database) StartSession() *Session {
	return newSession(db)
}

// withAutoTxn runs fn inside a freshly begun, auto-committed transaction —
// the shape every top-level Database/Collection operation that doesn't go
// through an explicit Session uses (spec §4.6's auto_start/auto_commit,
// collapsed to depth-1 since there is no surrounding user transaction here).
func (db *Database) withAutoTxn(ty kv.TxType, fn func(kv.Txn) error) error {
	if ty == kv.Write && db.readOnly {
		return newError(KindTransaction, "auto_txn", ErrDatabaseReadOnly)
	}
	txn, err := db.engine.Begin(context.Background(), ty)
	if err != nil {
		return newError(KindTransaction, "auto_txn", err)
	}
	if ferr := fn(txn); ferr != nil {
		txn.Rollback()
		db.revalidateCatalog()
		return ferr
	}
	if ty == kv.Write {
		if err := txn.Commit(); err != nil {
			db.revalidateCatalog()
			return newError(KindTransaction, "auto_txn", err)
		}
		return nil
	}
	return txn.Rollback()
}

// revalidateCatalog discards the catalog's in-memory cache and reloads it
// from a fresh read transaction, the recovery spec §4.2 requires whenever a
// transaction that may have touched the catalog is rolled back or fails to
// commit.
func (db *Database) revalidateCatalog() {
	txn, err := db.engine.Begin(context.Background(), kv.Read)
	if err != nil {
		return
	}
	defer txn.Rollback()
	db.catalog.InvalidateAll(txn)
}

func wrapCatalogErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, catalog.ErrCollectionNotFound):
		return newError(KindNotFound, op, ErrCollectionNotFound)
	case errors.Is(err, catalog.ErrCollectionAlreadyExists):
		return newError(KindConstraint, op, ErrCollectionAlreadyExists)
	case errors.Is(err, catalog.ErrIllegalCollectionName):
		return newError(KindValidation, op, ErrIllegalCollectionName)
	default:
		return newError(KindStorage, op, err)
	}
}
