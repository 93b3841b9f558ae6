// Package boltkv implements the kv.Engine port over go.etcd.io/bbolt,
// backing Database.OpenPath. A single bucket holds the entire PoloDB
// keyspace; bbolt's own MVCC snapshotting gives read transactions the
// isolation spec invariant 6 requires for free.
package boltkv

import (
	"context"
	"errors"

	bolt "go.etcd.io/bbolt"

	"github.com/polodb/polodb/internal/kv"
)

var bucketName = []byte("polodb")

// Engine is an on-disk kv.Engine backed by bbolt.
type Engine struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens (creating if necessary) a bbolt-backed engine at path with
// bbolt's default fsync-on-commit behavior.
func Open(path string) (*Engine, error) {
	return OpenWithOptions(path, false, false)
}

// OpenWithOptions opens path with the on-disk durability/accessibility
// knobs Database.OpenPath's config.DatabaseConfig exposes: noSync maps to
// bbolt's Options.NoSync (config.SyncModeNone), readOnly opens the file in
// bbolt's read-only mode and rejects write transactions at Begin.
func OpenWithOptions(path string, noSync, readOnly bool) (*Engine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	db.NoSync = noSync
	if !readOnly {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Engine{db: db, readOnly: readOnly}, nil
}

// Begin starts a new bbolt transaction of the requested type. Begin with
// kv.Write on a read-only engine fails rather than opening a transaction
// bbolt itself would reject.
func (e *Engine) Begin(ctx context.Context, ty kv.TxType) (kv.Txn, error) {
	if ty == kv.Write && e.readOnly {
		return nil, errors.New("boltkv: engine is open read-only")
	}
	tx, err := e.db.Begin(ty == kv.Write)
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx, bucket: tx.Bucket(bucketName), writable: ty == kv.Write}, nil
}

// Close flushes and closes the underlying bbolt database file.
func (e *Engine) Close() error {
	return e.db.Close()
}

type txn struct {
	tx       *bolt.Tx
	bucket   *bolt.Bucket
	writable bool
	done     bool
}

func (t *txn) Writable() bool { return t.writable }

func (t *txn) Get(key []byte) ([]byte, bool) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, false
	}
	// bbolt's Get returns a slice valid only for the transaction's lifetime;
	// copy it out so callers may hold onto it past Commit/Rollback.
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

func (t *txn) Put(key, val []byte) {
	// Errors are surfaced at Commit time via tx.Commit's return value, same
	// as bbolt's own idiom of deferring error handling to the batch commit.
	_ = t.bucket.Put(key, val)
}

func (t *txn) Delete(key []byte) {
	_ = t.bucket.Delete(key)
}

func (t *txn) NewIterator() kv.Iter {
	return &iterator{cursor: t.bucket.Cursor()}
}

func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.writable {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

type iterator struct {
	cursor       *bolt.Cursor
	key, val     []byte
	valid        bool
}

func (it *iterator) Seek(key []byte) {
	k, v := it.cursor.Seek(key)
	it.set(k, v)
}

func (it *iterator) SeekToFirst() {
	k, v := it.cursor.First()
	it.set(k, v)
}

func (it *iterator) set(k, v []byte) {
	if k == nil {
		it.valid = false
		it.key, it.val = nil, nil
		return
	}
	it.valid = true
	it.key = append([]byte(nil), k...)
	it.val = append([]byte(nil), v...)
}

func (it *iterator) Valid() bool { return it.valid }

func (it *iterator) Next() {
	k, v := it.cursor.Next()
	it.set(k, v)
}

func (it *iterator) Key() []byte   { return it.key }
func (it *iterator) Value() []byte { return it.val }
func (it *iterator) Close()        {}

// ErrNotOpen names the condition of an engine that is not open. No method
// of Engine returns it; operations on a closed engine surface bbolt's own
// errors.
var ErrNotOpen = errors.New("boltkv: engine is not open")
