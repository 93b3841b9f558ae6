// Package kv defines the ordered key/value storage port the rest of the
// engine is built against (spec §6.1's KvEngine trait), plus two concrete
// backends: boltkv (on-disk, go.etcd.io/bbolt) and memkv (in-memory,
// github.com/google/btree). Every prefix scan in the core is expressed as
// Seek(prefix) followed by Valid()/HasPrefix(prefix) checks, exactly as the
// spec's §6.1 contract describes.
package kv

import "context"

// TxType selects whether a transaction may mutate the store.
type TxType int

const (
	// Read opens a read-only, snapshot-isolated transaction.
	Read TxType = iota
	// Write opens a read-write transaction.
	Write
)

// Engine is the storage port every backend implements.
type Engine interface {
	// Begin starts a new transaction of the given type.
	Begin(ctx context.Context, ty TxType) (Txn, error)
	// Close releases any resources held by the engine.
	Close() error
}

// Txn is a single transaction against an Engine. All reads within a Txn
// observe a consistent snapshot; writes are only visible to other
// transactions after Commit.
type Txn interface {
	// Get returns the value stored at key, or (nil, false) if absent.
	Get(key []byte) ([]byte, bool)
	// Put writes val at key, overwriting any existing value.
	Put(key, val []byte)
	// Delete removes key, silently succeeding if it is absent.
	Delete(key []byte)
	// NewIterator returns a forward, ordered, snapshot-consistent iterator.
	NewIterator() Iter
	// Commit applies all writes atomically. A Txn must not be used after
	// Commit or Rollback.
	Commit() error
	// Rollback discards all writes.
	Rollback() error
	// Writable reports whether the transaction was opened with TxType Write.
	Writable() bool
}

// Iter is a forward iterator over an Engine's key space as observed by the
// Txn that created it.
type Iter interface {
	// Seek positions the iterator at the first key >= key.
	Seek(key []byte)
	// SeekToFirst positions the iterator at the first key in the store.
	SeekToFirst()
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool
	// Next advances the iterator.
	Next()
	// Key returns the current entry's key. Only valid while Valid().
	Key() []byte
	// Value returns the current entry's value. Only valid while Valid().
	Value() []byte
	// Close releases resources held by the iterator.
	Close()
}

// HasPrefix reports whether key starts with prefix, the idiom every
// prefix-scan in the core uses to bound a Seek loop.
func HasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// DeletePrefix removes every key under prefix within txn. It is used for
// dropping a collection's data and for dropping an index's entries, both of
// which must happen inside the caller's transaction to satisfy invariant 3
// (index entries and data records commit atomically).
func DeletePrefix(txn Txn, prefix []byte) {
	it := txn.NewIterator()
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.Valid() && HasPrefix(it.Key(), prefix); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	for _, k := range keys {
		txn.Delete(k)
	}
}
