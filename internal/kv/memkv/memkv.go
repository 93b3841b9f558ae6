// Package memkv implements the kv.Engine port over an in-memory ordered
// b-tree, backing Database.OpenMemory. Snapshot isolation (spec invariant 6
// and testable property 4) comes from github.com/google/btree's O(1)
// copy-on-write Clone: every transaction works against its own clone of the
// tree and write transactions publish their clone back to the engine only on
// Commit, under a mutex, the same single-writer/many-readers shape the
// teacher's memdb engine gets for free from hashicorp/go-memdb.
package memkv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/polodb/polodb/internal/kv"
)

const degree = 32

// item is the btree.Item stored in the tree: a key/value pair ordered by key.
type item struct {
	key []byte
	val []byte
}

func (a *item) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(*item).key) < 0
}

// Engine is an in-memory kv.Engine backed by github.com/google/btree.
type Engine struct {
	mu     sync.Mutex // held by the open write transaction
	treeMu sync.Mutex // guards cloning and swapping tree
	tree   *btree.BTree
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{tree: btree.New(degree)}
}

// Begin starts a new transaction. Read transactions take an immediate clone
// of the current tree without waiting for an open write transaction; write
// transactions hold the engine mutex for their lifetime so that only one
// write transaction is in flight at a time, matching spec §5's single-writer
// discipline.
func (e *Engine) Begin(ctx context.Context, ty kv.TxType) (kv.Txn, error) {
	if ty == kv.Write {
		e.mu.Lock()
	}
	e.treeMu.Lock()
	snap := e.tree.Clone()
	e.treeMu.Unlock()
	return &txn{engine: e, tree: snap, writable: ty == kv.Write}, nil
}

// Close is a no-op for the in-memory engine; there is nothing to flush.
func (e *Engine) Close() error { return nil }

type txn struct {
	engine   *Engine
	tree     *btree.BTree
	writable bool
	done     bool
}

func (t *txn) Writable() bool { return t.writable }

func (t *txn) Get(key []byte) ([]byte, bool) {
	it := t.tree.Get(&item{key: key})
	if it == nil {
		return nil, false
	}
	return it.(*item).val, true
}

func (t *txn) Put(key, val []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), val...)
	t.tree.ReplaceOrInsert(&item{key: k, val: v})
}

func (t *txn) Delete(key []byte) {
	t.tree.Delete(&item{key: key})
}

func (t *txn) NewIterator() kv.Iter {
	return &iterator{tree: t.tree}
}

func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.writable {
		t.engine.treeMu.Lock()
		t.engine.tree = t.tree
		t.engine.treeMu.Unlock()
		t.engine.mu.Unlock()
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.writable {
		// Discard this transaction's clone; the engine's tree is untouched.
		t.engine.mu.Unlock()
	}
	return nil
}

// iterator walks a (possibly stale, always consistent) snapshot of the tree.
type iterator struct {
	tree    *btree.BTree
	cur     *item
	started bool
	seekKey []byte
	done    bool
}

func (it *iterator) Seek(key []byte) {
	it.seekKey = append([]byte(nil), key...)
	it.started = true
	it.done = false
	it.advance(it.seekKey)
}

func (it *iterator) SeekToFirst() {
	it.started = true
	it.done = false
	it.advance(nil)
}

func (it *iterator) advance(from []byte) {
	it.cur = nil
	var found *item
	visit := func(i btree.Item) bool {
		found = i.(*item)
		return false
	}
	if from == nil {
		it.tree.Ascend(visit)
	} else {
		it.tree.AscendGreaterOrEqual(&item{key: from}, visit)
	}
	if found == nil {
		it.done = true
		return
	}
	it.cur = found
}

func (it *iterator) Valid() bool {
	return it.started && !it.done && it.cur != nil
}

func (it *iterator) Next() {
	if it.cur == nil {
		it.done = true
		return
	}
	// Find the smallest key strictly greater than the current one.
	last := it.cur.key
	var found *item
	it.tree.AscendGreaterOrEqual(&item{key: last}, func(i btree.Item) bool {
		cand := i.(*item)
		if bytes.Equal(cand.key, last) {
			return true
		}
		found = cand
		return false
	})
	if found == nil {
		it.done = true
		it.cur = nil
		return
	}
	it.cur = found
}

func (it *iterator) Key() []byte   { return it.cur.key }
func (it *iterator) Value() []byte { return it.cur.val }
func (it *iterator) Close()        {}
