package polodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/codegen"
	"github.com/polodb/polodb/internal/index"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/vm"
)

// Collection is a handle to a named collection of bson.M documents (spec
// §4.6/§4.7). A Collection obtained from Database.Collection drives codegen
// and the VM through its own auto-committed transaction per call; one
// obtained from Session.Collection joins that session's open transaction
// instead, deferring commit/abort to the caller.
type Collection struct {
	db      *Database
	name    string
	session *Session // nil for Database.Collection; set for Session.Collection
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// IndexModel describes an index to create via CreateIndex: a single
// ascending field (spec §3/§9 — compound and descending indexes are
// rejected by internal/index.ValidateSpec).
type IndexModel struct {
	Name   string
	Field  string
	Unique bool
}

// UpdateResult reports how many documents an update_one/update_many call
// matched and actually modified.
type UpdateResult struct {
	MatchedCount int64
	ModifiedCount int64
}

// DeleteResult reports how many documents a delete_one/delete_many call
// removed.
type DeleteResult struct {
	DeletedCount int64
}

// withTxn runs fn against a transaction of type ty: the bound Session's
// open transaction if one exists, otherwise a freshly begun transaction
// that auto-commits on success (spec §4.6's auto_start/auto_commit).
func (c *Collection) withTxn(ty kv.TxType, fn func(kv.Txn) error) error {
	if c.session != nil && c.session.txn != nil {
		if ty == kv.Write && !c.session.txn.Writable() {
			return newError(KindTransaction, "write", ErrNoTransactionStarted)
		}
		return fn(c.session.txn)
	}
	return c.db.withAutoTxn(ty, fn)
}

// beginRead opens a read transaction for find()/aggregate(): the bound
// Session's open transaction if one exists (in which case the returned
// Cursor must not roll it back on Close), otherwise a fresh one the Cursor
// owns outright.
func (c *Collection) beginRead() (txn kv.Txn, ownsTxn bool, err error) {
	if c.session != nil && c.session.txn != nil {
		return c.session.txn, false, nil
	}
	txn, err = c.db.engine.Begin(context.Background(), kv.Read)
	if err != nil {
		return nil, false, newError(KindTransaction, "read", err)
	}
	return txn, true, nil
}

// instrument bumps Metrics.OperationsTotal for op and returns a func to call
// on return that records its duration, the same before/after shape the
// teacher's HTTP handlers use around its own request metrics.
func (c *Collection) instrument(op string) func() {
	start := time.Now()
	c.db.Metrics.OperationsTotal.WithLabelValues(c.name, op).Inc()
	return func() {
		c.db.Metrics.OperationDuration.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())
	}
}

// getOrCreateSpec fetches the collection's CollectionSpec, creating it
// implicitly on first write the way spec §4.2 describes ("CollectionSpec is
// created on first create_collection or implicitly on first write").
func (c *Collection) getOrCreateSpec(txn kv.Txn, createIfMissing bool) (*catalog.CollectionSpec, error) {
	cs, err := c.db.catalog.GetSpec(txn, c.name)
	if err == nil {
		return cs, nil
	}
	if err != catalog.ErrCollectionNotFound || !createIfMissing {
		return nil, wrapCatalogErr("collection", err)
	}
	return c.db.catalog.CreateCollection(txn, c.name)
}

// InsertOne inserts doc, assigning a fresh ObjectID to _id if doc doesn't
// already carry one, and returns the inserted _id.
func (c *Collection) InsertOne(doc bson.M) (any, error) {
	defer c.instrument("insert_one")()
	var id any
	err := c.withTxn(kv.Write, func(txn kv.Txn) error {
		cs, err := c.getOrCreateSpec(txn, true)
		if err != nil {
			return err
		}
		var insErr error
		id, insErr = c.insertOne(txn, cs, doc)
		return insErr
	})
	return id, err
}

// InsertMany inserts every document in docs inside a single transaction,
// returning their assigned _ids in order.
func (c *Collection) InsertMany(docs []bson.M) ([]any, error) {
	defer c.instrument("insert_many")()
	ids := make([]any, 0, len(docs))
	err := c.withTxn(kv.Write, func(txn kv.Txn) error {
		cs, err := c.getOrCreateSpec(txn, true)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			id, insErr := c.insertOne(txn, cs, doc)
			if insErr != nil {
				return insErr
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (c *Collection) insertOne(txn kv.Txn, cs *catalog.CollectionSpec, doc bson.M) (any, error) {
	id, ok := doc["_id"]
	if !ok {
		id = primitive.NewObjectID()
		doc["_id"] = id
	}
	key, err := keycodec.DocumentKey(c.name, id)
	if err != nil {
		return nil, newError(KindValidation, "insert", err)
	}
	if _, exists := txn.Get(key); exists {
		return nil, newError(KindConstraint, "insert", ErrDuplicateKey, "namespace", c.name, "key", id)
	}
	if err := index.OnInsert(txn, c.name, cs, doc); err != nil {
		return nil, wrapIndexErr("insert", err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, newError(KindIO, "insert", err)
	}
	txn.Put(key, raw)
	return id, nil
}

// Find compiles filter and returns a streaming Cursor over every matching
// document. The returned Cursor reads through the bound Session's open
// transaction when there is one and otherwise owns a read transaction of its
// own; callers must Close it (All does this automatically).
func (c *Collection) Find(filter bson.M) (*Cursor, error) {
	txn, owns, err := c.beginRead()
	if err != nil {
		return nil, err
	}
	cs, err := c.db.catalog.GetSpec(txn, c.name)
	if err != nil {
		if owns {
			txn.Rollback()
		}
		if err == catalog.ErrCollectionNotFound {
			return newAggregateCursor(txn, owns, emptyStepper{}), nil
		}
		return nil, wrapCatalogErr("find", err)
	}
	prog, err := codegen.CompileFilter(c.name, cs, filter)
	if err != nil {
		if owns {
			txn.Rollback()
		}
		return nil, newError(KindValidation, "find", err)
	}
	debugf("polodb: find %s: compiled %d instructions", c.name, len(prog.Instructions))
	if idxName, _, ok := index.Pick(cs, filter); ok {
		c.db.Metrics.IndexHitsTotal.WithLabelValues(c.name, idxName).Inc()
	}
	return newFilterCursor(txn, owns, vm.New(prog, txn)), nil
}

// FindOne returns the first document matching filter, or ErrNoSuchDocument
// if none match. It is find() with an implicit limit(1): the cursor is
// abandoned (not driven to completion) after the first row, the same
// codegen-level convenience original_source's find_one uses rather than a
// dedicated VM path.
func (c *Collection) FindOne(filter bson.M) (bson.M, error) {
	defer c.instrument("find_one")()
	cur, err := c.Find(filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if !cur.Advance() {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, newError(KindNotFound, "find_one", ErrNoSuchDocument)
	}
	return cur.Current(), nil
}

// UpdateOne applies update's operators to the first document matching
// filter.
func (c *Collection) UpdateOne(filter, update bson.M) (UpdateResult, error) {
	return c.runUpdate(filter, update, 1)
}

// UpdateMany applies update's operators to every document matching filter.
func (c *Collection) UpdateMany(filter, update bson.M) (UpdateResult, error) {
	return c.runUpdate(filter, update, 0)
}

func (c *Collection) runUpdate(filter, update bson.M, limit int) (UpdateResult, error) {
	op := "update_many"
	if limit == 1 {
		op = "update_one"
	}
	defer c.instrument(op)()
	var res UpdateResult
	err := c.withTxn(kv.Write, func(txn kv.Txn) error {
		cs, err := c.getOrCreateSpec(txn, false)
		if err != nil {
			return err
		}
		prog, err := codegen.CompileUpdate(c.name, cs, filter, update, limit)
		if err != nil {
			return newError(KindValidation, "update", err)
		}
		m := vm.New(prog, txn)
		if _, err := m.Run(); err != nil {
			return wrapVMErr("update", err)
		}
		c.db.Metrics.VMStepsTotal.WithLabelValues(c.name).Add(float64(m.StepsExecuted()))
		debugf("polodb: update %s: %d steps, matched=%d modified=%d", c.name, m.StepsExecuted(), m.RowsMatched(), m.RowsModified())
		res.MatchedCount = int64(m.RowsMatched())
		res.ModifiedCount = int64(m.RowsModified())
		return nil
	})
	if err != nil && Is(err, KindNotFound) {
		return UpdateResult{}, nil
	}
	return res, err
}

// DeleteOne removes the first document matching filter.
func (c *Collection) DeleteOne(filter bson.M) (DeleteResult, error) {
	return c.runDelete(filter, 1)
}

// DeleteMany removes every document matching filter.
func (c *Collection) DeleteMany(filter bson.M) (DeleteResult, error) {
	return c.runDelete(filter, 0)
}

func (c *Collection) runDelete(filter bson.M, limit int) (DeleteResult, error) {
	op := "delete_many"
	if limit == 1 {
		op = "delete_one"
	}
	defer c.instrument(op)()
	var res DeleteResult
	err := c.withTxn(kv.Write, func(txn kv.Txn) error {
		cs, err := c.getOrCreateSpec(txn, false)
		if err != nil {
			return err
		}
		prog, err := codegen.CompileDelete(c.name, cs, filter, limit)
		if err != nil {
			return newError(KindValidation, "delete", err)
		}
		m := vm.New(prog, txn)
		if _, err := m.Run(); err != nil {
			return wrapVMErr("delete", err)
		}
		c.db.Metrics.VMStepsTotal.WithLabelValues(c.name).Add(float64(m.StepsExecuted()))
		res.DeletedCount = int64(m.RowsMatched())
		return nil
	})
	if err != nil && Is(err, KindNotFound) {
		return DeleteResult{}, nil
	}
	return res, err
}

// CountDocuments counts documents matching filter, implemented as a thin
// $match + $count aggregation rather than a dedicated VM opcode (spec
// §[SUPPLEMENT], grounded in original_source's count_documents).
func (c *Collection) CountDocuments(filter bson.M) (int64, error) {
	defer c.instrument("count_documents")()
	rows, err := c.Aggregate([]bson.M{
		{"$match": filter},
		{"$count": "count"},
	})
	if err != nil {
		return 0, err
	}
	docs, err := rows.All()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	n, _ := docs[0]["count"].(int64)
	return n, nil
}

// Aggregate compiles and runs pipeline, returning a streaming Cursor over
// its output documents.
func (c *Collection) Aggregate(pipeline []bson.M) (*Cursor, error) {
	defer c.instrument("aggregate")()
	txn, owns, err := c.beginRead()
	if err != nil {
		return nil, err
	}
	cs, err := c.db.catalog.GetSpec(txn, c.name)
	if err != nil {
		if owns {
			txn.Rollback()
		}
		if err == catalog.ErrCollectionNotFound {
			return newAggregateCursor(txn, owns, emptyStepper{}), nil
		}
		return nil, wrapCatalogErr("aggregate", err)
	}
	plan, err := codegen.CompileAggregation(c.name, cs, pipeline)
	if err != nil {
		if owns {
			txn.Rollback()
		}
		return nil, newError(KindValidation, "aggregate", err)
	}
	return newAggregateCursor(txn, owns, plan.Run(txn)), nil
}

// CreateIndex validates and registers model, backfilling entries for every
// existing document.
func (c *Collection) CreateIndex(model IndexModel) error {
	defer c.instrument("create_index")()
	return c.withTxn(kv.Write, func(txn kv.Txn) error {
		_, err := c.getOrCreateSpec(txn, true)
		if err != nil {
			return err
		}
		spec := catalog.IndexSpec{
			Name:   model.Name,
			Keys:   bson.D{{Key: model.Field, Value: int32(1)}},
			Unique: model.Unique,
		}
		return wrapIndexErr("create_index", index.CreateIndex(txn, c.db.catalog, c.name, spec))
	})
}

// DropIndex removes a previously created index by name.
func (c *Collection) DropIndex(name string) error {
	defer c.instrument("drop_index")()
	return c.withTxn(kv.Write, func(txn kv.Txn) error {
		return wrapIndexErr("drop_index", index.DropIndex(txn, c.db.catalog, c.name, name))
	})
}

// Drop removes the collection's catalog entry, data, and indexes. Dropping
// a collection that does not exist is not an error.
func (c *Collection) Drop() error {
	defer c.instrument("drop")()
	return c.withTxn(kv.Write, func(txn kv.Txn) error {
		return dropCollectionTxn(txn, c.db.catalog, c.name)
	})
}

// emptyStepper is the Cursor backing for find()/aggregate() against a
// collection that doesn't exist yet: Mongo semantics treat that as "zero
// documents", not an error, for read operations (writes create it instead).
type emptyStepper struct{}

func (emptyStepper) Next() (bson.M, bool, error) { return nil, false, nil }

func wrapIndexErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if dup, ok := err.(*index.DuplicateKeyError); ok {
		return newError(KindConstraint, op, ErrDuplicateKey, "namespace", dup.Namespace, "index", dup.Name, "key", dup.Key)
	}
	if errors.Is(err, index.ErrInvalidIndexSpec) {
		return newError(KindValidation, op, ErrInvalidIndexSpec)
	}
	if err == index.ErrIndexNotFound {
		return newError(KindNotFound, op, fmt.Errorf("index not found"))
	}
	return newError(KindStorage, op, err)
}

func wrapVMErr(op string, err error) error {
	if err == vm.ErrUnableToUpdatePrimaryKey {
		return newError(KindConstraint, op, ErrUnableToUpdatePrimaryKey)
	}
	if dup, ok := err.(*index.DuplicateKeyError); ok {
		return newError(KindConstraint, op, ErrDuplicateKey, "namespace", dup.Namespace, "index", dup.Name, "key", dup.Key)
	}
	return newError(KindIO, op, err)
}
