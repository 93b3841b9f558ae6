package codegen_test

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/codegen"
	"github.com/polodb/polodb/internal/index"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/memkv"
	"github.com/polodb/polodb/internal/vm"
)

func newCollection(t *testing.T, e kv.Engine, c *catalog.Catalog, name string) *catalog.CollectionSpec {
	t.Helper()
	txn, _ := e.Begin(context.Background(), kv.Write)
	spec, err := c.CreateCollection(txn, name)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	return spec
}

func putDoc(t *testing.T, txn kv.Txn, collection string, doc bson.M) {
	t.Helper()
	key, err := keycodec.DocumentKey(collection, doc["_id"])
	if err != nil {
		t.Fatal(err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	txn.Put(key, raw)
}

func runToRows(t *testing.T, prog *vm.Program, txn kv.Txn) []bson.M {
	t.Helper()
	m := vm.New(prog, txn)
	var rows []bson.M
	for {
		state, err := m.Run()
		if err != nil {
			t.Fatal(err)
		}
		if state == vm.StateHalt {
			return rows
		}
		doc, ok := m.Row().(bson.M)
		if !ok {
			t.Fatalf("row is not a bson.M: %#v", m.Row())
		}
		rows = append(rows, doc)
	}
}

func TestCompileFilterFullScan(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := newCollection(t, e, c, "widgets")

	txn, _ := e.Begin(context.Background(), kv.Write)
	putDoc(t, txn, "widgets", bson.M{"_id": primitive.NewObjectID(), "name": "a", "price": int64(10)})
	putDoc(t, txn, "widgets", bson.M{"_id": primitive.NewObjectID(), "name": "b", "price": int64(20)})
	putDoc(t, txn, "widgets", bson.M{"_id": primitive.NewObjectID(), "name": "c", "price": int64(30)})
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	prog, err := codegen.CompileFilter("widgets", cs, bson.M{"price": bson.M{"$gte": int64(20)}})
	if err != nil {
		t.Fatal(err)
	}
	txn2, _ := e.Begin(context.Background(), kv.Read)
	defer txn2.Rollback()
	rows := runToRows(t, prog, txn2)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
}

func TestCompileFilterUsesIndexSeek(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := newCollection(t, e, c, "books")

	txn, _ := e.Begin(context.Background(), kv.Write)
	spec := catalog.IndexSpec{Name: "isbn_1", Keys: bson.D{{Key: "isbn", Value: int32(1)}}, Unique: true}
	if err := index.CreateIndex(txn, c, "books", spec); err != nil {
		t.Fatal(err)
	}
	cs, err := c.GetSpec(txn, "books")
	if err != nil {
		t.Fatal(err)
	}
	doc1 := bson.M{"_id": primitive.NewObjectID(), "isbn": "111"}
	doc2 := bson.M{"_id": primitive.NewObjectID(), "isbn": "222"}
	putDoc(t, txn, "books", doc1)
	putDoc(t, txn, "books", doc2)
	if err := index.OnInsert(txn, "books", cs, doc1); err != nil {
		t.Fatal(err)
	}
	if err := index.OnInsert(txn, "books", cs, doc2); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn2, _ := e.Begin(context.Background(), kv.Read)
	defer txn2.Rollback()
	cs2, err := c.GetSpec(txn2, "books")
	if err != nil {
		t.Fatal(err)
	}
	prog, err := codegen.CompileFilter("books", cs2, bson.M{"isbn": "111"})
	if err != nil {
		t.Fatal(err)
	}
	rows := runToRows(t, prog, txn2)
	if len(rows) != 1 || rows[0]["isbn"] != "111" {
		t.Fatalf("expected single row isbn=111, got %v", rows)
	}
}

func TestCompileFilterAndOrElemMatch(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := newCollection(t, e, c, "orders")

	txn, _ := e.Begin(context.Background(), kv.Write)
	putDoc(t, txn, "orders", bson.M{
		"_id": primitive.NewObjectID(), "status": "open", "total": int64(5),
		"items": bson.A{bson.M{"sku": "a", "qty": int64(2)}, bson.M{"sku": "b", "qty": int64(1)}},
	})
	putDoc(t, txn, "orders", bson.M{
		"_id": primitive.NewObjectID(), "status": "closed", "total": int64(50),
		"items": bson.A{bson.M{"sku": "c", "qty": int64(9)}},
	})
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn2, _ := e.Begin(context.Background(), kv.Read)
	defer txn2.Rollback()

	prog, err := codegen.CompileFilter("orders", cs, bson.M{
		"$or": bson.A{
			bson.M{"status": "open"},
			bson.M{"total": bson.M{"$gt": int64(40)}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rows := runToRows(t, prog, txn2)
	if len(rows) != 2 {
		t.Fatalf("expected both orders to match the $or, got %d", len(rows))
	}

	prog2, err := codegen.CompileFilter("orders", cs, bson.M{
		"items": bson.M{"$elemMatch": bson.M{"qty": bson.M{"$gt": int64(5)}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	rows2 := runToRows(t, prog2, txn2)
	if len(rows2) != 1 || rows2[0]["status"] != "closed" {
		t.Fatalf("expected only the closed order to match elemMatch, got %v", rows2)
	}
}
