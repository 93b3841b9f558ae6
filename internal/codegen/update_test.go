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

func runToHalt(t *testing.T, prog *vm.Program, txn kv.Txn) *vm.VM {
	t.Helper()
	m := vm.New(prog, txn)
	for {
		state, err := m.Run()
		if err != nil {
			t.Fatal(err)
		}
		if state == vm.StateHalt {
			return m
		}
	}
}

func TestCompileUpdateManyAppliesIncAndMaintainsIndex(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := newCollection(t, e, c, "accounts")

	txn, _ := e.Begin(context.Background(), kv.Write)
	spec := catalog.IndexSpec{Name: "balance_1", Keys: bson.D{{Key: "balance", Value: int32(1)}}}
	if err := index.CreateIndex(txn, c, "accounts", spec); err != nil {
		t.Fatal(err)
	}
	cs, err := c.GetSpec(txn, "accounts")
	if err != nil {
		t.Fatal(err)
	}
	doc1 := bson.M{"_id": primitive.NewObjectID(), "owner": "a", "balance": int64(100)}
	doc2 := bson.M{"_id": primitive.NewObjectID(), "owner": "b", "balance": int64(200)}
	putDoc(t, txn, "accounts", doc1)
	putDoc(t, txn, "accounts", doc2)
	if err := index.OnInsert(txn, "accounts", cs, doc1); err != nil {
		t.Fatal(err)
	}
	if err := index.OnInsert(txn, "accounts", cs, doc2); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn2, _ := e.Begin(context.Background(), kv.Write)
	cs2, err := c.GetSpec(txn2, "accounts")
	if err != nil {
		t.Fatal(err)
	}
	prog, err := codegen.CompileUpdate("accounts", cs2, bson.M{}, bson.M{"$inc": bson.M{"balance": int64(5)}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	m := runToHalt(t, prog, txn2)
	if m.RowsModified() != 2 {
		t.Fatalf("expected 2 rows modified, got %d", m.RowsModified())
	}
	if err := txn2.Commit(); err != nil {
		t.Fatal(err)
	}

	txn3, _ := e.Begin(context.Background(), kv.Read)
	defer txn3.Rollback()
	cs3, err := c.GetSpec(txn3, "accounts")
	if err != nil {
		t.Fatal(err)
	}
	idx, ok := cs3.Indexes["balance_1"]
	if !ok {
		t.Fatal("index balance_1 missing from catalog")
	}
	staleKey, err := keycodec.IndexEntryKey("accounts", idx.Name, int64(100), doc1["_id"])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := txn3.Get(staleKey); ok {
		t.Fatal("stale pre-increment index entry should be gone")
	}
	freshKey, err := keycodec.IndexEntryKey("accounts", idx.Name, int64(105), doc1["_id"])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := txn3.Get(freshKey); !ok {
		t.Fatalf("expected updated balance 105 indexed for %v", doc1["_id"])
	}
}

func TestCompileUpdateOneStopsAfterFirstMatch(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	cs := newCollection(t, e, c, "tasks")

	txn, _ := e.Begin(context.Background(), kv.Write)
	putDoc(t, txn, "tasks", bson.M{"_id": primitive.NewObjectID(), "done": false})
	putDoc(t, txn, "tasks", bson.M{"_id": primitive.NewObjectID(), "done": false})
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn2, _ := e.Begin(context.Background(), kv.Write)
	prog, err := codegen.CompileUpdate("tasks", cs, bson.M{"done": false}, bson.M{"$set": bson.M{"done": true}}, 1)
	if err != nil {
		t.Fatal(err)
	}
	m := runToHalt(t, prog, txn2)
	if m.RowsModified() != 1 {
		t.Fatalf("expected exactly 1 row modified, got %d", m.RowsModified())
	}
}

func TestCompileUpdateRejectsPrimaryKeyTouch(t *testing.T) {
	_, err := codegen.CompileUpdate("tasks", &catalog.CollectionSpec{Indexes: map[string]catalog.IndexSpec{}}, bson.M{}, bson.M{"$set": bson.M{"_id": 1}}, 0)
	if err == nil {
		t.Fatal("expected an error compiling an update that touches _id")
	}
}

func TestCompileDeleteManyRemovesDocumentsAndIndexEntries(t *testing.T) {
	e := memkv.New()
	c := catalog.New()
	_ = newCollection(t, e, c, "sessions")

	txn, _ := e.Begin(context.Background(), kv.Write)
	spec := catalog.IndexSpec{Name: "user_1", Keys: bson.D{{Key: "user", Value: int32(1)}}}
	if err := index.CreateIndex(txn, c, "sessions", spec); err != nil {
		t.Fatal(err)
	}
	cs, err := c.GetSpec(txn, "sessions")
	if err != nil {
		t.Fatal(err)
	}
	doc := bson.M{"_id": primitive.NewObjectID(), "user": "alice", "expired": true}
	putDoc(t, txn, "sessions", doc)
	if err := index.OnInsert(txn, "sessions", cs, doc); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn2, _ := e.Begin(context.Background(), kv.Write)
	cs2, err := c.GetSpec(txn2, "sessions")
	if err != nil {
		t.Fatal(err)
	}
	prog, err := codegen.CompileDelete("sessions", cs2, bson.M{"expired": true}, 0)
	if err != nil {
		t.Fatal(err)
	}
	m := runToHalt(t, prog, txn2)
	if m.RowsModified() != 1 {
		t.Fatalf("expected 1 row deleted, got %d", m.RowsModified())
	}
	if err := txn2.Commit(); err != nil {
		t.Fatal(err)
	}

	txn3, _ := e.Begin(context.Background(), kv.Read)
	defer txn3.Rollback()
	cs3, err := c.GetSpec(txn3, "sessions")
	if err != nil {
		t.Fatal(err)
	}
	entryKey, err := keycodec.IndexEntryKey("sessions", "user_1", "alice", doc["_id"])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := txn3.Get(entryKey); ok {
		t.Fatal("index entry for deleted document should be gone")
	}
	filterProg, err := codegen.CompileFilter("sessions", cs3, bson.M{})
	if err != nil {
		t.Fatal(err)
	}
	if rows := runToRows(t, filterProg, txn3); len(rows) != 0 {
		t.Fatalf("expected no remaining documents, got %d", len(rows))
	}
}
