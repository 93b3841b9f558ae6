package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/memkv"
)

func newEngine(t *testing.T) kv.Engine {
	t.Helper()
	return memkv.New()
}

func TestCreateGetDrop(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c := catalog.New()

	txn, _ := e.Begin(ctx, kv.Write)
	spec, err := c.CreateCollection(txn, "books")
	if err != nil {
		t.Fatal(err)
	}
	if spec.ID != "books" {
		t.Fatalf("ID = %q", spec.ID)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn2, _ := e.Begin(ctx, kv.Read)
	defer txn2.Rollback()
	got, err := c.GetSpec(txn2, "books")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "books" {
		t.Fatalf("GetSpec returned %+v", got)
	}

	txn3, _ := e.Begin(ctx, kv.Write)
	if err := c.DropCollection(txn3, "books"); err != nil {
		t.Fatal(err)
	}
	if err := txn3.Commit(); err != nil {
		t.Fatal(err)
	}

	txn4, _ := e.Begin(ctx, kv.Read)
	defer txn4.Rollback()
	if _, err := c.GetSpec(txn4, "books"); !errors.Is(err, catalog.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound after drop, got %v", err)
	}
}

func TestDropNonexistentIsNotAnError(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c := catalog.New()
	txn, _ := e.Begin(ctx, kv.Write)
	defer txn.Rollback()
	if err := c.DropCollection(txn, "nope"); err != nil {
		t.Fatalf("dropping a nonexistent collection should be a no-op, got %v", err)
	}
}

func TestDoubleCreateFails(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c := catalog.New()
	txn, _ := e.Begin(ctx, kv.Write)
	if _, err := c.CreateCollection(txn, "books"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateCollection(txn, "books"); !errors.Is(err, catalog.ErrCollectionAlreadyExists) {
		t.Fatalf("expected ErrCollectionAlreadyExists, got %v", err)
	}
}

func TestIllegalNames(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c := catalog.New()
	txn, _ := e.Begin(ctx, kv.Write)
	defer txn.Rollback()
	for _, name := range []string{"", "$foo", "system.bar"} {
		if _, err := c.CreateCollection(txn, name); !errors.Is(err, catalog.ErrIllegalCollectionName) {
			t.Errorf("name %q: expected ErrIllegalCollectionName, got %v", name, err)
		}
	}
}

func TestListNamesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c := catalog.New()
	txn, _ := e.Begin(ctx, kv.Write)
	defer txn.Rollback()
	for _, name := range []string{"zzz", "aaa", "mmm"} {
		if _, err := c.CreateCollection(txn, name); err != nil {
			t.Fatal(err)
		}
	}
	got := c.ListNames()
	want := []string{"zzz", "aaa", "mmm"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestInvalidateAllRereadsFromEngine(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	c := catalog.New()

	txn, _ := e.Begin(ctx, kv.Write)
	if _, err := c.CreateCollection(txn, "books"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	// The cache was optimistically populated even though the KV write was
	// rolled back; InvalidateAll must re-derive truth from the engine.
	readTxn, _ := e.Begin(ctx, kv.Read)
	defer readTxn.Rollback()
	if err := c.InvalidateAll(readTxn); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetSpec(readTxn, "books"); !errors.Is(err, catalog.ErrCollectionNotFound) {
		t.Fatalf("expected cache invalidation to drop the rolled-back create, got %v", err)
	}
}
