package boltkv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/boltkv"
)

func open(t *testing.T) *boltkv.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := boltkv.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	e, err := boltkv.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	wtx, _ := e.Begin(ctx, kv.Write)
	wtx.Put([]byte("a"), []byte("1"))
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := boltkv.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()
	rtx, _ := e2.Begin(ctx, kv.Read)
	defer rtx.Rollback()
	v, ok := rtx.Get([]byte("a"))
	if !ok || string(v) != "1" {
		t.Fatalf("Get(a) after reopen = %q, %v", v, ok)
	}
}

func TestDeleteAndRangeScan(t *testing.T) {
	ctx := context.Background()
	e := open(t)

	wtx, _ := e.Begin(ctx, kv.Write)
	wtx.Put([]byte("a"), []byte("1"))
	wtx.Put([]byte("b"), []byte("2"))
	wtx.Delete([]byte("a"))
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx, _ := e.Begin(ctx, kv.Read)
	defer rtx.Rollback()
	if _, ok := rtx.Get([]byte("a")); ok {
		t.Fatal("expected a to be deleted")
	}
	it := rtx.NewIterator()
	defer it.Close()
	it.SeekToFirst()
	if !it.Valid() || string(it.Key()) != "b" {
		t.Fatalf("expected first remaining key to be b, got valid=%v key=%q", it.Valid(), it.Key())
	}
}
