package memkv_test

import (
	"context"
	"testing"

	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/memkv"
)

func TestPutGetCommit(t *testing.T) {
	ctx := context.Background()
	e := memkv.New()

	wtx, err := e.Begin(ctx, kv.Write)
	if err != nil {
		t.Fatal(err)
	}
	wtx.Put([]byte("a"), []byte("1"))
	wtx.Put([]byte("b"), []byte("2"))
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx, err := e.Begin(ctx, kv.Read)
	if err != nil {
		t.Fatal(err)
	}
	defer rtx.Rollback()
	v, ok := rtx.Get([]byte("a"))
	if !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	e := memkv.New()

	wtx, _ := e.Begin(ctx, kv.Write)
	wtx.Put([]byte("a"), []byte("1"))
	if err := wtx.Rollback(); err != nil {
		t.Fatal(err)
	}

	rtx, _ := e.Begin(ctx, kv.Read)
	defer rtx.Rollback()
	if _, ok := rtx.Get([]byte("a")); ok {
		t.Fatal("expected rolled-back write to be absent")
	}
}

func TestReaderSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	e := memkv.New()

	seed, _ := e.Begin(ctx, kv.Write)
	seed.Put([]byte("a"), []byte("1"))
	if err := seed.Commit(); err != nil {
		t.Fatal(err)
	}

	reader, _ := e.Begin(ctx, kv.Read)
	defer reader.Rollback()

	writer, _ := e.Begin(ctx, kv.Write)
	writer.Put([]byte("a"), []byte("2"))
	if err := writer.Commit(); err != nil {
		t.Fatal(err)
	}

	v, ok := reader.Get([]byte("a"))
	if !ok || string(v) != "1" {
		t.Fatalf("reader observed a write from a transaction started after it began: got %q", v)
	}
}

func TestIteratorPrefixScan(t *testing.T) {
	ctx := context.Background()
	e := memkv.New()

	wtx, _ := e.Begin(ctx, kv.Write)
	for _, k := range []string{"a.1", "a.2", "b.1", "a.3"} {
		wtx.Put([]byte(k), []byte("v"))
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	rtx, _ := e.Begin(ctx, kv.Read)
	defer rtx.Rollback()

	it := rtx.NewIterator()
	defer it.Close()
	prefix := []byte("a.")
	var got []string
	for it.Seek(prefix); it.Valid() && kv.HasPrefix(it.Key(), prefix); it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"a.1", "a.2", "a.3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
