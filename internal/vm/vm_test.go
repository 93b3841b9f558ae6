package vm_test

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/kv/memkv"
	"github.com/polodb/polodb/internal/vm"
)

func TestArithmeticAndCompare(t *testing.T) {
	e := memkv.New()
	txn, _ := e.Begin(context.Background(), kv.Write)
	defer txn.Rollback()

	prog := &vm.Program{
		StaticValues: []any{int64(1), int64(2)},
		Instructions: []vm.Instruction{
			{Op: vm.OpPushValue, A: 0},
			{Op: vm.OpPushValue, A: 1},
			{Op: vm.OpLess}, // r0 = 1 < 2
			{Op: vm.OpPushR0},
			{Op: vm.OpResultRow},
			{Op: vm.OpHalt},
		},
	}
	m := vm.New(prog, txn)
	state, err := m.Run()
	if err != nil {
		t.Fatal(err)
	}
	if state != vm.StateHasRow {
		t.Fatalf("state = %v", state)
	}
	if m.Row() != int32(1) {
		t.Fatalf("row = %v, want 1", m.Row())
	}
	state, err = m.Run()
	if err != nil || state != vm.StateHalt {
		t.Fatalf("state = %v, err = %v", state, err)
	}
}

func TestFullScanCursorYieldsEveryDocument(t *testing.T) {
	e := memkv.New()
	ctx := context.Background()

	wtx, _ := e.Begin(ctx, kv.Write)
	ids := []primitive.ObjectID{primitive.NewObjectID(), primitive.NewObjectID()}
	for _, id := range ids {
		key, err := keycodec.DocumentKey("books", id)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := bson.Marshal(bson.M{"_id": id, "title": "x"})
		if err != nil {
			t.Fatal(err)
		}
		wtx.Put(key, raw)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	prefix, err := keycodec.CollectionDataPrefix("books")
	if err != nil {
		t.Fatal(err)
	}

	// loop:
	//   0: OpenRead(prefix=0)
	//   1: Rewind -> end (4)
	// top:
	//   2: ResultRow
	//   3: Next -> top (2)      [falls through to 4 at exhaustion]
	// end:
	//   4: Close
	//   5: Halt
	prog := &vm.Program{
		Collection: "books",
		Prefixes:   [][]byte{prefix},
		Instructions: []vm.Instruction{
			{Op: vm.OpOpenRead, A: 0},
			{Op: vm.OpRewind, B: 4},
			{Op: vm.OpResultRow},
			{Op: vm.OpNext, B: 2},
			{Op: vm.OpClose},
			{Op: vm.OpHalt},
		},
	}

	rtx, _ := e.Begin(ctx, kv.Read)
	defer rtx.Rollback()
	m := vm.New(prog, rtx)

	var rows int
	for {
		state, err := m.Run()
		if err != nil {
			t.Fatal(err)
		}
		if state == vm.StateHalt {
			break
		}
		if state != vm.StateHasRow {
			t.Fatalf("unexpected state %v", state)
		}
		row, ok := m.Row().(bson.M)
		if !ok {
			t.Fatalf("row is not a document: %v", m.Row())
		}
		if row["title"] != "x" {
			t.Fatalf("row = %+v", row)
		}
		rows++
	}
	if rows != len(ids) {
		t.Fatalf("rows = %d, want %d", rows, len(ids))
	}
}

func TestFindByPrimaryKey(t *testing.T) {
	e := memkv.New()
	ctx := context.Background()

	id := primitive.NewObjectID()
	wtx, _ := e.Begin(ctx, kv.Write)
	key, err := keycodec.DocumentKey("books", id)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := bson.Marshal(bson.M{"_id": id, "title": "found"})
	if err != nil {
		t.Fatal(err)
	}
	wtx.Put(key, raw)
	if err := wtx.Commit(); err != nil {
		t.Fatal(err)
	}

	prog := &vm.Program{
		Collection:   "books",
		StaticValues: []any{id},
		Instructions: []vm.Instruction{
			{Op: vm.OpPushValue, A: 0},
			{Op: vm.OpFindByPrimaryKey, B: 3},
			{Op: vm.OpResultRow},
			{Op: vm.OpHalt},
		},
	}
	rtx, _ := e.Begin(ctx, kv.Read)
	defer rtx.Rollback()
	m := vm.New(prog, rtx)
	state, err := m.Run()
	if err != nil {
		t.Fatal(err)
	}
	if state != vm.StateHasRow {
		t.Fatalf("state = %v", state)
	}
	row := m.Row().(bson.M)
	if row["title"] != "found" {
		t.Fatalf("row = %+v", row)
	}
}

func TestGetFieldDottedPath(t *testing.T) {
	e := memkv.New()
	txn, _ := e.Begin(context.Background(), kv.Write)
	defer txn.Rollback()

	prog := &vm.Program{
		FieldNames: []string{"a.b"},
		Instructions: []vm.Instruction{
			{Op: vm.OpPushValue, A: 0},
			{Op: vm.OpGetField, A: 0, B: 3},
			{Op: vm.OpResultRow},
			{Op: vm.OpHalt},
		},
		StaticValues: []any{bson.M{"a": bson.M{"b": "deep"}}},
	}
	m := vm.New(prog, txn)
	state, err := m.Run()
	if err != nil {
		t.Fatal(err)
	}
	if state != vm.StateHasRow || m.Row() != "deep" {
		t.Fatalf("state=%v row=%v", state, m.Row())
	}
}

func TestSetAndUnsetField(t *testing.T) {
	e := memkv.New()
	txn, _ := e.Begin(context.Background(), kv.Write)
	defer txn.Rollback()

	prog := &vm.Program{
		FieldNames:   []string{"x", "y"},
		StaticValues: []any{bson.M{"x": int32(1), "y": int32(2)}, "new"},
		Instructions: []vm.Instruction{
			{Op: vm.OpPushValue, A: 0}, // doc
			{Op: vm.OpUnsetField, A: 1},
			{Op: vm.OpPushValue, A: 1}, // "new"
			{Op: vm.OpSetField, A: 0},
			{Op: vm.OpResultRow},
			{Op: vm.OpHalt},
		},
	}
	m := vm.New(prog, txn)
	state, err := m.Run()
	if err != nil {
		t.Fatal(err)
	}
	row := m.Row().(bson.M)
	if state != vm.StateHasRow {
		t.Fatalf("state=%v", state)
	}
	if row["x"] != "new" {
		t.Fatalf("x = %v", row["x"])
	}
	if _, present := row["y"]; present {
		t.Fatalf("y should have been unset, got %+v", row)
	}
}
