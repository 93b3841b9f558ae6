package keycodec_test

import (
	"bytes"
	"reflect"
	"sort"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/keycodec"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := keycodec.Encode(v)
	if err != nil {
		t.Fatalf("Encode(%v): %v", v, err)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	oid := primitive.NewObjectID()
	cases := []any{
		nil,
		true,
		false,
		int32(-42),
		int32(42),
		int64(-123456789012),
		int64(123456789012),
		3.14159,
		-3.14159,
		"hello",
		oid,
		primitive.DateTime(1700000000000),
		primitive.Timestamp{T: 5, I: 9},
		primitive.Binary{Subtype: 0, Data: []byte{1, 2, 3}},
	}
	for _, c := range cases {
		b := encode(t, c)
		vs, err := keycodec.Split(b)
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		if len(vs) != 1 {
			t.Fatalf("expected 1 segment, got %d", len(vs))
		}
		if !deepEqual(vs[0], c) {
			t.Errorf("round trip mismatch: got %#v, want %#v", vs[0], c)
		}
	}
}

func deepEqual(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok && bok {
		return bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}

func TestOrderPreservingInt32(t *testing.T) {
	values := []int32{-100, -1, 0, 1, 2, 100, 1 << 20}
	assertOrderPreserved(t, values)
}

func TestOrderPreservingInt64(t *testing.T) {
	values := []int64{-1 << 40, -100, -1, 0, 1, 100, 1 << 40}
	assertOrderPreserved(t, values)
}

func TestOrderPreservingDouble(t *testing.T) {
	values := []float64{-1e10, -1.5, -0.0001, 0, 0.0001, 1.5, 1e10}
	assertOrderPreserved(t, values)
}

func TestOrderPreservingString(t *testing.T) {
	values := []string{"", "a", "aa", "ab", "b", "z"}
	assertOrderPreserved(t, values)
}

// assertOrderPreserved encodes each value in ts (assumed pre-sorted in
// ascending semantic order), sorts the encoded byte strings
// lexicographically, and checks the resulting order matches ts.
func assertOrderPreserved[T comparable](t *testing.T, ts []T) {
	t.Helper()
	type pair struct {
		key []byte
		val any
	}
	pairs := make([]pair, len(ts))
	for i, v := range ts {
		pairs[i] = pair{encode(t, v), v}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].key, pairs[j].key) < 0
	})
	for i, p := range pairs {
		if p.val != any(ts[i]) {
			t.Errorf("position %d: got %v, want %v (order not preserved)", i, p.val, ts[i])
		}
	}
}

func TestEmbeddedNulRejected(t *testing.T) {
	if _, err := keycodec.Encode("a\x00b"); err == nil {
		t.Fatal("expected error for embedded NUL byte")
	}
}

func TestUnsupportedKeyTypesRejected(t *testing.T) {
	cases := []any{
		primitive.Regex{Pattern: "a", Options: ""},
		primitive.JavaScript("return 1"),
		primitive.DBPointer{DB: "a"},
	}
	for _, c := range cases {
		if _, err := keycodec.Encode(c); err == nil {
			t.Errorf("expected error encoding %T as a key segment", c)
		}
	}
}

func TestDocumentAndIndexKeyLayout(t *testing.T) {
	oid := primitive.NewObjectID()
	dk, err := keycodec.DocumentKey("books", oid)
	if err != nil {
		t.Fatal(err)
	}
	prefix, err := keycodec.CollectionDataPrefix("books")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(dk, prefix) {
		t.Fatal("document key must start with its collection's data prefix")
	}

	ik, err := keycodec.IndexEntryKey("books", "u_name", "x", oid)
	if err != nil {
		t.Fatal(err)
	}
	probe, err := keycodec.IndexProbePrefix("books", "u_name", "x")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(ik, probe) {
		t.Fatal("index entry key must start with its probe prefix")
	}

	last, err := keycodec.Last(ik)
	if err != nil {
		t.Fatal(err)
	}
	gotOID, ok := last.(primitive.ObjectID)
	if !ok || gotOID != oid {
		t.Fatalf("Last(index key) = %#v, want %v", last, oid)
	}
}
