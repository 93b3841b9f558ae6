// Package index maintains secondary-index entries in lockstep with document
// writes and chooses an index for a given filter (spec §4.3). Every
// operation here executes inside the caller's transaction so that index
// writes and the document write they accompany commit atomically
// (invariant 3).
package index

import (
	"bytes"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
)

// Sentinel errors. Wrapped into *polodb.Error at the API boundary:
// ErrInvalidIndexSpec as KindValidation, ErrIndexNotFound as KindNotFound.
var (
	ErrInvalidIndexSpec = fmt.Errorf("index: only single-field ascending indexes are supported")
	ErrIndexNotFound    = fmt.Errorf("index: not found")
)

// DuplicateKeyError reports a unique-index conflict, carrying exactly the
// namespace/name/key triple spec §7 requires.
type DuplicateKeyError struct {
	Namespace string
	Name      string
	Key       any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("index: duplicate key error, collection: %s index: %s key: %v", e.Namespace, e.Name, e.Key)
}

// ValidateSpec enforces the single-field-ascending constraint at creation
// time (spec §3, §9's Open Question about descending/compound indexes: the
// original sources carry partial support for both that is rejected at the
// API boundary; PoloDB-Go keeps the rejection).
func ValidateSpec(spec catalog.IndexSpec) error {
	if len(spec.Keys) != 1 {
		return fmt.Errorf("%w: got %d key fields, want exactly 1", ErrInvalidIndexSpec, len(spec.Keys))
	}
	dir, ok := asDirection(spec.Keys[0].Value)
	if !ok || dir != 1 {
		return fmt.Errorf("%w: direction must be ascending (1)", ErrInvalidIndexSpec)
	}
	if spec.Name == "" {
		return fmt.Errorf("%w: index name must not be empty", ErrInvalidIndexSpec)
	}
	return nil
}

func asDirection(v any) (int, bool) {
	switch x := v.(type) {
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

// CreateIndex validates spec, registers it on the collection's catalog
// entry, then backfills an index entry for every document already present
// in the collection.
func CreateIndex(txn kv.Txn, cat *catalog.Catalog, collection string, spec catalog.IndexSpec) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	cs, err := cat.GetSpec(txn, collection)
	if err != nil {
		return err
	}
	if _, exists := cs.Indexes[spec.Name]; exists {
		return fmt.Errorf("index: %q already exists on %q", spec.Name, collection)
	}
	cs.Indexes[spec.Name] = spec
	cs.IndexOrder = append(cs.IndexOrder, spec.Name)

	prefix, err := keycodec.CollectionDataPrefix(collection)
	if err != nil {
		return err
	}
	it := txn.NewIterator()
	defer it.Close()
	for it.Seek(prefix); it.Valid() && kv.HasPrefix(it.Key(), prefix); it.Next() {
		var doc bson.M
		if err := bson.Unmarshal(it.Value(), &doc); err != nil {
			return err
		}
		if err := insertOne(txn, collection, spec, doc); err != nil {
			return err
		}
	}
	return cat.UpdateSpec(txn, cs)
}

// DropIndex removes an index's catalog entry and every one of its entries.
func DropIndex(txn kv.Txn, cat *catalog.Catalog, collection, name string) error {
	cs, err := cat.GetSpec(txn, collection)
	if err != nil {
		return err
	}
	if _, exists := cs.Indexes[name]; !exists {
		return ErrIndexNotFound
	}
	delete(cs.Indexes, name)
	cs.IndexOrder = removeName(cs.IndexOrder, name)

	prefix, err := keycodec.IndexNamePrefix(collection, name)
	if err != nil {
		return err
	}
	kv.DeletePrefix(txn, prefix)

	return cat.UpdateSpec(txn, cs)
}

// DropAll removes every index entry belonging to a collection (used when
// the collection itself is dropped).
func DropAll(txn kv.Txn, collection string, cs *catalog.CollectionSpec) error {
	for name := range cs.Indexes {
		prefix, err := keycodec.IndexNamePrefix(collection, name)
		if err != nil {
			return err
		}
		kv.DeletePrefix(txn, prefix)
	}
	return nil
}

// OnInsert emits one index entry per defined index for a newly inserted
// document, failing with a *DuplicateKeyError if a unique index already
// holds an entry for the document's value.
func OnInsert(txn kv.Txn, collection string, cs *catalog.CollectionSpec, doc bson.M) error {
	for _, name := range cs.IndexOrder {
		spec := cs.Indexes[name]
		if err := Put(txn, collection, spec, doc); err != nil {
			return err
		}
	}
	return nil
}

// Put emits a single index entry for doc under spec, honoring the unique
// constraint. It is the per-index primitive the VM's InsertIndex opcode
// calls for one IndexInfo at a time (spec §4.4).
func Put(txn kv.Txn, collection string, spec catalog.IndexSpec, doc bson.M) error {
	return insertOne(txn, collection, spec, doc)
}

// Remove deletes a single index entry for doc under spec, the per-index
// primitive the VM's DeleteIndex opcode calls.
func Remove(txn kv.Txn, collection string, spec catalog.IndexSpec, doc bson.M) error {
	value, present := fieldValue(doc, spec.Field())
	if !present {
		return nil
	}
	key, err := keycodec.IndexEntryKey(collection, spec.Name, value, doc["_id"])
	if err != nil {
		return err
	}
	txn.Delete(key)
	return nil
}

func insertOne(txn kv.Txn, collection string, spec catalog.IndexSpec, doc bson.M) error {
	value, present := fieldValue(doc, spec.Field())
	if !present {
		return nil
	}
	if spec.Unique {
		probe, err := keycodec.IndexProbePrefix(collection, spec.Name, value)
		if err != nil {
			return err
		}
		it := txn.NewIterator()
		it.Seek(probe)
		conflict := it.Valid() && kv.HasPrefix(it.Key(), probe)
		it.Close()
		if conflict {
			return &DuplicateKeyError{Namespace: collection, Name: spec.Name, Key: fmt.Sprintf("%v", value)}
		}
	}
	id := doc["_id"]
	key, err := keycodec.IndexEntryKey(collection, spec.Name, value, id)
	if err != nil {
		return err
	}
	txn.Put(key, []byte{})
	return nil
}

// OnDelete removes every index entry belonging to a deleted document.
func OnDelete(txn kv.Txn, collection string, cs *catalog.CollectionSpec, doc bson.M) error {
	for _, name := range cs.IndexOrder {
		spec := cs.Indexes[name]
		value, present := fieldValue(doc, spec.Field())
		if !present {
			continue
		}
		key, err := keycodec.IndexEntryKey(collection, spec.Name, value, doc["_id"])
		if err != nil {
			return err
		}
		txn.Delete(key)
	}
	return nil
}

// OnUpdate removes stale index entries and emits fresh ones for every
// indexed field whose value changed between old and new.
func OnUpdate(txn kv.Txn, collection string, cs *catalog.CollectionSpec, old, updated bson.M) error {
	for _, name := range cs.IndexOrder {
		spec := cs.Indexes[name]
		oldVal, oldPresent := fieldValue(old, spec.Field())
		newVal, newPresent := fieldValue(updated, spec.Field())
		if oldPresent && newPresent && bsonEqualScalar(oldVal, newVal) {
			continue
		}
		if oldPresent {
			key, err := keycodec.IndexEntryKey(collection, spec.Name, oldVal, old["_id"])
			if err != nil {
				return err
			}
			txn.Delete(key)
		}
		if newPresent {
			if spec.Unique {
				probe, err := keycodec.IndexProbePrefix(collection, spec.Name, newVal)
				if err != nil {
					return err
				}
				it := txn.NewIterator()
				it.Seek(probe)
				conflict := it.Valid() && kv.HasPrefix(it.Key(), probe)
				it.Close()
				if conflict {
					return &DuplicateKeyError{Namespace: collection, Name: spec.Name, Key: fmt.Sprintf("%v", newVal)}
				}
			}
			key, err := keycodec.IndexEntryKey(collection, spec.Name, newVal, updated["_id"])
			if err != nil {
				return err
			}
			txn.Put(key, []byte{})
		}
	}
	return nil
}

// Pick returns the name and equality value of the first (in insertion
// order) indexed field that the top-level filter constrains with an
// equality predicate, or ok=false if no index applies.
func Pick(cs *catalog.CollectionSpec, filter bson.M) (name string, value any, ok bool) {
	for _, n := range cs.IndexOrder {
		spec := cs.Indexes[n]
		field := spec.Field()
		raw, present := filter[field]
		if !present {
			continue
		}
		if v, isEq := equalityValue(raw); isEq {
			return spec.Name, v, true
		}
	}
	return "", nil, false
}

// equalityValue extracts the equality-comparable value out of a filter
// clause: either a bare value (desugars to $eq) or an explicit {$eq: v}.
func equalityValue(raw any) (any, bool) {
	if m, ok := raw.(bson.M); ok {
		if v, has := m["$eq"]; has {
			return v, true
		}
		for k := range m {
			if len(k) > 0 && k[0] == '$' {
				return nil, false
			}
		}
		return nil, false
	}
	if d, ok := raw.(bson.D); ok {
		for _, e := range d {
			if e.Key == "$eq" {
				return e.Value, true
			}
		}
		return nil, false
	}
	return raw, true
}

// fieldValue resolves a (possibly dotted) field path against doc.
func fieldValue(doc bson.M, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(bson.M)
			if !ok {
				return nil, false
			}
			v, present := m[seg]
			if !present {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

func bsonEqualScalar(a, b any) bool {
	ka, err1 := keycodec.AppendValue(nil, a)
	kb, err2 := keycodec.AppendValue(nil, b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ka, kb)
}

func removeName(names []string, target string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}
