package codegen

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// sortedKeys returns filter's keys in a deterministic order so that
// compiling the same filter document twice produces byte-identical
// programs (useful for tests and for any future program-caching layer).
func sortedKeys(filter bson.M) []string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// asDoc normalizes a filter-position value (bson.M, bson.D, or map[string]any)
// into a bson.M.
func asDoc(v any) (bson.M, error) {
	switch x := v.(type) {
	case bson.M:
		return x, nil
	case map[string]any:
		return bson.M(x), nil
	case bson.D:
		m := bson.M{}
		for _, e := range x {
			m[e.Key] = e.Value
		}
		return m, nil
	default:
		return nil, fmt.Errorf("codegen: expected a document, got %T", v)
	}
}

// toAnySlice normalizes a $and/$or/$nor operand (bson.A or []any) into
// []any.
func toAnySlice(v any) []any {
	switch x := v.(type) {
	case bson.A:
		return []any(x)
	case []any:
		return x
	default:
		return nil
	}
}

// toBsonArray normalizes an $in/$nin/$all operand into a bson.A.
func toBsonArray(v any) (bson.A, error) {
	switch x := v.(type) {
	case bson.A:
		return x, nil
	case []any:
		return bson.A(x), nil
	default:
		return nil, fmt.Errorf("codegen: expected an array operand, got %T", v)
	}
}

func toArrayAny(v any) ([]any, bool) {
	switch x := v.(type) {
	case bson.A:
		return []any(x), true
	case []any:
		return x, true
	default:
		return nil, false
	}
}

// asOperatorDoc reports whether clause is an operator document (every key
// starts with '$') and returns it as an ordered bson.D so that $regex and a
// trailing $options are processed in document order.
func asOperatorDoc(clause any) (bson.D, bool) {
	switch x := clause.(type) {
	case bson.D:
		if len(x) == 0 {
			return nil, false
		}
		for _, e := range x {
			if !strings.HasPrefix(e.Key, "$") {
				return nil, false
			}
		}
		return x, true
	case bson.M:
		if len(x) == 0 {
			return nil, false
		}
		keys := sortedKeys(x)
		for _, k := range keys {
			if !strings.HasPrefix(k, "$") {
				return nil, false
			}
		}
		d := make(bson.D, 0, len(x))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: x[k]})
		}
		return d, true
	default:
		return nil, false
	}
}

// matchDocument evaluates filter against doc purely in Go, without going
// through the VM. It backs $elemMatch's per-element test, where the
// "document" being matched is an array element rather than a stored record.
func matchDocument(doc bson.M, filter bson.M) bool {
	for field, clause := range filter {
		switch field {
		case "$and":
			for _, raw := range toAnySlice(clause) {
				sub, err := asDoc(raw)
				if err != nil || !matchDocument(doc, sub) {
					return false
				}
			}
		case "$or":
			any := false
			for _, raw := range toAnySlice(clause) {
				sub, err := asDoc(raw)
				if err == nil && matchDocument(doc, sub) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		case "$nor":
			for _, raw := range toAnySlice(clause) {
				sub, err := asDoc(raw)
				if err == nil && matchDocument(doc, sub) {
					return false
				}
			}
		default:
			if !matchField(doc, field, clause) {
				return false
			}
		}
	}
	return true
}

func matchField(doc bson.M, field string, clause any) bool {
	val, present := lookupDotted(doc, field)
	ops, isOpDoc := asOperatorDoc(clause)
	if !isOpDoc {
		return present && bsonDeepEqual(val, clause)
	}
	for _, kv := range ops {
		switch kv.Key {
		case "$eq":
			if !present || !bsonDeepEqual(val, kv.Value) {
				return false
			}
		case "$ne":
			if present && bsonDeepEqual(val, kv.Value) {
				return false
			}
		case "$exists":
			want, _ := kv.Value.(bool)
			if present != want {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			if !compareOK(val, kv.Value, kv.Key) {
				return false
			}
		case "$in":
			if !present {
				return false
			}
			arr, _ := toBsonArray(kv.Value)
			found := false
			for _, item := range arr {
				if bsonDeepEqual(val, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			// Unsupported nested operators inside $elemMatch are treated
			// conservatively as non-matching rather than panicking.
			return false
		}
	}
	return true
}

func lookupDotted(doc bson.M, path string) (any, bool) {
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

func bsonDeepEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func compareOK(a, b any, op string) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case "$gt":
		return af > bf
	case "$gte":
		return af >= bf
	case "$lt":
		return af < bf
	case "$lte":
		return af <= bf
	default:
		return false
	}
}
