package codegen

import "go.mongodb.org/mongo-driver/bson"

// The Go types below implement vm.UpdateOperator, one per spec §4.5
// operator. Each documents the single field path (or pair, for $rename) it
// touches, used at compile time to decide which indexes need maintenance.

type setOp struct {
	field string
	value any
}

func (o *setOp) Apply(doc map[string]any) error {
	setDotted(doc, o.field, o.value)
	return nil
}

type unsetOp struct{ field string }

func (o *unsetOp) Apply(doc map[string]any) error {
	unsetDotted(doc, o.field)
	return nil
}

type incOp struct {
	field string
	delta float64
}

func (o *incOp) Apply(doc map[string]any) error {
	cur, _ := getDotted(doc, o.field)
	curF, _ := asFloat(cur)
	setDotted(doc, o.field, numericLikeValue(cur, curF+o.delta))
	return nil
}

type mulOp struct {
	field  string
	factor float64
}

func (o *mulOp) Apply(doc map[string]any) error {
	cur, _ := getDotted(doc, o.field)
	curF, _ := asFloat(cur)
	setDotted(doc, o.field, numericLikeValue(cur, curF*o.factor))
	return nil
}

type minOp struct {
	field string
	value any
}

func (o *minOp) Apply(doc map[string]any) error {
	cur, present := getDotted(doc, o.field)
	curF, curIsNum := asFloat(cur)
	newF, newIsNum := asFloat(o.value)
	if !present || (curIsNum && newIsNum && newF < curF) {
		setDotted(doc, o.field, o.value)
	}
	return nil
}

type maxOp struct {
	field string
	value any
}

func (o *maxOp) Apply(doc map[string]any) error {
	cur, present := getDotted(doc, o.field)
	curF, curIsNum := asFloat(cur)
	newF, newIsNum := asFloat(o.value)
	if !present || (curIsNum && newIsNum && newF > curF) {
		setDotted(doc, o.field, o.value)
	}
	return nil
}

type renameOp struct {
	from, to string
}

func (o *renameOp) Apply(doc map[string]any) error {
	val, present := getDotted(doc, o.from)
	if !present {
		return nil
	}
	unsetDotted(doc, o.from)
	setDotted(doc, o.to, val)
	return nil
}

type pushOp struct {
	field string
	value any
}

func (o *pushOp) Apply(doc map[string]any) error {
	cur, _ := getDotted(doc, o.field)
	arr, _ := toArrayAny(cur)
	arr = append(arr, o.value)
	setDotted(doc, o.field, bson.A(arr))
	return nil
}

type popOp struct {
	field string
	last  bool
}

func (o *popOp) Apply(doc map[string]any) error {
	cur, _ := getDotted(doc, o.field)
	arr, _ := toArrayAny(cur)
	if len(arr) == 0 {
		return nil
	}
	if o.last {
		arr = arr[:len(arr)-1]
	} else {
		arr = arr[1:]
	}
	setDotted(doc, o.field, bson.A(arr))
	return nil
}

func numericLikeValue(original any, f float64) any {
	switch original.(type) {
	case int32:
		return int32(f)
	case int64:
		return int64(f)
	case int:
		return int(f)
	default:
		return f
	}
}

// getDotted/setDotted/unsetDotted mirror the VM's own dotted-path helpers,
// operating on the generic map[string]any an UpdateOperator sees.
func getDotted(doc map[string]any, path string) (any, bool) {
	cur := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := asMap(cur)
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

func setDotted(doc map[string]any, path string, val any) {
	cur := doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			if i == len(path) {
				cur[seg] = val
				return
			}
			next, ok := asMap(cur[seg])
			if !ok {
				m := map[string]any{}
				cur[seg] = m
				next = m
			}
			cur = next
			start = i + 1
		}
	}
}

func unsetDotted(doc map[string]any, path string) {
	cur := doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			if i == len(path) {
				delete(cur, seg)
				return
			}
			next, ok := asMap(cur[seg])
			if !ok {
				return
			}
			cur = next
			start = i + 1
		}
	}
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case bson.M:
		return map[string]any(x), true
	case map[string]any:
		return x, true
	default:
		return nil, false
	}
}
