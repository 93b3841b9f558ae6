package vm

import (
	"bytes"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/index"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
)

// State is the VM's run state (spec §4.4).
type State int

const (
	StateInit State = iota
	StateRunning
	StateHasRow
	StateHalt
)

// ErrUnableToUpdatePrimaryKey is returned by UpdateCurrent when the
// document's _id differs from the one the cursor is positioned on.
var ErrUnableToUpdatePrimaryKey = fmt.Errorf("vm: update would change the document's primary key")

type frame struct {
	stackFloor int
	returnPC   int
}

// cursorState is the single active cursor a VM instance may hold open, r1 in
// spec §4.4's register table.
type cursorState struct {
	iter       kv.Iter
	prefix     []byte
	indexInfo  *catalog.IndexSpec // non-nil when scanning an index rather than the primary data range
	currentKey []byte
}

// VM is one instance of the bytecode interpreter, bound to a single
// transaction. It is not safe for concurrent use.
type VM struct {
	prog *Program
	txn  kv.Txn

	pc    int
	stack []any
	r0    int32 // condition
	r1    *cursorState
	r2    int32 // rows matched
	r3    int   // saved stack pos
	r4    int32 // rows modified

	frames  []frame
	globals []any
	steps   int64

	state State
	err   error
}

// New creates a VM executing prog against txn.
func New(prog *Program, txn kv.Txn) *VM {
	globals := make([]any, len(prog.GlobalVariables))
	copy(globals, prog.GlobalVariables)
	return &VM{
		prog:    prog,
		txn:     txn,
		state:   StateInit,
		globals: globals,
	}
}

// State returns the VM's current run state.
func (v *VM) State() State { return v.state }

// Err returns the error that halted the VM, if any.
func (v *VM) Err() error { return v.err }

// RowsMatched returns r2, the counter codegen increments for matched rows.
func (v *VM) RowsMatched() int32 { return v.r2 }

// RowsModified returns r4, the counter codegen increments for modified rows.
func (v *VM) RowsModified() int32 { return v.r4 }

// StepsExecuted returns the number of instructions Run has executed so far,
// for hosts that want to feed it into a per-collection metric.
func (v *VM) StepsExecuted() int64 { return v.steps }

// Close releases any cursor the VM still holds open, for a caller that
// abandons iteration (e.g. find_one's implicit limit(1)) before the VM
// reaches StateHalt on its own.
func (v *VM) Close() {
	v.closeCursor()
}

// Row returns the value at the top of the stack while the VM is paused in
// StateHasRow, mirroring spec §4.4's "caller reads stack_top()".
func (v *VM) Row() any {
	if len(v.stack) == 0 {
		return nil
	}
	return v.stack[len(v.stack)-1]
}

// Run executes instructions until the VM produces a row, halts, or errors.
// Calling Run again after a HasRow pause resumes execution from the next
// instruction.
func (v *VM) Run() (State, error) {
	if v.state == StateHalt {
		return v.state, v.err
	}
	v.state = StateRunning
	for {
		if v.pc >= len(v.prog.Instructions) {
			v.closeCursor()
			v.state = StateHalt
			return v.state, nil
		}
		instr := v.prog.Instructions[v.pc]
		v.steps++
		halted, row, err := v.step(instr)
		if err != nil {
			v.closeCursor()
			v.state = StateHalt
			v.err = err
			return v.state, err
		}
		if halted {
			v.closeCursor()
			v.state = StateHalt
			return v.state, nil
		}
		if row {
			v.state = StateHasRow
			return v.state, nil
		}
	}
}

// step executes one instruction, advancing pc unless the instruction itself
// redirected control flow. Returns (halted, producedRow, error).
func (v *VM) step(instr Instruction) (bool, bool, error) {
	advance := true
	defer func() {
		if advance {
			v.pc++
		}
	}()

	switch instr.Op {
	case OpGoto:
		v.pc = int(instr.B)
		advance = false
	case OpIfTrue:
		if v.r0 != 0 {
			v.pc = int(instr.B)
			advance = false
		}
	case OpIfFalse:
		if v.r0 == 0 {
			v.pc = int(instr.B)
			advance = false
		}
	case OpCall:
		argc := int(instr.B)
		v.frames = append(v.frames, frame{stackFloor: len(v.stack) - argc, returnPC: v.pc + 1})
		v.pc = int(instr.A)
		advance = false
	case OpRet0:
		if err := v.ret(0); err != nil {
			return false, false, err
		}
		advance = false
	case OpRet:
		if err := v.ret(int(instr.A)); err != nil {
			return false, false, err
		}
		advance = false
	case OpIfFalseRet:
		if v.r0 == 0 {
			if err := v.ret(int(instr.A)); err != nil {
				return false, false, err
			}
			advance = false
		}
	case OpHalt:
		return true, false, nil

	case OpPushValue:
		v.push(v.prog.StaticValues[instr.A])
	case OpPushTrue:
		v.push(true)
	case OpPushFalse:
		v.push(false)
	case OpPushNull:
		v.push(nil)
	case OpPushDocument:
		v.push(bson.M{})
	case OpPushR0:
		v.push(v.r0)
	case OpStoreR0:
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		i, ok := toInt32(top)
		if !ok {
			return false, false, fmt.Errorf("vm: StoreR0 expects a numeric or bool top-of-stack, got %T", top)
		}
		v.r0 = i
	case OpDup:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		v.push(top)
	case OpPop:
		if _, err := v.pop(); err != nil {
			return false, false, err
		}
	case OpPop2:
		n := int(instr.A)
		if n > len(v.stack) {
			n = len(v.stack)
		}
		v.stack = v.stack[:len(v.stack)-n]
	case OpSaveStackPos:
		v.r3 = len(v.stack)
	case OpRecoverStackPos:
		if v.r3 <= len(v.stack) {
			v.stack = v.stack[:v.r3]
		}

	case OpInc:
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		n, ok := toInt64(top)
		if !ok {
			return false, false, fmt.Errorf("vm: Inc expects a numeric top-of-stack, got %T", top)
		}
		v.push(n + 1)
	case OpIncR2:
		v.r2++

	case OpOpenRead, OpOpenWrite:
		prefix := v.prog.Prefixes[instr.A]
		v.r1 = &cursorState{iter: v.txn.NewIterator(), prefix: prefix}
	case OpRewind:
		if v.r1 == nil {
			return false, false, fmt.Errorf("vm: Rewind with no open cursor")
		}
		v.r1.iter.Seek(v.r1.prefix)
		if !v.r1.iter.Valid() || !kv.HasPrefix(v.r1.iter.Key(), v.r1.prefix) {
			v.pc = int(instr.B)
			advance = false
			break
		}
		doc, err := v.decodeCursorValue()
		if err != nil {
			return false, false, err
		}
		v.r1.currentKey = append([]byte(nil), v.r1.iter.Key()...)
		v.push(doc)
	case OpFindByPrimaryKey:
		idVal, err := v.pop()
		if err != nil {
			return false, false, err
		}
		key, err := keycodec.DocumentKey(v.prog.Collection, idVal)
		if err != nil {
			return false, false, err
		}
		raw, ok := v.txn.Get(key)
		if !ok {
			v.pc = int(instr.B)
			advance = false
			break
		}
		var doc bson.M
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return false, false, err
		}
		v.r1 = &cursorState{currentKey: key}
		v.push(doc)
	case OpFindByIndex:
		val, err := v.pop()
		if err != nil {
			return false, false, err
		}
		info := v.prog.IndexInfos[instr.A]
		probe, err := keycodec.IndexProbePrefix(v.prog.Collection, info.Name, val)
		if err != nil {
			return false, false, err
		}
		it := v.txn.NewIterator()
		it.Seek(probe)
		if !it.Valid() || !kv.HasPrefix(it.Key(), probe) {
			it.Close()
			v.pc = int(instr.B)
			advance = false
			break
		}
		doc, key, err := v.resolveIndexEntry(it.Key())
		if err != nil {
			it.Close()
			return false, false, err
		}
		v.r1 = &cursorState{iter: it, prefix: probe, indexInfo: info, currentKey: key}
		v.push(doc)
	case OpNext:
		if _, err := v.pop(); err != nil {
			return false, false, err
		}
		if v.r1 == nil || v.r1.iter == nil {
			break
		}
		v.r1.iter.Next()
		if !v.r1.iter.Valid() || !kv.HasPrefix(v.r1.iter.Key(), v.r1.prefix) {
			break
		}
		doc, err := v.decodeCursorValue()
		if err != nil {
			return false, false, err
		}
		v.r1.currentKey = append([]byte(nil), v.r1.iter.Key()...)
		v.push(doc)
		v.pc = int(instr.B)
		advance = false
	case OpNextIndexValue:
		if _, err := v.pop(); err != nil {
			return false, false, err
		}
		if v.r1 == nil || v.r1.iter == nil {
			break
		}
		v.r1.iter.Next()
		if !v.r1.iter.Valid() || !kv.HasPrefix(v.r1.iter.Key(), v.r1.prefix) {
			break
		}
		doc, key, err := v.resolveIndexEntry(v.r1.iter.Key())
		if err != nil {
			return false, false, err
		}
		v.r1.currentKey = key
		v.push(doc)
		v.pc = int(instr.B)
		advance = false
	case OpUpdateCurrent:
		doc, err := v.peek()
		if err != nil {
			return false, false, err
		}
		m, ok := doc.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: UpdateCurrent expects a document on top of stack, got %T", doc)
		}
		if v.r1 == nil || v.r1.currentKey == nil {
			return false, false, fmt.Errorf("vm: UpdateCurrent with no positioned cursor")
		}
		origID, err := keycodec.Last(v.r1.currentKey)
		if err != nil {
			return false, false, err
		}
		if !scalarEqual(origID, m["_id"]) {
			return false, false, ErrUnableToUpdatePrimaryKey
		}
		raw, err := bson.Marshal(m)
		if err != nil {
			return false, false, err
		}
		v.txn.Put(v.r1.currentKey, raw)
		v.r4++
	case OpDeleteCurrent:
		if v.r1 == nil || v.r1.currentKey == nil {
			return false, false, fmt.Errorf("vm: DeleteCurrent with no positioned cursor")
		}
		v.txn.Delete(v.r1.currentKey)
		v.r4++
	case OpClose:
		v.closeCursor()

	case OpGetField:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			v.pc = int(instr.B)
			advance = false
			break
		}
		val, present := lookupPath(doc, v.prog.FieldNames[instr.A])
		if !present {
			v.pc = int(instr.B)
			advance = false
			break
		}
		v.push(val)
	case OpSetField:
		val, err := v.pop()
		if err != nil {
			return false, false, err
		}
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: SetField expects a document beneath the value, got %T", top)
		}
		setPath(doc, v.prog.FieldNames[instr.A], val)
	case OpUnsetField:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: UnsetField expects a document on top of stack, got %T", top)
		}
		unsetPath(doc, v.prog.FieldNames[instr.A])
	case OpIncField:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: IncField expects a document on top of stack, got %T", top)
		}
		delta, _ := toFloat64(v.prog.StaticValues[instr.B])
		cur, _ := lookupPath(doc, v.prog.FieldNames[instr.A])
		curF, _ := toFloat64(cur)
		setPath(doc, v.prog.FieldNames[instr.A], numericLike(cur, curF+delta))
	case OpMulField:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: MulField expects a document on top of stack, got %T", top)
		}
		factor, _ := toFloat64(v.prog.StaticValues[instr.B])
		cur, _ := lookupPath(doc, v.prog.FieldNames[instr.A])
		curF, _ := toFloat64(cur)
		setPath(doc, v.prog.FieldNames[instr.A], numericLike(cur, curF*factor))

	case OpArraySize:
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		arr, _ := toArray(top)
		v.push(int32(len(arr)))
	case OpArrayPush:
		val, err := v.pop()
		if err != nil {
			return false, false, err
		}
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		arr, _ := toArray(top)
		v.push(append(arr, val))
	case OpArrayPopFirst:
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		arr, _ := toArray(top)
		if len(arr) > 0 {
			arr = arr[1:]
		}
		v.push(arr)
	case OpArrayPopLast:
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		arr, _ := toArray(top)
		if len(arr) > 0 {
			arr = arr[:len(arr)-1]
		}
		v.push(arr)

	case OpEqual:
		b, err := v.pop()
		if err != nil {
			return false, false, err
		}
		a, err := v.pop()
		if err != nil {
			return false, false, err
		}
		v.r0 = boolToInt32(valuesEqual(a, b))
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		b, err := v.pop()
		if err != nil {
			return false, false, err
		}
		a, err := v.pop()
		if err != nil {
			return false, false, err
		}
		cmp, err := compareValues(a, b)
		if err != nil {
			return false, false, err
		}
		switch instr.Op {
		case OpGreater:
			v.r0 = boolToInt32(cmp > 0)
		case OpGreaterEqual:
			v.r0 = boolToInt32(cmp >= 0)
		case OpLess:
			v.r0 = boolToInt32(cmp < 0)
		case OpLessEqual:
			v.r0 = boolToInt32(cmp <= 0)
		}
	case OpEqualNull:
		top, err := v.pop()
		if err != nil {
			return false, false, err
		}
		v.r0 = boolToInt32(top == nil)
	case OpIn:
		arr, err := v.pop()
		if err != nil {
			return false, false, err
		}
		needle, err := v.pop()
		if err != nil {
			return false, false, err
		}
		items, _ := toArray(arr)
		found := false
		for _, item := range items {
			if valuesEqual(needle, item) {
				found = true
				break
			}
		}
		v.r0 = boolToInt32(found)
	case OpRegex:
		val, err := v.pop()
		if err != nil {
			return false, false, err
		}
		re := v.prog.Regexes[instr.A]
		s, ok := val.(string)
		v.r0 = boolToInt32(ok && re.MatchString(s))
	case OpNot:
		v.r0 = boolToInt32(v.r0 == 0)

	case OpInsertIndex:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: InsertIndex expects a document on top of stack, got %T", top)
		}
		spec := *v.prog.IndexInfos[instr.A]
		if err := index.Put(v.txn, v.prog.Collection, spec, doc); err != nil {
			return false, false, err
		}
	case OpDeleteIndex:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: DeleteIndex expects a document on top of stack, got %T", top)
		}
		spec := *v.prog.IndexInfos[instr.A]
		if err := index.Remove(v.txn, v.prog.Collection, spec, doc); err != nil {
			return false, false, err
		}

	case OpCallExternal:
		argc := int(instr.B)
		var input any
		if argc > 0 {
			var err error
			input, err = v.pop()
			if err != nil {
				return false, false, err
			}
		}
		stage := v.prog.ExternalFuncs[instr.A]
		result, err := stage.Call(input)
		if err != nil {
			return false, false, err
		}
		if result.Action == StageEmit {
			v.push(result.Output)
			v.r0 = 1
		} else {
			v.r0 = 0
		}
	case OpExternalIsCompleted:
		stage := v.prog.ExternalFuncs[instr.A]
		v.r0 = boolToInt32(stage.IsCompleted())
	case OpCallUpdateOperator:
		top, err := v.peek()
		if err != nil {
			return false, false, err
		}
		doc, ok := top.(bson.M)
		if !ok {
			return false, false, fmt.Errorf("vm: CallUpdateOperator expects a document on top of stack, got %T", top)
		}
		op := v.prog.UpdateOperators[instr.A]
		if err := op.Apply(doc); err != nil {
			return false, false, err
		}

	case OpLoadGlobal:
		v.push(v.globals[instr.A])
	case OpStoreGlobal:
		val, err := v.pop()
		if err != nil {
			return false, false, err
		}
		v.globals[instr.A] = val

	case OpResultRow:
		return false, true, nil

	default:
		return false, false, fmt.Errorf("vm: unimplemented opcode %v", instr.Op)
	}
	return false, false, nil
}

func (v *VM) ret(n int) error {
	if len(v.frames) == 0 {
		v.pc = len(v.prog.Instructions)
		return nil
	}
	f := v.frames[len(v.frames)-1]
	v.frames = v.frames[:len(v.frames)-1]
	if len(v.stack)-n < f.stackFloor {
		return fmt.Errorf("vm: Ret(%d) underflows call frame", n)
	}
	kept := append([]any(nil), v.stack[len(v.stack)-n:]...)
	v.stack = append(v.stack[:f.stackFloor], kept...)
	v.pc = f.returnPC
	return nil
}

func (v *VM) closeCursor() {
	if v.r1 != nil && v.r1.iter != nil {
		v.r1.iter.Close()
	}
	v.r1 = nil
}

func (v *VM) push(val any) { v.stack = append(v.stack, val) }

func (v *VM) pop() (any, error) {
	if len(v.stack) == 0 {
		return nil, fmt.Errorf("vm: stack underflow")
	}
	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return top, nil
}

func (v *VM) peek() (any, error) {
	if len(v.stack) == 0 {
		return nil, fmt.Errorf("vm: stack underflow")
	}
	return v.stack[len(v.stack)-1], nil
}

func (v *VM) decodeCursorValue() (bson.M, error) {
	var doc bson.M
	if err := bson.Unmarshal(v.r1.iter.Value(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// resolveIndexEntry decodes an index entry key's trailing _id and loads the
// corresponding document from the primary data range.
func (v *VM) resolveIndexEntry(indexKey []byte) (bson.M, []byte, error) {
	id, err := keycodec.Last(indexKey)
	if err != nil {
		return nil, nil, err
	}
	key, err := keycodec.DocumentKey(v.prog.Collection, id)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := v.txn.Get(key)
	if !ok {
		return nil, nil, fmt.Errorf("vm: dangling index entry for id %v", id)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	return doc, key, nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func toInt32(v any) (int32, bool) {
	switch x := v.(type) {
	case int32:
		return x, true
	case int64:
		return int32(x), true
	case int:
		return int32(x), true
	case float64:
		return int32(x), true
	case bool:
		return boolToInt32(x), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
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

// numericLike re-wraps a float64 result in the operand's original numeric
// Go type, so $inc on an int32 field stays an int32 the way the original
// implementation's typed field accumulation does.
func numericLike(original any, f float64) any {
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

func toArray(v any) ([]any, bool) {
	switch x := v.(type) {
	case bson.A:
		return []any(x), true
	case []any:
		return x, true
	default:
		return nil, false
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int32, int64, int, float64:
		return true
	default:
		return false
	}
}

// compareValues implements spec §4.4's Compare semantics: numeric coercion
// across int32/int64/double, lexicographic strings, and a BSON type-rank
// fallback (reusing the Key Codec's own tag ordering) for everything else.
func compareValues(a, b any) (int, error) {
	if isNumeric(a) && isNumeric(b) {
		fa, _ := toFloat64(a)
		fb, _ := toFloat64(b)
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return bytes.Compare([]byte(sa), []byte(sb)), nil
		}
	}
	ka, err := keycodec.AppendValue(nil, a)
	if err != nil {
		return 0, err
	}
	kb, err := keycodec.AppendValue(nil, b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ka, kb), nil
}

func valuesEqual(a, b any) bool {
	if isNumeric(a) && isNumeric(b) {
		fa, _ := toFloat64(a)
		fb, _ := toFloat64(b)
		return fa == fb
	}
	if scalarComparable(a) && scalarComparable(b) {
		return scalarEqual(a, b)
	}
	return reflect.DeepEqual(a, b)
}

func scalarComparable(v any) bool {
	switch v.(type) {
	case nil, bool, string, primitive.ObjectID, primitive.DateTime:
		return true
	default:
		return isNumeric(v)
	}
}

func scalarEqual(a, b any) bool {
	ka, err1 := keycodec.AppendValue(nil, a)
	kb, err2 := keycodec.AppendValue(nil, b)
	if err1 != nil || err2 != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ka, kb)
}

// lookupPath resolves a dotted field path against doc.
func lookupPath(doc bson.M, path string) (any, bool) {
	cur := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(bson.M)
			if !ok {
				return nil, false
			}
			val, present := m[seg]
			if !present {
				return nil, false
			}
			cur = val
			start = i + 1
		}
	}
	return cur, true
}

// setPath assigns val at a (possibly dotted) field path, creating
// intermediate documents as needed.
func setPath(doc bson.M, path string, val any) {
	cur := doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			if i == len(path) {
				cur[seg] = val
				return
			}
			next, ok := cur[seg].(bson.M)
			if !ok {
				next = bson.M{}
				cur[seg] = next
			}
			cur = next
			start = i + 1
		}
	}
}

// unsetPath removes the field at a (possibly dotted) path, if present.
func unsetPath(doc bson.M, path string) {
	cur := doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			if i == len(path) {
				delete(cur, seg)
				return
			}
			next, ok := cur[seg].(bson.M)
			if !ok {
				return
			}
			cur = next
			start = i + 1
		}
	}
}
