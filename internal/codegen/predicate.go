package codegen

import (
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/polodb/polodb/internal/vm"
)

// compilePredicate emits code that, given the current document peeked on
// top of the VM stack, leaves r0 = 1 if it matches filter and 0 otherwise.
// The document is never popped; the stack depth on entry equals the stack
// depth on exit (spec §4.5's predicate-compilation recursion).
func compilePredicate(b *builder, filter bson.M) error {
	if len(filter) == 0 {
		b.setR0Const(r0True)
		return nil
	}
	// A multi-key filter document is an implicit top-level $and of its
	// individual field clauses.
	if len(filter) > 1 {
		keys := sortedKeys(filter)
		subs := make([]any, 0, len(keys))
		for _, k := range keys {
			subs = append(subs, bson.M{k: filter[k]})
		}
		return compileAnd(b, subs)
	}

	for field, clause := range filter {
		switch field {
		case "$and":
			return compileAnd(b, toAnySlice(clause))
		case "$or":
			return compileOr(b, toAnySlice(clause))
		case "$nor":
			if err := compileOr(b, toAnySlice(clause)); err != nil {
				return err
			}
			b.emit(vm.OpNot, 0, 0)
			return nil
		default:
			return compileFieldPredicate(b, field, clause)
		}
	}
	return nil
}

func compileAnd(b *builder, subs []any) error {
	if len(subs) == 0 {
		b.setR0Const(r0True)
		return nil
	}
	var failJumps []int
	for i, raw := range subs {
		sub, err := asDoc(raw)
		if err != nil {
			return err
		}
		if err := compilePredicate(b, sub); err != nil {
			return err
		}
		if i < len(subs)-1 {
			addr := b.emit(vm.OpIfFalse, 0, 0)
			failJumps = append(failJumps, addr)
		}
	}
	gotoEnd := b.emit(vm.OpGoto, 0, 0)
	failPos := b.here()
	for _, addr := range failJumps {
		b.patchB(addr, failPos)
	}
	b.setR0Const(r0False)
	endPos := b.here()
	b.patchB(gotoEnd, endPos)
	return nil
}

func compileOr(b *builder, subs []any) error {
	if len(subs) == 0 {
		b.setR0Const(r0False)
		return nil
	}
	var trueJumps []int
	for i, raw := range subs {
		sub, err := asDoc(raw)
		if err != nil {
			return err
		}
		if err := compilePredicate(b, sub); err != nil {
			return err
		}
		if i < len(subs)-1 {
			addr := b.emit(vm.OpIfTrue, 0, 0)
			trueJumps = append(trueJumps, addr)
		}
	}
	gotoEnd := b.emit(vm.OpGoto, 0, 0)
	truePos := b.here()
	for _, addr := range trueJumps {
		b.patchB(addr, truePos)
	}
	b.setR0Const(r0True)
	endPos := b.here()
	b.patchB(gotoEnd, endPos)
	return nil
}

// compileFieldPredicate handles one `{field: clause}` entry, where clause is
// either a bare value (desugars to $eq) or an operator document.
func compileFieldPredicate(b *builder, field string, clause any) error {
	ops, isOpDoc := asOperatorDoc(clause)
	if !isOpDoc {
		return compileEq(b, field, clause)
	}
	for _, kv := range ops {
		var err error
		switch kv.Key {
		case "$eq":
			err = compileEq(b, field, kv.Value)
		case "$ne":
			err = compileEq(b, field, kv.Value)
			if err == nil {
				b.emit(vm.OpNot, 0, 0)
			}
		case "$gt":
			err = compileCompare(b, field, kv.Value, vm.OpGreater)
		case "$gte":
			err = compileCompare(b, field, kv.Value, vm.OpGreaterEqual)
		case "$lt":
			err = compileCompare(b, field, kv.Value, vm.OpLess)
		case "$lte":
			err = compileCompare(b, field, kv.Value, vm.OpLessEqual)
		case "$in":
			err = compileIn(b, field, kv.Value, false)
		case "$nin":
			err = compileIn(b, field, kv.Value, true)
		case "$all":
			err = compileAll(b, field, kv.Value)
		case "$exists":
			err = compileExists(b, field, kv.Value)
		case "$regex":
			err = compileRegex(b, field, kv.Value, options(ops))
		case "$options":
			// consumed alongside $regex
		case "$size":
			err = compileSize(b, field, kv.Value)
		case "$elemMatch":
			err = compileElemMatch(b, field, kv.Value)
		default:
			err = fmt.Errorf("codegen: unsupported operator %q", kv.Key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func options(ops bson.D) string {
	for _, kv := range ops {
		if kv.Key == "$options" {
			if s, ok := kv.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// withField emits GetField and arranges for the r0-default-on-miss path,
// calling onFound with the field's value left on top of stack (to be
// consumed by exactly one more opcode before returning to [doc]).
func withField(b *builder, field string, onFound func() error, missingR0 int32) error {
	idx := b.fieldName(field)
	getAddr := b.emit(vm.OpGetField, idx, 0)
	if err := onFound(); err != nil {
		return err
	}
	gotoEnd := b.emit(vm.OpGoto, 0, 0)
	missingPos := b.here()
	b.patchB(getAddr, missingPos)
	b.setR0Const(missingR0)
	endPos := b.here()
	b.patchB(gotoEnd, endPos)
	return nil
}

func compileEq(b *builder, field string, value any) error {
	return withField(b, field, func() error {
		idx := b.staticValue(value)
		b.emit(vm.OpPushValue, idx, 0)
		b.emit(vm.OpEqual, 0, 0)
		return nil
	}, r0False)
}

func compileCompare(b *builder, field string, value any, op vm.Opcode) error {
	return withField(b, field, func() error {
		idx := b.staticValue(value)
		b.emit(vm.OpPushValue, idx, 0)
		b.emit(op, 0, 0)
		return nil
	}, r0False)
}

func compileIn(b *builder, field string, value any, negate bool) error {
	arr, err := toBsonArray(value)
	if err != nil {
		return err
	}
	if err := withField(b, field, func() error {
		idx := b.staticValue(arr)
		b.emit(vm.OpPushValue, idx, 0)
		b.emit(vm.OpIn, 0, 0)
		return nil
	}, r0False); err != nil {
		return err
	}
	if negate {
		b.emit(vm.OpNot, 0, 0)
	}
	return nil
}

// compileAll desugars to an $and of per-element $in checks, reusing the
// short-circuit $and compiler rather than inventing a dedicated opcode.
func compileAll(b *builder, field string, value any) error {
	arr, err := toBsonArray(value)
	if err != nil {
		return err
	}
	subs := make([]any, 0, len(arr))
	for _, elem := range arr {
		subs = append(subs, bson.M{field: bson.M{"$in": bson.A{elem}}})
	}
	return compileAnd(b, subs)
}

func compileExists(b *builder, field string, value any) error {
	want, _ := value.(bool)
	idx := b.fieldName(field)
	getAddr := b.emit(vm.OpGetField, idx, 0)
	b.emit(vm.OpPop, 0, 0)
	b.setR0Const(r0True)
	gotoEnd := b.emit(vm.OpGoto, 0, 0)
	missingPos := b.here()
	b.patchB(getAddr, missingPos)
	b.setR0Const(r0False)
	endPos := b.here()
	b.patchB(gotoEnd, endPos)
	if !want {
		b.emit(vm.OpNot, 0, 0)
	}
	return nil
}

func compileRegex(b *builder, field string, value any, opts string) error {
	pattern, ok := value.(string)
	if !ok {
		if rx, isRx := value.(primitive.Regex); isRx {
			pattern, opts = rx.Pattern, rx.Options
		} else {
			return fmt.Errorf("codegen: $regex requires a string or regex pattern")
		}
	}
	re, err := compileGoRegex(pattern, opts)
	if err != nil {
		return err
	}
	return withField(b, field, func() error {
		idx := b.regex(re)
		b.emit(vm.OpRegex, idx, 0)
		return nil
	}, r0False)
}

func compileSize(b *builder, field string, value any) error {
	return withField(b, field, func() error {
		b.emit(vm.OpArraySize, 0, 0)
		idx := b.staticValue(value)
		b.emit(vm.OpPushValue, idx, 0)
		b.emit(vm.OpEqual, 0, 0)
		return nil
	}, r0False)
}

// compileElemMatch hands the array field's current value to a predicate
// closure compiled once at build time, since per-element traversal needs a
// length unknown until runtime; this stays inside the VM's Externals
// mechanism (spec §4.4's "Externals" group covers exactly this: a host
// callback invoked with a stack value), rather than growing a dedicated
// element-iteration opcode.
func compileElemMatch(b *builder, field string, value any) error {
	sub, err := asDoc(value)
	if err != nil {
		return err
	}
	stage := &elemMatchStage{filter: sub}
	idx := b.external(stage)
	return withField(b, field, func() error {
		b.emit(vm.OpCallExternal, idx, 1)
		b.emit(vm.OpStoreR0, 0, 0)
		return nil
	}, r0False)
}

// elemMatchStage evaluates whether any element of an array value matches a
// sub-filter, using the same in-process matching logic as matchDocument in
// helpers.go.
type elemMatchStage struct {
	filter bson.M
}

func (s *elemMatchStage) Call(input any) (vm.StageResult, error) {
	arr, ok := toArrayAny(input)
	if !ok {
		return vm.StageResult{Action: vm.StageEmit, Output: false}, nil
	}
	for _, elem := range arr {
		doc, ok := elem.(bson.M)
		if !ok {
			continue
		}
		if matchDocument(doc, s.filter) {
			return vm.StageResult{Action: vm.StageEmit, Output: true}, nil
		}
	}
	return vm.StageResult{Action: vm.StageEmit, Output: false}, nil
}

func (s *elemMatchStage) IsCompleted() bool { return true }

func compileGoRegex(pattern, opts string) (*regexp.Regexp, error) {
	flags := ""
	for _, c := range opts {
		switch c {
		case 'i', 'm', 's', 'U':
			flags += string(c)
		case 'x', 'u':
			// 'x' (extended) and 'u' (unicode, Go is unicode-aware by
			// default) have no direct Go regexp flag equivalent.
		default:
			return nil, fmt.Errorf("codegen: invalid regex option %q", string(c))
		}
	}
	expr := pattern
	if flags != "" {
		expr = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(expr)
}
