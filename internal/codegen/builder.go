// Package codegen compiles filter documents, update documents and
// aggregation pipelines into vm.Program values (spec §4.5). It is the only
// package that constructs vm.Instruction streams; callers never hand-assemble
// bytecode.
package codegen

import (
	"regexp"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/vm"
)

// builder assembles a vm.Program incrementally, resolving forward jump
// targets after the fact the way a one-pass assembler with a fixup list
// does.
type builder struct {
	collection string
	instrs     []vm.Instruction
	statics    []any
	fields     []string
	prefixes   [][]byte
	indexInfos []*catalog.IndexSpec
	regexes    []*regexp.Regexp
	externals  []vm.Stage
	updateOps  []vm.UpdateOperator
	globals    []any

	fieldIdx map[string]int32
}

func newBuilder(collection string) *builder {
	return &builder{collection: collection, fieldIdx: map[string]int32{}}
}

// emit appends an instruction and returns its address.
func (b *builder) emit(op vm.Opcode, a, bOperand int32) int {
	b.instrs = append(b.instrs, vm.Instruction{Op: op, A: a, B: bOperand})
	return len(b.instrs) - 1
}

// here returns the address the next emitted instruction will occupy.
func (b *builder) here() int32 { return int32(len(b.instrs)) }

// patchB rewrites the B operand of a previously emitted instruction, used to
// resolve a forward jump once its target address is known.
func (b *builder) patchB(addr int, target int32) {
	b.instrs[addr].B = target
}

// patchA rewrites the A operand of a previously emitted instruction.
func (b *builder) patchA(addr int, target int32) {
	b.instrs[addr].A = target
}

func (b *builder) staticValue(v any) int32 {
	b.statics = append(b.statics, v)
	return int32(len(b.statics) - 1)
}

func (b *builder) fieldName(path string) int32 {
	if idx, ok := b.fieldIdx[path]; ok {
		return idx
	}
	b.fields = append(b.fields, path)
	idx := int32(len(b.fields) - 1)
	b.fieldIdx[path] = idx
	return idx
}

func (b *builder) prefix(p []byte) int32 {
	b.prefixes = append(b.prefixes, p)
	return int32(len(b.prefixes) - 1)
}

func (b *builder) indexInfo(spec *catalog.IndexSpec) int32 {
	b.indexInfos = append(b.indexInfos, spec)
	return int32(len(b.indexInfos) - 1)
}

func (b *builder) regex(re *regexp.Regexp) int32 {
	b.regexes = append(b.regexes, re)
	return int32(len(b.regexes) - 1)
}

func (b *builder) external(s vm.Stage) int32 {
	b.externals = append(b.externals, s)
	return int32(len(b.externals) - 1)
}

func (b *builder) updateOperator(op vm.UpdateOperator) int32 {
	b.updateOps = append(b.updateOps, op)
	return int32(len(b.updateOps) - 1)
}

func (b *builder) program() *vm.Program {
	return &vm.Program{
		Instructions:    b.instrs,
		Collection:      b.collection,
		StaticValues:    b.statics,
		FieldNames:      b.fields,
		Prefixes:        b.prefixes,
		IndexInfos:      b.indexInfos,
		Regexes:         b.regexes,
		ExternalFuncs:   b.externals,
		UpdateOperators: b.updateOps,
		GlobalVariables: b.globals,
	}
}

// setR0Const emits code equivalent to "r0 = v" for a constant 0/1 value,
// using PushValue+StoreR0 since the VM has no direct register-immediate
// opcode (spec §4.4's register set is stack-fed throughout).
func (b *builder) setR0Const(v int32) {
	idx := b.staticValue(v)
	b.emit(vm.OpPushValue, idx, 0)
	b.emit(vm.OpStoreR0, 0, 0)
}

const (
	r0False int32 = 0
	r0True  int32 = 1
)
