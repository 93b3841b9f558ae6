package vm

import (
	"regexp"

	"github.com/polodb/polodb/internal/catalog"
)

// Instruction is one bytecode instruction. The meaning of A and B depends on
// Op; VM.step in vm.go shows which operand pool each opcode's index refers
// to.
type Instruction struct {
	Op Opcode
	A  int32
	B  int32
}

// StageAction is the result discriminant a Stage.Call returns, mirroring
// spec §4.5's "Continue | Next(output)".
type StageAction int

const (
	StageContinue StageAction = iota
	StageEmit
)

// StageResult is returned by Stage.Call for each input value.
type StageResult struct {
	Action StageAction
	Output any
}

// Stage is an external function the CallExternal and ExternalIsCompleted
// opcodes invoke. Codegen compiles $elemMatch predicates into Stages;
// aggregation pipeline stages run in codegen and do not implement this
// interface.
type Stage interface {
	Call(input any) (StageResult, error)
	IsCompleted() bool
}

// UpdateOperator mutates a document in place, the compiled form of one
// update-document operator ($set, $inc, ...).
type UpdateOperator interface {
	Apply(doc map[string]any) error
}

// Program is a compiled, executable unit: a flat instruction stream plus the
// operand pools instructions index into.
type Program struct {
	Instructions []Instruction

	// Collection is the namespace every cursor op in this program scopes
	// its key prefixes to.
	Collection string

	// StaticValues holds PushValue / IncField / MulField operands — BSON
	// scalars and regexes baked in at compile time.
	StaticValues []any

	// FieldNames holds the dotted field paths GetField/SetField/UnsetField/
	// IncField/MulField reference by index.
	FieldNames []string

	// Prefixes holds precomputed stacked-key prefixes for OpenRead/
	// OpenWrite, computed once at compile time since the collection and
	// index names are already known.
	Prefixes [][]byte

	// IndexInfos holds the catalog.IndexSpec values InsertIndex/
	// DeleteIndex/FindByIndex reference by index.
	IndexInfos []*catalog.IndexSpec

	// Regexes holds precompiled patterns the Regex opcode references.
	Regexes []*regexp.Regexp

	// ExternalFuncs holds the Stages (compiled $elemMatch predicates)
	// CallExternal/ExternalIsCompleted reference by index.
	ExternalFuncs []Stage

	// UpdateOperators holds compiled update operators CallUpdateOperator
	// references by index.
	UpdateOperators []UpdateOperator

	// GlobalVariables seeds the VM's globals vector.
	GlobalVariables []any
}
