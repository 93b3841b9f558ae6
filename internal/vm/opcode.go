// Package vm implements the bytecode interpreter codegen compiles filter,
// update and pipeline programs into (spec §4.4). A program is a flat
// []Instruction rather than a byte buffer — the idiomatic Go rendering of
// "bytecode" the rest of this corpus's small interpreters use (struct-based
// instruction streams, not packed binary) — but every opcode, register and
// state transition spec.md's §4.4 table names is implemented here.
package vm

// Opcode identifies one VM instruction.
type Opcode int

const (
	// Control flow.
	OpGoto Opcode = iota
	OpIfTrue
	OpIfFalse
	OpCall
	OpRet0
	OpRet
	OpIfFalseRet
	OpHalt

	// Stack manipulation.
	OpPushValue
	OpPushTrue
	OpPushFalse
	OpPushNull
	OpPushDocument
	OpPushR0
	OpStoreR0
	OpDup
	OpPop
	OpPop2
	OpSaveStackPos
	OpRecoverStackPos

	// Counters.
	OpInc
	OpIncR2

	// Cursor.
	OpOpenRead
	OpOpenWrite
	OpRewind
	OpFindByPrimaryKey
	OpFindByIndex
	OpNext
	OpNextIndexValue
	OpUpdateCurrent
	OpDeleteCurrent
	OpClose

	// Field ops.
	OpGetField
	OpSetField
	OpUnsetField
	OpIncField
	OpMulField

	// Array ops.
	OpArraySize
	OpArrayPush
	OpArrayPopFirst
	OpArrayPopLast

	// Compare.
	OpEqual
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
	OpEqualNull
	OpIn
	OpRegex
	OpNot

	// Index maintenance.
	OpInsertIndex
	OpDeleteIndex

	// Externals.
	OpCallExternal
	OpExternalIsCompleted
	OpCallUpdateOperator

	// Globals.
	OpLoadGlobal
	OpStoreGlobal

	// Result.
	OpResultRow
)

var opcodeNames = map[Opcode]string{
	OpGoto:                "Goto",
	OpIfTrue:              "IfTrue",
	OpIfFalse:             "IfFalse",
	OpCall:                "Call",
	OpRet0:                "Ret0",
	OpRet:                 "Ret",
	OpIfFalseRet:          "IfFalseRet",
	OpHalt:                "Halt",
	OpPushValue:           "PushValue",
	OpPushTrue:            "PushTrue",
	OpPushFalse:           "PushFalse",
	OpPushNull:            "PushNull",
	OpPushDocument:        "PushDocument",
	OpPushR0:              "PushR0",
	OpStoreR0:             "StoreR0",
	OpDup:                 "Dup",
	OpPop:                 "Pop",
	OpPop2:                "Pop2",
	OpSaveStackPos:        "SaveStackPos",
	OpRecoverStackPos:     "RecoverStackPos",
	OpInc:                 "Inc",
	OpIncR2:               "IncR2",
	OpOpenRead:            "OpenRead",
	OpOpenWrite:           "OpenWrite",
	OpRewind:              "Rewind",
	OpFindByPrimaryKey:    "FindByPrimaryKey",
	OpFindByIndex:         "FindByIndex",
	OpNext:                "Next",
	OpNextIndexValue:      "NextIndexValue",
	OpUpdateCurrent:       "UpdateCurrent",
	OpDeleteCurrent:       "DeleteCurrent",
	OpClose:               "Close",
	OpGetField:            "GetField",
	OpSetField:            "SetField",
	OpUnsetField:          "UnsetField",
	OpIncField:            "IncField",
	OpMulField:            "MulField",
	OpArraySize:           "ArraySize",
	OpArrayPush:           "ArrayPush",
	OpArrayPopFirst:       "ArrayPopFirst",
	OpArrayPopLast:        "ArrayPopLast",
	OpEqual:               "Equal",
	OpGreater:             "Greater",
	OpGreaterEqual:        "GreaterEqual",
	OpLess:                "Less",
	OpLessEqual:           "LessEqual",
	OpEqualNull:           "EqualNull",
	OpIn:                  "In",
	OpRegex:               "Regex",
	OpNot:                 "Not",
	OpInsertIndex:         "InsertIndex",
	OpDeleteIndex:         "DeleteIndex",
	OpCallExternal:        "CallExternal",
	OpExternalIsCompleted: "ExternalIsCompleted",
	OpCallUpdateOperator:  "CallUpdateOperator",
	OpLoadGlobal:          "LoadGlobal",
	OpStoreGlobal:         "StoreGlobal",
	OpResultRow:           "ResultRow",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "Unknown"
}
