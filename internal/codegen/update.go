package codegen

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/vm"
)

// ErrUpdateTouchesPrimaryKey is returned at compile time when an update
// document would modify _id, which spec §4.5 forbids outright.
var ErrUpdateTouchesPrimaryKey = fmt.Errorf("codegen: update operators must not modify _id")

// ErrUnknownUpdateOperator is returned for an update document key that is
// not one of the operators spec §4.5 lists.
var ErrUnknownUpdateOperator = fmt.Errorf("codegen: unknown update operator")

// ErrReplacementDocumentNotSupported is returned when an update document
// contains no operator keys, i.e. it is a bare replacement document — spec
// §4.5 explicitly excludes replacement-style updates.
var ErrReplacementDocumentNotSupported = fmt.Errorf("codegen: bare replacement updates are not supported, use operators")

type compiledOperator struct {
	op     vm.UpdateOperator
	fields []string
}

// parseUpdateOperators compiles an update document's operators into
// vm.UpdateOperator values, returning every field path touched across all
// of them (used to decide which secondary indexes need maintenance).
func parseUpdateOperators(update bson.M) ([]compiledOperator, error) {
	if len(update) == 0 {
		return nil, nil
	}
	keys := sortedKeys(update)
	for _, k := range keys {
		if len(k) == 0 || k[0] != '$' {
			return nil, ErrReplacementDocumentNotSupported
		}
	}
	var compiled []compiledOperator
	for _, k := range keys {
		spec, err := asDoc(update[k])
		if err != nil {
			return nil, err
		}
		fieldKeys := sortedKeys(spec)
		switch k {
		case "$set":
			for _, f := range fieldKeys {
				compiled = append(compiled, compiledOperator{&setOp{field: f, value: spec[f]}, []string{f}})
			}
		case "$unset":
			for _, f := range fieldKeys {
				compiled = append(compiled, compiledOperator{&unsetOp{field: f}, []string{f}})
			}
		case "$inc":
			for _, f := range fieldKeys {
				delta, _ := asFloat(spec[f])
				compiled = append(compiled, compiledOperator{&incOp{field: f, delta: delta}, []string{f}})
			}
		case "$mul":
			for _, f := range fieldKeys {
				factor, _ := asFloat(spec[f])
				compiled = append(compiled, compiledOperator{&mulOp{field: f, factor: factor}, []string{f}})
			}
		case "$min":
			for _, f := range fieldKeys {
				compiled = append(compiled, compiledOperator{&minOp{field: f, value: spec[f]}, []string{f}})
			}
		case "$max":
			for _, f := range fieldKeys {
				compiled = append(compiled, compiledOperator{&maxOp{field: f, value: spec[f]}, []string{f}})
			}
		case "$rename":
			for _, f := range fieldKeys {
				to, ok := spec[f].(string)
				if !ok {
					return nil, fmt.Errorf("codegen: $rename target for %q must be a string", f)
				}
				compiled = append(compiled, compiledOperator{&renameOp{from: f, to: to}, []string{f, to}})
			}
		case "$push":
			for _, f := range fieldKeys {
				compiled = append(compiled, compiledOperator{&pushOp{field: f, value: spec[f]}, []string{f}})
			}
		case "$pop":
			for _, f := range fieldKeys {
				n, _ := asFloat(spec[f])
				compiled = append(compiled, compiledOperator{&popOp{field: f, last: n >= 0}, []string{f}})
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownUpdateOperator, k)
		}
	}
	for _, c := range compiled {
		for _, f := range c.fields {
			if f == "_id" {
				return nil, ErrUpdateTouchesPrimaryKey
			}
		}
	}
	return compiled, nil
}

func touchedFieldSet(compiled []compiledOperator) map[string]bool {
	set := map[string]bool{}
	for _, c := range compiled {
		for _, f := range c.fields {
			set[f] = true
		}
	}
	return set
}

func affectedIndexes(cs *catalog.CollectionSpec, touched map[string]bool) []*catalog.IndexSpec {
	var out []*catalog.IndexSpec
	for _, name := range cs.IndexOrder {
		spec := cs.Indexes[name]
		if touched[spec.Field()] {
			s := spec
			out = append(out, &s)
		}
	}
	return out
}

// CompileUpdate compiles an update_one/update_many: a full scan filtered by
// filter, applying update's operators to each match, with index maintenance
// around the mutation and a hard stop after the first match when limit==1.
//
// The scan always performs a full collection walk rather than reusing
// CompileFilter's index-seek path: an index-keyed cursor walk that mutates
// the very index range it is iterating is exactly the hazard invariant 6
// warns about, and sidestepping it is simpler than proving the walk-while-
// mutating case safe.
func CompileUpdate(collection string, cs *catalog.CollectionSpec, filter, update bson.M, limit int) (*vm.Program, error) {
	compiled, err := parseUpdateOperators(update)
	if err != nil {
		return nil, err
	}
	touched := touchedFieldSet(compiled)
	indexes := affectedIndexes(cs, touched)

	b := newBuilder(collection)
	prefix, err := keycodec.CollectionDataPrefix(collection)
	if err != nil {
		return nil, err
	}
	prefixIdx := b.prefix(prefix)
	b.emit(vm.OpOpenWrite, prefixIdx, 0)
	rewindAddr := b.emit(vm.OpRewind, 0, 0)

	loopPos := b.here()
	if err := compilePredicate(b, filter); err != nil {
		return nil, err
	}
	ifFalseAddr := b.emit(vm.OpIfFalse, 0, 0)

	for _, idx := range indexes {
		infoIdx := b.indexInfo(idx)
		b.emit(vm.OpDeleteIndex, infoIdx, 0)
	}
	for _, c := range compiled {
		opIdx := b.updateOperator(c.op)
		b.emit(vm.OpCallUpdateOperator, opIdx, 0)
	}
	for _, idx := range indexes {
		infoIdx := b.indexInfo(idx)
		b.emit(vm.OpInsertIndex, infoIdx, 0)
	}
	b.emit(vm.OpUpdateCurrent, 0, 0)
	b.emit(vm.OpIncR2, 0, 0)

	var limitExitAddr int
	hasLimitExit := false
	if limit == 1 {
		limitExitAddr = b.emit(vm.OpGoto, 0, 0)
		hasLimitExit = true
	}

	skipPos := b.here()
	b.patchB(ifFalseAddr, skipPos)

	nextAddr := b.emit(vm.OpNext, 0, 0)
	b.patchB(nextAddr, loopPos)

	endPos := b.here()
	b.patchB(rewindAddr, endPos)
	if hasLimitExit {
		b.patchB(limitExitAddr, endPos)
	}
	b.emit(vm.OpClose, 0, 0)
	b.emit(vm.OpHalt, 0, 0)
	return b.program(), nil
}

// CompileDelete compiles delete_one/delete_many: a full scan filtered by
// filter, removing every index entry and the document itself for each
// match, stopping after the first match when limit==1.
func CompileDelete(collection string, cs *catalog.CollectionSpec, filter bson.M, limit int) (*vm.Program, error) {
	b := newBuilder(collection)
	prefix, err := keycodec.CollectionDataPrefix(collection)
	if err != nil {
		return nil, err
	}
	prefixIdx := b.prefix(prefix)
	b.emit(vm.OpOpenWrite, prefixIdx, 0)
	rewindAddr := b.emit(vm.OpRewind, 0, 0)

	loopPos := b.here()
	if err := compilePredicate(b, filter); err != nil {
		return nil, err
	}
	ifFalseAddr := b.emit(vm.OpIfFalse, 0, 0)

	for _, name := range cs.IndexOrder {
		spec := cs.Indexes[name]
		infoIdx := b.indexInfo(&spec)
		b.emit(vm.OpDeleteIndex, infoIdx, 0)
	}
	b.emit(vm.OpDeleteCurrent, 0, 0)
	b.emit(vm.OpIncR2, 0, 0)

	var limitExitAddr int
	hasLimitExit := false
	if limit == 1 {
		limitExitAddr = b.emit(vm.OpGoto, 0, 0)
		hasLimitExit = true
	}

	skipPos := b.here()
	b.patchB(ifFalseAddr, skipPos)

	nextAddr := b.emit(vm.OpNext, 0, 0)
	b.patchB(nextAddr, loopPos)

	endPos := b.here()
	b.patchB(rewindAddr, endPos)
	if hasLimitExit {
		b.patchB(limitExitAddr, endPos)
	}
	b.emit(vm.OpClose, 0, 0)
	b.emit(vm.OpHalt, 0, 0)
	return b.program(), nil
}
