package codegen

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/index"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/vm"
)

// CompileFilter compiles a filter document into a Program that, when run
// against a transaction, yields one ResultRow per matching document (spec
// §4.5.1). It prefers an index-backed scan via index.Pick, falling back to
// a full collection scan.
//
// The residual predicate re-checks the entire filter on every candidate
// row rather than only the clauses the chosen index didn't already satisfy
// — a correctness-preserving simplification (an index match is always a
// filter match) traded for a simpler compiler.
func CompileFilter(collection string, cs *catalog.CollectionSpec, filter bson.M) (*vm.Program, error) {
	b := newBuilder(collection)

	if name, value, ok := index.Pick(cs, filter); ok {
		spec := cs.Indexes[name]
		infoIdx := b.indexInfo(&spec)
		valIdx := b.staticValue(value)

		b.emit(vm.OpPushValue, valIdx, 0)
		findAddr := b.emit(vm.OpFindByIndex, infoIdx, 0)

		loopPos := b.here()
		if err := compilePredicate(b, filter); err != nil {
			return nil, err
		}
		ifFalseAddr := b.emit(vm.OpIfFalse, 0, 0)
		b.emit(vm.OpResultRow, 0, 0)
		nextPos := b.here()
		b.patchB(ifFalseAddr, nextPos)

		nextIdxAddr := b.emit(vm.OpNextIndexValue, 0, 0)
		b.patchB(nextIdxAddr, loopPos)

		endPos := b.here()
		b.patchB(findAddr, endPos)
		b.emit(vm.OpClose, 0, 0)
		b.emit(vm.OpHalt, 0, 0)
		return b.program(), nil
	}

	prefix, err := keycodec.CollectionDataPrefix(collection)
	if err != nil {
		return nil, err
	}
	prefixIdx := b.prefix(prefix)
	b.emit(vm.OpOpenRead, prefixIdx, 0)
	rewindAddr := b.emit(vm.OpRewind, 0, 0)

	loopPos := b.here()
	if err := compilePredicate(b, filter); err != nil {
		return nil, err
	}
	ifFalseAddr := b.emit(vm.OpIfFalse, 0, 0)
	b.emit(vm.OpResultRow, 0, 0)
	nextPos := b.here()
	b.patchB(ifFalseAddr, nextPos)

	nextAddr := b.emit(vm.OpNext, 0, 0)
	b.patchB(nextAddr, loopPos)

	endPos := b.here()
	b.patchB(rewindAddr, endPos)
	b.emit(vm.OpClose, 0, 0)
	b.emit(vm.OpHalt, 0, 0)
	return b.program(), nil
}
