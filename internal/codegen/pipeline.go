package codegen

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/polodb/polodb/internal/catalog"
	"github.com/polodb/polodb/internal/keycodec"
	"github.com/polodb/polodb/internal/kv"
	"github.com/polodb/polodb/internal/vm"
)

// pipelineStage is the pull-model contract spec §4.5/§9 describes for
// aggregation stages (push a document in, optionally get documents out; a
// terminal nil/flush drains buffered state). It mirrors vm.Stage's
// call()/is_completed() shape but as a push/flush pair, since a stage may
// emit zero, one, or many documents per input and the final flush may emit
// many at once (e.g. the whole sorted set).
type pipelineStage interface {
	push(doc bson.M) ([]bson.M, error)
	flush() ([]bson.M, error)
}

// ErrUnsupportedStage is returned for a pipeline stage key not in spec
// §4.5/§6.4's required vocabulary.
var ErrUnsupportedStage = fmt.Errorf("codegen: unsupported pipeline stage")

// AggregationPlan is a compiled aggregate() pipeline: a full-scan Program
// supplying raw documents plus the Go-native stage chain they are threaded
// through.
//
// The driving scan is expressed as a vm.Program and run through the VM
// exactly like find() does; the stage chain itself runs as a direct Go
// loop rather than a sequence of CallExternal opcodes. Spec §4.5 describes
// the compiler "emitting a loop that pulls from the driving cursor" — the
// loop here lives in AggregationCursor.Next, in Go, because the number of
// documents (and, for $group/$sort, the number of flushed output rows) is
// unknowable until the stages actually run against live data; expressing
// that as hand-patched bytecode jumps would need backpatch targets with no
// compile-time bound, where Go's own loop is the more direct and no less
// faithful translation of the same pull-model contract.
type AggregationPlan struct {
	scanProgram *vm.Program
	stages      []pipelineStage
}

// CompileAggregation compiles an aggregation pipeline against collection.
func CompileAggregation(collection string, cs *catalog.CollectionSpec, stageSpecs []bson.M) (*AggregationPlan, error) {
	b := newBuilder(collection)
	prefix, err := keycodec.CollectionDataPrefix(collection)
	if err != nil {
		return nil, err
	}
	prefixIdx := b.prefix(prefix)
	b.emit(vm.OpOpenRead, prefixIdx, 0)
	rewindAddr := b.emit(vm.OpRewind, 0, 0)
	loopPos := b.here()
	b.emit(vm.OpResultRow, 0, 0)
	nextAddr := b.emit(vm.OpNext, 0, 0)
	b.patchB(nextAddr, loopPos)
	endPos := b.here()
	b.patchB(rewindAddr, endPos)
	b.emit(vm.OpClose, 0, 0)
	b.emit(vm.OpHalt, 0, 0)

	stages := make([]pipelineStage, 0, len(stageSpecs))
	for _, spec := range stageSpecs {
		st, err := parseStage(spec)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return &AggregationPlan{scanProgram: b.program(), stages: stages}, nil
}

// Run starts executing the plan against txn, returning a cursor that
// yields one aggregation output document per call to Next.
func (p *AggregationPlan) Run(txn kv.Txn) *AggregationCursor {
	return &AggregationCursor{plan: p, m: vm.New(p.scanProgram, txn)}
}

// AggregationCursor pulls documents from the driving scan, threads them
// through the stage chain, and buffers whatever each step emits.
type AggregationCursor struct {
	plan     *AggregationPlan
	m        *vm.VM
	pending  []bson.M
	scanDone bool
	drained  bool
}

// Next returns the next output document, or ok=false once the pipeline is
// exhausted.
func (c *AggregationCursor) Next() (bson.M, bool, error) {
	for {
		if len(c.pending) > 0 {
			d := c.pending[0]
			c.pending = c.pending[1:]
			return d, true, nil
		}
		if c.drained {
			return nil, false, nil
		}
		if !c.scanDone {
			state, err := c.m.Run()
			if err != nil {
				return nil, false, err
			}
			if state == vm.StateHasRow {
				doc, ok := c.m.Row().(bson.M)
				if !ok {
					continue
				}
				outs, err := pushAll(c.plan.stages, 0, []bson.M{doc})
				if err != nil {
					return nil, false, err
				}
				c.pending = append(c.pending, outs...)
				continue
			}
			c.scanDone = true
		}
		final, err := drainFrom(c.plan.stages, 0, nil)
		if err != nil {
			return nil, false, err
		}
		c.pending = append(c.pending, final...)
		c.drained = true
	}
}

// pushAll threads input through stages[idx:] using only push (no flush),
// the per-document hot path while the driving scan still has rows.
func pushAll(stages []pipelineStage, idx int, input []bson.M) ([]bson.M, error) {
	if idx == len(stages) || len(input) == 0 {
		return input, nil
	}
	st := stages[idx]
	var produced []bson.M
	for _, d := range input {
		outs, err := st.push(d)
		if err != nil {
			return nil, err
		}
		produced = append(produced, outs...)
	}
	return pushAll(stages, idx+1, produced)
}

// drainFrom flushes stages[idx:] in order, feeding each stage's flushed
// output down through the remaining stages before flushing them in turn —
// the general end-of-input drain for an arbitrary chain of buffering
// stages ($sort, $count, $group) interleaved with per-document ones.
func drainFrom(stages []pipelineStage, idx int, carry []bson.M) ([]bson.M, error) {
	if idx == len(stages) {
		return carry, nil
	}
	st := stages[idx]
	var produced []bson.M
	for _, d := range carry {
		outs, err := st.push(d)
		if err != nil {
			return nil, err
		}
		produced = append(produced, outs...)
	}
	flushed, err := st.flush()
	if err != nil {
		return nil, err
	}
	produced = append(produced, flushed...)
	return drainFrom(stages, idx+1, produced)
}

func parseStage(stage bson.M) (pipelineStage, error) {
	if len(stage) != 1 {
		return nil, fmt.Errorf("codegen: pipeline stage document must have exactly one key, got %d", len(stage))
	}
	for k, v := range stage {
		switch k {
		case "$match":
			filter, err := asDoc(v)
			if err != nil {
				return nil, err
			}
			return &matchStage{filter: filter}, nil
		case "$project":
			spec, err := asDoc(v)
			if err != nil {
				return nil, err
			}
			return newProjectStage(spec)
		case "$skip":
			n, _ := asFloat(v)
			return &skipStage{n: int64(n)}, nil
		case "$limit":
			n, _ := asFloat(v)
			return &limitStage{n: int64(n)}, nil
		case "$sort":
			spec, err := asSortSpec(v)
			if err != nil {
				return nil, err
			}
			return &sortStage{spec: spec}, nil
		case "$unset":
			fields, err := asFieldList(v)
			if err != nil {
				return nil, err
			}
			return &unsetStage{fields: fields}, nil
		case "$addFields":
			spec, err := asDoc(v)
			if err != nil {
				return nil, err
			}
			return &addFieldsStage{fields: spec}, nil
		case "$count":
			field, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("codegen: $count requires a string field name")
			}
			return &countStage{field: field}, nil
		case "$group":
			spec, err := asDoc(v)
			if err != nil {
				return nil, err
			}
			return newGroupStage(spec)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedStage, k)
		}
	}
	panic("unreachable")
}

func asFieldList(v any) ([]string, error) {
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case bson.A:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("codegen: expected string field names")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codegen: expected a field name or array of field names")
	}
}

func asSortSpec(v any) (bson.D, error) {
	switch x := v.(type) {
	case bson.D:
		return x, nil
	case bson.M:
		keys := sortedKeys(x)
		d := make(bson.D, 0, len(x))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: x[k]})
		}
		return d, nil
	default:
		return nil, fmt.Errorf("codegen: $sort requires a document of field -> 1/-1")
	}
}

func cloneShallow(d bson.M) bson.M {
	out := make(bson.M, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// --- $match ---

type matchStage struct{ filter bson.M }

func (s *matchStage) push(doc bson.M) ([]bson.M, error) {
	if matchDocument(doc, s.filter) {
		return []bson.M{doc}, nil
	}
	return nil, nil
}
func (s *matchStage) flush() ([]bson.M, error) { return nil, nil }

// --- $project ---

type projectStage struct {
	include bool
	fields  []string
}

func newProjectStage(spec bson.M) (*projectStage, error) {
	if len(spec) == 0 {
		return nil, fmt.Errorf("codegen: $project requires at least one field")
	}
	var include *bool
	fields := make([]string, 0, len(spec))
	for field, v := range spec {
		on, ok := truthy(v)
		if !ok {
			return nil, fmt.Errorf("codegen: $project only supports include(1)/exclude(0) form, not computed fields")
		}
		if include == nil {
			include = &on
		} else if *include != on && field != "_id" {
			return nil, fmt.Errorf("codegen: $project cannot mix inclusion and exclusion")
		}
		fields = append(fields, field)
	}
	return &projectStage{include: *include, fields: fields}, nil
}

func truthy(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int32:
		return x != 0, true
	case int64:
		return x != 0, true
	case int:
		return x != 0, true
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}

func (s *projectStage) push(doc bson.M) ([]bson.M, error) {
	out := bson.M{}
	if s.include {
		if v, ok := doc["_id"]; ok {
			out["_id"] = v
		}
		for _, f := range s.fields {
			if v, ok := lookupDotted(doc, f); ok {
				setDotted(out, f, v)
			}
		}
	} else {
		out = cloneShallow(doc)
		for _, f := range s.fields {
			unsetDotted(out, f)
		}
	}
	return []bson.M{out}, nil
}
func (s *projectStage) flush() ([]bson.M, error) { return nil, nil }

// --- $skip / $limit ---

type skipStage struct {
	n    int64
	seen int64
}

func (s *skipStage) push(doc bson.M) ([]bson.M, error) {
	s.seen++
	if s.seen <= s.n {
		return nil, nil
	}
	return []bson.M{doc}, nil
}
func (s *skipStage) flush() ([]bson.M, error) { return nil, nil }

type limitStage struct {
	n       int64
	emitted int64
}

func (s *limitStage) push(doc bson.M) ([]bson.M, error) {
	if s.emitted >= s.n {
		return nil, nil
	}
	s.emitted++
	return []bson.M{doc}, nil
}
func (s *limitStage) flush() ([]bson.M, error) { return nil, nil }

// --- $unset ---

type unsetStage struct{ fields []string }

func (s *unsetStage) push(doc bson.M) ([]bson.M, error) {
	out := cloneShallow(doc)
	for _, f := range s.fields {
		unsetDotted(out, f)
	}
	return []bson.M{out}, nil
}
func (s *unsetStage) flush() ([]bson.M, error) { return nil, nil }

// --- $addFields ---

type addFieldsStage struct{ fields bson.M }

func (s *addFieldsStage) push(doc bson.M) ([]bson.M, error) {
	out := cloneShallow(doc)
	for field, expr := range s.fields {
		setDotted(out, field, resolveExpr(expr, doc))
	}
	return []bson.M{out}, nil
}
func (s *addFieldsStage) flush() ([]bson.M, error) { return nil, nil }

// resolveExpr evaluates the minimal expression language §4.5's $addFields/
// $group accumulators need: a "$field" string is a field reference, any
// other value is a literal.
func resolveExpr(expr any, doc bson.M) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := lookupDotted(doc, s[1:])
		return v
	}
	return expr
}

// --- $count ---

type countStage struct {
	field string
	n     int64
}

func (s *countStage) push(doc bson.M) ([]bson.M, error) {
	s.n++
	return nil, nil
}
func (s *countStage) flush() ([]bson.M, error) {
	return []bson.M{{s.field: s.n}}, nil
}

// --- $sort ---

type sortStage struct {
	spec bson.D
	buf  []bson.M
}

func (s *sortStage) push(doc bson.M) ([]bson.M, error) {
	s.buf = append(s.buf, doc)
	return nil, nil
}
func (s *sortStage) flush() ([]bson.M, error) {
	sort.SliceStable(s.buf, func(i, j int) bool {
		for _, e := range s.spec {
			dir, _ := asFloat(e.Value)
			vi, _ := lookupDotted(s.buf[i], e.Key)
			vj, _ := lookupDotted(s.buf[j], e.Key)
			cmp := compareLoose(vi, vj)
			if cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return s.buf, nil
}

func compareLoose(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

// --- $group ---

type accumKind int

const (
	accSum accumKind = iota
	accAvg
	accMin
	accMax
	accPush
	accFirst
	accLast
)

type accumSpec struct {
	kind accumKind
	expr any
}

type accState struct {
	spec     accumSpec
	sum      float64
	count    int64
	min, max any
	minSet   bool
	maxSet   bool
	arr      []any
	first    any
	firstSet bool
	last     any
}

func (a *accState) update(doc bson.M) {
	val := resolveExpr(a.spec.expr, doc)
	switch a.spec.kind {
	case accSum:
		f, _ := asFloat(val)
		a.sum += f
	case accAvg:
		f, _ := asFloat(val)
		a.sum += f
		a.count++
	case accMin:
		if !a.minSet || compareLoose(val, a.min) < 0 {
			a.min, a.minSet = val, true
		}
	case accMax:
		if !a.maxSet || compareLoose(val, a.max) > 0 {
			a.max, a.maxSet = val, true
		}
	case accPush:
		a.arr = append(a.arr, val)
	case accFirst:
		if !a.firstSet {
			a.first, a.firstSet = val, true
		}
	case accLast:
		a.last = val
	}
}

func (a *accState) result() any {
	switch a.spec.kind {
	case accSum:
		return a.sum
	case accAvg:
		if a.count == 0 {
			return nil
		}
		return a.sum / float64(a.count)
	case accMin:
		return a.min
	case accMax:
		return a.max
	case accPush:
		return bson.A(a.arr)
	case accFirst:
		return a.first
	case accLast:
		return a.last
	default:
		return nil
	}
}

type groupBucket struct {
	id   any
	accs map[string]*accState
}

type groupStage struct {
	idExpr     any
	accumSpecs map[string]accumSpec
	fieldOrder []string
	groups     map[string]*groupBucket
	groupOrder []string
}

func newGroupStage(spec bson.M) (*groupStage, error) {
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("codegen: $group requires an _id expression")
	}
	specs := map[string]accumSpec{}
	var order []string
	keys := sortedKeys(spec)
	for _, field := range keys {
		if field == "_id" {
			continue
		}
		accDoc, err := asDoc(spec[field])
		if err != nil {
			return nil, err
		}
		if len(accDoc) != 1 {
			return nil, fmt.Errorf("codegen: $group field %q must specify exactly one accumulator", field)
		}
		for op, expr := range accDoc {
			kind, err := parseAccumKind(op)
			if err != nil {
				return nil, err
			}
			specs[field] = accumSpec{kind: kind, expr: expr}
		}
		order = append(order, field)
	}
	return &groupStage{idExpr: idExpr, accumSpecs: specs, fieldOrder: order, groups: map[string]*groupBucket{}}, nil
}

func parseAccumKind(op string) (accumKind, error) {
	switch op {
	case "$sum":
		return accSum, nil
	case "$avg":
		return accAvg, nil
	case "$min":
		return accMin, nil
	case "$max":
		return accMax, nil
	case "$push":
		return accPush, nil
	case "$first":
		return accFirst, nil
	case "$last":
		return accLast, nil
	default:
		return 0, fmt.Errorf("codegen: unsupported $group accumulator %q", op)
	}
}

func (s *groupStage) push(doc bson.M) ([]bson.M, error) {
	keyVal := resolveExpr(s.idExpr, doc)
	keyStr := fmt.Sprintf("%v", keyVal)
	bucket, exists := s.groups[keyStr]
	if !exists {
		bucket = &groupBucket{id: keyVal, accs: map[string]*accState{}}
		for _, field := range s.fieldOrder {
			bucket.accs[field] = &accState{spec: s.accumSpecs[field]}
		}
		s.groups[keyStr] = bucket
		s.groupOrder = append(s.groupOrder, keyStr)
	}
	for _, field := range s.fieldOrder {
		bucket.accs[field].update(doc)
	}
	return nil, nil
}

func (s *groupStage) flush() ([]bson.M, error) {
	out := make([]bson.M, 0, len(s.groupOrder))
	for _, keyStr := range s.groupOrder {
		bucket := s.groups[keyStr]
		doc := bson.M{"_id": bucket.id}
		for _, field := range s.fieldOrder {
			doc[field] = bucket.accs[field].result()
		}
		out = append(out, doc)
	}
	return out, nil
}
