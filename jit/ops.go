package jit

import (
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/types/vartype"
)

// Op enumerates the traced operations of the front end. Code generation
// for individual operations lives in the statement-fragment table below;
// everything past it (scheduling, assembly, launch) is operation-agnostic.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpSelect
)

// stmt fragments: $r is the destination register, $r1..$r4 the dependency
// registers, $t the result type, $t1..$t4 the dependency types.
var opStmts = map[Op]string{
	OpAdd:    "$r = add.$t $r1, $r2",
	OpSub:    "$r = sub.$t $r1, $r2",
	OpMul:    "$r = mul.$t $r1, $r2",
	OpDiv:    "$r = div.$t $r1, $r2",
	OpMin:    "$r = min.$t $r1, $r2",
	OpMax:    "$r = max.$t $r1, $r2",
	OpAnd:    "$r = and.$t $r1, $r2",
	OpOr:     "$r = or.$t $r1, $r2",
	OpXor:    "$r = xor.$t $r1, $r2",
	OpShl:    "$r = shl.$t $r1, $r2",
	OpShr:    "$r = shr.$t $r1, $r2",
	OpLt:     "$r = setlt.$t1 $r1, $r2",
	OpLe:     "$r = setle.$t1 $r1, $r2",
	OpGt:     "$r = setgt.$t1 $r1, $r2",
	OpGe:     "$r = setge.$t1 $r1, $r2",
	OpEq:     "$r = seteq.$t1 $r1, $r2",
	OpNe:     "$r = setne.$t1 $r1, $r2",
	OpSelect: "$r = sel.$t $r1, $r2, $r3",
}

func (op Op) isComparison() bool {
	return op >= OpLt && op <= OpNe
}

// broadcastSize computes the result width of an operation over the given
// dependencies: all must be scalar or of one common width.
func broadcastSize(deps ...uint32) uint32 {
	size := uint32(1)
	for _, dep := range deps {
		depSize := variable(dep).Size
		if depSize == 1 || depSize == size {
			continue
		}
		if size != 1 {
			exceptions.Panicf("jit: operation over incompatible widths %d and %d", size, depSize)
		}
		size = depSize
	}
	return size
}

// VarNewOp2 traces a two-operand operation. Comparison ops yield Bool;
// everything else takes the first operand's type.
func VarNewOp2(op Op, a, b uint32) uint32 {
	lock()
	defer unlock()
	stmt, ok := opStmts[op]
	if !ok || op == OpSelect {
		exceptions.Panicf("jit: VarNewOp2: unsupported operation %d", op)
	}
	va := variable(a)
	t := va.Type
	if op.isComparison() {
		t = vartype.Bool
	}
	return varNewStmt(va.Backend, t, broadcastSize(a, b), stmt, a, b)
}

// VarNewSelect traces select(cond, a, b).
func VarNewSelect(cond, a, b uint32) uint32 {
	lock()
	defer unlock()
	va := variable(a)
	return varNewStmt(va.Backend, va.Type, broadcastSize(cond, a, b), opStmts[OpSelect], cond, a, b)
}

// VarNewCast traces a conversion of a to type t.
func VarNewCast(t vartype.VarType, a uint32) uint32 {
	lock()
	defer unlock()
	va := variable(a)
	return varNewStmt(va.Backend, t, va.Size, "$r = cvt.$t.$t1 $r1", a)
}

// VarMaskPush pushes a Bool variable onto the thread state's mask stack;
// subsequent scatters and gathers are masked by it.
func VarMaskPush(ts *ThreadState, index uint32) {
	lock()
	defer unlock()
	if variable(index).Type != vartype.Bool {
		exceptions.Panicf("jit: mask variables must be Bool")
	}
	variable(index).RefCountExt++
	ts.maskStack = append(ts.maskStack, index)
}

// VarMaskPop removes the innermost mask.
func VarMaskPop(ts *ThreadState) {
	lock()
	defer unlock()
	if len(ts.maskStack) == 0 {
		exceptions.Panicf("jit: mask stack underflow")
	}
	top := ts.maskStack[len(ts.maskStack)-1]
	ts.maskStack = ts.maskStack[:len(ts.maskStack)-1]
	varDecRefExt(top)
}

// maskCombine folds the innermost stack mask into the given mask variable
// (0 means unmasked). The caller owns a reference on the returned mask and
// must drop it once consumed.
func maskCombine(ts *ThreadState, backend backends.Type, mask uint32) uint32 {
	var top uint32
	lock()
	if len(ts.maskStack) > 0 {
		top = ts.maskStack[len(ts.maskStack)-1]
	}
	unlock()

	switch {
	case mask == 0 && top == 0:
		return VarNewLiteral(backend, vartype.Bool, 1, 1)
	case mask == 0:
		VarIncRefExt(top)
		return top
	case top == 0:
		VarIncRefExt(mask)
		return mask
	default:
		return VarNewOp2(OpAnd, mask, top)
	}
}

// VarScatter traces a masked scatter of value into target[index]. The
// target is materialized first and stays dirty until the side effect ran.
// Pass mask 0 for an unmasked scatter (the mask stack still applies).
// Returns the side-effect variable's index.
func VarScatter(ts *ThreadState, target, value, index, mask uint32) uint32 {
	return varScatterOp(ts, target, value, index, mask, false)
}

// VarScatterReduceAdd traces a masked scatter-add into target[index].
func VarScatterReduceAdd(ts *ThreadState, target, value, index, mask uint32) uint32 {
	return varScatterOp(ts, target, value, index, mask, true)
}

func varScatterOp(ts *ThreadState, target, value, index, mask uint32, reduceAdd bool) uint32 {
	ptr := VarNewPointer(ts, target)
	effMask := maskCombine(ts, variableBackend(target), mask)

	lock()
	vv := variable(value)
	stmt := "scatter.$t3 $r1, $r2, $r3, $r4"
	if reduceAdd {
		stmt = "scatter_add.$t3 $r1, $r2, $r3, $r4"
	}
	size := broadcastSize(index, value, effMask)
	se := varNewStmt(vv.Backend, vartype.Void, size, stmt, ptr, index, value, effMask)

	sv := variable(se)
	sv.SideEffect = true
	sv.SETarget = target
	variable(target).RefCountSE++
	ts.sideEffects = append(ts.sideEffects, se)
	unlock()

	// The queue holds the creation reference; the pointer and mask
	// references now belong to the side-effect variable.
	VarDecRefExt(ptr)
	VarDecRefExt(effMask)
	return se
}

// VarGather traces a masked gather source[index]; disabled lanes read 0.
func VarGather(ts *ThreadState, source, index, mask uint32) uint32 {
	ptr := VarNewPointer(ts, source)
	effMask := maskCombine(ts, variableBackend(source), mask)

	lock()
	sv := variable(source)
	result := varNewStmt(sv.Backend, sv.Type, broadcastSize(index, effMask),
		"$r = gather.$t $r1, $r2, $r3", ptr, index, effMask)
	unlock()

	VarDecRefExt(ptr)
	VarDecRefExt(effMask)
	return result
}

func variableBackend(index uint32) backends.Type {
	lock()
	defer unlock()
	return variable(index).Backend
}

// VarAll evaluates a Bool variable and reduces it with All.
func VarAll(ts *ThreadState, index uint32) bool {
	return varBoolReduce(ts, index, true)
}

// VarAny evaluates a Bool variable and reduces it with Any.
func VarAny(ts *ThreadState, index uint32) bool {
	return varBoolReduce(ts, index, false)
}

func varBoolReduce(ts *ThreadState, index uint32, all bool) bool {
	lock()
	v := variable(index)
	if v.Type != vartype.Bool {
		unlock()
		exceptions.Panicf("jit: All/Any expect a Bool variable")
	}
	if v.Literal {
		unlock()
		return v.Value != 0
	}
	unlock()

	VarEval(ts, index)

	lock()
	v = variable(index)
	data, size := v.Data, v.Size
	unlock()
	if all {
		return ts.All(data, size)
	}
	return ts.Any(data, size)
}

// VarReduce evaluates a variable and reduces it on the thread state,
// returning the result decoded to float64.
func VarReduce(ts *ThreadState, op backends.ReduceOp, index uint32) float64 {
	VarEval(ts, index)
	lock()
	v := variable(index)
	t, data, size := v.Type, v.Data, v.Size
	unlock()

	var out [8]byte
	ts.Reduce(t, op, data, size, unsafe.Pointer(&out[0]))
	SyncThread(ts)

	var bits uint64
	for i := uint32(0); i < t.Size(); i++ {
		bits |= uint64(out[i]) << (8 * i)
	}
	return t.FromBits(bits)
}
