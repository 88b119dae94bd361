package jit

import (
	"strconv"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
	"github.com/gojit/gojit/internal/buffer"
	"github.com/gojit/gojit/types/vartype"
)

// ParamType classifies a scheduled variable's kernel-parameter slot.
type ParamType uint8

const (
	// ParamRegister: the variable lives in a register only.
	ParamRegister ParamType = iota
	// ParamInput: an already-materialized buffer (or pointer literal).
	ParamInput
	// ParamOutput: storage allocated by the assembler and written by the
	// kernel.
	ParamOutput
)

// paramOffsetNone is the sentinel slot of register-only variables.
const paramOffsetNone = 0xFFFF

// Variable is one node of the dependency graph. The evaluator reads all
// fields; RegIndex, ParamType and ParamOffset are transient state filled in
// during assembly.
//
// Invariant: Literal and Data are mutually exclusive; a scheduled variable
// is a literal, or has Data, or has a statement.
type Variable struct {
	Backend backends.Type
	Type    vartype.VarType

	// Size is the lane count (1 for scalars).
	Size uint32

	// Stmt is the IR statement fragment ($r/$r1../$t placeholders).
	Stmt string

	// Dep holds up to four direct dependencies; traversal stops at the
	// first zero slot, so slot 3 can carry a non-traversed reference (used
	// by pointer variables).
	Dep [4]uint32

	// Literal variables carry their value inline.
	Literal bool
	Value   uint64

	// Data points at the materialized buffer, if any.
	Data unsafe.Pointer

	RefCountExt uint32
	RefCountSE  uint32
	refCountInt uint32

	// Extra marks the presence of an extras-table record.
	Extra bool

	// SETarget, when nonzero, names the variable this side effect keeps
	// dirty until it retires.
	SETarget uint32

	// OutputFlag marks user-scheduled roots of non-Void type during eval.
	OutputFlag bool
	// SideEffect marks queued side-effect variables.
	SideEffect bool

	RegIndex    uint32
	ParamType   ParamType
	ParamOffset uint32
}

// Extra is the optional companion record of a variable: extra dependencies
// beyond the four direct slots, a retirement callback, and an optional
// custom assembly hook.
type Extra struct {
	// Deps are additional dependencies, all traversed.
	Deps []uint32

	// Callback runs exactly once after the variable was evaluated. When
	// Internal is false it is invoked with the primary lock dropped.
	Callback func(index uint32)
	Internal bool

	// Assemble, when set, replaces the default statement emission.
	Assemble func(v *Variable, buf *buffer.Buffer)
}

// variable returns the Variable for an index; missing indices are fatal.
// Callers must re-fetch after any call that may drop the primary lock.
func variable(index uint32) *Variable {
	v, ok := state.variables[index]
	if !ok {
		exceptions.Panicf("jit: unknown variable r%d", index)
	}
	return v
}

// VarType returns the lane type of a variable.
func VarType(index uint32) vartype.VarType {
	lock()
	defer unlock()
	return variable(index).Type
}

// VarSize returns the lane count of a variable.
func VarSize(index uint32) uint32 {
	lock()
	defer unlock()
	return variable(index).Size
}

func varNew(v Variable) uint32 {
	state.nextIndex++
	index := state.nextIndex
	v.RefCountExt = 1
	stored := v
	state.variables[index] = &stored
	return index
}

// VarIncRefExt acquires an external reference.
func VarIncRefExt(index uint32) {
	lock()
	defer unlock()
	if index != 0 {
		variable(index).RefCountExt++
	}
}

// VarDecRefExt releases an external reference.
func VarDecRefExt(index uint32) {
	lock()
	defer unlock()
	varDecRefExt(index)
}

func varIncRefInt(index uint32) {
	if index != 0 {
		variable(index).refCountInt++
	}
}

func varDecRefInt(index uint32) {
	if index == 0 {
		return
	}
	v := variable(index)
	if v.refCountInt == 0 {
		exceptions.Panicf("jit: internal reference underflow on r%d", index)
	}
	v.refCountInt--
	varMaybeFree(index, v)
}

func varDecRefExt(index uint32) {
	if index == 0 {
		return
	}
	v := variable(index)
	if v.RefCountExt == 0 {
		exceptions.Panicf("jit: external reference underflow on r%d", index)
	}
	v.RefCountExt--
	varMaybeFree(index, v)
}

func varMaybeFree(index uint32, v *Variable) {
	if v.RefCountExt != 0 || v.refCountInt != 0 {
		return
	}
	deps := v.Dep
	seTarget := v.SETarget
	if v.Data != nil {
		alloc.Free(v.Data)
		v.Data = nil
	}
	if v.Extra {
		extra := state.extras[index]
		delete(state.extras, index)
		if extra != nil {
			for _, dep := range extra.Deps {
				varDecRefInt(dep)
			}
		}
	}
	delete(state.variables, index)
	for _, dep := range deps {
		varDecRefInt(dep)
	}
	if seTarget != 0 {
		target := variable(seTarget)
		if target.RefCountSE == 0 {
			exceptions.Panicf("jit: side-effect reference underflow on r%d", seTarget)
		}
		target.RefCountSE--
	}
}

// extraRecord returns (creating on demand) the extras record of a variable.
func extraRecord(index uint32) *Extra {
	v := variable(index)
	v.Extra = true
	extra := state.extras[index]
	if extra == nil {
		extra = &Extra{}
		state.extras[index] = extra
	}
	return extra
}

// VarNewLiteral creates a literal variable of the given type, inline bit
// pattern and lane count.
func VarNewLiteral(backend backends.Type, t vartype.VarType, value uint64, size uint32) uint32 {
	lock()
	defer unlock()
	return varNew(Variable{
		Backend: backend,
		Type:    t,
		Size:    size,
		Literal: true,
		Value:   value,
	})
}

// VarNewCounter creates a variable evaluating to 0, 1, ..., size-1 (UInt32).
func VarNewCounter(backend backends.Type, size uint32) uint32 {
	lock()
	defer unlock()
	return varNew(Variable{
		Backend: backend,
		Type:    vartype.UInt32,
		Size:    size,
		Stmt:    "$r = index.$t",
	})
}

// VarNewStmt creates a variable from an IR statement fragment and up to
// four dependencies.
func VarNewStmt(backend backends.Type, t vartype.VarType, size uint32, stmt string, deps ...uint32) uint32 {
	lock()
	defer unlock()
	return varNewStmt(backend, t, size, stmt, deps...)
}

func varNewStmt(backend backends.Type, t vartype.VarType, size uint32, stmt string, deps ...uint32) uint32 {
	if len(deps) > 4 {
		exceptions.Panicf("jit: statement variables support at most 4 dependencies, got %d", len(deps))
	}
	v := Variable{
		Backend: backend,
		Type:    t,
		Size:    size,
	}
	for i, dep := range deps {
		v.Dep[i] = dep
		varIncRefInt(dep)
	}
	v.Stmt = stmt
	return varNew(v)
}

// VarNewPlaceholder creates a copy variable standing in for a loop state:
// it reads the original's register and can be rebound by the loop recorder.
func VarNewPlaceholder(index uint32) uint32 {
	lock()
	defer unlock()
	v := variable(index)
	return varNewStmt(v.Backend, v.Type, v.Size, "$r = mov.$t $r1", index)
}

// VarNewPointer creates a pointer literal referencing an evaluated
// variable's storage. The reference rides in the fourth dependency slot,
// which traversal does not follow (it stops at the first zero slot), so
// the target does not join the kernel it is scattered into.
func VarNewPointer(ts *ThreadState, target uint32) uint32 {
	VarEval(ts, target)
	lock()
	defer unlock()
	v := variable(target)
	ptr := Variable{
		Backend: v.Backend,
		Type:    vartype.Pointer,
		Size:    1,
		Literal: true,
		Value:   uint64(uintptr(v.Data)),
	}
	ptr.Dep[3] = target
	varIncRefInt(target)
	return varNew(ptr)
}

// VarData returns the materialized buffer of a variable (nil if none).
func VarData(index uint32) unsafe.Pointer {
	lock()
	defer unlock()
	return variable(index).Data
}

// VarIsDirty reports whether pending side effects target the variable.
func VarIsDirty(index uint32) bool {
	lock()
	defer unlock()
	return variable(index).RefCountSE != 0
}

// VarSchedule queues a variable for evaluation on the thread state. Already
// materialized variables are left alone; literals are queued too, and the
// eval expands them into a buffer.
func VarSchedule(ts *ThreadState, index uint32) {
	lock()
	defer unlock()
	v := variable(index)
	if v.Data != nil {
		return
	}
	ts.scheduled = append(ts.scheduled, index)
}

// VarEval materializes a single variable (and anything it depends on, plus
// any pending side effects targeting it). Literals are expanded into a
// buffer; already-evaluated clean variables are a no-op.
func VarEval(ts *ThreadState, index uint32) {
	lock()
	v := variable(index)
	if v.Data != nil && v.RefCountSE == 0 {
		unlock()
		return
	}
	if v.Data == nil {
		ts.scheduled = append(ts.scheduled, index)
	}
	unlock()
	Eval(ts)
	SyncThread(ts)
}

// varReadBits returns lane i of an evaluated variable as its raw bit
// pattern.
func varReadBits(v *Variable, i uint32) uint64 {
	if v.Literal {
		return v.Value
	}
	if v.Data == nil {
		exceptions.Panicf("jit: reading from an unevaluated variable")
	}
	lane := i
	if v.Size == 1 {
		lane = 0
	}
	addr := unsafe.Add(v.Data, uintptr(lane)*uintptr(v.Type.Size()))
	switch v.Type.Size() {
	case 1:
		return uint64(*(*uint8)(addr))
	case 2:
		return uint64(*(*uint16)(addr))
	case 4:
		return uint64(*(*uint32)(addr))
	}
	return *(*uint64)(addr)
}

// VarRead evaluates the variable if needed and returns lane i decoded to
// float64.
func VarRead(ts *ThreadState, index uint32, i uint32) float64 {
	evalVarIfNeeded(ts, index)
	lock()
	defer unlock()
	v := variable(index)
	return v.Type.FromBits(varReadBits(v, i))
}

// VarString evaluates the variable if needed and renders it as
// "[v0, v1, ...]".
func VarString(ts *ThreadState, index uint32) string {
	evalVarIfNeeded(ts, index)
	lock()
	defer unlock()
	v := variable(index)

	var sb strings.Builder
	sb.WriteByte('[')
	for i := uint32(0); i < v.Size; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatScalar(v.Type, v.Type.FromBits(varReadBits(v, i))))
	}
	sb.WriteByte(']')
	return sb.String()
}

func formatScalar(t vartype.VarType, value float64) string {
	if t.IsFloat() {
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
	if t.IsSigned() {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatUint(uint64(value), 10)
}

// evalVarIfNeeded makes a variable readable from the host: it evaluates it
// (and flushes queued side effects) unless it is a plain literal or already
// materialized and clean, then waits for the thread state's queued work.
func evalVarIfNeeded(ts *ThreadState, index uint32) {
	lock()
	v := variable(index)
	dirty := v.RefCountSE != 0
	materialized := v.Data != nil || v.Literal
	if materialized && !dirty {
		unlock()
		// The kernel that produced the data may still be in flight.
		SyncThread(ts)
		return
	}
	if v.Data == nil && !v.Literal {
		ts.scheduled = append(ts.scheduled, index)
	}
	unlock()
	Eval(ts)
	SyncThread(ts)
}

// SyncThread waits for all work queued on the thread state.
func SyncThread(ts *ThreadState) {
	ts.Sync()
}

// SyncAll waits for all work queued on every live thread state.
func SyncAll() {
	lock()
	states := make([]*ThreadState, 0, len(state.threadStates))
	for ts := range state.threadStates {
		states = append(states, ts)
	}
	unlock()
	for _, ts := range states {
		ts.Sync()
	}
}
