package jit

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/internal/buffer"
	"github.com/gojit/gojit/types/vartype"
)

// Recorded loops assemble into a single kernel. The pieces line up with
// creation (and therefore emission) order:
//
//	%p1_i = mov %init_i        state placeholders (before the loop)
//	L<id>_top:                 loop-start variable
//	... condition ...          user graph over the p1 registers
//	brz %cond, L<id>_done      loop-condition variable
//	%p2_i = mov %p1_i          body placeholders
//	... body (and recorded side effects) ...
//	mov %p1_i, %body_i         loop-end variable: state update,
//	jmp L<id>_top              back edge,
//	L<id>_done:                exit label
//	%out_i = mov %p1_i         per-state results
//
// The loop-end variable reaches everything through its extras list, so one
// traversal schedules the whole loop; the scheduler's index order keeps the
// regions in place.

// VarLoopStart creates the loop-start variable: it emits the top label and
// anchors the state placeholders in the traversal. Returns the loop's id
// variable.
func VarLoopStart(placeholders []uint32) uint32 {
	lock()
	defer unlock()
	if len(placeholders) == 0 {
		exceptions.Panicf("jit: VarLoopStart(): a loop needs at least one state variable")
	}
	first := variable(placeholders[0])
	// The label carries the loop-start variable's register number, so an
	// identical schedule re-emits identical text.
	index := varNewStmt(first.Backend, vartype.Void, loopSize(placeholders), "L$i_top:")

	extra := extraRecord(index)
	extra.Deps = append(extra.Deps, placeholders...)
	for _, dep := range placeholders {
		varIncRefInt(dep)
	}
	return index
}

// VarLoopCond creates the loop-condition variable branching to the exit
// label when cond is false. loopStart is the id returned by VarLoopStart.
func VarLoopCond(loopStart, cond uint32) uint32 {
	lock()
	defer unlock()
	if variable(cond).Type != vartype.Bool {
		exceptions.Panicf("jit: VarLoopCond(): condition must be Bool")
	}
	ls := variable(loopStart)
	// The second dependency anchors the loop-start label and names the
	// exit label after its register.
	return varNewStmt(ls.Backend, vartype.Void, ls.Size,
		"brz $r1, L$i2_done", cond, loopStart)
}

// VarLoopEnd closes a recorded loop: it creates the loop-end variable
// (state update movs, back edge, exit label), consumes the side effects
// recorded since seOffset, and returns one result variable per state.
//
// statesIn are the pre-condition placeholders (loop registers), statesBody
// the body's outputs.
func VarLoopEnd(ts *ThreadState, loopStart, loopCond uint32, statesIn, statesBody []uint32, seOffset int) []uint32 {
	lock()
	defer unlock()
	if len(statesIn) != len(statesBody) {
		exceptions.Panicf("jit: VarLoopEnd(): state count mismatch (%d vs %d)", len(statesIn), len(statesBody))
	}

	ls := variable(loopStart)
	size := ls.Size
	end := varNewStmt(ls.Backend, vartype.Void, size, "")

	in := append([]uint32(nil), statesIn...)
	body := append([]uint32(nil), statesBody...)
	extra := extraRecord(end)
	extra.Deps = append(extra.Deps, loopStart, loopCond)
	extra.Deps = append(extra.Deps, in...)
	extra.Deps = append(extra.Deps, body...)

	// Side effects recorded inside the body execute within the loop.
	stolen := append([]uint32(nil), ts.sideEffects[seOffset:]...)
	ts.sideEffects = ts.sideEffects[:seOffset]
	extra.Deps = append(extra.Deps, stolen...)

	for _, dep := range extra.Deps {
		varIncRefInt(dep)
	}
	// The queue's external references transfer to the loop: each stolen
	// side effect still retires (and drops them) during eval cleanup.

	extra.Assemble = func(_ *Variable, buf *buffer.Buffer) {
		for i := range in {
			pv := variable(in[i])
			bv := variable(body[i])
			buf.Fmt("    %%r%d = mov.%s %%r%d\n", pv.RegIndex, pv.Type, bv.RegIndex)
		}
		labelReg := variable(loopStart).RegIndex
		buf.Fmt("    jmp L%d_top\n", labelReg)
		buf.Fmt("    L%d_done:\n", labelReg)
	}

	// Per-state results: the loop registers after exit, at loop width. All
	// of them are queued right away so the loop (and its side effects)
	// runs no matter which output, or which dirtied target, is observed
	// first.
	results := make([]uint32, len(in))
	for i, stateIn := range in {
		pv := variable(stateIn)
		results[i] = varNewStmt(pv.Backend, pv.Type, size, "$r = mov.$t $r1", stateIn, end)
		ts.scheduled = append(ts.scheduled, results[i])
	}

	// The results' internal references own the loop-end variable now.
	varDecRefExt(end)

	klog.V(1).Infof("jit: recorded loop L%d with %d states, %d side effects", loopStart, len(in), len(stolen))
	return results
}

func loopSize(indices []uint32) uint32 {
	size := uint32(1)
	for _, index := range indices {
		if s := variable(index).Size; s > size {
			size = s
		}
	}
	return size
}

// Loop drives a traced while loop over a set of state variables, either by
// recording a single kernel (LoopRecord set) or wavefront-style by
// repeated evaluation under a dynamic mask.
//
// Usage mirrors the tracing pattern of the front end:
//
//	loop := jit.NewLoop(ts, "name", &x, &y)
//	for loop.Cond(jit.VarNewOp2(jit.OpLt, x, limit)) {
//	    ... update x, y ...
//	}
type Loop struct {
	ts   *ThreadState
	name string

	statePtrs []*uint32
	indexBody []uint32
	indexOut  []uint32

	p1        []uint32
	loopStart uint32
	loopCond  uint32

	cond     uint32 // wavefront: mask of the previous iteration
	state    int
	seOffset int
	seFlag   bool
	size     uint32
	record   bool
}

// NewLoop registers the loop state variables (each passed by pointer, so
// the helper can rebind them) and initializes recording when enabled.
func NewLoop(ts *ThreadState, name string, states ...*uint32) *Loop {
	l := &Loop{
		ts:       ts,
		name:     name,
		record:   HasFlag(LoopRecord),
		seOffset: -1,
	}
	for _, ptr := range states {
		size := VarSize(*ptr)
		if l.size != 0 && size != 1 && size != l.size && l.size != 1 {
			exceptions.Panicf("jit: Loop(): loop variables have inconsistent sizes")
		}
		if size > l.size {
			l.size = size
		}
		l.statePtrs = append(l.statePtrs, ptr)
	}
	l.init()
	return l
}

func (l *Loop) init() {
	if l.record {
		l.step()
		l.p1 = l.currentStates()
		l.loopStart = VarLoopStart(l.p1)
		l.seOffset = l.ts.SideEffectsScheduled()
		l.seFlag = HasFlag(PostponeSideEffects)
		SetFlag(PostponeSideEffects, true)
		l.state = 1
	}
}

// Cond supplies the loop condition for the next iteration and reports
// whether the body should run (again). In recorded mode it must be reached
// exactly twice.
func (l *Loop) Cond(cond uint32) bool {
	if l.record {
		return l.condRecord(cond)
	}
	return l.condWavefront(cond)
}

func (l *Loop) condRecord(cond uint32) bool {
	switch l.state {
	case 1:
		l.state = 2
		l.loopCond = VarLoopCond(l.loopStart, cond)
		VarDecRefExt(cond)
		l.step()
		return true

	case 2:
		l.state = 3
		VarDecRefExt(cond)
		l.indexBody = l.currentStates()
		results := VarLoopEnd(l.ts, l.loopStart, l.loopCond, l.p1, l.indexBody, l.seOffset)
		for i, ptr := range l.statePtrs {
			VarDecRefExt(*ptr)
			*ptr = results[i]
		}
		l.releaseRecordRefs()
		SetFlag(PostponeSideEffects, l.seFlag)
		l.seOffset = -1
		return false

	default:
		exceptions.Panicf("jit: Loop(): Cond() must run exactly twice in recorded mode")
		return false
	}
}

func (l *Loop) releaseRecordRefs() {
	// The loop-end variable now holds internal references to every piece;
	// drop the helper's creation references.
	VarDecRefExt(l.loopStart)
	VarDecRefExt(l.loopCond)
}

func (l *Loop) condWavefront(cond uint32) bool {
	// Fold the previous iteration's updates into the loop state under the
	// previous mask, so disabled lanes keep their old values.
	if l.cond != 0 {
		for i, ptr := range l.statePtrs {
			updated, previous := *ptr, l.indexOut[i]
			*ptr = VarNewSelect(l.cond, updated, previous)
			VarDecRefExt(updated)
			VarDecRefExt(previous)
		}
		VarMaskPop(l.ts)
		VarDecRefExt(l.cond)
		l.indexOut = l.indexOut[:0]
		l.cond = 0
	}

	// Evaluate all loop state.
	VarSchedule(l.ts, cond)
	for _, ptr := range l.statePtrs {
		VarSchedule(l.ts, *ptr)
	}
	Eval(l.ts)

	if !VarAny(l.ts, cond) {
		VarDecRefExt(cond)
		return false
	}

	// Mask scatters and gathers of the next iteration.
	l.cond = cond
	VarMaskPush(l.ts, cond)
	for _, ptr := range l.statePtrs {
		VarIncRefExt(*ptr)
		l.indexOut = append(l.indexOut, *ptr)
	}
	return true
}

// step replaces every loop state with a fresh placeholder reading it.
func (l *Loop) step() {
	for _, ptr := range l.statePtrs {
		next := VarNewPlaceholder(*ptr)
		VarDecRefExt(*ptr)
		*ptr = next
	}
}

// currentStates snapshots the state indices; the loop variables keep them
// alive through internal references, so no extra ones are taken.
func (l *Loop) currentStates() []uint32 {
	states := make([]uint32, len(l.statePtrs))
	for i, ptr := range l.statePtrs {
		states[i] = *ptr
	}
	return states
}
