package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/backends/cpu"
	"github.com/gojit/gojit/backends/cuda"
	"github.com/gojit/gojit/backends/cuda/cusim"
	"github.com/gojit/gojit/types/vartype"
)

// loopTestStates builds a thread state on each backend; the CUDA one runs on
// the in-process driver.
func loopTestStates(t *testing.T) map[backends.Type]*ThreadState {
	t.Helper()
	t.Setenv(GOJIT_CACHE_DIR, t.TempDir())
	FlushKernelCache()

	states := map[backends.Type]*ThreadState{
		backends.CPU:  NewThreadState(cpu.New(""), 0),
		backends.CUDA: NewThreadState(cuda.NewWithDriver(cusim.New()), 0),
	}
	t.Cleanup(func() {
		for _, ts := range states {
			ts.Release()
		}
	})
	return states
}

// forEachLoopMode runs the scenario in wavefront and recorded mode on both
// backends, restoring the flag word afterwards.
func forEachLoopMode(t *testing.T, fn func(t *testing.T, ts *ThreadState, backend backends.Type)) {
	states := loopTestStates(t)
	flags := Flags()
	defer SetFlags(flags)

	for _, backend := range []backends.Type{backends.CPU, backends.CUDA} {
		for _, record := range []bool{false, true} {
			mode := "wavefront"
			if record {
				mode = "recorded"
			}
			t.Run(backend.String()+"/"+mode, func(t *testing.T) {
				SetFlag(LoopRecord, record)
				SetFlag(LoopOptimize, record)
				fn(t, states[backend], backend)
			})
		}
	}
}

// rebind replaces *ptr with a fresh op result, dropping the old reference.
func rebind(ptr *uint32, next uint32) {
	VarDecRefExt(*ptr)
	*ptr = next
}

func TestLoopRecordBasic(t *testing.T) {
	// x = arange(10); y = zero(1); z = 1; while x < 5: y += x; x++; z++.
	forEachLoopMode(t, func(t *testing.T, ts *ThreadState, backend backends.Type) {
		x := VarNewCounter(backend, 10)
		y := VarNewLiteral(backend, vartype.Float32, 0, 1)
		z := VarNewLiteral(backend, vartype.Float32, vartype.Float32.ToBits(1), 1)
		five := VarNewLiteral(backend, vartype.UInt32, 5, 1)
		one := VarNewLiteral(backend, vartype.UInt32, 1, 1)
		onef := VarNewLiteral(backend, vartype.Float32, vartype.Float32.ToBits(1), 1)

		loop := NewLoop(ts, "MyLoop", &x, &y, &z)
		for loop.Cond(VarNewOp2(OpLt, x, five)) {
			xf := VarNewCast(vartype.Float32, x)
			rebind(&y, VarNewOp2(OpAdd, y, xf))
			VarDecRefExt(xf)
			rebind(&x, VarNewOp2(OpAdd, x, one))
			rebind(&z, VarNewOp2(OpAdd, z, onef))
		}

		VarSchedule(ts, x)
		VarSchedule(ts, y)
		VarSchedule(ts, z)
		Eval(ts)

		assert.Equal(t, "[6, 5, 4, 3, 2, 1, 1, 1, 1, 1]", VarString(ts, z))
		assert.Equal(t, "[10, 10, 9, 7, 4, 0, 0, 0, 0, 0]", VarString(ts, y))
		assert.Equal(t, "[5, 5, 5, 5, 5, 5, 6, 7, 8, 9]", VarString(ts, x))

		for _, index := range []uint32{x, y, z, five, one, onef} {
			VarDecRefExt(index)
		}
	})
}

func TestLoopSideEffect(t *testing.T) {
	// Side effects indexed by a loop variable run once per active lane and
	// iteration.
	forEachLoopMode(t, func(t *testing.T, ts *ThreadState, backend backends.Type) {
		x := VarNewCounter(backend, 10)
		y := VarNewLiteral(backend, vartype.Float32, 0, 1)
		target := VarNewLiteral(backend, vartype.UInt32, 0, 11)
		five := VarNewLiteral(backend, vartype.UInt32, 5, 1)
		one := VarNewLiteral(backend, vartype.UInt32, 1, 1)

		loop := NewLoop(ts, "MyLoop", &x, &y)
		for loop.Cond(VarNewOp2(OpLt, x, five)) {
			VarScatterReduceAdd(ts, target, one, x, 0)
			xf := VarNewCast(vartype.Float32, x)
			rebind(&y, VarNewOp2(OpAdd, y, xf))
			VarDecRefExt(xf)
			rebind(&x, VarNewOp2(OpAdd, x, one))
		}

		VarSchedule(ts, x)
		VarSchedule(ts, y)
		Eval(ts)

		assert.Equal(t, "[10, 10, 9, 7, 4, 0, 0, 0, 0, 0]", VarString(ts, y))
		assert.Equal(t, "[5, 5, 5, 5, 5, 5, 6, 7, 8, 9]", VarString(ts, x))
		assert.Equal(t, "[1, 2, 3, 4, 5, 0, 0, 0, 0, 0, 0]", VarString(ts, target))

		for _, index := range []uint32{x, y, target, five, one} {
			VarDecRefExt(index)
		}
	})
}

func TestLoopSideEffectNoLoopVariable(t *testing.T) {
	// A side effect that references no loop variable still runs once per
	// active lane and iteration.
	forEachLoopMode(t, func(t *testing.T, ts *ThreadState, backend backends.Type) {
		x := VarNewCounter(backend, 10)
		y := VarNewLiteral(backend, vartype.Float32, 0, 1)
		target := VarNewLiteral(backend, vartype.UInt32, 0, 11)
		five := VarNewLiteral(backend, vartype.UInt32, 5, 1)
		one := VarNewLiteral(backend, vartype.UInt32, 1, 1)
		two := VarNewLiteral(backend, vartype.UInt32, 2, 1)

		loop := NewLoop(ts, "MyLoop", &x, &y)
		for loop.Cond(VarNewOp2(OpLt, x, five)) {
			VarScatterReduceAdd(ts, target, two, two, 0)
			xf := VarNewCast(vartype.Float32, x)
			rebind(&y, VarNewOp2(OpAdd, y, xf))
			VarDecRefExt(xf)
			rebind(&x, VarNewOp2(OpAdd, x, one))
		}

		VarSchedule(ts, x)
		VarSchedule(ts, y)
		Eval(ts)

		assert.Equal(t, "[10, 10, 9, 7, 4, 0, 0, 0, 0, 0]", VarString(ts, y))
		assert.Equal(t, "[5, 5, 5, 5, 5, 5, 6, 7, 8, 9]", VarString(ts, x))
		assert.Equal(t, "[0, 0, 30, 0, 0, 0, 0, 0, 0, 0, 0]", VarString(ts, target))

		for _, index := range []uint32{x, y, target, five, one, two} {
			VarDecRefExt(index)
		}
	})
}

func TestLoopSideEffectMasking(t *testing.T) {
	// At scale: the scatter must stay masked to the active lanes, or it
	// would write far out of bounds of the 10-element target.
	forEachLoopMode(t, func(t *testing.T, ts *ThreadState, backend backends.Type) {
		x := VarNewCounter(backend, 1000000)
		target := VarNewLiteral(backend, vartype.UInt32, 0, 10)
		ten := VarNewLiteral(backend, vartype.UInt32, 10, 1)
		one := VarNewLiteral(backend, vartype.UInt32, 1, 1)

		loop := NewLoop(ts, "MyLoop", &x)
		for loop.Cond(VarNewOp2(OpLt, x, ten)) {
			VarScatterReduceAdd(ts, target, one, x, 0)
			rebind(&x, VarNewOp2(OpAdd, x, one))
		}

		assert.Equal(t, "[1, 2, 3, 4, 5, 6, 7, 8, 9, 10]", VarString(ts, target))

		for _, index := range []uint32{x, target, ten, one} {
			VarDecRefExt(index)
		}
	})
}
