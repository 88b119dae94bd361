package jit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/backends/cpu"
	"github.com/gojit/gojit/backends/cuda"
	"github.com/gojit/gojit/backends/cuda/cusim"
	"github.com/gojit/gojit/types/vartype"
)

func newCPUState(t *testing.T) *ThreadState {
	t.Helper()
	t.Setenv(GOJIT_CACHE_DIR, t.TempDir())
	FlushKernelCache()
	ts := NewThreadState(cpu.New(""), 0)
	t.Cleanup(func() { ts.Release() })
	return ts
}

func TestEvalArange(t *testing.T) {
	ts := newCPUState(t)

	x := VarNewCounter(backends.CPU, 10)
	y := VarNewOp2(OpAdd, x, x)
	VarSchedule(ts, y)
	Eval(ts)

	assert.Equal(t, "[0, 2, 4, 6, 8, 10, 12, 14, 16, 18]", VarString(ts, y))
	VarDecRefExt(y)
	VarDecRefExt(x)
}

func TestEvalIdempotent(t *testing.T) {
	ts := newCPUState(t)

	x := VarNewCounter(backends.CPU, 16)
	one := VarNewLiteral(backends.CPU, vartype.UInt32, 1, 1)
	y := VarNewOp2(OpAdd, x, one)
	VarSchedule(ts, y)
	Eval(ts)
	SyncThread(ts)

	launches := Stats().Launches
	// A second eval of an already-evaluated variable submits nothing.
	VarSchedule(ts, y)
	Eval(ts)
	assert.Equal(t, launches, Stats().Launches)

	VarDecRefExt(y)
	VarDecRefExt(one)
	VarDecRefExt(x)
}

func buildAddGraph(size uint32) (x, one, y uint32) {
	x = VarNewCounter(backends.CPU, size)
	one = VarNewLiteral(backends.CPU, vartype.UInt32, 1, 1)
	y = VarNewOp2(OpAdd, x, one)
	return
}

func TestKernelCacheCounters(t *testing.T) {
	ts := newCPUState(t)

	x, one, y := buildAddGraph(32)
	VarSchedule(ts, y)
	Eval(ts)
	stats := Stats()
	assert.Equal(t, uint64(1), stats.HardMisses)
	assert.Equal(t, uint64(0), stats.Hits)

	// An identical graph reuses the compiled kernel.
	x2, one2, y2 := buildAddGraph(32)
	VarSchedule(ts, y2)
	Eval(ts)
	stats = Stats()
	assert.Equal(t, uint64(1), stats.HardMisses)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Launches)

	for _, index := range []uint32{x, one, y, x2, one2, y2} {
		VarDecRefExt(index)
	}
}

func TestDiskCacheSoftMiss(t *testing.T) {
	ts := newCPUState(t)

	x, one, y := buildAddGraph(48)
	VarSchedule(ts, y)
	Eval(ts)
	SyncThread(ts)
	require.Equal(t, uint64(1), Stats().HardMisses)

	// A fresh in-memory cache over a warm disk tier loads, not builds.
	FlushKernelCache()
	x2, one2, y2 := buildAddGraph(48)
	VarSchedule(ts, y2)
	Eval(ts)
	stats := Stats()
	assert.Equal(t, uint64(1), stats.SoftMisses)
	assert.Equal(t, uint64(0), stats.HardMisses)

	for _, index := range []uint32{x, one, y, x2, one2, y2} {
		VarDecRefExt(index)
	}
}

func TestKernelNameStable(t *testing.T) {
	ts := newCPUState(t)

	x, one, y := buildAddGraph(64)
	VarSchedule(ts, y)
	Eval(ts)
	SyncThread(ts)
	firstName := kernelName

	FlushKernelCache()
	x2, one2, y2 := buildAddGraph(64)
	VarSchedule(ts, y2)
	Eval(ts)
	SyncThread(ts)

	// Identical schedules produce identical hashes and names.
	assert.Equal(t, firstName, kernelName)
	assert.True(t, strings.HasPrefix(kernelName, kernelPrefix))
	assert.Len(t, kernelName, len(kernelPrefix)+32)

	for _, index := range []uint32{x, one, y, x2, one2, y2} {
		VarDecRefExt(index)
	}
}

func TestSchedulerProperties(t *testing.T) {
	ts := newCPUState(t)

	// Two roots of different widths sharing a scalar dependency.
	scalar := VarNewLiteral(backends.CPU, vartype.UInt32, 3, 1)
	wide := VarNewCounter(backends.CPU, 10)
	narrow := VarNewCounter(backends.CPU, 5)
	rootWide := VarNewOp2(OpAdd, wide, scalar)
	rootNarrow := VarNewOp2(OpMul, narrow, scalar)
	matTarget := mustMaterialize(ts, 4)
	VarScatter(ts, matTarget, scalar, scalar, 0)

	VarSchedule(ts, rootWide)
	VarSchedule(ts, rootNarrow)

	lock()
	buildSchedule(ts)

	// Every (size, index) pair appears at most once.
	type key struct{ size, index uint32 }
	seen := map[key]int{}
	for pos, sv := range schedule {
		k := key{sv.Size, sv.Index}
		_, dup := seen[k]
		assert.False(t, dup, "duplicate schedule entry %v", k)
		seen[k] = pos
	}

	// Dependencies appear before dependents (within the same width).
	for pos, sv := range schedule {
		v := variable(sv.Index)
		for _, dep := range v.Dep {
			if dep == 0 {
				break
			}
			depPos, ok := seen[key{sv.Size, dep}]
			if ok {
				assert.Less(t, depPos, pos)
			}
		}
	}

	// Output flags mark exactly the non-Void user roots.
	for _, sv := range schedule {
		v := variable(sv.Index)
		isRoot := sv.Index == rootWide || sv.Index == rootNarrow
		assert.Equal(t, isRoot, v.OutputFlag, "output flag of r%d", sv.Index)
	}

	// Groups are maximal equal-width runs, widest first, and members fit.
	require.NotEmpty(t, scheduleGroups)
	for gi, group := range scheduleGroups {
		if gi > 0 {
			assert.Greater(t, scheduleGroups[gi-1].Size, group.Size)
		}
		for i := group.Start; i < group.End; i++ {
			assert.Equal(t, group.Size, schedule[i].Size)
			v := variable(schedule[i].Index)
			assert.True(t, v.Size == 1 || v.Size == group.Size)
		}
	}
	unlock()

	for _, index := range []uint32{scalar, wide, narrow, rootWide, rootNarrow, matTarget} {
		VarDecRefExt(index)
	}
}

// mustMaterialize returns a fresh evaluated UInt32 buffer variable.
func mustMaterialize(ts *ThreadState, size uint32) uint32 {
	index := VarNewCounter(backends.CPU, size)
	VarEval(ts, index)
	return index
}

func TestAssemblerRegistersAndName(t *testing.T) {
	ts := newCPUState(t)

	x := VarNewCounter(backends.CPU, 8)
	one := VarNewLiteral(backends.CPU, vartype.UInt32, 1, 1)
	y := VarNewOp2(OpAdd, x, one)
	VarSchedule(ts, y)

	lock()
	buildSchedule(ts)
	require.Len(t, scheduleGroups, 1)
	assemble(ts, scheduleGroups[0])

	// Registers are consecutive from the backend's reserved count.
	next := ts.ReservedRegs()
	for i := scheduleGroups[0].Start; i < scheduleGroups[0].End; i++ {
		v := variable(schedule[i].Index)
		assert.Equal(t, next, v.RegIndex)
		next++
	}

	// The kernel name carries the 32-hex content hash, patched in place.
	text := state.buffer.String()
	assert.Contains(t, text, kernelName)
	assert.NotContains(t, text, "^")
	assert.Equal(t, hashHex(kernelHash), kernelName[len(kernelPrefix):])

	// The output was classified and allocated, its inputs stayed inline.
	vy := variable(y)
	assert.Equal(t, ParamOutput, vy.ParamType)
	assert.NotNil(t, vy.Data)
	unlock()

	for _, index := range []uint32{x, one, y} {
		VarDecRefExt(index)
	}
}

func TestGlobalsAndCallablesDedup(t *testing.T) {
	lock()
	defer unlock()
	globals = globals[:0]
	callables = callables[:0]
	clear(globalsMap)

	RegisterGlobal(".const table_a 1 2 3")
	RegisterGlobal(".const table_a 1 2 3")
	RegisterGlobal(".const table_b 4 5 6")
	assert.Len(t, globals, 2)

	slotA := RegisterCallable("callable body a")
	slotB := RegisterCallable("callable body b")
	assert.Equal(t, slotA, RegisterCallable("callable body a"))
	assert.NotEqual(t, slotA, slotB)
}

func TestScatterAndRead(t *testing.T) {
	ts := newCPUState(t)

	target := VarNewLiteral(backends.CPU, vartype.UInt32, 0, 6)
	value := VarNewLiteral(backends.CPU, vartype.UInt32, 9, 1)
	index := VarNewLiteral(backends.CPU, vartype.UInt32, 2, 1)
	VarScatter(ts, target, value, index, 0)

	assert.True(t, VarIsDirty(target))
	assert.Equal(t, "[0, 0, 9, 0, 0, 0]", VarString(ts, target))
	assert.False(t, VarIsDirty(target))

	for _, idx := range []uint32{target, value, index} {
		VarDecRefExt(idx)
	}
}

func TestScatterReduceAccumulates(t *testing.T) {
	ts := newCPUState(t)

	target := VarNewLiteral(backends.CPU, vartype.UInt32, 0, 4)
	one := VarNewLiteral(backends.CPU, vartype.UInt32, 1, 1)
	indices := VarNewCounter(backends.CPU, 4)
	// Two scatters into the same slots accumulate.
	VarScatterReduceAdd(ts, target, one, indices, 0)
	VarScatterReduceAdd(ts, target, one, indices, 0)

	assert.Equal(t, "[2, 2, 2, 2]", VarString(ts, target))
	for _, idx := range []uint32{target, one, indices} {
		VarDecRefExt(idx)
	}
}

func TestVarReduceScenarios(t *testing.T) {
	ts := newCPUState(t)

	x := VarNewCounter(backends.CPU, 1024)
	assert.Equal(t, float64(523776), VarReduce(ts, backends.ReduceAdd, x))
	VarDecRefExt(x)

	x = VarNewCounter(backends.CPU, 2048)
	assert.Equal(t, float64(2096128), VarReduce(ts, backends.ReduceAdd, x))
	VarDecRefExt(x)
}

func TestRaygenStagedParameters(t *testing.T) {
	t.Setenv(GOJIT_CACHE_DIR, t.TempDir())
	FlushKernelCache()
	ts := NewThreadState(cuda.NewWithDriver(cusim.New()), 0)
	t.Cleanup(func() { ts.Release() })

	flags := Flags()
	defer SetFlags(flags)
	SetFlag(ForceRaygen, true)

	// Raygen launches always stage the parameter vector through device
	// memory and change the entry-point prefix.
	x := VarNewCounter(backends.CUDA, 8)
	y := VarNewOp2(OpAdd, x, x)
	VarSchedule(ts, y)
	Eval(ts)

	assert.Equal(t, "[0, 2, 4, 6, 8, 10, 12, 14]", VarString(ts, y))
	assert.True(t, strings.HasPrefix(kernelName, raygenPrefix))

	VarDecRefExt(y)
	VarDecRefExt(x)
}

func TestVarAllAny(t *testing.T) {
	ts := newCPUState(t)

	x := VarNewCounter(backends.CPU, 10)
	ten := VarNewLiteral(backends.CPU, vartype.UInt32, 10, 1)
	five := VarNewLiteral(backends.CPU, vartype.UInt32, 5, 1)

	all := VarNewOp2(OpLt, x, ten)
	assert.True(t, VarAll(ts, all))
	assert.True(t, VarAny(ts, all))

	some := VarNewOp2(OpLt, x, five)
	assert.False(t, VarAll(ts, some))
	assert.True(t, VarAny(ts, some))

	none := VarNewOp2(OpGt, x, ten)
	assert.False(t, VarAny(ts, none))

	for _, idx := range []uint32{x, ten, five, all, some, none} {
		VarDecRefExt(idx)
	}
}
