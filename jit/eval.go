package jit

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
)

// Eval evaluates everything queued on the thread state: user-scheduled
// variables first, then pending side effects (unless Recording or
// PostponeSideEffects is set).
// Returns once all kernels of the eval were submitted; results become
// host-visible after SyncThread.
func Eval(ts *ThreadState) {
	if ts == nil {
		return
	}
	lock()
	defer unlock()
	if len(ts.scheduled) == 0 && len(ts.sideEffects) == 0 {
		return
	}
	evalLocked(ts)
}

// evalLocked runs with the primary lock held. Eval mutates process-wide
// scratch structures and must never run concurrently, yet it needs to drop
// the primary lock around slow calls; a dedicated eval lock serializes it
// while the primary lock cycles.
func evalLocked(ts *ThreadState) {
	state.mu.Unlock()
	state.evalMu.Lock()
	defer state.evalMu.Unlock()
	state.mu.Lock()

	buildSchedule(ts)
	if len(schedule) == 0 {
		return
	}

	klog.V(1).Infof("jit: eval(): launching %d kernel(s)", len(scheduleGroups))

	scheduledTasks := scheduledTasksScratch[:0]
	for _, group := range scheduleGroups {
		assemble(ts, group)
		task := runKernel(ts, group)
		if ts.Backend() == backends.CPU {
			scheduledTasks = append(scheduledTasks, task)
		}
		if kernelParamsStaged != nil {
			alloc.Free(kernelParamsStaged)
			kernelParamsStaged = nil
		}
	}
	if ts.Backend() == backends.CPU {
		ts.CollapseTasks(scheduledTasks)
	}
	scheduledTasksScratch = scheduledTasks[:0]

	klog.V(2).Info("jit: eval(): cleaning up")
	cleanupAfterEval()

	// Deferred frees complete only after every launch of this eval
	// drained, so in-flight kernels keep their inputs.
	ts.EnqueueHostFunc(alloc.FlushFree)
	klog.V(1).Info("jit: eval(): done")
}

var scheduledTasksScratch []backends.Task

// cleanupAfterEval severs the internal edges between the variables that
// were just computed: transient register state is cleared, retirement
// callbacks run exactly once, statements and dependencies are dropped so
// intermediate variables can be collected.
func cleanupAfterEval() {
	for _, sv := range schedule {
		index := sv.Index
		v, known := state.variables[index]
		if !known {
			continue
		}

		v.RegIndex = 0
		if !v.OutputFlag && !v.SideEffect {
			continue
		}

		if v.Extra {
			extra := state.extras[index]
			if extra == nil {
				exceptions.Panicf("jit: eval(): could not find 'extra' record of variable r%d", index)
			}
			if extra.Callback != nil {
				callback := extra.Callback
				extra.Callback = nil
				if extra.Internal {
					callback(index)
				} else {
					unlocked(func() { callback(index) })
				}
				v = variable(index)
			}
		}

		// Materialized literals become plain data variables.
		if v.Literal && v.Data != nil {
			v.Literal = false
			v.Value = 0
		}

		deps := v.Dep
		sideEffect := v.SideEffect
		v.Dep = [4]uint32{}
		v.Stmt = ""
		v.OutputFlag = false
		v.SideEffect = false

		// The side effect ran; its target is clean again.
		if v.SETarget != 0 {
			target := variable(v.SETarget)
			if target.RefCountSE == 0 {
				exceptions.Panicf("jit: side-effect reference underflow on r%d", v.SETarget)
			}
			target.RefCountSE--
			v.SETarget = 0
		}

		if sideEffect {
			varDecRefExt(index)
		}
		for _, dep := range deps {
			varDecRefInt(dep)
		}
	}
}
