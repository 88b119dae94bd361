// Package jit is the tracing/evaluation core of the runtime: it records
// array operations as variables of a dependency graph and, on demand,
// schedules the pending set, assembles one IR kernel per width group,
// compiles it through the kernel cache, and launches it on the caller's
// thread state.
package jit

import (
	"os"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/buffer"
)

// ThreadState wraps a backend thread state with the evaluator's per-caller
// queues: the user-scheduled variables and the pending side effects.
type ThreadState struct {
	backends.ThreadState

	scheduled   []uint32
	sideEffects []uint32

	// maskStack holds the active mask variables, innermost last.
	maskStack []uint32
}

// NewThreadState creates a thread state for the given backend and device.
func NewThreadState(b backends.Backend, device int) *ThreadState {
	ts := &ThreadState{ThreadState: b.ThreadState(device)}
	lock()
	state.threadStates[ts] = struct{}{}
	unlock()
	return ts
}

// Release drops the thread state's queues and backend resources.
func (ts *ThreadState) Release() {
	lock()
	defer unlock()
	delete(state.threadStates, ts)
	// Scheduled entries hold no references; queued side effects and masks do.
	for _, index := range ts.sideEffects {
		varDecRefExt(index)
	}
	for _, index := range ts.maskStack {
		varDecRefExt(index)
	}
	ts.scheduled = ts.scheduled[:0]
	ts.sideEffects = ts.sideEffects[:0]
	ts.maskStack = ts.maskStack[:0]
	ts.ThreadState.Release()
}

// SideEffectsScheduled returns the current length of the side-effect
// queue; the loop recorder uses it to mark and later consume the effects
// recorded inside the loop body.
func (ts *ThreadState) SideEffectsScheduled() int {
	lock()
	defer unlock()
	return len(ts.sideEffects)
}

// SideEffectsRollback drops side effects queued after the given offset,
// releasing their references. The Loop helper does not call it.
func (ts *ThreadState) SideEffectsRollback(offset int) {
	lock()
	defer unlock()
	for _, index := range ts.sideEffects[offset:] {
		varDecRefExt(index)
	}
	ts.sideEffects = ts.sideEffects[:offset]
}

// globalState bundles the process-wide tables. The evaluator is serialized
// by evalMu; mu guards the variable table, the kernel cache and counters.
type globalState struct {
	mu     sync.Mutex
	evalMu sync.Mutex

	variables map[uint32]*Variable
	extras    map[uint32]*Extra
	nextIndex uint32

	threadStates map[*ThreadState]struct{}

	kernelCache map[KernelKey]*backends.Kernel

	kernelHits       uint64
	kernelSoftMisses uint64
	kernelHardMisses uint64
	kernelLaunches   uint64

	// buffer is the reusable IR scratch buffer shared across evals.
	buffer *buffer.Buffer
}

var state = globalState{
	variables:    make(map[uint32]*Variable),
	extras:       make(map[uint32]*Extra),
	threadStates: make(map[*ThreadState]struct{}),
	kernelCache:  make(map[KernelKey]*backends.Kernel),
	buffer:       buffer.New(64 * 1024),
}

func lock()   { state.mu.Lock() }
func unlock() { state.mu.Unlock() }

// unlocked runs fn with the primary lock released, for slow or blocking
// calls (compilation, module load, synchronization, external callbacks).
func unlocked(fn func()) {
	state.mu.Unlock()
	defer state.mu.Lock()
	fn()
}

// KernelStats is a snapshot of the kernel-cache counters.
type KernelStats struct {
	Hits       uint64
	SoftMisses uint64
	HardMisses uint64
	Launches   uint64
}

// Stats returns the current kernel-cache counters.
func Stats() KernelStats {
	lock()
	defer unlock()
	return KernelStats{
		Hits:       state.kernelHits,
		SoftMisses: state.kernelSoftMisses,
		HardMisses: state.kernelHardMisses,
		Launches:   state.kernelLaunches,
	}
}

// FlushKernelCache drops the in-memory kernel cache (the on-disk tier is
// untouched) and resets the counters.
func FlushKernelCache() {
	lock()
	defer unlock()
	state.kernelCache = make(map[KernelKey]*backends.Kernel)
	state.kernelHits = 0
	state.kernelSoftMisses = 0
	state.kernelHardMisses = 0
	state.kernelLaunches = 0
}

// Flag re-exports the runtime flag bits for callers of this package.
type Flag = backends.Flag

// Re-exported flag constants; see backends for their meaning.
const (
	KernelHistory       = backends.KernelHistory
	LaunchBlocking      = backends.LaunchBlocking
	ForceRaygen         = backends.ForceRaygen
	PrintIR             = backends.PrintIR
	Recording           = backends.Recording
	LoopRecord          = backends.LoopRecord
	LoopOptimize        = backends.LoopOptimize
	PostponeSideEffects = backends.PostponeSideEffects
)

// SetFlag sets or clears one runtime flag.
func SetFlag(flag Flag, enable bool) { backends.SetFlag(flag, enable) }

// HasFlag reports whether a runtime flag is set.
func HasFlag(flag Flag) bool { return backends.HasFlag(flag) }

// Flags returns the whole flag word.
func Flags() uint32 { return backends.Flags() }

// SetFlags replaces the whole flag word.
func SetFlags(value uint32) { backends.SetFlags(value) }

// GOJIT_FLAGS overrides the startup flag word (decimal or 0x-hex).
const GOJIT_FLAGS = "GOJIT_FLAGS"

func init() {
	if text, found := os.LookupEnv(GOJIT_FLAGS); found {
		if value, err := strconv.ParseUint(text, 0, 32); err == nil {
			backends.SetFlags(uint32(value))
		} else {
			klog.Warningf("jit: ignoring malformed %s=%q: %v", GOJIT_FLAGS, text, err)
		}
	}
}
