package backends

import "sync/atomic"

// Flag is one bit of the global runtime flag word.
type Flag uint32

const (
	// KernelHistory records a timing entry for every launch.
	KernelHistory Flag = 1 << iota
	// LaunchBlocking synchronizes immediately after every launch.
	LaunchBlocking
	// ForceRaygen forces JIT kernels through the raytracing pipeline
	// (staged parameter buffer, __raygen__ entry-point naming).
	ForceRaygen
	// PrintIR dumps assembled kernel IR to stderr.
	PrintIR
	// Recording suppresses side-effect traversal during eval.
	Recording
	// LoopRecord traces loops into a single kernel instead of unrolling
	// them wavefront-style.
	LoopRecord
	// LoopOptimize enables loop-state simplifications while recording.
	LoopOptimize
	// PostponeSideEffects queues side effects for the surrounding
	// recording instead of scheduling them directly.
	PostponeSideEffects
)

// DefaultFlags is the flag word at startup.
const DefaultFlags = LoopRecord | LoopOptimize

var flags atomic.Uint32

func init() {
	flags.Store(uint32(DefaultFlags))
}

// Flags returns the current flag word.
func Flags() uint32 {
	return flags.Load()
}

// SetFlags replaces the whole flag word.
func SetFlags(value uint32) {
	flags.Store(value)
}

// HasFlag reports whether a single flag is set.
func HasFlag(flag Flag) bool {
	return flags.Load()&uint32(flag) != 0
}

// SetFlag sets or clears a single flag.
func SetFlag(flag Flag, enable bool) {
	for {
		old := flags.Load()
		var next uint32
		if enable {
			next = old | uint32(flag)
		} else {
			next = old &^ uint32(flag)
		}
		if flags.CompareAndSwap(old, next) {
			return
		}
	}
}
