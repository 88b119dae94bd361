package backends

import (
	"unsafe"

	"github.com/gojit/gojit/types/vartype"
)

// ReduceOp selects a reduction operator.
type ReduceOp uint8

const (
	ReduceNone ReduceOp = iota
	ReduceAdd
	ReduceMul
	ReduceMin
	ReduceMax
	ReduceAnd
	ReduceOr

	ReduceOpCount
)

var reduceOpNames = [ReduceOpCount]string{"none", "sum", "mul", "min", "max", "and", "or"}

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	if op >= ReduceOpCount {
		return "invalid"
	}
	return reduceOpNames[op]
}

// AggregationEntry describes one store performed by the aggregate
// primitive. A positive Size in {1,2,4,8} stores the low bytes of the Src
// pointer value itself; the negative sizes {-1,-2,-4,-8} dereference Src.
type AggregationEntry struct {
	Offset uint32
	Size   int32
	Src    unsafe.Pointer
}

// Task is an asynchronous unit of work. On the CPU backend it wraps a node
// of the task DAG; the CUDA backend returns nil tasks since ordering is
// carried by the stream.
type Task interface {
	// Wait blocks until the task has completed.
	Wait()
	// Retain increments the task's reference count.
	Retain()
	// Release drops one reference; the task may be collected once it
	// completed and all references are gone.
	Release()
}

// ThreadState is the per-caller handle of a backend: it owns one stream
// (CUDA) or one task chain (CPU) and exposes the backend's primitive
// operations as well as the compile/launch contract used by the evaluator.
//
// A ThreadState is single-owner: all methods must be called from the
// owning goroutine. Work submitted through different thread states is
// unordered with respect to each other.
type ThreadState interface {
	// Backend returns the backend tag.
	Backend() Type

	// Device returns the device index this state is bound to.
	Device() int

	// MemsetAsync fills size elements of isize bytes each (isize must be
	// 1, 2, 4 or 8) at ptr with the pattern at src.
	MemsetAsync(ptr unsafe.Pointer, size, isize uint32, src unsafe.Pointer)

	// Memcpy copies synchronously; it waits for queued work first.
	Memcpy(dst, src unsafe.Pointer, size uintptr)

	// MemcpyAsync copies asynchronously, ordered with the state's queue.
	MemcpyAsync(dst, src unsafe.Pointer, size uintptr)

	// Reduce applies op over size elements of type t at ptr, writing one
	// element to out.
	Reduce(t vartype.VarType, op ReduceOp, ptr unsafe.Pointer, size uint32, out unsafe.Pointer)

	// All reports whether all of the size boolean bytes at values are
	// nonzero. May write up to 3 padding bytes past values[size-1].
	All(values unsafe.Pointer, size uint32) bool

	// Any reports whether any of the size boolean bytes at values is
	// nonzero. May write up to 3 padding bytes past values[size-1].
	Any(values unsafe.Pointer, size uint32) bool

	// PrefixSum computes an inclusive (exclusive=false) or exclusive
	// prefix sum over size elements of type t. in == out is allowed.
	PrefixSum(t vartype.VarType, exclusive bool, in unsafe.Pointer, size uint32, out unsafe.Pointer)

	// Compress writes the indices of nonzero bytes of in to out (uint32
	// lanes) and returns how many were written.
	Compress(in unsafe.Pointer, size uint32, out unsafe.Pointer) uint32

	// Mkperm partitions the uint32 values at ptr into bucketCount buckets,
	// writing a permutation into perm and, when offsets is non-nil,
	// (bucket, start, size, 0) quadruples followed by the unique-bucket
	// count. Returns the number of unique buckets (0 when offsets is nil).
	Mkperm(ptr unsafe.Pointer, size, bucketCount uint32, perm, offsets unsafe.Pointer) uint32

	// BlockCopy replicates each of the size input elements of type t into
	// blockSize consecutive output slots.
	BlockCopy(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32)

	// BlockSum sums each consecutive run of blockSize inputs of type t
	// into one output element; out has size elements.
	BlockSum(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32)

	// Poke publishes a host value of size bytes (1, 2, 4 or 8) to dst,
	// asynchronously with respect to the state's queue.
	Poke(dst, src unsafe.Pointer, size uint32)

	// Aggregate executes the entry list against dst and frees the list
	// when done.
	Aggregate(dst unsafe.Pointer, entries []AggregationEntry)

	// EnqueueHostFunc runs fn after all currently queued work.
	EnqueueHostFunc(fn func())

	// Sync blocks until all queued work has completed.
	Sync()

	// ReservedRegs is the first register index the assembler may assign.
	ReservedRegs() uint32

	// ReservedParams is the number of leading kernel-parameter slots owned
	// by the backend.
	ReservedParams() int

	// CompileKernel compiles assembled IR into a cacheable artifact. The
	// kernel is not yet loaded.
	CompileKernel(irText []byte, name string) (*Kernel, error)

	// LoadKernel makes a compiled kernel executable (module load, entry
	// point lookup, occupancy setup / relocation).
	LoadKernel(k *Kernel) error

	// LaunchKernel launches a loaded kernel over size lanes. params is the
	// kernel parameter vector; staged, when non-nil, is the device copy of
	// the parameter vector used instead (CUDA large-parameter path).
	// Returns the task representing the launch on the CPU backend.
	LaunchKernel(k *Kernel, size uint32, params []unsafe.Pointer, staged unsafe.Pointer) Task

	// CollapseTasks replaces the state's current task with the given ones,
	// inserting a barrier when more than one was produced. No-op on CUDA.
	CollapseTasks(tasks []Task)

	// Release frees the thread state's stream, event and task references.
	Release()
}
