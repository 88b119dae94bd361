package cpu

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/jit/ir"
)

// ThreadState is the CPU backend's per-caller handle. All submitted work is
// chained after the state's current task, so program order is observed.
type ThreadState struct {
	backend *Backend
	device  int

	// task is the tail of this state's task DAG; nil before any work.
	task *Task
}

var _ backends.ThreadState = (*ThreadState)(nil)

// Backend implements backends.ThreadState.
func (ts *ThreadState) Backend() backends.Type { return backends.CPU }

// Device implements backends.ThreadState.
func (ts *ThreadState) Device() int { return ts.device }

// ReservedRegs implements backends.ThreadState; register numbering starts
// at 1 on this backend.
func (ts *ThreadState) ReservedRegs() uint32 { return 1 }

// ReservedParams implements backends.ThreadState. The first three slots
// carry the kernel pointer, the packed size/block-size word, and a profiler
// cookie.
func (ts *ThreadState) ReservedParams() int { return 3 }

// submit chains a block-parallel task after the state's current task and
// makes it the new current task, honoring the LaunchBlocking and
// KernelHistory flags.
func (ts *ThreadState) submit(ktype backends.KernelType, width, blockCount uint32, fn func(block uint32)) {
	newTask := ts.backend.pool.Submit(blockCount, []*Task{ts.task}, fn)

	if backends.HasFlag(backends.LaunchBlocking) {
		newTask.Wait()
	}
	if backends.HasFlag(backends.KernelHistory) {
		newTask.Retain()
		backends.History.Append(backends.KernelHistoryEntry{
			Backend:     backends.CPU,
			Type:        ktype,
			Size:        width,
			InputCount:  1,
			OutputCount: 1,
			Task:        newTask,
		})
	}

	ts.task.Release()
	ts.task = newTask
}

// blocking returns the block partition of size lanes: a single block unless
// the pool has more than one worker.
func (ts *ThreadState) blocking(size uint32) (blockSize, blockCount uint32) {
	blockSize, blockCount = size, 1
	if ts.backend.pool.Size() > 1 {
		blockSize = BlockSize
		blockCount = (size + blockSize - 1) / blockSize
	}
	return
}

// MemsetAsync implements backends.ThreadState.
func (ts *ThreadState) MemsetAsync(ptr unsafe.Pointer, size, isize uint32, src unsafe.Pointer) {
	if isize != 1 && isize != 2 && isize != 4 && isize != 8 {
		exceptions.Panicf("cpu.MemsetAsync(): invalid element size %d (must be 1, 2, 4, or 8)", isize)
	}
	klog.V(2).Infof("cpu.MemsetAsync(%#x, isize=%d, size=%d)", uintptr(ptr), isize, size)
	if size == 0 {
		return
	}

	pattern := make([]byte, isize)
	copy(pattern, unsafe.Slice((*byte)(src), isize))

	// An all-zero pattern degenerates to a byte fill.
	allZero := true
	for _, b := range pattern {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		size *= isize
		isize = 1
		pattern = pattern[:1]
	}

	ts.submit(backends.KernelOther, size, 1, func(uint32) {
		out := unsafe.Slice((*byte)(ptr), uintptr(size)*uintptr(isize))
		if isize == 1 {
			for i := range out {
				out[i] = pattern[0]
			}
			return
		}
		for i := uint32(0); i < size; i++ {
			copy(out[uintptr(i)*uintptr(isize):], pattern)
		}
	})
}

// Memcpy implements backends.ThreadState; it waits for queued work first.
func (ts *ThreadState) Memcpy(dst, src unsafe.Pointer, size uintptr) {
	ts.Sync()
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}

// MemcpyAsync implements backends.ThreadState.
func (ts *ThreadState) MemcpyAsync(dst, src unsafe.Pointer, size uintptr) {
	ts.submit(backends.KernelOther, uint32(size), 1, func(uint32) {
		copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	})
}

// Poke implements backends.ThreadState.
func (ts *ThreadState) Poke(dst, src unsafe.Pointer, size uint32) {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		exceptions.Panicf("cpu.Poke(): only size=1, 2, 4 or 8 are supported")
	}
	var value [8]byte
	copy(value[:], unsafe.Slice((*byte)(src), size))
	ts.submit(backends.KernelOther, size, 1, func(uint32) {
		copy(unsafe.Slice((*byte)(dst), size), value[:size])
	})
}

// Aggregate implements backends.ThreadState. The entry list is consumed:
// the final task drops the reference.
func (ts *ThreadState) Aggregate(dst unsafe.Pointer, entries []backends.AggregationEntry) {
	size := uint32(len(entries))
	if size == 0 {
		return
	}
	workUnitSize, workUnits := ts.blocking(size)
	klog.V(2).Infof("cpu.Aggregate(%#x, size=%d, work_units=%d)", uintptr(dst), size, workUnits)

	ts.submit(backends.KernelOther, size, workUnits, func(index uint32) {
		start := index * workUnitSize
		end := min(start+workUnitSize, size)
		for i := start; i < end; i++ {
			e := entries[i]
			addr := unsafe.Add(dst, uintptr(e.Offset))
			switch e.Size {
			case 1:
				*(*uint8)(addr) = uint8(uintptr(e.Src))
			case 2:
				*(*uint16)(addr) = uint16(uintptr(e.Src))
			case 4:
				*(*uint32)(addr) = uint32(uintptr(e.Src))
			case 8:
				*(*uint64)(addr) = uint64(uintptr(e.Src))
			case -1:
				*(*uint8)(addr) = *(*uint8)(e.Src)
			case -2:
				*(*uint16)(addr) = *(*uint16)(e.Src)
			case -4:
				*(*uint32)(addr) = *(*uint32)(e.Src)
			case -8:
				*(*uint64)(addr) = *(*uint64)(e.Src)
			}
		}
	})
	ts.submit(backends.KernelOther, 1, 1, func(uint32) {
		entries = nil
	})
}

// EnqueueHostFunc implements backends.ThreadState. With no pending task the
// callback runs synchronously on the caller.
func (ts *ThreadState) EnqueueHostFunc(fn func()) {
	if ts.task == nil {
		fn()
		return
	}
	ts.submit(backends.KernelOther, 1, 1, func(uint32) { fn() })
}

// Sync implements backends.ThreadState.
func (ts *ThreadState) Sync() {
	ts.task.Wait()
}

// Release implements backends.ThreadState.
func (ts *ThreadState) Release() {
	ts.task.Release()
	ts.task = nil
}

// CompileKernel implements backends.ThreadState: the artifact of this
// backend is the IR text itself; relocation happens at load.
func (ts *ThreadState) CompileKernel(irText []byte, name string) (*backends.Kernel, error) {
	data := make([]byte, len(irText))
	copy(data, irText)
	return &backends.Kernel{
		Data:    data,
		Size:    uint32(len(data)),
		Backend: backends.CPU,
	}, nil
}

// LoadKernel implements backends.ThreadState.
func (ts *ThreadState) LoadKernel(k *backends.Kernel) error {
	prog, err := ir.Parse(k.Data)
	if err != nil {
		return err
	}
	k.CPU.Prog = prog
	if klog.V(2).Enabled() {
		klog.Infof("cpu.LoadKernel(): %s: %d instructions, %d registers",
			prog.Name, len(prog.Instrs), prog.NumRegs)
	}
	return nil
}

// LaunchKernel implements backends.ThreadState. The launch depends on the
// state's current task but does not replace it; the evaluator collapses all
// of an eval's launches at the end.
func (ts *ThreadState) LaunchKernel(k *backends.Kernel, size uint32, params []unsafe.Pointer, _ unsafe.Pointer) backends.Task {
	prog := k.CPU.Prog.(*ir.Program)

	blockSize := uint32(PoolBlockSize)
	blocks := (size + blockSize - 1) / blockSize

	// The caller's parameter vector is scratch reused by the next
	// assembly; the launch owns a copy.
	params = append([]unsafe.Pointer(nil), params...)
	params[0] = nil // kernel slot, unused by the interpreter
	params[1] = unsafe.Pointer(uintptr(uint64(blockSize)<<32 | uint64(size)))

	klog.V(2).Infof("cpu.LaunchKernel(): %s: scheduling %d lanes in %d blocks", prog.Name, size, blocks)

	task := ts.backend.pool.Submit(blocks, []*Task{ts.task}, func(index uint32) {
		start := index * blockSize
		end := min(start+blockSize, size)
		prog.Run(start, end, params)
	})

	if backends.HasFlag(backends.LaunchBlocking) {
		task.Wait()
	}
	if backends.HasFlag(backends.KernelHistory) {
		task.Retain()
		backends.History.Append(backends.KernelHistoryEntry{
			Backend: backends.CPU,
			Type:    backends.KernelJIT,
			Size:    size,
			Task:    task,
		})
	}
	return task
}

// CollapseTasks implements backends.ThreadState: the launches of one eval
// become the state's new task, via a barrier when there is more than one.
func (ts *ThreadState) CollapseTasks(tasks []backends.Task) {
	if len(tasks) == 0 {
		exceptions.Panicf("cpu.CollapseTasks(): no tasks generated")
	}
	if len(tasks) == 1 {
		ts.task.Release()
		ts.task = tasks[0].(*Task)
		return
	}
	cpuTasks := make([]*Task, len(tasks))
	for i, t := range tasks {
		cpuTasks[i] = t.(*Task)
	}
	barrier := ts.backend.pool.Barrier(cpuTasks)
	ts.task.Release()
	for _, t := range cpuTasks {
		t.Release()
	}
	ts.task = barrier
}
