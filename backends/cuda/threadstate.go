package cuda

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
	"github.com/gojit/gojit/types/vartype"
)

// ThreadState is the CUDA backend's per-caller handle: one stream, one
// reusable synchronization event, and the device's supplemental kernels.
type ThreadState struct {
	backend *Backend
	device  *Device
	kernels *deviceKernels
	stream  Stream
	event   Event
}

var _ backends.ThreadState = (*ThreadState)(nil)

// Backend implements backends.ThreadState.
func (ts *ThreadState) Backend() backends.Type { return backends.CUDA }

// Device implements backends.ThreadState.
func (ts *ThreadState) Device() int { return ts.device.ID }

// DeviceInfo returns the bound device's descriptor.
func (ts *ThreadState) DeviceInfo() *Device { return ts.device }

// Stream returns the thread state's stream handle.
func (ts *ThreadState) Stream() Stream { return ts.stream }

// ReservedRegs implements backends.ThreadState; r0-r3 are reserved.
func (ts *ThreadState) ReservedRegs() uint32 { return 4 }

// ReservedParams implements backends.ThreadState; slot 0 carries the lane
// count.
func (ts *ThreadState) ReservedParams() int { return 1 }

// setContext makes the thread state's driver context current for the
// duration of the enclosing call.
func (ts *ThreadState) setContext() {
	check(ts.backend.drv, ts.backend.drv.CtxSetCurrent(ts.device.Context), "cuCtxSetCurrent")
}

func (ts *ThreadState) require(fn Function, what string) Function {
	if fn == 0 {
		exceptions.Panicf("cuda: no existing kernel for %s", what)
	}
	return fn
}

// submit launches a supplemental kernel on the thread state's stream,
// bracketing it with history events and honoring LaunchBlocking.
func (ts *ThreadState) submit(ktype backends.KernelType, fn Function,
	blockCount, threadCount, sharedMemBytes uint32,
	args []unsafe.Pointer, extra *LaunchBuffer, width uint32) {

	drv := ts.backend.drv
	var entry backends.KernelHistoryEntry
	history := backends.HasFlag(backends.KernelHistory)

	if history {
		start, result := drv.EventCreate(EventDefault)
		check(drv, result, "cuEventCreate")
		end, result := drv.EventCreate(EventDefault)
		check(drv, result, "cuEventCreate")
		entry.EventStart, entry.EventEnd = uintptr(start), uintptr(end)
		check(drv, drv.EventRecord(start, ts.stream), "cuEventRecord")
	}

	check(drv, drv.LaunchKernel(fn, blockCount, 1, 1, threadCount, 1, 1,
		sharedMemBytes, ts.stream, args, extra), "cuLaunchKernel")

	if backends.HasFlag(backends.LaunchBlocking) {
		check(drv, drv.StreamSynchronize(ts.stream), "cuStreamSynchronize")
	}

	if history {
		entry.Backend = backends.CUDA
		entry.Type = ktype
		entry.Size = width
		entry.InputCount = 1
		entry.OutputCount = 1
		check(drv, drv.EventRecord(Event(entry.EventEnd), ts.stream), "cuEventRecord")
		backends.History.Append(entry)
	}
}

// MemsetAsync implements backends.ThreadState: typed driver memset for
// element sizes 1/2/4, the fill_64 kernel for size 8.
func (ts *ThreadState) MemsetAsync(ptr unsafe.Pointer, size, isize uint32, src unsafe.Pointer) {
	if isize != 1 && isize != 2 && isize != 4 && isize != 8 {
		exceptions.Panicf("cuda.MemsetAsync(): invalid element size %d (must be 1, 2, 4, or 8)", isize)
	}
	klog.V(2).Infof("cuda.MemsetAsync(%#x, isize=%d, size=%d)", uintptr(ptr), isize, size)
	if size == 0 {
		return
	}

	fillSize := uintptr(size)

	// An all-zero pattern degenerates to a byte fill.
	pattern := unsafe.Slice((*byte)(src), isize)
	allZero := true
	for _, b := range pattern {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		fillSize *= uintptr(isize)
		isize = 1
	}

	drv := ts.backend.drv
	ts.setContext()
	switch isize {
	case 1:
		check(drv, drv.MemsetD8Async(ptr, *(*uint8)(src), fillSize, ts.stream), "cuMemsetD8Async")
	case 2:
		check(drv, drv.MemsetD16Async(ptr, *(*uint16)(src), fillSize, ts.stream), "cuMemsetD16Async")
	case 4:
		check(drv, drv.MemsetD32Async(ptr, *(*uint32)(src), fillSize, ts.stream), "cuMemsetD32Async")
	case 8:
		fn := ts.require(ts.kernels.fill64, "fill_64")
		blockCount, threadCount := ts.device.LaunchConfig(size, 1024, 4)
		args := []unsafe.Pointer{unsafe.Pointer(&ptr), unsafe.Pointer(&size), src}
		ts.submit(backends.KernelOther, fn, blockCount, threadCount, 0, args, nil, size)
	}
}

// Memcpy implements backends.ThreadState (synchronous).
func (ts *ThreadState) Memcpy(dst, src unsafe.Pointer, size uintptr) {
	ts.Sync()
	ts.setContext()
	check(ts.backend.drv, ts.backend.drv.Memcpy(dst, src, size), "cuMemcpy")
}

// MemcpyAsync implements backends.ThreadState.
func (ts *ThreadState) MemcpyAsync(dst, src unsafe.Pointer, size uintptr) {
	ts.setContext()
	check(ts.backend.drv, ts.backend.drv.MemcpyAsync(dst, src, size, ts.stream), "cuMemcpyAsync")
}

// Reduce implements backends.ThreadState. Arrays beyond 1024 lanes reduce
// in two passes through a block-count-sized temporary.
func (ts *ThreadState) Reduce(t vartype.VarType, op backends.ReduceOp, ptr unsafe.Pointer, size uint32, out unsafe.Pointer) {
	klog.V(2).Infof("cuda.Reduce(%#x, type=%s, op=%s, size=%d)", uintptr(ptr), t, op, size)

	ts.setContext()
	tsize := t.Size()
	fn := ts.kernels.reductions[op][t]
	if fn == 0 {
		exceptions.Panicf("cuda.Reduce(): no existing kernel for type=%s, op=%s", t, op)
	}

	threadCount := uint32(1024)
	sharedSize := threadCount * tsize
	blockCount, _ := ts.device.LaunchConfig(size, threadCount, 4)

	if size <= 1024 {
		// Small array, a single reduction does it.
		args := []unsafe.Pointer{unsafe.Pointer(&ptr), unsafe.Pointer(&size), unsafe.Pointer(&out)}
		ts.submit(backends.KernelReduce, fn, 1, threadCount, sharedSize, args, nil, size)
		return
	}

	temp := alloc.Malloc(alloc.Device, uintptr(blockCount)*uintptr(tsize))

	args1 := []unsafe.Pointer{unsafe.Pointer(&ptr), unsafe.Pointer(&size), unsafe.Pointer(&temp)}
	ts.submit(backends.KernelReduce, fn, blockCount, threadCount, sharedSize, args1, nil, size)

	args2 := []unsafe.Pointer{unsafe.Pointer(&temp), unsafe.Pointer(&blockCount), unsafe.Pointer(&out)}
	ts.submit(backends.KernelReduce, fn, 1, threadCount, sharedSize, args2, nil, size)

	alloc.Free(temp)
}

// boolReduce pads to a 4-byte multiple and reduces as UInt32 words into a
// pinned host cell.
func (ts *ThreadState) boolReduce(op backends.ReduceOp, values unsafe.Pointer, size uint32, filler byte) bool {
	reducedSize := (size + 3) / 4
	trailing := reducedSize*4 - size

	if trailing > 0 {
		src := filler
		ts.MemsetAsync(unsafe.Add(values, uintptr(size)), trailing, 1, unsafe.Pointer(&src))
	}

	out := alloc.Malloc(alloc.HostPinned, 4)
	ts.Reduce(vartype.UInt32, op, values, reducedSize, out)
	ts.Sync()
	b := unsafe.Slice((*byte)(out), 4)
	var result bool
	if op == backends.ReduceAnd {
		result = b[0]&b[1]&b[2]&b[3] != 0
	} else {
		result = b[0]|b[1]|b[2]|b[3] != 0
	}
	alloc.Free(out)
	return result
}

// All implements backends.ThreadState.
func (ts *ThreadState) All(values unsafe.Pointer, size uint32) bool {
	klog.V(2).Infof("cuda.All(%#x, size=%d)", uintptr(values), size)
	return ts.boolReduce(backends.ReduceAnd, values, size, 1)
}

// Any implements backends.ThreadState.
func (ts *ThreadState) Any(values unsafe.Pointer, size uint32) bool {
	klog.V(2).Infof("cuda.Any(%#x, size=%d)", uintptr(values), size)
	return ts.boolReduce(backends.ReduceOr, values, size, 0)
}

// roundPow2 rounds up to the next power of two.
func roundPow2(value uint32) uint32 {
	value--
	value |= value >> 1
	value |= value >> 2
	value |= value >> 4
	value |= value >> 8
	value |= value >> 16
	return value + 1
}

// PrefixSum implements backends.ThreadState.
func (ts *ThreadState) PrefixSum(t vartype.VarType, exclusive bool, in unsafe.Pointer, size uint32, out unsafe.Pointer) {
	if size == 0 {
		return
	}
	if t == vartype.Int32 {
		t = vartype.UInt32
	}
	isize := t.Size()
	drv := ts.backend.drv
	ts.setContext()

	switch {
	case size == 1:
		if exclusive {
			check(drv, drv.MemsetD8Async(out, 0, uintptr(isize), ts.stream), "cuMemsetD8Async")
		} else if in != out {
			check(drv, drv.MemcpyAsync(out, in, uintptr(isize), ts.stream), "cuMemcpyAsync")
		}

	case (isize == 4 && size <= 4096) || (isize == 8 && size < 2048):
		// Single-block kernel for small arrays.
		itemsPerThread := uint32(4)
		if isize == 8 {
			itemsPerThread = 2
		}
		threadCount := roundPow2((size + itemsPerThread - 1) / itemsPerThread)
		sharedSize := threadCount * 2 * isize

		klog.V(2).Infof("cuda.PrefixSum(%#x -> %#x, type=%s, exclusive=%v, size=%d, type=small, threads=%d, shared=%d)",
			uintptr(in), uintptr(out), t, exclusive, size, threadCount, sharedSize)

		table := &ts.kernels.prefixSumIncSmall
		if exclusive {
			table = &ts.kernels.prefixSumExcSmall
		}
		fn := table[t]
		if fn == 0 {
			exceptions.Panicf("cuda.PrefixSum(): type %s is not supported", t)
		}

		args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out), unsafe.Pointer(&size)}
		ts.submit(backends.KernelOther, fn, 1, threadCount, sharedSize, args, nil, size)

	default:
		// Multi-block kernel with a decoupled-lookback scratch area.
		itemsPerThread := uint32(16)
		if isize == 8 {
			itemsPerThread = 8
		}
		threadCount := uint32(128)
		itemsPerBlock := itemsPerThread * threadCount
		blockCount := (size + itemsPerBlock - 1) / itemsPerBlock
		sharedSize := itemsPerBlock * isize
		scratchItems := blockCount + 32

		klog.V(2).Infof("cuda.PrefixSum(%#x -> %#x, type=%s, exclusive=%v, size=%d, type=large, blocks=%d, threads=%d, shared=%d, scratch=%d)",
			uintptr(in), uintptr(out), t, exclusive, size, blockCount, threadCount, sharedSize, scratchItems*8)

		table := &ts.kernels.prefixSumIncLarge
		if exclusive {
			table = &ts.kernels.prefixSumExcLarge
		}
		fn := table[t]
		if fn == 0 {
			exceptions.Panicf("cuda.PrefixSum(): type %s is not supported", t)
		}

		scratch := alloc.Malloc(alloc.Device, uintptr(scratchItems)*8)

		// Zero the scratch space, including its padding slots.
		initBlocks, initThreads := ts.device.LaunchConfig(scratchItems, 1024, 4)
		initArgs := []unsafe.Pointer{unsafe.Pointer(&scratch), unsafe.Pointer(&scratchItems)}
		ts.submit(backends.KernelOther, ts.require(ts.kernels.prefixSumLargeInit, "prefix_sum_large_init"),
			initBlocks, initThreads, 0, initArgs, nil, scratchItems)

		advanced := unsafe.Add(scratch, 32*8)
		args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out),
			unsafe.Pointer(&size), unsafe.Pointer(&advanced)}
		ts.submit(backends.KernelOther, fn, blockCount, threadCount, sharedSize, args, nil, scratchItems)

		alloc.Free(scratch)
	}
}

// Compress implements backends.ThreadState.
func (ts *ThreadState) Compress(in unsafe.Pointer, size uint32, out unsafe.Pointer) uint32 {
	if size == 0 {
		return 0
	}
	drv := ts.backend.drv
	ts.setContext()

	countOut := alloc.Malloc(alloc.HostPinned, 4)

	if size <= 4096 {
		itemsPerThread := uint32(4)
		threadCount := roundPow2((size + itemsPerThread - 1) / itemsPerThread)
		sharedSize := threadCount * 2 * 4
		trailer := threadCount*itemsPerThread - size

		klog.V(2).Infof("cuda.Compress(%#x -> %#x, size=%d, type=small, threads=%d, shared=%d)",
			uintptr(in), uintptr(out), size, threadCount, sharedSize)

		if trailer > 0 {
			check(drv, drv.MemsetD8Async(unsafe.Add(in, uintptr(size)), 0, uintptr(trailer), ts.stream), "cuMemsetD8Async")
		}

		args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out),
			unsafe.Pointer(&size), unsafe.Pointer(&countOut)}
		ts.submit(backends.KernelOther, ts.require(ts.kernels.compressSmall, "compress_small"),
			1, threadCount, sharedSize, args, nil, size)
	} else {
		itemsPerThread := uint32(16)
		threadCount := uint32(128)
		itemsPerBlock := itemsPerThread * threadCount
		blockCount := (size + itemsPerBlock - 1) / itemsPerBlock
		sharedSize := itemsPerBlock * 4
		scratchItems := blockCount + 32
		trailer := itemsPerBlock*blockCount - size

		klog.V(2).Infof("cuda.Compress(%#x -> %#x, size=%d, type=large, blocks=%d, threads=%d, shared=%d, scratch=%d)",
			uintptr(in), uintptr(out), size, blockCount, threadCount, sharedSize, scratchItems*4)

		scratch := alloc.Malloc(alloc.Device, uintptr(scratchItems)*8)

		initBlocks, initThreads := ts.device.LaunchConfig(scratchItems, 1024, 4)
		initArgs := []unsafe.Pointer{unsafe.Pointer(&scratch), unsafe.Pointer(&scratchItems)}
		ts.submit(backends.KernelOther, ts.require(ts.kernels.prefixSumLargeInit, "prefix_sum_large_init"),
			initBlocks, initThreads, 0, initArgs, nil, scratchItems)

		if trailer > 0 {
			check(drv, drv.MemsetD8Async(unsafe.Add(in, uintptr(size)), 0, uintptr(trailer), ts.stream), "cuMemsetD8Async")
		}

		advanced := unsafe.Add(scratch, 32*8)
		args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out),
			unsafe.Pointer(&advanced), unsafe.Pointer(&countOut)}
		ts.submit(backends.KernelOther, ts.require(ts.kernels.compressLarge, "compress_large"),
			blockCount, threadCount, sharedSize, args, nil, scratchItems)

		alloc.Free(scratch)
	}

	ts.Sync()
	count := *(*uint32)(countOut)
	alloc.Free(countOut)
	return count
}

// Poke implements backends.ThreadState.
func (ts *ThreadState) Poke(dst, src unsafe.Pointer, size uint32) {
	klog.V(2).Infof("cuda.Poke(%#x, size=%d)", uintptr(dst), size)

	var t vartype.VarType
	switch size {
	case 1:
		t = vartype.UInt8
	case 2:
		t = vartype.UInt16
	case 4:
		t = vartype.UInt32
	case 8:
		t = vartype.UInt64
	default:
		exceptions.Panicf("cuda.Poke(): only size=1, 2, 4 or 8 are supported")
	}

	ts.setContext()
	fn := ts.require(ts.kernels.poke[t], "poke")
	args := []unsafe.Pointer{unsafe.Pointer(&dst), src}
	ts.submit(backends.KernelOther, fn, 1, 1, 0, args, nil, 1)
}

// Aggregate implements backends.ThreadState.
func (ts *ThreadState) Aggregate(dst unsafe.Pointer, entries []backends.AggregationEntry) {
	size := uint32(len(entries))
	if size == 0 {
		return
	}
	ts.setContext()
	fn := ts.require(ts.kernels.aggregate, "aggregate")
	agg := unsafe.Pointer(&entries[0])

	blockCount, threadCount := ts.device.LaunchConfig(size, 1024, 4)
	klog.V(2).Infof("cuda.Aggregate(%#x -> %#x, size=%d, blocks=%d, threads=%d)",
		uintptr(agg), uintptr(dst), size, blockCount, threadCount)

	args := []unsafe.Pointer{unsafe.Pointer(&dst), unsafe.Pointer(&agg), unsafe.Pointer(&size)}
	ts.submit(backends.KernelOther, fn, blockCount, threadCount, 0, args, nil, 1)

	// The entry list is owned by the launch; keep it reachable until the
	// stream drained it.
	ts.EnqueueHostFunc(func() { _ = entries })
}

// EnqueueHostFunc implements backends.ThreadState.
func (ts *ThreadState) EnqueueHostFunc(fn func()) {
	ts.setContext()
	check(ts.backend.drv, ts.backend.drv.LaunchHostFunc(ts.stream, fn), "cuLaunchHostFunc")
}

// Sync implements backends.ThreadState.
func (ts *ThreadState) Sync() {
	ts.setContext()
	check(ts.backend.drv, ts.backend.drv.StreamSynchronize(ts.stream), "cuStreamSynchronize")
}

// Release implements backends.ThreadState.
func (ts *ThreadState) Release() {
	drv := ts.backend.drv
	ts.setContext()
	drv.EventDestroy(ts.event)
	drv.StreamDestroy(ts.stream)
	ts.event, ts.stream = 0, 0
}

// CollapseTasks implements backends.ThreadState; ordering on this backend
// is carried by the stream.
func (ts *ThreadState) CollapseTasks([]backends.Task) {}
