package cpu

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
	"github.com/gojit/gojit/types/vartype"
)

func blockSum[T constraints.Integer | constraints.Float](in unsafe.Pointer, start, end, index uint32, scratch unsafe.Pointer) {
	src := unsafe.Slice((*T)(in), end)
	var accum T
	for i := start; i < end; i++ {
		accum += src[i]
	}
	unsafe.Slice((*T)(scratch), index+1)[index] = accum
}

func blockScan[T constraints.Integer | constraints.Float](in, out unsafe.Pointer, start, end, index uint32, scratch unsafe.Pointer, exclusive bool) {
	src := unsafe.Slice((*T)(in), end)
	dst := unsafe.Slice((*T)(out), end)
	var accum T
	if scratch != nil {
		accum = unsafe.Slice((*T)(scratch), index+1)[index]
	}
	if exclusive {
		for i := start; i < end; i++ {
			value := src[i]
			dst[i] = accum
			accum += value
		}
	} else {
		for i := start; i < end; i++ {
			accum += src[i]
			dst[i] = accum
		}
	}
}

func sumReduce1(t vartype.VarType, in unsafe.Pointer, start, end, index uint32, scratch unsafe.Pointer) {
	switch t {
	case vartype.UInt32:
		blockSum[uint32](in, start, end, index, scratch)
	case vartype.UInt64:
		blockSum[uint64](in, start, end, index, scratch)
	case vartype.Float32:
		blockSum[float32](in, start, end, index, scratch)
	case vartype.Float64:
		blockSum[float64](in, start, end, index, scratch)
	default:
		exceptions.Panicf("cpu.PrefixSum(): type %s is not supported", t)
	}
}

func sumReduce2(t vartype.VarType, in, out unsafe.Pointer, start, end, index uint32, scratch unsafe.Pointer, exclusive bool) {
	switch t {
	case vartype.UInt32:
		blockScan[uint32](in, out, start, end, index, scratch, exclusive)
	case vartype.UInt64:
		blockScan[uint64](in, out, start, end, index, scratch, exclusive)
	case vartype.Float32:
		blockScan[float32](in, out, start, end, index, scratch, exclusive)
	case vartype.Float64:
		blockScan[float64](in, out, start, end, index, scratch, exclusive)
	default:
		exceptions.Panicf("cpu.PrefixSum(): type %s is not supported", t)
	}
}

// PrefixSum implements backends.ThreadState. Pass 1 computes per-block
// sums, an exclusive recursion scans them, pass 2 walks each block with its
// seed; task chaining orders the passes.
func (ts *ThreadState) PrefixSum(t vartype.VarType, exclusive bool, in unsafe.Pointer, size uint32, out unsafe.Pointer) {
	if size == 0 {
		return
	}
	if t == vartype.Int32 {
		t = vartype.UInt32
	}
	isize := t.Size()
	blockSize, blocks := ts.blocking(size)

	klog.V(2).Infof("cpu.PrefixSum(%#x -> %#x, size=%d, block_size=%d, blocks=%d)",
		uintptr(in), uintptr(out), size, blockSize, blocks)

	var scratch unsafe.Pointer
	if blocks > 1 {
		scratch = alloc.Malloc(alloc.HostAsync, uintptr(blocks)*uintptr(isize))

		ts.submit(backends.KernelOther, size, blocks, func(index uint32) {
			start := index * blockSize
			end := min(start+blockSize, size)
			sumReduce1(t, in, start, end, index, scratch)
		})

		ts.PrefixSum(t, true, scratch, blocks, scratch)
	}

	ts.submit(backends.KernelOther, size, blocks, func(index uint32) {
		start := index * blockSize
		end := min(start+blockSize, size)
		sumReduce2(t, in, out, start, end, index, scratch, exclusive)
	})

	alloc.Free(scratch)
}

// Compress implements backends.ThreadState: per-block count, exclusive scan
// of the counts, per-block index scatter.
func (ts *ThreadState) Compress(in unsafe.Pointer, size uint32, out unsafe.Pointer) uint32 {
	if size == 0 {
		return 0
	}
	blockSize, blocks := ts.blocking(size)

	klog.V(2).Infof("cpu.Compress(%#x -> %#x, size=%d, block_size=%d, blocks=%d)",
		uintptr(in), uintptr(out), size, blockSize, blocks)

	var countOut uint32
	var scratch unsafe.Pointer

	if blocks > 1 {
		scratch = alloc.Malloc(alloc.HostAsync, uintptr(blocks)*4)

		ts.submit(backends.KernelOther, size, blocks, func(index uint32) {
			start := index * blockSize
			end := min(start+blockSize, size)
			src := unsafe.Slice((*byte)(in), end)
			var accum uint32
			for i := start; i < end; i++ {
				accum += uint32(src[i])
			}
			unsafe.Slice((*uint32)(scratch), index+1)[index] = accum
		})

		ts.PrefixSum(vartype.UInt32, true, scratch, blocks, scratch)
	}

	ts.submit(backends.KernelOther, size, blocks, func(index uint32) {
		start := index * blockSize
		end := min(start+blockSize, size)
		src := unsafe.Slice((*byte)(in), end)
		dst := unsafe.Slice((*uint32)(out), size)

		var accum uint32
		if scratch != nil {
			accum = unsafe.Slice((*uint32)(scratch), index+1)[index]
		}
		for i := start; i < end; i++ {
			value := uint32(src[i])
			if value != 0 {
				dst[accum] = i
			}
			accum += value
		}
		if end == size {
			countOut = accum
		}
	})

	alloc.Free(scratch)
	ts.Sync()
	return countOut
}
