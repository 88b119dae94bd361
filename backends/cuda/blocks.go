package cuda

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/types/vartype"
)

// BlockCopy implements backends.ThreadState.
func (ts *ThreadState) BlockCopy(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32) {
	if blockSize == 0 {
		exceptions.Panicf("cuda.BlockCopy(): block_size cannot be zero")
	}
	klog.V(2).Infof("cuda.BlockCopy(%#x -> %#x, type=%s, block_size=%d, size=%d)",
		uintptr(in), uintptr(out), t, blockSize, size)

	if blockSize == 1 {
		ts.MemcpyAsync(out, in, uintptr(size)*uintptr(t.Size()))
		return
	}

	t = t.Unsigned()
	ts.setContext()
	fn := ts.kernels.blockCopy[t]
	if fn == 0 {
		exceptions.Panicf("cuda.BlockCopy(): no existing kernel for type=%s", t)
	}

	size *= blockSize
	threadCount := min(size, 1024)
	blockCount := (size + threadCount - 1) / threadCount

	args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out),
		unsafe.Pointer(&size), unsafe.Pointer(&blockSize)}
	ts.submit(backends.KernelOther, fn, blockCount, threadCount, 0, args, nil, size)
}

// BlockSum implements backends.ThreadState. The output is zero-initialized
// first; the kernel accumulates into it.
func (ts *ThreadState) BlockSum(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32) {
	if blockSize == 0 {
		exceptions.Panicf("cuda.BlockSum(): block_size cannot be zero")
	}
	klog.V(2).Infof("cuda.BlockSum(%#x -> %#x, type=%s, block_size=%d, size=%d)",
		uintptr(in), uintptr(out), t, blockSize, size)

	outSize := uintptr(size) * uintptr(t.Size())
	if blockSize == 1 {
		ts.MemcpyAsync(out, in, outSize)
		return
	}

	t = t.Unsigned()
	ts.setContext()
	fn := ts.kernels.blockSum[t]
	if fn == 0 {
		exceptions.Panicf("cuda.BlockSum(): no existing kernel for type=%s", t)
	}

	size *= blockSize
	threadCount := min(size, 1024)
	blockCount := (size + threadCount - 1) / threadCount

	check(ts.backend.drv, ts.backend.drv.MemsetD8Async(out, 0, outSize, ts.stream), "cuMemsetD8Async")
	args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out),
		unsafe.Pointer(&size), unsafe.Pointer(&blockSize)}
	ts.submit(backends.KernelOther, fn, blockCount, threadCount, 0, args, nil, size)
}
