package cpu

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/types/vartype"
)

// blockOp processes input blocks [start, end) of a block copy/sum.
type blockOp func(in, out unsafe.Pointer, start, end, blockSize uint32)

func makeBlockCopy[T constraints.Integer | constraints.Float]() blockOp {
	return func(in, out unsafe.Pointer, start, end, blockSize uint32) {
		src := unsafe.Slice((*T)(in), end)
		dst := unsafe.Slice((*T)(out), uintptr(end)*uintptr(blockSize))
		for i := start; i < end; i++ {
			value := src[i]
			base := uintptr(i) * uintptr(blockSize)
			for j := uintptr(0); j < uintptr(blockSize); j++ {
				dst[base+j] = value
			}
		}
	}
}

func makeBlockSum[T constraints.Integer | constraints.Float]() blockOp {
	return func(in, out unsafe.Pointer, start, end, blockSize uint32) {
		src := unsafe.Slice((*T)(in), uintptr(end)*uintptr(blockSize))
		dst := unsafe.Slice((*T)(out), end)
		for i := start; i < end; i++ {
			var sum T
			base := uintptr(i) * uintptr(blockSize)
			for j := uintptr(0); j < uintptr(blockSize); j++ {
				sum += src[base+j]
			}
			dst[i] = sum
		}
	}
}

func makeBlockOp(t vartype.VarType, sum bool) blockOp {
	make2 := func(copyOp, sumOp blockOp) blockOp {
		if sum {
			return sumOp
		}
		return copyOp
	}
	switch t {
	case vartype.UInt8:
		return make2(makeBlockCopy[uint8](), makeBlockSum[uint8]())
	case vartype.UInt16:
		return make2(makeBlockCopy[uint16](), makeBlockSum[uint16]())
	case vartype.UInt32:
		return make2(makeBlockCopy[uint32](), makeBlockSum[uint32]())
	case vartype.UInt64:
		return make2(makeBlockCopy[uint64](), makeBlockSum[uint64]())
	case vartype.Float32:
		return make2(makeBlockCopy[float32](), makeBlockSum[float32]())
	case vartype.Float64:
		return make2(makeBlockCopy[float64](), makeBlockSum[float64]())
	}
	exceptions.Panicf("cpu block operation: unsupported data type %s", t)
	return nil
}

// BlockCopy implements backends.ThreadState.
func (ts *ThreadState) BlockCopy(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32) {
	if blockSize == 0 {
		exceptions.Panicf("cpu.BlockCopy(): block_size cannot be zero")
	}
	klog.V(2).Infof("cpu.BlockCopy(%#x -> %#x, type=%s, block_size=%d, size=%d)",
		uintptr(in), uintptr(out), t, blockSize, size)

	if blockSize == 1 {
		ts.MemcpyAsync(out, in, uintptr(size)*uintptr(t.Size()))
		return
	}
	ts.runBlockOp(makeBlockOp(t.Unsigned(), false), in, out, size, blockSize)
}

// BlockSum implements backends.ThreadState.
func (ts *ThreadState) BlockSum(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32) {
	if blockSize == 0 {
		exceptions.Panicf("cpu.BlockSum(): block_size cannot be zero")
	}
	klog.V(2).Infof("cpu.BlockSum(%#x -> %#x, type=%s, block_size=%d, size=%d)",
		uintptr(in), uintptr(out), t, blockSize, size)

	if blockSize == 1 {
		ts.MemcpyAsync(out, in, uintptr(size)*uintptr(t.Size()))
		return
	}
	ts.runBlockOp(makeBlockOp(t.Unsigned(), true), in, out, size, blockSize)
}

func (ts *ThreadState) runBlockOp(op blockOp, in, out unsafe.Pointer, size, blockSize uint32) {
	workUnitSize, workUnits := ts.blocking(size)
	ts.submit(backends.KernelOther, size, workUnits, func(index uint32) {
		start := index * workUnitSize
		end := min(start+workUnitSize, size)
		op(in, out, start, end, blockSize)
	})
}
