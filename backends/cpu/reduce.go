package cpu

import (
	"math"
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
	"golang.org/x/exp/constraints"

	"github.com/gojit/gojit/internal/alloc"
	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/types/vartype"
)

// reduction reduces ptr[start:end] into the single element at out.
type reduction func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer)

func makeArithReduction[T constraints.Integer | constraints.Float](op backends.ReduceOp) reduction {
	switch op {
	case backends.ReduceAdd:
		return func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer) {
			in := unsafe.Slice((*T)(ptr), end)
			var result T
			for i := start; i < end; i++ {
				result += in[i]
			}
			*(*T)(out) = result
		}
	case backends.ReduceMul:
		return func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer) {
			in := unsafe.Slice((*T)(ptr), end)
			result := T(1)
			for i := start; i < end; i++ {
				result *= in[i]
			}
			*(*T)(out) = result
		}
	case backends.ReduceMax:
		return func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer) {
			in := unsafe.Slice((*T)(ptr), end)
			result := lowest[T]()
			for i := start; i < end; i++ {
				result = max(result, in[i])
			}
			*(*T)(out) = result
		}
	case backends.ReduceMin:
		return func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer) {
			in := unsafe.Slice((*T)(ptr), end)
			result := highest[T]()
			for i := start; i < end; i++ {
				result = min(result, in[i])
			}
			*(*T)(out) = result
		}
	default:
		exceptions.Panicf("cpu.Reduce(): unsupported reduction %s", op)
		return nil
	}
}

func makeBitwiseReduction[T constraints.Unsigned](op backends.ReduceOp) reduction {
	switch op {
	case backends.ReduceOr:
		return func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer) {
			in := unsafe.Slice((*T)(ptr), end)
			var result T
			for i := start; i < end; i++ {
				result |= in[i]
			}
			*(*T)(out) = result
		}
	case backends.ReduceAnd:
		return func(ptr unsafe.Pointer, start, end uint32, out unsafe.Pointer) {
			in := unsafe.Slice((*T)(ptr), end)
			result := ^T(0)
			for i := start; i < end; i++ {
				result &= in[i]
			}
			*(*T)(out) = result
		}
	default:
		exceptions.Panicf("cpu.Reduce(): unsupported reduction %s", op)
		return nil
	}
}

// lowest returns the identity of max: the smallest representable value
// (-Inf for floats).
func lowest[T constraints.Integer | constraints.Float]() T {
	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return T(math.Inf(-1))
	}
	var minusOne T
	minusOne--
	if minusOne > zero { // unsigned
		return zero
	}
	bits := int64(unsafe.Sizeof(zero)) * 8
	return T(int64(-1) << (bits - 1))
}

// highest returns the identity of min.
func highest[T constraints.Integer | constraints.Float]() T {
	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return T(math.Inf(1))
	}
	var minusOne T
	minusOne--
	if minusOne > zero { // unsigned
		return minusOne
	}
	bits := int64(unsafe.Sizeof(zero)) * 8
	return T(^(int64(-1) << (bits - 1)))
}

func makeReduction(t vartype.VarType, op backends.ReduceOp) reduction {
	if op == backends.ReduceAnd || op == backends.ReduceOr {
		switch t.Unsigned().Size() {
		case 1:
			return makeBitwiseReduction[uint8](op)
		case 2:
			return makeBitwiseReduction[uint16](op)
		case 4:
			return makeBitwiseReduction[uint32](op)
		case 8:
			return makeBitwiseReduction[uint64](op)
		}
	}
	switch t {
	case vartype.Int8:
		return makeArithReduction[int8](op)
	case vartype.UInt8:
		return makeArithReduction[uint8](op)
	case vartype.Int16:
		return makeArithReduction[int16](op)
	case vartype.UInt16:
		return makeArithReduction[uint16](op)
	case vartype.Int32:
		return makeArithReduction[int32](op)
	case vartype.UInt32:
		return makeArithReduction[uint32](op)
	case vartype.Int64:
		return makeArithReduction[int64](op)
	case vartype.UInt64:
		return makeArithReduction[uint64](op)
	case vartype.Float32:
		return makeArithReduction[float32](op)
	case vartype.Float64:
		return makeArithReduction[float64](op)
	}
	exceptions.Panicf("cpu.Reduce(): unsupported data type %s", t)
	return nil
}

// Reduce implements backends.ThreadState. Blocks reduce into a per-block
// scratch; more than one block recurses over the scratch.
func (ts *ThreadState) Reduce(t vartype.VarType, op backends.ReduceOp, ptr unsafe.Pointer, size uint32, out unsafe.Pointer) {
	klog.V(2).Infof("cpu.Reduce(%#x, type=%s, op=%s, size=%d)", uintptr(ptr), t, op, size)

	tsize := t.Size()
	blockSize, blocks := ts.blocking(size)

	target := out
	if blocks > 1 {
		target = alloc.Malloc(alloc.HostAsync, uintptr(blocks)*uintptr(tsize))
	}

	reduce := makeReduction(t, op)
	ts.submit(backends.KernelReduce, size, max(1, blocks), func(index uint32) {
		reduce(ptr, index*blockSize, min((index+1)*blockSize, size),
			unsafe.Add(target, uintptr(index)*uintptr(tsize)))
	})

	if blocks > 1 {
		ts.Reduce(t, op, target, blocks, out)
		alloc.Free(target)
	}
}

// boolReduce pads values up to a multiple of 4 bytes with filler, reduces
// the padded array as UInt32 words, and combines the word's bytes.
func (ts *ThreadState) boolReduce(op backends.ReduceOp, values unsafe.Pointer, size uint32, filler byte) bool {
	reducedSize := (size + 3) / 4
	trailing := reducedSize*4 - size

	if trailing > 0 {
		src := filler
		ts.MemsetAsync(unsafe.Add(values, uintptr(size)), trailing, 1, unsafe.Pointer(&src))
	}

	var out uint32
	ts.Reduce(vartype.UInt32, op, values, reducedSize, unsafe.Pointer(&out))
	ts.Sync()

	b := [4]byte{byte(out), byte(out >> 8), byte(out >> 16), byte(out >> 24)}
	if op == backends.ReduceAnd {
		return b[0]&b[1]&b[2]&b[3] != 0
	}
	return b[0]|b[1]|b[2]|b[3] != 0
}

// All implements backends.ThreadState.
func (ts *ThreadState) All(values unsafe.Pointer, size uint32) bool {
	klog.V(2).Infof("cpu.All(%#x, size=%d)", uintptr(values), size)
	return ts.boolReduce(backends.ReduceAnd, values, size, 1)
}

// Any implements backends.ThreadState.
func (ts *ThreadState) Any(values unsafe.Pointer, size uint32) bool {
	klog.V(2).Infof("cpu.Any(%#x, size=%d)", uintptr(values), size)
	return ts.boolReduce(backends.ReduceOr, values, size, 0)
}

// ReduceExpanded reduces an accumulation buffer that was expanded by a
// factor of expand copies of size lanes each back into its first copy,
// in place.
func (ts *ThreadState) ReduceExpanded(t vartype.VarType, op backends.ReduceOp, ptr unsafe.Pointer, expand, size uint32) {
	klog.V(2).Infof("cpu.ReduceExpanded(%#x, type=%s, op=%s, expand=%d, size=%d)",
		uintptr(ptr), t, op, expand, size)

	reduce := makeReduction(t, op)
	tsize := uintptr(t.Size())
	blockSize, blocks := ts.blocking(size)

	ts.submit(backends.KernelReduce, size, max(1, blocks), func(index uint32) {
		start := index * blockSize
		end := min(start+blockSize, size)
		var scratch [8]byte
		for i := start; i < end; i++ {
			lane := unsafe.Add(ptr, uintptr(i)*tsize)
			for j := uint32(1); j < expand; j++ {
				other := unsafe.Add(ptr, uintptr(i+j*size)*tsize)
				// Reduce the {lane, other} pair through the block reducer.
				copy(scratch[:tsize], unsafe.Slice((*byte)(other), tsize))
				copy(scratch[tsize:2*tsize], unsafe.Slice((*byte)(lane), tsize))
				reduce(unsafe.Pointer(&scratch[0]), 0, 2, lane)
			}
		}
	})
}
