package ir

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"

	"github.com/gojit/gojit/types/vartype"
)

// Run executes the program for lanes [start, end). params is the kernel
// parameter vector: buffer slots hold pointers, value slots (sizes, pointer
// literals) hold the value itself. Safe to call concurrently for disjoint
// lane ranges; scatter_add stores are atomic.
func (p *Program) Run(start, end uint32, params []unsafe.Pointer) {
	regs := make([]uint64, p.NumRegs)
	for lane := start; lane < end; lane++ {
		pc := 0
		for pc < len(p.Instrs) {
			instr := &p.Instrs[pc]
			switch instr.Op {
			case OpNop, OpLabel:
			case OpMovImm:
				regs[instr.Dst] = instr.Imm
			case OpMov:
				regs[instr.Dst] = regs[instr.Src[0]]
			case OpIndex:
				regs[instr.Dst] = uint64(lane)
			case OpLoadParam:
				regs[instr.Dst] = loadLane(instr.Type, params[instr.Slot], uint64(lane))
			case OpLoadParamScalar:
				regs[instr.Dst] = loadLane(instr.Type, params[instr.Slot], 0)
			case OpLoadParamVal:
				regs[instr.Dst] = uint64(uintptr(params[instr.Slot]))
			case OpStoreParam:
				storeLane(instr.Type, params[instr.Slot], uint64(lane), regs[instr.Src[0]])
			case OpSel:
				if regs[instr.Src[0]] != 0 {
					regs[instr.Dst] = regs[instr.Src[1]]
				} else {
					regs[instr.Dst] = regs[instr.Src[2]]
				}
			case OpCvt:
				regs[instr.Dst] = convert(instr.Type, instr.Type2, regs[instr.Src[0]])
			case OpGather:
				if regs[instr.Src[2]] != 0 {
					base := unsafe.Pointer(uintptr(regs[instr.Src[0]]))
					regs[instr.Dst] = loadLane(instr.Type, base, regs[instr.Src[1]])
				} else {
					regs[instr.Dst] = 0
				}
			case OpScatter:
				if regs[instr.Src[3]] != 0 {
					base := unsafe.Pointer(uintptr(regs[instr.Src[0]]))
					storeLane(instr.Type, base, regs[instr.Src[1]], regs[instr.Src[2]])
				}
			case OpScatterAdd:
				if regs[instr.Src[3]] != 0 {
					base := unsafe.Pointer(uintptr(regs[instr.Src[0]]))
					addr := unsafe.Add(base, uintptr(regs[instr.Src[1]])*uintptr(instr.Type.Size()))
					atomicAdd(instr.Type, addr, regs[instr.Src[2]])
				}
			case OpBrz:
				if regs[instr.Src[0]] == 0 {
					pc = int(instr.Target)
					continue
				}
			case OpBrnz:
				if regs[instr.Src[0]] != 0 {
					pc = int(instr.Target)
					continue
				}
			case OpJmp:
				pc = int(instr.Target)
				continue
			default:
				if result, ok := alu(instr.Op, instr.Type, regs[instr.Src[0]], regs[instr.Src[1]]); ok {
					regs[instr.Dst] = result
				} else {
					exceptions.Panicf("ir: %s: unhandled opcode %s", p.Name, instr.Op)
				}
			}
			pc++
		}
	}
}

func loadLane(t vartype.VarType, base unsafe.Pointer, idx uint64) uint64 {
	addr := unsafe.Add(base, uintptr(idx)*uintptr(t.Size()))
	switch t.Size() {
	case 1:
		return uint64(*(*uint8)(addr))
	case 2:
		return uint64(*(*uint16)(addr))
	case 4:
		return uint64(*(*uint32)(addr))
	case 8:
		return *(*uint64)(addr)
	}
	exceptions.Panicf("ir: load of type %s", t)
	return 0
}

func storeLane(t vartype.VarType, base unsafe.Pointer, idx, value uint64) {
	addr := unsafe.Add(base, uintptr(idx)*uintptr(t.Size()))
	switch t.Size() {
	case 1:
		*(*uint8)(addr) = uint8(value)
	case 2:
		*(*uint16)(addr) = uint16(value)
	case 4:
		*(*uint32)(addr) = uint32(value)
	case 8:
		*(*uint64)(addr) = value
	default:
		exceptions.Panicf("ir: store of type %s", t)
	}
}

func atomicAdd(t vartype.VarType, addr unsafe.Pointer, value uint64) {
	switch t {
	case vartype.Int32, vartype.UInt32:
		atomic.AddUint32((*uint32)(addr), uint32(value))
	case vartype.Int64, vartype.UInt64:
		atomic.AddUint64((*uint64)(addr), value)
	case vartype.Float32:
		target := (*uint32)(addr)
		delta := math.Float32frombits(uint32(value))
		for {
			old := atomic.LoadUint32(target)
			next := math.Float32bits(math.Float32frombits(old) + delta)
			if atomic.CompareAndSwapUint32(target, old, next) {
				return
			}
		}
	case vartype.Float64:
		target := (*uint64)(addr)
		delta := math.Float64frombits(value)
		for {
			old := atomic.LoadUint64(target)
			next := math.Float64bits(math.Float64frombits(old) + delta)
			if atomic.CompareAndSwapUint64(target, old, next) {
				return
			}
		}
	default:
		// Narrow types go through a CAS on the containing 32-bit word.
		off := uintptr(addr) & 3
		word := (*uint32)(unsafe.Pointer(uintptr(addr) &^ 3))
		shift := off * 8
		var mask uint32 = 0xFF
		if t.Size() == 2 {
			mask = 0xFFFF
		}
		mask <<= shift
		for {
			old := atomic.LoadUint32(word)
			lane := (old & mask) >> shift
			sum := (lane + uint32(value)) << shift & mask
			next := old&^mask | sum
			if atomic.CompareAndSwapUint32(word, old, next) {
				return
			}
		}
	}
}

// alu evaluates the two-operand arithmetic, bitwise and comparison
// operators. Returns ok=false for opcodes it does not handle.
func alu(op Opcode, t vartype.VarType, a, b uint64) (uint64, bool) {
	switch op {
	case OpAnd:
		return a & b, true
	case OpOr:
		return a | b, true
	case OpXor:
		return a ^ b, true
	case OpShl:
		return maskToType(t, a<<b), true
	case OpShr:
		if t.IsSigned() {
			return maskToType(t, uint64(signExtend(t, a)>>b)), true
		}
		return a >> b, true
	}

	if t.IsFloat() {
		fa, fb := asFloat(t, a), asFloat(t, b)
		switch op {
		case OpAdd:
			return fromFloat(t, fa+fb), true
		case OpSub:
			return fromFloat(t, fa-fb), true
		case OpMul:
			return fromFloat(t, fa*fb), true
		case OpDiv:
			return fromFloat(t, fa/fb), true
		case OpMin:
			return fromFloat(t, math.Min(fa, fb)), true
		case OpMax:
			return fromFloat(t, math.Max(fa, fb)), true
		case OpSetLt:
			return boolBit(fa < fb), true
		case OpSetLe:
			return boolBit(fa <= fb), true
		case OpSetGt:
			return boolBit(fa > fb), true
		case OpSetGe:
			return boolBit(fa >= fb), true
		case OpSetEq:
			return boolBit(fa == fb), true
		case OpSetNe:
			return boolBit(fa != fb), true
		}
		return 0, false
	}

	if t.IsSigned() {
		sa, sb := signExtend(t, a), signExtend(t, b)
		switch op {
		case OpAdd:
			return maskToType(t, uint64(sa+sb)), true
		case OpSub:
			return maskToType(t, uint64(sa-sb)), true
		case OpMul:
			return maskToType(t, uint64(sa*sb)), true
		case OpDiv:
			return maskToType(t, uint64(sa/sb)), true
		case OpMin:
			return maskToType(t, uint64(min(sa, sb))), true
		case OpMax:
			return maskToType(t, uint64(max(sa, sb))), true
		case OpSetLt:
			return boolBit(sa < sb), true
		case OpSetLe:
			return boolBit(sa <= sb), true
		case OpSetGt:
			return boolBit(sa > sb), true
		case OpSetGe:
			return boolBit(sa >= sb), true
		case OpSetEq:
			return boolBit(sa == sb), true
		case OpSetNe:
			return boolBit(sa != sb), true
		}
		return 0, false
	}

	switch op {
	case OpAdd:
		return maskToType(t, a+b), true
	case OpSub:
		return maskToType(t, a-b), true
	case OpMul:
		return maskToType(t, a*b), true
	case OpDiv:
		return a / b, true
	case OpMin:
		return min(a, b), true
	case OpMax:
		return max(a, b), true
	case OpSetLt:
		return boolBit(a < b), true
	case OpSetLe:
		return boolBit(a <= b), true
	case OpSetGt:
		return boolBit(a > b), true
	case OpSetGe:
		return boolBit(a >= b), true
	case OpSetEq:
		return boolBit(a == b), true
	case OpSetNe:
		return boolBit(a != b), true
	}
	return 0, false
}

func boolBit(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func maskToType(t vartype.VarType, v uint64) uint64 {
	switch t.Size() {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	}
	return v
}

func signExtend(t vartype.VarType, v uint64) int64 {
	switch t.Size() {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return int64(v)
}

func asFloat(t vartype.VarType, v uint64) float64 {
	switch t {
	case vartype.Float16:
		return float64(float16.Frombits(uint16(v)).Float32())
	case vartype.Float32:
		return float64(math.Float32frombits(uint32(v)))
	}
	return math.Float64frombits(v)
}

func fromFloat(t vartype.VarType, v float64) uint64 {
	switch t {
	case vartype.Float16:
		return uint64(float16.Fromfloat32(float32(v)).Bits())
	case vartype.Float32:
		return uint64(math.Float32bits(float32(v)))
	}
	return math.Float64bits(v)
}

// convert implements cvt.<dst>.<src>. Integer-to-integer conversions are
// exact (truncate / extend); everything else goes through float64.
func convert(dst, src vartype.VarType, v uint64) uint64 {
	if !dst.IsFloat() && !src.IsFloat() {
		if src.IsSigned() {
			return maskToType(dst, uint64(signExtend(src, v)))
		}
		return maskToType(dst, v)
	}
	return dst.ToBits(src.FromBits(v))
}
