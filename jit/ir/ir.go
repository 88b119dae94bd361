// Package ir defines the portable kernel IR the assembler emits and both
// backends consume: a typed, register-based text format with parameter
// loads/stores, gather/scatter, and structured branches for recorded loops.
//
// The text form is what gets hashed, cached and (on the CUDA backend)
// handed to the driver's JIT pipeline; Parse turns it into an executable
// Program for the CPU backend and for in-process drivers.
package ir

import (
	"github.com/gojit/gojit/types/vartype"
)

// Opcode enumerates IR instructions.
type Opcode uint8

const (
	OpNop Opcode = iota
	// OpLabel marks a branch target; executes as a no-op.
	OpLabel
	// OpMovImm loads an immediate bit pattern.
	OpMovImm
	// OpMov copies a register.
	OpMov
	// OpIndex yields the lane index.
	OpIndex
	// OpLoadParam loads the lane element of the buffer in a parameter slot.
	OpLoadParam
	// OpLoadParamScalar loads element 0 of the buffer in a parameter slot
	// (used for size-1 inputs broadcast over the group).
	OpLoadParamScalar
	// OpLoadParamVal yields the parameter slot value itself (pointer
	// literals travel as parameter values).
	OpLoadParamVal
	// OpStoreParam stores a register to the lane element of an output slot.
	OpStoreParam

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr

	OpSetLt
	OpSetLe
	OpSetGt
	OpSetGe
	OpSetEq
	OpSetNe

	// OpSel yields src2 when the condition src1 is nonzero, else src3.
	OpSel
	// OpCvt converts from Type2 to Type.
	OpCvt

	// OpGather loads element src1[src2] under mask src3.
	OpGather
	// OpScatter stores src3 to src1[src2] under mask src4.
	OpScatter
	// OpScatterAdd atomically adds src3 to src1[src2] under mask src4.
	OpScatterAdd

	// OpBrz branches to Target when the source register is zero.
	OpBrz
	// OpBrnz branches to Target when the source register is nonzero.
	OpBrnz
	// OpJmp branches unconditionally.
	OpJmp
)

var opNames = map[Opcode]string{
	OpNop: "nop", OpLabel: "label",
	OpMovImm: "mov", OpMov: "mov", OpIndex: "index",
	OpLoadParam: "load_param", OpLoadParamScalar: "load_param_scalar",
	OpLoadParamVal: "load_param_val", OpStoreParam: "store_param",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpMin: "min", OpMax: "max", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpShr: "shr",
	OpSetLt: "setlt", OpSetLe: "setle", OpSetGt: "setgt", OpSetGe: "setge",
	OpSetEq: "seteq", OpSetNe: "setne",
	OpSel: "sel", OpCvt: "cvt",
	OpGather: "gather", OpScatter: "scatter", OpScatterAdd: "scatter_add",
	OpBrz: "brz", OpBrnz: "brnz", OpJmp: "jmp",
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "invalid"
}

// Instr is one decoded IR instruction.
type Instr struct {
	Op    Opcode
	Type  vartype.VarType
	Type2 vartype.VarType // OpCvt source type
	Dst   uint32
	Src   [4]uint32
	Imm   uint64
	Slot  int32 // parameter slot for load/store_param
	// Target is the resolved branch destination (instruction index).
	Target int32
}

// Program is a parsed, executable kernel.
type Program struct {
	// Name is the kernel entry-point name (hash already patched in).
	Name string
	// Backend is the backend tag the kernel was assembled for.
	Backend string
	// NumRegs is one past the highest register index used.
	NumRegs uint32
	// NumParams is the number of parameter slots referenced.
	NumParams int

	Instrs []Instr
}
