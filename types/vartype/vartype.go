// Package vartype defines the lane types understood by the JIT runtime and
// its kernels.
package vartype

import (
	"math"

	"github.com/x448/float16"
)

// VarType identifies the element type of a variable or of a device buffer.
type VarType uint8

const (
	Void VarType = iota
	Bool
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float16
	Float32
	Float64
	Pointer

	Count
)

// typeSizes[t] is the width of one lane of type t in bytes.
var typeSizes = [Count]uint32{
	Void: 0, Bool: 1,
	Int8: 1, UInt8: 1,
	Int16: 2, UInt16: 2,
	Int32: 4, UInt32: 4,
	Int64: 8, UInt64: 8,
	Float16: 2, Float32: 4, Float64: 8,
	Pointer: 8,
}

var typeNames = [Count]string{
	Void: "void", Bool: "bool",
	Int8: "i8", UInt8: "u8",
	Int16: "i16", UInt16: "u16",
	Int32: "i32", UInt32: "u32",
	Int64: "i64", UInt64: "u64",
	Float16: "f16", Float32: "f32", Float64: "f64",
	Pointer: "ptr",
}

// Size returns the width of one lane in bytes (0 for Void).
func (t VarType) Size() uint32 {
	if t >= Count {
		return 0
	}
	return typeSizes[t]
}

// String returns the short lane-type name used in IR text ("u32", "f64", ...).
func (t VarType) String() string {
	if t >= Count {
		return "invalid"
	}
	return typeNames[t]
}

// Parse maps an IR type suffix back to a VarType. Returns Void, false when
// the name is unknown.
func Parse(name string) (VarType, bool) {
	for t := Void; t < Count; t++ {
		if typeNames[t] == name {
			return t, true
		}
	}
	return Void, false
}

// IsFloat reports whether t is one of the floating-point lane types.
func (t VarType) IsFloat() bool {
	return t == Float16 || t == Float32 || t == Float64
}

// IsSigned reports whether t is a signed integer lane type.
func (t VarType) IsSigned() bool {
	switch t {
	case Int8, Int16, Int32, Int64:
		return true
	}
	return false
}

// IsUnsigned reports whether t is an unsigned integer (or Bool/Pointer) lane type.
func (t VarType) IsUnsigned() bool {
	switch t {
	case Bool, UInt8, UInt16, UInt32, UInt64, Pointer:
		return true
	}
	return false
}

// Unsigned maps signed integer types to their unsigned counterpart and
// leaves every other type alone. Used by primitives that operate bitwise.
func (t VarType) Unsigned() VarType {
	switch t {
	case Int8:
		return UInt8
	case Int16:
		return UInt16
	case Int32:
		return UInt32
	case Int64:
		return UInt64
	}
	return t
}

// FromBits decodes a raw lane bit pattern into a float64 for printing and
// host-side reductions. Integers convert exactly up to 2^53.
func (t VarType) FromBits(bits uint64) float64 {
	switch t {
	case Bool, UInt8, UInt16, UInt32, UInt64, Pointer:
		return float64(bits)
	case Int8:
		return float64(int8(bits))
	case Int16:
		return float64(int16(bits))
	case Int32:
		return float64(int32(bits))
	case Int64:
		return float64(int64(bits))
	case Float16:
		return float64(float16.Frombits(uint16(bits)).Float32())
	case Float32:
		return float64(math.Float32frombits(uint32(bits)))
	case Float64:
		return math.Float64frombits(bits)
	}
	return 0
}

// ToBits encodes a float64 into the raw lane bit pattern of type t.
func (t VarType) ToBits(value float64) uint64 {
	switch t {
	case Bool:
		if value != 0 {
			return 1
		}
		return 0
	case UInt8:
		return uint64(uint8(value))
	case UInt16:
		return uint64(uint16(value))
	case UInt32:
		return uint64(uint32(value))
	case UInt64, Pointer:
		return uint64(value)
	case Int8:
		return uint64(uint8(int8(value)))
	case Int16:
		return uint64(uint16(int16(value)))
	case Int32:
		return uint64(uint32(int32(value)))
	case Int64:
		return uint64(int64(value))
	case Float16:
		return uint64(float16.Fromfloat32(float32(value)).Bits())
	case Float32:
		return uint64(math.Float32bits(float32(value)))
	case Float64:
		return math.Float64bits(value)
	}
	return 0
}
