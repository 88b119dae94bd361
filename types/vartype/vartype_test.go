package vartype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizes(t *testing.T) {
	assert.Equal(t, uint32(0), Void.Size())
	assert.Equal(t, uint32(1), Bool.Size())
	assert.Equal(t, uint32(2), Float16.Size())
	assert.Equal(t, uint32(4), UInt32.Size())
	assert.Equal(t, uint32(8), Float64.Size())
	assert.Equal(t, uint32(8), Pointer.Size())
}

func TestParseRoundTrip(t *testing.T) {
	for typ := Void; typ < Count; typ++ {
		parsed, ok := Parse(typ.String())
		assert.True(t, ok)
		assert.Equal(t, typ, parsed)
	}
	_, ok := Parse("q17")
	assert.False(t, ok)
}

func TestUnsigned(t *testing.T) {
	assert.Equal(t, UInt32, Int32.Unsigned())
	assert.Equal(t, UInt8, Int8.Unsigned())
	assert.Equal(t, Float32, Float32.Unsigned())
}

func TestBitsRoundTrip(t *testing.T) {
	cases := []struct {
		t     VarType
		value float64
	}{
		{UInt32, 12345},
		{Int32, -17},
		{Int8, -128},
		{Float32, 1.5},
		{Float64, -2.25},
		{Float16, 0.5},
		{Bool, 1},
	}
	for _, tc := range cases {
		bits := tc.t.ToBits(tc.value)
		assert.Equal(t, tc.value, tc.t.FromBits(bits), "%s %v", tc.t, tc.value)
	}
}
