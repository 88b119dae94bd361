package ir

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addKernel = `
.entry gojit_00000000000000000000000000000000 backend=cpu regs=6 params=5
    %r1 = load_param.u32 [3]
    %r2 = mov.u32 #0x7
    %r3 = add.u32 %r1, %r2
    store_param.u32 [4], %r3
.end
`

func TestParseAdd(t *testing.T) {
	prog, err := Parse([]byte(addKernel))
	require.NoError(t, err)
	assert.Equal(t, "gojit_00000000000000000000000000000000", prog.Name)
	assert.Equal(t, "cpu", prog.Backend)
	assert.Equal(t, 4, len(prog.Instrs))
	assert.Equal(t, uint32(1), prog.Instrs[0].Dst)
	assert.Equal(t, 5, prog.NumParams)
}

func TestRunAdd(t *testing.T) {
	prog, err := Parse([]byte(addKernel))
	require.NoError(t, err)

	in := make([]uint32, 16)
	out := make([]uint32, 16)
	for i := range in {
		in[i] = uint32(i)
	}
	params := make([]unsafe.Pointer, 5)
	params[3] = unsafe.Pointer(&in[0])
	params[4] = unsafe.Pointer(&out[0])

	prog.Run(0, 16, params)
	for i := range out {
		assert.Equal(t, uint32(i)+7, out[i])
	}
}

const loopKernel = `
.entry gojit_00000000000000000000000000000000 backend=cpu regs=8 params=5
    %r1 = index.u32
    %r2 = mov.u32 #0x0
    L1_top:
    %r3 = mov.u32 #0x5
    %r4 = setlt.u32 %r1, %r3
    brz %r4, L1_done
    %r2 = add.u32 %r2, %r1
    %r5 = mov.u32 #0x1
    %r1 = add.u32 %r1, %r5
    jmp L1_top
    L1_done:
    store_param.u32 [3], %r2
.end
`

func TestRunLoop(t *testing.T) {
	prog, err := Parse([]byte(loopKernel))
	require.NoError(t, err)

	out := make([]uint32, 8)
	params := make([]unsafe.Pointer, 4)
	params[3] = unsafe.Pointer(&out[0])
	prog.Run(0, 8, params)

	// Lane i sums i..4; inactive lanes (i >= 5) stay 0.
	expected := []uint32{10, 10, 9, 7, 4, 0, 0, 0}
	assert.Equal(t, expected, out)
}

func TestRunFloatSelectCvt(t *testing.T) {
	const kernel = `
.entry gojit_00000000000000000000000000000000 backend=cpu regs=9 params=5
    %r1 = index.u32
    %r2 = cvt.f32.u32 %r1
    %r3 = mov.u32 #0x2
    %r4 = setlt.u32 %r1, %r3
    %r5 = mov.f32 #0x3f800000
    %r6 = sel.f32 %r4, %r2, %r5
    store_param.f32 [3], %r6
.end
`
	prog, err := Parse([]byte(kernel))
	require.NoError(t, err)

	out := make([]float32, 4)
	params := make([]unsafe.Pointer, 4)
	params[3] = unsafe.Pointer(&out[0])
	prog.Run(0, 4, params)
	assert.Equal(t, []float32{0, 1, 1, 1}, out)
}

func TestScatterAddAtomic(t *testing.T) {
	prog, err := Parse([]byte(`
.entry k backend=cpu regs=8 params=5
    %r1 = index.u32
    %r2 = load_param_val.ptr [3]
    %r3 = mov.u32 #0x0
    %r4 = mov.u32 #0x1
    %r5 = mov.bool #0x1
    scatter_add.u32 %r2, %r3, %r4, %r5
.end
`))
	require.NoError(t, err)

	var target uint32
	params := make([]unsafe.Pointer, 4)
	params[3] = unsafe.Pointer(&target)

	done := make(chan struct{}, 4)
	for w := 0; w < 4; w++ {
		go func(w int) {
			prog.Run(uint32(w)*256, uint32(w+1)*256, params)
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	assert.Equal(t, uint32(1024), target)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(".entry k backend=cpu\n    %r1 = bogus.u32 %r2\n.end\n"))
	assert.Error(t, err)
	_, err = Parse([]byte(".entry k backend=cpu\n    jmp nowhere\n.end\n"))
	assert.Error(t, err)
	_, err = Parse([]byte(".entry k backend=cpu\n    %r1 = mov.q99 #0x0\n.end\n"))
	assert.Error(t, err)
}
