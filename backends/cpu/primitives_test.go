package cpu

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/types/vartype"
)

func newTestState(t *testing.T) *ThreadState {
	t.Helper()
	b := New("").(*Backend)
	ts := b.ThreadState(0).(*ThreadState)
	t.Cleanup(func() { ts.Release() })
	return ts
}

func u32Ptr(s []uint32) unsafe.Pointer { return unsafe.Pointer(&s[0]) }

func TestReduceLaws(t *testing.T) {
	ts := newTestState(t)

	// Sizes straddling the block size exercise the recursive path.
	for _, size := range []uint32{1, 7, 1024, 2048, BlockSize + 3} {
		in := make([]uint32, size)
		var sum, minV, maxV uint32
		minV = ^uint32(0)
		for i := range in {
			in[i] = uint32(rand.Intn(1000)) + 1
			sum += in[i]
			minV = min(minV, in[i])
			maxV = max(maxV, in[i])
		}

		var out uint32
		ts.Reduce(vartype.UInt32, backends.ReduceAdd, u32Ptr(in), size, unsafe.Pointer(&out))
		ts.Sync()
		assert.Equal(t, sum, out, "sum size=%d", size)

		ts.Reduce(vartype.UInt32, backends.ReduceMin, u32Ptr(in), size, unsafe.Pointer(&out))
		ts.Sync()
		assert.Equal(t, minV, out, "min size=%d", size)

		ts.Reduce(vartype.UInt32, backends.ReduceMax, u32Ptr(in), size, unsafe.Pointer(&out))
		ts.Sync()
		assert.Equal(t, maxV, out, "max size=%d", size)
	}
}

func TestReduceArangeScenarios(t *testing.T) {
	ts := newTestState(t)
	for _, tc := range []struct {
		size     uint32
		expected uint32
	}{{1024, 523776}, {2048, 2096128}} {
		in := make([]uint32, tc.size)
		for i := range in {
			in[i] = uint32(i)
		}
		var out uint32
		ts.Reduce(vartype.UInt32, backends.ReduceAdd, u32Ptr(in), tc.size, unsafe.Pointer(&out))
		ts.Sync()
		assert.Equal(t, tc.expected, out)
	}
}

func TestReduceBitwiseAndFloat(t *testing.T) {
	ts := newTestState(t)

	bits := []uint32{0xFF00FF00, 0xF0F0F0F0, 0xFFFF0000}
	var out uint32
	ts.Reduce(vartype.UInt32, backends.ReduceAnd, u32Ptr(bits), 3, unsafe.Pointer(&out))
	ts.Sync()
	assert.Equal(t, uint32(0xF0000000), out)
	ts.Reduce(vartype.UInt32, backends.ReduceOr, u32Ptr(bits), 3, unsafe.Pointer(&out))
	ts.Sync()
	assert.Equal(t, uint32(0xFFFFFFF0), out)

	floats := []float32{1.5, -2, 4, 0.25}
	var fout float32
	ts.Reduce(vartype.Float32, backends.ReduceMul, unsafe.Pointer(&floats[0]), 4, unsafe.Pointer(&fout))
	ts.Sync()
	assert.InDelta(t, -3.0, float64(fout), 1e-6)
}

func TestAllAnyPadding(t *testing.T) {
	ts := newTestState(t)

	// Odd size forces trailing filler writes; they must not change the
	// result.
	for _, size := range []uint32{1, 3, 5, 7, 1023} {
		values := make([]byte, size+4)
		for i := uint32(0); i < size; i++ {
			values[i] = 1
		}
		assert.True(t, ts.All(unsafe.Pointer(&values[0]), size), "all ones size=%d", size)
		assert.True(t, ts.Any(unsafe.Pointer(&values[0]), size), "any ones size=%d", size)

		values[size-1] = 0
		assert.False(t, ts.All(unsafe.Pointer(&values[0]), size), "all with zero size=%d", size)
		if size == 1 {
			assert.False(t, ts.Any(unsafe.Pointer(&values[0]), size))
		} else {
			assert.True(t, ts.Any(unsafe.Pointer(&values[0]), size))
		}

		for i := uint32(0); i < size; i++ {
			values[i] = 0
		}
		assert.False(t, ts.Any(unsafe.Pointer(&values[0]), size), "any zeros size=%d", size)
	}
}

func TestPrefixSum(t *testing.T) {
	ts := newTestState(t)

	ones := []uint32{1, 1, 1, 1, 1, 1, 1, 1}
	out := make([]uint32, 8)
	ts.PrefixSum(vartype.UInt32, true, u32Ptr(ones), 8, u32Ptr(out))
	ts.Sync()
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, out)

	ts.PrefixSum(vartype.UInt32, false, u32Ptr(ones), 8, u32Ptr(out))
	ts.Sync()
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8}, out)

	// In-place form agrees.
	inPlace := append([]uint32(nil), ones...)
	ts.PrefixSum(vartype.UInt32, false, u32Ptr(inPlace), 8, u32Ptr(inPlace))
	ts.Sync()
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8}, inPlace)
}

func TestPrefixSumLarge(t *testing.T) {
	ts := newTestState(t)

	size := uint32(BlockSize*3 + 17)
	in := make([]uint32, size)
	expectedInc := make([]uint32, size)
	expectedExc := make([]uint32, size)
	var accum uint32
	for i := range in {
		in[i] = uint32(rand.Intn(7))
		expectedExc[i] = accum
		accum += in[i]
		expectedInc[i] = accum
	}

	out := make([]uint32, size)
	ts.PrefixSum(vartype.UInt32, false, u32Ptr(in), size, u32Ptr(out))
	ts.Sync()
	assert.Equal(t, expectedInc, out)

	ts.PrefixSum(vartype.UInt32, true, u32Ptr(in), size, u32Ptr(out))
	ts.Sync()
	assert.Equal(t, expectedExc, out)
}

func TestCompress(t *testing.T) {
	ts := newTestState(t)

	for _, size := range []uint32{1, 9, 1024, BlockSize*2 + 5} {
		in := make([]byte, size)
		var expected []uint32
		for i := range in {
			if rand.Intn(3) == 0 {
				in[i] = 1
				expected = append(expected, uint32(i))
			}
		}
		out := make([]uint32, size)
		count := ts.Compress(unsafe.Pointer(&in[0]), size, u32Ptr(out))
		require.Equal(t, uint32(len(expected)), count, "size=%d", size)
		assert.Equal(t, expected, append([]uint32(nil), out[:count]...))
	}
}

func TestMkperm(t *testing.T) {
	ts := newTestState(t)

	size := uint32(BlockSize + 100)
	bucketCount := uint32(7)
	in := make([]uint32, size)
	counts := make([]uint32, bucketCount)
	for i := range in {
		in[i] = uint32(rand.Intn(int(bucketCount)))
		counts[in[i]]++
	}

	perm := make([]uint32, size)
	offsets := make([]uint32, 4*bucketCount+1)
	unique := ts.Mkperm(u32Ptr(in), size, bucketCount, u32Ptr(perm), u32Ptr(offsets))
	ts.Sync()

	var expectedUnique uint32
	for _, c := range counts {
		if c > 0 {
			expectedUnique++
		}
	}
	require.Equal(t, expectedUnique, unique)

	// perm is a permutation of 0..size ordered by bucket; the CPU variant
	// is stable.
	seen := make([]bool, size)
	for k := uint32(0); k+1 < size; k++ {
		assert.False(t, seen[perm[k]])
		seen[perm[k]] = true
		assert.LessOrEqual(t, in[perm[k]], in[perm[k+1]])
		if in[perm[k]] == in[perm[k+1]] {
			assert.Less(t, perm[k], perm[k+1], "stability at %d", k)
		}
	}

	// Offsets cover every non-empty bucket with its start and size.
	var cursor uint32
	for u := uint32(0); u < unique; u++ {
		bucket := offsets[u*4]
		start := offsets[u*4+1]
		length := offsets[u*4+2]
		assert.Equal(t, cursor, start)
		assert.Equal(t, counts[bucket], length)
		cursor += length
	}
	assert.Equal(t, size, cursor)
}

func TestMkpermZeroBuckets(t *testing.T) {
	ts := newTestState(t)
	in := []uint32{0}
	assert.Panics(t, func() {
		ts.Mkperm(u32Ptr(in), 1, 0, u32Ptr(in), nil)
	})
}

func TestBlockCopySum(t *testing.T) {
	ts := newTestState(t)

	in := []uint32{1, 2, 3}
	out := make([]uint32, 12)
	ts.BlockCopy(vartype.UInt32, u32Ptr(in), u32Ptr(out), 3, 4)
	ts.Sync()
	assert.Equal(t, []uint32{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}, out)

	sums := make([]uint32, 3)
	ts.BlockSum(vartype.UInt32, u32Ptr(out), u32Ptr(sums), 3, 4)
	ts.Sync()
	assert.Equal(t, []uint32{4, 8, 12}, sums)

	// block_size == 1 degenerates to a copy.
	clone := make([]uint32, 3)
	ts.BlockCopy(vartype.UInt32, u32Ptr(in), u32Ptr(clone), 3, 1)
	ts.Sync()
	assert.Equal(t, in, clone)
}

func TestMemsetAsync(t *testing.T) {
	ts := newTestState(t)

	buf := make([]uint32, 16)
	pattern := uint32(0xDEADBEEF)
	ts.MemsetAsync(u32Ptr(buf), 16, 4, unsafe.Pointer(&pattern))
	ts.Sync()
	for _, v := range buf {
		assert.Equal(t, pattern, v)
	}

	// Zero patterns normalize to byte fills.
	zero := uint64(0)
	wide := make([]uint64, 8)
	ts.MemsetAsync(unsafe.Pointer(&wide[0]), 8, 8, unsafe.Pointer(&zero))
	ts.Sync()
	for _, v := range wide {
		assert.Equal(t, uint64(0), v)
	}

	assert.Panics(t, func() {
		ts.MemsetAsync(u32Ptr(buf), 4, 3, unsafe.Pointer(&pattern))
	})
}

func TestPokeAggregateMemcpy(t *testing.T) {
	ts := newTestState(t)

	var target uint64
	value := uint32(42)
	ts.Poke(unsafe.Pointer(&target), unsafe.Pointer(&value), 4)
	ts.Sync()
	assert.Equal(t, uint64(42), target)

	src := uint16(0xBEEF)
	dst := make([]byte, 16)
	entries := []backends.AggregationEntry{
		{Offset: 0, Size: 1, Src: unsafe.Pointer(uintptr(0x41))},
		{Offset: 4, Size: -2, Src: unsafe.Pointer(&src)},
	}
	ts.Aggregate(unsafe.Pointer(&dst[0]), entries)
	ts.Sync()
	assert.Equal(t, byte(0x41), dst[0])
	assert.Equal(t, byte(0xEF), dst[4])
	assert.Equal(t, byte(0xBE), dst[5])

	from := []uint32{9, 8, 7}
	to := make([]uint32, 3)
	ts.MemcpyAsync(u32Ptr(to), u32Ptr(from), 12)
	ts.Sync()
	assert.Equal(t, from, to)
}

func TestReduceExpanded(t *testing.T) {
	ts := newTestState(t)

	size, expand := uint32(100), uint32(3)
	buf := make([]uint32, size*expand)
	for i := range buf {
		buf[i] = uint32(i)
	}
	expected := make([]uint32, size)
	for i := uint32(0); i < size; i++ {
		expected[i] = buf[i] + buf[i+size] + buf[i+2*size]
	}

	ts.ReduceExpanded(vartype.UInt32, backends.ReduceAdd, u32Ptr(buf), expand, size)
	ts.Sync()
	assert.Equal(t, expected, append([]uint32(nil), buf[:size]...))
}

func TestEnqueueHostFuncOrdering(t *testing.T) {
	ts := newTestState(t)

	buf := make([]uint32, 4)
	pattern := uint32(5)
	ts.MemsetAsync(u32Ptr(buf), 4, 4, unsafe.Pointer(&pattern))

	done := make(chan uint32, 1)
	ts.EnqueueHostFunc(func() { done <- buf[3] })
	assert.Equal(t, uint32(5), <-done)
}
