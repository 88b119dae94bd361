package cuda_test

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/backends/cuda"
	"github.com/gojit/gojit/backends/cuda/cusim"
	"github.com/gojit/gojit/types/vartype"
)

func newSimState(t *testing.T, configure ...func(*cusim.Driver)) *cuda.ThreadState {
	t.Helper()
	drv := cusim.New()
	for _, fn := range configure {
		fn(drv)
	}
	b := cuda.NewWithDriver(drv)
	ts := b.ThreadState(0).(*cuda.ThreadState)
	t.Cleanup(func() {
		ts.Release()
		b.Finalize()
	})
	return ts
}

func u32Ptr(s []uint32) unsafe.Pointer { return unsafe.Pointer(&s[0]) }

func TestLaunchConfig(t *testing.T) {
	device := &cuda.Device{SMCount: 16}

	// Tiny workloads get a single partial block.
	blocks, threads := device.LaunchConfig(100, 1024, 4)
	assert.Equal(t, uint32(1), blocks)
	assert.Equal(t, uint32(100), threads)

	// Medium workloads stay below one block per SM.
	blocks, threads = device.LaunchConfig(8*1024, 1024, 4)
	assert.Equal(t, uint32(8), blocks)
	assert.Equal(t, uint32(1024), threads)

	// Large workloads cap at maxBlocksPerSM blocks per SM.
	blocks, _ = device.LaunchConfig(1<<22, 1024, 4)
	assert.Equal(t, uint32(4*16), blocks)

	blocks, _ = device.LaunchConfig(1<<22, 1024, 1)
	assert.Equal(t, uint32(16), blocks)
}

func TestReduceSmallAndLarge(t *testing.T) {
	ts := newSimState(t)

	// 1024 is the single-block ceiling; 2048 takes the two-pass path.
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
		assert.Equal(t, tc.expected, out, "size=%d", tc.size)
	}
}

func TestReduceMissingKernel(t *testing.T) {
	ts := newSimState(t)
	in := []uint32{1}
	var out uint32
	// No reduction kernels exist for pointer lanes.
	assert.Panics(t, func() {
		ts.Reduce(vartype.Pointer, backends.ReduceAdd, u32Ptr(in), 1, unsafe.Pointer(&out))
	})
}

func TestAllAny(t *testing.T) {
	ts := newSimState(t)

	for _, size := range []uint32{1, 5, 4097} {
		values := make([]byte, size+4)
		for i := uint32(0); i < size; i++ {
			values[i] = 1
		}
		assert.True(t, ts.All(unsafe.Pointer(&values[0]), size))
		values[size/2] = 0
		assert.False(t, ts.All(unsafe.Pointer(&values[0]), size))
		assert.True(t, ts.Any(unsafe.Pointer(&values[0]), size) == (size > 1))
	}
}

func TestPrefixSumPaths(t *testing.T) {
	ts := newSimState(t)

	// 1 (memset/copy path), small single-block path, and the scratch-based
	// multi-block path past 4096 lanes.
	for _, size := range []uint32{1, 33, 4096, 4097, 10000} {
		in := make([]uint32, size)
		expectedInc := make([]uint32, size)
		expectedExc := make([]uint32, size)
		var accum uint32
		for i := range in {
			in[i] = uint32(rand.Intn(9))
			expectedExc[i] = accum
			accum += in[i]
			expectedInc[i] = accum
		}

		out := make([]uint32, size)
		ts.PrefixSum(vartype.UInt32, false, u32Ptr(in), size, u32Ptr(out))
		ts.Sync()
		assert.Equal(t, expectedInc, out, "inclusive size=%d", size)

		ts.PrefixSum(vartype.UInt32, true, u32Ptr(in), size, u32Ptr(out))
		ts.Sync()
		assert.Equal(t, expectedExc, out, "exclusive size=%d", size)
	}
}

func TestPrefixSumInt32Normalizes(t *testing.T) {
	ts := newSimState(t)
	in := []uint32{1, 2, 3, 4}
	out := make([]uint32, 4)
	ts.PrefixSum(vartype.Int32, false, u32Ptr(in), 4, u32Ptr(out))
	ts.Sync()
	assert.Equal(t, []uint32{1, 3, 6, 10}, out)
}

func TestCompressPaths(t *testing.T) {
	ts := newSimState(t)

	for _, size := range []uint32{1, 100, 4096, 5000} {
		// Room for the multi-block trailer fill past the logical end.
		in := make([]byte, (size/2048+2)*2048)
		var expected []uint32
		for i := uint32(0); i < size; i++ {
			if rand.Intn(4) == 0 {
				in[i] = 1
				expected = append(expected, i)
			}
		}
		out := make([]uint32, size)
		count := ts.Compress(unsafe.Pointer(&in[0]), size, u32Ptr(out))
		require.Equal(t, uint32(len(expected)), count, "size=%d", size)
		assert.Equal(t, expected, append([]uint32(nil), out[:count]...))
	}
}

func checkPermutation(t *testing.T, in, perm []uint32, stable bool) {
	t.Helper()
	seen := make([]bool, len(perm))
	for k := 0; k+1 < len(perm); k++ {
		require.False(t, seen[perm[k]])
		seen[perm[k]] = true
		assert.LessOrEqual(t, in[perm[k]], in[perm[k+1]])
		if stable && in[perm[k]] == in[perm[k+1]] {
			assert.Less(t, perm[k], perm[k+1], "stability at %d", k)
		}
	}
}

func runMkperm(t *testing.T, ts *cuda.ThreadState, size, bucketCount uint32, stable bool) {
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
	checkPermutation(t, in, perm, stable)

	var cursor uint32
	for u := uint32(0); u < unique; u++ {
		assert.Equal(t, counts[offsets[u*4]], offsets[u*4+2])
		assert.Equal(t, cursor, offsets[u*4+1])
		cursor += offsets[u*4+2]
	}
	assert.Equal(t, size, cursor)
}

func TestMkpermTiny(t *testing.T) {
	// Default shared memory fits per-warp counters: the stable variant.
	ts := newSimState(t)
	runMkperm(t, ts, 10000, 13, true)
}

func TestMkpermSmall(t *testing.T) {
	// Room for one counter set but not per-warp ones.
	ts := newSimState(t, func(d *cusim.Driver) { d.SharedMemoryBytes = 64 * 4 })
	runMkperm(t, ts, 10000, 64, false)
}

func TestMkpermLarge(t *testing.T) {
	// No shared memory at all: global atomics with explicit bucket init.
	ts := newSimState(t, func(d *cusim.Driver) { d.SharedMemoryBytes = 4 })
	runMkperm(t, ts, 10000, 64, false)
}

func TestMkpermWithoutOffsets(t *testing.T) {
	ts := newSimState(t)
	in := []uint32{2, 0, 1, 0}
	perm := make([]uint32, 4)
	unique := ts.Mkperm(u32Ptr(in), 4, 3, u32Ptr(perm), nil)
	ts.Sync()
	assert.Equal(t, uint32(0), unique)
	assert.Equal(t, []uint32{1, 3, 2, 0}, perm)
}

func TestMemsetWidths(t *testing.T) {
	ts := newSimState(t)

	buf16 := make([]uint16, 8)
	pattern16 := uint16(0xABCD)
	ts.MemsetAsync(unsafe.Pointer(&buf16[0]), 8, 2, unsafe.Pointer(&pattern16))
	ts.Sync()
	for _, v := range buf16 {
		assert.Equal(t, pattern16, v)
	}

	// The 8-byte width goes through the fill_64 kernel.
	buf64 := make([]uint64, 6)
	pattern64 := uint64(0x0123456789ABCDEF)
	ts.MemsetAsync(unsafe.Pointer(&buf64[0]), 6, 8, unsafe.Pointer(&pattern64))
	ts.Sync()
	for _, v := range buf64 {
		assert.Equal(t, pattern64, v)
	}
}

func TestBlockCopySum(t *testing.T) {
	ts := newSimState(t)

	in := []uint32{5, 6}
	out := make([]uint32, 6)
	ts.BlockCopy(vartype.UInt32, u32Ptr(in), u32Ptr(out), 2, 3)
	ts.Sync()
	assert.Equal(t, []uint32{5, 5, 5, 6, 6, 6}, out)

	sums := make([]uint32, 2)
	ts.BlockSum(vartype.UInt32, u32Ptr(out), u32Ptr(sums), 2, 3)
	ts.Sync()
	assert.Equal(t, []uint32{15, 18}, sums)
}

func TestPokeAndAggregate(t *testing.T) {
	ts := newSimState(t)

	var target uint32
	value := uint32(7)
	ts.Poke(unsafe.Pointer(&target), unsafe.Pointer(&value), 4)
	ts.Sync()
	assert.Equal(t, uint32(7), target)

	dst := make([]byte, 8)
	src := uint32(0x11223344)
	ts.Aggregate(unsafe.Pointer(&dst[0]), []backends.AggregationEntry{
		{Offset: 0, Size: -4, Src: unsafe.Pointer(&src)},
		{Offset: 4, Size: 2, Src: unsafe.Pointer(uintptr(0x5566))},
	})
	ts.Sync()
	assert.Equal(t, byte(0x44), dst[0])
	assert.Equal(t, byte(0x66), dst[4])
}

func TestKernelHistoryEvents(t *testing.T) {
	ts := newSimState(t)
	backends.History.Steal()
	backends.SetFlag(backends.KernelHistory, true)
	defer backends.SetFlag(backends.KernelHistory, false)

	in := make([]uint32, 64)
	var out uint32
	ts.Reduce(vartype.UInt32, backends.ReduceAdd, u32Ptr(in), 64, unsafe.Pointer(&out))
	ts.Sync()

	entries := backends.History.Steal()
	require.NotEmpty(t, entries)
	entry := entries[0]
	assert.Equal(t, backends.CUDA, entry.Backend)
	assert.Equal(t, backends.KernelReduce, entry.Type)
	assert.NotZero(t, entry.EventStart)
	assert.NotZero(t, entry.EventEnd)
}
