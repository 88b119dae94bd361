package cuda

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
	"github.com/gojit/gojit/types/vartype"
)

// transpose runs the 16x16-tile matrix transpose kernel over a rows x cols
// uint32 matrix.
func (ts *ThreadState) transpose(in, out unsafe.Pointer, rows, cols uint32) {
	drv := ts.backend.drv
	ts.setContext()

	blocksX := (cols + 15) / 16
	blocksY := (rows + 15) / 16

	klog.V(2).Infof("cuda.transpose(%#x -> %#x, rows=%d, cols=%d, blocks=%dx%d)",
		uintptr(in), uintptr(out), rows, cols, blocksX, blocksY)

	fn := ts.require(ts.kernels.transpose, "transpose")
	args := []unsafe.Pointer{unsafe.Pointer(&in), unsafe.Pointer(&out),
		unsafe.Pointer(&rows), unsafe.Pointer(&cols)}

	check(drv, drv.LaunchKernel(fn, blocksX, blocksY, 1, 16, 16, 1,
		16*17*4, ts.stream, args, nil), "cuLaunchKernel")
}

// Mkperm implements backends.ThreadState. Three kernel variants trade
// shared-memory footprint against permutation stability:
//
//   - tiny: per-warp shared counters, stable;
//   - small: one shared counter set per block, semi-stable;
//   - large: global-memory atomics, semi-stable, explicit bucket init.
//
// Four phases: per-block counting, exclusive prefix sum over the
// (transposed) counters, optional compaction of non-empty buckets into
// offsets, and the permutation scatter.
func (ts *ThreadState) Mkperm(ptr unsafe.Pointer, size, bucketCount uint32, perm, offsets unsafe.Pointer) uint32 {
	if size == 0 {
		return 0
	}
	if bucketCount == 0 {
		exceptions.Panicf("cuda.Mkperm(): bucket_count cannot be zero")
	}

	drv := ts.backend.drv
	ts.setContext()
	device := ts.device

	// At most one block per SM because of the shared-memory requirement.
	blockCount, threadCount := device.LaunchConfig(size, 1024, 1)

	// Always launch full warps; the kernels assume it.
	warpCount := (threadCount + WarpSize - 1) / WarpSize
	threadCount = warpCount * WarpSize

	bucketSize1 := bucketCount * 4
	bucketSizeAll := bucketSize1 * blockCount

	var (
		sharedSize        uint32
		variant           string
		phase1, phase4    Function
		initializeBuckets bool
	)
	switch {
	case bucketSize1*warpCount <= device.SharedMemoryBytes:
		phase1 = ts.require(ts.kernels.mkpermPhase1Tiny, "mkperm_phase_1_tiny")
		phase4 = ts.require(ts.kernels.mkpermPhase4Tiny, "mkperm_phase_4_tiny")
		sharedSize = bucketSize1 * warpCount
		bucketSizeAll *= warpCount
		variant = "tiny"
	case bucketSize1 <= device.SharedMemoryBytes:
		phase1 = ts.require(ts.kernels.mkpermPhase1Small, "mkperm_phase_1_small")
		phase4 = ts.require(ts.kernels.mkpermPhase4Small, "mkperm_phase_4_small")
		sharedSize = bucketSize1
		variant = "small"
	default:
		phase1 = ts.require(ts.kernels.mkpermPhase1Large, "mkperm_phase_1_large")
		phase4 = ts.require(ts.kernels.mkpermPhase4Large, "mkperm_phase_4_large")
		variant = "large"
		initializeBuckets = true
	}

	needsTranspose := bucketSize1 != bucketSizeAll
	buckets1 := alloc.Malloc(alloc.Device, uintptr(bucketSizeAll))
	buckets2 := buckets1
	if needsTranspose {
		buckets2 = alloc.Malloc(alloc.Device, uintptr(bucketSizeAll))
	}

	var counter unsafe.Pointer
	if offsets != nil {
		counter = alloc.Malloc(alloc.Device, 4)
		check(drv, drv.MemsetD8Async(counter, 0, 4, ts.stream), "cuMemsetD8Async")
	}

	if initializeBuckets {
		check(drv, drv.MemsetD8Async(buckets1, 0, uintptr(bucketSizeAll), ts.stream), "cuMemsetD8Async")
	}

	// Work per block, rounded up to a warp-size multiple.
	sizePerBlock := (size + blockCount - 1) / blockCount
	sizePerBlock = (sizePerBlock + WarpSize - 1) / WarpSize * WarpSize

	klog.V(2).Infof("cuda.Mkperm(%#x, size=%d, bucket_count=%d, block_count=%d, thread_count=%d, size_per_block=%d, variant=%s, shared_size=%d)",
		uintptr(ptr), size, bucketCount, blockCount, threadCount, sizePerBlock, variant, sharedSize)

	// Phase 1: per-block occurrence counts.
	args1 := []unsafe.Pointer{unsafe.Pointer(&ptr), unsafe.Pointer(&buckets1),
		unsafe.Pointer(&size), unsafe.Pointer(&sizePerBlock), unsafe.Pointer(&bucketCount)}
	ts.submit(backends.KernelCallReduce, phase1, blockCount, threadCount, sharedSize, args1, nil, size)

	// Phase 2: exclusive prefix sum over the (transposed) counters.
	if needsTranspose {
		ts.transpose(buckets1, buckets2, bucketSizeAll/bucketSize1, bucketCount)
	}
	ts.PrefixSum(vartype.UInt32, true, buckets2, bucketSizeAll/4, buckets2)
	if needsTranspose {
		ts.transpose(buckets2, buckets1, bucketCount, bucketSizeAll/bucketSize1)
	}

	// Phase 3: compact non-empty buckets into offsets (optional).
	if offsets != nil {
		blockCount3, threadCount3 := device.LaunchConfig(bucketCount*blockCount, 1024, 4)
		bucketCountRounded := (bucketCount + threadCount3 - 1) / threadCount3 * threadCount3

		args3 := []unsafe.Pointer{unsafe.Pointer(&buckets1), unsafe.Pointer(&bucketCount),
			unsafe.Pointer(&bucketCountRounded), unsafe.Pointer(&size),
			unsafe.Pointer(&counter), unsafe.Pointer(&offsets)}
		ts.submit(backends.KernelCallReduce, ts.require(ts.kernels.mkpermPhase3, "mkperm_phase_3"),
			blockCount3, threadCount3, 4*threadCount3, args3, nil, size)

		check(drv, drv.MemcpyAsync(unsafe.Add(offsets, 4*uintptr(bucketCount)*4),
			counter, 4, ts.stream), "cuMemcpyAsync")
		check(drv, drv.EventRecord(ts.event, ts.stream), "cuEventRecord")
	}

	// Phase 4: scatter the permutation using the prefix-summed counters.
	args4 := []unsafe.Pointer{unsafe.Pointer(&ptr), unsafe.Pointer(&buckets1),
		unsafe.Pointer(&perm), unsafe.Pointer(&size),
		unsafe.Pointer(&sizePerBlock), unsafe.Pointer(&bucketCount)}
	ts.submit(backends.KernelCallReduce, phase4, blockCount, threadCount, sharedSize, args4, nil, size)

	var uniqueCount uint32
	if offsets != nil {
		// The offsets table must be host-visible on return.
		check(drv, drv.EventSynchronize(ts.event), "cuEventSynchronize")
		uniqueCount = unsafe.Slice((*uint32)(offsets), 4*uintptr(bucketCount)+1)[4*bucketCount]
	}

	alloc.Free(buckets1)
	if needsTranspose {
		alloc.Free(buckets2)
	}
	if counter != nil {
		alloc.Free(counter)
	}
	return uniqueCount
}
