package cpu

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
)

// Mkperm implements backends.ThreadState. Phase 1 counts bucket occurrences
// per block, a serial pass integrates the counts (filling offsets and the
// unique-bucket count), phase 2 scatters lane indices into the permutation.
// The permutation is stable: blocks cover disjoint ascending lane ranges
// and each block scatters in lane order.
func (ts *ThreadState) Mkperm(ptr unsafe.Pointer, size, bucketCount uint32, perm, offsets unsafe.Pointer) uint32 {
	if size == 0 {
		return 0
	}
	if bucketCount == 0 {
		exceptions.Panicf("cpu.Mkperm(): bucket_count cannot be zero")
	}

	blocks, blockSize := uint32(1), size
	if poolSize := uint32(ts.backend.pool.Size()); poolSize > 1 {
		// Spread over the cores, but keep blocks reasonably large.
		blocks = poolSize * 4
		blockSize = (size + blocks - 1) / blocks
		blockSize = max(BlockSize, blockSize)
		blocks = (size + blockSize - 1) / blockSize
	}

	klog.V(2).Infof("cpu.Mkperm(%#x, size=%d, bucket_count=%d, block_size=%d, blocks=%d)",
		uintptr(ptr), size, bucketCount, blockSize, blocks)

	input := unsafe.Slice((*uint32)(ptr), size)
	buckets := make([][]uint32, blocks)
	var uniqueCount uint32

	// Phase 1: per-block occurrence counts.
	ts.submit(backends.KernelCallReduce, size, blocks, func(index uint32) {
		start := index * blockSize
		end := min(start+blockSize, size)

		local := make([]uint32, bucketCount)
		for i := start; i < end; i++ {
			local[input[i]]++
		}
		buckets[index] = local
	})

	// Serial integration: exclusive offsets across blocks and buckets.
	ts.submit(backends.KernelCallReduce, size, 1, func(uint32) {
		var offsetsOut []uint32
		if offsets != nil {
			offsetsOut = unsafe.Slice((*uint32)(offsets), 4*uintptr(bucketCount)+1)
		}
		var sum, uniqueLocal uint32
		for i := uint32(0); i < bucketCount; i++ {
			var sumLocal uint32
			for j := uint32(0); j < blocks; j++ {
				value := buckets[j][i]
				buckets[j][i] = sum + sumLocal
				sumLocal += value
			}
			if sumLocal > 0 {
				if offsetsOut != nil {
					offsetsOut[uniqueLocal*4] = i
					offsetsOut[uniqueLocal*4+1] = sum
					offsetsOut[uniqueLocal*4+2] = sumLocal
					offsetsOut[uniqueLocal*4+3] = 0
				}
				uniqueLocal++
				sum += sumLocal
			}
		}
		uniqueCount = uniqueLocal
	})

	localTask := ts.task
	localTask.Retain()

	// Phase 2: scatter lane indices; per-block buckets are dropped here.
	ts.submit(backends.KernelCallReduce, size, blocks, func(index uint32) {
		start := index * blockSize
		end := min(start+blockSize, size)
		permOut := unsafe.Slice((*uint32)(perm), size)

		local := buckets[index]
		for i := start; i < end; i++ {
			idx := local[input[i]]
			local[input[i]]++
			permOut[idx] = i
		}
		buckets[index] = nil
	})

	// offsets and the unique count must be host-visible on return.
	localTask.Wait()
	localTask.Release()
	return uniqueCount
}
