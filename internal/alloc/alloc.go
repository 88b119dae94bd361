// Package alloc is the runtime's memory layer. It hands out raw pointers
// backed by Go slices which stay registered (and therefore alive) until
// freed, caches freed regions for reuse, and supports the deferred-free
// discipline required by asynchronous kernels: a region freed with Free
// remains valid until FlushFree runs after the work using it has been
// submitted.
//
// The full allocator of the runtime this package stands in for is out of
// scope; this keeps only the surface the evaluator and the primitives need.
package alloc

import (
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Type describes the intended placement of an allocation. Without a real
// accelerator all three map to host memory, but the distinction is kept:
// the CUDA backend routes Device allocations through the driver when one is
// active.
type Type int

const (
	// Device memory, asynchronous to the host.
	Device Type = iota
	// HostAsync is host memory written by asynchronous CPU tasks.
	HostAsync
	// HostPinned is page-locked host memory reachable from device code.
	HostPinned

	numTypes
)

type region struct {
	backing []byte
	atype   Type
	size    uintptr
}

type state struct {
	mu sync.Mutex

	// live maps the address of every outstanding allocation to its backing
	// storage, keeping it reachable for the garbage collector.
	live map[uintptr]*region

	// freePool caches released regions by (type, size) for reuse.
	freePool map[Type]map[uintptr][]*region

	// deferred holds regions released with Free; they stay alive until
	// FlushFree drops them (or returns them to the pool).
	deferred []*region

	bytesLive   uintptr
	bytesPooled uintptr
}

var s = state{
	live:     make(map[uintptr]*region),
	freePool: make(map[Type]map[uintptr][]*region),
}

// Malloc allocates size bytes of the given type and returns its address.
// The region is zeroed only when freshly allocated; reused pool regions
// keep stale contents, exactly like device memory.
func Malloc(atype Type, size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if atype < 0 || atype >= numTypes {
		exceptions.Panicf("alloc.Malloc(): unknown allocation type %d", atype)
	}

	// Sizes are rounded up so primitives may pad boolean arrays up to the
	// next 4-byte boundary past their logical end.
	size = (size + 7) &^ 7

	s.mu.Lock()
	defer s.mu.Unlock()

	var r *region
	if pool := s.freePool[atype][size]; len(pool) > 0 {
		r = pool[len(pool)-1]
		s.freePool[atype][size] = pool[:len(pool)-1]
		s.bytesPooled -= size
	} else {
		r = &region{backing: make([]byte, size), atype: atype, size: size}
	}

	ptr := uintptr(unsafe.Pointer(&r.backing[0]))
	s.live[ptr] = r
	s.bytesLive += size
	return unsafe.Pointer(&r.backing[0])
}

// Free schedules the region at ptr for release. The memory stays valid
// until the next FlushFree, mirroring the asynchronous-free contract of the
// device streams. Freeing nil is a no-op; freeing an unknown pointer is a
// programmer error.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.live[uintptr(ptr)]
	if !ok {
		exceptions.Panicf("alloc.Free(): unknown pointer %#x", uintptr(ptr))
	}
	delete(s.live, uintptr(ptr))
	s.bytesLive -= r.size
	s.deferred = append(s.deferred, r)
}

// FlushFree completes all pending Free calls, returning regions to the
// reuse pool. The caller must guarantee that no queued kernel still
// references them (the evaluator flushes once per eval, after all launches
// of the eval were submitted).
func FlushFree() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.deferred {
		pools := s.freePool[r.atype]
		if pools == nil {
			pools = make(map[uintptr][]*region)
			s.freePool[r.atype] = pools
		}
		pools[r.size] = append(pools[r.size], r)
		s.bytesPooled += r.size
	}
	s.deferred = s.deferred[:0]
}

// Trim releases cached regions back to the Go heap. With flushDeferred set
// the deferred list is completed first (soft free); with dropPool set the
// reuse pool is emptied. The module loader calls Trim(true, true) once when
// it runs out of memory.
func Trim(flushDeferred, dropPool bool) {
	if flushDeferred {
		FlushFree()
	}
	if !dropPool {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freePool = make(map[Type]map[uintptr][]*region)
	s.bytesPooled = 0
}

// BytesLive returns the number of bytes in outstanding allocations.
func BytesLive() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesLive
}

// BytesPooled returns the number of bytes cached for reuse.
func BytesPooled() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesPooled
}

// Slice reinterprets an allocation (or any pointer) as a byte slice of the
// given length. Used by host-side code that needs to touch device-visible
// memory directly.
func Slice(ptr unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}
