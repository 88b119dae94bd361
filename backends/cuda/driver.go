// Package cuda implements the GPU execution backend on top of the CUDA
// driver API. The driver itself is abstracted behind the Driver interface:
// systemDriver (driver_dlopen.go) binds the real libcuda at runtime, cusim provides an in-process
// implementation used by the test suite.
package cuda

import (
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Driver handle types mirror the driver API's opaque handles.
type (
	Context  uintptr
	Module   uintptr
	Function uintptr
	Stream   uintptr
	Event    uintptr
	Link     uintptr
)

// Result is a driver status code; 0 is success.
type Result int

const (
	Success            Result = 0
	ErrorOutOfMemory   Result = 2
	ErrorDeinitialized Result = 4
	ErrorNotFound      Result = 500
)

// Device attributes queried at initialization.
const (
	AttrComputeCapabilityMajor     = 75
	AttrComputeCapabilityMinor     = 76
	AttrMultiprocessorCount        = 16
	AttrMaxSharedMemoryPerBlockOpt = 97
)

// Function attributes set after module load.
const (
	FuncAttrMaxDynamicSharedSizeBytes     = 8
	FuncAttrPreferredSharedMemoryCarveout = 9
)

// SharedMemCarveoutMaxL1 requests the largest L1 carveout (JIT kernels use
// no shared memory).
const SharedMemCarveoutMaxL1 = 0

// Stream and event creation flags.
const (
	StreamNonBlocking  = 1
	EventDefault       = 0
	EventDisableTiming = 2
)

// LaunchBuffer stages a kernel's whole parameter block as one buffer, the
// driver's pointer/size/end sentinel mechanism.
type LaunchBuffer struct {
	Ptr  unsafe.Pointer
	Size uintptr
}

// Driver is the total driver-API contract of the backend. Every method
// returns a Result compared against Success; non-success returns are fatal
// except where the caller explicitly recovers.
type Driver interface {
	Init() Result

	DeviceGetCount() (int, Result)
	DeviceGetName(device int) (string, Result)
	DeviceGetAttribute(attrib int, device int) (int, Result)
	DeviceTotalMem(device int) (uintptr, Result)
	DevicePrimaryCtxRetain(device int) (Context, Result)
	DevicePrimaryCtxRelease(device int) Result
	CtxSetCurrent(ctx Context) Result

	MemAlloc(size uintptr) (unsafe.Pointer, Result)
	MemAllocHost(size uintptr) (unsafe.Pointer, Result)
	MemFree(ptr unsafe.Pointer) Result
	MemFreeHost(ptr unsafe.Pointer) Result

	Memcpy(dst, src unsafe.Pointer, size uintptr) Result
	MemcpyAsync(dst, src unsafe.Pointer, size uintptr, stream Stream) Result
	MemsetD8Async(ptr unsafe.Pointer, value uint8, size uintptr, stream Stream) Result
	MemsetD16Async(ptr unsafe.Pointer, value uint16, size uintptr, stream Stream) Result
	MemsetD32Async(ptr unsafe.Pointer, value uint32, size uintptr, stream Stream) Result

	ModuleLoadData(image []byte) (Module, Result)
	ModuleUnload(module Module) Result
	ModuleGetFunction(module Module, name string) (Function, Result)

	OccupancyMaxPotentialBlockSize(fn Function) (minGrid, blockSize int, result Result)
	FuncSetAttribute(fn Function, attrib, value int) Result

	LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ,
		sharedMemBytes uint32, stream Stream, args []unsafe.Pointer,
		extra *LaunchBuffer) Result
	LaunchHostFunc(stream Stream, fn func()) Result

	LinkCreate() (Link, Result)
	LinkAddData(link Link, image []byte, name string) Result
	LinkComplete(link Link) ([]byte, Result)
	LinkDestroy(link Link) Result

	StreamCreate(flags uint32) (Stream, Result)
	StreamDestroy(stream Stream) Result
	StreamSynchronize(stream Stream) Result

	EventCreate(flags uint32) (Event, Result)
	EventDestroy(event Event) Result
	EventRecord(event Event, stream Stream) Result
	EventSynchronize(event Event) Result

	GetErrorName(result Result) string
}

// check aborts on a non-success driver return with the symbolic error name.
func check(drv Driver, result Result, call string) {
	if result != Success {
		exceptions.Panicf("cuda: %s failed: %s (%d)", call, drv.GetErrorName(result), int(result))
	}
}
