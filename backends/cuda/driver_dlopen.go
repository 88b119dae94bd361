//go:build linux || darwin

package cuda

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// systemDriver binds the installed CUDA driver library at runtime. All
// entry points are resolved through dlopen/dlsym, so the package builds and
// loads on machines without CUDA; only constructing the backend requires
// the library.
type systemDriver struct {
	cuInit                         func(flags uint32) int
	cuDeviceGetCount               func(count *int32) int
	cuDeviceGetName                func(name *byte, length int32, device int32) int
	cuDeviceGetAttribute           func(value *int32, attrib int32, device int32) int
	cuDeviceTotalMem               func(bytes *uintptr, device int32) int
	cuDevicePrimaryCtxRetain       func(ctx *uintptr, device int32) int
	cuDevicePrimaryCtxRelease      func(device int32) int
	cuCtxSetCurrent                func(ctx uintptr) int
	cuMemAlloc                     func(ptr *uintptr, size uintptr) int
	cuMemAllocHost                 func(ptr *uintptr, size uintptr) int
	cuMemFree                      func(ptr uintptr) int
	cuMemFreeHost                  func(ptr uintptr) int
	cuMemcpy                       func(dst, src uintptr, size uintptr) int
	cuMemcpyAsync                  func(dst, src uintptr, size uintptr, stream uintptr) int
	cuMemsetD8Async                func(ptr uintptr, value uint8, size uintptr, stream uintptr) int
	cuMemsetD16Async               func(ptr uintptr, value uint16, size uintptr, stream uintptr) int
	cuMemsetD32Async               func(ptr uintptr, value uint32, size uintptr, stream uintptr) int
	cuModuleLoadData               func(module *uintptr, image unsafe.Pointer) int
	cuModuleUnload                 func(module uintptr) int
	cuModuleGetFunction            func(fn *uintptr, module uintptr, name string) int
	cuOccupancyMaxPotentialBlkSize func(minGrid, blockSize *int32, fn uintptr, unused uintptr, dynamicSMem uintptr, blockSizeLimit int32) int
	cuFuncSetAttribute             func(fn uintptr, attrib, value int32) int
	cuLaunchKernel                 func(fn uintptr, gx, gy, gz, bx, by, bz, shared uint32, stream uintptr, args, extra unsafe.Pointer) int
	cuLaunchHostFunc               func(stream uintptr, callback uintptr, userData uintptr) int
	cuLinkCreate                   func(numOptions uint32, options, optionValues unsafe.Pointer, link *uintptr) int
	cuLinkAddData                  func(link uintptr, inputType int32, data unsafe.Pointer, size uintptr, name string, numOptions uint32, options, optionValues unsafe.Pointer) int
	cuLinkComplete                 func(link uintptr, image *uintptr, size *uintptr) int
	cuLinkDestroy                  func(link uintptr) int
	cuStreamCreate                 func(stream *uintptr, flags uint32) int
	cuStreamDestroy                func(stream uintptr) int
	cuStreamSynchronize            func(stream uintptr) int
	cuEventCreate                  func(event *uintptr, flags uint32) int
	cuEventDestroy                 func(event uintptr) int
	cuEventRecord                  func(event, stream uintptr) int
	cuEventSynchronize             func(event uintptr) int
	cuGetErrorName                 func(result int32, name *uintptr) int

	mu         sync.Mutex
	callbacks  map[uintptr]func()
	nextToken  uintptr
	trampoline uintptr
}

const cuJITInputPTX = 1

func driverLibraryName() string {
	return "libcuda.so.1"
}

// loadSystemDriver resolves the CUDA driver library. The configuration
// string may override the library path.
func loadSystemDriver(config string) (Driver, error) {
	name := driverLibraryName()
	if config != "" {
		name = config
	}
	lib, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %q", name)
	}

	d := &systemDriver{callbacks: make(map[uintptr]func())}
	register := func(fptr any, name string) {
		purego.RegisterLibFunc(fptr, lib, name)
	}
	register(&d.cuInit, "cuInit")
	register(&d.cuDeviceGetCount, "cuDeviceGetCount")
	register(&d.cuDeviceGetName, "cuDeviceGetName")
	register(&d.cuDeviceGetAttribute, "cuDeviceGetAttribute")
	register(&d.cuDeviceTotalMem, "cuDeviceTotalMem_v2")
	register(&d.cuDevicePrimaryCtxRetain, "cuDevicePrimaryCtxRetain")
	register(&d.cuDevicePrimaryCtxRelease, "cuDevicePrimaryCtxRelease_v2")
	register(&d.cuCtxSetCurrent, "cuCtxSetCurrent")
	register(&d.cuMemAlloc, "cuMemAlloc_v2")
	register(&d.cuMemAllocHost, "cuMemAllocHost_v2")
	register(&d.cuMemFree, "cuMemFree_v2")
	register(&d.cuMemFreeHost, "cuMemFreeHost")
	register(&d.cuMemcpy, "cuMemcpy")
	register(&d.cuMemcpyAsync, "cuMemcpyAsync")
	register(&d.cuMemsetD8Async, "cuMemsetD8Async")
	register(&d.cuMemsetD16Async, "cuMemsetD16Async")
	register(&d.cuMemsetD32Async, "cuMemsetD32Async")
	register(&d.cuModuleLoadData, "cuModuleLoadData")
	register(&d.cuModuleUnload, "cuModuleUnload")
	register(&d.cuModuleGetFunction, "cuModuleGetFunction")
	register(&d.cuOccupancyMaxPotentialBlkSize, "cuOccupancyMaxPotentialBlockSize")
	register(&d.cuFuncSetAttribute, "cuFuncSetAttribute")
	register(&d.cuLaunchKernel, "cuLaunchKernel")
	register(&d.cuLaunchHostFunc, "cuLaunchHostFunc")
	register(&d.cuLinkCreate, "cuLinkCreate_v2")
	register(&d.cuLinkAddData, "cuLinkAddData_v2")
	register(&d.cuLinkComplete, "cuLinkComplete")
	register(&d.cuLinkDestroy, "cuLinkDestroy")
	register(&d.cuStreamCreate, "cuStreamCreate")
	register(&d.cuStreamDestroy, "cuStreamDestroy_v2")
	register(&d.cuStreamSynchronize, "cuStreamSynchronize")
	register(&d.cuEventCreate, "cuEventCreate")
	register(&d.cuEventDestroy, "cuEventDestroy_v2")
	register(&d.cuEventRecord, "cuEventRecord")
	register(&d.cuEventSynchronize, "cuEventSynchronize")
	register(&d.cuGetErrorName, "cuGetErrorName")

	d.trampoline = purego.NewCallback(func(userData uintptr) uintptr {
		d.mu.Lock()
		fn := d.callbacks[userData]
		delete(d.callbacks, userData)
		d.mu.Unlock()
		if fn != nil {
			fn()
		}
		return 0
	})
	return d, nil
}

var _ Driver = (*systemDriver)(nil)

func (d *systemDriver) Init() Result { return Result(d.cuInit(0)) }

func (d *systemDriver) DeviceGetCount() (int, Result) {
	var count int32
	r := d.cuDeviceGetCount(&count)
	return int(count), Result(r)
}

func (d *systemDriver) DeviceGetName(device int) (string, Result) {
	var buf [256]byte
	r := d.cuDeviceGetName(&buf[0], int32(len(buf)), int32(device))
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), Result(r)
}

func (d *systemDriver) DeviceGetAttribute(attrib, device int) (int, Result) {
	var value int32
	r := d.cuDeviceGetAttribute(&value, int32(attrib), int32(device))
	return int(value), Result(r)
}

func (d *systemDriver) DeviceTotalMem(device int) (uintptr, Result) {
	var bytes uintptr
	r := d.cuDeviceTotalMem(&bytes, int32(device))
	return bytes, Result(r)
}

func (d *systemDriver) DevicePrimaryCtxRetain(device int) (Context, Result) {
	var ctx uintptr
	r := d.cuDevicePrimaryCtxRetain(&ctx, int32(device))
	return Context(ctx), Result(r)
}

func (d *systemDriver) DevicePrimaryCtxRelease(device int) Result {
	return Result(d.cuDevicePrimaryCtxRelease(int32(device)))
}

func (d *systemDriver) CtxSetCurrent(ctx Context) Result {
	return Result(d.cuCtxSetCurrent(uintptr(ctx)))
}

func (d *systemDriver) MemAlloc(size uintptr) (unsafe.Pointer, Result) {
	var ptr uintptr
	r := d.cuMemAlloc(&ptr, size)
	return *(*unsafe.Pointer)(unsafe.Pointer(&ptr)), Result(r)
}

func (d *systemDriver) MemAllocHost(size uintptr) (unsafe.Pointer, Result) {
	var ptr uintptr
	r := d.cuMemAllocHost(&ptr, size)
	return *(*unsafe.Pointer)(unsafe.Pointer(&ptr)), Result(r)
}

func (d *systemDriver) MemFree(ptr unsafe.Pointer) Result {
	return Result(d.cuMemFree(uintptr(ptr)))
}

func (d *systemDriver) MemFreeHost(ptr unsafe.Pointer) Result {
	return Result(d.cuMemFreeHost(uintptr(ptr)))
}

func (d *systemDriver) Memcpy(dst, src unsafe.Pointer, size uintptr) Result {
	return Result(d.cuMemcpy(uintptr(dst), uintptr(src), size))
}

func (d *systemDriver) MemcpyAsync(dst, src unsafe.Pointer, size uintptr, stream Stream) Result {
	return Result(d.cuMemcpyAsync(uintptr(dst), uintptr(src), size, uintptr(stream)))
}

func (d *systemDriver) MemsetD8Async(ptr unsafe.Pointer, value uint8, size uintptr, stream Stream) Result {
	return Result(d.cuMemsetD8Async(uintptr(ptr), value, size, uintptr(stream)))
}

func (d *systemDriver) MemsetD16Async(ptr unsafe.Pointer, value uint16, size uintptr, stream Stream) Result {
	return Result(d.cuMemsetD16Async(uintptr(ptr), value, size, uintptr(stream)))
}

func (d *systemDriver) MemsetD32Async(ptr unsafe.Pointer, value uint32, size uintptr, stream Stream) Result {
	return Result(d.cuMemsetD32Async(uintptr(ptr), value, size, uintptr(stream)))
}

func (d *systemDriver) ModuleLoadData(image []byte) (Module, Result) {
	var module uintptr
	r := d.cuModuleLoadData(&module, unsafe.Pointer(unsafe.SliceData(image)))
	return Module(module), Result(r)
}

func (d *systemDriver) ModuleUnload(module Module) Result {
	return Result(d.cuModuleUnload(uintptr(module)))
}

func (d *systemDriver) ModuleGetFunction(module Module, name string) (Function, Result) {
	var fn uintptr
	r := d.cuModuleGetFunction(&fn, uintptr(module), name)
	return Function(fn), Result(r)
}

func (d *systemDriver) OccupancyMaxPotentialBlockSize(fn Function) (int, int, Result) {
	var minGrid, blockSize int32
	r := d.cuOccupancyMaxPotentialBlkSize(&minGrid, &blockSize, uintptr(fn), 0, 0, 0)
	return int(minGrid), int(blockSize), Result(r)
}

func (d *systemDriver) FuncSetAttribute(fn Function, attrib, value int) Result {
	return Result(d.cuFuncSetAttribute(uintptr(fn), int32(attrib), int32(value)))
}

// Launch-parameter sentinels of the driver API.
var (
	launchParamBufferPointer = uintptr(1)
	launchParamBufferSize    = uintptr(2)
	launchParamEnd           = uintptr(0)
)

func (d *systemDriver) LaunchKernel(fn Function, gx, gy, gz, bx, by, bz, shared uint32,
	stream Stream, args []unsafe.Pointer, extra *LaunchBuffer) Result {

	var argsPtr, extraPtr unsafe.Pointer
	if args != nil {
		argsPtr = unsafe.Pointer(unsafe.SliceData(args))
	}
	var extraVec [5]uintptr
	var bufferSize uintptr
	if extra != nil {
		bufferSize = extra.Size
		extraVec = [5]uintptr{
			launchParamBufferPointer, uintptr(extra.Ptr),
			launchParamBufferSize, uintptr(unsafe.Pointer(&bufferSize)),
			launchParamEnd,
		}
		extraPtr = unsafe.Pointer(&extraVec[0])
	}
	return Result(d.cuLaunchKernel(uintptr(fn), gx, gy, gz, bx, by, bz, shared,
		uintptr(stream), argsPtr, extraPtr))
}

func (d *systemDriver) LaunchHostFunc(stream Stream, fn func()) Result {
	d.mu.Lock()
	d.nextToken++
	token := d.nextToken
	d.callbacks[token] = fn
	d.mu.Unlock()
	return Result(d.cuLaunchHostFunc(uintptr(stream), d.trampoline, token))
}

func (d *systemDriver) LinkCreate() (Link, Result) {
	var link uintptr
	r := d.cuLinkCreate(0, nil, nil, &link)
	return Link(link), Result(r)
}

func (d *systemDriver) LinkAddData(link Link, image []byte, name string) Result {
	return Result(d.cuLinkAddData(uintptr(link), cuJITInputPTX,
		unsafe.Pointer(unsafe.SliceData(image)), uintptr(len(image)), name, 0, nil, nil))
}

func (d *systemDriver) LinkComplete(link Link) ([]byte, Result) {
	var image, size uintptr
	r := d.cuLinkComplete(uintptr(link), &image, &size)
	if Result(r) != Success {
		return nil, Result(r)
	}
	return unsafe.Slice((*byte)(*(*unsafe.Pointer)(unsafe.Pointer(&image))), size), Success
}

func (d *systemDriver) LinkDestroy(link Link) Result {
	return Result(d.cuLinkDestroy(uintptr(link)))
}

func (d *systemDriver) StreamCreate(flags uint32) (Stream, Result) {
	var stream uintptr
	r := d.cuStreamCreate(&stream, flags)
	return Stream(stream), Result(r)
}

func (d *systemDriver) StreamDestroy(stream Stream) Result {
	return Result(d.cuStreamDestroy(uintptr(stream)))
}

func (d *systemDriver) StreamSynchronize(stream Stream) Result {
	return Result(d.cuStreamSynchronize(uintptr(stream)))
}

func (d *systemDriver) EventCreate(flags uint32) (Event, Result) {
	var event uintptr
	r := d.cuEventCreate(&event, flags)
	return Event(event), Result(r)
}

func (d *systemDriver) EventDestroy(event Event) Result {
	return Result(d.cuEventDestroy(uintptr(event)))
}

func (d *systemDriver) EventRecord(event Event, stream Stream) Result {
	return Result(d.cuEventRecord(uintptr(event), uintptr(stream)))
}

func (d *systemDriver) EventSynchronize(event Event) Result {
	return Result(d.cuEventSynchronize(uintptr(event)))
}

func (d *systemDriver) GetErrorName(result Result) string {
	var namePtr uintptr
	if d.cuGetErrorName(int32(result), &namePtr) != 0 || namePtr == 0 {
		return "CUDA_ERROR_UNKNOWN"
	}
	ptr := *(*unsafe.Pointer)(unsafe.Pointer(&namePtr))
	n := 0
	for *(*byte)(unsafe.Add(ptr, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(ptr), n))
}
