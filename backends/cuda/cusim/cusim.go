// Package cusim is an in-process implementation of the CUDA driver
// contract, used by the test suite to exercise the CUDA backend's launch
// geometry, staging and kernel-variant selection without a device.
//
// Streams are modeled as serial queues drained by one goroutine each, so
// the asynchronous ordering semantics of the real driver hold. Kernels
// execute over host memory: supplemental kernels dispatch on their entry
// point name, JIT kernels are parsed from the assembled IR and interpreted.
// The supplemental-kernel image is ignored; every entry point the backend
// resolves is implemented here.
package cusim

import (
	"bytes"
	"sync"
	"unsafe"

	"github.com/gojit/gojit/backends/cuda"
	"github.com/gojit/gojit/jit/ir"
)

// Driver implements cuda.Driver on the host.
type Driver struct {
	mu         sync.Mutex
	nextHandle uintptr
	streams    map[cuda.Stream]*stream
	events     map[cuda.Event]*event
	modules    map[cuda.Module]*module
	functions  map[cuda.Function]*function
	links      map[cuda.Link]*bytes.Buffer
	memory     map[uintptr][]byte

	// Shared-memory budget reported per block; adjustable by tests to
	// force mkperm variant selection.
	SharedMemoryBytes int
	// SMCount reported to the backend.
	SMCount int
}

// New returns a fresh simulated driver.
func New() *Driver {
	return &Driver{
		streams:           make(map[cuda.Stream]*stream),
		events:            make(map[cuda.Event]*event),
		modules:           make(map[cuda.Module]*module),
		functions:         make(map[cuda.Function]*function),
		links:             make(map[cuda.Link]*bytes.Buffer),
		memory:            make(map[uintptr][]byte),
		SharedMemoryBytes: 48 * 1024,
		SMCount:           16,
	}
}

var _ cuda.Driver = (*Driver)(nil)

type stream struct {
	queue chan func()
	wg    sync.WaitGroup
}

type event struct {
	mu   sync.Mutex
	wait chan struct{}
}

type module struct {
	prog *ir.Program // nil for the supplemental module
}

type function struct {
	name string
	prog *ir.Program // nil for supplemental kernels
}

func (d *Driver) handle() uintptr {
	d.nextHandle++
	return d.nextHandle
}

// Init implements cuda.Driver.
func (d *Driver) Init() cuda.Result { return cuda.Success }

// DeviceGetCount implements cuda.Driver.
func (d *Driver) DeviceGetCount() (int, cuda.Result) { return 1, cuda.Success }

// DeviceGetName implements cuda.Driver.
func (d *Driver) DeviceGetName(int) (string, cuda.Result) {
	return "Simulated Device", cuda.Success
}

// DeviceGetAttribute implements cuda.Driver.
func (d *Driver) DeviceGetAttribute(attrib, _ int) (int, cuda.Result) {
	switch attrib {
	case cuda.AttrComputeCapabilityMajor:
		return 7, cuda.Success
	case cuda.AttrComputeCapabilityMinor:
		return 5, cuda.Success
	case cuda.AttrMultiprocessorCount:
		return d.SMCount, cuda.Success
	case cuda.AttrMaxSharedMemoryPerBlockOpt:
		return d.SharedMemoryBytes, cuda.Success
	}
	return 0, cuda.Success
}

// DeviceTotalMem implements cuda.Driver.
func (d *Driver) DeviceTotalMem(int) (uintptr, cuda.Result) {
	return 8 << 30, cuda.Success
}

// DevicePrimaryCtxRetain implements cuda.Driver.
func (d *Driver) DevicePrimaryCtxRetain(int) (cuda.Context, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cuda.Context(d.handle()), cuda.Success
}

// DevicePrimaryCtxRelease implements cuda.Driver.
func (d *Driver) DevicePrimaryCtxRelease(int) cuda.Result { return cuda.Success }

// CtxSetCurrent implements cuda.Driver.
func (d *Driver) CtxSetCurrent(cuda.Context) cuda.Result { return cuda.Success }

// MemAlloc implements cuda.Driver.
func (d *Driver) MemAlloc(size uintptr) (unsafe.Pointer, cuda.Result) {
	backing := make([]byte, size)
	ptr := unsafe.Pointer(&backing[0])
	d.mu.Lock()
	d.memory[uintptr(ptr)] = backing
	d.mu.Unlock()
	return ptr, cuda.Success
}

// MemAllocHost implements cuda.Driver.
func (d *Driver) MemAllocHost(size uintptr) (unsafe.Pointer, cuda.Result) {
	return d.MemAlloc(size)
}

// MemFree implements cuda.Driver.
func (d *Driver) MemFree(ptr unsafe.Pointer) cuda.Result {
	d.mu.Lock()
	delete(d.memory, uintptr(ptr))
	d.mu.Unlock()
	return cuda.Success
}

// MemFreeHost implements cuda.Driver.
func (d *Driver) MemFreeHost(ptr unsafe.Pointer) cuda.Result { return d.MemFree(ptr) }

// Memcpy implements cuda.Driver (synchronous: drains all streams first).
func (d *Driver) Memcpy(dst, src unsafe.Pointer, size uintptr) cuda.Result {
	d.drainAll()
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	return cuda.Success
}

// MemcpyAsync implements cuda.Driver.
func (d *Driver) MemcpyAsync(dst, src unsafe.Pointer, size uintptr, s cuda.Stream) cuda.Result {
	d.enqueue(s, func() {
		copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	})
	return cuda.Success
}

func memsetAsync[T uint8 | uint16 | uint32](d *Driver, ptr unsafe.Pointer, value T, count uintptr, s cuda.Stream) cuda.Result {
	d.enqueue(s, func() {
		out := unsafe.Slice((*T)(ptr), count)
		for i := range out {
			out[i] = value
		}
	})
	return cuda.Success
}

// MemsetD8Async implements cuda.Driver.
func (d *Driver) MemsetD8Async(ptr unsafe.Pointer, value uint8, size uintptr, s cuda.Stream) cuda.Result {
	return memsetAsync(d, ptr, value, size, s)
}

// MemsetD16Async implements cuda.Driver.
func (d *Driver) MemsetD16Async(ptr unsafe.Pointer, value uint16, size uintptr, s cuda.Stream) cuda.Result {
	return memsetAsync(d, ptr, value, size, s)
}

// MemsetD32Async implements cuda.Driver.
func (d *Driver) MemsetD32Async(ptr unsafe.Pointer, value uint32, size uintptr, s cuda.Stream) cuda.Result {
	return memsetAsync(d, ptr, value, size, s)
}

// ModuleLoadData implements cuda.Driver. IR images become JIT modules;
// anything else (including an empty image) is the supplemental module.
func (d *Driver) ModuleLoadData(image []byte) (cuda.Module, cuda.Result) {
	m := &module{}
	if bytes.HasPrefix(bytes.TrimSpace(image), []byte(".entry")) {
		prog, err := ir.Parse(image)
		if err != nil {
			return 0, cuda.ErrorNotFound
		}
		m.prog = prog
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := cuda.Module(d.handle())
	d.modules[handle] = m
	return handle, cuda.Success
}

// ModuleUnload implements cuda.Driver.
func (d *Driver) ModuleUnload(module cuda.Module) cuda.Result {
	d.mu.Lock()
	delete(d.modules, module)
	d.mu.Unlock()
	return cuda.Success
}

// ModuleGetFunction implements cuda.Driver.
func (d *Driver) ModuleGetFunction(handle cuda.Module, name string) (cuda.Function, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modules[handle]
	if !ok {
		return 0, cuda.ErrorNotFound
	}
	if m.prog != nil {
		if m.prog.Name != name {
			return 0, cuda.ErrorNotFound
		}
		fn := cuda.Function(d.handle())
		d.functions[fn] = &function{name: name, prog: m.prog}
		return fn, cuda.Success
	}
	if builtinArgWidths(name) == nil {
		return 0, cuda.ErrorNotFound
	}
	fn := cuda.Function(d.handle())
	d.functions[fn] = &function{name: name}
	return fn, cuda.Success
}

// OccupancyMaxPotentialBlockSize implements cuda.Driver.
func (d *Driver) OccupancyMaxPotentialBlockSize(cuda.Function) (int, int, cuda.Result) {
	return 1, 512, cuda.Success
}

// FuncSetAttribute implements cuda.Driver.
func (d *Driver) FuncSetAttribute(cuda.Function, int, int) cuda.Result { return cuda.Success }

// LaunchHostFunc implements cuda.Driver.
func (d *Driver) LaunchHostFunc(s cuda.Stream, fn func()) cuda.Result {
	d.enqueue(s, fn)
	return cuda.Success
}

// LinkCreate implements cuda.Driver. The link state simply accumulates the
// IR; "linking" is the identity.
func (d *Driver) LinkCreate() (cuda.Link, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := cuda.Link(d.handle())
	d.links[handle] = &bytes.Buffer{}
	return handle, cuda.Success
}

// LinkAddData implements cuda.Driver.
func (d *Driver) LinkAddData(link cuda.Link, image []byte, _ string) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.links[link]
	if !ok {
		return cuda.ErrorNotFound
	}
	buf.Write(image)
	return cuda.Success
}

// LinkComplete implements cuda.Driver.
func (d *Driver) LinkComplete(link cuda.Link) ([]byte, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.links[link]
	if !ok {
		return nil, cuda.ErrorNotFound
	}
	return buf.Bytes(), cuda.Success
}

// LinkDestroy implements cuda.Driver.
func (d *Driver) LinkDestroy(link cuda.Link) cuda.Result {
	d.mu.Lock()
	delete(d.links, link)
	d.mu.Unlock()
	return cuda.Success
}

// StreamCreate implements cuda.Driver.
func (d *Driver) StreamCreate(uint32) (cuda.Stream, cuda.Result) {
	s := &stream{queue: make(chan func(), 1024)}
	go func() {
		for fn := range s.queue {
			fn()
			s.wg.Done()
		}
	}()
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := cuda.Stream(d.handle())
	d.streams[handle] = s
	return handle, cuda.Success
}

// StreamDestroy implements cuda.Driver.
func (d *Driver) StreamDestroy(handle cuda.Stream) cuda.Result {
	d.mu.Lock()
	s, ok := d.streams[handle]
	delete(d.streams, handle)
	d.mu.Unlock()
	if ok {
		s.wg.Wait()
		close(s.queue)
	}
	return cuda.Success
}

// StreamSynchronize implements cuda.Driver.
func (d *Driver) StreamSynchronize(handle cuda.Stream) cuda.Result {
	d.mu.Lock()
	s, ok := d.streams[handle]
	d.mu.Unlock()
	if !ok {
		return cuda.ErrorNotFound
	}
	done := make(chan struct{})
	s.wg.Add(1)
	s.queue <- func() { close(done) }
	<-done
	return cuda.Success
}

func (d *Driver) enqueue(handle cuda.Stream, fn func()) {
	d.mu.Lock()
	s, ok := d.streams[handle]
	d.mu.Unlock()
	if !ok {
		panic("cusim: launch on unknown stream")
	}
	s.wg.Add(1)
	s.queue <- fn
}

func (d *Driver) drainAll() {
	d.mu.Lock()
	streams := make([]cuda.Stream, 0, len(d.streams))
	for handle := range d.streams {
		streams = append(streams, handle)
	}
	d.mu.Unlock()
	for _, handle := range streams {
		d.StreamSynchronize(handle)
	}
}

// EventCreate implements cuda.Driver.
func (d *Driver) EventCreate(uint32) (cuda.Event, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := cuda.Event(d.handle())
	d.events[handle] = &event{}
	return handle, cuda.Success
}

// EventDestroy implements cuda.Driver.
func (d *Driver) EventDestroy(handle cuda.Event) cuda.Result {
	d.mu.Lock()
	delete(d.events, handle)
	d.mu.Unlock()
	return cuda.Success
}

// EventRecord implements cuda.Driver.
func (d *Driver) EventRecord(handle cuda.Event, s cuda.Stream) cuda.Result {
	d.mu.Lock()
	e, ok := d.events[handle]
	d.mu.Unlock()
	if !ok {
		return cuda.ErrorNotFound
	}
	wait := make(chan struct{})
	e.mu.Lock()
	e.wait = wait
	e.mu.Unlock()
	d.enqueue(s, func() { close(wait) })
	return cuda.Success
}

// EventSynchronize implements cuda.Driver.
func (d *Driver) EventSynchronize(handle cuda.Event) cuda.Result {
	d.mu.Lock()
	e, ok := d.events[handle]
	d.mu.Unlock()
	if !ok {
		return cuda.ErrorNotFound
	}
	e.mu.Lock()
	wait := e.wait
	e.mu.Unlock()
	if wait != nil {
		<-wait
	}
	return cuda.Success
}

// GetErrorName implements cuda.Driver.
func (d *Driver) GetErrorName(result cuda.Result) string {
	switch result {
	case cuda.Success:
		return "CUDA_SUCCESS"
	case cuda.ErrorOutOfMemory:
		return "CUDA_ERROR_OUT_OF_MEMORY"
	case cuda.ErrorNotFound:
		return "CUDA_ERROR_NOT_FOUND"
	case cuda.ErrorDeinitialized:
		return "CUDA_ERROR_DEINITIALIZED"
	}
	return "CUDA_ERROR_UNKNOWN"
}
