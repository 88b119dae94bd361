package cuda

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
)

// CompileKernel implements backends.ThreadState: the assembled IR goes
// through the driver's link pipeline and comes back as a loadable image.
func (ts *ThreadState) CompileKernel(irText []byte, name string) (*backends.Kernel, error) {
	drv := ts.backend.drv
	ts.setContext()

	link, result := drv.LinkCreate()
	check(drv, result, "cuLinkCreate")
	check(drv, drv.LinkAddData(link, irText, name), "cuLinkAddData")
	image, result := drv.LinkComplete(link)
	check(drv, result, "cuLinkComplete")

	// The image is only valid until the link state is destroyed.
	data := make([]byte, len(image))
	copy(data, image)
	check(drv, drv.LinkDestroy(link), "cuLinkDestroy")

	klog.V(1).Infof("cuda.CompileKernel(): %s: %s", name, humanize.IBytes(uint64(len(data))))
	return &backends.Kernel{
		Name:    name,
		Data:    data,
		Size:    uint32(len(data)),
		Backend: backends.CUDA,
	}, nil
}

// LoadKernel implements backends.ThreadState: module load (with a single
// allocator-trim retry on out-of-memory), entry-point lookup, and occupancy
// and cache-carveout setup. The artifact bytes are dropped after a
// successful load.
func (ts *ThreadState) LoadKernel(k *backends.Kernel) error {
	drv := ts.backend.drv
	ts.setContext()

	module, result := drv.ModuleLoadData(k.Data)
	if result == ErrorOutOfMemory {
		alloc.Trim(true, true)
		module, result = drv.ModuleLoadData(k.Data)
	}
	check(drv, result, "cuModuleLoadData")

	fn, result := drv.ModuleGetFunction(module, k.Name)
	check(drv, result, "cuModuleGetFunction")

	// Pick the thread count maximizing occupancy.
	_, blockSize, result := drv.OccupancyMaxPotentialBlockSize(fn)
	check(drv, result, "cuOccupancyMaxPotentialBlockSize")

	// JIT kernels use no shared memory; prefer a large L1.
	check(drv, drv.FuncSetAttribute(fn, FuncAttrMaxDynamicSharedSizeBytes, 0), "cuFuncSetAttribute")
	check(drv, drv.FuncSetAttribute(fn, FuncAttrPreferredSharedMemoryCarveout, SharedMemCarveoutMaxL1), "cuFuncSetAttribute")

	k.CUDA = backends.KernelCUDA{
		Module:    uintptr(module),
		Func:      uintptr(fn),
		BlockSize: uint32(blockSize),
	}
	k.Data = nil
	return nil
}

// LaunchKernel implements backends.ThreadState. The parameter vector is
// passed as one staged launch buffer (the driver's pointer/size/end
// sentinel mechanism); when the evaluator staged the parameters through
// device memory, params is already the single staged pointer.
func (ts *ThreadState) LaunchKernel(k *backends.Kernel, size uint32, params []unsafe.Pointer, _ unsafe.Pointer) backends.Task {
	ts.setContext()

	blockCount, threadCount := ts.device.LaunchConfig(size, k.CUDA.BlockSize, 4)
	buffer := &LaunchBuffer{
		Ptr:  unsafe.Pointer(unsafe.SliceData(params)),
		Size: uintptr(len(params)) * unsafe.Sizeof(unsafe.Pointer(nil)),
	}

	klog.V(2).Infof("cuda.LaunchKernel(): %s: %d lanes, %d blocks x %d threads",
		k.Name, size, blockCount, threadCount)

	ts.submit(backends.KernelJIT, Function(k.CUDA.Func), blockCount, threadCount, 0,
		nil, buffer, size)
	return nil
}
