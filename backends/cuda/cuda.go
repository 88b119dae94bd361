package cuda

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/types/vartype"
)

// BackendName is the name to use in GOJIT_BACKEND to select this backend.
const BackendName = "cuda"

// ArgLimit is the maximum direct kernel argument count; larger parameter
// vectors are staged through a device buffer.
const ArgLimit = 512

// WarpSize is the SIMT width assumed by the supplemental kernels.
const WarpSize = 32

// KernelsEnv names the environment variable pointing at the compiled
// supplemental-kernel image (fill, reductions, scan, compress, mkperm,
// transpose, block ops). The image is produced offline; an in-process
// driver may ignore it and dispatch on entry-point names alone.
const KernelsEnv = "GOJIT_CUDA_KERNELS"

func init() {
	backends.Register(BackendName, func(config string) backends.Backend {
		drv, err := loadSystemDriver(config)
		if err != nil {
			exceptions.Panicf("cuda: driver unavailable: %v", err)
		}
		return NewWithDriver(drv)
	})
}

// deviceKernels holds the per-device entry points of the supplemental
// module. Absent entries are zero; their use is a programmer error reported
// at the call site.
type deviceKernels struct {
	module Module

	fill64 Function

	reductions [backends.ReduceOpCount][vartype.Count]Function

	prefixSumExcSmall [vartype.Count]Function
	prefixSumIncSmall [vartype.Count]Function
	prefixSumExcLarge [vartype.Count]Function
	prefixSumIncLarge [vartype.Count]Function
	prefixSumLargeInit Function

	compressSmall Function
	compressLarge Function

	mkpermPhase1Tiny  Function
	mkpermPhase1Small Function
	mkpermPhase1Large Function
	mkpermPhase3      Function
	mkpermPhase4Tiny  Function
	mkpermPhase4Small Function
	mkpermPhase4Large Function
	transpose         Function

	blockCopy [vartype.Count]Function
	blockSum  [vartype.Count]Function

	poke      [vartype.Count]Function
	aggregate Function
}

// Backend implements backends.Backend through a Driver.
type Backend struct {
	drv     Driver
	devices []*Device
	kernels []*deviceKernels
}

var _ backends.Backend = (*Backend)(nil)

// NewWithDriver initializes the backend on an explicit driver. Used by
// tests to substitute the in-process driver.
func NewWithDriver(drv Driver) *Backend {
	check(drv, drv.Init(), "cuInit")
	count, result := drv.DeviceGetCount()
	check(drv, result, "cuDeviceGetCount")
	if count == 0 {
		exceptions.Panicf("cuda: no devices found")
	}

	b := &Backend{drv: drv}
	image := loadKernelImage()
	for id := 0; id < count; id++ {
		device := queryDevice(drv, id)
		klog.V(1).Infof("cuda: device %d: %q, compute capability %d.%d, %d SMs, %s",
			id, device.Name, device.ComputeCapability/10, device.ComputeCapability%10,
			device.SMCount, humanize.IBytes(uint64(device.MemoryBytes)))
		b.devices = append(b.devices, device)
		b.kernels = append(b.kernels, b.loadDeviceKernels(device, image))
	}
	return b
}

func loadKernelImage() []byte {
	path := os.Getenv(KernelsEnv)
	if path == "" {
		return nil
	}
	image, err := os.ReadFile(path)
	if err != nil {
		exceptions.Panicf("cuda: cannot read supplemental kernels %q: %v", path, err)
	}
	return image
}

// loadDeviceKernels loads the supplemental module and resolves its entry
// points for one device.
func (b *Backend) loadDeviceKernels(device *Device, image []byte) *deviceKernels {
	drv := b.drv
	check(drv, drv.CtxSetCurrent(device.Context), "cuCtxSetCurrent")
	module, result := drv.ModuleLoadData(image)
	check(drv, result, "cuModuleLoadData")

	k := &deviceKernels{module: module}
	lookup := func(name string) Function {
		fn, result := drv.ModuleGetFunction(module, name)
		if result != Success {
			klog.V(2).Infof("cuda: device %d: no supplemental kernel %q", device.ID, name)
			return 0
		}
		return fn
	}

	k.fill64 = lookup("fill_64")
	k.prefixSumLargeInit = lookup("prefix_sum_large_init")
	k.compressSmall = lookup("compress_small")
	k.compressLarge = lookup("compress_large")
	k.mkpermPhase1Tiny = lookup("mkperm_phase_1_tiny")
	k.mkpermPhase1Small = lookup("mkperm_phase_1_small")
	k.mkpermPhase1Large = lookup("mkperm_phase_1_large")
	k.mkpermPhase3 = lookup("mkperm_phase_3")
	k.mkpermPhase4Tiny = lookup("mkperm_phase_4_tiny")
	k.mkpermPhase4Small = lookup("mkperm_phase_4_small")
	k.mkpermPhase4Large = lookup("mkperm_phase_4_large")
	k.transpose = lookup("transpose")
	k.aggregate = lookup("aggregate")

	for op := backends.ReduceAdd; op < backends.ReduceOpCount; op++ {
		for t := vartype.Int8; t < vartype.Pointer; t++ {
			k.reductions[op][t] = lookup(fmt.Sprintf("reduce_%s_%s", op, t))
		}
	}
	for _, t := range []vartype.VarType{vartype.UInt32, vartype.UInt64, vartype.Float32, vartype.Float64} {
		k.prefixSumExcSmall[t] = lookup(fmt.Sprintf("prefix_sum_exc_small_%s", t))
		k.prefixSumIncSmall[t] = lookup(fmt.Sprintf("prefix_sum_inc_small_%s", t))
		k.prefixSumExcLarge[t] = lookup(fmt.Sprintf("prefix_sum_exc_large_%s", t))
		k.prefixSumIncLarge[t] = lookup(fmt.Sprintf("prefix_sum_inc_large_%s", t))
	}
	for _, t := range []vartype.VarType{vartype.UInt8, vartype.UInt16, vartype.UInt32, vartype.UInt64, vartype.Float32, vartype.Float64} {
		k.blockCopy[t] = lookup(fmt.Sprintf("block_copy_%s", t))
		k.blockSum[t] = lookup(fmt.Sprintf("block_sum_%s", t))
	}
	for _, t := range []vartype.VarType{vartype.UInt8, vartype.UInt16, vartype.UInt32, vartype.UInt64} {
		k.poke[t] = lookup(fmt.Sprintf("poke_%s", t))
	}
	return k
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "CUDA driver backend (JIT-compiled device kernels)"
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return len(b.devices) }

// DeviceInfo returns the descriptor of one device.
func (b *Backend) DeviceInfo(device int) *Device { return b.devices[device] }

// Driver returns the backend's driver.
func (b *Backend) Driver() Driver { return b.drv }

// ThreadState implements backends.Backend: it creates the per-caller stream
// and synchronization event.
func (b *Backend) ThreadState(device int) backends.ThreadState {
	if device < 0 || device >= len(b.devices) {
		exceptions.Panicf("cuda: device %d out of range", device)
	}
	drv := b.drv
	dev := b.devices[device]
	check(drv, drv.CtxSetCurrent(dev.Context), "cuCtxSetCurrent")
	stream, result := drv.StreamCreate(StreamNonBlocking)
	check(drv, result, "cuStreamCreate")
	event, result := drv.EventCreate(EventDisableTiming)
	check(drv, result, "cuEventCreate")
	return &ThreadState{
		backend: b,
		device:  dev,
		kernels: b.kernels[device],
		stream:  stream,
		event:   event,
	}
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	for i, device := range b.devices {
		b.drv.ModuleUnload(b.kernels[i].module)
		b.drv.DevicePrimaryCtxRelease(device.ID)
	}
	b.devices = nil
	b.kernels = nil
}
