package cuda

// Device is the read-only descriptor of one accelerator.
type Device struct {
	// ID is the device index.
	ID int
	// Name is the marketing name reported by the driver.
	Name string
	// ComputeCapability is major*10 + minor.
	ComputeCapability int
	// SMCount is the number of streaming multiprocessors.
	SMCount uint32
	// SharedMemoryBytes is the per-block shared memory cap (opt-in).
	SharedMemoryBytes uint32
	// MemoryBytes is the total device memory.
	MemoryBytes uintptr

	// Context is the retained primary context.
	Context Context
}

// LaunchConfig picks a (blockCount, threadCount) pair for a kernel
// processing size lanes with at most maxThreads threads per block and at
// most maxBlocksPerSM blocks per multiprocessor.
func (d *Device) LaunchConfig(size, maxThreads, maxBlocksPerSM uint32) (blockCount, threadCount uint32) {
	blocksAvail := (size + maxThreads - 1) / maxThreads

	if blocksAvail < d.SMCount {
		// Not enough work to keep every SM busy with one block.
		blockCount = blocksAvail
	} else {
		blocksPerSM := min(blocksAvail/d.SMCount, maxBlocksPerSM)
		blockCount = blocksPerSM * d.SMCount
	}

	threadCount = maxThreads
	if blockCount <= 1 {
		threadCount = min(size, maxThreads)
	}
	return
}

// queryDevice fills a Device record from driver attributes.
func queryDevice(drv Driver, id int) *Device {
	name, result := drv.DeviceGetName(id)
	check(drv, result, "cuDeviceGetName")
	major, result := drv.DeviceGetAttribute(AttrComputeCapabilityMajor, id)
	check(drv, result, "cuDeviceGetAttribute")
	minor, result := drv.DeviceGetAttribute(AttrComputeCapabilityMinor, id)
	check(drv, result, "cuDeviceGetAttribute")
	smCount, result := drv.DeviceGetAttribute(AttrMultiprocessorCount, id)
	check(drv, result, "cuDeviceGetAttribute")
	sharedMem, result := drv.DeviceGetAttribute(AttrMaxSharedMemoryPerBlockOpt, id)
	check(drv, result, "cuDeviceGetAttribute")
	totalMem, result := drv.DeviceTotalMem(id)
	check(drv, result, "cuDeviceTotalMem")
	ctx, result := drv.DevicePrimaryCtxRetain(id)
	check(drv, result, "cuDevicePrimaryCtxRetain")

	return &Device{
		ID:                id,
		Name:              name,
		ComputeCapability: major*10 + minor,
		SMCount:           uint32(smCount),
		SharedMemoryBytes: uint32(sharedMem),
		MemoryBytes:       totalMem,
		Context:           ctx,
	}
}
