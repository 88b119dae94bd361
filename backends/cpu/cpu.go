// Package cpu implements the thread-pool execution backend: vectorized
// kernels interpreted over lane blocks, chained into a task DAG per thread
// state. It is the portable fallback and the reference implementation for
// the primitive contracts.
package cpu

import (
	"github.com/gojit/gojit/backends"
)

// BackendName is the name to use in GOJIT_BACKEND to select this backend.
const BackendName = "cpu"

// BlockSize is the number of lanes one primitive block covers.
const BlockSize = 16384

// PoolBlockSize is the number of lanes per worker slice of a JIT kernel
// launch.
const PoolBlockSize = 16384

// VectorWidth is the notional SIMD width of the generated kernels. The
// interpreter executes lane-at-a-time; the constant is part of the kernel
// contract only.
const VectorWidth = 8

func init() {
	backends.Register(BackendName, New)
}

// New constructs the CPU backend. The configuration string is ignored.
func New(_ string) backends.Backend {
	return &Backend{pool: NewPool()}
}

// Backend implements backends.Backend on the worker pool.
type Backend struct {
	pool *Pool
}

var _ backends.Backend = (*Backend)(nil)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "Thread-pool CPU backend (interpreted vector kernels)"
}

// NumDevices implements backends.Backend; the host is one device.
func (b *Backend) NumDevices() int { return 1 }

// Pool returns the backend's worker pool.
func (b *Backend) Pool() *Pool { return b.pool }

// ThreadState implements backends.Backend.
func (b *Backend) ThreadState(device int) backends.ThreadState {
	return &ThreadState{backend: b, device: device}
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {}
