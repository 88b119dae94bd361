// Package backends defines the contract between the JIT evaluator core and
// its execution backends: the capability set every thread state implements,
// the compiled-kernel record, reduction and kernel-type tags, the runtime
// flag word, and the kernel-history accumulator.
//
// Two backends exist: the CUDA path (driver API, one stream per thread
// state) and the CPU path (worker pool, one task chain per thread state).
// Both register themselves here during package initialization.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Type tags one of the two execution backends.
type Type uint8

const (
	None Type = iota
	CUDA
	CPU
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case CUDA:
		return "cuda"
	case CPU:
		return "cpu"
	}
	return "none"
}

// ParseType maps a backend name back to its tag.
func ParseType(name string) (Type, bool) {
	switch name {
	case "cuda":
		return CUDA, true
	case "cpu":
		return CPU, true
	}
	return None, false
}

// Backend is implemented by each execution backend. A Backend is a process
// singleton; ThreadState creates the per-caller handle that all work goes
// through.
type Backend interface {
	// Name returns the short backend name ("cuda" or "cpu").
	Name() string

	// Description is a longer human-readable description.
	Description() string

	// NumDevices returns the number of usable devices (the CPU backend
	// always reports 1).
	NumDevices() int

	// ThreadState creates a new thread state bound to the given device.
	ThreadState(device int) ThreadState

	// Finalize releases all backend resources; the backend is invalid
	// afterwards.
	Finalize()
}

// Constructor builds a backend from a backend-specific configuration string.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. Call from an init
// function.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// GOJIT_BACKEND is the environment variable selecting the default backend.
// Its format is "<backend_name>:<backend_configuration>"; the configuration
// part is passed to the backend constructor verbatim.
const GOJIT_BACKEND = "GOJIT_BACKEND"

// New returns a backend built from the GOJIT_BACKEND environment variable,
// or the first registered backend with an empty configuration.
func New() Backend {
	if config, found := os.LookupEnv(GOJIT_BACKEND); found {
		return NewWithConfig(config)
	}
	return NewWithConfig("")
}

// NewWithConfig builds a backend from a "<name>:<config>" string. An empty
// string selects the first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- import one, e.g. _ "github.com/gojit/gojit/backends/cpu"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q", backendName, config)
	}
	return constructor(backendConfig)
}
