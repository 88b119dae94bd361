package jit

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
)

// KernelKey identifies a compiled kernel in the in-memory cache. The IR
// text is stored by value (the cache owns its copy); equality is over the
// full text plus device and extra flags.
type KernelKey struct {
	IR     string
	Device int
	Flags  uint64
}

// runKernel resolves the just-assembled kernel through the cache tiers
// (memory, disk, fresh compile), loads it if needed, and launches it.
// Mirrors the lookup order of §4.3: memory by (IR, device, flags), disk by
// (backend, content hash), then the backend compiler.
func runKernel(ts *ThreadState, group ScheduledGroup) backends.Task {
	var extraFlags uint64
	if usesRaygen {
		extraFlags = raygenPipelineFlags()
	}

	key := KernelKey{
		IR:     state.buffer.String(),
		Device: ts.Device(),
		Flags:  extraFlags,
	}

	kernel, found := state.kernelCache[key]
	if !found {
		cacheHit := false
		var err error

		if !usesRaygen {
			kernel, err = diskCacheLoad(ts.Backend(), kernelHash, kernelName)
			if err != nil {
				klog.V(1).Infof("jit: disk cache: %v", err)
			}
			cacheHit = kernel != nil
		}

		if !cacheHit {
			irText := []byte(key.IR)
			name := kernelName
			unlocked(func() {
				kernel, err = ts.CompileKernel(irText, name)
			})
			if err != nil {
				exceptions.Panicf("jit: kernel compilation failed: %v", err)
			}
			if kernel.Data != nil {
				if werr := diskCacheWrite(ts.Backend(), kernelHash, kernel.Data); werr != nil {
					klog.V(1).Infof("jit: disk cache write: %v", werr)
				}
			}
		}

		kernel.Name = kernelName
		unlocked(func() {
			err = ts.LoadKernel(kernel)
		})
		if err != nil {
			exceptions.Panicf("jit: kernel load failed: %v", err)
		}

		state.kernelCache[key] = kernel
		if cacheHit {
			state.kernelSoftMisses++
		} else {
			state.kernelHardMisses++
		}
		klog.V(1).Infof("jit: cache %s for %s", map[bool]string{true: "hit, load", false: "miss, build"}[cacheHit], kernelName)
	} else {
		state.kernelHits++
	}
	state.kernelLaunches++

	return ts.LaunchKernel(kernel, group.Size, kernelParams, kernelParamsStaged)
}

// raygenPipelineFlags packs the active pipeline compile options into the
// cache key's extra-flags word.
func raygenPipelineFlags() uint64 {
	// A single fixed pipeline configuration is supported; the packing
	// mirrors the attribute/payload/motion-blur layout of the pipeline
	// options so future options extend the same word.
	const (
		numAttributeValues = 2
		numPayloadValues   = 2
	)
	return uint64(numAttributeValues)<<0 | uint64(numPayloadValues)<<4
}

// ---- on-disk tier ----

// Disk cache format: a fixed header followed by the artifact bytes. Any
// mismatch (magic, version, backend, driver) is a silent miss, so stale
// caches from older runtimes never load.
const (
	diskCacheMagic   = 0x474A4B43 // "GJKC"
	diskCacheVersion = 1
	// diskCacheDriverVersion changes whenever the backend compilers change
	// incompatibly.
	diskCacheDriverVersion = 1

	diskCacheHeaderSize = 4 + 2 + 1 + 1 + 4 + 4
)

// GOJIT_CACHE_DIR overrides the on-disk kernel cache location.
const GOJIT_CACHE_DIR = "GOJIT_CACHE_DIR"

func diskCacheDir() (string, error) {
	if dir := os.Getenv(GOJIT_CACHE_DIR); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving cache directory")
	}
	return filepath.Join(home, ".gojit"), nil
}

func diskCachePath(backend backends.Type, hash xxh3.Uint128) (string, error) {
	dir, err := diskCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, diskCacheFileName(backend, hash)), nil
}

func diskCacheFileName(backend backends.Type, hash xxh3.Uint128) string {
	return backend.String() + "-" + hashHex(hash) + ".kernel"
}

func hashHex(hash xxh3.Uint128) string {
	const digits = "0123456789abcdef"
	var out [32]byte
	for i := 0; i < 16; i++ {
		out[15-i] = digits[(hash.Hi>>(4*i))&0xF]
		out[31-i] = digits[(hash.Lo>>(4*i))&0xF]
	}
	return string(out[:])
}

// diskCacheLoad returns the cached kernel artifact, nil on a (silent) miss,
// or an error for unexpected I/O failures.
func diskCacheLoad(backend backends.Type, hash xxh3.Uint128, name string) (*backends.Kernel, error) {
	path, err := diskCachePath(backend, hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(data) < diskCacheHeaderSize {
		return nil, nil
	}
	if binary.LittleEndian.Uint32(data) != diskCacheMagic ||
		binary.LittleEndian.Uint16(data[4:]) != diskCacheVersion ||
		data[6] != byte(backend) ||
		binary.LittleEndian.Uint32(data[8:]) != diskCacheDriverVersion {
		return nil, nil
	}
	size := binary.LittleEndian.Uint32(data[12:])
	payload := data[diskCacheHeaderSize:]
	if uint32(len(payload)) != size {
		return nil, nil
	}
	return &backends.Kernel{
		Name:    name,
		Data:    payload,
		Size:    size,
		Backend: backend,
	}, nil
}

// diskCacheWrite persists a freshly built artifact, writing to a unique
// temporary file first so concurrent processes never observe a torn entry.
func diskCacheWrite(backend backends.Type, hash xxh3.Uint128, artifact []byte) error {
	path, err := diskCachePath(backend, hash)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	header := make([]byte, diskCacheHeaderSize, diskCacheHeaderSize+len(artifact))
	binary.LittleEndian.PutUint32(header, diskCacheMagic)
	binary.LittleEndian.PutUint16(header[4:], diskCacheVersion)
	header[6] = byte(backend)
	binary.LittleEndian.PutUint32(header[8:], diskCacheDriverVersion)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(artifact)))

	tmp := filepath.Join(dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, append(header, artifact...), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s", tmp)
	}
	return nil
}
