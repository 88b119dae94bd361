package jit

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/zeebo/xxh3"
	"k8s.io/klog/v2"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/internal/alloc"
	"github.com/gojit/gojit/types/vartype"
)

// cudaArgLimit is the direct-argument ceiling of the CUDA launch path;
// larger parameter vectors are staged through device memory.
const cudaArgLimit = 512

// Per-eval assembler scratch, reused across calls (the evaluator is
// serialized by the eval lock).
var (
	kernelParams []unsafe.Pointer
	// kernelParamsStaged is the device copy of the parameter vector when
	// staging was required; freed by the evaluator after the launch.
	kernelParamsStaged unsafe.Pointer

	globals     []string
	callables   []string
	globalsMap  map[xxh3.Uint128]uint32
	kernelHash  xxh3.Uint128
	kernelName  string
	usesRaygen  bool
	kernelNRegs uint32
)

func init() {
	globalsMap = make(map[xxh3.Uint128]uint32)
}

const (
	kernelNamePlaceholder = "^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^"
	kernelPrefix          = "gojit_"
	raygenPrefix          = "__raygen__"
)

// RegisterGlobal adds a global declaration (intrinsic, constant table) to
// the current kernel, deduplicated by its textual hash.
func RegisterGlobal(text string) {
	hash := xxh3.Hash128([]byte(text))
	if _, seen := globalsMap[hash]; seen {
		return
	}
	globalsMap[hash] = uint32(len(globals))
	globals = append(globals, text)
}

// RegisterCallable adds a callable sub-kernel (invoked by indirect call)
// deduplicated by its textual hash, and returns its slot index.
func RegisterCallable(text string) uint32 {
	hash := xxh3.Hash128([]byte(text))
	if slot, seen := globalsMap[hash]; seen {
		return slot
	}
	slot := uint32(len(callables))
	globalsMap[hash] = slot
	callables = append(callables, text)
	return slot
}

// assemble emits one kernel for a scheduled group into the shared scratch
// buffer: register assignment, parameter classification, statement
// emission, and the content-hash kernel name.
func assemble(ts *ThreadState, group ScheduledGroup) {
	backend := ts.Backend()

	kernelParams = kernelParams[:0]
	kernelParamsStaged = nil
	globals = globals[:0]
	callables = callables[:0]
	clear(globalsMap)

	usesRaygen = backend == backends.CUDA && HasFlag(ForceRaygen)

	var nParamsIn, nParamsOut, nSideEffects int
	nRegs := ts.ReservedRegs()

	if backend == backends.CUDA {
		// Slot 0 carries the lane count as a value.
		kernelParams = append(kernelParams, unsafe.Pointer(uintptr(group.Size)))
	} else {
		// Slots reserved for kernel pointer, packed size word, profiler
		// cookie.
		for i := 0; i < ts.ReservedParams(); i++ {
			kernelParams = append(kernelParams, nil)
		}
	}

	for gi := group.Start; gi != group.End; gi++ {
		index := schedule[gi].Index
		v := variable(index)

		if v.Backend != backend {
			exceptions.Panicf("jit: assemble(): variable r%d scheduled in wrong thread state", index)
		}
		if v.refCountInt == 0 && v.RefCountExt == 0 {
			exceptions.Panicf("jit: assemble(): schedule contains unreferenced variable r%d", index)
		}
		if v.Size != 1 && v.Size != group.Size {
			exceptions.Panicf("jit: assemble(): schedule contains variable r%d with incompatible size (%d and %d)",
				index, v.Size, group.Size)
		}
		if v.Data == nil && !v.Literal && v.Stmt == "" && !hasAssembleHook(index, v) {
			exceptions.Panicf("jit: assemble(): variable r%d has no statement", index)
		}
		if v.Literal && v.Data != nil {
			exceptions.Panicf("jit: assemble(): variable r%d is simultaneously literal and evaluated", index)
		}
		if v.RefCountSE != 0 {
			exceptions.Panicf("jit: assemble(): dirty variable r%d encountered", index)
		}

		v.ParamOffset = uint32(len(kernelParams))
		switch {
		case v.Data != nil:
			v.ParamType = ParamInput
			kernelParams = append(kernelParams, v.Data)
			nParamsIn++
		case v.OutputFlag && v.Size == group.Size:
			isize := uintptr(v.Type.Size())
			dsize := uintptr(group.Size) * isize
			atype := alloc.Device
			if backend == backends.CPU {
				atype = alloc.HostAsync
				// Padding for out-of-bounds vector loads on narrow types.
				if isize < 4 {
					dsize += 4 - isize
				}
			}
			data := alloc.Malloc(atype, dsize)

			// The variable table may have changed across the allocation.
			v = variable(index)
			v.Data = data
			v.ParamType = ParamOutput
			kernelParams = append(kernelParams, data)
			nParamsOut++
		case v.Literal && v.Type == vartype.Pointer:
			v.ParamType = ParamInput
			kernelParams = append(kernelParams, unsafe.Pointer(uintptr(v.Value)))
			nParamsIn++
		default:
			v.ParamType = ParamRegister
			v.ParamOffset = paramOffsetNone
			if v.SideEffect {
				nSideEffects++
			}
		}

		v.RegIndex = nRegs
		nRegs++
	}

	if nRegs > 0xFFFFF {
		klog.Warningf("jit: the generated kernel uses more than 1 million variables (%d) "+
			"and will likely not run efficiently; consider evaluating more often", nRegs)
	}
	if len(kernelParams) > 8192 {
		klog.Warningf("jit: the generated kernel accesses more than 8192 arrays (%d) "+
			"and will likely not run efficiently; consider evaluating more often", len(kernelParams))
	}
	kernelNRegs = nRegs

	// Oversized or raygen parameter vectors go through device memory.
	if backend == backends.CUDA && (usesRaygen || len(kernelParams) > cudaArgLimit) {
		size := uintptr(len(kernelParams)) * unsafe.Sizeof(unsafe.Pointer(nil))
		pinned := alloc.Malloc(alloc.HostPinned, size)
		copy(unsafe.Slice((*unsafe.Pointer)(pinned), len(kernelParams)), kernelParams)
		kernelParamsStaged = alloc.Malloc(alloc.Device, size)
		ts.MemcpyAsync(kernelParamsStaged, pinned, size)
		alloc.Free(pinned)
		kernelParams = append(kernelParams[:0], kernelParamsStaged)
	}

	// Emit the kernel text.
	buf := state.buffer
	buf.Clear()
	prefix := kernelPrefix
	if usesRaygen {
		prefix = raygenPrefix
	}
	buf.Fmt(".entry %s%s backend=%s regs=%d params=%d\n",
		prefix, kernelNamePlaceholder, backend, nRegs, len(kernelParams))
	for _, global := range globals {
		buf.Put(global)
		buf.PutByte('\n')
	}
	for gi := group.Start; gi != group.End; gi++ {
		emitVariable(schedule[gi].Index, group)
	}
	for _, callable := range callables {
		buf.Put(callable)
		buf.PutByte('\n')
	}
	buf.Put(".end\n")

	// Derive the kernel name from the content hash and patch the
	// placeholder in place.
	kernelHash = xxh3.Hash128(buf.Bytes())
	kernelName = fmt.Sprintf("%s%016x%016x", prefix, kernelHash.Hi, kernelHash.Lo)
	placeholder := bytes.IndexByte(buf.Bytes(), '^')
	if placeholder < 0 {
		exceptions.Panicf("jit: eval(): could not find kernel name")
	}
	buf.Patch(placeholder-len(prefix), kernelName)

	if HasFlag(PrintIR) {
		fmt.Fprintf(os.Stderr, "%s\n", buf.String())
	}

	klog.V(1).Infof("jit: launching %016x%016x (n=%d, in=%d, out=%d, se=%d, regs=%d)",
		kernelHash.Hi, kernelHash.Lo, group.Size, nParamsIn, nParamsOut, nSideEffects, nRegs)
}

func hasAssembleHook(index uint32, v *Variable) bool {
	if !v.Extra {
		return false
	}
	extra := state.extras[index]
	return extra != nil && extra.Assemble != nil
}

// emitVariable writes one scheduled variable's IR.
func emitVariable(index uint32, group ScheduledGroup) {
	buf := state.buffer
	v := variable(index)

	if hasAssembleHook(index, v) {
		state.extras[index].Assemble(v, buf)
	} else {
		switch {
		case v.ParamType == ParamInput && v.Literal:
			// Pointer literal: the slot value is the operand.
			buf.Fmt("    %%r%d = load_param_val.%s [%d]\n", v.RegIndex, v.Type, v.ParamOffset)
		case v.ParamType == ParamInput:
			if v.Size == 1 && group.Size > 1 {
				buf.Fmt("    %%r%d = load_param_scalar.%s [%d]\n", v.RegIndex, v.Type, v.ParamOffset)
			} else {
				buf.Fmt("    %%r%d = load_param.%s [%d]\n", v.RegIndex, v.Type, v.ParamOffset)
			}
			return
		case v.Literal:
			buf.Fmt("    %%r%d = mov.%s #0x%x\n", v.RegIndex, v.Type, v.Value)
		default:
			buf.Put("    ")
			expandStmt(v)
			buf.PutByte('\n')
		}
	}

	if v.ParamType == ParamOutput {
		buf.Fmt("    store_param.%s [%d], %%r%d\n", v.Type, v.ParamOffset, v.RegIndex)
	}
}

// expandStmt renders a statement fragment, substituting $r, $r1..$r4
// (registers), $t, $t1..$t4 (lane types), and $i, $i1..$i4 (bare register
// numbers, used to build label names).
func expandStmt(v *Variable) {
	buf := state.buffer
	stmt := v.Stmt
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if c != '$' || i+1 == len(stmt) {
			buf.PutByte(c)
			continue
		}
		i++
		kind := stmt[i]
		slot := -1
		if i+1 < len(stmt) && stmt[i+1] >= '1' && stmt[i+1] <= '4' {
			slot = int(stmt[i+1] - '1')
			i++
		}
		switch kind {
		case 'r':
			if slot < 0 {
				buf.Put("%r" + strconv.FormatUint(uint64(v.RegIndex), 10))
			} else {
				dep := variable(v.Dep[slot])
				buf.Put("%r" + strconv.FormatUint(uint64(dep.RegIndex), 10))
			}
		case 't':
			if slot < 0 {
				buf.Put(v.Type.String())
			} else {
				buf.Put(variable(v.Dep[slot]).Type.String())
			}
		case 'i':
			if slot < 0 {
				buf.Put(strconv.FormatUint(uint64(v.RegIndex), 10))
			} else {
				buf.Put(strconv.FormatUint(uint64(variable(v.Dep[slot]).RegIndex), 10))
			}
		default:
			exceptions.Panicf("jit: malformed statement fragment %q", stmt)
		}
	}
}
