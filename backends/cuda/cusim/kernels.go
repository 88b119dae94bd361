package cusim

import (
	"math"
	"strings"
	"unsafe"

	"github.com/gojit/gojit/backends"
	"github.com/gojit/gojit/backends/cuda"
	"github.com/gojit/gojit/types/vartype"
)

// launch carries one launch's geometry and its argument values, captured at
// launch time exactly like the real driver does.
type launch struct {
	gridX, gridY   uint32
	blockX, blockY uint32
	shared         uint32
	args           []uint64
}

func (l *launch) ptr(i int) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&l.args[i]))
}
func (l *launch) u32(i int) uint32 { return uint32(l.args[i]) }
func (l *launch) u64(i int) uint64 { return l.args[i] }

// builtinArgWidths returns the byte width of each argument of a
// supplemental kernel, or nil when the entry point does not exist.
func builtinArgWidths(name string) []int {
	switch {
	case name == "fill_64":
		return []int{8, 4, 8}
	case strings.HasPrefix(name, "reduce_"):
		if _, _, ok := reduceNameParts(name); !ok {
			return nil
		}
		return []int{8, 4, 8}
	case name == "prefix_sum_large_init":
		return []int{8, 4}
	case strings.HasPrefix(name, "prefix_sum_"):
		if _, _, large, ok := scanNameParts(name); !ok {
			return nil
		} else if large {
			return []int{8, 8, 4, 8}
		}
		return []int{8, 8, 4}
	case name == "compress_small":
		return []int{8, 8, 4, 8}
	case name == "compress_large":
		return []int{8, 8, 8, 8}
	case strings.HasPrefix(name, "mkperm_phase_1_"):
		return []int{8, 8, 4, 4, 4}
	case name == "mkperm_phase_3":
		return []int{8, 4, 4, 4, 8, 8}
	case strings.HasPrefix(name, "mkperm_phase_4_"):
		return []int{8, 8, 8, 4, 4, 4}
	case name == "transpose":
		return []int{8, 8, 4, 4}
	case strings.HasPrefix(name, "block_copy_"), strings.HasPrefix(name, "block_sum_"):
		if _, ok := vartype.Parse(name[strings.LastIndexByte(name, '_')+1:]); !ok {
			return nil
		}
		return []int{8, 8, 4, 4}
	case strings.HasPrefix(name, "poke_"):
		t, ok := vartype.Parse(strings.TrimPrefix(name, "poke_"))
		if !ok {
			return nil
		}
		return []int{8, int(t.Size())}
	case name == "aggregate":
		return []int{8, 8, 4}
	}
	return nil
}

func reduceNameParts(name string) (backends.ReduceOp, vartype.VarType, bool) {
	rest := strings.TrimPrefix(name, "reduce_")
	opName, typeName, found := strings.Cut(rest, "_")
	if !found {
		return 0, 0, false
	}
	t, ok := vartype.Parse(typeName)
	if !ok {
		return 0, 0, false
	}
	for op := backends.ReduceAdd; op < backends.ReduceOpCount; op++ {
		if op.String() == opName {
			return op, t, true
		}
	}
	return 0, 0, false
}

func scanNameParts(name string) (exclusive bool, t vartype.VarType, large bool, ok bool) {
	rest := strings.TrimPrefix(name, "prefix_sum_")
	switch {
	case strings.HasPrefix(rest, "exc_"):
		exclusive = true
	case strings.HasPrefix(rest, "inc_"):
	default:
		return false, 0, false, false
	}
	rest = rest[4:]
	switch {
	case strings.HasPrefix(rest, "small_"):
		rest = rest[6:]
	case strings.HasPrefix(rest, "large_"):
		large = true
		rest = rest[6:]
	default:
		return false, 0, false, false
	}
	t, ok = vartype.Parse(rest)
	return exclusive, t, large, ok
}

// LaunchKernel implements cuda.Driver. Argument values (or the staged
// parameter block) are captured synchronously; execution happens on the
// stream's queue.
func (d *Driver) LaunchKernel(fn cuda.Function, gx, gy, _, bx, by, _, shared uint32,
	s cuda.Stream, args []unsafe.Pointer, extra *cuda.LaunchBuffer) cuda.Result {

	d.mu.Lock()
	f, ok := d.functions[fn]
	d.mu.Unlock()
	if !ok {
		return cuda.ErrorNotFound
	}

	if f.prog != nil {
		// JIT kernel: the parameter block arrives as one staged buffer.
		if extra == nil {
			return cuda.ErrorNotFound
		}
		n := int(extra.Size / 8)
		params := make([]unsafe.Pointer, n)
		copy(params, unsafe.Slice((*unsafe.Pointer)(extra.Ptr), n))
		prog := f.prog
		d.enqueue(s, func() {
			if n == 1 && prog.NumParams > 1 {
				// Staged launch: the single argument points at the device
				// copy of the parameter vector.
				params = unsafe.Slice((*unsafe.Pointer)(params[0]), prog.NumParams)
			}
			size := uint32(uintptr(params[0]))
			prog.Run(0, size, params)
		})
		return cuda.Success
	}

	widths := builtinArgWidths(f.name)
	if widths == nil || len(args) < len(widths) {
		return cuda.ErrorNotFound
	}
	l := &launch{gridX: gx, gridY: gy, blockX: bx, blockY: by, shared: shared,
		args: make([]uint64, len(widths))}
	for i, width := range widths {
		var raw [8]byte
		copy(raw[:], unsafe.Slice((*byte)(args[i]), width))
		l.args[i] = *(*uint64)(unsafe.Pointer(&raw[0]))
	}

	name := f.name
	d.enqueue(s, func() { d.runBuiltin(name, l) })
	return cuda.Success
}

func (d *Driver) runBuiltin(name string, l *launch) {
	switch {
	case name == "fill_64":
		out := unsafe.Slice((*uint64)(l.ptr(0)), l.u32(1))
		value := l.u64(2)
		for i := range out {
			out[i] = value
		}
	case strings.HasPrefix(name, "reduce_"):
		op, t, _ := reduceNameParts(name)
		runReduce(op, t, l.ptr(0), l.u32(1), l.ptr(2), l.gridX)
	case name == "prefix_sum_large_init":
		out := unsafe.Slice((*uint64)(l.ptr(0)), l.u32(1))
		for i := range out {
			out[i] = 0
		}
	case strings.HasPrefix(name, "prefix_sum_"):
		exclusive, t, _, _ := scanNameParts(name)
		runScan(t, exclusive, l.ptr(0), l.ptr(1), l.u32(2))
	case name == "compress_small":
		runCompress(l.ptr(0), l.u32(2), l.ptr(1), l.ptr(3))
	case name == "compress_large":
		// The lane count is implied by the launch geometry; the trailer
		// was zeroed by the caller.
		itemsPerBlock := l.shared / 4
		runCompress(l.ptr(0), l.gridX*itemsPerBlock, l.ptr(1), l.ptr(3))
	case strings.HasPrefix(name, "mkperm_phase_1_"):
		runMkpermPhase1(name, l)
	case name == "mkperm_phase_3":
		runMkpermPhase3(l)
	case strings.HasPrefix(name, "mkperm_phase_4_"):
		runMkpermPhase4(name, l)
	case name == "transpose":
		runTranspose(l)
	case strings.HasPrefix(name, "block_copy_"):
		t, _ := vartype.Parse(name[strings.LastIndexByte(name, '_')+1:])
		runBlockCopy(t, l.ptr(0), l.ptr(1), l.u32(2), l.u32(3))
	case strings.HasPrefix(name, "block_sum_"):
		t, _ := vartype.Parse(name[strings.LastIndexByte(name, '_')+1:])
		runBlockSum(t, l.ptr(0), l.ptr(1), l.u32(2), l.u32(3))
	case strings.HasPrefix(name, "poke_"):
		t, _ := vartype.Parse(strings.TrimPrefix(name, "poke_"))
		storeElem(t, l.ptr(0), 0, l.u64(1))
	case name == "aggregate":
		runAggregate(l.ptr(0), l.ptr(1), l.u32(2))
	}
}

func loadElem(t vartype.VarType, base unsafe.Pointer, idx uint32) uint64 {
	addr := unsafe.Add(base, uintptr(idx)*uintptr(t.Size()))
	switch t.Size() {
	case 1:
		return uint64(*(*uint8)(addr))
	case 2:
		return uint64(*(*uint16)(addr))
	case 4:
		return uint64(*(*uint32)(addr))
	}
	return *(*uint64)(addr)
}

func storeElem(t vartype.VarType, base unsafe.Pointer, idx uint32, value uint64) {
	addr := unsafe.Add(base, uintptr(idx)*uintptr(t.Size()))
	switch t.Size() {
	case 1:
		*(*uint8)(addr) = uint8(value)
	case 2:
		*(*uint16)(addr) = uint16(value)
	case 4:
		*(*uint32)(addr) = uint32(value)
	default:
		*(*uint64)(addr) = value
	}
}

// runReduce reduces chunk b of the input into out[b], for gridX chunks;
// gridX == 1 produces the final result directly.
func runReduce(op backends.ReduceOp, t vartype.VarType, in unsafe.Pointer, size uint32, out unsafe.Pointer, gridX uint32) {
	chunk := (size + gridX - 1) / gridX
	for b := uint32(0); b < gridX; b++ {
		start := b * chunk
		end := min(start+chunk, size)
		storeElem(t, out, b, reduceRange(op, t, in, start, end))
	}
}

func reduceRange(op backends.ReduceOp, t vartype.VarType, in unsafe.Pointer, start, end uint32) uint64 {
	if op == backends.ReduceAnd || op == backends.ReduceOr {
		accum := loadElem(t, in, start)
		for i := start + 1; i < end; i++ {
			if op == backends.ReduceAnd {
				accum &= loadElem(t, in, i)
			} else {
				accum |= loadElem(t, in, i)
			}
		}
		return accum
	}

	if t.IsFloat() {
		var accum float64
		switch op {
		case backends.ReduceAdd:
			accum = 0
		case backends.ReduceMul:
			accum = 1
		case backends.ReduceMin:
			accum = math.Inf(1)
		case backends.ReduceMax:
			accum = math.Inf(-1)
		}
		for i := start; i < end; i++ {
			v := t.FromBits(loadElem(t, in, i))
			switch op {
			case backends.ReduceAdd:
				accum += v
			case backends.ReduceMul:
				accum *= v
			case backends.ReduceMin:
				accum = math.Min(accum, v)
			case backends.ReduceMax:
				accum = math.Max(accum, v)
			}
		}
		return t.ToBits(accum)
	}

	signed := t.IsSigned()
	asInt := func(v uint64) int64 {
		switch t.Size() {
		case 1:
			return int64(int8(v))
		case 2:
			return int64(int16(v))
		case 4:
			return int64(int32(v))
		}
		return int64(v)
	}
	var accum uint64
	switch op {
	case backends.ReduceAdd:
		accum = 0
	case backends.ReduceMul:
		accum = 1
	case backends.ReduceMin:
		accum = loadElem(t, in, start)
	case backends.ReduceMax:
		accum = loadElem(t, in, start)
	}
	for i := start; i < end; i++ {
		v := loadElem(t, in, i)
		switch op {
		case backends.ReduceAdd:
			accum += v
		case backends.ReduceMul:
			accum *= v
		case backends.ReduceMin:
			if (signed && asInt(v) < asInt(accum)) || (!signed && v < accum) {
				accum = v
			}
		case backends.ReduceMax:
			if (signed && asInt(v) > asInt(accum)) || (!signed && v > accum) {
				accum = v
			}
		}
	}
	mask := uint64(1)<<(8*t.Size()) - 1
	if t.Size() == 8 {
		mask = ^uint64(0)
	}
	return accum & mask
}

func scanTyped[T uint32 | uint64 | float32 | float64](in, out unsafe.Pointer, size uint32, exclusive bool) {
	src := unsafe.Slice((*T)(in), size)
	dst := unsafe.Slice((*T)(out), size)
	var accum T
	if exclusive {
		for i := uint32(0); i < size; i++ {
			value := src[i]
			dst[i] = accum
			accum += value
		}
	} else {
		for i := uint32(0); i < size; i++ {
			accum += src[i]
			dst[i] = accum
		}
	}
}

func runScan(t vartype.VarType, exclusive bool, in, out unsafe.Pointer, size uint32) {
	switch t {
	case vartype.UInt32:
		scanTyped[uint32](in, out, size, exclusive)
	case vartype.UInt64:
		scanTyped[uint64](in, out, size, exclusive)
	case vartype.Float32:
		scanTyped[float32](in, out, size, exclusive)
	case vartype.Float64:
		scanTyped[float64](in, out, size, exclusive)
	}
}

func runCompress(in unsafe.Pointer, size uint32, out, countOut unsafe.Pointer) {
	src := unsafe.Slice((*byte)(in), size)
	dst := unsafe.Slice((*uint32)(out), size)
	var count uint32
	for i := uint32(0); i < size; i++ {
		if src[i] != 0 {
			dst[count] = i
			count++
		}
	}
	*(*uint32)(countOut) = count
}

// mkpermRowsPerBlock returns the number of counter rows per block and the
// lane chunk one row covers. The tiny variant keeps one row per warp: a
// block's lanes are split into warpCount contiguous warp-aligned chunks.
// Rows therefore cover ascending disjoint lane ranges, which makes the
// permutation stable.
func mkpermRowsPerBlock(name string, l *launch, sizePerBlock uint32) (rowsPerBlock, chunk uint32) {
	if strings.HasSuffix(name, "_tiny") {
		warpCount := l.blockX / 32
		chunk = (sizePerBlock + warpCount - 1) / warpCount
		chunk = (chunk + 31) / 32 * 32
		return warpCount, chunk
	}
	return 1, sizePerBlock
}

// mkpermForEach walks the lanes in phase-1 argument layout
// (ptr, buckets, size, size_per_block, bucket_count) counter-row order.
func mkpermForEach(name string, l *launch, fn func(row, lane uint32)) {
	size := l.u32(2)
	sizePerBlock := l.u32(3)
	rowsPerBlock, chunk := mkpermRowsPerBlock(name, l, sizePerBlock)
	for block := uint32(0); block < l.gridX; block++ {
		blockStart := block * sizePerBlock
		blockEnd := min(blockStart+sizePerBlock, size)
		for sub := uint32(0); sub < rowsPerBlock; sub++ {
			start := blockStart + sub*chunk
			end := min(start+chunk, blockEnd)
			row := block*rowsPerBlock + sub
			for lane := start; lane < end; lane++ {
				fn(row, lane)
			}
		}
	}
}

func runMkpermPhase1(name string, l *launch) {
	// args: ptr, buckets, size, size_per_block, bucket_count
	size := l.u32(2)
	bucketCount := l.u32(4)
	input := unsafe.Slice((*uint32)(l.ptr(0)), size)
	rowsPerBlock, _ := mkpermRowsPerBlock(name, l, l.u32(3))
	buckets := unsafe.Slice((*uint32)(l.ptr(1)),
		uintptr(l.gridX)*uintptr(rowsPerBlock)*uintptr(bucketCount))

	if !strings.HasSuffix(name, "_large") {
		// Shared-memory variants write their counters; only the large
		// variant accumulates into the pre-zeroed global table.
		for i := range buckets {
			buckets[i] = 0
		}
	}
	mkpermForEach(name, l, func(row, lane uint32) {
		buckets[row*bucketCount+input[lane]]++
	})
}

func runMkpermPhase3(l *launch) {
	bucketCount := l.u32(1)
	size := l.u32(3)
	buckets := unsafe.Slice((*uint32)(l.ptr(0)), bucketCount)
	counter := (*uint32)(l.ptr(4))
	offsets := unsafe.Slice((*uint32)(l.ptr(5)), 4*uintptr(bucketCount)+1)

	// Row 0 of the prefix-summed counter table holds each bucket's start.
	for b := uint32(0); b < bucketCount; b++ {
		start := buckets[b]
		end := size
		if b+1 < bucketCount {
			end = buckets[b+1]
		}
		if end > start {
			idx := *counter
			*counter = idx + 1
			offsets[idx*4] = b
			offsets[idx*4+1] = start
			offsets[idx*4+2] = end - start
			offsets[idx*4+3] = 0
		}
	}
}

func runMkpermPhase4(name string, l *launch) {
	// args: ptr, buckets, perm, size, size_per_block, bucket_count;
	// rebound below to the phase-1 layout shared by the iteration helper.
	size := l.u32(3)
	bucketCount := l.u32(5)
	input := unsafe.Slice((*uint32)(l.ptr(0)), size)
	perm := unsafe.Slice((*uint32)(l.ptr(2)), size)

	rebound := *l
	rebound.args = []uint64{l.args[0], l.args[1], uint64(size), uint64(l.u32(4)), uint64(bucketCount)}

	rowsPerBlock, _ := mkpermRowsPerBlock(name, &rebound, l.u32(4))
	buckets := unsafe.Slice((*uint32)(l.ptr(1)),
		uintptr(l.gridX)*uintptr(rowsPerBlock)*uintptr(bucketCount))

	mkpermForEach(name, &rebound, func(row, lane uint32) {
		slot := row*bucketCount + input[lane]
		idx := buckets[slot]
		buckets[slot] = idx + 1
		perm[idx] = lane
	})
}

func runTranspose(l *launch) {
	rows := l.u32(2)
	cols := l.u32(3)
	in := unsafe.Slice((*uint32)(l.ptr(0)), uintptr(rows)*uintptr(cols))
	out := unsafe.Slice((*uint32)(l.ptr(1)), uintptr(rows)*uintptr(cols))
	for r := uint32(0); r < rows; r++ {
		for c := uint32(0); c < cols; c++ {
			out[uintptr(c)*uintptr(rows)+uintptr(r)] = in[uintptr(r)*uintptr(cols)+uintptr(c)]
		}
	}
}

func runBlockCopy(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32) {
	for i := uint32(0); i < size; i++ {
		storeElem(t, out, i, loadElem(t, in, i/blockSize))
	}
}

func runBlockSum(t vartype.VarType, in, out unsafe.Pointer, size, blockSize uint32) {
	for i := uint32(0); i < size; i++ {
		v := loadElem(t, in, i)
		slot := i / blockSize
		if t.IsFloat() {
			storeElem(t, out, slot, t.ToBits(t.FromBits(loadElem(t, out, slot))+t.FromBits(v)))
		} else {
			mask := uint64(1)<<(8*t.Size()) - 1
			if t.Size() == 8 {
				mask = ^uint64(0)
			}
			storeElem(t, out, slot, (loadElem(t, out, slot)+v)&mask)
		}
	}
}

func runAggregate(dst, agg unsafe.Pointer, size uint32) {
	entries := unsafe.Slice((*backends.AggregationEntry)(agg), size)
	for _, e := range entries {
		addr := unsafe.Add(dst, uintptr(e.Offset))
		switch e.Size {
		case 1:
			*(*uint8)(addr) = uint8(uintptr(e.Src))
		case 2:
			*(*uint16)(addr) = uint16(uintptr(e.Src))
		case 4:
			*(*uint32)(addr) = uint32(uintptr(e.Src))
		case 8:
			*(*uint64)(addr) = uint64(uintptr(e.Src))
		case -1:
			*(*uint8)(addr) = *(*uint8)(e.Src)
		case -2:
			*(*uint16)(addr) = *(*uint16)(e.Src)
		case -4:
			*(*uint32)(addr) = *(*uint32)(e.Src)
		case -8:
			*(*uint64)(addr) = *(*uint64)(e.Src)
		}
	}
}
