package jit

import (
	"sort"

	"github.com/gomlx/exceptions"

	"github.com/gojit/gojit/types/vartype"
)

// ScheduledVariable is one entry of the evaluation schedule: a variable
// traversed at a particular width.
type ScheduledVariable struct {
	Size  uint32
	Index uint32
}

// ScheduledGroup is a maximal run of equal-width schedule entries; each
// group becomes one kernel.
type ScheduledGroup struct {
	Size       uint32
	Start, End uint32
}

// Program-generation scratch state, reused across evaluations.
var (
	schedule       []ScheduledVariable
	scheduleGroups []ScheduledGroup
	visited        map[[2]uint32]struct{}
)

func init() {
	visited = make(map[[2]uint32]struct{})
}

// varTraverse recursively collects the variables a computation of the
// given width depends on. Memoized on (size, index); a second memo entry at
// size 0 detects the very first visit of a variable at any width, which is
// when its output flag is reset (root traversal re-marks actual outputs).
//
// Dependency slots are followed up to the first zero entry; slot 3 past a
// zero therefore acts as a reference-only edge.
func varTraverse(size, index uint32) {
	key := [2]uint32{size, index}
	if _, seen := visited[key]; seen {
		return
	}
	visited[key] = struct{}{}

	v := variable(index)
	for _, dep := range v.Dep {
		if dep == 0 {
			break
		}
		varTraverse(size, dep)
	}

	if v.Extra {
		extra, ok := state.extras[index]
		if !ok {
			exceptions.Panicf("jit: varTraverse(): could not find matching 'extra' record for r%d", index)
		}
		for _, dep := range extra.Deps {
			if dep != 0 {
				varTraverse(size, dep)
			}
		}
	}

	first := [2]uint32{0, index}
	if _, seen := visited[first]; !seen {
		visited[first] = struct{}{}
		v.OutputFlag = false
	}

	schedule = append(schedule, ScheduledVariable{Size: size, Index: index})
}

// buildSchedule traverses the thread state's queues into the schedule
// array, sorts it and partitions it into equal-width groups. Under the
// Recording or PostponeSideEffects flag the side-effect queue is not
// traversed.
func buildSchedule(ts *ThreadState) {
	clear(visited)
	schedule = schedule[:0]

	for pass := 0; pass < 2; pass++ {
		source := &ts.scheduled
		if pass == 1 {
			// Queued side effects stay put while a recording is active:
			// they either belong to the recording (PostponeSideEffects) or
			// must not run during it (Recording).
			if HasFlag(Recording) || HasFlag(PostponeSideEffects) {
				break
			}
			source = &ts.sideEffects
		}

		for _, index := range *source {
			v, known := state.variables[index]
			if !known {
				continue
			}
			// Skip unreferenced or already materialized roots.
			if v.RefCountExt == 0 || v.Data != nil {
				continue
			}
			varTraverse(v.Size, index)
			v.OutputFlag = v.Type != vartype.Void
		}
		*source = (*source)[:0]
	}

	if len(schedule) == 0 {
		return
	}

	// Descending width, ascending index within equal width.
	sort.SliceStable(schedule, func(i, j int) bool {
		a, b := schedule[i], schedule[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return a.Index < b.Index
	})

	scheduleGroups = scheduleGroups[:0]
	if schedule[0].Size == schedule[len(schedule)-1].Size {
		scheduleGroups = append(scheduleGroups,
			ScheduledGroup{Size: schedule[0].Size, Start: 0, End: uint32(len(schedule))})
		return
	}
	cur := uint32(0)
	for i := uint32(1); i < uint32(len(schedule)); i++ {
		if schedule[i-1].Size != schedule[i].Size {
			scheduleGroups = append(scheduleGroups,
				ScheduledGroup{Size: schedule[cur].Size, Start: cur, End: i})
			cur = i
		}
	}
	scheduleGroups = append(scheduleGroups,
		ScheduledGroup{Size: schedule[cur].Size, Start: cur, End: uint32(len(schedule))})
}
