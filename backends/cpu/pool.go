package cpu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one node of the CPU task DAG: a block-parallel unit of work that
// starts once its dependencies completed. Reference counts track retention
// by thread states and by the kernel history.
type Task struct {
	done chan struct{}
	refs atomic.Int32
}

// Wait blocks until the task completed.
func (t *Task) Wait() {
	if t == nil {
		return
	}
	<-t.done
}

// Retain adds a reference.
func (t *Task) Retain() {
	if t != nil {
		t.refs.Add(1)
	}
}

// Release drops a reference. Completed tasks with no references are left to
// the garbage collector.
func (t *Task) Release() {
	if t != nil {
		t.refs.Add(-1)
	}
}

// Pool is the backend's worker pool. maxParallelism is a soft target on the
// number of concurrently running block workers; the goroutine count can be
// transiently higher while workers block on dependencies.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond
	numRunning     int
}

// NewPool returns a pool targeting one worker per CPU.
func NewPool() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// Size returns the parallelism target. Primitives fall back to a single
// block when this is 1.
func (p *Pool) Size() int {
	return p.maxParallelism
}

// SetSize changes the parallelism target. Only call while no tasks run.
func (p *Pool) SetSize(n int) {
	if n < 1 {
		n = 1
	}
	p.maxParallelism = n
}

func (p *Pool) lockedIsFull() bool {
	return p.numRunning >= p.maxParallelism
}

// waitToStart blocks until a worker slot is free, then runs fn in its own
// goroutine, accounting for it until it returns.
func (p *Pool) waitToStart(fn func()) {
	p.mu.Lock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	p.mu.Unlock()

	go func() {
		fn()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// Submit enqueues a task of blockCount blocks that starts after all deps
// completed. fn is called once per block index, potentially concurrently.
// The returned task carries one reference owned by the caller.
func (p *Pool) Submit(blockCount uint32, deps []*Task, fn func(block uint32)) *Task {
	task := &Task{done: make(chan struct{})}
	task.Retain()

	go func() {
		for _, dep := range deps {
			dep.Wait()
		}
		if blockCount <= 1 {
			fn(0)
		} else {
			var wg sync.WaitGroup
			wg.Add(int(blockCount))
			for block := uint32(0); block < blockCount; block++ {
				p.waitToStart(func() {
					defer wg.Done()
					fn(block)
				})
			}
			wg.Wait()
		}
		close(task.done)
	}()
	return task
}

// Barrier returns a task that completes once all the given tasks have.
func (p *Pool) Barrier(tasks []*Task) *Task {
	return p.Submit(1, tasks, func(uint32) {})
}
