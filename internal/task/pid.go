// Package task implements process identity, kernel stacks, process
// control blocks, and the FIFO scheduler (spec.md §4.H/§4.I).
package task

import (
	"fmt"
	"sync"
)

// PidHandle owns one allocated PID. Go has no Drop, so callers that want
// the PID returned to the allocator must call Free explicitly.
type PidHandle struct {
	alloc *PidAllocator
	pid   int
}

// Pid returns the underlying numeric PID.
func (h PidHandle) Pid() int { return h.pid }

// Free returns the PID to its allocator's recycle list. A zero PidHandle
// (never allocated) must not be freed.
func (h PidHandle) Free() {
	h.alloc.dealloc(h.pid)
}

// PidAllocator hands out monotonically increasing PIDs, recycling freed
// ones LIFO before minting a new one.
type PidAllocator struct {
	mu       sync.Mutex
	current  int
	recycled []int
}

// NewPidAllocator returns an allocator starting at PID 0.
func NewPidAllocator() *PidAllocator {
	return &PidAllocator{}
}

// Alloc hands out a PID: the most recently freed one if any, else the
// next unused integer.
func (a *PidAllocator) Alloc() PidHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.recycled); n > 0 {
		pid := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return PidHandle{alloc: a, pid: pid}
	}
	pid := a.current
	a.current++
	return PidHandle{alloc: a, pid: pid}
}

// dealloc returns pid to the recycle list. Panics on a PID never handed
// out or already freed, mirroring the original's debug assertions.
func (a *PidAllocator) dealloc(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pid >= a.current {
		panic(fmt.Sprintf("task: dealloc of pid %d never allocated (current=%d)", pid, a.current))
	}
	for _, r := range a.recycled {
		if r == pid {
			panic(fmt.Sprintf("task: double free of pid %d", pid))
		}
	}
	a.recycled = append(a.recycled, pid)
}
