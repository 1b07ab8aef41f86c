// Package mem implements the physical-frame allocator, the SV39 page
// table, and the memory-set (address-space) abstraction.
package mem

import (
	"fmt"
	"sync"

	"sv39os/internal/defs"
	"sv39os/internal/physmem"
)

// FrameAllocator is a stack allocator over a half-open PPN range,
// grounded on the original StackFrameAllocator: a monotonic current/end
// counter plus a LIFO recycled list. O(1) alloc/dealloc, no coalescing.
type FrameAllocator struct {
	mu       sync.Mutex
	arena    *physmem.Arena
	current  uint64
	end      uint64
	recycled []uint64
}

// NewFrameAllocator builds an allocator over the arena's full PPN range.
func NewFrameAllocator(arena *physmem.Arena) *FrameAllocator {
	return &FrameAllocator{
		arena:   arena,
		current: arena.Base(),
		end:     arena.End(),
	}
}

// FrameTracker owns exactly one physical frame. The frame returns to the
// allocator when Free is called — Go has no Drop, so callers must call
// Free explicitly at the point a Rust owner would have gone out of scope
// (memory-set teardown, page-table-node removal, kernel-stack removal).
type FrameTracker struct {
	PPN   uint64
	alloc *FrameAllocator
	freed bool
}

// Bytes returns the 4096-byte window backing this frame.
func (f *FrameTracker) Bytes() []byte {
	return f.alloc.arena.Page(f.PPN)
}

// Free returns the frame to its allocator. Freeing twice panics (double
// free is a fatal condition per the error-tier design).
func (f *FrameTracker) Free() {
	if f.freed {
		panic(fmt.Sprintf("mem: double free of frame ppn=%#x", f.PPN))
	}
	f.freed = true
	f.alloc.dealloc(f.PPN)
}

// Alloc hands out one zeroed frame, or reports ok=false if the pool is
// exhausted (OutOfFrames is a recoverable condition — callers decide
// whether to panic or bubble it up, per the error-tier design).
func (a *FrameAllocator) Alloc() (*FrameTracker, bool) {
	a.mu.Lock()
	var ppn uint64
	if n := len(a.recycled); n > 0 {
		ppn = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else if a.current < a.end {
		ppn = a.current
		a.current++
	} else {
		a.mu.Unlock()
		return nil, false
	}
	a.mu.Unlock()

	a.arena.Zero(ppn)
	return &FrameTracker{PPN: ppn, alloc: a}, true
}

// Stats reports the allocator's current bookkeeping: how many frames
// are currently handed out (issued and not since recycled), how many
// are presently recycled and available for reuse without growing
// current, and how many PPNs remain untouched above current.
func (a *FrameAllocator) Stats() (allocated, recycled, untouched int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	allocated = int(a.current-a.arena.Base()) - len(a.recycled)
	return allocated, len(a.recycled), int(a.end - a.current)
}

// dealloc pushes ppn back onto the recycled stack, panicking on
// never-issued or already-free pages (fatal per the spec's error tiers).
func (a *FrameAllocator) dealloc(ppn uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ppn >= a.current {
		panic(fmt.Sprintf("mem: frame ppn=%#x has not been allocated", ppn))
	}
	for _, r := range a.recycled {
		if r == ppn {
			panic(fmt.Sprintf("mem: frame ppn=%#x double free", ppn))
		}
	}
	a.recycled = append(a.recycled, ppn)
}
