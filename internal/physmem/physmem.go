// Package physmem simulates the machine's physical RAM as a flat,
// page-indexed byte arena. Real hardware has no Go-addressable analogue
// for "physical memory"; the rest of the kernel core (frame allocator,
// page tables, memory sets) needs a stable, page-aligned byte range it
// can hand out windows into by physical page number (PPN), the same role
// biscuit's Physmem_t / Dmap direct-map window plays for its x86-64 port.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"sv39os/internal/defs"
)

// Arena is a fixed-size, page-aligned physical memory simulation backed
// by an anonymous mmap region (rather than a plain Go slice) so that
// pages are stable, page-aligned host memory the way real physical RAM
// would be — mirroring the teacher's own habit of reaching for raw,
// syscall-adjacent memory handling instead of ordinary GC-tracked slices
// for the page arena.
type Arena struct {
	base    []byte
	basePPN uint64
	numPPN  uint64
}

// NewArena mmaps enough anonymous memory to back numPages 4 KiB frames
// and returns an Arena whose PPN space starts at basePPN.
func NewArena(basePPN, numPages uint64) (*Arena, error) {
	size := int(numPages) * defs.PageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	return &Arena{base: b, basePPN: basePPN, numPPN: numPages}, nil
}

// Close releases the backing mapping.
func (a *Arena) Close() error {
	if a.base == nil {
		return nil
	}
	err := unix.Munmap(a.base)
	a.base = nil
	return err
}

// Contains reports whether ppn falls within this arena.
func (a *Arena) Contains(ppn uint64) bool {
	return ppn >= a.basePPN && ppn < a.basePPN+a.numPPN
}

// Base returns the lowest PPN served by this arena.
func (a *Arena) Base() uint64 { return a.basePPN }

// End returns one past the highest PPN served by this arena.
func (a *Arena) End() uint64 { return a.basePPN + a.numPPN }

// Page returns the 4096-byte window backing ppn. Panics if ppn is out of
// range, mirroring the fatal-on-invariant-violation style used throughout
// the kernel core.
func (a *Arena) Page(ppn uint64) []byte {
	if !a.Contains(ppn) {
		panic(fmt.Sprintf("physmem: ppn %#x out of range [%#x,%#x)", ppn, a.basePPN, a.End()))
	}
	off := (ppn - a.basePPN) * defs.PageSize
	return a.base[off : off+defs.PageSize : off+defs.PageSize]
}

// Zero clears the frame backing ppn.
func (a *Arena) Zero(ppn uint64) {
	p := a.Page(ppn)
	for i := range p {
		p[i] = 0
	}
}
