package mem

import (
	"debug/elf"
	"fmt"

	"sv39os/internal/defs"
	"sv39os/internal/util"
)

// MapArea is a logical segment: a contiguous VPN range mapped uniformly
// by either Identical or Framed semantics with one permission set.
type MapArea struct {
	startVPN, endVPN uint64 // [startVPN, endVPN)
	dataFrames       map[uint64]*FrameTracker
	mapType          defs.MapType
	perm             defs.MapPermission
}

// NewMapArea builds a segment spanning [startVA, endVA), floor/ceil
// aligned to page boundaries.
func NewMapArea(startVA, endVA uint64, mapType defs.MapType, perm defs.MapPermission) *MapArea {
	startVPN := util.Rounddown(startVA, defs.PageSize) >> defs.PageSizeBits
	endVPN := util.Ceil(endVA, defs.PageSize)
	return &MapArea{
		startVPN:   startVPN,
		endVPN:     endVPN,
		dataFrames: make(map[uint64]*FrameTracker),
		mapType:    mapType,
		perm:       perm,
	}
}

func (a *MapArea) pteFlags() defs.PTEFlags {
	var f defs.PTEFlags
	if a.perm&defs.PermR != 0 {
		f |= defs.PTE_R
	}
	if a.perm&defs.PermW != 0 {
		f |= defs.PTE_W
	}
	if a.perm&defs.PermX != 0 {
		f |= defs.PTE_X
	}
	if a.perm&defs.PermU != 0 {
		f |= defs.PTE_U
	}
	return f
}

func (a *MapArea) mapOne(pt *PageTable, fa *FrameAllocator, vpn uint64) {
	var ppn uint64
	switch a.mapType {
	case defs.Identical:
		ppn = vpn
	case defs.Framed:
		frame, ok := fa.Alloc()
		if !ok {
			panic("mem: out of frames mapping framed area")
		}
		ppn = frame.PPN
		a.dataFrames[vpn] = frame
	}
	pt.Map(vpn, ppn, a.pteFlags())
}

func (a *MapArea) unmapOne(pt *PageTable, vpn uint64) {
	if a.mapType == defs.Framed {
		if f, ok := a.dataFrames[vpn]; ok {
			f.Free()
			delete(a.dataFrames, vpn)
		}
	}
	pt.Unmap(vpn)
}

func (a *MapArea) doMap(pt *PageTable, fa *FrameAllocator) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn++ {
		a.mapOne(pt, fa, vpn)
	}
}

func (a *MapArea) doUnmap(pt *PageTable) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn++ {
		a.unmapOne(pt, vpn)
	}
}

// copyData copies data into this (Framed) area's backing frames,
// page-by-page, through the page table.
func (a *MapArea) copyData(pt *PageTable, data []byte) {
	if a.mapType != defs.Framed {
		panic("mem: copyData on non-Framed area")
	}
	start := 0
	vpn := a.startVPN
	n := len(data)
	for {
		end := util.Min(start+defs.PageSize, n)
		src := data[start:end]
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic("mem: copyData: vpn not mapped")
		}
		dst := pt.arena.Page(pte.PPN())[:len(src)]
		copy(dst, src)
		start += defs.PageSize
		if start >= n {
			break
		}
		vpn++
	}
}

// overlaps reports whether this area's VPN range intersects [s, e).
func (a *MapArea) overlaps(s, e uint64) bool {
	return a.startVPN < e && s < a.endVPN
}

// MemorySet is a virtual address space: a page table plus its logical
// segments. The trampoline mapping is installed directly into the page
// table and is deliberately not recorded as an area (every address space
// must share the exact same physical trampoline page).
type MemorySet struct {
	fa            *FrameAllocator
	arena         arenaReader
	pt            *PageTable
	areas         []*MapArea
	trampolinePPN uint64
}

// NewBare creates an empty address space (no segments, fresh root page
// table). trampolinePPN is the single physical frame, shared by every
// address space, backing the trampoline code page.
func NewBare(fa *FrameAllocator, arena arenaReader, trampolinePPN uint64) *MemorySet {
	return &MemorySet{
		fa:            fa,
		arena:         arena,
		pt:            NewPageTable(fa, arena),
		trampolinePPN: trampolinePPN,
	}
}

// MapTrampoline installs the R|X trampoline mapping at the top VPN of
// the address space.
func (ms *MemorySet) MapTrampoline() {
	ms.pt.Map(defs.TrampolineVPN, ms.trampolinePPN, defs.PTE_R|defs.PTE_X)
}

// Push inserts area's mappings into the page table and, if data is
// non-nil, copies it page-by-page into the newly allocated frames. Fatal
// if the area overlaps an existing one.
func (ms *MemorySet) Push(area *MapArea, data []byte) {
	for _, existing := range ms.areas {
		if existing.overlaps(area.startVPN, area.endVPN) {
			panic(fmt.Sprintf("mem: area [%#x,%#x) overlaps existing [%#x,%#x)",
				area.startVPN, area.endVPN, existing.startVPN, existing.endVPN))
		}
	}
	area.doMap(ms.pt, ms.fa)
	if data != nil {
		area.copyData(ms.pt, data)
	}
	ms.areas = append(ms.areas, area)
}

// InsertFramedArea is a convenience wrapper over Push for a bare Framed
// area with no initial data.
func (ms *MemorySet) InsertFramedArea(startVA, endVA uint64, perm defs.MapPermission) {
	ms.Push(NewMapArea(startVA, endVA, defs.Framed, perm), nil)
}

// RemoveAreaWithStartVPN unmaps and drops the area beginning at startVPN.
func (ms *MemorySet) RemoveAreaWithStartVPN(startVPN uint64) {
	for i, a := range ms.areas {
		if a.startVPN == startVPN {
			a.doUnmap(ms.pt)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return
		}
	}
}

// KernelLayout names the identity-mapped ranges new_kernel installs,
// standing in for the linker-script symbols (stext/etext/...) the
// original reads from its own kernel image; here they describe the
// windows of the simulated physical-memory arena the kernel owns.
type KernelLayout struct {
	Text, Rodata, Data, Bss struct{ Start, End uint64 }
	PhysMemEnd              uint64 // identity-mapped [after Bss.End, PhysMemEnd)
	MMIO                    []struct{ Start, End uint64 }
}

// NewKernel builds the kernel address space: identity segments for each
// named region (R|X for text, R for rodata, R|W for data/bss/phys-window/
// MMIO) plus the trampoline.
func NewKernel(fa *FrameAllocator, arena arenaReader, trampolinePPN uint64, layout KernelLayout) *MemorySet {
	ms := NewBare(fa, arena, trampolinePPN)
	ms.MapTrampoline()
	ms.Push(NewMapArea(layout.Text.Start, layout.Text.End, defs.Identical, defs.PermR|defs.PermX), nil)
	ms.Push(NewMapArea(layout.Rodata.Start, layout.Rodata.End, defs.Identical, defs.PermR), nil)
	ms.Push(NewMapArea(layout.Data.Start, layout.Data.End, defs.Identical, defs.PermR|defs.PermW), nil)
	ms.Push(NewMapArea(layout.Bss.Start, layout.Bss.End, defs.Identical, defs.PermR|defs.PermW), nil)
	ms.Push(NewMapArea(layout.Bss.End, layout.PhysMemEnd, defs.Identical, defs.PermR|defs.PermW), nil)
	for _, m := range layout.MMIO {
		ms.Push(NewMapArea(m.Start, m.End, defs.Identical, defs.PermR|defs.PermW), nil)
	}
	return ms
}

// FromELF parses an ELF image (debug/elf, the same package the teacher's
// ELF tooling uses) and builds a user address space: one Framed segment
// per PT_LOAD program header (permission U plus the converted R/W/X
// bits), a one-page guard above the highest loaded VPN, the trampoline,
// and a Framed R|W trap-context page one page below the trampoline. It
// returns the memory set, the user stack base VA, and the entry point.
func FromELF(fa *FrameAllocator, arena arenaReader, trampolinePPN uint64, elfBytes []byte) (ms *MemorySet, userStackBase uint64, entry uint64) {
	if len(elfBytes) < 4 || elfBytes[0] != 0x7f || elfBytes[1] != 'E' || elfBytes[2] != 'L' || elfBytes[3] != 'F' {
		panic("mem: invalid elf magic")
	}
	f, err := elf.NewFile(byteReaderAt(elfBytes))
	if err != nil {
		panic(fmt.Sprintf("mem: invalid elf: %v", err))
	}

	ms = NewBare(fa, arena, trampolinePPN)
	ms.MapTrampoline()

	var maxEndVPN uint64
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		startVA := ph.Vaddr
		endVA := ph.Vaddr + ph.Memsz
		perm := defs.PermU
		if ph.Flags&elf.PF_R != 0 {
			perm |= defs.PermR
		}
		if ph.Flags&elf.PF_W != 0 {
			perm |= defs.PermW
		}
		if ph.Flags&elf.PF_X != 0 {
			perm |= defs.PermX
		}
		area := NewMapArea(startVA, endVA, defs.Framed, perm)
		if area.endVPN > maxEndVPN {
			maxEndVPN = area.endVPN
		}
		data := make([]byte, ph.Filesz)
		n, rerr := ph.Open().Read(data)
		if rerr != nil && n != len(data) {
			panic(fmt.Sprintf("mem: reading program header contents: %v", rerr))
		}
		ms.Push(area, data)
	}

	maxEndVA := maxEndVPN << defs.PageSizeBits
	userStackBase = maxEndVA + defs.PageSize // one guard page

	trapCxVA := defs.TrapContextVPN << defs.PageSizeBits
	ms.Push(NewMapArea(trapCxVA, trapCxVA+defs.PageSize, defs.Framed, defs.PermR|defs.PermW), nil)

	return ms, userStackBase, f.Entry
}

// byteReaderAt adapts a byte slice to io.ReaderAt for debug/elf.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("mem: elf readat out of range")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("mem: elf short read")
	}
	return n, nil
}

// FromExistedUser deep-copies every Framed segment (and the trap-context
// mapping, itself just another Framed segment) of parent into a fresh
// page table with newly allocated, byte-wise-copied frames. The
// trampoline is remapped by identity (same physical page, fresh PTE).
func FromExistedUser(parent *MemorySet, fa *FrameAllocator, arena arenaReader) *MemorySet {
	ms := NewBare(fa, arena, parent.trampolinePPN)
	ms.MapTrampoline()
	for _, parentArea := range parent.areas {
		newArea := NewMapArea(parentArea.startVPN<<defs.PageSizeBits, parentArea.endVPN<<defs.PageSizeBits, parentArea.mapType, parentArea.perm)
		ms.Push(newArea, nil)
		if parentArea.mapType == defs.Framed {
			for vpn := parentArea.startVPN; vpn < parentArea.endVPN; vpn++ {
				srcPTE, ok := parent.pt.Translate(vpn)
				if !ok {
					continue
				}
				dstPTE, ok := ms.pt.Translate(vpn)
				if !ok {
					continue
				}
				copy(ms.arena.Page(dstPTE.PPN()), parent.arena.Page(srcPTE.PPN()))
			}
		}
	}
	return ms
}

// Translate reads the mapping for vpn.
func (ms *MemorySet) Translate(vpn uint64) (PTE, bool) { return ms.pt.Translate(vpn) }

// Token returns this address space's SATP value.
func (ms *MemorySet) Token() uint64 { return ms.pt.Token() }

// PageTable exposes the underlying page table (read-only walks, e.g. for
// syscall pointer translation from the kernel).
func (ms *MemorySet) PageTable() *PageTable { return ms.pt }

// RecycleDataPages drops every Framed area's backing frames (and the
// areas themselves). The page table and trampoline mapping are left
// intact so that code still running through a kernel-stack-derived
// mapping in this space keeps working until the space is fully torn down.
func (ms *MemorySet) RecycleDataPages() {
	for _, a := range ms.areas {
		a.doUnmap(ms.pt)
	}
	ms.areas = nil
}

// Destroy frees the page table itself (root + intermediate nodes). Call
// only after RecycleDataPages, once nothing references this space.
func (ms *MemorySet) Destroy() {
	ms.pt.Destroy()
}

// Activate is the simulated analogue of writing satp and issuing
// sfence.vma: there is no real MMU here, so this just returns the token
// a real activation would install, for logging/bookkeeping by callers.
func (ms *MemorySet) Activate() uint64 {
	return ms.Token()
}
