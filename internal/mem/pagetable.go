package mem

import (
	"fmt"

	"sv39os/internal/defs"
)

// PTE is one 64-bit SV39 page-table entry: [reserved | PPN:44 | RSW:2 |
// D A G U X W R V].
type PTE uint64

func newPTE(ppn uint64, flags defs.PTEFlags) PTE {
	return PTE(ppn<<10 | uint64(flags))
}

// PPN extracts the physical page number.
func (p PTE) PPN() uint64 { return uint64(p) >> 10 & ((1 << defs.PPNWidth) - 1) }

// Flags extracts the low-byte permission/status bits.
func (p PTE) Flags() defs.PTEFlags { return defs.PTEFlags(p) }

// Valid reports whether V is set.
func (p PTE) Valid() bool { return p.Flags()&defs.PTE_V != 0 }

// Readable, Writable, Executable report the corresponding permission bit.
func (p PTE) Readable() bool   { return p.Flags()&defs.PTE_R != 0 }
func (p PTE) Writable() bool   { return p.Flags()&defs.PTE_W != 0 }
func (p PTE) Executable() bool { return p.Flags()&defs.PTE_X != 0 }

// vpnIndexes splits a 27-bit VPN into its three 9-bit level indices,
// most-significant first.
func vpnIndexes(vpn uint64) [3]uint64 {
	return [3]uint64{
		(vpn >> 18) & defs.IndexMask,
		(vpn >> 9) & defs.IndexMask,
		vpn & defs.IndexMask,
	}
}

// PageTable is an SV39 three-level page table: a root PPN plus the frame
// trackers owning every node (root and intermediate) the table has
// allocated. An "owning" PageTable (built via NewPageTable) frees its
// nodes when Destroy is called; a "borrowing" one (built via FromToken)
// holds no trackers and may only be used to translate, never to map.
type PageTable struct {
	rootPPN  uint64
	frames   []*FrameTracker // nil for a borrowing table
	allocFn  *FrameAllocator
	arena    arenaReader
	borrowed bool
}

// arenaReader is the minimal page-byte-access surface PageTable needs;
// satisfied by *physmem.Arena.
type arenaReader interface {
	Page(ppn uint64) []byte
}

// NewPageTable allocates a root frame and returns an owning page table.
func NewPageTable(fa *FrameAllocator, arena arenaReader) *PageTable {
	root, ok := fa.Alloc()
	if !ok {
		panic("mem: out of frames allocating page-table root")
	}
	return &PageTable{rootPPN: root.PPN, frames: []*FrameTracker{root}, allocFn: fa, arena: arena}
}

// FromToken builds a non-owning page table over an already-running
// address space's root PPN, for kernel code that needs only to read
// another space's mappings (used by user-pointer translation).
func FromToken(satp uint64, arena arenaReader) *PageTable {
	return &PageTable{
		rootPPN:  satp & ((1 << defs.PPNWidth) - 1),
		borrowed: true,
		arena:    arena,
	}
}

// Token returns the SV39 SATP value: (8<<60) | root_ppn.
func (pt *PageTable) Token() uint64 {
	return 8<<60 | pt.rootPPN
}

func (pt *PageTable) writePTE(ppn uint64, idx uint64, pte PTE) {
	b := pt.arena.Page(ppn)
	v := uint64(pte)
	for j := 0; j < 8; j++ {
		b[int(idx)*8+j] = byte(v >> (8 * j))
	}
}

func (pt *PageTable) readPTE(ppn uint64, idx uint64) PTE {
	b := pt.arena.Page(ppn)
	var v uint64
	for j := 0; j < 8; j++ {
		v |= uint64(b[int(idx)*8+j]) << (8 * j)
	}
	return PTE(v)
}

// findPTECreate walks the table, creating intermediate nodes on miss,
// returning the (ppn, idx) location of the leaf slot.
func (pt *PageTable) findPTECreate(vpn uint64) (ppn uint64, idx uint64) {
	if pt.borrowed {
		panic("mem: map/unmap disallowed on a borrowing page table")
	}
	idxs := vpnIndexes(vpn)
	cur := pt.rootPPN
	for i, ix := range idxs {
		if i == 2 {
			return cur, ix
		}
		pte := pt.readPTE(cur, ix)
		if !pte.Valid() {
			frame, ok := pt.allocFn.Alloc()
			if !ok {
				panic("mem: out of frames while creating page-table node")
			}
			pt.writePTE(cur, ix, newPTE(frame.PPN, defs.PTE_V))
			pt.frames = append(pt.frames, frame)
			cur = frame.PPN
		} else {
			cur = pte.PPN()
		}
	}
	panic("unreachable")
}

// findPTE walks the table read-only; ok=false if any intermediate node is
// missing.
func (pt *PageTable) findPTE(vpn uint64) (ppn uint64, idx uint64, ok bool) {
	idxs := vpnIndexes(vpn)
	cur := pt.rootPPN
	for i, ix := range idxs {
		if i == 2 {
			return cur, ix, true
		}
		pte := pt.readPTE(cur, ix)
		if !pte.Valid() {
			return 0, 0, false
		}
		cur = pte.PPN()
	}
	panic("unreachable")
}

// Map installs vpn -> ppn with the given permission flags (V is added
// automatically). Fatal if vpn is already mapped.
func (pt *PageTable) Map(vpn, ppn uint64, flags defs.PTEFlags) {
	leafPPN, idx := pt.findPTECreate(vpn)
	if pt.readPTE(leafPPN, idx).Valid() {
		panic(fmt.Sprintf("mem: vpn %#x is mapped before mapping", vpn))
	}
	pt.writePTE(leafPPN, idx, newPTE(ppn, flags|defs.PTE_V))
}

// Unmap clears vpn's leaf PTE. Fatal if it was not valid.
func (pt *PageTable) Unmap(vpn uint64) {
	leafPPN, idx, ok := pt.findPTE(vpn)
	if !ok || !pt.readPTE(leafPPN, idx).Valid() {
		panic(fmt.Sprintf("mem: vpn %#x is invalid before unmapping", vpn))
	}
	pt.writePTE(leafPPN, idx, PTE(0))
}

// Translate performs a read-only walk, returning a copy of the leaf PTE.
func (pt *PageTable) Translate(vpn uint64) (PTE, bool) {
	leafPPN, idx, ok := pt.findPTE(vpn)
	if !ok {
		return 0, false
	}
	pte := pt.readPTE(leafPPN, idx)
	if !pte.Valid() {
		return 0, false
	}
	return pte, true
}

// TranslateVA translates a full virtual address, preserving the
// page-offset bits.
func (pt *PageTable) TranslateVA(va uint64) (uint64, bool) {
	vpn := va >> defs.PageSizeBits
	pte, ok := pt.Translate(vpn)
	if !ok {
		return 0, false
	}
	off := va & (defs.PageSize - 1)
	return pte.PPN()<<defs.PageSizeBits | off, true
}

// Destroy frees every frame this table owns (root + intermediate nodes).
// No-op on a borrowing table.
func (pt *PageTable) Destroy() {
	if pt.borrowed {
		return
	}
	for _, f := range pt.frames {
		f.Free()
	}
	pt.frames = nil
}
