// Package syscall implements cross-address-space argument marshalling
// and syscall dispatch (spec.md §4.J): translating a user-space pointer
// against a given page table into kernel-visible byte windows, and
// routing a syscall number plus its six argument registers to the
// matching handler. Grounded on
// biscuit/src/vm/userbuf.go's Userbuf_t (page-by-page user-memory
// scatter/gather under a page-table walk) and biscuit/src/vm/as.go's
// address-space copy helpers, adapted from biscuit's page-fault-driven
// x86-64 walk to a direct SV39 PageTable.Translate call since this
// kernel core has no demand paging to fault through.
package syscall

import (
	"sv39os/internal/defs"
	"sv39os/internal/mem"
)

// arenaReader is the minimal page-byte-access surface translation needs.
type arenaReader interface {
	Page(ppn uint64) []byte
}

// pageTableFor builds a borrowing page table over the address space
// named by token, for read/write access to its mappings only (never
// map/unmap), exactly the role PageTable.FromToken documents.
func pageTableFor(token uint64, arena arenaReader) *mem.PageTable {
	return mem.FromToken(token, arena)
}

// TranslatedByteBuffer splits the user region [ptr, ptr+length) at
// every page boundary and returns one kernel-visible slice per page,
// each pointing directly into the backing frame — exactly
// Userbuf_t's "copy through a page-table walk, one page at a time"
// shape, but returning slices instead of performing the copy itself so
// callers (Read/Write) can scatter/gather without an intermediate
// buffer.
func TranslatedByteBuffer(token uint64, arena arenaReader, ptr, length uint64) [][]byte {
	if length == 0 {
		return nil
	}
	pt := pageTableFor(token, arena)
	var out [][]byte
	start := ptr
	end := ptr + length
	for start < end {
		vpn := start >> defs.PageSizeBits
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic("syscall: unmapped user pointer in translated buffer")
		}
		pageEnd := (vpn + 1) << defs.PageSizeBits
		if pageEnd > end {
			pageEnd = end
		}
		pageOff := start & (defs.PageSize - 1)
		pageLen := pageEnd - start
		page := arena.Page(pte.PPN())
		out = append(out, page[pageOff:pageOff+pageLen])
		start = pageEnd
	}
	return out
}

// TranslatedStr walks byte-by-byte from ptr until a NUL terminator,
// translating one byte (and crossing page boundaries transparently)
// at a time.
func TranslatedStr(token uint64, arena arenaReader, ptr uint64) string {
	pt := pageTableFor(token, arena)
	var out []byte
	va := ptr
	for {
		pa, ok := pt.TranslateVA(va)
		if !ok {
			panic("syscall: unmapped user pointer in translated string")
		}
		b := arena.Page(pa>>defs.PageSizeBits)[pa&(defs.PageSize-1)]
		if b == 0 {
			break
		}
		out = append(out, b)
		va++
	}
	return string(out)
}

// TranslatedRefBytes returns a writable kernel-visible window over a
// size-byte value living at ptr in the address space named by token.
// The region must not straddle a page boundary — enforced the same way
// translated_refmut<T> is, by translating only the single starting
// address and requiring the whole value to fit in that one page.
func TranslatedRefBytes(token uint64, arena arenaReader, ptr uint64, size uint64) []byte {
	pt := pageTableFor(token, arena)
	pa, ok := pt.TranslateVA(ptr)
	if !ok {
		panic("syscall: unmapped user pointer in translated ref")
	}
	off := pa & (defs.PageSize - 1)
	if off+size > defs.PageSize {
		panic("syscall: translated ref straddles a page boundary")
	}
	return arena.Page(pa >> defs.PageSizeBits)[off : off+size]
}
