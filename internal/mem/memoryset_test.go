package mem

import (
	"encoding/binary"
	"testing"

	"sv39os/internal/defs"
	"sv39os/internal/physmem"
)

func newTestMS(t *testing.T, npages uint64) (*MemorySet, *FrameAllocator, *physmem.Arena, func()) {
	t.Helper()
	arena, err := physmem.NewArena(0, npages)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	fa := NewFrameAllocator(arena)
	trampoline, ok := fa.Alloc()
	if !ok {
		t.Fatalf("alloc trampoline frame")
	}
	ms := NewBare(fa, arena, trampoline.PPN)
	ms.MapTrampoline()
	return ms, fa, arena, func() { arena.Close() }
}

func TestMemorySetOverlapPanics(t *testing.T) {
	ms, _, _, done := newTestMS(t, 64)
	defer done()
	ms.InsertFramedArea(0, 2*defs.PageSize, defs.PermR|defs.PermW)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on overlapping area")
		}
	}()
	ms.InsertFramedArea(defs.PageSize, 3*defs.PageSize, defs.PermR)
}

func TestMemorySetDisjointAreas(t *testing.T) {
	ms, _, _, done := newTestMS(t, 64)
	defer done()
	ms.InsertFramedArea(0, defs.PageSize, defs.PermR|defs.PermW)
	ms.InsertFramedArea(defs.PageSize, 2*defs.PageSize, defs.PermR)
	for i, a := range ms.areas {
		for j, b := range ms.areas {
			if i == j {
				continue
			}
			if a.overlaps(b.startVPN, b.endVPN) {
				t.Fatalf("areas %d and %d overlap", i, j)
			}
		}
	}
}

func TestMemorySetRecycleDataPages(t *testing.T) {
	ms, _, _, done := newTestMS(t, 64)
	defer done()
	ms.InsertFramedArea(0, defs.PageSize, defs.PermR|defs.PermW)
	if _, ok := ms.Translate(0); !ok {
		t.Fatalf("expected vpn 0 mapped")
	}
	ms.RecycleDataPages()
	if _, ok := ms.Translate(0); ok {
		t.Fatalf("expected vpn 0 unmapped after recycle")
	}
	// trampoline mapping (not an area) must survive.
	if _, ok := ms.Translate(defs.TrampolineVPN); !ok {
		t.Fatalf("expected trampoline to survive RecycleDataPages")
	}
}

// buildTestELF constructs a minimal single-PT_LOAD ELF64 LE executable.
func buildTestELF(vaddr uint64, data []byte) []byte {
	const ehsize = 64
	const phsize = 56
	buf := make([]byte, ehsize+phsize+len(data))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)              // e_type = ET_EXEC
	le.PutUint16(buf[18:], 243)            // e_machine = EM_RISCV
	le.PutUint32(buf[20:], 1)              // e_version
	le.PutUint64(buf[24:], vaddr)          // e_entry
	le.PutUint64(buf[32:], ehsize)         // e_phoff
	le.PutUint64(buf[40:], 0)              // e_shoff
	le.PutUint32(buf[48:], 0)              // e_flags
	le.PutUint16(buf[52:], ehsize)         // e_ehsize
	le.PutUint16(buf[54:], phsize)         // e_phentsize
	le.PutUint16(buf[56:], 1)              // e_phnum
	le.PutUint16(buf[58:], 0)              // e_shentsize
	le.PutUint16(buf[60:], 0)              // e_shnum
	le.PutUint16(buf[62:], 0)              // e_shstrndx

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)                       // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                       // p_flags = R|X
	le.PutUint64(ph[8:], ehsize+phsize)           // p_offset
	le.PutUint64(ph[16:], vaddr)                  // p_vaddr
	le.PutUint64(ph[24:], vaddr)                  // p_paddr
	le.PutUint64(ph[32:], uint64(len(data)))       // p_filesz
	le.PutUint64(ph[40:], uint64(len(data)))       // p_memsz
	le.PutUint64(ph[48:], defs.PageSize)           // p_align

	copy(buf[ehsize+phsize:], data)
	return buf
}

func TestFromELFLoadsSegmentAndTrapContext(t *testing.T) {
	arena, err := physmem.NewArena(0, 64)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()
	fa := NewFrameAllocator(arena)
	trampoline, _ := fa.Alloc()

	payload := []byte{1, 2, 3, 4, 5}
	vaddr := uint64(0x1000)
	elfBytes := buildTestELF(vaddr, payload)

	ms, userSP, entry := FromELF(fa, arena, trampoline.PPN, elfBytes)
	if entry != vaddr {
		t.Fatalf("entry mismatch: got %#x want %#x", entry, vaddr)
	}
	if userSP <= vaddr {
		t.Fatalf("expected user stack base above loaded segment, got %#x", userSP)
	}

	vpn := vaddr >> defs.PageSizeBits
	pte, ok := ms.Translate(vpn)
	if !ok {
		t.Fatalf("expected loaded segment to be mapped")
	}
	got := arena.Page(pte.PPN())[:len(payload)]
	for i, b := range payload {
		if got[i] != b {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], b)
		}
	}

	if _, ok := ms.Translate(defs.TrapContextVPN); !ok {
		t.Fatalf("expected trap-context page to be mapped")
	}
	if _, ok := ms.Translate(defs.TrampolineVPN); !ok {
		t.Fatalf("expected trampoline to be mapped")
	}
}

func TestFromExistedUserIsolation(t *testing.T) {
	arena, err := physmem.NewArena(0, 64)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()
	fa := NewFrameAllocator(arena)
	trampoline, _ := fa.Alloc()

	parent := NewBare(fa, arena, trampoline.PPN)
	parent.MapTrampoline()
	parent.InsertFramedArea(0, defs.PageSize, defs.PermR|defs.PermW|defs.PermU)

	ppte, _ := parent.Translate(0)
	arena.Page(ppte.PPN())[0] = 0xAB

	child := FromExistedUser(parent, fa, arena)
	cpte, ok := child.Translate(0)
	if !ok {
		t.Fatalf("expected child to have vpn 0 mapped")
	}
	if cpte.PPN() == ppte.PPN() {
		t.Fatalf("expected child to own a distinct frame")
	}
	if arena.Page(cpte.PPN())[0] != 0xAB {
		t.Fatalf("expected child's frame to be copied from parent")
	}

	arena.Page(cpte.PPN())[0] = 0xCD
	if arena.Page(ppte.PPN())[0] != 0xAB {
		t.Fatalf("write to child frame leaked into parent frame")
	}
}
