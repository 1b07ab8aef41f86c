package task

import (
	"testing"

	"sv39os/internal/defs"
	"sv39os/internal/mem"
	"sv39os/internal/physmem"
)

func newTestKernelSpace(t *testing.T) (*mem.MemorySet, *mem.FrameAllocator, func()) {
	t.Helper()
	arena, err := physmem.NewArena(0, 256)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	fa := mem.NewFrameAllocator(arena)
	trampoline, ok := fa.Alloc()
	if !ok {
		t.Fatalf("alloc trampoline frame")
	}
	ks := mem.NewBare(fa, arena, trampoline.PPN)
	ks.MapTrampoline()
	return ks, fa, func() { arena.Close() }
}

func TestKernelStackPositionDescendsFromTrampoline(t *testing.T) {
	b0, t0 := kernelStackPosition(0)
	b1, t1 := kernelStackPosition(1)
	if t0 != defs.TrampolineVPN {
		t.Fatalf("expected task 0's stack top to sit at the trampoline VPN, got %#x", t0)
	}
	if t1 >= b0 {
		t.Fatalf("expected task 1's stack to sit below task 0's with a guard page, got top=%#x task0 bottom=%#x", t1, b0)
	}
	pagesPerStack := uint64(defs.KernelStackSize) / defs.PageSize
	if t0-b0 != pagesPerStack {
		t.Fatalf("expected stack span of %d pages, got %d", pagesPerStack, t0-b0)
	}
}

func TestKernelStackMapsAndFrees(t *testing.T) {
	kspace, _, done := newTestKernelSpace(t)
	defer done()

	ks := NewKernelStack(0, kspace)
	bottomVPN, topVPN := kernelStackPosition(0)
	if ks.GetTop() != topVPN<<defs.PageSizeBits {
		t.Fatalf("GetTop mismatch")
	}
	if _, ok := kspace.Translate(bottomVPN); !ok {
		t.Fatalf("expected kernel stack's bottom page to be mapped")
	}
	if _, ok := kspace.Translate(topVPN - 1); !ok {
		t.Fatalf("expected kernel stack's last page to be mapped")
	}

	ks.Free()
	if _, ok := kspace.Translate(bottomVPN); ok {
		t.Fatalf("expected kernel stack to be unmapped after Free")
	}
}
