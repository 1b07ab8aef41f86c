package task

import (
	"sv39os/internal/defs"
	"sv39os/internal/mem"
)

// kernelStackPosition computes the [bottom, top) VPN range of the Nth
// task's kernel stack, counting down from the trampoline with one guard
// page of separation between stacks (spec.md §4.H). appID is the task's
// slot index, not its PID, matching the original's usage — callers that
// want per-PID stacks pass the PID as appID, same as the teacher's
// kernel_stack_position(app_id).
func kernelStackPosition(appID int) (bottomVPN, topVPN uint64) {
	pagesPerStack := uint64(defs.KernelStackSize) / defs.PageSize
	guardPages := uint64(1)
	topVPN = defs.TrampolineVPN - uint64(appID)*(pagesPerStack+guardPages)
	bottomVPN = topVPN - pagesPerStack
	return
}

// KernelStack is a task's private R|W stack, mapped into the kernel
// address space at a slot determined by its PID.
type KernelStack struct {
	pid         int
	kernelSpace *mem.MemorySet
	bottomVPN   uint64
	topVPN      uint64
}

// NewKernelStack inserts a fresh Framed R|W area for pid into
// kernelSpace at its designated slot.
func NewKernelStack(pid int, kernelSpace *mem.MemorySet) *KernelStack {
	bottomVPN, topVPN := kernelStackPosition(pid)
	kernelSpace.InsertFramedArea(bottomVPN<<defs.PageSizeBits, topVPN<<defs.PageSizeBits, defs.PermR|defs.PermW)
	return &KernelStack{pid: pid, kernelSpace: kernelSpace, bottomVPN: bottomVPN, topVPN: topVPN}
}

// GetTop returns the stack's top VA (one past the last valid byte).
func (k *KernelStack) GetTop() uint64 {
	return k.topVPN << defs.PageSizeBits
}

// Free unmaps the stack's area from the kernel address space. Go has no
// Drop, so callers must call this explicitly once the owning task is
// torn down.
func (k *KernelStack) Free() {
	k.kernelSpace.RemoveAreaWithStartVPN(k.bottomVPN)
}
