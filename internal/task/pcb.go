package task

import (
	"sync"
	"time"

	"sv39os/internal/defs"
	"sv39os/internal/mem"
	"sv39os/internal/trap"
)

// accounting mirrors the teacher's Accnt_t: plain monotonic counters, no
// rusage/timeval serialization since spec.md's syscall list has no
// getrusage to serialize for.
type accounting struct {
	mu       sync.Mutex
	userTime time.Duration
	sysTime  time.Duration
}

func (a *accounting) addUser(d time.Duration) {
	a.mu.Lock()
	a.userTime += d
	a.mu.Unlock()
}

func (a *accounting) addSys(d time.Duration) {
	a.mu.Lock()
	a.sysTime += d
	a.mu.Unlock()
}

// UserNanos and SysNanos report accumulated time spent executing user
// code and kernel code on this task's behalf.
func (a *accounting) UserNanos() int64 { a.mu.Lock(); defer a.mu.Unlock(); return a.userTime.Nanoseconds() }
func (a *accounting) SysNanos() int64  { a.mu.Lock(); defer a.mu.Unlock(); return a.sysTime.Nanoseconds() }

// pcbInner holds every field of a PCB that changes over its lifetime,
// guarded by one mutex — the Go stand-in for the original's RefCell
// interior mutability (spec.md §9).
type pcbInner struct {
	mu        sync.Mutex
	trapCxPPN uint64
	baseSize  uint64
	taskCx    Context
	status    defs.TaskStatus
	memorySet *mem.MemorySet
	parent    *PCB
	children  []*PCB
	exitCode  int32
}

// PCB is a process control block: the immutable identity (pid, kernel
// stack) plus the mutable inner state. Every process except the init
// process is reachable only by having been forked from an ancestor, same
// as the original.
type PCB struct {
	Pid         PidHandle
	KernelStack *KernelStack
	Accounting  accounting

	inner pcbInner
}

// lock acquires the inner mutex; callers must call unlock when done.
// Named (not a plain sync.Mutex field access) so call sites read like
// the original's inner_exclusive_access.
func (p *PCB) lock() *pcbInner {
	p.inner.mu.Lock()
	return &p.inner
}

func (p *PCB) unlock() { p.inner.mu.Unlock() }

// trapContextPage returns the live trap-context bytes for this PCB's
// address space, via the simulated physical arena.
func (p *PCB) trapContextPage(arena interface{ Page(ppn uint64) []byte }) []byte {
	in := p.lock()
	defer p.unlock()
	return arena.Page(in.trapCxPPN)[:trap.Size]
}

// GetTrapCx decodes this task's trap context out of its backing page.
func (p *PCB) GetTrapCx(arena interface{ Page(ppn uint64) []byte }) *trap.Context {
	return trap.Decode(p.trapContextPage(arena))
}

// SetTrapCx re-encodes a modified trap context back into its page.
func (p *PCB) SetTrapCx(arena interface{ Page(ppn uint64) []byte }, cx *trap.Context) {
	cx.Encode(p.trapContextPage(arena))
}

// UserToken returns this task's address space's SATP token.
func (p *PCB) UserToken() uint64 {
	in := p.lock()
	defer p.unlock()
	return in.memorySet.Token()
}

// Status reports the task's run state.
func (p *PCB) Status() defs.TaskStatus {
	in := p.lock()
	defer p.unlock()
	return in.status
}

func (p *PCB) setStatus(s defs.TaskStatus) {
	in := p.lock()
	in.status = s
	p.unlock()
}

// IsZombie reports whether the task has exited and is waiting to be
// reaped by waitpid.
func (p *PCB) IsZombie() bool { return p.Status() == defs.Zombie }

// ExitCode returns the task's recorded exit code (valid once zombie).
func (p *PCB) ExitCode() int32 {
	in := p.lock()
	defer p.unlock()
	return in.exitCode
}

// Children returns a snapshot of the task's child list.
func (p *PCB) Children() []*PCB {
	in := p.lock()
	defer p.unlock()
	out := make([]*PCB, len(in.children))
	copy(out, in.children)
	return out
}

// MemorySet exposes the task's address space for syscall-layer pointer
// translation.
func (p *PCB) MemorySet() *mem.MemorySet {
	in := p.lock()
	defer p.unlock()
	return in.memorySet
}

// deps bundles the shared kernel-side state every PCB operation needs:
// the PID allocator, the kernel address space kernel stacks are mapped
// into, the frame allocator and physical arena backing new user address
// spaces, and the trap handler entry the app_init_context installs.
type deps struct {
	Pids        *PidAllocator
	KernelSpace *mem.MemorySet
	FrameAlloc  *mem.FrameAllocator
	Arena       interface {
		Page(ppn uint64) []byte
	}
	TrampolinePPN uint64
	TrapHandler   uint64
}

// Deps is the exported name for deps, letting callers outside this
// package (the syscall dispatcher, cmd/kernel's boot sequence) build and
// pass the same dependency bundle to NewPCB/Fork/Exec.
type Deps = deps

// NewPCB builds a fresh, parentless process (used only for the one
// hand-built init process — every other process comes from Fork).
func NewPCB(d *deps, elfBytes []byte) *PCB {
	ms, userSP, entry := mem.FromELF(d.FrameAlloc, d.Arena, d.TrampolinePPN, elfBytes)
	trapCxPTE, ok := ms.Translate(defs.TrapContextVPN)
	if !ok {
		panic("task: new process has no trap-context mapping")
	}

	pid := d.Pids.Alloc()
	kstack := NewKernelStack(pid.Pid(), d.KernelSpace)
	kernelSP := kstack.GetTop()

	p := &PCB{
		Pid:         pid,
		KernelStack: kstack,
	}
	p.inner = pcbInner{
		trapCxPPN: trapCxPTE.PPN(),
		baseSize:  userSP,
		taskCx:    GotoTrapReturn(kernelSP),
		status:    defs.Ready,
		memorySet: ms,
	}

	cx := trap.AppInitContext(entry, userSP, d.KernelSpace.Token(), kernelSP, d.TrapHandler)
	p.SetTrapCx(d.Arena, cx)
	return p
}

// Fork creates a near-identical child: a deep copy of the parent's user
// address space, a fresh PID and kernel stack, and a parent/children
// link. The child's trap context's kernel_sp is patched to its own
// kernel stack and its x[10] (fork's return value) is set to 0 (the
// rest — entry, user sp, kernel satp, trap handler —
// stays whatever the parent's trap context already held, matching the
// original's fork which never re-runs app_init_context).
func (p *PCB) Fork(d *deps) *PCB {
	in := p.lock()
	childMS := mem.FromExistedUser(in.memorySet, d.FrameAlloc, d.Arena)
	baseSize := in.baseSize
	p.unlock()

	trapCxPTE, ok := childMS.Translate(defs.TrapContextVPN)
	if !ok {
		panic("task: forked process has no trap-context mapping")
	}

	pid := d.Pids.Alloc()
	kstack := NewKernelStack(pid.Pid(), d.KernelSpace)
	kernelSP := kstack.GetTop()

	child := &PCB{Pid: pid, KernelStack: kstack}
	child.inner = pcbInner{
		trapCxPPN: trapCxPTE.PPN(),
		baseSize:  baseSize,
		taskCx:    GotoTrapReturn(kernelSP),
		status:    defs.Ready,
		memorySet: childMS,
		parent:    p,
	}

	pin := p.lock()
	pin.children = append(pin.children, child)
	p.unlock()

	cx := child.GetTrapCx(d.Arena)
	cx.KernelSp = kernelSP
	cx.X[10] = 0 // fork returns 0 in the child; the parent's return value is the child's pid
	child.SetTrapCx(d.Arena, cx)
	return child
}

// Exec replaces the task's address space in place with a freshly loaded
// ELF image, keeping its PID and kernel stack.
func (p *PCB) Exec(d *deps, elfBytes []byte) {
	ms, userSP, entry := mem.FromELF(d.FrameAlloc, d.Arena, d.TrampolinePPN, elfBytes)
	trapCxPTE, ok := ms.Translate(defs.TrapContextVPN)
	if !ok {
		panic("task: exec'd process has no trap-context mapping")
	}

	in := p.lock()
	old := in.memorySet
	in.memorySet = ms
	in.trapCxPPN = trapCxPTE.PPN()
	in.baseSize = userSP
	kernelSP := p.KernelStack.GetTop()
	p.unlock()

	// The replaced address space has no other owner (Go has no Drop) —
	// reclaim its frames and page table now, same as a zombie's at reap time.
	old.RecycleDataPages()
	old.Destroy()

	cx := trap.AppInitContext(entry, userSP, d.KernelSpace.Token(), kernelSP, d.TrapHandler)
	p.SetTrapCx(d.Arena, cx)
}
