package task

import (
	"sv39os/internal/defs"
)

// entry is one task's scheduling handle: the PCB plus the channels used
// to hand control to and from its goroutine.
type entry struct {
	pcb    *PCB
	resume chan struct{} // scheduler -> task: you're running now
	done   chan struct{} // task -> scheduler: I yielded or exited
}

// TaskManager is the FIFO ready queue (spec.md §4.I), a direct analogue
// of the original's VecDeque-backed TaskManager.
type TaskManager struct {
	ready []*entry
}

// NewTaskManager returns an empty ready queue.
func NewTaskManager() *TaskManager { return &TaskManager{} }

func (m *TaskManager) add(e *entry) { m.ready = append(m.ready, e) }

func (m *TaskManager) fetch() (*entry, bool) {
	if len(m.ready) == 0 {
		return nil, false
	}
	e := m.ready[0]
	m.ready = m.ready[1:]
	return e, true
}

// Scheduler is the Go-native substitute for Processor + __switch: at
// most one task goroutine is ever unblocked at a time, handed control
// via an unbuffered channel and handing it back the same way when it
// yields or exits, which is the cooperative single-hart model spec.md
// describes without needing a real register-level context switch.
type Scheduler struct {
	mgr     *TaskManager
	current *entry
	entries map[int]*entry // pid -> entry, for tasks currently known to the scheduler
	init    *PCB           // INITPROC: reparent target for orphaned children
}

// NewScheduler returns an empty scheduler. Call SetInit once the init
// process has been constructed and spawned.
func NewScheduler() *Scheduler {
	return &Scheduler{mgr: NewTaskManager(), entries: make(map[int]*entry)}
}

// SetInit designates the process that inherits orphaned children on
// exit, mirroring the original's INITPROC.
func (s *Scheduler) SetInit(p *PCB) { s.init = p }

// Body is a task's simulated user-mode program: arbitrary Go code that
// interacts with the kernel only through the TaskAPI it's given. This
// stands in for user code trapping into syscalls, since there is no
// real RISC-V execution in this hosted simulation.
type Body func(api *TaskAPI)

// TaskAPI is the only way a running task body can affect scheduling; it
// corresponds to the syscalls that suspend or terminate a task
// (sys_yield, sys_exit) plus read-only access to the owning PCB.
type TaskAPI struct {
	sched *Scheduler
	e     *entry
}

// PCB returns the task's own process control block.
func (a *TaskAPI) PCB() *PCB { return a.e.pcb }

// Yield is the sys_yield handler: re-enqueue as Ready and hand control
// back to the scheduler, blocking until scheduled again.
func (a *TaskAPI) Yield() {
	a.e.pcb.setStatus(defs.Ready)
	a.sched.mgr.add(a.e)
	a.e.done <- struct{}{}
	<-a.e.resume
}

// Exit is the sys_exit handler: mark Zombie, record the exit code,
// reparent every child to init, and hand control back to the scheduler
// for the last time. Exit then returns to the task body, which must
// return immediately; nothing else runs for this task afterwards.
func (a *TaskAPI) Exit(code int32) {
	p := a.e.pcb
	in := p.lock()
	in.status = defs.Zombie
	in.exitCode = code
	children := in.children
	in.children = nil
	p.unlock()

	if a.sched.init != nil {
		initIn := a.sched.init.lock()
		for _, c := range children {
			cin := c.lock()
			cin.parent = a.sched.init
			c.unlock()
			initIn.children = append(initIn.children, c)
		}
		a.sched.init.unlock()
	}

	ms := p.MemorySet()
	ms.RecycleDataPages()

	delete(a.sched.entries, p.Pid.Pid())
	a.e.done <- struct{}{}
	// Goroutine returns after this call; nothing further runs on a's entry.
}

// Spawn registers pcb as Ready and starts its body's goroutine, blocked
// until the scheduler first runs it.
func (s *Scheduler) Spawn(p *PCB, body Body) {
	e := &entry{pcb: p, resume: make(chan struct{}), done: make(chan struct{})}
	s.entries[p.Pid.Pid()] = e
	p.setStatus(defs.Ready)
	s.mgr.add(e)
	go func() {
		<-e.resume
		api := &TaskAPI{sched: s, e: e}
		body(api)
		// A body that returns without calling Exit exits with code 0,
		// same as falling off the end of main.
		if !p.IsZombie() {
			api.Exit(0)
		}
	}()
}

// RunTasks is the idle control flow: repeatedly fetch the next ready
// task, switch to it, and wait for it to yield or exit before fetching
// again. Returns once the ready queue is empty and stays empty (every
// spawned task has exited).
func (s *Scheduler) RunTasks() {
	for {
		e, ok := s.mgr.fetch()
		if !ok {
			return
		}
		e.pcb.setStatus(defs.Running)
		s.current = e
		e.resume <- struct{}{}
		<-e.done
		s.current = nil
	}
}

// CurrentTask returns the task presently switched to, if any.
func (s *Scheduler) CurrentTask() *PCB {
	if s.current == nil {
		return nil
	}
	return s.current.pcb
}

// ReadyLen reports how many tasks are presently queued (not running).
func (s *Scheduler) ReadyLen() int { return len(s.mgr.ready) }

// LiveCount reports how many tasks the scheduler still knows about
// (queued or running); a task is dropped when it exits, before it is
// reaped.
func (s *Scheduler) LiveCount() int { return len(s.entries) }

// TaskByPid looks up a still-live (non-exited) task by PID.
func (s *Scheduler) TaskByPid(pid int) (*PCB, bool) {
	e, ok := s.entries[pid]
	if !ok {
		return nil, false
	}
	return e.pcb, true
}

// Waitpid implements sys_waitpid's non-blocking check: pid == -1 means
// "any child". Returns (foundPID, exitCode, errno); errno is
// defs.ErrNoChild if no matching child exists at all, or
// defs.ErrChildNotZombie if matching children exist but none has
// exited yet — callers (the syscall layer) then loop with Yield the
// same way the original's user-space wait4 wrapper does.
func Waitpid(parent *PCB, pid int) (foundPID int, exitCode int32, errno defs.Errno, ok bool) {
	in := parent.lock()
	defer parent.unlock()

	any := false
	for _, c := range in.children {
		if pid == -1 || c.Pid.Pid() == pid {
			any = true
			break
		}
	}
	if !any {
		return 0, 0, defs.ErrNoChild, false
	}

	for i, c := range in.children {
		if (pid == -1 || c.Pid.Pid() == pid) && c.IsZombie() {
			in.children = append(in.children[:i], in.children[i+1:]...)
			reapedPID := c.Pid.Pid()
			exitCode := c.ExitCode()
			// This removal drops the last strong reference to c (the
			// scheduler already let go of it on exit, and no other PCB
			// ever holds a live child pointer) — free everything the
			// exited PCB was still keeping alive: its memory set's page
			// table (data pages were already recycled at exit time), its
			// kernel stack, and its PID.
			c.MemorySet().Destroy()
			c.KernelStack.Free()
			c.Pid.Free()
			return reapedPID, exitCode, 0, true
		}
	}
	return 0, 0, defs.ErrChildNotZombie, false
}

// SuspendCurrentAndRunNext implements sys_yield from the kernel side:
// called from within a task's own goroutine via TaskAPI.Yield; this
// alias exists for symmetry with the original's free functions.
func (a *TaskAPI) SuspendCurrentAndRunNext() { a.Yield() }

// ExitCurrentAndRunNext implements sys_exit from the kernel side.
func (a *TaskAPI) ExitCurrentAndRunNext(code int32) { a.Exit(code) }
