package task

import (
	"testing"

	"sv39os/internal/defs"
)

// TestYieldAlternatesFIFO covers scenario S6: two ready tasks that both
// call yield repeatedly must alternate in FIFO order across several
// rounds, the same guarantee TaskManager's plain queue (not a priority
// structure) gives the original scheduler.
func TestYieldAlternatesFIFO(t *testing.T) {
	d, done := newTestDeps(t)
	defer done()

	const rounds = 3
	var order []string

	a := NewPCB(d, buildTestELF(0x1000, []byte{1}))
	b := NewPCB(d, buildTestELF(0x1000, []byte{1}))

	sched := NewScheduler()
	sched.Spawn(a, func(api *TaskAPI) {
		for i := 0; i < rounds; i++ {
			order = append(order, "a")
			api.Yield()
		}
	})
	sched.Spawn(b, func(api *TaskAPI) {
		for i := 0; i < rounds; i++ {
			order = append(order, "b")
			api.Yield()
		}
	})
	sched.RunTasks()

	if len(order) != 2*rounds {
		t.Fatalf("expected %d scheduling steps, got %d: %v", 2*rounds, len(order), order)
	}
	for i := 0; i < len(order); i++ {
		want := "a"
		if i%2 == 1 {
			want = "b"
		}
		if order[i] != want {
			t.Fatalf("expected FIFO alternation a,b,a,b,...; got %v", order)
		}
	}
}

// TestExitReparentsOrphansToInit covers scenario S5's reaping shape: a
// parent that exits while it still has children hands them to init, so
// init can go on to reap them itself.
func TestExitReparentsOrphansToInit(t *testing.T) {
	d, done := newTestDeps(t)
	defer done()

	initp := NewPCB(d, buildTestELF(0x1000, []byte{1}))
	parent := NewPCB(d, buildTestELF(0x1000, []byte{1}))
	child := parent.Fork(d)

	sched := NewScheduler()
	sched.SetInit(initp)
	sched.Spawn(initp, func(api *TaskAPI) { api.Yield() })
	sched.Spawn(parent, func(api *TaskAPI) {
		api.Exit(0)
	})
	sched.RunTasks()

	found := false
	for _, c := range initp.Children() {
		if c == child {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected init to inherit parent's child on exit")
	}
	if len(parent.Children()) != 0 {
		t.Fatalf("expected parent's child list to be cleared after reparenting")
	}
}

// TestExitRecyclesDataFrames covers the frame-recycling half of scenario
// S4: once a forked child exits, the frames its address space owned
// return to the allocator's recycled list.
func TestExitRecyclesDataFrames(t *testing.T) {
	d, done := newTestDeps(t)
	defer done()

	_, recycledBefore, _ := d.FrameAlloc.Stats()

	parent := NewPCB(d, buildTestELF(0x1000, []byte{1, 2, 3, 4}))
	child := parent.Fork(d)

	sched := NewScheduler()
	sched.Spawn(child, func(api *TaskAPI) { api.Exit(7) })
	sched.RunTasks()

	if child.ExitCode() != 7 {
		t.Fatalf("expected exit code 7, got %d", child.ExitCode())
	}
	_, recycledAfter, _ := d.FrameAlloc.Stats()
	if recycledAfter <= recycledBefore {
		t.Fatalf("expected exit to recycle at least one data frame: before=%d after=%d", recycledBefore, recycledAfter)
	}
}

// TestWaitpidReapsKernelStackAndPid covers the rest of scenario S4 and
// spec.md §4.I's waitpid discipline: reaping a zombie child must free its
// kernel-stack frames and its PID, not just its user-space data frames
// (already recycled at exit time).
func TestWaitpidReapsKernelStackAndPid(t *testing.T) {
	d, done := newTestDeps(t)
	defer done()

	parent := NewPCB(d, buildTestELF(0x1000, []byte{1, 2, 3, 4}))
	child := parent.Fork(d)
	childPid := child.Pid.Pid()

	sched := NewScheduler()
	sched.Spawn(child, func(api *TaskAPI) { api.Exit(7) })
	sched.RunTasks()

	_, recycledBeforeReap, _ := d.FrameAlloc.Stats()

	reapedPID, exitCode, errno, ok := Waitpid(parent, -1)
	if !ok || errno != 0 {
		t.Fatalf("expected successful reap, got ok=%v errno=%v", ok, errno)
	}
	if reapedPID != childPid {
		t.Fatalf("expected to reap pid %d, got %d", childPid, reapedPID)
	}
	if exitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", exitCode)
	}

	_, recycledAfterReap, _ := d.FrameAlloc.Stats()
	if recycledAfterReap <= recycledBeforeReap {
		t.Fatalf("expected reaping to recycle the kernel-stack frames: before=%d after=%d",
			recycledBeforeReap, recycledAfterReap)
	}

	if len(parent.Children()) != 0 {
		t.Fatalf("expected parent's child list to be empty after reap")
	}

	if _, _, errno, ok := Waitpid(parent, -1); ok || errno != defs.ErrNoChild {
		t.Fatalf("expected a second waitpid on a childless parent to return ErrNoChild, got ok=%v errno=%v", ok, errno)
	}

	// Double-free would panic; freed pid must not be reachable from a
	// second allocation's perspective either.
	newPid := d.Pids.Alloc()
	if newPid.Pid() != childPid {
		t.Fatalf("expected LIFO pid recycling to hand back the just-freed pid %d, got %d", childPid, newPid.Pid())
	}
}

// TestWaitpidNoChildErrno covers property 6's error case: a parent with
// no children at all gets ErrNoChild rather than ErrChildNotZombie.
func TestWaitpidNoChildErrno(t *testing.T) {
	d, done := newTestDeps(t)
	defer done()

	parent := NewPCB(d, buildTestELF(0x1000, []byte{1}))
	_, _, errno, ok := Waitpid(parent, -1)
	if ok || errno != defs.ErrNoChild {
		t.Fatalf("expected ErrNoChild for a childless parent, got ok=%v errno=%v", ok, errno)
	}
}
