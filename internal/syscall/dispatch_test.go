package syscall

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"sv39os/internal/blockdev"
	"sv39os/internal/console"
	"sv39os/internal/defs"
	"sv39os/internal/fs"
	"sv39os/internal/mem"
	"sv39os/internal/physmem"
	"sv39os/internal/task"
)

// buildTestELF constructs a minimal single-PT_LOAD ELF64 LE executable
// with one R|W|X segment at vaddr holding data, the same fixture shape
// used across internal/mem and internal/task's own tests.
func buildTestELF(vaddr uint64, data []byte) []byte {
	const ehsize = 64
	const phsize = 56
	buf := make([]byte, ehsize+phsize+len(data))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 243)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], vaddr)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint64(buf[40:], 0)
	le.PutUint32(buf[48:], 0)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1)
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)
	le.PutUint16(buf[62:], 0)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], 7)
	le.PutUint64(ph[8:], ehsize+phsize)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(len(data)))
	le.PutUint64(ph[40:], uint64(len(data)))
	le.PutUint64(ph[48:], defs.PageSize)

	copy(buf[ehsize+phsize:], data)
	return buf
}

type testKernel struct {
	arena *physmem.Arena
	fa    *mem.FrameAllocator
	deps  *task.Deps
	disp  *Dispatcher
	sched *task.Scheduler
}

func newTestKernel(t *testing.T) (*testKernel, func()) {
	t.Helper()
	arena, err := physmem.NewArena(0, 4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	fa := mem.NewFrameAllocator(arena)
	trampoline, ok := fa.Alloc()
	if !ok {
		t.Fatalf("alloc trampoline frame")
	}
	kspace := mem.NewBare(fa, arena, trampoline.PPN)
	kspace.MapTrampoline()

	d := &task.Deps{
		Pids:          task.NewPidAllocator(),
		KernelSpace:   kspace,
		FrameAlloc:    fa,
		Arena:         arena,
		TrampolinePPN: trampoline.PPN,
		TrapHandler:   0xcafe,
	}

	dev := blockdev.NewMemBlockDevice(4096)
	efs := fs.Create(dev, 4096, 1)

	sched := task.NewScheduler()
	disp := &Dispatcher{
		Arena:   arena,
		Console: console.Stub{},
		Sched:   sched,
		Deps:    d,
		Root:    efs.RootInode(),
		Boot:    time.Now(),
	}
	return &testKernel{arena: arena, fa: fa, deps: d, disp: disp, sched: sched}, func() { arena.Close() }
}

// TestWriteGoesThroughConsole exercises sys_write end-to-end: a task
// body writes a known byte string from its own loaded ELF segment and the
// dispatcher's console sees every byte, in order.
func TestWriteGoesThroughConsole(t *testing.T) {
	k, done := newTestKernel(t)
	defer done()

	var captured bytes.Buffer
	k.disp.Console = console.NewLine(&captured)

	msg := []byte("hi\n")
	elf := buildTestELF(0x1000, msg)
	p := task.NewPCB(k.deps, elf)

	k.sched.Spawn(p, func(api *task.TaskAPI) {
		token := api.PCB().UserToken()
		n := k.disp.Write(token, FDStdout, 0x1000, uint64(len(msg)))
		if n != int64(len(msg)) {
			t.Errorf("expected to write %d bytes, wrote %d", len(msg), n)
		}
		k.disp.Exit(api, 0)
	})
	k.sched.RunTasks()

	if captured.String() != string(msg) {
		t.Fatalf("console saw %q, want %q", captured.String(), msg)
	}
}

// TestForkAndWaitpid exercises sys_fork + sys_waitpid end-to-end
// (spec.md testable property 6 and scenario S4): a parent forks a
// child that exits with code 7; the parent's waitpid call returns the
// child's pid and writes 7 to the output pointer; a second waitpid on
// the now-empty child set returns -1.
func TestForkAndWaitpid(t *testing.T) {
	k, done := newTestKernel(t)
	defer done()

	elf := buildTestELF(0x1000, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	parent := task.NewPCB(k.deps, elf)

	var childPid int64
	var waitResult1, waitResult2 int64
	var exitCodeSeen int32

	k.sched.Spawn(parent, func(api *task.TaskAPI) {
		childPid = k.disp.Fork(api, func(capi *task.TaskAPI) {
			k.disp.Exit(capi, 7)
		})

		// The output pointer for waitpid lives at the second 8 bytes of
		// the loaded page, well clear of the code bytes above it.
		outPtr := uint64(0x1000 + 8)
		token := api.PCB().UserToken()

		for {
			r := k.disp.Waitpid(api, token, int(childPid), outPtr)
			if r == int64(defs.ErrChildNotZombie) {
				api.Yield()
				continue
			}
			waitResult1 = r
			break
		}
		buf := TranslatedRefBytes(token, k.arena, outPtr, 4)
		exitCodeSeen = int32(binary.LittleEndian.Uint32(buf))

		waitResult2 = k.disp.Waitpid(api, token, int(childPid), outPtr)
		k.disp.Exit(api, 0)
	})
	k.sched.RunTasks()

	if waitResult1 != childPid {
		t.Fatalf("expected waitpid to return child pid %d, got %d", childPid, waitResult1)
	}
	if exitCodeSeen != 7 {
		t.Fatalf("expected exit code 7 written to out pointer, got %d", exitCodeSeen)
	}
	if waitResult2 != int64(defs.ErrNoChild) {
		t.Fatalf("expected second waitpid to return -1, got %d", waitResult2)
	}
}

// TestExecResolvesThroughFilesystem exercises sys_exec: a task execs a
// path stored in the root directory and the trap context's entry point
// reflects the new image.
func TestExecResolvesThroughFilesystem(t *testing.T) {
	k, done := newTestKernel(t)
	defer done()

	newImage := buildTestELF(0x2000, []byte{1})
	f, ok := k.disp.Root.Create("prog")
	if !ok {
		t.Fatalf("expected to create prog")
	}
	f.WriteAt(0, newImage)

	// Initial program's data segment holds the NUL-terminated path
	// string "prog" starting right after the code bytes.
	code := []byte{0, 0, 0, 0}
	path := append([]byte("prog"), 0)
	elf := buildTestELF(0x1000, append(code, path...))
	p := task.NewPCB(k.deps, elf)

	k.sched.Spawn(p, func(api *task.TaskAPI) {
		token := api.PCB().UserToken()
		rc := k.disp.Exec(api, token, 0x1000+uint64(len(code)))
		if rc != 0 {
			t.Errorf("expected exec to succeed, got %d", rc)
		}
		cx := api.PCB().GetTrapCx(k.arena)
		if cx.Sepc != 0x2000 {
			t.Errorf("expected exec'd entry point 0x2000, got %#x", cx.Sepc)
		}
		k.disp.Exit(api, 0)
	})
	k.sched.RunTasks()
}
