// Command kernel runs the boot-sequence simulation described in
// spec.md §6 ("CLI / boot"): zero BSS, init heap, init frame allocator,
// activate kernel memory set, init trap, enable timer interrupt,
// enumerate apps, insert init process, run tasks. Every step that has
// no hosted-Go analogue (BSS/heap/trap-vector/timer) is logged as a
// no-op, matching the teacher's own "reboot ..." banner style
// (biscuit/src/ufs/ufs.go's BootMemFS) rather than silently skipped.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"sv39os/internal/blockdev"
	"sv39os/internal/console"
	"sv39os/internal/defs"
	"sv39os/internal/fs"
	"sv39os/internal/mem"
	"sv39os/internal/physmem"
	sc "sv39os/internal/syscall"
	"sv39os/internal/task"
)

func main() {
	imagePath := flag.String("image", "", "path to an easy-fs disk image (created fresh if absent)")
	pprofOut := flag.String("pprof-out", "", "write a google/pprof snapshot of kernel-core state to this path on shutdown")
	flag.Parse()

	if err := boot(*imagePath, *pprofOut); err != nil {
		log.Fatalf("kernel: %v", err)
	}
}

// These constants are the simulated physical-memory shape: small identity
// windows standing in for a kernel image's .text/.rodata/.data/.bss,
// sized in pages rather than linked at real addresses since there is no
// real kernel binary occupying physical RAM in a hosted simulation.
const (
	arenaPages  = 8192 // 32 MiB simulated physical RAM
	kernelPages = 4     // 1 page each for text/rodata/data/bss placeholders
	fsBlocks    = 4096  // blocks in the easy-fs image (independent of arenaPages)
)

func boot(imagePath, pprofOut string) error {
	log.Printf("boot: zero bss (no-op: hosted Go binaries have no kernel BSS segment)")
	log.Printf("boot: init heap (no-op: the Go runtime owns the real heap)")

	arena, err := physmem.NewArena(0, arenaPages)
	if err != nil {
		return fmt.Errorf("physmem: %w", err)
	}
	defer arena.Close()
	fa := mem.NewFrameAllocator(arena)
	log.Printf("boot: frame allocator ready over %d pages", arenaPages)

	trampoline, ok := fa.Alloc()
	if !ok {
		return fmt.Errorf("mem: out of frames allocating the trampoline page")
	}

	layout := mem.KernelLayout{
		Text:       struct{ Start, End uint64 }{0, 1 * defs.PageSize},
		Rodata:     struct{ Start, End uint64 }{1 * defs.PageSize, 2 * defs.PageSize},
		Data:       struct{ Start, End uint64 }{2 * defs.PageSize, 3 * defs.PageSize},
		Bss:        struct{ Start, End uint64 }{3 * defs.PageSize, kernelPages * defs.PageSize},
		PhysMemEnd: uint64(arenaPages) * defs.PageSize,
	}
	kernelSpace := mem.NewKernel(fa, arena, trampoline.PPN, layout)
	log.Printf("boot: kernel memory set built (text/rodata/data/bss + phys window identity-mapped)")
	log.Printf("boot: activate kernel memory set (satp=%#x)", kernelSpace.Activate())

	log.Printf("boot: init trap (no-op: trap-entry assembly and trap vector are out of scope)")
	log.Printf("boot: enable timer interrupt (no-op: no real timer in a hosted simulation)")

	dev, existed, err := openOrCreateImage(imagePath)
	if err != nil {
		return fmt.Errorf("easy-fs: %w", err)
	}
	efs, err := openOrFormatFS(dev, existed)
	if err != nil {
		return fmt.Errorf("easy-fs: %w", err)
	}
	root := efs.RootInode()
	log.Printf("boot: easy-fs mounted, root entries: %v", root.Ls())

	apps := demoApps()
	for _, app := range apps {
		if _, exists := root.Find(app.name); !exists {
			f, ok := root.Create(app.name)
			if !ok {
				return fmt.Errorf("easy-fs: failed to create app %q", app.name)
			}
			if n := f.WriteAt(0, app.elf); n != len(app.elf) {
				return fmt.Errorf("easy-fs: short write installing app %q", app.name)
			}
		}
	}
	log.Printf("boot: enumerated %d app(s): %v", len(apps), appNames(apps))

	deps := &task.Deps{
		Pids:          task.NewPidAllocator(),
		KernelSpace:   kernelSpace,
		FrameAlloc:    fa,
		Arena:         arena,
		TrampolinePPN: trampoline.PPN,
		TrapHandler:   trapHandlerPlaceholder,
	}

	sched := task.NewScheduler()
	con := console.NewLine(os.Stdout)
	disp := &sc.Dispatcher{
		Arena:   arena,
		Console: con,
		Sched:   sched,
		Deps:    deps,
		Root:    root,
		Boot:    time.Now(),
	}

	initApp := apps[0]
	initPCB := task.NewPCB(deps, initApp.elf)
	sched.SetInit(initPCB)
	sched.Spawn(initPCB, initApp.body(disp, apps[1:]))
	log.Printf("boot: init process (pid %d) inserted, starting scheduler", initPCB.Pid.Pid())

	sched.RunTasks()
	log.Printf("boot: ready queue drained, every task has exited")

	if pprofOut != "" {
		if err := writeSnapshot(pprofOut, sched, fa); err != nil {
			return fmt.Errorf("pprof snapshot: %w", err)
		}
		log.Printf("boot: wrote kernel-core pprof snapshot to %s", pprofOut)
	}
	return nil
}

// trapHandlerPlaceholder stands in for the trap-entry assembly's entry
// VA (spec.md §4.K); never dereferenced since this simulation never
// performs a real trap.
const trapHandlerPlaceholder = 0xffffffff80200000

func openOrCreateImage(path string) (blockdev.BlockDevice, existed bool, err error) {
	if path == "" {
		return blockdev.NewMemBlockDevice(fsBlocks), false, nil
	}
	_, statErr := os.Stat(path)
	existed = statErr == nil
	dev, err := blockdev.NewFileBlockDevice(path)
	if err != nil {
		return nil, existed, err
	}
	if !existed {
		// Size the new file up front: FileBlockDevice panics on a short read.
		if err := os.Truncate(path, int64(fsBlocks)*defs.BlockSZ); err != nil {
			return nil, existed, err
		}
	}
	return dev, existed, nil
}

// openOrFormatFS opens an already-formatted image, or formats a fresh
// one in place — fs.Open panics on an invalid superblock magic (the
// fatal tier per spec.md §7), which a brand-new or non-existent image
// always has; recovering that one specific, expected panic to fall
// back to Create is the CLI entry point's decision, not a masked
// kernel-core invariant violation.
func openOrFormatFS(dev blockdev.BlockDevice, existed bool) (efs *fs.EasyFileSystem, err error) {
	if !existed {
		return fs.Create(dev, fsBlocks, 1), nil
	}
	defer func() {
		if r := recover(); r != nil {
			efs = fs.Create(dev, fsBlocks, 1)
			err = nil
		}
	}()
	efs = fs.Open(dev)
	return efs, nil
}

func appNames(apps []app) []string {
	names := make([]string, len(apps))
	for i, a := range apps {
		names[i] = a.name
	}
	return names
}

type app struct {
	name string
	elf  []byte
	body func(disp *sc.Dispatcher, rest []app) task.Body
}

// demoApps is the simulation's stand-in for "enumerate apps": a small
// fixed set of named programs, each backed by a (placeholder) ELF image
// installed into the easy-fs root and a Go closure standing in for the
// instruction stream the real CPU would execute (see SPEC_FULL.md §5).
func demoApps() []app {
	return []app{
		{name: "initproc", elf: buildDemoELF(0x10000, 16), body: initBody},
		{name: "hello", elf: buildDemoELF(0x10000, 16), body: helloBody},
	}
}

// initBody mirrors the original initproc: fork a child to run "hello",
// then loop reaping zombies until the forked child has been collected.
func initBody(disp *sc.Dispatcher, rest []app) task.Body {
	return func(api *task.TaskAPI) {
		var hello *app
		for i := range rest {
			if rest[i].name == "hello" {
				hello = &rest[i]
			}
		}
		var childPid int64
		if hello != nil {
			childPid = disp.Fork(api, hello.body(disp, nil))
		}

		token := api.PCB().UserToken()
		outVA := initApp0DataVA()
		for childPid != 0 {
			r := disp.Waitpid(api, token, int(childPid), outVA)
			if r == int64(defs.ErrChildNotZombie) {
				api.Yield()
				continue
			}
			break
		}
		disp.Exit(api, 0)
	}
}

// helloBody writes a greeting to the console and exits with code 7
// (matching spec.md scenario S4's "prints A then exits 7" shape).
func helloBody(disp *sc.Dispatcher, _ []app) task.Body {
	return func(api *task.TaskAPI) {
		msg := []byte("hello from user space\n")
		token := api.PCB().UserToken()
		writeVA := initApp0DataVA()
		buf := sc.TranslatedRefBytes(token, disp.Arena, writeVA, uint64(len(msg)))
		copy(buf, msg)
		disp.Write(token, sc.FDStdout, writeVA, uint64(len(msg)))
		disp.Exit(api, 7)
	}
}

// initApp0DataVA is a fixed scratch VA inside every demo app's loaded
// page, used to stage small buffers (waitpid's out-pointer, a greeting
// string) without needing a real user-space allocator.
func initApp0DataVA() uint64 { return 0x10000 + 256 }

// buildDemoELF produces a minimal valid single-PT_LOAD ELF64 LE image:
// enough for FromELF to build a real address space (exercising
// debug/elf and the page-table/frame-allocator machinery), even though
// the bytes it loads are never executed as real RISC-V instructions in
// this simulation — the task's Go closure body plays that role instead.
func buildDemoELF(vaddr uint64, size int) []byte {
	const ehsize = 64
	const phsize = 56
	data := make([]byte, size)
	buf := make([]byte, ehsize+phsize+len(data))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)   // e_type = ET_EXEC
	le.PutUint16(buf[18:], 243) // e_machine = EM_RISCV
	le.PutUint32(buf[20:], 1)   // e_version
	le.PutUint64(buf[24:], vaddr)
	le.PutUint64(buf[32:], ehsize) // e_phoff
	le.PutUint64(buf[40:], 0)      // e_shoff
	le.PutUint32(buf[48:], 0)      // e_flags
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1) // e_phnum
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)
	le.PutUint16(buf[62:], 0)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 7) // R|W|X
	le.PutUint64(ph[8:], ehsize+phsize)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(len(data)))
	le.PutUint64(ph[40:], uint64(len(data)))
	le.PutUint64(ph[48:], defs.PageSize)

	copy(buf[ehsize+phsize:], data)
	return buf
}
