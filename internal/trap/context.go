// Package trap models the CPU-state layout saved and restored on
// user<->kernel transitions (spec.md §4.K). The actual trap-entry
// assembly is out of scope; this package only owns the byte layout and
// the values the kernel installs into it.
package trap

import "encoding/binary"

// Field byte offsets within a trap-context frame.
const (
	OffX           = 0   // x[0..32], 32*8 bytes
	OffSstatus     = 256
	OffSepc        = 264
	OffKernelSatp  = 272
	OffKernelSp    = 280
	OffTrapHandler = 288
	Size           = 296
)

// sppUserBit is the sstatus.SPP bit pattern meaning "return to user mode".
// The real CSR has many other fields; the kernel core only ever
// inspects/sets this one bit through app_init_context, so Context models
// sstatus as a plain opaque uint64 and this package knows just the bit
// it sets.
const sppUserBit = uint64(1) << 8

// Context is the decoded, in-memory form of a trap-context frame. It is
// always read from / written to a physical page via Encode/Decode —
// callers locate that page through the owning memory set's translated
// trap-context mapping.
type Context struct {
	X           [32]uint64
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSp    uint64
	TrapHandler uint64
}

// AppInitContext builds the initial trap context for a freshly loaded
// user program: SPP=User, sepc=entry, x[2]=sp (the RISC-V stack
// pointer register), plus the three kernel-side fields needed to trap
// back into the right address space and handler.
func AppInitContext(entry, sp, kernelSatp, kernelSp, trapHandler uint64) *Context {
	cx := &Context{
		Sstatus:     sppUserBit,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	cx.X[2] = sp
	return cx
}

// Encode writes the context into a Size-byte buffer at the documented
// offsets.
func (c *Context) Encode(buf []byte) {
	if len(buf) < Size {
		panic("trap: buffer too small for trap context")
	}
	le := binary.LittleEndian
	for i, v := range c.X {
		le.PutUint64(buf[OffX+i*8:], v)
	}
	le.PutUint64(buf[OffSstatus:], c.Sstatus)
	le.PutUint64(buf[OffSepc:], c.Sepc)
	le.PutUint64(buf[OffKernelSatp:], c.KernelSatp)
	le.PutUint64(buf[OffKernelSp:], c.KernelSp)
	le.PutUint64(buf[OffTrapHandler:], c.TrapHandler)
}

// Decode reads a Context back out of a Size-byte buffer.
func Decode(buf []byte) *Context {
	if len(buf) < Size {
		panic("trap: buffer too small for trap context")
	}
	le := binary.LittleEndian
	c := &Context{}
	for i := range c.X {
		c.X[i] = le.Uint64(buf[OffX+i*8:])
	}
	c.Sstatus = le.Uint64(buf[OffSstatus:])
	c.Sepc = le.Uint64(buf[OffSepc:])
	c.KernelSatp = le.Uint64(buf[OffKernelSatp:])
	c.KernelSp = le.Uint64(buf[OffKernelSp:])
	c.TrapHandler = le.Uint64(buf[OffTrapHandler:])
	return c
}

// SetSP overwrites the user stack pointer register (x[2]).
func (c *Context) SetSP(sp uint64) { c.X[2] = sp }
