package task

// Context is the set of callee-saved registers __switch would spill to
// a task's kernel stack across a context switch: ra, sp, and s0-s11.
// The actual transfer of control here is a goroutine handoff rather than
// a register-level switch (see Scheduler), but this type is kept for
// spec fidelity: each PCB records the context it would start from,
// though nothing reads it back.
type Context struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// ZeroContext is the idle-flow's initial context: nothing saved yet.
func ZeroContext() Context { return Context{} }

// GotoTrapReturn builds the context a freshly created task starts from:
// ra pointed at trap_return, sp at the task's kernel stack top. Since
// there is no real trap_return label to jump to in a hosted simulation,
// Ra is left zero and the whole value is purely documentary; the
// goroutine scheduler never reads it.
func GotoTrapReturn(kernelSP uint64) Context {
	return Context{Sp: kernelSP}
}
