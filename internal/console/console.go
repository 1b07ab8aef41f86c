// Package console models the SBI firmware console (spec.md §6): a
// byte-at-a-time output sink and a non-blocking input source where "no
// input available" is a valid, expected answer rather than an error.
// Real SBI calls cannot run inside a hosted Go binary; this package
// gives the kernel core a stand-in grounded the same way the teacher
// grounds its own fake hardware in tests (biscuit/src/ufs/driver.go's
// console_t stub always reports not-ready).
package console

import (
	"bufio"
	"io"
	"sync"
)

// Console is the out-of-scope SBI console's contract: PutChar writes
// one byte, GetChar returns (0, false) when no input is available (the
// caller, per spec.md §4.J/§9 OQ3, must yield and retry rather than
// block).
type Console interface {
	PutChar(b byte)
	GetChar() (b byte, ok bool)
}

// Stub never has input available and discards everything written to
// it, matching ufs/driver.go's console_t: a placeholder for tests that
// don't exercise console I/O at all.
type Stub struct{}

func (Stub) PutChar(byte)          {}
func (Stub) GetChar() (byte, bool) { return 0, false }

// Line is an unbuffered console backed by a host writer and a
// pre-fed byte queue, used by cmd/kernel's interactive demo: bytes
// handed to Feed become available one at a time via GetChar, and
// PutChar writes straight through to the underlying writer.
type Line struct {
	mu  sync.Mutex
	out io.Writer
	in  []byte
}

// NewLine returns a Line console writing to out with an empty input
// queue.
func NewLine(out io.Writer) *Line {
	return &Line{out: out}
}

// Feed appends bytes to the console's pending input queue, as if typed
// at a terminal.
func (c *Line) Feed(b []byte) {
	c.mu.Lock()
	c.in = append(c.in, b...)
	c.mu.Unlock()
}

// FeedString is a convenience wrapper around Feed for string literals.
func (c *Line) FeedString(s string) { c.Feed([]byte(s)) }

func (c *Line) PutChar(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write([]byte{b})
}

func (c *Line) GetChar() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

// ReaderConsole drains a bufio.Reader (e.g. os.Stdin) one byte at a
// time; ReadByte returning io.EOF is reported the same as "no input
// available yet" rather than treated as a hard error, since the
// console contract has no concept of end-of-stream.
type ReaderConsole struct {
	mu  sync.Mutex
	out io.Writer
	in  *bufio.Reader
}

// NewReaderConsole wraps r/out as a Console.
func NewReaderConsole(r io.Reader, out io.Writer) *ReaderConsole {
	return &ReaderConsole{out: out, in: bufio.NewReader(r)}
}

func (c *ReaderConsole) PutChar(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write([]byte{b})
}

func (c *ReaderConsole) GetChar() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.in.ReadByte()
	if err != nil {
		return 0, false
	}
	return b, true
}
