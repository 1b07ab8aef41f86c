// Package blockdev provides the BlockDevice external interface (spec.md
// §6) and two implementations: a file-backed device modeled on the
// teacher's ahci_disk_t (biscuit/src/ufs/driver.go), and an in-memory one
// for fast unit tests.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"sv39os/internal/defs"
)

// BlockDevice reads and writes fixed 512-byte blocks. There is no error
// return: any I/O failure is a fatal condition per the spec's error-tier
// design, so implementations panic instead.
type BlockDevice interface {
	ReadBlock(id int, buf *[defs.BlockSZ]byte)
	WriteBlock(id int, buf *[defs.BlockSZ]byte)
}

// FileBlockDevice simulates a disk backed by a host file, the way
// ahci_disk_t wraps an *os.File: every request seeks then reads/writes
// exactly one BlockSZ-sized region, guarded by a single mutex so seek and
// the following read/write stay atomic.
type FileBlockDevice struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileBlockDevice opens (creating if necessary) path as a block
// device backing store.
func NewFileBlockDevice(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	return &FileBlockDevice{f: f}, nil
}

func (d *FileBlockDevice) Close() error { return d.f.Close() }

func (d *FileBlockDevice) seek(id int) {
	if _, err := d.f.Seek(int64(id)*defs.BlockSZ, 0); err != nil {
		panic(fmt.Sprintf("blockdev: seek block %d: %v", id, err))
	}
}

// ReadBlock reads block id into buf, panicking on any I/O failure.
func (d *FileBlockDevice) ReadBlock(id int, buf *[defs.BlockSZ]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seek(id)
	n, err := d.f.Read(buf[:])
	if n != defs.BlockSZ || err != nil {
		panic(fmt.Sprintf("blockdev: read block %d: n=%d err=%v", id, n, err))
	}
}

// WriteBlock writes buf to block id, panicking on any I/O failure.
func (d *FileBlockDevice) WriteBlock(id int, buf *[defs.BlockSZ]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seek(id)
	n, err := d.f.Write(buf[:])
	if n != defs.BlockSZ || err != nil {
		panic(fmt.Sprintf("blockdev: write block %d: n=%d err=%v", id, n, err))
	}
}

// MemBlockDevice is an in-memory block device, for tests that don't need
// a real backing file.
type MemBlockDevice struct {
	mu     sync.Mutex
	blocks [][defs.BlockSZ]byte
}

// NewMemBlockDevice creates a zeroed device with the given block count.
func NewMemBlockDevice(numBlocks int) *MemBlockDevice {
	return &MemBlockDevice{blocks: make([][defs.BlockSZ]byte, numBlocks)}
}

func (d *MemBlockDevice) ReadBlock(id int, buf *[defs.BlockSZ]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= len(d.blocks) {
		panic(fmt.Sprintf("blockdev: read block %d out of range [0,%d)", id, len(d.blocks)))
	}
	*buf = d.blocks[id]
}

func (d *MemBlockDevice) WriteBlock(id int, buf *[defs.BlockSZ]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= len(d.blocks) {
		panic(fmt.Sprintf("blockdev: write block %d out of range [0,%d)", id, len(d.blocks)))
	}
	d.blocks[id] = *buf
}
