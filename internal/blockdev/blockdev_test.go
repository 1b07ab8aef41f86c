package blockdev

import (
	"path/filepath"
	"testing"

	"sv39os/internal/defs"
)

func TestMemBlockDeviceRoundTrip(t *testing.T) {
	d := NewMemBlockDevice(4)
	var buf [defs.BlockSZ]byte
	buf[0] = 0x55
	d.WriteBlock(2, &buf)

	var out [defs.BlockSZ]byte
	d.ReadBlock(2, &out)
	if out[0] != 0x55 {
		t.Fatalf("got %#x want 0x55", out[0])
	}
	if out != buf {
		t.Fatalf("round trip mismatch")
	}
}

func TestMemBlockDeviceOutOfRangePanics(t *testing.T) {
	d := NewMemBlockDevice(2)
	var buf [defs.BlockSZ]byte
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic reading out-of-range block")
		}
	}()
	d.ReadBlock(5, &buf)
}

func TestFileBlockDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := NewFileBlockDevice(path)
	if err != nil {
		t.Fatalf("NewFileBlockDevice: %v", err)
	}
	defer d.Close()

	// Pre-extend the file so reads of block 1 don't hit EOF.
	if err := d.f.Truncate(4 * defs.BlockSZ); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var buf [defs.BlockSZ]byte
	for i := range buf {
		buf[i] = byte(i)
	}
	d.WriteBlock(1, &buf)

	var out [defs.BlockSZ]byte
	d.ReadBlock(1, &out)
	if out != buf {
		t.Fatalf("round trip mismatch")
	}
}
