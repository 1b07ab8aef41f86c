package util

import "testing"

func TestRounddown(t *testing.T) {
	if Rounddown(4097, 4096) != 4096 {
		t.Fatalf("rounddown wrong")
	}
	if Rounddown(4096, 4096) != 4096 {
		t.Fatalf("rounddown of aligned value changed it")
	}
}

func TestCeil(t *testing.T) {
	if Ceil(4097, 4096) != 2 {
		t.Fatalf("ceil wrong")
	}
	if Ceil(4096, 4096) != 1 {
		t.Fatalf("ceil of aligned value wrong")
	}
}

func TestCeilZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for Ceil(0, ...)")
		}
	}()
	Ceil(0, 4096)
}

func TestReadnWriten(t *testing.T) {
	buf := make([]byte, 16)
	Writen(buf, 4, 4, 0xdeadbeef)
	if got := Readn(buf, 4, 4); got != 0xdeadbeef {
		t.Fatalf("got %x", got)
	}
	Writen(buf, 1, 0, 0xff)
	if got := Readn(buf, 1, 0); got != 0xff {
		t.Fatalf("got %x", got)
	}
}

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatalf("min wrong")
	}
}
