package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		b.Write([]byte("hello"))
	}()

	a.SetReadTimeout(time.Second)
	buf := make([]byte, 5)
	got := 0
	for got < len(buf) {
		n, err := a.Read(buf[got:])
		if err != nil {
			t.Errorf("Read: %v", err)
			return
		}
		got += n
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("read %q", buf)
	}
}

func TestPipeReadTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	a.SetReadTimeout(20 * time.Millisecond)
	start := time.Now()
	n, err := a.Read(make([]byte, 1))
	if n != 0 || err != nil {
		t.Fatalf("Read = %d, %v, want 0, nil on timeout", n, err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Read returned after %v, want ~20ms wait", elapsed)
	}
}

func TestPipeFlush(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		b.Write([]byte("stale data"))
	}()

	a.SetReadTimeout(time.Second)
	one := make([]byte, 1)
	if _, err := a.Read(one); err != nil {
		t.Fatal(err)
	}
	if a.Buffered() == 0 {
		t.Fatal("expected buffered bytes behind the first read")
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := a.Buffered(); n != 0 {
		t.Fatalf("Buffered after Flush = %d", n)
	}
}
