package iopipe

import (
	"os"
	"testing"
	"time"

	"ptysudo.dev/ptyrun/internal/exec/event"
)

func TestPipeRelaysBytes(t *testing.T) {
	srcR, srcW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer srcR.Close()
	defer srcW.Close()

	dstR, dstW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer dstR.Close()
	defer dstW.Close()

	d, err := event.New[int]()
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	defer d.Close()

	p := New[int, *os.File, *os.File](srcR, dstW, 4096)
	p.Register(d, int(srcR.Fd()), int(dstW.Fd()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = srcW.Write([]byte("relay me"))
		srcW.Close()
	}()

	got := make([]byte, 0, 16)
	d.RegisterRead(int(dstR.Fd()), func() {
		buf := make([]byte, 16)
		n, _ := dstR.Read(buf)
		got = append(got, buf[:n]...)
		if string(got) == "relay me" {
			d.SetExit(0)
		}
	})

	reason := d.EventLoop(func(event.SignalInfo, *event.Dispatcher[int]) {})
	if _, ok := reason.Exited(); !ok {
		err, _ := reason.Broke()
		t.Fatalf("expected exit, loop broke with %v", err)
	}
	if string(got) != "relay me" {
		t.Fatalf("unexpected relayed bytes: %q", got)
	}
}
