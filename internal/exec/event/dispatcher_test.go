package event

import (
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestDispatcherReadCallback(t *testing.T) {
	d, err := New[int]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	var got []byte
	d.RegisterRead(int(r.Fd()), func() {
		buf := make([]byte, 16)
		n, _ := r.Read(buf)
		got = append(got, buf[:n]...)
		d.SetExit(n)
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte("hello"))
	}()

	reason := d.EventLoop(func(SignalInfo, *Dispatcher[int]) {})
	n, ok := reason.Exited()
	if !ok {
		t.Fatalf("expected exit, got break")
	}
	if n != 5 || string(got) != "hello" {
		t.Fatalf("unexpected read result: n=%d got=%q", n, got)
	}
}

func TestDispatcherBreakIsIdempotent(t *testing.T) {
	d, err := New[int]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	first := errors.New("first")
	second := errors.New("second")
	d.SetBreak(first)
	d.SetBreak(second)

	if !d.GotBreak() {
		t.Fatalf("expected GotBreak true")
	}

	reason := d.EventLoop(func(SignalInfo, *Dispatcher[int]) {})
	err2, broke := reason.Broke()
	if !broke || !errors.Is(err2, first) {
		t.Fatalf("expected to preserve first break error, got %v", err2)
	}
}

func TestDispatcherSignalDelivery(t *testing.T) {
	d, err := New[int]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	d.HandleSignals(syscall.SIGUSR1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGUSR1)
	}()

	var received SignalInfo
	reason := d.EventLoop(func(info SignalInfo, disp *Dispatcher[int]) {
		received = info
		disp.SetExit(1)
	})

	_, ok := reason.Exited()
	if !ok {
		t.Fatalf("expected exit")
	}
	if received.Signal != syscall.SIGUSR1 {
		t.Fatalf("expected SIGUSR1, got %v", received.Signal)
	}
	if !received.UserSignaled {
		t.Fatalf("expected UserSignaled true")
	}
}
