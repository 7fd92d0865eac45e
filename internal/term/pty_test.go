package term

import (
	"errors"
	"os"
	"syscall"
	"testing"
)

func TestOpenAndClose(t *testing.T) {
	p, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if p.Leader == nil || p.Follower == nil {
		t.Fatalf("expected both ends open")
	}
}

func TestTcgetpgrpRoundTrip(t *testing.T) {
	p, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	// A freshly allocated pty is no session's controlling terminal: it
	// has no foreground process group (reported as 0), and setting one
	// from a process outside its session fails with ENOTTY.
	pgid, err := Tcgetpgrp(int(p.Leader.Fd()))
	if err != nil {
		t.Fatalf("Tcgetpgrp: %v", err)
	}
	if pgid != 0 {
		t.Fatalf("expected no foreground pgrp (0) on a fresh pty, got %d", pgid)
	}

	if err := Tcsetpgrp(int(p.Leader.Fd()), pgid); !errors.Is(err, syscall.ENOTTY) {
		t.Fatalf("expected Tcsetpgrp to fail with ENOTTY outside the pty's session, got %v", err)
	}
}

func TestUserTermNonTTYIsNoop(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	ut := Open(r)
	if ut.IsTTY() {
		t.Fatalf("expected pipe fd to not be reported as a tty")
	}
	if err := ut.MakeRaw(); err != nil {
		t.Fatalf("MakeRaw on non-tty should be a no-op, got %v", err)
	}
	if err := ut.Restore(); err != nil {
		t.Fatalf("Restore on non-tty should be a no-op, got %v", err)
	}
}
