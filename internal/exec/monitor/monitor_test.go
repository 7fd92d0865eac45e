package monitor

import (
	"encoding/json"
	"syscall"
	"testing"
	"time"

	"ptysudo.dev/ptyrun/internal/exec/backchannel"
	"ptysudo.dev/ptyrun/internal/exec/command"
	"ptysudo.dev/ptyrun/internal/term"
)

func TestIsSelfTerminating(t *testing.T) {
	// The pgrp case needs a live signaler, since isSelfTerminating looks
	// its group up with getpgid(2): use this test process itself.
	self := syscall.Getpid()
	selfPgrp := syscall.Getpgrp()

	cases := []struct {
		name                            string
		signaler, commandPid, commandPg int
		want                            bool
	}{
		{"unknown signaler", 0, 100, 100, false},
		{"signaler is command", 100, 100, 100, true},
		{"signaler in command pgrp", self, 99999, selfPgrp, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := isSelfTerminating(tc.signaler, tc.commandPid, tc.commandPg)
			if got != tc.want {
				t.Fatalf("isSelfTerminating(%d,%d,%d) = %v, want %v", tc.signaler, tc.commandPid, tc.commandPg, got, tc.want)
			}
		})
	}

	// A real, unrelated process (pid 1, typically init) should never
	// be classified as self-terminating against an unrelated command.
	if isSelfTerminating(1, 99999, 99999) {
		t.Fatalf("expected unrelated pid 1 to not be self-terminating")
	}
}

func greenLightFor(t *testing.T, desc command.Descriptor) backchannel.MonitorMessage {
	t.Helper()
	payload, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	return backchannel.ExecCommand(payload)
}

func TestRunExitsCleanlyForSuccessfulCommand(t *testing.T) {
	pty, err := term.Open()
	if err != nil {
		t.Skipf("no pty support in this environment: %v", err)
	}
	defer pty.Close()

	parentEnd, monitorEnd, err := backchannel.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer parentEnd.Close()

	done := make(chan error, 1)
	go func() {
		done <- Run(Params{
			PtyFollower: pty.Follower,
			Foreground:  false,
			Backchannel: monitorEnd,
		})
	}()

	greenLight := greenLightFor(t, command.Descriptor{Path: "/bin/true", Args: []string{"/bin/true"}})
	if err := parentEnd.SendMonitorMessage(greenLight); err != nil {
		t.Fatalf("send green light: %v", err)
	}

	pidMsg, err := parentEnd.RecvParentMessage()
	if err != nil {
		t.Fatalf("recv pid: %v", err)
	}
	if !pidMsg.IsCommandPid() {
		t.Fatalf("expected CommandPid, got %+v", pidMsg)
	}

	exitMsg, err := parentEnd.RecvParentMessage()
	if err != nil {
		t.Fatalf("recv exit: %v", err)
	}
	if !exitMsg.IsCommandExit() || exitMsg.Value != 0 {
		t.Fatalf("expected CommandExit(0), got %+v", exitMsg)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return in time")
	}
}

func TestRunReportsTerminatingSignal(t *testing.T) {
	pty, err := term.Open()
	if err != nil {
		t.Skipf("no pty support in this environment: %v", err)
	}
	defer pty.Close()

	parentEnd, monitorEnd, err := backchannel.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer parentEnd.Close()

	done := make(chan error, 1)
	go func() {
		done <- Run(Params{
			PtyFollower: pty.Follower,
			Foreground:  false,
			Backchannel: monitorEnd,
		})
	}()

	greenLight := greenLightFor(t, command.Descriptor{
		Path: "/bin/sh",
		Args: []string{"/bin/sh", "-c", "kill -TERM $$"},
	})
	if err := parentEnd.SendMonitorMessage(greenLight); err != nil {
		t.Fatalf("send green light: %v", err)
	}

	if _, err := parentEnd.RecvParentMessage(); err != nil {
		t.Fatalf("recv pid: %v", err)
	}

	exitMsg, err := parentEnd.RecvParentMessage()
	if err != nil {
		t.Fatalf("recv exit: %v", err)
	}
	if !exitMsg.IsCommandSignal() || exitMsg.Value != int32(syscall.SIGTERM) {
		t.Fatalf("expected CommandSignal(SIGTERM), got %+v", exitMsg)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return in time")
	}
}
