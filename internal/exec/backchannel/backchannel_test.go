package backchannel

import (
	"bytes"
	"io"
	"syscall"
	"testing"
)

func TestRoundTripMonitorMessages(t *testing.T) {
	parentEnd, monitorEnd, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer parentEnd.Close()
	defer monitorEnd.Close()

	wantPayload := []byte(`{"path":"/bin/true","args":["/bin/true"],"env":null,"dir":""}`)
	if err := parentEnd.SendMonitorMessage(ExecCommand(wantPayload)); err != nil {
		t.Fatalf("SendMonitorMessage: %v", err)
	}
	got, err := monitorEnd.RecvMonitorMessage()
	if err != nil {
		t.Fatalf("RecvMonitorMessage: %v", err)
	}
	if !got.IsExecCommand() {
		t.Fatalf("expected ExecCommand, got %+v", got)
	}
	if !bytes.Equal(got.Payload, wantPayload) {
		t.Fatalf("payload round trip mismatch: want %q got %q", wantPayload, got.Payload)
	}

	if err := parentEnd.SendMonitorMessage(SignalMsg(int32(syscall.SIGWINCH))); err != nil {
		t.Fatalf("SendMonitorMessage: %v", err)
	}
	got, err = monitorEnd.RecvMonitorMessage()
	if err != nil {
		t.Fatalf("RecvMonitorMessage: %v", err)
	}
	if !got.IsSignal() || got.Signal != int32(syscall.SIGWINCH) {
		t.Fatalf("unexpected signal message: %+v", got)
	}
}

func TestRoundTripParentMessages(t *testing.T) {
	parentEnd, monitorEnd, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer parentEnd.Close()
	defer monitorEnd.Close()

	cases := []ParentMessage{
		CommandPid(4242),
		CommandExit(0),
		CommandSignal(int32(syscall.SIGTERM)),
		CommandStatus(139),
		IoError(int32(syscall.ENOENT)),
		ShortRead(),
	}
	for _, want := range cases {
		if err := monitorEnd.SendParentMessage(want); err != nil {
			t.Fatalf("SendParentMessage: %v", err)
		}
		got, err := parentEnd.RecvParentMessage()
		if err != nil {
			t.Fatalf("RecvParentMessage: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
		}
	}
}

func TestRecvOnClosedPeerIsEOF(t *testing.T) {
	parentEnd, monitorEnd, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer parentEnd.Close()

	if err := monitorEnd.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = parentEnd.RecvParentMessage()
	if err != io.EOF {
		t.Fatalf("expected io.EOF on clean peer close, got %v", err)
	}
}

func TestParentMessageFromError(t *testing.T) {
	if msg := ParentMessageFromError(syscall.ENOENT); !msg.IsIoError() {
		t.Fatalf("expected IoError for errno, got %+v", msg)
	}
	if msg := ParentMessageFromError(io.ErrUnexpectedEOF); !msg.IsShortRead() {
		t.Fatalf("expected ShortRead for non-errno error, got %+v", msg)
	}
}
