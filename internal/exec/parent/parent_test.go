package parent

import (
	"container/list"
	"testing"

	"ptysudo.dev/ptyrun/internal/exec/backchannel"
	"ptysudo.dev/ptyrun/internal/exec/event"
)

func newTestClosure(t *testing.T, sudoPid int, commandPid *int32) *closure {
	t.Helper()
	parentEnd, monitorEnd, err := backchannel.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	t.Cleanup(func() {
		_ = parentEnd.Close()
		_ = monitorEnd.Close()
	})
	return &closure{
		sudoPid:      sudoPid,
		bc:           parentEnd,
		commandPid:   commandPid,
		messageQueue: list.New(),
	}
}

func TestIsSelfTerminatingUnknownSignaler(t *testing.T) {
	pid := int32(1234)
	c := newTestClosure(t, 999, &pid)
	if c.isSelfTerminating(0) {
		t.Fatalf("signaler PID 0 must never be self-terminating")
	}
}

func TestIsSelfTerminatingMatchesCommandPid(t *testing.T) {
	pid := int32(1234)
	c := newTestClosure(t, 999, &pid)
	if !c.isSelfTerminating(1234) {
		t.Fatalf("expected signaler == command pid to be self-terminating")
	}
}

func TestScheduleAndDrainMessageQueue(t *testing.T) {
	pid := int32(1234)
	c := newTestClosure(t, 999, &pid)

	if c.messageQueue.Len() != 0 {
		t.Fatalf("expected empty queue initially")
	}

	c.scheduleSignal(15)
	c.scheduleSignal(2)
	if c.messageQueue.Len() != 2 {
		t.Fatalf("expected 2 queued messages, got %d", c.messageQueue.Len())
	}

	d, err := event.New[parentExit]()
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	t.Cleanup(d.Close)
	c.checkMessageQueue(d)
	if c.messageQueue.Len() != 1 {
		t.Fatalf("expected queue to drain by one entry, got %d", c.messageQueue.Len())
	}
}
