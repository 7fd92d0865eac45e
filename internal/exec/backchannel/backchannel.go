// Package backchannel implements the ordered, message-framed,
// bidirectional socket pair that carries control messages between the
// parent and monitor processes (spec.md §4.B). The wire format is the
// length-prefixed `{tag, payload}` frame from spec.md §6, encoded with
// the standard library's encoding/binary — the retrieval pack has no
// bundled length-prefixed binary IPC codec, so this one piece is built
// directly on the standard library (see DESIGN.md).
package backchannel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Tag identifies the payload that follows in a frame.
type Tag uint8

const (
	tagExecCommand Tag = iota + 1
	tagSignal
	tagCommandPid
	tagCommandExit
	tagCommandSignal
	tagCommandStatus
	tagIoError
	tagShortRead
)

// MonitorMessage flows parent -> monitor.
type MonitorMessage struct {
	tag     Tag
	Signal  int32  // valid when this is a Signal message
	Payload []byte // valid when this is an ExecCommand message
}

// ExecCommand is the one-shot green light; it must be the first message
// the monitor receives. Its payload carries the JSON-encoded command
// descriptor: unlike the fork-based original, a re-exec'd monitor does
// not inherit the parent's in-memory Command object, so it has to be
// shipped across the process boundary somehow, and the backchannel
// that already exists for this purpose is the natural carrier.
func ExecCommand(payload []byte) MonitorMessage {
	return MonitorMessage{tag: tagExecCommand, Payload: payload}
}

// SignalMsg proxies signum (a real signal number, or one of the internal
// SIGCONT_FG / SIGCONT_BG tokens) to the monitor.
func SignalMsg(signum int32) MonitorMessage { return MonitorMessage{tag: tagSignal, Signal: signum} }

// IsExecCommand reports whether m is the ExecCommand message.
func (m MonitorMessage) IsExecCommand() bool { return m.tag == tagExecCommand }

// IsSignal reports whether m carries a signal number.
func (m MonitorMessage) IsSignal() bool { return m.tag == tagSignal }

func (m MonitorMessage) encode() (Tag, []byte) {
	switch m.tag {
	case tagExecCommand:
		return tagExecCommand, m.Payload
	case tagSignal:
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], uint32(m.Signal))
		return tagSignal, buf[:]
	default:
		panic(fmt.Sprintf("backchannel: invalid MonitorMessage tag %d", m.tag))
	}
}

func decodeMonitorMessage(tag Tag, payload []byte) (MonitorMessage, error) {
	switch tag {
	case tagExecCommand:
		return ExecCommand(payload), nil
	case tagSignal:
		if len(payload) != 4 {
			return MonitorMessage{}, io.ErrUnexpectedEOF
		}
		return SignalMsg(int32(binary.NativeEndian.Uint32(payload))), nil
	default:
		return MonitorMessage{}, fmt.Errorf("backchannel: unknown monitor message tag %d", tag)
	}
}

// ParentMessage flows monitor -> parent.
type ParentMessage struct {
	tag   Tag
	Value int32
}

func CommandPid(pid int32) ParentMessage      { return ParentMessage{tag: tagCommandPid, Value: pid} }
func CommandExit(code int32) ParentMessage    { return ParentMessage{tag: tagCommandExit, Value: code} }
func CommandSignal(sig int32) ParentMessage   { return ParentMessage{tag: tagCommandSignal, Value: sig} }
func CommandStatus(raw int32) ParentMessage   { return ParentMessage{tag: tagCommandStatus, Value: raw} }
func IoError(errno int32) ParentMessage       { return ParentMessage{tag: tagIoError, Value: errno} }
func ShortRead() ParentMessage                { return ParentMessage{tag: tagShortRead} }

func (m ParentMessage) Tag() Tag { return m.tag }
func (m ParentMessage) IsCommandPid() bool    { return m.tag == tagCommandPid }
func (m ParentMessage) IsCommandExit() bool   { return m.tag == tagCommandExit }
func (m ParentMessage) IsCommandSignal() bool { return m.tag == tagCommandSignal }
func (m ParentMessage) IsCommandStatus() bool { return m.tag == tagCommandStatus }
func (m ParentMessage) IsIoError() bool       { return m.tag == tagIoError }
func (m ParentMessage) IsShortRead() bool     { return m.tag == tagShortRead }

func (m ParentMessage) encode() (Tag, []byte) {
	switch m.tag {
	case tagShortRead:
		return tagShortRead, nil
	case tagCommandPid, tagCommandExit, tagCommandSignal, tagCommandStatus, tagIoError:
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], uint32(m.Value))
		return m.tag, buf[:]
	default:
		panic(fmt.Sprintf("backchannel: invalid ParentMessage tag %d", m.tag))
	}
}

func decodeParentMessage(tag Tag, payload []byte) (ParentMessage, error) {
	switch tag {
	case tagShortRead:
		return ShortRead(), nil
	case tagCommandPid, tagCommandExit, tagCommandSignal, tagCommandStatus, tagIoError:
		if len(payload) != 4 {
			return ParentMessage{}, io.ErrUnexpectedEOF
		}
		return ParentMessage{tag: tag, Value: int32(binary.NativeEndian.Uint32(payload))}, nil
	default:
		return ParentMessage{}, fmt.Errorf("backchannel: unknown parent message tag %d", tag)
	}
}

// ParentMessageFromError converts a fatal error observed by the monitor
// into the ParentMessage it reports upward: an errno-carrying IoError
// when the error names a syscall errno, ShortRead otherwise (the
// catch-all for framing/EOF style failures with no errno attached).
func ParentMessageFromError(err error) ParentMessage {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return IoError(int32(errno))
	}
	return ShortRead()
}

// Channel is one end of a backchannel socket pair. It performs framed,
// blocking Send/Recv over the underlying file; callers decide when it is
// safe to call Send (spec.md §4.B: apart from the initial ExecCommand,
// which it sends before its event loop starts, the parent only calls it
// from its write-ready callback to avoid blocking the whole process).
type Channel struct {
	f *os.File
}

// NewPair creates a backchannel pair backed by a real AF_UNIX socketpair
// so each half survives being inherited across exec via ExtraFiles.
func NewPair() (parentEnd, monitorEnd *Channel, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("backchannel: socketpair: %w", err)
	}
	return FromFile(os.NewFile(uintptr(fds[0]), "backchannel-parent")),
		FromFile(os.NewFile(uintptr(fds[1]), "backchannel-monitor")),
		nil
}

// FromFile wraps an already-open socket fd (e.g. one recovered from
// ExtraFiles in a re-exec'd monitor process).
func FromFile(f *os.File) *Channel { return &Channel{f: f} }

// File returns the underlying descriptor, e.g. to register with the
// event dispatcher or to list in exec.Cmd.ExtraFiles.
func (c *Channel) File() *os.File { return c.f }

// Fd returns the underlying file descriptor number.
func (c *Channel) Fd() int { return int(c.f.Fd()) }

// Close closes the underlying socket.
func (c *Channel) Close() error { return c.f.Close() }

func (c *Channel) write(tag Tag, payload []byte) error {
	frame := make([]byte, 5+len(payload))
	binary.NativeEndian.PutUint32(frame[0:4], uint32(len(payload)+1))
	frame[4] = byte(tag)
	copy(frame[5:], payload)
	_, err := c.f.Write(frame)
	return err
}

func (c *Channel) read() (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.f, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.NativeEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.f, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return Tag(buf[0]), buf[1:], nil
}

// SendMonitorMessage writes m to the wire. Once its event loop runs, the
// parent calls this only when the dispatcher reports the channel
// writable; the initial ExecCommand is sent directly before that.
func (c *Channel) SendMonitorMessage(m MonitorMessage) error {
	tag, payload := m.encode()
	return c.write(tag, payload)
}

// RecvMonitorMessage blocks until a full MonitorMessage frame arrives.
func (c *Channel) RecvMonitorMessage() (MonitorMessage, error) {
	tag, payload, err := c.read()
	if err != nil {
		return MonitorMessage{}, err
	}
	return decodeMonitorMessage(tag, payload)
}

// SendParentMessage writes m to the wire.
func (c *Channel) SendParentMessage(m ParentMessage) error {
	tag, payload := m.encode()
	return c.write(tag, payload)
}

// RecvParentMessage blocks until a full ParentMessage frame arrives.
func (c *Channel) RecvParentMessage() (ParentMessage, error) {
	tag, payload, err := c.read()
	if err != nil {
		return ParentMessage{}, err
	}
	return decodeParentMessage(tag, payload)
}
