// Package parent implements the process that owns the invoking user's
// terminal and the PTY leader: it relays terminal I/O, proxies signals
// to the monitor, and turns the monitor's lifecycle messages into a
// final exit reason. Grounded in
// _examples/original_source/src/exec/use_pty/parent.rs, with process
// spawning translated to exec.Cmd the way the teacher repo's
// internal/daemon/companion.go re-execs itself with SysProcAttr.
package parent

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"ptysudo.dev/ptyrun/internal/exec/backchannel"
	"ptysudo.dev/ptyrun/internal/exec/command"
	"ptysudo.dev/ptyrun/internal/exec/event"
	"ptysudo.dev/ptyrun/internal/exec/exitreason"
	"ptysudo.dev/ptyrun/internal/exec/iopipe"
	"ptysudo.dev/ptyrun/internal/term"
)

// parentSignals is the set of signals the parent asks the dispatcher
// to translate into events and potentially proxy to the monitor.
var parentSignals = []os.Signal{
	syscall.SIGCHLD, syscall.SIGCONT, syscall.SIGWINCH,
	syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP,
	syscall.SIGALRM, syscall.SIGPIPE, syscall.SIGUSR1, syscall.SIGUSR2,
	syscall.SIGTSTP,
}

// Params collects what the parent needs to launch and supervise the
// monitor/command pair.
type Params struct {
	// SudoPid is this process's own PID, used by the self-terminating
	// signal filter.
	SudoPid int
	// UserTTY is the invoking user's controlling terminal.
	UserTTY *term.UserTerm
	// Pty is the freshly allocated pseudoterminal the command will run
	// under.
	Pty *term.Pty
	// MonitorTemplate is a not-yet-started exec.Cmd describing how to
	// re-exec this same binary as the hidden monitor subcommand (Path,
	// Args, Env already set by the cmd/ layer). Run fills in
	// ExtraFiles, SysProcAttr and Stdin/Stdout/Stderr.
	MonitorTemplate *exec.Cmd
	// Command describes the target command the monitor should execute.
	// It is shipped to the monitor as the green-light message's payload.
	Command command.Descriptor
	// PipeCapacity sizes the relay buffers; 0 selects iopipe.DefaultCapacity.
	PipeCapacity int
}

// Run allocates the backchannel, spawns the monitor, relays terminal
// I/O for the lifetime of the command, and returns the command's final
// exit reason. The returned restore func undoes terminal raw-mode
// changes; callers must invoke it exactly once, even on error.
func Run(p Params) (exitreason.ExitReason, func(), error) {
	noop := func() {}

	backchannels, err := newBackchannelPair()
	if err != nil {
		return exitreason.ExitReason{}, noop, fmt.Errorf("parent: create backchannel: %w", err)
	}

	// The parent must not be stopped by its own background tty access.
	signal.Ignore(syscall.SIGTTIN, syscall.SIGTTOU)

	parentPgrp, err := unix.Getpgid(0)
	if err != nil {
		parentPgrp = -1
	}

	foreground := false
	if p.UserTTY.IsTTY() {
		if pgrp, err := term.Tcgetpgrp(p.UserTTY.Fd()); err == nil {
			foreground = pgrp == parentPgrp
		}
	}
	slog.Info("parent: determined foreground state", "foreground", foreground)

	restore := noop
	if err := copyTermAttrs(p.UserTTY, p.Pty); err != nil {
		slog.Error("parent: cannot copy terminal settings to pty", "error", err)
		foreground = false
	}
	if foreground {
		if err := p.UserTTY.MakeRaw(); err == nil {
			restore = func() { _ = p.UserTTY.Restore() }
		}
	}
	if p.UserTTY.IsTTY() {
		_ = p.UserTTY.InheritSizeTo(p.Pty.Leader)
	}

	p.MonitorTemplate.ExtraFiles = []*os.File{p.Pty.Follower, backchannels.monitorEnd.File()}
	p.MonitorTemplate.Stdin = nil
	p.MonitorTemplate.Stdout = os.Stdout
	p.MonitorTemplate.Stderr = os.Stderr
	if foreground {
		p.MonitorTemplate.Env = append(p.MonitorTemplate.Env, "PTYRUN_FOREGROUND=1")
	}
	p.MonitorTemplate.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		// ExtraFiles start at fd 3; the follower is the first entry.
		Ctty: 3,
	}

	if err := p.MonitorTemplate.Start(); err != nil {
		return exitreason.ExitReason{}, restore, fmt.Errorf("parent: spawn monitor: %w", err)
	}
	monitorPid := p.MonitorTemplate.Process.Pid

	// These now live in the monitor; the parent's copies must be
	// closed so EOF on the backchannel and PTY follower behave
	// correctly once the monitor is the last holder.
	_ = p.Pty.Follower.Close()
	_ = backchannels.monitorEnd.Close()

	payload, err := json.Marshal(p.Command)
	if err != nil {
		return exitreason.ExitReason{}, restore, fmt.Errorf("parent: encode command descriptor: %w", err)
	}
	if err := backchannels.parentEnd.SendMonitorMessage(backchannel.ExecCommand(payload)); err != nil {
		return exitreason.ExitReason{}, restore, fmt.Errorf("parent: send green light to monitor: %w", err)
	}

	c := newClosure(p, monitorPid, backchannels.parentEnd)
	reason, err := c.run()
	return reason, restore, err
}

func copyTermAttrs(ut *term.UserTerm, pty *term.Pty) error {
	if !ut.IsTTY() {
		return nil
	}
	attrs, err := term.GetTermios(ut.Fd())
	if err != nil {
		return err
	}
	return term.SetTermios(int(pty.Follower.Fd()), attrs)
}

type backchannelPair struct {
	parentEnd  *backchannel.Channel
	monitorEnd *backchannel.Channel
}

func newBackchannelPair() (*backchannelPair, error) {
	parentEnd, monitorEnd, err := backchannel.NewPair()
	if err != nil {
		return nil, err
	}
	return &backchannelPair{parentEnd: parentEnd, monitorEnd: monitorEnd}, nil
}

type closure struct {
	monitorPid   *int
	sudoPid      int
	commandPid   *int32
	bc           *backchannel.Channel
	userTTY      *term.UserTerm
	ttyToLeader  *iopipe.Pipe[parentExit, *os.File, *os.File]
	leaderToTTY  *iopipe.Pipe[parentExit, *os.File, *os.File]
	leader       *os.File
	messageQueue *list.List // of backchannel.MonitorMessage
}

func newClosure(p Params, monitorPid int, bc *backchannel.Channel) *closure {
	mp := monitorPid
	capacity := p.PipeCapacity

	c := &closure{
		monitorPid:   &mp,
		sudoPid:      p.SudoPid,
		bc:           bc,
		userTTY:      p.UserTTY,
		leader:       p.Pty.Leader,
		messageQueue: list.New(),
	}
	if p.UserTTY.IsTTY() {
		c.ttyToLeader = iopipe.New[parentExit, *os.File, *os.File](p.UserTTY.File(), p.Pty.Leader, capacity)
		c.leaderToTTY = iopipe.New[parentExit, *os.File, *os.File](p.Pty.Leader, p.UserTTY.File(), capacity)
	}
	return c
}

func (c *closure) run() (exitreason.ExitReason, error) {
	d, err := event.New[parentExit]()
	if err != nil {
		return exitreason.ExitReason{}, fmt.Errorf("parent: new dispatcher: %w", err)
	}
	defer d.Close()

	if c.ttyToLeader != nil {
		c.ttyToLeader.Register(d, c.userTTY.Fd(), int(c.leader.Fd()))
		c.leaderToTTY.Register(d, int(c.leader.Fd()), c.userTTY.Fd())
	}

	d.RegisterRead(c.bc.Fd(), func() { c.onMessageReceived(d) })
	d.RegisterWrite(c.bc.Fd(), func() { c.checkMessageQueue(d) })
	d.HandleSignals(parentSignals...)

	reason := d.EventLoop(c.onSignal)

	if breakErr, broke := reason.Broke(); broke {
		return exitreason.ExitReason{}, breakErr
	}
	pe, _ := reason.Exited()
	if pe.backchannelErr != nil {
		return exitreason.ExitReason{}, pe.backchannelErr
	}
	return pe.command, nil
}

// parentExit mirrors the Rust ParentExit sum type: exactly one of the
// two fields is meaningful, selected by whether backchannelErr is nil.
type parentExit struct {
	backchannelErr error
	command        exitreason.ExitReason
}

func (c *closure) onMessageReceived(d *event.Dispatcher[parentExit]) {
	msg, err := c.bc.RecvParentMessage()
	if err != nil {
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			return
		}
		if err == io.EOF {
			slog.Info("parent: received EOF from backchannel")
			d.SetExit(parentExit{backchannelErr: err})
			return
		}
		slog.Error("parent: could not receive message from monitor", "error", err)
		if !d.GotBreak() {
			d.SetBreak(err)
		}
		return
	}

	switch {
	case msg.IsCommandPid():
		slog.Info("parent: received command PID from monitor", "pid", msg.Value)
		pid := msg.Value
		c.commandPid = &pid
	case msg.IsCommandExit():
		slog.Info("parent: command exited", "code", msg.Value)
		d.SetExit(parentExit{command: exitreason.FromCode(int(msg.Value))})
	case msg.IsCommandSignal():
		// Preserving the upstream implementation's documented quirk
		// (spec.md §9 "Open Questions"): any CommandSignal ends the
		// loop as if the command exited, even though a non-terminal
		// stop signal would not actually mean the command is gone.
		slog.Info("parent: command signaled", "signal", msg.Value)
		d.SetExit(parentExit{command: exitreason.FromSignal(int(msg.Value))})
	case msg.IsIoError():
		err := syscall.Errno(msg.Value)
		slog.Info("parent: received error from monitor", "errno", msg.Value, "error", err)
		d.SetBreak(err)
	case msg.IsShortRead():
		slog.Info("parent: received short read error from monitor")
		d.SetBreak(io.ErrUnexpectedEOF)
	}
}

func (c *closure) isSelfTerminating(signalerPid int) bool {
	if signalerPid == 0 {
		return false
	}
	if c.commandPid != nil && int(*c.commandPid) == signalerPid {
		return true
	}
	grp, err := unix.Getpgid(signalerPid)
	if err != nil {
		return false
	}
	if c.commandPid != nil && grp == int(*c.commandPid) {
		return true
	}
	return grp == c.sudoPid
}

func (c *closure) scheduleSignal(signum int32) {
	slog.Info("parent: scheduling signal for monitor", "signal", signum)
	c.messageQueue.PushBack(backchannel.SignalMsg(signum))
}

func (c *closure) checkMessageQueue(d *event.Dispatcher[parentExit]) {
	front := c.messageQueue.Front()
	if front == nil {
		return
	}
	msg := front.Value.(backchannel.MonitorMessage)
	err := c.bc.SendMonitorMessage(msg)
	if err == nil {
		c.messageQueue.Remove(front)
		return
	}
	if errors.Is(err, syscall.EPIPE) {
		slog.Error("parent: broken pipe while writing to monitor over backchannel", "error", err)
		d.SetBreak(err)
		return
	}
	// Non-critical, retry on the next writable event.
}

func (c *closure) handleSigchld() {
	if c.monitorPid == nil {
		return
	}
	pid := *c.monitorPid
	for {
		var status syscall.WaitStatus
		wpid, err := syscall.Wait4(-1, &status, syscall.WUNTRACED|syscall.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			slog.Info("parent: could not wait for monitor", "error", err)
			return
		}
		if wpid == 0 {
			slog.Info("parent: monitor process without status update")
			return
		}
		if wpid != pid {
			return
		}

		switch {
		case status.Exited():
			slog.Info("parent: monitor exited", "pid", pid, "code", status.ExitStatus())
			c.monitorPid = nil
		case status.Signaled():
			slog.Info("parent: monitor terminated by signal", "pid", pid, "signal", status.Signal())
			c.monitorPid = nil
		case status.Stopped():
			slog.Info("parent: monitor stopped by signal", "pid", pid, "signal", status.StopSignal())
		case status.Continued():
			slog.Info("parent: monitor continued", "pid", pid)
		default:
			slog.Warn("parent: unexpected wait status for monitor", "pid", pid)
		}
		return
	}
}

func (c *closure) onSignal(info event.SignalInfo, d *event.Dispatcher[parentExit]) {
	slog.Info("parent: received signal", "signal", info.Signal, "user_signaled", info.UserSignaled, "pid", info.Pid)

	if c.monitorPid == nil {
		slog.Info("parent: monitor already terminated, ignoring signal")
		return
	}

	switch info.Signal {
	case syscall.SIGCHLD:
		c.handleSigchld()
	case syscall.SIGCONT:
		// Reserved for resuming raw-mode/terminal state; no-op for now
		// (spec.md §9 leaves this an open question).
	case syscall.SIGWINCH:
		if c.userTTY.IsTTY() {
			if err := c.userTTY.InheritSizeTo(c.leader); err != nil {
				slog.Warn("parent: cannot propagate window size to pty", "error", err)
			}
		}
	default:
		if info.UserSignaled && c.isSelfTerminating(info.Pid) {
			return
		}
		c.scheduleSignal(int32(info.Signal))
	}
}
