// Package monitor implements the PTY session leader that owns the
// target command: it starts the command attached to the PTY follower,
// watches it via SIGCHLD, manipulates the terminal's foreground process
// group for job control, and reports the command's lifecycle back to
// the parent over the backchannel. Grounded in
// _examples/original_source/src/exec/use_pty/monitor.rs, translated to
// Go's process model the way cmd/companion_run.go and
// internal/daemon/companion.go in the teacher repo launch and supervise
// subprocesses with github.com/creack/pty and syscall.SysProcAttr.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"ptysudo.dev/ptyrun/internal/exec/backchannel"
	"ptysudo.dev/ptyrun/internal/exec/command"
	"ptysudo.dev/ptyrun/internal/exec/event"
	"ptysudo.dev/ptyrun/internal/term"
)

// Internal signal tokens carried over the backchannel's Signal payload.
// They sit outside the valid signal number range so they can never be
// confused with a real OS signal proxied from the parent.
const (
	SigContForeground int32 = -1
	SigContBackground int32 = -2
)

// monitorSignals is the set of signals the monitor asks the dispatcher
// to translate into events. SIGCHLD drives command-lifecycle tracking;
// everything else is a candidate for proxying to the command.
// SIGTTIN/SIGTTOU are left out: Run ignores them, and signal.Notify
// would undo that.
var monitorSignals = []os.Signal{
	syscall.SIGCHLD,
	syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP,
	syscall.SIGALRM, syscall.SIGPIPE, syscall.SIGUSR1, syscall.SIGUSR2,
	syscall.SIGTSTP, syscall.SIGWINCH,
}

// Params collects everything the monitor needs to supervise the target
// command. By the time Run is called the monitor process is already the
// session leader with PtyFollower as its controlling terminal: the
// parent establishes both atomically via SysProcAttr{Setsid, Setctty}
// when it re-execs the monitor binary (internal/exec/parent), grounded
// in other_examples/8d5fc386_GetGreenlight-greenlight-cli__relay.go.go.
type Params struct {
	PtyFollower *os.File
	Foreground  bool
	Backchannel *backchannel.Channel
}

// Run waits for the parent's green light — which carries the JSON-
// encoded command.Descriptor to execute, since a re-exec'd monitor
// process has no other way to learn what the parent wants run — starts
// it attached to PtyFollower in its own process group, proxies signals
// and wait status over Backchannel, and returns once the command has
// exited and the final message has been sent. The caller always
// terminates the process after Run returns; Run never calls os.Exit
// itself.
func Run(p Params) error {
	d, err := event.New[syscall.WaitStatus]()
	if err != nil {
		return fmt.Errorf("monitor: new dispatcher: %w", err)
	}
	defer d.Close()

	// Ignoring SIGTTIN/SIGTTOU here isn't strictly necessary (the
	// monitor is already the foreground process group's leader at
	// startup) but mirrors the defensive stance the original takes.
	signal.Ignore(syscall.SIGTTIN, syscall.SIGTTOU)

	greenLight, err := p.Backchannel.RecvMonitorMessage()
	if err != nil {
		return fmt.Errorf("monitor: waiting for green light: %w", err)
	}
	if !greenLight.IsExecCommand() {
		return fmt.Errorf("monitor: expected ExecCommand first, got %+v", greenLight)
	}
	var desc command.Descriptor
	if err := json.Unmarshal(greenLight.Payload, &desc); err != nil {
		return fmt.Errorf("monitor: decode command descriptor: %w", err)
	}

	cmd := exec.Command(desc.Args[0], desc.Args[1:]...)
	cmd.Path = desc.Path
	cmd.Env = desc.Env
	cmd.Dir = desc.Dir
	cmd.Stdin = p.PtyFollower
	cmd.Stdout = p.PtyFollower
	cmd.Stderr = p.PtyFollower
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Setpgid+Pgid:0 puts the command in a new process group of
		// its own before execve, atomically courtesy of Go's
		// forkExec. The child does not wait to become the terminal's
		// foreground group before exec: that happens only when Run
		// calls Tcsetpgrp after Start returns, so a foreground command
		// can begin running while it is still in the background.
		Setpgid: true,
		Pgid:    0,
	}
	if desc.Uid != nil || desc.Gid != nil {
		cred := &syscall.Credential{}
		if desc.Uid != nil {
			cred.Uid = *desc.Uid
		}
		if desc.Gid != nil {
			cred.Gid = *desc.Gid
		}
		cmd.SysProcAttr.Credential = cred
	}

	if err := cmd.Start(); err != nil {
		_ = p.Backchannel.SendParentMessage(backchannel.ParentMessageFromError(err))
		return fmt.Errorf("monitor: start command: %w", err)
	}
	monitorPgrp, err := unix.Getpgid(0)
	if err != nil {
		monitorPgrp = -1
	}

	pid := cmd.Process.Pid
	c := &closure{
		commandPid:  &pid,
		commandPgrp: pid,
		monitorPgrp: monitorPgrp,
		ptyFollower: p.PtyFollower,
		bc:          p.Backchannel,
		cmd:         cmd,
	}

	if err := p.Backchannel.SendParentMessage(backchannel.CommandPid(int32(pid))); err != nil {
		slog.Warn("monitor: cannot send command PID to parent", "error", err)
	}

	if p.Foreground {
		if err := term.Tcsetpgrp(int(p.PtyFollower.Fd()), c.commandPgrp); err != nil {
			slog.Error("monitor: cannot set foreground process group to command", "pgrp", c.commandPgrp, "error", err)
		}
	}

	d.RegisterRead(p.Backchannel.Fd(), func() { c.onBackchannelReadable(d) })
	d.HandleSignals(monitorSignals...)

	reason := d.EventLoop(c.onSignal)

	if err := term.Tcsetpgrp(int(p.PtyFollower.Fd()), c.monitorPgrp); err != nil {
		slog.Error("monitor: cannot restore foreground process group to monitor", "pgrp", c.monitorPgrp, "error", err)
	}

	if breakErr, broke := reason.Broke(); broke {
		if err := p.Backchannel.SendParentMessage(backchannel.ParentMessageFromError(breakErr)); err != nil {
			slog.Warn("monitor: cannot send break status over backchannel", "error", err)
		}
		return breakErr
	}

	status, _ := reason.Exited()
	sendFinalStatus(p.Backchannel, status)
	return nil
}

func sendFinalStatus(bc *backchannel.Channel, status syscall.WaitStatus) {
	var msg backchannel.ParentMessage
	switch {
	case status.Exited():
		msg = backchannel.CommandExit(int32(status.ExitStatus()))
	case status.Signaled():
		msg = backchannel.CommandSignal(int32(status.Signal()))
	default:
		msg = backchannel.CommandStatus(int32(status))
	}
	if err := bc.SendParentMessage(msg); err != nil {
		slog.Warn("monitor: cannot send final command status over backchannel", "error", err)
	}
}

type closure struct {
	commandPid  *int // nil once the command has terminated
	commandPgrp int
	monitorPgrp int
	ptyFollower *os.File
	bc          *backchannel.Channel
	cmd         *exec.Cmd
}

func (c *closure) onBackchannelReadable(d *event.Dispatcher[syscall.WaitStatus]) {
	msg, err := c.bc.RecvMonitorMessage()
	if err != nil {
		if isRetryable(err) {
			return
		}
		slog.Warn("monitor: could not read from backchannel", "error", err)
		d.SetBreak(err)
		return
	}
	if msg.IsExecCommand() {
		// The parent only ever sends one ExecCommand, already consumed.
		return
	}
	if msg.IsSignal() && c.commandPid != nil {
		c.sendSignal(d, msg.Signal, true)
	}
}

func (c *closure) handleSigchld(d *event.Dispatcher[syscall.WaitStatus]) {
	if c.commandPid == nil {
		return
	}
	pid := *c.commandPid
	for {
		var status syscall.WaitStatus
		wpid, err := syscall.Wait4(pid, &status, syscall.WUNTRACED|syscall.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return
		}
		if wpid == 0 {
			return
		}

		switch {
		case status.Exited():
			slog.Info("monitor: command exited", "pid", pid, "code", status.ExitStatus())
			c.commandPid = nil
			d.SetExit(status)
		case status.Signaled():
			slog.Info("monitor: command terminated by signal", "pid", pid, "signal", status.Signal())
			c.commandPid = nil
			d.SetExit(status)
		case status.Stopped():
			slog.Info("monitor: command stopped by signal", "pid", pid, "signal", status.StopSignal())
			if pgrp, err := term.Tcgetpgrp(int(c.ptyFollower.Fd())); err == nil && pgrp != c.monitorPgrp {
				c.commandPgrp = pgrp
			}
			if err := c.bc.SendParentMessage(backchannel.CommandStatus(int32(status))); err != nil {
				slog.Warn("monitor: cannot send stop status over backchannel", "error", err)
			}
		case status.Continued():
			slog.Info("monitor: command continued", "pid", pid)
		default:
			slog.Warn("monitor: unexpected wait status", "pid", pid, "status", int(status))
		}
		return
	}
}

// sendSignal applies the send_signal policy table from spec.md §4.D.
func (c *closure) sendSignal(d *event.Dispatcher[syscall.WaitStatus], signum int32, fromParent bool) {
	if c.commandPid == nil {
		return
	}
	pid := *c.commandPid
	slog.Info("monitor: sending signal to command", "signal", signum, "from_parent", fromParent)

	switch signum {
	case int32(syscall.SIGALRM):
		// Graceful termination: escalate HUP then TERM, per the
		// external terminate_process collaborator spec.md defers to.
		_ = syscall.Kill(pid, syscall.SIGHUP)
		_ = syscall.Kill(pid, syscall.SIGTERM)
	case SigContForeground:
		if err := term.Tcsetpgrp(int(c.ptyFollower.Fd()), c.commandPgrp); err != nil {
			slog.Error("monitor: cannot set foreground process group to command", "pgrp", c.commandPgrp, "error", err)
		}
		_ = syscall.Kill(pid, syscall.SIGCONT)
	case SigContBackground:
		if err := term.Tcsetpgrp(int(c.ptyFollower.Fd()), c.monitorPgrp); err != nil {
			slog.Error("monitor: cannot set foreground process group to monitor", "pgrp", c.monitorPgrp, "error", err)
		}
		_ = syscall.Kill(pid, syscall.SIGCONT)
	default:
		_ = syscall.Kill(pid, syscall.Signal(signum))
	}
}

// isSelfTerminating reports whether a signal raised by signalerPid
// should be suppressed rather than forwarded to the command, because it
// effectively originated from the command itself (spec.md §4.D).
func isSelfTerminating(signalerPid, commandPid, commandPgrp int) bool {
	if signalerPid == 0 {
		return false
	}
	if signalerPid == commandPid {
		return true
	}
	if grp, err := unix.Getpgid(signalerPid); err == nil && grp == commandPgrp {
		return true
	}
	return false
}

func (c *closure) onSignal(info event.SignalInfo, d *event.Dispatcher[syscall.WaitStatus]) {
	slog.Info("monitor: received signal", "signal", info.Signal, "user_signaled", info.UserSignaled, "pid", info.Pid)

	if c.commandPid == nil {
		slog.Info("monitor: command already terminated, ignoring signal")
		return
	}
	pid := *c.commandPid

	switch info.Signal {
	case syscall.SIGCHLD:
		c.handleSigchld(d)
	default:
		if info.UserSignaled && isSelfTerminating(info.Pid, pid, c.commandPgrp) {
			return
		}
		c.sendSignal(d, int32(info.Signal), false)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}
