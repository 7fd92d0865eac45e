// Package exec is the external entry point for the PTY execution engine
// (spec.md §6): it allocates the pseudoterminal, builds the monitor
// re-exec template, and hands off to internal/exec/parent. Grounded in
// the teacher's cmd/companion_run.go + cmd/internal.go pair, which
// likewise re-execs the same binary as a hidden subcommand and connects
// to it over inherited file descriptors.
package exec

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"ptysudo.dev/ptyrun/internal/exec/command"
	"ptysudo.dev/ptyrun/internal/exec/exitreason"
	"ptysudo.dev/ptyrun/internal/exec/parent"
	"ptysudo.dev/ptyrun/internal/term"
)

// MonitorSubcommand is the hidden Cobra subcommand name the CLI layer
// registers to run internal/exec/monitor.Run; ExecPTY re-execs the
// current binary with this as argv[1].
const MonitorSubcommand = "internal-monitor"

// Params collects what a caller (cmd/run.go) must supply to run a
// command under a faithfully proxied PTY. Everything upstream of this
// (authentication, policy, argument parsing of the target command) is
// out of scope per spec.md §1.
type Params struct {
	// SudoPid is this process's own PID.
	SudoPid int
	// Command describes the target to execute.
	Command command.Descriptor
	// UserTTY is the invoking user's already-open controlling terminal.
	UserTTY *term.UserTerm
	// TTYGroup, when non-empty, is the group the pty follower is
	// chowned to alongside the invoking user (spec.md §3's device
	// ownership rules; mirrors the teacher's tty_group config knob).
	TTYGroup string
	// PipeCapacity sizes the PTY relay buffers; 0 selects the default.
	PipeCapacity int
}

// ExecPTY allocates a pty, launches the monitor as a second OS process,
// and relays terminal I/O for the lifetime of the command. The returned
// func undoes any terminal raw-mode changes and must be called exactly
// once by the caller, even on error.
func ExecPTY(p Params) (exitreason.ExitReason, func(), error) {
	noop := func() {}

	pty, err := term.Open()
	if err != nil {
		return exitreason.ExitReason{}, noop, fmt.Errorf("exec: allocate pty: %w", err)
	}

	// The pty follower is chowned to the invoking user (never the
	// target uid), matching a real login tty's ownership; this happens
	// unconditionally, independent of whether --user was passed.
	if err := pty.ChownFollower(os.Getuid(), p.TTYGroup); err != nil {
		slog.Warn("exec: cannot chown pty follower to invoking user", "uid", os.Getuid(), "error", err)
	}

	exe, err := os.Executable()
	if err != nil {
		pty.Close()
		return exitreason.ExitReason{}, noop, fmt.Errorf("exec: resolve own executable: %w", err)
	}
	monitorTemplate := exec.Command(exe, MonitorSubcommand)
	monitorTemplate.Env = os.Environ()

	reason, restore, err := parent.Run(parent.Params{
		SudoPid:         p.SudoPid,
		UserTTY:         p.UserTTY,
		Pty:             pty,
		MonitorTemplate: monitorTemplate,
		Command:         p.Command,
		PipeCapacity:    p.PipeCapacity,
	})
	pty.Close()
	return reason, restore, err
}
