package term

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	xterm "golang.org/x/term"
)

// UserTerm is the invoking user's terminal (normally /dev/tty, or
// whatever fd was inherited as stdin when that is itself a tty). It is
// the spec's "original terminal" referenced throughout parent setup and
// teardown.
type UserTerm struct {
	f       *os.File
	fd      int
	isTTY   bool
	rawPrev *xterm.State
}

// Open wraps f (normally /dev/tty, or os.Stdin as a fallback) as the
// user's terminal. IsTTY
// reports false, and every other method becomes a no-op, when f is not
// backed by a tty — e.g. when ptyrun's own stdin was redirected.
func Open(f *os.File) *UserTerm {
	fd := int(f.Fd())
	isTTY := xterm.IsTerminal(fd)
	if isTTY {
		// Registered with the dispatcher as both read and write side of
		// the pty relay (internal/exec/iopipe); non-blocking so a
		// blocked read or a slow terminal emulator draining our writes
		// can never stall the reactor's single poll loop.
		_ = unix.SetNonblock(fd, true)
	}
	return &UserTerm{f: f, fd: fd, isTTY: isTTY}
}

// IsTTY reports whether the wrapped descriptor is a real terminal.
func (u *UserTerm) IsTTY() bool { return u.isTTY }

// Fd returns the underlying descriptor.
func (u *UserTerm) Fd() int { return u.fd }

// File returns the underlying file.
func (u *UserTerm) File() *os.File { return u.f }

// MakeRaw puts the terminal into raw mode, remembering the previous
// state so Restore can undo it. A no-op when not a tty.
func (u *UserTerm) MakeRaw() error {
	if !u.isTTY {
		return nil
	}
	prev, err := xterm.MakeRaw(u.fd)
	if err != nil {
		return fmt.Errorf("term: make raw: %w", err)
	}
	u.rawPrev = prev
	return nil
}

// Restore restores the terminal mode captured by MakeRaw. A no-op if
// MakeRaw was never called or already restored.
func (u *UserTerm) Restore() error {
	if u.rawPrev == nil {
		return nil
	}
	err := xterm.Restore(u.fd, u.rawPrev)
	u.rawPrev = nil
	return err
}

// Size reports the current terminal window size.
func (u *UserTerm) Size() (*pty.Winsize, error) {
	return pty.GetsizeFull(u.f)
}

// InheritSizeTo propagates the user terminal's window size onto target
// (the PTY leader), matching pty.InheritSize's behavior in the
// retrieval pack's PTY runtimes.
func (u *UserTerm) InheritSizeTo(target *os.File) error {
	if !u.isTTY {
		return nil
	}
	return pty.InheritSize(u.f, target)
}

// Tcgetpgrp returns the foreground process group of the terminal.
func Tcgetpgrp(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCGPGRP)
}

// Tcsetpgrp sets the foreground process group of the terminal. Callers
// must have SIGTTOU ignored or blocked before calling this from a
// background process group, matching the monitor's and parent's setup
// sequences (spec.md §5).
func Tcsetpgrp(fd int, pgid int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgid)
}

// GetTermios reads the terminal's current termios attributes.
func GetTermios(fd int) (*unix.Termios, error) {
	return unix.IoctlGetTermios(fd, ioctlGetTermios)
}

// SetTermios writes t as the terminal's termios attributes.
func SetTermios(fd int, t *unix.Termios) error {
	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}
