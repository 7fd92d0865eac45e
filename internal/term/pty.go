// Package term wraps PTY allocation and the invoking user's terminal,
// grounded in cmd/companion_run.go's use of github.com/creack/pty to
// start processes under a pseudoterminal and in
// other_examples/1fc08c67_flavour-fence__cmd-fence-pty_runtime_linux.go.go's
// term.MakeRaw/Restore and TIOCGPGRP handling.
package term

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Pty is a freshly allocated pseudoterminal pair (spec.md's "Pty" type):
// Leader is the controlling side the parent process drives; Follower is
// the side exec'd processes attach to as their controlling terminal.
type Pty struct {
	Leader   *os.File
	Follower *os.File
}

// Open allocates a new PTY pair and puts the leader in non-blocking
// mode. It does not change the follower's owner or group; that is
// ChownFollower's job.
func Open() (*Pty, error) {
	leader, follower, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("term: open pty: %w", err)
	}
	// The leader is the end the dispatcher polls (internal/exec/iopipe):
	// it must be non-blocking or a slow-draining peer stalls the whole
	// single-threaded reactor inside what should be a poll-gated Write.
	// The follower stays blocking — it becomes the child's controlling
	// terminal, which expects ordinary blocking tty semantics.
	if err := unix.SetNonblock(int(leader.Fd()), true); err != nil {
		leader.Close()
		follower.Close()
		return nil, fmt.Errorf("term: set pty leader non-blocking: %w", err)
	}
	return &Pty{Leader: leader, Follower: follower}, nil
}

// ChownFollower sets the follower's owner to uid and, when group names a
// group that exists on the system, its group to that gid. An empty
// group skips the chgrp, leaving the follower's group as creack/pty left
// it. This mirrors the ownership a real getty-allocated terminal would
// have.
func (p *Pty) ChownFollower(uid int, group string) error {
	gid := -1
	if group != "" {
		if g, err := user.LookupGroup(group); err == nil {
			if parsed, err := strconv.Atoi(g.Gid); err == nil {
				gid = parsed
			}
		}
	}
	return os.Chown(p.Follower.Name(), uid, gid)
}

// Close closes both ends. Safe to call with either end already closed
// by the caller (e.g. the parent closes its copy of Follower once the
// monitor process has inherited it).
func (p *Pty) Close() {
	if p.Leader != nil {
		_ = p.Leader.Close()
	}
	if p.Follower != nil {
		_ = p.Follower.Close()
	}
}
