package cmd

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"ptysudo.dev/ptyrun/internal/core"
	ptyexec "ptysudo.dev/ptyrun/internal/exec"
	"ptysudo.dev/ptyrun/internal/exec/command"
	"ptysudo.dev/ptyrun/internal/exec/exitreason"
	"ptysudo.dev/ptyrun/internal/term"
)

// NewRunCommand builds `ptyrun exec -- <command> [args...]`. Everything
// upstream of building a command.Descriptor — authentication, policy
// evaluation, and parsing of the target command's own flags — is out of
// scope; this command only does the "everything after --" split cobra
// already gives it for free.
func NewRunCommand(cfg **core.Config) *cobra.Command {
	var asUser string

	runCmd := &cobra.Command{
		Use:   "exec -- <command> [args...]",
		Short: "Run a command attached to a freshly allocated pty",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := buildDescriptor(args, asUser)
			if err != nil {
				return err
			}

			// Prefer /dev/tty so the relay still works when stdin itself
			// has been redirected; fall back to stdin. When neither is a
			// real terminal, UserTerm reports IsTTY false and the parent
			// relays no terminal I/O at all.
			ttyFile, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
			if err != nil {
				ttyFile = os.Stdin
			} else {
				defer ttyFile.Close()
			}
			userTTY := term.Open(ttyFile)

			c := *cfg
			if c == nil {
				c = core.Default()
			}

			reason, restore, err := ptyexec.ExecPTY(ptyexec.Params{
				SudoPid:      os.Getpid(),
				Command:      desc,
				UserTTY:      userTTY,
				TTYGroup:     c.TTYGroup,
				PipeCapacity: c.PipeCapacity,
			})
			restore()
			if err != nil {
				return fmt.Errorf("ptyrun: %w", err)
			}

			exitWithReason(reason)
			return nil
		},
	}

	runCmd.Flags().StringVar(&asUser, "user", "", "run the command as this user (uid/gid resolution only; no privilege check)")

	return runCmd
}

// buildDescriptor resolves argv[0] and, when --user is given, the
// target uid/gid. It does not perform any authorization: that decision
// belongs to whatever calls ptyrun with elevated privileges already.
func buildDescriptor(args []string, asUser string) (command.Descriptor, error) {
	desc := command.Descriptor{
		Path: args[0],
		Args: args,
		Env:  os.Environ(),
	}
	if wd, err := os.Getwd(); err == nil {
		desc.Dir = wd
	}

	if asUser == "" {
		return desc, nil
	}

	u, err := user.Lookup(asUser)
	if err != nil {
		return command.Descriptor{}, fmt.Errorf("ptyrun: lookup user %q: %w", asUser, err)
	}
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return command.Descriptor{}, fmt.Errorf("ptyrun: parse uid for %q: %w", asUser, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return command.Descriptor{}, fmt.Errorf("ptyrun: parse gid for %q: %w", asUser, err)
	}
	uid32 := uint32(uid64)
	gid32 := uint32(gid64)
	desc.Uid = &uid32
	desc.Gid = &gid32
	return desc, nil
}

// exitWithReason terminates the process the way sudo's own pty path
// does: the target's exit code verbatim, or 128+signal when it died by
// signal, so the caller's shell sees the conventional wait(2) encoding.
func exitWithReason(reason exitreason.ExitReason) {
	if reason.Kind == exitreason.Signal {
		os.Exit(128 + reason.Signal)
	}
	os.Exit(reason.Code)
}
