package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"ptysudo.dev/ptyrun/internal/exec/backchannel"
	"ptysudo.dev/ptyrun/internal/exec/monitor"
)

// Well-known ExtraFiles indices the parent (internal/exec/parent.Run)
// hands to the re-exec'd monitor, mirroring the fixed fd-index
// convention the teacher uses for its own internal-server handoff.
const (
	monitorPtyFollowerFd = 3
	monitorBackchannelFd = 4
)

// NewInternalMonitorCommand builds the hidden `ptyrun internal-monitor`
// subcommand. Users never invoke this directly; internal/exec/parent
// re-execs the binary with it as the monitor half of the two-process
// pair (SPEC_FULL.md §0).
func NewInternalMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "internal-monitor",
		Short:  "Internal PTY session monitor (do not call directly)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The monitor is a fresh process: it cannot share the
			// parent's in-memory slog.Default(), so it installs its own.
			slog.SetDefault(slog.New(
				tint.NewHandler(os.Stderr, &tint.Options{
					Level:      slog.LevelInfo,
					TimeFormat: time.DateTime,
				}),
			))

			ptyFollower := os.NewFile(uintptr(monitorPtyFollowerFd), "pty-follower")
			bcFile := os.NewFile(uintptr(monitorBackchannelFd), "backchannel")
			if ptyFollower == nil || bcFile == nil {
				return fmt.Errorf("internal-monitor: missing inherited file descriptors")
			}
			bc := backchannel.FromFile(bcFile)

			foreground, err := foregroundFromEnv()
			if err != nil {
				return err
			}

			return monitor.Run(monitor.Params{
				PtyFollower: ptyFollower,
				Foreground:  foreground,
				Backchannel: bc,
			})
		},
	}
}

// foregroundFromEnv reads whether the command should start in the
// foreground process group, set by the parent process via environment
// variable since ExtraFiles carries descriptors, not booleans.
func foregroundFromEnv() (bool, error) {
	return os.Getenv("PTYRUN_FOREGROUND") == "1", nil
}
