package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"ptysudo.dev/ptyrun/internal/core"
)

// NewRootCommand builds the ptyrun CLI: a privileged-command PTY
// execution engine. Logger installation and config loading in
// PersistentPreRunE follow the teacher's root command exactly
// (tint-backed slog, config read before anything else runs).
func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	var cfg *core.Config

	rootCmd := &cobra.Command{
		Use:   "ptyrun",
		Short: "Run a command under a faithfully proxied pseudoterminal",
		Long:  `ptyrun runs a single command attached to a freshly allocated pty, relaying terminal I/O and signals the way sudo's PTY path does.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded

			level := levelFromConfig(cfg.LogLevel, verbose)
			w := os.Stderr
			slog.SetDefault(slog.New(
				tint.NewHandler(w, &tint.Options{
					Level:      level,
					TimeFormat: time.DateTime,
				}),
			))

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"path to the ptyrun HCL config file (optional)",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(&cfg),
		NewInternalMonitorCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// levelFromConfig maps the config's string log level plus -v/-vv/-vvv
// repeat-count overrides to a slog.Level, matching the teacher's
// CountVarP verbosity convention.
func levelFromConfig(configured string, verboseCount int) slog.Level {
	if verboseCount >= 2 {
		return slog.LevelDebug
	}
	if verboseCount == 1 {
		return slog.LevelInfo
	}
	switch configured {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
