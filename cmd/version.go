package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ptysudo.dev/ptyrun/internal/core"
)

// NewVersionCommand reports ptyrun's own build version. Unlike the
// teacher's version command there is no daemon to cross-check against:
// ptyrun is a one-shot process, not a long-lived service.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "ptyrun version: %s\n", core.FormatVersion(core.Version))
		},
	}
}
