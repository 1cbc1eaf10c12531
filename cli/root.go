// Package cli implements the flowforge command line: serve runs the daemon,
// run executes a workflow file locally and validate checks one.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowforge",
		Short: "FlowForge workflow engine",
		Long:  "FlowForge runs node-based automation workflows: triggers, HTTP calls, chat webhooks and LLM prompts.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			quiet, _ := cmd.Flags().GetBool("quiet")
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), verbose, quiet))
			return nil
		},
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("flowforge version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	return root
}

// newLogger returns a text logger at debug (verbose), error (quiet) or info.
func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
