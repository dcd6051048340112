// Package cli implements the coral-attach command line.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Commands share a, which owns the
// exit cleanup registry run by Run.
func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coral-attach",
		Short: "Attach the Coral agent to running processes",
		Long: `Attach the Coral agent to this process or to another process by pid.

The agent payload bundled in this binary is extracted once per user and
content version to the temp directory and shared by every coral-attach
process. Agent configuration is handed over through a short-lived file
that is removed once the attach returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Configuration file (default $CORAL_ATTACH_CONFIG or ~/.coral/attach.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&a.logPretty, "log-pretty", true, "Human-readable log output")

	rootCmd.AddCommand(newAttachCmd(a))
	rootCmd.AddCommand(newPayloadPathCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Run executes the command line in args. Files scheduled for deletion during
// the run are removed before it returns.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	a := newApp(stderr)
	defer func() {
		err = errors.Join(err, a.cleanup.Run())
	}()

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	return rootCmd.ExecuteContext(ctx)
}

// Execute runs the root command with the process arguments.
func Execute(ctx context.Context) error {
	return Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
