package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/companion/internal/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var log = logging.NewLogger("companion")

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "Browser bridge for Claude Code and Codex sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logging.SetLevel("debug")
			}
		},
		// Bare invocation starts the server
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	root.AddCommand(newServeCommand())
	root.AddCommand(newRecordingsCommand())
	root.AddCommand(newCronCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of companion",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "companion %s\n", version)
			fmt.Fprintf(out, "  Commit:    %s\n", commit)
			fmt.Fprintf(out, "  Built:     %s\n", buildDate)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
