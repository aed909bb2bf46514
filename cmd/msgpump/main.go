package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "msgpump",
		Short: "Run message pump jobs",
		Long: `msgpump receives messages from RabbitMQ, Amazon SQS or an in-memory queue,
routes each one to a handler and settles it on the transport. A per-job circuit
breaker pauses receiving while a downstream dependency is unavailable.

Configuration is read from MSGPUMP_* environment variables; flags override them.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "msgpump %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}
