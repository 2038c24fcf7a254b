package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "etlctl",
		Short:         "Operate the ephemeral ETL lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newTriggerCommand())
	cmd.AddCommand(newCleanupCommand())
	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newBundleCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
