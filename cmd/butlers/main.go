// Command butlers is the operator entry point for the butler fleet:
// discover the roster, scaffold new butlers, run daemons, and apply
// database migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "butlers",
		Short:         "Operate the butler fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newListCmd(),
		newInitCmd(),
		newUpCmd(),
		newRunCmd(),
		newMigrateCmd(),
	)
	return root
}
