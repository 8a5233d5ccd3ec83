// Command ecosim runs agent-based simulation experiments.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ecosim",
		Short: "Agent-based simulation experiments",
		Long: `ecosim runs multi-run experiments over populations of agents cloned
from YAML-defined prototypes. Agents move through a continuous habitat,
sense their neighbours and evolve by stochastic transition chains. A
sample of each run's survivors is carried into the next run.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to experiment YAML")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newValidateCmd(),
		newRunsCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ecosim version %s\n", version)
		},
	}
}
