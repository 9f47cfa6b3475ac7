package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "proposal-orch",
		Short: "Proposal Orchestrator - ticket-to-proposal pipeline",
		Long: `Proposal Orchestrator watches an issue tracker for candidate tickets,
scores them for completeness, and drafts code change proposals for the
ones that pass. Incomplete tickets get a clarification comment instead.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
