package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Tamper-evident memory ledger for local agents",
	Long: `mnemo keeps an append-only, hash-chained ledger of agent memory on
your machine. Events are redacted, hashed, and linked into per-chain
block chains that can be verified end to end; retrieval blends keyword
and semantic search over the recorded history.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Honor the NO_COLOR convention alongside the --no-color flag.
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mnemo version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnemo version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(chainsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
