package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Quorum - multi-provider LLM orchestration engine",
	Long: `Quorum dispatches one prompt across several language models, runs
staged analysis patterns over their answers, and synthesises the results.

It provides:
  - Adapters for OpenAI, Anthropic, Google, Cohere, Mistral, and
    OpenAI-compatible local or custom endpoints
  - Circuit breaking, retries, and fallback cascades per model
  - Response caching with memory and SQLite backends
  - Adaptive concurrency driven by host resource monitoring`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
