package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"quorumlabs/quorum/pkg/patterns"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List the builtin analysis patterns",
	Run: func(cmd *cobra.Command, args []string) {
		for _, p := range patterns.NewLibrary().List() {
			fmt.Printf("%-12s %s\n", p.Name, p.Description)
			fmt.Printf("%-12s stages: %s\n", "", strings.Join(p.Stages, " -> "))
		}
	},
}

func init() {
	rootCmd.AddCommand(patternsCmd)
}
