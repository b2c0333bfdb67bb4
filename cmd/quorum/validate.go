package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"quorumlabs/quorum/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		fmt.Printf("%s: OK (%d models, cache backend %s)\n",
			cfgFile, len(cfg.Models), cfg.Cache.Backend)
		for id, model := range cfg.Models {
			marker := ""
			if model.IsPrimary {
				marker = " (primary)"
			}
			fmt.Printf("  %s: %s/%s weight=%.1f%s\n",
				id, model.Provider, model.ModelID, model.Weight, marker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
