package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/devflow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter .devflow.yaml",
	// The default config must load without an existing file, so init skips
	// the usual config load.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		if path == "" {
			path = ".devflow.yaml"
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
