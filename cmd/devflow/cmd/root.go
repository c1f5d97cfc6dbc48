// Package cmd implements the devflow CLI.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/devflow/internal/config"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
)

var (
	flagConfig   string
	flagLogLevel string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "devflow",
	Short: "Agentic developer workflow orchestrator",
	Long: `devflow runs multi-phase development workflows (plan, build, test,
review) against configured LLM providers, with durable state, an event
journal and cost budgets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if flagLogLevel != "" {
			level = flagLogLevel
		}
		logger = logging.New(logging.Config{Level: level, Format: cfg.Log.Format})
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default .devflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug|info|warn|error)")
}
