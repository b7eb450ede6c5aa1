package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trackrecon",
		Short: "trackrecon - shipment status reconciliation",
		Long: `trackrecon compares the shipment status recorded by the order system with
the status published by the carrier and writes the result back to the
tracking sheet.

Features:
  - Concurrent, paced carrier lookups through a headless browser
  - Rule files mapping carrier phrases onto canonical statuses
  - Alert rules for disagreements between the two sources
  - Batched, coalesced sheet writes with quota backoff
  - Audit log, status catalog and resumable run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newCompareCommand(version))
	rootCmd.AddCommand(newExplainCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

// loadConfig reads the configuration file and environment. Validation is
// left to the caller so flag overrides can be applied first.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}
