package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dbPath     string
	driver     string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "abtest",
		Short: "abtest - A/B testing engine for page variants",
		Long: `abtest assigns visitors to page variants, records conversions and
tells you which variant wins.

Running without a subcommand starts the server (same as 'abtest serve').`,
		SilenceUsage: true,
	}
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, opts, 0)
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getEnvOrDefault("ABTEST_CONFIG", "abtest.yaml"), "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "storage driver: sqlite, redis or memory (overrides config)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCreateCmd(opts),
		newUpdateCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
		newResultsCmd(opts),
		newSummaryCmd(opts),
		newAnalyticsCmd(opts),
		newExportCmd(opts),
		newAssignCmd(opts),
		newConvertCmd(opts),
		newSnippetCmd(opts),
		newTokenCmd(opts),
	)
	rootCmd.AddCommand(newLifecycleCmds(opts)...)

	return rootCmd
}

func Execute() error {
	return newRootCmd().Execute()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
