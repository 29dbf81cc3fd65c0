package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "scrape-consumer",
	Short: "Rate-limited scrape task consumer",
	Long:  "Claims scrape tasks from the work queue, paces them per source and region, invokes the scraping service and persists the records it returns.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// validateFor checks the loaded config for the given command mode.
func validateFor(mode string) error {
	if err := cfg.Validate(mode); err != nil {
		return eris.Wrapf(err, "%s", mode)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
