package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Bank transaction synchronization and enrichment pipeline",
	Long:  "Syncs transactions from open-banking connections, deduplicates them across refetches, and enriches them with spending metadata via purchase-history lookups and batched LLM inference.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
