package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "facility-locator",
	Short: "Multi-source geocoding reconciliation for health facilities",
	Long:  "Geocodes facility names against several providers, reconciles disagreeing coordinates, scores confidence and routes each result through automatic or manual validation.",
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
