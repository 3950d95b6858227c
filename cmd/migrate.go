package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buoyhq/buoy/db"
	"github.com/buoyhq/buoy/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.ValidateStorage(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		logger := newLogger()
		if err := db.Migrate(cfg.PostgresURL()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
