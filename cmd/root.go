// Package cmd contains the buoy CLI commands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/buoyhq/buoy/internal/log"
)

var (
	flagDebug    bool
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "buoy",
	Short: "Site-scoped AI support agents",
	Long: `Buoy provisions one AI support agent and knowledge base per website on
the DigitalOcean Gradient platform, ingests site content into the knowledge
base, and serves an HTTP API for embedded chat widgets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit JSON logs")
}

// newLogger builds the process logger from the global flags.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLogs})
}
