package cmd

import (
	"log/slog"
	"testing"
)

func TestRootRegistersSubcommands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	flagDebug = false
	defer func() { flagDebug = false }()

	logger := newLogger()
	if logger.Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug enabled without --debug")
	}

	flagDebug = true
	logger = newLogger()
	if !logger.Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug not enabled with --debug")
	}
}
