// Package cli wires the traceloom commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/traceloom/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "traceloom",
	Short: "Lifecycle event reconciler",
	Long: "Ingests intent, action, evidence, outcome, and lesson events from\n" +
		"multiple producers, reconciles them into per-trace state, and keeps a\n" +
		"replayable append-only history with live KPI aggregates.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: <data-dir>/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
