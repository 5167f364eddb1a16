package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/traceloom/internal/daemon"
	"github.com/ppiankov/traceloom/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingest daemon in the foreground",
	Long: "Polls the configured sources, persists accepted events to the\n" +
		"append-only log, and serves the read API. Stops cleanly on SIGINT or\n" +
		"SIGTERM, finishing the in-flight cycle and writing a final snapshot.",
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
