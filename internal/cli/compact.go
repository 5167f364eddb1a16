package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/traceloom/internal/store"
	"github.com/ppiankov/traceloom/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(compactCmd)
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete archives older than the retention horizon",
	Long: "Takes the writer lock, so the daemon must be stopped; a running\n" +
		"daemon compacts on its own schedule and accepts POST /v1/compact.",
	RunE: runCompact,
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	st, err := store.Open(cfg.DataDir, store.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	removed, err := st.Compact(cfg.Retention)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d archives older than %s\n", removed, cfg.Retention)
	return nil
}
