package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/traceloom/internal/engine"
	"github.com/ppiankov/traceloom/internal/store"
)

var statusFormat string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "Output format (text|json)")
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"snapshot"},
	Short:   "Show current KPIs rebuilt from the event log",
	Long: "Replays the full log into a fresh state engine and prints the KPI\n" +
		"snapshot. Works beside a running daemon; the numbers match what the\n" +
		"daemon would report for the same events.",
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reader, err := store.OpenReader(cfg.DataDir)
	if err != nil {
		return err
	}
	result, err := reader.Replay(time.Time{})
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		AdvisorySources: cfg.AdvisorySources(),
		KPIWindow:       cfg.KPIWindow,
		TraceRetention:  cfg.TraceRetention,
	})
	for _, ev := range result.Events {
		if _, err := eng.Apply(ev); err != nil {
			fmt.Printf("warning: event %s rejected: %v\n", ev.EventID, err)
		}
	}
	kpi := eng.Recompute(time.Now().UTC())

	if statusFormat == "json" {
		out, err := json.MarshalIndent(kpi, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Events replayed:   %d (%d skipped, %d archives)\n", len(result.Events), result.Skipped, result.ArchivesRead)
	fmt.Printf("Active traces:     %d (%d blocked)\n", kpi.ActiveTraces, kpi.BlockedTraces)
	fmt.Printf("Window %s:   %d succeeded, %d failed\n", cfg.KPIWindow, kpi.SucceededInWindow, kpi.FailedInWindow)
	fmt.Printf("Lifetime:          %d succeeded, %d failed\n", kpi.TotalSucceeded, kpi.TotalFailed)
	fmt.Printf("Lessons captured:  %d\n", kpi.LessonCount)
	fmt.Printf("Advice acted on:   %.0f%%\n", kpi.AdviceActedRatio*100)
	if kpi.ValidationGaps > 0 {
		fmt.Printf("Validation gaps:   %d\n", kpi.ValidationGaps)
	}
	if len(kpi.DegradedSources) > 0 {
		fmt.Printf("Degraded sources:  %v\n", kpi.DegradedSources)
	}
	return nil
}
