package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/traceloom/internal/export"
	"github.com/ppiankov/traceloom/internal/model"
	"github.com/ppiankov/traceloom/internal/store"
)

var (
	replaySince  string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replaySince, "since", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay <trace-id>",
	Short: "Render one trace's timeline from the event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	since, err := parseSinceFlag(replaySince)
	if err != nil {
		return err
	}

	reader, err := store.OpenReader(cfg.DataDir)
	if err != nil {
		return err
	}
	result, err := reader.Replay(since)
	if err != nil {
		return err
	}

	doc := export.ForTrace(args[0], result.Events)
	switch replayFormat {
	case "json":
		out, err := export.FormatJSON(doc)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(export.FormatTimeline(doc))
	}
	return nil
}

func parseSinceFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := model.ParseTimestamp(json.RawMessage(fmt.Sprintf("%q", s)))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since time %q: %w", s, err)
	}
	return t, nil
}
