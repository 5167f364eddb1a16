package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/traceloom/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a document as a human-readable text timeline.
func FormatTimeline(doc *Document) string {
	if len(doc.Events) == 0 {
		if doc.TraceID != "" {
			return fmt.Sprintf("Trace: %s | No events found.\n", doc.TraceID)
		}
		return "No events found.\n"
	}

	var b strings.Builder

	label := doc.TraceID
	if label == "" {
		label = fmt.Sprintf("%d traces", doc.Summary.Traces)
	}
	b.WriteString(fmt.Sprintf("Trace: %s | %s–%s UTC\n",
		label,
		doc.Summary.First.Format("2006-01-02 15:04:05"),
		doc.Summary.Last.Format("15:04:05")))
	b.WriteString(separator + "\n")

	for _, ev := range doc.Events {
		b.WriteString(fmt.Sprintf("%-10s %-10s %-12s %s\n",
			ev.Timestamp.Format("15:04:05"),
			strings.ToUpper(string(ev.Status)),
			truncate(ev.Source, 12),
			truncate(fragmentLine(ev), 60)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(doc.Summary))
	return b.String()
}

// FormatJSON renders a document as indented JSON.
func FormatJSON(doc *Document) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: marshal document: %w", err)
	}
	return string(data), nil
}

// fragmentLine picks the most telling fragment for a one-line rendering.
func fragmentLine(ev model.TraceEvent) string {
	for _, pair := range []struct{ label, val string }{
		{"outcome", ev.Outcome},
		{"lesson", ev.Lesson},
		{"action", ev.Action},
		{"evidence", ev.Evidence},
		{"intent", ev.Intent},
	} {
		if pair.val != "" && pair.val != model.ClearMarker {
			return pair.label + ": " + pair.val
		}
	}
	return ""
}

func formatSummary(s Summary) string {
	var parts []string
	for _, phase := range []string{"intent", "action", "executing", "evidence", "blocked", "outcome", "lesson", "complete"} {
		if n := s.Phases[phase]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, phase))
		}
	}
	return fmt.Sprintf("Summary: %d events across %d traces | %s\n",
		s.Events, s.Traces, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
