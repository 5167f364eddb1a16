// Package export builds portable documents from the event log, for
// hand-off to other tooling or offline analysis.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/traceloom/internal/model"
)

// Document is a self-contained export: the selected events in order plus
// a summary. Re-importing the events through replay reproduces the same
// state the exporter saw.
type Document struct {
	ID          string             `json:"id"`
	GeneratedAt time.Time          `json:"generated_at"`
	TraceID     string             `json:"trace_id,omitempty"`
	Since       *time.Time         `json:"since,omitempty"`
	Events      []model.TraceEvent `json:"events"`
	Summary     Summary            `json:"summary"`
}

// Summary describes the exported slice.
type Summary struct {
	Traces int            `json:"traces"`
	Events int            `json:"events"`
	First  time.Time      `json:"first,omitempty"`
	Last   time.Time      `json:"last,omitempty"`
	Phases map[string]int `json:"phases,omitempty"`
}

// ForTrace exports every event belonging to one trace.
func ForTrace(traceID string, events []model.TraceEvent) *Document {
	var selected []model.TraceEvent
	for _, ev := range events {
		if ev.TraceID == traceID {
			selected = append(selected, ev)
		}
	}
	doc := build(selected)
	doc.TraceID = traceID
	return doc
}

// ForRange exports every event at or after since, across all traces.
func ForRange(since time.Time, events []model.TraceEvent) *Document {
	var selected []model.TraceEvent
	for _, ev := range events {
		if !ev.Timestamp.Before(since) {
			selected = append(selected, ev)
		}
	}
	doc := build(selected)
	s := since
	doc.Since = &s
	return doc
}

func build(events []model.TraceEvent) *Document {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].EventID < events[j].EventID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	summary := Summary{Events: len(events)}
	traces := make(map[string]bool)
	phases := make(map[string]int)
	for _, ev := range events {
		traces[ev.TraceID] = true
		phases[string(ev.Status)]++
	}
	summary.Traces = len(traces)
	if len(events) > 0 {
		summary.First = events[0].Timestamp
		summary.Last = events[len(events)-1].Timestamp
		summary.Phases = phases
	}

	return &Document{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Events:      events,
		Summary:     summary,
	}
}

// Write stores the document as indented JSON via a temp file rename, so a
// crash never leaves a half-written export behind.
func (d *Document) Write(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshal document: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return fmt.Errorf("export: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("export: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("export: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("export: rename: %w", err)
	}
	return nil
}
