package engine

import (
	"time"

	"github.com/ppiankov/traceloom/internal/model"
)

// SourceStats is the per-producer breakdown for attribution and
// effectiveness.
type SourceStats struct {
	Events    int `json:"events"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// KPISnapshot is the process-wide health aggregate. It is never mutated
// independently: Recompute derives it from the trace map plus the retired
// baselines, so any restart regenerates it purely from store replay.
type KPISnapshot struct {
	GeneratedAt       time.Time              `json:"generated_at"`
	ActiveTraces      int                    `json:"active_traces"`
	BlockedTraces     int                    `json:"blocked_traces"`
	SucceededInWindow int                    `json:"succeeded_in_window"`
	FailedInWindow    int                    `json:"failed_in_window"`
	TotalSucceeded    int                    `json:"total_succeeded"`
	TotalFailed       int                    `json:"total_failed"`
	LessonCount       int                    `json:"lesson_count"`
	AdviceActedRatio  float64                `json:"advice_acted_ratio"`
	PhaseHistogram    map[model.Phase]int    `json:"phase_histogram"`
	Sources           map[string]SourceStats `json:"sources"`
	ValidationGaps    int                    `json:"validation_gaps"`
	DegradedSources   map[string]string      `json:"degraded_sources,omitempty"`
}

// Recompute rebuilds the KPI aggregate with one O(active-traces) scan.
// Triggered after every applied batch, never against the full history.
func (e *Engine) Recompute(now time.Time) KPISnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	kpi := KPISnapshot{
		GeneratedAt:    now,
		TotalSucceeded: e.retiredSucceeded,
		TotalFailed:    e.retiredFailed,
		LessonCount:    e.retiredLessons,
		PhaseHistogram: make(map[model.Phase]int),
		Sources:        make(map[string]SourceStats, len(e.sources)),
		ValidationGaps: e.gaps,
	}

	for name, stats := range e.sources {
		kpi.Sources[name] = *stats
	}

	windowStart := now.Add(-e.window)
	advised, acted := 0, 0

	for _, tr := range e.traces {
		kpi.PhaseHistogram[tr.Phase]++

		switch tr.Status {
		case model.StatusBlocked:
			kpi.BlockedTraces++
			kpi.ActiveTraces++
		case model.StatusSuccess:
			kpi.TotalSucceeded++
			if done := tr.CompletedAt(); !done.Before(windowStart) {
				kpi.SucceededInWindow++
			}
			bumpSource(kpi.Sources, tr, true)
		case model.StatusFail:
			kpi.TotalFailed++
			if done := tr.CompletedAt(); !done.Before(windowStart) {
				kpi.FailedInWindow++
			}
			bumpSource(kpi.Sources, tr, false)
		default:
			kpi.ActiveTraces++
		}

		if tr.Lesson != "" {
			kpi.LessonCount++
		}
		if e.advisory[tr.FragmentSources["intent"]] {
			advised++
			if tr.Action != "" {
				acted++
			}
		}
	}

	if advised > 0 {
		kpi.AdviceActedRatio = float64(acted) / float64(advised)
	}

	if len(e.degraded) > 0 {
		kpi.DegradedSources = make(map[string]string, len(e.degraded))
		for s, reason := range e.degraded {
			kpi.DegradedSources[s] = reason
		}
	}

	e.kpi = kpi
	return kpi
}

// bumpSource attributes a completed trace to the source that supplied the
// winning outcome fragment.
func bumpSource(sources map[string]SourceStats, tr *model.ActiveTrace, success bool) {
	src := tr.FragmentSources["outcome"]
	if src == "" {
		return
	}
	stats := sources[src]
	if success {
		stats.Succeeded++
	} else {
		stats.Failed++
	}
	sources[src] = stats
}
