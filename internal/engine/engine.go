// Package engine reconciles canonical trace events into one authoritative
// state machine per trace ID and keeps the derived KPI aggregates. The
// trace map is mutated only by the poll-cycle goroutine; concurrent
// readers get copy-on-read snapshots.
package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/traceloom/internal/model"
)

// Config tunes the engine.
type Config struct {
	// AdvisorySources names the producers whose intent fragments count as
	// advice for the advice-acted ratio.
	AdvisorySources []string
	// KPIWindow is the rolling window for completed-trace counts.
	KPIWindow time.Duration
	// TraceRetention is how long a terminal trace stays in memory before
	// it is retired to history only. Must be at least KPIWindow or the
	// windowed counts would undercount; Config validation enforces this.
	TraceRetention time.Duration
	Logger         *slog.Logger
}

// Engine owns the active trace map and the rolling KPI aggregate.
type Engine struct {
	mu       sync.RWMutex
	traces   map[string]*model.ActiveTrace
	advisory map[string]bool
	window   time.Duration
	retain   time.Duration
	logger   *slog.Logger

	// Lifetime counters folded in when traces retire from memory, so the
	// KPI stays a pure function of the applied history.
	retiredSucceeded int
	retiredFailed    int
	retiredLessons   int

	sources  map[string]*SourceStats
	gaps     int
	degraded map[string]string

	kpi KPISnapshot
}

// New creates an engine with an empty trace map.
func New(cfg Config) *Engine {
	if cfg.KPIWindow <= 0 {
		cfg.KPIWindow = time.Hour
	}
	if cfg.TraceRetention < cfg.KPIWindow {
		cfg.TraceRetention = cfg.KPIWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	advisory := make(map[string]bool, len(cfg.AdvisorySources))
	for _, s := range cfg.AdvisorySources {
		advisory[s] = true
	}

	return &Engine{
		traces:   make(map[string]*model.ActiveTrace),
		advisory: advisory,
		window:   cfg.KPIWindow,
		retain:   cfg.TraceRetention,
		logger:   logger,
		sources:  make(map[string]*SourceStats),
		degraded: make(map[string]string),
	}
}

// Apply folds one event into its trace. A duplicate event ID is a strict
// no-op; an event proposing a phase behind the current one merges fields
// without regressing the phase. Returns whether the event changed state.
func (e *Engine) Apply(ev model.TraceEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		e.mu.Lock()
		e.gaps++
		e.mu.Unlock()
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.traces[ev.TraceID]
	if !ok {
		tr = model.NewActiveTrace(ev.TraceID, ev.Timestamp)
		e.traces[ev.TraceID] = tr
	}

	if tr.Seen(ev.EventID) {
		return false, nil
	}

	e.advance(tr, ev)
	tr.MergeFragments(ev)
	tr.Status = e.deriveStatus(tr)
	tr.MarkApplied(ev.EventID)

	stats := e.sources[ev.Source]
	if stats == nil {
		stats = &SourceStats{}
		e.sources[ev.Source] = stats
	}
	stats.Events++

	return true, nil
}

// advance applies the phase-transition rule against the DAG.
func (e *Engine) advance(tr *model.ActiveTrace, ev model.TraceEvent) {
	target := ev.Status
	current := tr.Phase

	switch {
	case target == current:
		// Idempotent re-apply; fields merge, phase unchanged.

	case target == model.PhaseBlocked:
		if current.Terminal() {
			return
		}
		tr.ResumePhase = current
		tr.RecordTransition(model.PhaseBlocked, ev.Timestamp)

	case current == model.PhaseBlocked:
		resume := tr.ResumePhase
		if resume == "" {
			resume = model.PhaseIdle
		}
		if target == resume || model.Reachable(resume, target) {
			tr.ResumePhase = ""
			tr.RecordTransition(target, ev.Timestamp)
		}
		// A target behind the pre-block phase merges fields only; the
		// trace stays blocked.

	case model.Reachable(current, target):
		tr.RecordTransition(target, ev.Timestamp)

	default:
		// Behind the current phase: out-of-order delivery. Recorded via
		// the fragment merge, never a regression.
	}
}

// deriveStatus recomputes the trace's standing from its phase and merged
// outcome. Called after every merge so a late outcome rewrite at COMPLETE
// reclassifies the trace.
func (e *Engine) deriveStatus(tr *model.ActiveTrace) model.TraceStatus {
	switch {
	case tr.Phase == model.PhaseBlocked:
		return model.StatusBlocked
	case tr.Phase == model.PhaseComplete:
		if ClassifyOutcome(tr.Outcome) {
			return model.StatusSuccess
		}
		return model.StatusFail
	case tr.Phase.Rank() >= model.PhaseExecuting.Rank():
		return model.StatusRunning
	default:
		return model.StatusPending
	}
}

// NoteGaps folds validation gaps detected upstream (collector boundary)
// into the KPI counter.
func (e *Engine) NoteGaps(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.gaps += n
	e.mu.Unlock()
}

// SetDegraded marks a source as unavailable this cycle; ClearDegraded
// removes the indicator once the source recovers.
func (e *Engine) SetDegraded(source, reason string) {
	e.mu.Lock()
	e.degraded[source] = reason
	e.mu.Unlock()
}

// ClearDegraded removes a source's degraded indicator.
func (e *Engine) ClearDegraded(source string) {
	e.mu.Lock()
	delete(e.degraded, source)
	e.mu.Unlock()
}

// Retire drops terminal traces whose last update aged past the retention
// window. Their final standing folds into the lifetime counters; the full
// history stays in the store.
func (e *Engine) Retire(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	retired := 0
	for id, tr := range e.traces {
		if !tr.Phase.Terminal() {
			continue
		}
		if now.Sub(tr.LastUpdatedAt) < e.retain {
			continue
		}
		switch tr.Status {
		case model.StatusSuccess:
			e.retiredSucceeded++
		case model.StatusFail:
			e.retiredFailed++
		}
		if tr.Lesson != "" {
			e.retiredLessons++
		}
		if stats := e.sources[tr.FragmentSources["outcome"]]; stats != nil {
			// Outcome attribution survives retirement for effectiveness stats.
			if tr.Status == model.StatusSuccess {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
		}
		delete(e.traces, id)
		retired++
	}
	return retired
}

// Trace returns a copy of one trace's state, or nil if unknown/retired.
func (e *Engine) Trace(traceID string) *model.ActiveTrace {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if tr, ok := e.traces[traceID]; ok {
		return tr.Clone()
	}
	return nil
}

// Snapshot returns the current KPI aggregate plus copies of every active
// trace, ordered by creation time. Safe for concurrent callers.
func (e *Engine) Snapshot() *StateSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	traces := make([]*model.ActiveTrace, 0, len(e.traces))
	for _, tr := range e.traces {
		traces = append(traces, tr.Clone())
	}
	sort.Slice(traces, func(i, j int) bool {
		if traces[i].CreatedAt.Equal(traces[j].CreatedAt) {
			return traces[i].TraceID < traces[j].TraceID
		}
		return traces[i].CreatedAt.Before(traces[j].CreatedAt)
	})

	return &StateSnapshot{
		KPI:    e.kpi,
		Traces: traces,
	}
}

// StateSnapshot is the consistent read handed to the API and CLI.
type StateSnapshot struct {
	KPI    KPISnapshot          `json:"kpi"`
	Traces []*model.ActiveTrace `json:"traces"`
}

// persistedState is the cold-start snapshot blob written via the store.
// Applied-event sets are not serialized; the durable dedupe index filters
// duplicates before they reach the engine after a restart.
type persistedState struct {
	AsOf             time.Time                     `json:"as_of"`
	Traces           map[string]*model.ActiveTrace `json:"traces"`
	RetiredSucceeded int                           `json:"retired_succeeded"`
	RetiredFailed    int                           `json:"retired_failed"`
	RetiredLessons   int                           `json:"retired_lessons"`
	Sources          map[string]*SourceStats       `json:"sources"`
	Gaps             int                           `json:"gaps"`
}

// MarshalState serializes engine state for a periodic snapshot.
func (e *Engine) MarshalState(asOf time.Time) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state := persistedState{
		AsOf:             asOf,
		Traces:           make(map[string]*model.ActiveTrace, len(e.traces)),
		RetiredSucceeded: e.retiredSucceeded,
		RetiredFailed:    e.retiredFailed,
		RetiredLessons:   e.retiredLessons,
		Sources:          e.sources,
		Gaps:             e.gaps,
	}
	for id, tr := range e.traces {
		state.Traces[id] = tr
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal state: %w", err)
	}
	return data, nil
}

// RestoreState loads a snapshot blob written by MarshalState. Events after
// the snapshot's logical time are replayed on top by the daemon.
func (e *Engine) RestoreState(data []byte) (time.Time, error) {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return time.Time{}, fmt.Errorf("engine: restore state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.traces = make(map[string]*model.ActiveTrace, len(state.Traces))
	for id, tr := range state.Traces {
		e.traces[id] = tr
	}
	e.retiredSucceeded = state.RetiredSucceeded
	e.retiredFailed = state.RetiredFailed
	e.retiredLessons = state.RetiredLessons
	if state.Sources != nil {
		e.sources = state.Sources
	}
	e.gaps = state.Gaps
	return state.AsOf, nil
}
