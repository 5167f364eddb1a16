package model

import "time"

// TraceStatus is the derived standing of a trace, fed by phase and outcome
// classification.
type TraceStatus string

const (
	StatusPending TraceStatus = "pending"
	StatusRunning TraceStatus = "running"
	StatusSuccess TraceStatus = "success"
	StatusFail    TraceStatus = "fail"
	StatusBlocked TraceStatus = "blocked"
)

// PhaseTransition records one advance of a trace's phase, ordered by
// application. Duration KPIs are computed from consecutive pairs.
type PhaseTransition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// ActiveTrace is the reconciled, mutable state for one unit of work. It is
// owned exclusively by the engine's poll-cycle goroutine; readers get copies.
type ActiveTrace struct {
	TraceID       string            `json:"trace_id"`
	Phase         Phase             `json:"phase"`
	ResumePhase   Phase             `json:"resume_phase,omitempty"` // phase BLOCKED was entered from
	Status        TraceStatus       `json:"status"`
	Intent        string            `json:"intent,omitempty"`
	Action        string            `json:"action,omitempty"`
	Evidence      string            `json:"evidence,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	Lesson        string            `json:"lesson,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	Transitions   []PhaseTransition `json:"transitions"`
	Sources       []string          `json:"sources,omitempty"`
	// FragmentSources maps fragment name to the source whose value won the
	// merge. Feeds per-source effectiveness and the advice-acted ratio.
	FragmentSources map[string]string `json:"fragment_sources,omitempty"`

	// applied holds event IDs already folded into this trace so a duplicate
	// delivery is a strict no-op. Not serialized: snapshots are paired with
	// the durable dedupe index.
	applied map[string]bool
}

// NewActiveTrace creates a trace at IDLE, before its first event applies.
func NewActiveTrace(traceID string, at time.Time) *ActiveTrace {
	return &ActiveTrace{
		TraceID:         traceID,
		Phase:           PhaseIdle,
		Status:          StatusPending,
		CreatedAt:       at,
		LastUpdatedAt:   at,
		FragmentSources: make(map[string]string),
		applied:         make(map[string]bool),
	}
}

// Seen reports whether an event ID has already been applied to this trace.
func (t *ActiveTrace) Seen(eventID string) bool {
	return t.applied[eventID]
}

// MarkApplied records an event ID as folded in.
func (t *ActiveTrace) MarkApplied(eventID string) {
	if t.applied == nil {
		t.applied = make(map[string]bool)
	}
	t.applied[eventID] = true
}

// HasSource reports whether the named producer has contributed to this trace.
func (t *ActiveTrace) HasSource(source string) bool {
	for _, s := range t.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// MergeFragments folds the event's free-text fragments into the trace.
// A later non-empty value overwrites; the clear marker empties the field.
// Phase is untouched, so late out-of-order events preserve information
// without regressing state.
func (t *ActiveTrace) MergeFragments(ev TraceEvent) {
	merge := func(cur *string, val, name string) {
		switch val {
		case "":
		case ClearMarker:
			*cur = ""
			delete(t.FragmentSources, name)
		default:
			*cur = val
			if t.FragmentSources == nil {
				t.FragmentSources = make(map[string]string)
			}
			t.FragmentSources[name] = ev.Source
		}
	}
	merge(&t.Intent, ev.Intent, "intent")
	merge(&t.Action, ev.Action, "action")
	merge(&t.Evidence, ev.Evidence, "evidence")
	merge(&t.Outcome, ev.Outcome, "outcome")
	merge(&t.Lesson, ev.Lesson, "lesson")

	if ev.Source != "" && !t.HasSource(ev.Source) {
		t.Sources = append(t.Sources, ev.Source)
	}
	if ev.Timestamp.After(t.LastUpdatedAt) {
		t.LastUpdatedAt = ev.Timestamp
	}
}

// RecordTransition appends a phase change to the ordered transition history
// and moves the trace to the new phase.
func (t *ActiveTrace) RecordTransition(to Phase, at time.Time) {
	t.Phase = to
	t.Transitions = append(t.Transitions, PhaseTransition{Phase: to, At: at})
}

// CompletedAt returns the time the trace reached COMPLETE, or zero.
func (t *ActiveTrace) CompletedAt() time.Time {
	for i := len(t.Transitions) - 1; i >= 0; i-- {
		if t.Transitions[i].Phase == PhaseComplete {
			return t.Transitions[i].At
		}
	}
	return time.Time{}
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (t *ActiveTrace) Clone() *ActiveTrace {
	cp := *t
	cp.Transitions = append([]PhaseTransition(nil), t.Transitions...)
	cp.Sources = append([]string(nil), t.Sources...)
	cp.FragmentSources = make(map[string]string, len(t.FragmentSources))
	for k, v := range t.FragmentSources {
		cp.FragmentSources[k] = v
	}
	cp.applied = nil
	return &cp
}
