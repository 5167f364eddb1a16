package model

import "fmt"

// Phase is a trace's position in the intent→action→evidence→outcome→lesson
// lifecycle. Phases form a directed acyclic progression with one side branch:
// BLOCKED is reachable from any non-terminal phase and resumes back to the
// phase it was entered from.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseIntent    Phase = "intent"
	PhaseAction    Phase = "action"
	PhaseExecuting Phase = "executing"
	PhaseEvidence  Phase = "evidence"
	PhaseOutcome   Phase = "outcome"
	PhaseLesson    Phase = "lesson"
	PhaseBlocked   Phase = "blocked"
	PhaseComplete  Phase = "complete"
)

// phaseRank orders the main progression. BLOCKED has no rank; it sits
// outside the DAG and is handled explicitly.
var phaseRank = map[Phase]int{
	PhaseIdle:      0,
	PhaseIntent:    1,
	PhaseAction:    2,
	PhaseExecuting: 3,
	PhaseEvidence:  4,
	PhaseOutcome:   5,
	PhaseLesson:    6,
	PhaseComplete:  7,
}

// wirePhases is the closed set producers may put in the status field.
// IDLE is an engine-internal initial phase and never appears on the wire.
var wirePhases = map[Phase]bool{
	PhaseIntent:    true,
	PhaseAction:    true,
	PhaseExecuting: true,
	PhaseEvidence:  true,
	PhaseOutcome:   true,
	PhaseLesson:    true,
	PhaseBlocked:   true,
	PhaseComplete:  true,
}

// ParsePhase validates a wire status label.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !wirePhases[p] {
		return "", fmt.Errorf("model: unknown status %q", s)
	}
	return p, nil
}

// Terminal reports whether the phase ends the trace's active life.
func (p Phase) Terminal() bool {
	return p == PhaseComplete
}

// Rank returns the phase's position in the main progression, or -1 for
// BLOCKED and unknown labels.
func (p Phase) Rank() int {
	if r, ok := phaseRank[p]; ok {
		return r
	}
	return -1
}

// Reachable reports whether a trace at phase from may advance to phase to.
// Forward moves along the progression are allowed (skipping intermediate
// phases tolerates producers that only emit coarse milestones). BLOCKED is
// always reachable from a non-terminal phase. Backward moves are not.
func Reachable(from, to Phase) bool {
	if to == PhaseBlocked {
		return !from.Terminal()
	}
	if from == PhaseBlocked {
		// Resume is decided against the pre-block phase by the engine.
		return false
	}
	fr, tr := from.Rank(), to.Rank()
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}
