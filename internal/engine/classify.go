package engine

import "strings"

// Outcome classification uses a small controlled vocabulary rather than
// free-text heuristics. Failure markers always win: a completed trace is a
// success exactly when its merged outcome carries no failure marker. An
// empty outcome at COMPLETE therefore classifies as success — completion
// with no reported failure is a positive result.
var failureMarkers = []string{
	"fail", "failed", "failure", "error", "errored",
	"abort", "aborted", "timeout", "timed out",
	"denied", "rejected", "crashed", "panic",
}

var successMarkers = []string{
	"success", "succeeded", "ok", "done", "passed", "resolved", "fixed",
}

// ClassifyOutcome reports whether an outcome text indicates a positive
// result.
func ClassifyOutcome(outcome string) bool {
	text := strings.ToLower(outcome)
	for _, m := range failureMarkers {
		if containsWord(text, m) {
			return false
		}
	}
	return true
}

// HasSuccessMarker reports an explicit positive marker; used for display,
// never for classification (absence of failure already suffices).
func HasSuccessMarker(outcome string) bool {
	text := strings.ToLower(outcome)
	for _, m := range successMarkers {
		if containsWord(text, m) {
			return true
		}
	}
	return false
}

// containsWord matches marker as a whole word so "unfailing prose" in an
// outcome does not flip a classification.
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		before := start == 0 || !isWordByte(text[start-1])
		after := end == len(text) || !isWordByte(text[end])
		if before && after {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
