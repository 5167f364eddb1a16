// Package model defines the canonical trace event shape and the derived
// per-trace state. All fields are concrete types (no map[string]any) to
// guarantee deterministic json.Marshal output for the append-only log.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// TimestampFormat is the layout used for timestamps written to the log.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ClearMarker in a fragment field explicitly empties the accumulated value.
// A later non-empty value overwrites; only the marker clears.
const ClearMarker = "-"

// TraceEvent is one immutable observed occurrence for a unit of work.
type TraceEvent struct {
	TraceID   string    `json:"trace_id"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Intent    string    `json:"intent,omitempty"`
	Action    string    `json:"action,omitempty"`
	Evidence  string    `json:"evidence,omitempty"`
	Status    Phase     `json:"status"`
	Outcome   string    `json:"outcome,omitempty"`
	Lesson    string    `json:"lesson,omitempty"`
	Source    string    `json:"source"`
}

// wireEvent mirrors TraceEvent but defers timestamp decoding, since
// producers send either an epoch number or an ISO string.
type wireEvent struct {
	TraceID   string          `json:"trace_id"`
	EventID   string          `json:"event_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Intent    string          `json:"intent"`
	Action    string          `json:"action"`
	Evidence  string          `json:"evidence"`
	Status    string          `json:"status"`
	Outcome   string          `json:"outcome"`
	Lesson    string          `json:"lesson"`
	Source    string          `json:"source"`
}

// MarshalJSON emits the wire shape with the timestamp as an ISO string.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	type alias TraceEvent
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(e),
		Timestamp: e.Timestamp.UTC().Format(TimestampFormat),
	})
}

// UnmarshalJSON accepts the wire shape defined in the event schema:
// timestamp as epoch seconds (fractional allowed) or an ISO string.
func (e *TraceEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: decode event: %w", err)
	}

	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}

	phase, err := ParsePhase(w.Status)
	if err != nil {
		return err
	}

	*e = TraceEvent{
		TraceID:   w.TraceID,
		EventID:   w.EventID,
		Timestamp: ts,
		Intent:    w.Intent,
		Action:    w.Action,
		Evidence:  w.Evidence,
		Status:    phase,
		Outcome:   w.Outcome,
		Lesson:    w.Lesson,
		Source:    w.Source,
	}
	return nil
}

// ParseTimestamp decodes a wire timestamp: a JSON number is epoch seconds
// (fractional part carries sub-second precision), a JSON string is ISO 8601.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("model: timestamp missing")
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		if epoch <= 0 || math.IsNaN(epoch) || math.IsInf(epoch, 0) {
			return time.Time{}, fmt.Errorf("model: timestamp %v out of range", epoch)
		}
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("model: timestamp is neither number nor string: %s", raw)
	}
	for _, layout := range []string{TimestampFormat, time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("model: unparseable timestamp %q", s)
}

// Validate reports whether the event carries the fields every consumer
// depends on. The collector assigns event IDs before this boundary, so a
// missing one here is a producer bug, not an expected condition.
func (e *TraceEvent) Validate() error {
	if strings.TrimSpace(e.TraceID) == "" {
		return fmt.Errorf("model: event missing trace_id")
	}
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("model: event missing event_id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("model: event missing timestamp")
	}
	if e.Status == "" {
		return fmt.Errorf("model: event missing status")
	}
	return nil
}

// Encode marshals the event as a single log line (no trailing newline).
func (e TraceEvent) Encode() ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("model: marshal event: %w", err)
	}
	return line, nil
}

// DecodeEvent parses one log line into a validated TraceEvent.
func DecodeEvent(line []byte) (TraceEvent, error) {
	var e TraceEvent
	if err := json.Unmarshal(line, &e); err != nil {
		return TraceEvent{}, err
	}
	if err := e.Validate(); err != nil {
		return TraceEvent{}, err
	}
	return e, nil
}
