package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/traceloom/internal/model"
)

// ErrUnknownShape marks a payload matching none of the known source
// formats. Such payloads are dead-lettered, never field-guessed.
var ErrUnknownShape = errors.New("collector: unrecognized payload shape")

// The known producer formats form a tagged union at this boundary.
// Discrimination is by characteristic required fields, probed in order of
// specificity; canonical events win so producers can upgrade in place.
type jobPayload struct {
	JobID     string          `json:"job_id"`
	State     string          `json:"state"`
	Task      string          `json:"task"`
	Detail    string          `json:"detail"`
	Reason    string          `json:"reason"`
	UpdatedAt json.RawMessage `json:"updated_at"`
}

type advicePayload struct {
	AdviceID       string          `json:"advice_id"`
	Subject        string          `json:"subject"`
	Recommendation string          `json:"recommendation"`
	IssuedAt       json.RawMessage `json:"issued_at"`
}

type feedbackPayload struct {
	ReportID string          `json:"report_id"`
	Trace    string          `json:"trace"`
	Lesson   string          `json:"lesson"`
	Outcome  string          `json:"outcome"`
	Closed   bool            `json:"closed"`
	FiledAt  json.RawMessage `json:"filed_at"`
}

type heartbeatPayload struct {
	Worker  string          `json:"worker"`
	Trace   string          `json:"trace"`
	AliveAt json.RawMessage `json:"alive_at"`
}

// canonicalProbe detects an already-canonical event.
type canonicalProbe struct {
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

// Normalize maps one raw payload into the canonical event shape. A
// payload missing its required identity fields returns an error for the
// validation-gap counter; an unrecognizable shape returns ErrUnknownShape.
func Normalize(rec RawRecord) (model.TraceEvent, error) {
	data := rec.Data

	var probe canonicalProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return model.TraceEvent{}, fmt.Errorf("collector: %s payload is not JSON: %w", rec.Source, err)
	}

	if probe.Status != "" && probe.TraceID != "" {
		return normalizeCanonical(rec)
	}

	var job jobPayload
	if json.Unmarshal(data, &job) == nil && job.JobID != "" && job.State != "" {
		return normalizeJob(rec, job)
	}

	var advice advicePayload
	if json.Unmarshal(data, &advice) == nil && advice.AdviceID != "" && advice.Recommendation != "" {
		return normalizeAdvice(rec, advice)
	}

	var report feedbackPayload
	if json.Unmarshal(data, &report) == nil && report.ReportID != "" && report.Trace != "" {
		return normalizeFeedback(rec, report)
	}

	var hb heartbeatPayload
	if json.Unmarshal(data, &hb) == nil && hb.Worker != "" && hb.Trace != "" {
		return normalizeHeartbeat(rec, hb)
	}

	if probe.Status != "" && probe.TraceID == "" {
		// Looks canonical but lost its identity: a gap, not an unknown shape.
		return model.TraceEvent{}, fmt.Errorf("collector: %s event missing trace_id", rec.Source)
	}
	return model.TraceEvent{}, ErrUnknownShape
}

func normalizeCanonical(rec RawRecord) (model.TraceEvent, error) {
	var ev model.TraceEvent
	if err := json.Unmarshal(rec.Data, &ev); err != nil {
		return model.TraceEvent{}, err
	}
	if ev.Source == "" {
		ev.Source = rec.Source
	}
	if ev.EventID == "" {
		ev.EventID = DeterministicEventID(rec.Source, rec.Data, ev.Timestamp)
	}
	if err := ev.Validate(); err != nil {
		return model.TraceEvent{}, err
	}
	return ev, nil
}

func normalizeJob(rec RawRecord, job jobPayload) (model.TraceEvent, error) {
	ts := bestEffortTime(job.UpdatedAt)
	ev := model.TraceEvent{
		TraceID:   job.JobID,
		EventID:   DeterministicEventID(rec.Source, rec.Data, ts),
		Timestamp: ts,
		Source:    rec.Source,
	}
	switch strings.ToLower(job.State) {
	case "queued", "pending":
		ev.Status = model.PhaseIntent
		ev.Intent = job.Task
	case "running", "started":
		ev.Status = model.PhaseExecuting
		ev.Action = job.Task
	case "done", "completed":
		ev.Status = model.PhaseOutcome
		ev.Outcome = nonEmpty(job.Detail, "done")
	case "failed":
		ev.Status = model.PhaseOutcome
		ev.Outcome = "failed: " + nonEmpty(job.Reason, job.Detail)
	case "archived":
		ev.Status = model.PhaseComplete
		ev.Outcome = job.Detail
	case "blocked", "waiting":
		ev.Status = model.PhaseBlocked
		ev.Evidence = nonEmpty(job.Reason, job.Detail)
	default:
		return model.TraceEvent{}, fmt.Errorf("collector: %s job %s has unknown state %q", rec.Source, job.JobID, job.State)
	}
	return ev, ev.Validate()
}

func normalizeAdvice(rec RawRecord, advice advicePayload) (model.TraceEvent, error) {
	if advice.Subject == "" {
		return model.TraceEvent{}, fmt.Errorf("collector: %s advice %s missing subject trace", rec.Source, advice.AdviceID)
	}
	ts := bestEffortTime(advice.IssuedAt)
	ev := model.TraceEvent{
		TraceID:   advice.Subject,
		EventID:   DeterministicEventID(rec.Source, rec.Data, ts),
		Timestamp: ts,
		Status:    model.PhaseIntent,
		Intent:    advice.Recommendation,
		Source:    rec.Source,
	}
	return ev, ev.Validate()
}

func normalizeFeedback(rec RawRecord, report feedbackPayload) (model.TraceEvent, error) {
	ts := bestEffortTime(report.FiledAt)
	ev := model.TraceEvent{
		TraceID:   report.Trace,
		EventID:   DeterministicEventID(rec.Source, rec.Data, ts),
		Timestamp: ts,
		Status:    model.PhaseLesson,
		Lesson:    report.Lesson,
		Outcome:   report.Outcome,
		Source:    rec.Source,
	}
	if report.Closed {
		ev.Status = model.PhaseComplete
	}
	return ev, ev.Validate()
}

func normalizeHeartbeat(rec RawRecord, hb heartbeatPayload) (model.TraceEvent, error) {
	ts := bestEffortTime(hb.AliveAt)
	ev := model.TraceEvent{
		TraceID:   hb.Trace,
		EventID:   DeterministicEventID(rec.Source, rec.Data, ts),
		Timestamp: ts,
		Status:    model.PhaseExecuting,
		Evidence:  "worker " + hb.Worker + " alive",
		Source:    rec.Source,
	}
	return ev, ev.Validate()
}

// bestEffortTime parses a producer timestamp, falling back to a zero-
// nanosecond wall clock reading. The fallback keeps IDs deterministic per
// poll only; producers are expected to stamp their records.
func bestEffortTime(raw json.RawMessage) time.Time {
	if t, err := model.ParseTimestamp(raw); err == nil {
		return t
	}
	return time.Now().UTC().Truncate(time.Second)
}

func nonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
