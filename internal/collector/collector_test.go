package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/traceloom/internal/checkpoint"
)

type fakeSource struct {
	name    string
	records []RawRecord
	next    string
	err     error
	block   bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Poll(ctx context.Context, cursor string) ([]RawRecord, string, error) {
	if f.block {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.records, f.next, nil
}

func canonicalPayload(source, traceID, eventID, ts string) RawRecord {
	data := fmt.Sprintf(`{"trace_id":%q,"event_id":%q,"timestamp":%q,"status":"executing","action":"do"}`, traceID, eventID, ts)
	return RawRecord{Source: source, Data: []byte(data)}
}

func newTestCollector(t *testing.T, sources ...Source) (*Collector, *checkpoint.Store, string) {
	t.Helper()
	dir := t.TempDir()
	cp, err := checkpoint.Open(dir)
	if err != nil {
		t.Fatalf("open checkpoints: %v", err)
	}
	t.Cleanup(func() { cp.Close() })
	c := New(Config{
		Sources:       sources,
		Checkpoints:   cp,
		DeadLetter:    NewDeadLetter(filepath.Join(dir, "deadletter.jsonl")),
		SourceTimeout: 200 * time.Millisecond,
	})
	return c, cp, dir
}

func TestPollMergesAndSorts(t *testing.T) {
	a := &fakeSource{name: "a", next: "5", records: []RawRecord{
		canonicalPayload("a", "t-1", "e-late", "2026-03-01T10:00:02.000Z"),
	}}
	b := &fakeSource{name: "b", next: "9", records: []RawRecord{
		canonicalPayload("b", "t-1", "e-early", "2026-03-01T10:00:01.000Z"),
	}}
	c, _, _ := newTestCollector(t, a, b)

	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(batch.Events))
	}
	if batch.Events[0].EventID != "e-early" || batch.Events[1].EventID != "e-late" {
		t.Fatalf("events out of order: %q then %q", batch.Events[0].EventID, batch.Events[1].EventID)
	}
	if batch.Cursors["a"] != "5" || batch.Cursors["b"] != "9" {
		t.Fatalf("cursors = %v", batch.Cursors)
	}
	if len(batch.Degraded) != 0 {
		t.Fatalf("unexpected degradation: %v", batch.Degraded)
	}
}

func TestPollSourceFailureIsolated(t *testing.T) {
	good := &fakeSource{name: "good", next: "1", records: []RawRecord{
		canonicalPayload("good", "t-1", "e-1", "2026-03-01T10:00:00.000Z"),
	}}
	bad := &fakeSource{name: "bad", err: errors.New("connection refused")}
	c, _, _ := newTestCollector(t, good, bad)

	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("healthy source's events lost: %d", len(batch.Events))
	}
	if _, ok := batch.Degraded["bad"]; !ok {
		t.Fatalf("failure not recorded: %v", batch.Degraded)
	}
	if _, ok := batch.Cursors["bad"]; ok {
		t.Fatal("failed source's cursor must not advance")
	}
}

func TestPollSlowSourceTimesOut(t *testing.T) {
	fast := &fakeSource{name: "fast", next: "1", records: []RawRecord{
		canonicalPayload("fast", "t-1", "e-1", "2026-03-01T10:00:00.000Z"),
	}}
	slow := &fakeSource{name: "slow", block: true}
	c, _, _ := newTestCollector(t, fast, slow)

	start := time.Now()
	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("poll did not respect the per-source timeout")
	}
	if len(batch.Events) != 1 {
		t.Fatalf("fast source starved: %d events", len(batch.Events))
	}
	if _, ok := batch.Degraded["slow"]; !ok {
		t.Fatalf("timeout not recorded: %v", batch.Degraded)
	}
}

func TestPollDedupesAfterCommit(t *testing.T) {
	src := &fakeSource{name: "a", next: "1", records: []RawRecord{
		canonicalPayload("a", "t-1", "e-1", "2026-03-01T10:00:00.000Z"),
	}}
	c, cp, _ := newTestCollector(t, src)

	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("first poll events = %d", len(batch.Events))
	}
	if err := c.Commit(batch); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Same records still visible behind the cursor: a redelivery.
	again, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(again.Events) != 0 {
		t.Fatalf("redelivered event not suppressed: %d events", len(again.Events))
	}

	cur, err := cp.Cursor("a")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur != "1" {
		t.Fatalf("cursor = %q, want %q", cur, "1")
	}
}

func TestPollDedupesWithinBatch(t *testing.T) {
	// Two sources relaying the same producer event.
	a := &fakeSource{name: "a", next: "1", records: []RawRecord{
		canonicalPayload("a", "t-1", "e-dup", "2026-03-01T10:00:00.000Z"),
	}}
	b := &fakeSource{name: "b", next: "1", records: []RawRecord{
		canonicalPayload("b", "t-1", "e-dup", "2026-03-01T10:00:00.000Z"),
	}}
	c, _, _ := newTestCollector(t, a, b)

	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("duplicate event ID applied twice: %d events", len(batch.Events))
	}
}

func TestPollDeadLettersUnknownShapes(t *testing.T) {
	src := &fakeSource{name: "a", next: "2", records: []RawRecord{
		{Source: "a", Data: []byte(`{"wat":"huh"}`)},
		canonicalPayload("a", "t-1", "e-1", "2026-03-01T10:00:00.000Z"),
	}}
	c, _, dir := newTestCollector(t, src)

	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 1 {
		t.Fatalf("good record lost alongside the bad one: %d events", len(batch.Events))
	}
	if batch.Gaps != 1 {
		t.Fatalf("gaps = %d, want 1", batch.Gaps)
	}
	if batch.Cursors["a"] != "2" {
		t.Fatal("lenient mode should still advance past the bad record")
	}

	data, err := os.ReadFile(filepath.Join(dir, "deadletter.jsonl"))
	if err != nil {
		t.Fatalf("read dead letter: %v", err)
	}
	if !strings.Contains(string(data), "wat") {
		t.Fatalf("rejected payload not preserved: %s", data)
	}
}

func TestPollStrictRejectsSourceBatch(t *testing.T) {
	src := &fakeSource{name: "a", next: "2", records: []RawRecord{
		canonicalPayload("a", "t-1", "e-1", "2026-03-01T10:00:00.000Z"),
		{Source: "a", Data: []byte(`{"wat":"huh"}`)},
	}}
	dir := t.TempDir()
	cp, err := checkpoint.Open(dir)
	if err != nil {
		t.Fatalf("open checkpoints: %v", err)
	}
	defer cp.Close()
	c := New(Config{
		Sources:     []Source{src},
		Checkpoints: cp,
		Strict:      true,
	})

	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Fatalf("strict mode delivered a partial batch: %d events", len(batch.Events))
	}
	if _, ok := batch.Cursors["a"]; ok {
		t.Fatal("strict mode must hold the cursor for a retry")
	}
	if _, ok := batch.Degraded["a"]; !ok {
		t.Fatalf("strict rejection not surfaced: %v", batch.Degraded)
	}
}

func TestSeedSeenSuppressesReplayedEvents(t *testing.T) {
	src := &fakeSource{name: "a", next: "1", records: []RawRecord{
		canonicalPayload("a", "t-1", "e-recovered", "2026-03-01T10:00:00.000Z"),
	}}
	c, _, _ := newTestCollector(t, src)

	if err := c.SeedSeen([]string{"e-recovered"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	batch, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch.Events) != 0 {
		t.Fatalf("replay-recovered event redelivered: %d events", len(batch.Events))
	}
}
