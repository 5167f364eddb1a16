package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/traceloom/internal/model"
)

func newTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func testEvent(traceID, eventID string, ts time.Time) model.TraceEvent {
	return model.TraceEvent{
		TraceID:   traceID,
		EventID:   eventID,
		Timestamp: ts,
		Status:    model.PhaseExecuting,
		Evidence:  "tick",
		Source:    "jobs",
	}
}

func TestAppendReplayRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	var batch []model.TraceEvent
	for i := 0; i < 10; i++ {
		batch = append(batch, testEvent("t1", fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if err := s.Append(batch); err != nil {
		t.Fatalf("append: %v", err)
	}

	result, err := s.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 10 {
		t.Fatalf("replayed %d events, want 10", len(result.Events))
	}
	for i, ev := range result.Events {
		if ev.EventID != fmt.Sprintf("e%d", i) {
			t.Fatalf("event %d out of order: %s", i, ev.EventID)
		}
	}
}

func TestReplaySinceFiltersOldRecords(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		ev := testEvent("t1", fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.Append([]model.TraceEvent{ev}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	result, err := s.Replay(base.Add(3 * time.Minute))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 3 {
		t.Fatalf("replayed %d events, want 3", len(result.Events))
	}
	if result.Events[0].EventID != "e3" {
		t.Fatalf("first event = %s, want e3", result.Events[0].EventID)
	}
}

func TestTornTrailingRecordIsDiscarded(t *testing.T) {
	s, dir := newTestStore(t, Options{})
	ts := time.Now().UTC()
	if err := s.Append([]model.TraceEvent{testEvent("t1", "e-whole", ts)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	// Simulate a crash mid-write: a record with no newline terminator.
	active := filepath.Join(dir, "log", "active.jsonl")
	f, err := os.OpenFile(active, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open active: %v", err)
	}
	f.WriteString(`{"trace_id":"t1","event_id":"e-torn","timest`)
	f.Close()

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	result, err := s2.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].EventID != "e-whole" {
		t.Fatalf("torn record surfaced: %+v", result.Events)
	}
	if result.Skipped != 0 {
		t.Fatalf("torn record counted as skipped instead of truncated: %d", result.Skipped)
	}

	// New appends continue on a clean tail.
	if err := s2.Append([]model.TraceEvent{testEvent("t1", "e-after", ts.Add(time.Second))}); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	result, _ = s2.Replay(time.Time{})
	if len(result.Events) != 2 {
		t.Fatalf("replay after recovery = %d events, want 2", len(result.Events))
	}
}

func TestRotationLosesNothing(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxSize: 1})
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	const n = 50
	for i := 0; i < n; i++ {
		ev := testEvent("t1", fmt.Sprintf("e%03d", i), base.Add(time.Duration(i)*time.Second))
		if err := s.Append([]model.TraceEvent{ev}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i == n/2 {
			if _, err := s.Rotate(); err != nil {
				t.Fatalf("rotate: %v", err)
			}
		}
	}

	result, err := s.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != n {
		t.Fatalf("replayed %d events across rotation, want %d", len(result.Events), n)
	}
	seen := make(map[string]bool)
	prev := ""
	for _, ev := range result.Events {
		if seen[ev.EventID] {
			t.Fatalf("duplicate event %s after rotation", ev.EventID)
		}
		seen[ev.EventID] = true
		if ev.EventID < prev {
			t.Fatalf("order broken across archive boundary: %s after %s", ev.EventID, prev)
		}
		prev = ev.EventID
	}
	if result.ArchivesRead != 1 {
		t.Fatalf("expected 1 archive read, got %d", result.ArchivesRead)
	}
}

func TestRotateEmptyLogIsNoop(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	dest, err := s.Rotate()
	if err != nil {
		t.Fatalf("rotate empty: %v", err)
	}
	if dest != "" {
		t.Fatalf("empty rotation produced archive %s", dest)
	}
}

func TestCompactRemovesOnlyExpiredArchives(t *testing.T) {
	s, dir := newTestStore(t, Options{})
	ts := time.Now().UTC()

	if err := s.Append([]model.TraceEvent{testEvent("t1", "e-old", ts.Add(-time.Hour))}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Age the archive by renaming it past the horizon.
	arcDir := filepath.Join(dir, "log", "archive")
	entries, _ := os.ReadDir(arcDir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 archive, got %d", len(entries))
	}
	oldStamp := time.Now().UTC().Add(-48 * time.Hour).Format(archiveStampFormat)
	os.Rename(
		filepath.Join(arcDir, entries[0].Name()),
		filepath.Join(arcDir, oldStamp+".jsonl.gz"),
	)

	if err := s.Append([]model.TraceEvent{testEvent("t1", "e-new", ts)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("second rotate: %v", err)
	}

	removed, err := s.Compact(24 * time.Hour)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 1 {
		t.Fatalf("compacted %d archives, want 1", removed)
	}

	result, err := s.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay after compact: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].EventID != "e-new" {
		t.Fatalf("compaction touched live data: %+v", result.Events)
	}
}

func TestSecondWriterIsRejected(t *testing.T) {
	_, dir := newTestStore(t, Options{})
	if _, err := Open(dir, Options{}); err == nil {
		t.Fatal("second writer acquired the lock")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	if data, _, err := s.LatestSnapshot(); err != nil || data != nil {
		t.Fatalf("fresh store snapshot = (%v, %v), want (nil, nil)", data, err)
	}

	asOf := time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC)
	if err := s.WriteSnapshot(asOf, []byte(`{"traces":{}}`)); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, got, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if string(data) != `{"traces":{}}` || !got.Equal(asOf) {
		t.Fatalf("snapshot mismatch: %s at %v", data, got)
	}
}

func TestShouldRotateBySize(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxSize: 64})
	if s.ShouldRotate() {
		t.Fatal("empty log wants rotation")
	}
	if err := s.Append([]model.TraceEvent{testEvent("t1", "e1", time.Now().UTC())}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !s.ShouldRotate() {
		t.Fatalf("log of %d bytes should exceed 64-byte threshold", s.ActiveSize())
	}
}

func TestAppendRecoversClosedHandle(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ts := time.Now().UTC()
	if err := s.Append([]model.TraceEvent{testEvent("t1", "e1", ts)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A failed rotation can close the handle without reopening it.
	s.mu.Lock()
	s.file.Close()
	s.file = nil
	s.mu.Unlock()

	if err := s.Append([]model.TraceEvent{testEvent("t1", "e2", ts.Add(time.Second))}); err != nil {
		t.Fatalf("append after failed rotation: %v", err)
	}

	s.mu.Lock()
	s.file.Close()
	s.file = nil
	s.mu.Unlock()

	if _, err := s.Rotate(); err != nil {
		t.Fatalf("rotate after failed rotation: %v", err)
	}

	result, err := s.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("replayed %d events, want 2", len(result.Events))
	}
}

func TestFailedRotationKeepsLogUsable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind root")
	}
	s, dir := newTestStore(t, Options{})
	ts := time.Now().UTC()
	if err := s.Append([]model.TraceEvent{testEvent("t1", "e1", ts)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Removing the sealed log needs write permission on the log directory;
	// the archive directory keeps its own mode, so compression succeeds.
	logDir := filepath.Join(dir, "log")
	if err := os.Chmod(logDir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(logDir, 0o700) })

	if _, err := s.Rotate(); err == nil {
		t.Fatal("rotation succeeded with an undeletable active log")
	}

	// The sealed records must live in exactly one place or replay would
	// return them twice.
	entries, err := os.ReadDir(filepath.Join(logDir, "archive"))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed rotation left %d archives behind", len(entries))
	}

	os.Chmod(logDir, 0o700)
	if err := s.Append([]model.TraceEvent{testEvent("t1", "e2", ts.Add(time.Second))}); err != nil {
		t.Fatalf("append after failed rotation: %v", err)
	}
	result, err := s.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 2 || result.ArchivesRead != 0 {
		t.Fatalf("events=%d archives=%d, want 2 events from the active log only", len(result.Events), result.ArchivesRead)
	}

	if _, err := s.Rotate(); err != nil {
		t.Fatalf("retried rotation: %v", err)
	}
	result, _ = s.Replay(time.Time{})
	if len(result.Events) != 2 || result.ArchivesRead != 1 {
		t.Fatalf("events=%d archives=%d after retried rotation, want 2/1", len(result.Events), result.ArchivesRead)
	}
}

func TestReplaySinceSeesAheadOfClockRecords(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	future := time.Now().UTC().Add(2 * time.Hour)
	if err := s.Append([]model.TraceEvent{testEvent("t1", "e-ahead", future)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// The archive's rotation stamp predates the record's own timestamp;
	// a cutoff between the two must still find the record.
	result, err := s.Replay(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].EventID != "e-ahead" {
		t.Fatalf("skew-stamped record lost: %+v", result.Events)
	}
}
