package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/traceloom/internal/config"
	"github.com/ppiankov/traceloom/internal/model"
)

func testConfig(t *testing.T, sources ...config.SourceConfig) config.Config {
	t.Helper()
	return config.Config{
		DataDir:        t.TempDir(),
		PollInterval:   50 * time.Millisecond,
		SourceTimeout:  time.Second,
		LogLevel:       "info",
		Rotation:       config.RotationConfig{MaxSizeBytes: 64 << 20, MaxAge: 24 * time.Hour},
		Retention:      30 * 24 * time.Hour,
		KPIWindow:      24 * time.Hour,
		TraceRetention: 24 * time.Hour,
		Sources:        sources,
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func canonicalLine(traceID, eventID, status, ts string) string {
	return fmt.Sprintf(`{"trace_id":%q,"event_id":%q,"timestamp":%q,"status":%q,"action":"do"}`, traceID, eventID, ts, status)
}

func TestCyclePollsPersistsApplies(t *testing.T) {
	dropDir := t.TempDir()
	dropFile := filepath.Join(dropDir, "jobs.jsonl")
	cfg := testConfig(t, config.SourceConfig{Name: "jobs", Path: dropFile})

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.close()

	appendLine(t, dropFile, canonicalLine("t-1", "e-1", "executing", "2026-03-01T10:00:00.000Z"))
	if err := d.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	tr := d.engine.Trace("t-1")
	if tr == nil {
		t.Fatal("trace not materialized")
	}
	if tr.Phase != model.PhaseExecuting {
		t.Fatalf("phase = %q", tr.Phase)
	}

	// Durable: the event is in the log.
	result, err := d.store.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("persisted events = %d", len(result.Events))
	}
}

func TestCycleIsIdempotentAcrossPolls(t *testing.T) {
	dropFile := filepath.Join(t.TempDir(), "jobs.jsonl")
	cfg := testConfig(t, config.SourceConfig{Name: "jobs", Path: dropFile})

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.close()

	appendLine(t, dropFile, canonicalLine("t-1", "e-1", "executing", "2026-03-01T10:00:00.000Z"))
	for i := 0; i < 3; i++ {
		if err := d.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	result, err := d.store.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("event persisted %d times", len(result.Events))
	}
}

func TestColdStartRebuildsFromLog(t *testing.T) {
	dropFile := filepath.Join(t.TempDir(), "jobs.jsonl")
	cfg := testConfig(t, config.SourceConfig{Name: "jobs", Path: dropFile})

	d1, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d1.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	appendLine(t, dropFile, canonicalLine("t-1", "e-1", "executing", "2026-03-01T10:00:00.000Z"))
	appendLine(t, dropFile, canonicalLine("t-1", "e-2", "outcome", "2026-03-01T10:01:00.000Z"))
	if err := d1.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	want := d1.engine.Trace("t-1")
	d1.close()

	// Fresh process over the same data dir.
	d2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d2.open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.close()

	got := d2.engine.Trace("t-1")
	if got == nil {
		t.Fatal("trace lost across restart")
	}
	if got.Phase != want.Phase || got.Outcome != want.Outcome || got.Action != want.Action {
		t.Fatalf("restored trace differs: got %+v, want %+v", got, want)
	}

	// The replayed events must not re-apply from the drop file either.
	if err := d2.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	result, err := d2.store.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("events duplicated after restart: %d", len(result.Events))
	}
}

func TestColdStartUsesSnapshot(t *testing.T) {
	dropFile := filepath.Join(t.TempDir(), "jobs.jsonl")
	cfg := testConfig(t, config.SourceConfig{Name: "jobs", Path: dropFile})

	d1, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d1.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	appendLine(t, dropFile, canonicalLine("t-1", "e-1", "executing", "2026-03-01T10:00:00.000Z"))
	if err := d1.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if err := d1.writeSnapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	d1.close()

	d2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d2.open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.close()

	if tr := d2.engine.Trace("t-1"); tr == nil || tr.Phase != model.PhaseExecuting {
		t.Fatalf("snapshot restore lost the trace: %+v", tr)
	}
}

func TestReloadConfigAppliesTunables(t *testing.T) {
	dropFile := filepath.Join(t.TempDir(), "jobs.jsonl")
	cfg := testConfig(t, config.SourceConfig{Name: "jobs", Path: dropFile})

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	updated := "poll_interval: 1s\nstrict: true\nrotation:\n  max_size_bytes: 123\n  max_age: 1h\n"
	if err := os.WriteFile(cfgPath, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Path = cfgPath

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.close()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	d.reloadConfig(ticker)

	if !d.cfg.Strict {
		t.Fatal("strict mode not applied")
	}
	if d.cfg.PollInterval != time.Second {
		t.Fatalf("poll interval = %v", d.cfg.PollInterval)
	}
	if d.cfg.Rotation.MaxSizeBytes != 123 || d.cfg.Rotation.MaxAge != time.Hour {
		t.Fatalf("rotation = %+v", d.cfg.Rotation)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen = "" // no API for this test

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}
}
