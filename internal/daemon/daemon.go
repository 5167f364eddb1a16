// Package daemon runs the ingest pipeline: poll sources, persist events,
// advance trace state, and keep the log healthy in the background.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ppiankov/traceloom/internal/api"
	"github.com/ppiankov/traceloom/internal/checkpoint"
	"github.com/ppiankov/traceloom/internal/collector"
	"github.com/ppiankov/traceloom/internal/config"
	"github.com/ppiankov/traceloom/internal/engine"
	"github.com/ppiankov/traceloom/internal/store"
)

const (
	appendRetries    = 3
	appendBackoff    = 250 * time.Millisecond
	shutdownDeadline = 5 * time.Second
)

// Daemon owns the full pipeline for one data directory.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	store       *store.Store
	checkpoints *checkpoint.Store
	engine      *engine.Engine
	collector   *collector.Collector
}

// New validates configuration and assembles an unstarted daemon.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, logger: logger}, nil
}

// open builds the pipeline against the data directory and replays the
// log into the engine.
func (d *Daemon) open() error {
	st, err := store.Open(d.cfg.DataDir, store.Options{
		MaxSize: d.cfg.Rotation.MaxSizeBytes,
		MaxAge:  d.cfg.Rotation.MaxAge,
		Logger:  d.logger,
	})
	if err != nil {
		return fmt.Errorf("daemon: open store: %w", err)
	}
	d.store = st

	cp, err := checkpoint.Open(d.cfg.DataDir)
	if err != nil {
		st.Close()
		return fmt.Errorf("daemon: open checkpoints: %w", err)
	}
	d.checkpoints = cp

	d.engine = engine.New(engine.Config{
		AdvisorySources: d.cfg.AdvisorySources(),
		KPIWindow:       d.cfg.KPIWindow,
		TraceRetention:  d.cfg.TraceRetention,
		Logger:          d.logger,
	})

	sources := make([]collector.Source, 0, len(d.cfg.Sources))
	for _, src := range d.cfg.Sources {
		sources = append(sources, collector.NewFileSource(src.Name, src.Path))
	}
	d.collector = collector.New(collector.Config{
		Sources:       sources,
		Checkpoints:   cp,
		DeadLetter:    collector.NewDeadLetter(filepath.Join(d.cfg.DataDir, "deadletter.jsonl")),
		SourceTimeout: d.cfg.SourceTimeout,
		Strict:        d.cfg.Strict,
		Logger:        d.logger,
	})

	if err := d.coldStart(); err != nil {
		cp.Close()
		st.Close()
		return fmt.Errorf("daemon: cold start: %w", err)
	}
	return nil
}

func (d *Daemon) close() {
	d.checkpoints.Close()
	d.store.Close()
}

// Run blocks until ctx is cancelled. Startup replays the log into the
// engine; shutdown finishes the in-flight cycle, snapshots, and releases
// the writer lock.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.open(); err != nil {
		return err
	}
	defer d.close()

	sched := d.startMaintenance()
	defer func() { <-sched.Stop().Done() }()

	var apiServer *http.Server
	if d.cfg.Listen != "" {
		apiServer = d.startAPI()
		defer d.stopAPI(apiServer)
	}

	reloads := d.startConfigWatcher(ctx)

	d.logger.Info("daemon started",
		"data_dir", d.cfg.DataDir,
		"sources", len(d.cfg.Sources),
		"poll_interval", d.cfg.PollInterval)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-reloads:
			d.reloadConfig(ticker)
		case <-ticker.C:
			if err := d.Cycle(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				d.logger.Error("cycle failed", "error", err)
			}
		}
	}
}

// startConfigWatcher begins watching the config file when one exists. The
// returned channel never delivers if watching is unavailable.
func (d *Daemon) startConfigWatcher(ctx context.Context) <-chan config.ReloadEvent {
	if d.cfg.Path == "" {
		return nil
	}
	if _, err := os.Stat(d.cfg.Path); err != nil {
		return nil
	}
	w := config.NewWatcher(d.cfg.Path, d.logger)
	if err := w.Start(ctx); err != nil {
		d.logger.Warn("config watch unavailable", "error", err)
		return nil
	}
	return w.Events()
}

// reloadConfig re-reads the config file and applies the tunable knobs:
// poll interval, strict mode, rotation thresholds. Source registrations
// and the data directory require a restart.
func (d *Daemon) reloadConfig(ticker *time.Ticker) {
	cfg, err := config.Load(d.cfg.Path)
	if err != nil {
		d.logger.Error("config reload rejected", "error", err)
		return
	}

	if cfg.PollInterval != d.cfg.PollInterval {
		ticker.Reset(cfg.PollInterval)
		d.logger.Info("poll interval updated", "interval", cfg.PollInterval)
	}
	if cfg.Strict != d.cfg.Strict {
		d.collector.SetStrict(cfg.Strict)
		d.logger.Info("strict mode updated", "strict", cfg.Strict)
	}
	if cfg.Rotation != d.cfg.Rotation {
		d.store.SetRotation(cfg.Rotation.MaxSizeBytes, cfg.Rotation.MaxAge)
		d.logger.Info("rotation thresholds updated",
			"max_size_bytes", cfg.Rotation.MaxSizeBytes,
			"max_age", cfg.Rotation.MaxAge)
	}

	d.cfg.PollInterval = cfg.PollInterval
	d.cfg.Strict = cfg.Strict
	d.cfg.Rotation = cfg.Rotation
	d.cfg.Retention = cfg.Retention
}

// Cycle performs one poll-persist-apply pass. Cursors and the dedupe
// index advance only after the events are durable, so a crash between
// append and commit redelivers events the engine then ignores.
func (d *Daemon) Cycle(ctx context.Context) error {
	batch, err := d.collector.Poll(ctx)
	if err != nil {
		return err
	}

	d.engine.NoteGaps(batch.Gaps)
	for source, reason := range batch.Degraded {
		d.engine.SetDegraded(source, reason)
	}
	for _, source := range batch.Healthy {
		d.engine.ClearDegraded(source)
	}

	if len(batch.Events) > 0 {
		if err := d.appendWithRetry(ctx, batch); err != nil {
			return err
		}
		for _, ev := range batch.Events {
			if _, err := d.engine.Apply(ev); err != nil {
				d.logger.Warn("event rejected", "event_id", ev.EventID, "error", err)
			}
		}
	}

	if err := d.collector.Commit(batch); err != nil {
		return fmt.Errorf("commit checkpoints: %w", err)
	}

	d.engine.Recompute(time.Now().UTC())

	if len(batch.Events) > 0 {
		d.logger.Debug("cycle complete", "events", len(batch.Events), "gaps", batch.Gaps)
	}
	return nil
}

func (d *Daemon) appendWithRetry(ctx context.Context, batch *collector.Batch) error {
	backoff := appendBackoff
	var err error
	for attempt := 1; attempt <= appendRetries; attempt++ {
		if err = d.store.Append(batch.Events); err == nil {
			return nil
		}
		d.logger.Warn("append failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("append after %d attempts: %w", appendRetries, err)
}

// coldStart rebuilds engine state: newest snapshot first, then every
// event the log holds since that snapshot. Re-applied events are merged
// idempotently, and their IDs seed the dedupe index so records still
// visible behind an uncommitted cursor are not double-counted.
func (d *Daemon) coldStart() error {
	since := time.Time{}
	if data, asOf, err := d.store.LatestSnapshot(); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	} else if data != nil {
		restored, err := d.engine.RestoreState(data)
		if err != nil {
			// A corrupt snapshot is recoverable: replay from scratch.
			d.logger.Warn("snapshot unusable, replaying full log", "error", err)
		} else {
			since = restored
			d.logger.Info("snapshot restored", "as_of", asOf)
		}
	}

	result, err := d.store.Replay(since)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	ids := make([]string, 0, len(result.Events))
	for _, ev := range result.Events {
		if _, err := d.engine.Apply(ev); err != nil {
			d.logger.Warn("replayed event rejected", "event_id", ev.EventID, "error", err)
			continue
		}
		ids = append(ids, ev.EventID)
	}
	if err := d.collector.SeedSeen(ids); err != nil {
		return fmt.Errorf("seed dedupe index: %w", err)
	}

	d.engine.Recompute(time.Now().UTC())

	d.logger.Info("log replayed",
		"events", len(result.Events),
		"skipped", result.Skipped,
		"archives", result.ArchivesRead)
	return nil
}

// startMaintenance schedules the background upkeep jobs.
func (d *Daemon) startMaintenance() *cron.Cron {
	sched := cron.New()

	// Rotation check. Cheap, so frequent.
	sched.AddFunc("@every 1m", func() {
		if !d.store.ShouldRotate() {
			return
		}
		if archive, err := d.store.Rotate(); err != nil {
			d.logger.Error("rotation failed", "error", err)
		} else {
			d.logger.Info("segment rotated", "archive", archive)
		}
	})

	// Snapshot for fast cold starts.
	sched.AddFunc("@every 5m", func() {
		if err := d.writeSnapshot(); err != nil {
			d.logger.Error("snapshot failed", "error", err)
		}
	})

	// Retire stale terminal traces.
	sched.AddFunc("@hourly", func() {
		if n := d.engine.Retire(time.Now().UTC()); n > 0 {
			d.logger.Info("traces retired", "count", n)
		}
	})

	// Compaction and dedupe-index pruning.
	sched.AddFunc("@daily", func() {
		if removed, err := d.store.Compact(d.cfg.Retention); err != nil {
			d.logger.Error("compaction failed", "error", err)
		} else if removed > 0 {
			d.logger.Info("archives compacted", "removed", removed)
		}
		horizon := time.Now().UTC().Add(-d.cfg.Retention)
		if pruned, err := d.checkpoints.PruneSeen(horizon); err != nil {
			d.logger.Error("dedupe prune failed", "error", err)
		} else if pruned > 0 {
			d.logger.Info("dedupe index pruned", "removed", pruned)
		}
	})

	sched.Start()
	return sched
}

func (d *Daemon) writeSnapshot() error {
	now := time.Now().UTC()
	data, err := d.engine.MarshalState(now)
	if err != nil {
		return err
	}
	return d.store.WriteSnapshot(now, data)
}

func (d *Daemon) startAPI() *http.Server {
	handler := api.NewHandler(api.Deps{
		Engine:    d.engine,
		Log:       d.store,
		Retention: d.cfg.Retention,
		Logger:    d.logger,
	})
	srv := &http.Server{
		Addr:              d.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		d.logger.Info("api listening", "addr", d.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("api server failed", "error", err)
		}
	}()
	return srv
}

func (d *Daemon) stopAPI(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		d.logger.Warn("api shutdown", "error", err)
	}
}

func (d *Daemon) shutdown() {
	if err := d.writeSnapshot(); err != nil {
		d.logger.Error("final snapshot failed", "error", err)
	}
	d.logger.Info("daemon stopped")
}
