package collector

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/traceloom/internal/checkpoint"
	"github.com/ppiankov/traceloom/internal/model"
)

const defaultSourceTimeout = 2 * time.Second

// Config holds collector dependencies.
type Config struct {
	Sources       []Source
	Checkpoints   *checkpoint.Store
	DeadLetter    *DeadLetter
	SourceTimeout time.Duration
	// Strict rejects a source's whole batch when any record in it fails
	// normalization, instead of dead-lettering just the bad ones.
	Strict bool
	Logger *slog.Logger
}

// Batch is one poll cycle's output. Cursors and EventIDs are committed by
// the caller only after the events are durably appended, which makes the
// pipeline at-least-once with idempotent delivery.
type Batch struct {
	Events   []model.TraceEvent
	Cursors  map[string]string
	EventIDs []string
	Gaps     int
	Degraded map[string]string
	Healthy  []string
}

// Collector polls registered sources and emits canonical events.
type Collector struct {
	sources     []Source
	checkpoints *checkpoint.Store
	deadLetter  *DeadLetter
	timeout     time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	strict bool
}

// New creates a collector.
func New(cfg Config) *Collector {
	timeout := cfg.SourceTimeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sources:     cfg.Sources,
		checkpoints: cfg.Checkpoints,
		deadLetter:  cfg.DeadLetter,
		timeout:     timeout,
		strict:      cfg.Strict,
		logger:      logger,
	}
}

// sourceResult is one source's contribution to a cycle.
type sourceResult struct {
	name    string
	records []RawRecord
	cursor  string
	err     error
}

// Poll queries every source concurrently, each under its own timeout. A
// failing or slow source degrades only itself; its cursor stays put and
// it is retried next cycle. The returned events are ordered by timestamp.
func (c *Collector) Poll(ctx context.Context) (*Batch, error) {
	results := make([]sourceResult, len(c.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range c.sources {
		i, src := i, src
		g.Go(func() error {
			cursor, err := c.checkpoints.Cursor(src.Name())
			if err != nil {
				results[i] = sourceResult{name: src.Name(), err: err}
				return nil
			}

			sctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()

			records, next, err := src.Poll(sctx, cursor)
			results[i] = sourceResult{name: src.Name(), records: records, cursor: next, err: err}
			return nil // source failures are isolated, never group-fatal
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &Batch{
		Cursors:  make(map[string]string),
		Degraded: make(map[string]string),
	}
	inBatch := make(map[string]bool)

	for _, res := range results {
		if res.err != nil {
			batch.Degraded[res.name] = res.err.Error()
			c.logger.Warn("collector: source degraded", "source", res.name, "error", res.err)
			continue
		}

		events, gaps, ok := c.normalizeAll(res)
		if !ok {
			// Strict mode: the batch is rejected, the cursor holds, and
			// the producer gets another chance after a fix.
			batch.Degraded[res.name] = "strict validation failed"
			batch.Gaps += gaps
			continue
		}
		batch.Gaps += gaps
		batch.Healthy = append(batch.Healthy, res.name)
		batch.Cursors[res.name] = res.cursor

		for _, ev := range events {
			if inBatch[ev.EventID] {
				continue
			}
			seen, err := c.checkpoints.Seen(ev.EventID)
			if err != nil {
				return nil, err
			}
			if seen {
				continue
			}
			inBatch[ev.EventID] = true
			batch.Events = append(batch.Events, ev)
			batch.EventIDs = append(batch.EventIDs, ev.EventID)
		}
	}

	sort.SliceStable(batch.Events, func(i, j int) bool {
		a, b := batch.Events[i], batch.Events[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.EventID < b.EventID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return batch, nil
}

// SetStrict toggles strict validation, for config hot-reload.
func (c *Collector) SetStrict(strict bool) {
	c.mu.Lock()
	c.strict = strict
	c.mu.Unlock()
}

func (c *Collector) isStrict() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strict
}

// normalizeAll maps one source's raw records. Returns ok=false only in
// strict mode when the batch contained a bad record.
func (c *Collector) normalizeAll(res sourceResult) ([]model.TraceEvent, int, bool) {
	var events []model.TraceEvent
	gaps := 0
	strict := c.isStrict()
	for _, rec := range res.records {
		ev, err := Normalize(rec)
		if err != nil {
			gaps++
			if c.deadLetter != nil {
				if dlErr := c.deadLetter.Record(rec, err.Error()); dlErr != nil {
					c.logger.Warn("collector: dead letter write failed", "error", dlErr)
				}
			}
			c.logger.Warn("collector: payload rejected", "source", res.name, "error", err)
			if strict {
				return nil, gaps, false
			}
			continue
		}
		events = append(events, ev)
	}
	return events, gaps, true
}

// Commit durably advances cursors and the dedupe index for a batch whose
// events have been appended to the store.
func (c *Collector) Commit(batch *Batch) error {
	return c.checkpoints.Commit(batch.Cursors, batch.EventIDs)
}

// SeedSeen marks event IDs recovered from store replay, so records still
// visible behind uncommitted cursors do not re-apply after a restart.
func (c *Collector) SeedSeen(eventIDs []string) error {
	return c.checkpoints.MarkSeen(eventIDs)
}

// Sources lists the registered source names for health reporting.
func (c *Collector) Sources() []string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return names
}
