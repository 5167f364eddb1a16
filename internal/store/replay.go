package store

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ppiankov/traceloom/internal/model"
)

// maxLineBytes bounds a single log record. Fragments are free text but a
// multi-megabyte line is a producer bug, not data.
const maxLineBytes = 4 << 20

// ReplayResult carries the recovered events plus read diagnostics.
type ReplayResult struct {
	Events       []model.TraceEvent `json:"events"`
	Skipped      int                `json:"skipped"`
	ArchivesRead int                `json:"archives_read"`
}

// Replay returns all events with timestamps at or after since, in
// chronological append order: sealed archives oldest first, then the
// active log. The active log is read only up to its size at call time, so
// a concurrent writer growing it underneath the reader is harmless.
// A zero since replays everything.
func (s *Store) Replay(since time.Time) (*ReplayResult, error) {
	paths, err := s.archives()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	activeLimit := s.size
	s.mu.Unlock()

	result := &ReplayResult{}

	// Every archive is scanned: record timestamps come from producers and
	// may run ahead of the rotation wall clock, so the archive name alone
	// cannot prove its records predate the filter.
	for _, path := range paths {
		if err := readArchive(path, since, result); err != nil {
			return nil, err
		}
		result.ArchivesRead++
	}

	if err := readActive(s.activePath(), activeLimit, since, result); err != nil {
		return nil, err
	}
	return result, nil
}

func readArchive(path string, since time.Time, result *ReplayResult) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("store: open archive: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("store: read archive %s: %w", path, err)
	}
	defer zr.Close()

	return scanRecords(zr, since, result)
}

func readActive(path string, limit int64, since time.Time, result *ReplayResult) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open active log: %w", err)
	}
	defer f.Close()

	return scanRecords(io.LimitReader(f, limit), since, result)
}

// scanRecords decodes newline-delimited events from r. Undecodable lines
// are counted, not fatal: the log must stay replayable even if a foreign
// process damaged a record.
func scanRecords(r io.Reader, since time.Time, result *ReplayResult) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		ev, err := model.DecodeEvent(scanner.Bytes())
		if err != nil {
			result.Skipped++
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		result.Events = append(result.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store: scan records: %w", err)
	}
	return nil
}
