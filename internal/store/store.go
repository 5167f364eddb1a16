// Package store is the durable, append-only history of accepted trace
// events: newline-delimited JSON in an active log, sealed gzip archives
// named by rotation timestamp, and periodic engine snapshots. Exactly one
// writer process holds the log at a time; readers are unbounded.
package store

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/traceloom/internal/model"
)

const (
	logDirName      = "log"
	archiveDirName  = "archive"
	snapshotDirName = "snapshots"
	activeName      = "active.jsonl"
)

// Options tune rotation thresholds. Zero values disable the threshold.
type Options struct {
	MaxSize int64         // rotate when the active log exceeds this many bytes
	MaxAge  time.Duration // rotate when the oldest active record is older than this
	Logger  *slog.Logger
}

// Store owns the active log file and its archive directory.
type Store struct {
	dir      string // data dir root
	logDir   string
	arcDir   string
	snapDir  string
	lock     *flock
	logger   *slog.Logger
	maxSize  int64
	maxAge   time.Duration

	mu      sync.Mutex
	file    *os.File
	size    int64
	firstAt time.Time // timestamp of the first record in the active log
}

// Open acquires the writer lock, repairs a torn trailing record if the
// previous writer died mid-append, and opens the active log for appending.
func Open(dataDir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		dir:     dataDir,
		logDir:  filepath.Join(dataDir, logDirName),
		arcDir:  filepath.Join(dataDir, logDirName, archiveDirName),
		snapDir: filepath.Join(dataDir, snapshotDirName),
		logger:  logger,
		maxSize: opts.MaxSize,
		maxAge:  opts.MaxAge,
	}

	for _, d := range []string{s.logDir, s.arcDir, s.snapDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	lock, err := acquireLock(filepath.Join(s.logDir, "writer.lock"))
	if err != nil {
		return nil, err
	}
	s.lock = lock

	if err := s.openActive(); err != nil {
		lock.release()
		return nil, err
	}
	return s, nil
}

func (s *Store) activePath() string {
	return filepath.Join(s.logDir, activeName)
}

// openActive repairs and opens the active log, recovering size and the
// first record's timestamp for the age-based rotation threshold.
func (s *Store) openActive() error {
	path := s.activePath()

	if err := truncateTornTail(path); err != nil {
		return err
	}

	s.firstAt = time.Time{}
	if first, err := firstRecordTime(path); err == nil {
		s.firstAt = first
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("store: open active log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("store: stat active log: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Append writes a batch of events as complete lines and syncs once. Either
// the whole batch is durable or, on a crash mid-write, the torn tail is
// discarded on the next Open — a partial record is never observed.
func (s *Store) Append(events []model.TraceEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range events {
		line, err := ev.Encode()
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		// A failed rotation can leave the handle closed; recover it so one
		// bad tick never wedges the writer.
		if err := s.reopenLocked(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("store: write batch: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("store: sync: %w", err)
	}

	if s.size == 0 {
		s.firstAt = events[0].Timestamp
	}
	s.size += int64(n)
	return nil
}

// ShouldRotate reports whether the active log has crossed a size or age
// threshold.
func (s *Store) ShouldRotate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return false
	}
	if s.maxSize > 0 && s.size >= s.maxSize {
		return true
	}
	if s.maxAge > 0 && !s.firstAt.IsZero() && time.Since(s.firstAt) >= s.maxAge {
		return true
	}
	return false
}

// SetRotation replaces the rotation thresholds, for config hot-reload.
func (s *Store) SetRotation(maxSize int64, maxAge time.Duration) {
	s.mu.Lock()
	s.maxSize = maxSize
	s.maxAge = maxAge
	s.mu.Unlock()
}

// ActiveSize returns the current byte size of the active log.
func (s *Store) ActiveSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close flushes and closes the active log and releases the writer lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.file != nil {
		if serr := s.file.Sync(); serr != nil {
			err = serr
		}
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.file = nil
	}
	if s.lock != nil {
		s.lock.release()
		s.lock = nil
	}
	return err
}

// truncateTornTail drops a trailing record with no newline terminator.
// Such a record is the residue of a crash mid-write and must not be
// observed by any reader.
func truncateTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read active log: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(cut)); err != nil {
		return fmt.Errorf("store: truncate torn record: %w", err)
	}
	return nil
}

// firstRecordTime reads the first line's timestamp without decoding the
// rest of the file.
func firstRecordTime(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		return time.Time{}, fmt.Errorf("store: empty log")
	}
	ev, err := model.DecodeEvent(scanner.Bytes())
	if err != nil {
		return time.Time{}, err
	}
	return ev.Timestamp, nil
}
