package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Reader gives read access to a data directory without taking the writer
// lock, so offline commands can inspect the log next to a live daemon.
type Reader struct {
	logDir string
	arcDir string
}

// OpenReader points at an existing data directory.
func OpenReader(dataDir string) (*Reader, error) {
	logDir := filepath.Join(dataDir, logDirName)
	if _, err := os.Stat(logDir); err != nil {
		return nil, fmt.Errorf("store: no log at %s: %w", dataDir, err)
	}
	return &Reader{
		logDir: logDir,
		arcDir: filepath.Join(logDir, archiveDirName),
	}, nil
}

// Replay reads all events at or after since. A writer appending
// concurrently is harmless: the active log is read up to its size at call
// time, and a torn tail is skipped like any damaged record.
func (r *Reader) Replay(since time.Time) (*ReplayResult, error) {
	paths, err := sortedArchives(r.arcDir)
	if err != nil {
		return nil, err
	}

	activeLimit := int64(0)
	if info, err := os.Stat(filepath.Join(r.logDir, activeName)); err == nil {
		activeLimit = info.Size()
	}

	result := &ReplayResult{}
	for _, path := range paths {
		if err := readArchive(path, since, result); err != nil {
			return nil, err
		}
		result.ArchivesRead++
	}
	if err := readActive(filepath.Join(r.logDir, activeName), activeLimit, since, result); err != nil {
		return nil, err
	}
	return result, nil
}
