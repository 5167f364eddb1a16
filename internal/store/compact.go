package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Compact permanently deletes archives sealed before the retention
// horizon. The active log is never touched. Each removal is logged;
// deletion is irreversible.
func (s *Store) Compact(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("store: compact requires a positive retention horizon")
	}
	horizon := time.Now().UTC().Add(-retention)

	paths, err := s.archives()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range paths {
		stamp, err := archiveStamp(path)
		if err != nil {
			// Unparseable names are left alone rather than guessed at.
			s.logger.Warn("store: skipping unrecognized archive", "file", filepath.Base(path))
			continue
		}
		if !stamp.Before(horizon) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("store: remove archive: %w", err)
		}
		removed++
		s.logger.Info("store: compacted archive", "file", filepath.Base(path), "sealed_at", stamp)
	}
	return removed, nil
}
