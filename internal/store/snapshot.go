package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// snapshotKeep is how many engine snapshots are retained; older ones only
// bound replay work and have no other value.
const snapshotKeep = 3

// WriteSnapshot persists an opaque engine state blob, stamped with the
// logical time it covers. Written via temp file and rename so a partial
// snapshot is never loadable.
func (s *Store) WriteSnapshot(asOf time.Time, data []byte) error {
	name := fmt.Sprintf("state-%s.json", asOf.UTC().Format(archiveStampFormat))
	path := filepath.Join(s.snapDir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: publish snapshot: %w", err)
	}

	s.pruneSnapshots()
	return nil
}

// LatestSnapshot returns the newest snapshot blob and the logical time it
// covers. A missing snapshot is not an error: (nil, zero, nil).
func (s *Store) LatestSnapshot() ([]byte, time.Time, error) {
	names, err := s.snapshotNames()
	if err != nil || len(names) == 0 {
		return nil, time.Time{}, err
	}

	latest := names[len(names)-1]
	asOf, err := snapshotStamp(latest)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.snapDir, latest))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: read snapshot: %w", err)
	}
	return data, asOf, nil
}

func (s *Store) snapshotNames() ([]string, error) {
	entries, err := os.ReadDir(s.snapDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "state-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) pruneSnapshots() {
	names, err := s.snapshotNames()
	if err != nil || len(names) <= snapshotKeep {
		return
	}
	for _, name := range names[:len(names)-snapshotKeep] {
		_ = os.Remove(filepath.Join(s.snapDir, name))
	}
}

func snapshotStamp(name string) (time.Time, error) {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, "state-"), ".json")
	t, err := time.Parse(archiveStampFormat, stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad snapshot name %q: %w", name, err)
	}
	return t, nil
}
