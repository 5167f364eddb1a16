package store

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// archiveStampFormat names sealed archives by their rotation timestamp.
// Colons are avoided for filesystem portability.
const archiveStampFormat = "20060102T150405.000Z"

// Rotate seals the active log: it is compressed into the archive directory
// under the rotation timestamp and a fresh active log is opened. A no-op on
// an empty log. Failure leaves the active log usable; rotation is retried
// on the next maintenance tick.
func (s *Store) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		// A previous rotation failed before the handle was recovered.
		if err := s.reopenLocked(); err != nil {
			return "", err
		}
	}
	if s.size == 0 {
		return "", nil
	}

	if err := s.file.Sync(); err != nil {
		return "", fmt.Errorf("store: sync before rotate: %w", err)
	}
	f := s.file
	s.file = nil
	if err := f.Close(); err != nil {
		if oerr := s.reopenLocked(); oerr != nil {
			return "", fmt.Errorf("store: close failed and reopen failed: %v (close: %w)", oerr, err)
		}
		return "", fmt.Errorf("store: close active log: %w", err)
	}

	stamp := time.Now().UTC().Format(archiveStampFormat)
	dest := filepath.Join(s.arcDir, stamp+".jsonl.gz")
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(s.arcDir, fmt.Sprintf("%s.%d.jsonl.gz", stamp, i))
	}

	if err := gzipFile(s.activePath(), dest); err != nil {
		// Reopen so appends keep working; the sealed data is still in the
		// active log and the next rotation attempt starts over.
		if oerr := s.reopenLocked(); oerr != nil {
			return "", fmt.Errorf("store: rotate failed and reopen failed: %v (rotate: %w)", oerr, err)
		}
		return "", err
	}

	if err := os.Remove(s.activePath()); err != nil {
		// Roll the archive back so the sealed records live in exactly one
		// place, then recover the handle; rotation is retried next tick.
		if rerr := os.Remove(dest); rerr != nil {
			s.logger.Warn("store: archive rollback failed", "archive", filepath.Base(dest), "error", rerr)
		}
		if oerr := s.reopenLocked(); oerr != nil {
			return "", fmt.Errorf("store: remove sealed log failed and reopen failed: %v (remove: %w)", oerr, err)
		}
		return "", fmt.Errorf("store: remove sealed log: %w", err)
	}
	if err := s.reopenLocked(); err != nil {
		return "", err
	}

	s.logger.Info("store: rotated active log", "archive", filepath.Base(dest))
	return dest, nil
}

func (s *Store) reopenLocked() error {
	f, err := os.OpenFile(s.activePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("store: reopen active log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("store: stat active log: %w", err)
	}
	s.file = f
	s.size = info.Size()
	s.firstAt = time.Time{}
	if s.size > 0 {
		if first, ferr := firstRecordTime(s.activePath()); ferr == nil {
			s.firstAt = first
		}
	}
	return nil
}

// gzipFile compresses src into dest via a temp file and rename, so a
// half-written archive is never visible under its final name.
func gzipFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("store: open sealed log: %w", err)
	}
	defer in.Close()

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: create archive: %w", err)
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: finish archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: publish archive: %w", err)
	}
	return nil
}

// archives lists sealed archive paths in chronological (name) order.
func (s *Store) archives() ([]string, error) {
	return sortedArchives(s.arcDir)
}

func sortedArchives(arcDir string) ([]string, error) {
	entries, err := os.ReadDir(arcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list archives: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.gz") {
			continue
		}
		paths = append(paths, filepath.Join(arcDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// archiveStamp parses the rotation timestamp out of an archive filename.
func archiveStamp(path string) (time.Time, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".jsonl.gz")
	if i := strings.Index(name, "Z."); i >= 0 {
		name = name[:i+1] // drop collision suffix
	}
	t, err := time.Parse(archiveStampFormat, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad archive name %q: %w", filepath.Base(path), err)
	}
	return t, nil
}
