package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// flock is a PID-based writer lock file. The store is strictly
// single-writer; a second process opening the same data dir must fail fast
// rather than interleave records.
type flock struct {
	path string
}

// acquireLock writes the current PID to the lock file, clearing a stale
// lock left by a dead process.
func acquireLock(path string) (*flock, error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid > 0 {
			if pid == os.Getpid() {
				return nil, fmt.Errorf("store: data directory already open in this process (PID %d)", pid)
			}
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return nil, fmt.Errorf("store: another writer is running (PID %d)", pid)
				}
			}
		}
		// Stale lock — remove it.
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("store: write lock file: %w", err)
	}
	return &flock{path: path}, nil
}

func (l *flock) release() {
	_ = os.Remove(l.path)
}
