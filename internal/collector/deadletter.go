package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DeadLetter appends payloads that failed normalization to a JSONL file
// so operators can inspect what a producer actually sent. Best effort: a
// dead-letter write failure is logged by the caller, never fatal. Each
// payload is recorded once per process: in strict mode the held cursor
// re-reads the same bad record every cycle.
type DeadLetter struct {
	path string
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeadLetter creates a dead-letter sink at path.
func NewDeadLetter(path string) *DeadLetter {
	return &DeadLetter{path: path, seen: make(map[string]struct{})}
}

type deadLetterEntry struct {
	Timestamp string          `json:"ts"`
	Source    string          `json:"source"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
}

// Record appends one rejected payload with the rejection reason. A payload
// already recorded by this process is a no-op.
func (d *DeadLetter) Record(rec RawRecord, reason string) error {
	sum := sha256.Sum256(append([]byte(rec.Source+"\x00"), rec.Data...))
	key := hex.EncodeToString(sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[key]; dup {
		return nil
	}

	payload := json.RawMessage(rec.Data)
	if !json.Valid(rec.Data) {
		quoted, _ := json.Marshal(string(rec.Data))
		payload = quoted
	}

	line, err := json.Marshal(deadLetterEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Source:    rec.Source,
		Reason:    reason,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("collector: marshal dead letter: %w", err)
	}

	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("collector: open dead letter: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("collector: write dead letter: %w", err)
	}
	d.seen[key] = struct{}{}
	return nil
}
