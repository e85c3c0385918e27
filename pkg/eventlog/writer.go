// Package eventlog provides a JSONL debug log of router activity with daily
// file rotation.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the router.
const (
	KindHumanMessage  = "human_message"
	KindTurnStart     = "turn_start"
	KindTurnEnd       = "turn_end"
	KindIntent        = "intent"
	KindFlush         = "flush"
	KindRetry         = "retry"
	KindWatchdog      = "watchdog"
	KindWorkerSpawn   = "worker_spawn"
	KindWorkerRelease = "worker_release"
	KindContextPoll   = "context_poll"
)

// Event is one JSONL record.
type Event struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Role      string `json:"role,omitempty"`
	Ordinal   int    `json:"ordinal,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
}

// Writer appends events to daily-rotated JSONL files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a writer rooted at logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to open event log file: %w", err)
	}
	return w, nil
}

// Write appends one event, stamping id and timestamp if unset.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close previous log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}
