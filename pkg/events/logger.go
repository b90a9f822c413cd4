package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is an append-only JSONL event writer. One Logger owns one
// file; events are written whole lines under a mutex so the log is
// always a sequence of complete, LF-terminated JSON documents.
type Logger struct {
	path  string
	runID string

	mu   sync.Mutex
	file *os.File
}

// NewLogger opens (or creates) the event log at path for appending.
func NewLogger(path, runID string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &Logger{path: path, runID: runID, file: f}, nil
}

// Path returns the log file path
func (l *Logger) Path() string {
	return l.path
}

// Emit appends an event with the logger's run id and the current time.
func (l *Logger) Emit(eventType string, payload map[string]any) error {
	return l.EmitEvent(&Event{Type: eventType, Payload: payload})
}

// EmitTask appends an event attributed to a task.
func (l *Logger) EmitTask(eventType, taskID string, payload map[string]any) error {
	return l.EmitEvent(&Event{Type: eventType, TaskID: taskID, Payload: payload})
}

// EmitBatch appends an event attributed to a batch.
func (l *Logger) EmitBatch(eventType string, batchID int, payload map[string]any) error {
	return l.EmitEvent(&Event{Type: eventType, BatchID: &batchID, Payload: payload})
}

// EmitEvent fills in ts and run_id when unset and appends the event.
func (l *Logger) EmitEvent(e *Event) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.RunID == "" {
		e.RunID = l.runID
	}

	line, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", e.Type, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("event log %s is closed", l.path)
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
