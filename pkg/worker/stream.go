package worker

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/mycelium-sh/mycelium/pkg/events"
)

// streamWriter adapts a container stdio stream to the task event log.
// Lines that already are JSONL events pass through; anything else is
// wrapped into a fallback worker.output event so no output is lost.
type streamWriter struct {
	log    *events.Logger
	taskID string
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newStreamWriter(log *events.Logger, taskID, stream string) *streamWriter {
	return &streamWriter{log: log, taskID: taskID, stream: stream}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Partial line: put it back and wait for more.
			w.buf.Write(line)
			break
		}
		w.emitLine(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line as a fallback event.
func (w *streamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emitLine(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *streamWriter) emitLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var e events.Event
	if err := json.Unmarshal(line, &e); err == nil && e.Type != "" {
		e.TaskID = w.taskID
		_ = w.log.EmitEvent(&e)
		return
	}

	_ = w.log.EmitTask("worker.output", w.taskID, map[string]any{
		"stream": w.stream,
		"line":   string(line),
	})
}
