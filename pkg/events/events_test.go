package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "events.jsonl"), "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLoggerAppendsLFTerminatedLines(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Emit(TypeRunStart, map[string]any{"project": "demo"}))
	require.NoError(t, l.EmitTask(TypeTaskStart, "001", nil))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Contains(t, lines[0], `"type":"run.start"`)
	assert.Contains(t, lines[0], `"run_id":"run-1"`)
	assert.Contains(t, lines[1], `"task_id":"001"`)
}

func TestReadFromCursorReturnsEventsAfterOffset(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Emit(TypeRunStart, nil))
	page1, err := ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	require.Len(t, page1.Events, 1)

	require.NoError(t, l.EmitTask(TypeTaskStart, "001", nil))
	require.NoError(t, l.EmitTask(TypeTaskComplete, "001", nil))

	page2, err := ReadFromCursor(l.Path(), page1.NextCursor, 0)
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	assert.Equal(t, TypeTaskStart, page2.Events[0].Type)
	assert.Equal(t, TypeTaskComplete, page2.Events[1].Type)
}

func TestReadFromCursorNeverAdvancesPastPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	complete := `{"ts":"2025-01-01T00:00:00Z","type":"run.start","run_id":"r"}` + "\n"
	partial := `{"ts":"2025-01-01T00:00:01Z","type":"task.sta`
	require.NoError(t, os.WriteFile(path, []byte(complete+partial), 0o644))

	page, err := ReadFromCursor(path, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(len(complete)), page.NextCursor)

	// Completing the line makes it visible from the same cursor.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`rt","run_id":"r"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	page2, err := ReadFromCursor(path, page.NextCursor, 0)
	require.NoError(t, err)
	require.Len(t, page2.Events, 1)
	assert.Equal(t, "task.start", page2.Events[0].Type)
}

func TestReadFromCursorMaxBytesCutsOnLineBoundary(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Emit(TypeRunStart, nil))
	require.NoError(t, l.Emit(TypeBatchStart, nil))
	require.NoError(t, l.Emit(TypeRunStop, nil))

	full, err := ReadFromCursor(l.Path(), 0, 0)
	require.NoError(t, err)
	require.Len(t, full.Events, 3)

	// A cap that lands mid-second-line yields exactly the first line.
	firstLineLen := int64(0)
	data, _ := os.ReadFile(l.Path())
	firstLineLen = int64(strings.IndexByte(string(data), '\n') + 1)

	page, err := ReadFromCursor(l.Path(), 0, firstLineLen+5)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.True(t, page.Truncated)
	assert.Equal(t, firstLineLen, page.NextCursor)

	rest, err := ReadFromCursor(l.Path(), page.NextCursor, 0)
	require.NoError(t, err)
	assert.Len(t, rest.Events, 2)
}

func TestReadFromCursorMissingFile(t *testing.T) {
	page, err := ReadFromCursor(filepath.Join(t.TempDir(), "absent.jsonl"), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, int64(0), page.NextCursor)
}

func TestFilterTypes(t *testing.T) {
	evts := []Event{
		{Type: "container.create"},
		{Type: "container.stop_failed"},
		{Type: "task.reset"},
		{Type: "worker.local.start"},
	}

	matched := FilterTypes(evts, "container.*")
	require.Len(t, matched, 2)
	assert.Equal(t, "container.create", matched[0].Type)

	matched = FilterTypes(evts, "task.reset", "worker.**")
	require.Len(t, matched, 2)

	assert.Len(t, FilterTypes(evts), 4)
	assert.Empty(t, FilterTypes(evts, "budget.*"))
}
