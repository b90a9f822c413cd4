package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bmatcuk/doublestar/v4"
)

// CursorPage is one page of events read from a JSONL log
type CursorPage struct {
	Events     []Event
	NextCursor int64
	Truncated  bool
}

// ReadFromCursor returns events strictly after the byte offset cursor.
// The cursor only ever advances past complete, LF-terminated lines: a
// partial trailing line (a write in flight) is left for the next read.
// maxBytes caps how much is consumed; the cap cuts on line boundaries
// only and sets Truncated when lines remain beyond it. maxBytes <= 0
// means unlimited.
func ReadFromCursor(path string, cursor int64, maxBytes int64) (*CursorPage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CursorPage{NextCursor: cursor}, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if cursor < 0 {
		cursor = 0
	}
	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to cursor: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	page := &CursorPage{NextCursor: cursor}
	offset := int64(0)
	for offset < int64(len(data)) {
		nl := bytes.IndexByte(data[offset:], '\n')
		if nl < 0 {
			// Partial trailing line: never advance past it.
			break
		}
		lineEnd := offset + int64(nl) + 1
		if maxBytes > 0 && lineEnd > maxBytes {
			page.Truncated = true
			break
		}

		line := data[offset : lineEnd-1]
		offset = lineEnd
		page.NextCursor = cursor + offset

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A corrupt line is skipped, not fatal: the log may be
			// shared with a crashed writer.
			continue
		}
		page.Events = append(page.Events, e)
	}

	return page, nil
}

// FilterTypes returns the events whose type matches any of the glob
// patterns ("container.*", "task.**").
func FilterTypes(evts []Event, patterns ...string) []Event {
	if len(patterns) == 0 {
		return evts
	}
	var out []Event
	for _, e := range evts {
		for _, p := range patterns {
			if ok, err := doublestar.Match(p, e.Type); err == nil && ok {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
