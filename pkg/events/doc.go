/*
Package events implements the durable JSONL event model.

Every run writes an orchestrator event log and one event log per task,
each an append-only file of LF-terminated JSON lines. A single Logger
owns a single file, so events within one stream are in causal order.

Readers are cursor based: ReadFromCursor returns the events strictly
after a byte offset and never advances past a partial trailing line,
which makes it safe to tail a log while a writer is mid-line.
*/
package events
