/*
Package log provides structured logging for mycelium using zerolog.

The global logger is initialized once via log.Init and shared by all
packages. Components obtain child loggers through WithComponent,
WithRunID, and WithTaskID so every line can be correlated with the
run's durable JSONL event logs.

This logger is operator-facing only. The orchestrator's durable event
stream lives in pkg/events, not here.
*/
package log
