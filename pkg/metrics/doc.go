/*
Package metrics defines the Prometheus instruments for the run
engine: run/batch/task counters, merge conflict and task reset
counters, attempt and batch duration histograms, and budget breach
counters. Instruments register on the default registry; exposition is
left to whatever embeds the engine.
*/
package metrics
