/*
Package scheduler decides which tasks run next.

A task is ready when it is pending, its in-run dependencies are
complete (or skipped via ledger reuse), and its external dependencies
are satisfied by the cross-run ledger. Batches are formed greedily in
task-id order under one invariant: effective write-lock sets within a
batch are pairwise disjoint. The scheduler never executes anything;
the run engine owns execution and feeds results back as task status
changes.
*/
package scheduler
