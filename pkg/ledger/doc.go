/*
Package ledger records completed task fingerprints across runs.

The ledger is one JSON document per project, written atomically. An
entry is only trusted for reuse when its batch passed the integration
doctor. The reuse rule: a task's external dependency is satisfied iff
the ledger holds a complete entry whose fingerprint equals the
dependency's current fingerprint on disk — any manifest or spec edit
invalidates reuse.
*/
package ledger
