/*
Package catalog discovers and validates task specs on disk.

Tasks live under either a flat legacy layout or the staged layout
(backlog/, active/, archive/<run_id>/), one directory per task with a
manifest.json and spec.md. Manifests are decoded strictly; strict TDD
mode requires a fast verify command, locks must name known resources
when a resource set is configured, and dependency cycles are
rejected. Ordering is numeric when every id parses as an integer,
lexicographic otherwise.
*/
package catalog
