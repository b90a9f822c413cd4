/*
Package types defines the shared data model for the mycelium run engine.

It holds the task spec and manifest schema, the durable run state document
(run, task, and batch state with their status enums), cross-run ledger
entries, and the structured command error surfaced by the CLI.

Types here carry no behavior beyond small invariant-preserving helpers
(for example TaskState.AddCheckpoint, which rejects non-monotonic
checkpoint attempts). Everything that acts on the model lives in the
component packages.
*/
package types
