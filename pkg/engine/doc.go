/*
Package engine is the top-level run orchestrator.

A run executes the catalog's pending tasks in batches: the scheduler
admits tasks whose write locks are disjoint, each admitted task gets a
workspace (a git worktree on its own branch) and one worker attempt,
and once every task in the batch has validated, the merge pipeline
trial-merges the task branches, publishes the clean set as a merge
commit, and gates completion on the integration doctor.

	catalog ──► scheduler ──► batch ──┬─► workspace ─► worker ─► validated
	                                  └─► (parallel per task)
	validated ──► temp-merge probe ──► final merge ──► doctor ──► complete
	                   │ conflicts
	                   ▼
	               back to pending

Failure handling follows the configured task_failure_policy: retry
resets the task to pending with a task.reset event until max_retries
retries (max_retries+1 attempts in all) are spent (max_retries of
zero means unlimited); fail_fast
ends the run. Merge conflicts are never fatal. Budget breaches in
block mode end the run with stop reason budget_block.

The run state document is owned by the engine's coordinator lock.
Worker goroutines propose updates (container ids, usage, checkpoint
commits); the engine applies and persists them atomically. A stop
token (context cancellation) is honored between suspension points:
the run is marked paused, its state stays resumable, and containers
are left running unless the engine was told to stop them.
*/
package engine
